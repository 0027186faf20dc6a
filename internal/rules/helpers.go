package rules

import (
	"errors"
	"math"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// TargetType identifies which correlation field a rule matched on, per the
// precedence user_id → email → ip_address.
type TargetType string

const (
	TargetUserID    TargetType = "user_id"
	TargetEmail     TargetType = "email"
	TargetIPAddress TargetType = "ip_address"
	TargetNone      TargetType = ""
)

// ResolveTarget picks the correlation key for an event under the
// user_id → email → ip_address precedence shared by every rule that groups
// events by "target".
func ResolveTarget(e model.Event) (TargetType, string) {
	if e.UserID != "" {
		return TargetUserID, e.UserID
	}
	if email := e.MetaEmail(); email != "" {
		return TargetEmail, email
	}
	if e.IPAddress != "" {
		return TargetIPAddress, e.IPAddress
	}
	return TargetNone, ""
}

// SameTarget reports whether e matches the given target identity.
func SameTarget(e model.Event, target TargetType, value string) bool {
	switch target {
	case TargetUserID:
		return e.UserID == value
	case TargetEmail:
		return e.MetaEmail() == value
	case TargetIPAddress:
		return e.IPAddress == value
	default:
		return false
	}
}

// Lookback returns the subset of events whose Timestamp falls within
// [ref-window, ref], sorted ascending by Timestamp. Events that compare
// equal are left in their relative input order (stable sort).
func Lookback(events []model.Event, ref time.Time, window time.Duration) []model.Event {
	cutoff := ref.Add(-window)
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) && !e.Timestamp.After(ref) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// FilterEventTypes returns the subset of events whose EventType is in types.
func FilterEventTypes(events []model.Event, types ...model.EventType) []model.Event {
	set := make(map[model.EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if _, ok := set[e.EventType]; ok {
			out = append(out, e)
		}
	}
	return out
}

// IsWhitelisted reports whether ip matches any entry in whitelist. Entries
// may be an exact address ("10.0.0.1") or a CIDR prefix ("10.0.0.0/8").
func IsWhitelisted(ip string, whitelist []string) bool {
	if ip == "" {
		return false
	}
	addr := net.ParseIP(ip)
	for _, entry := range whitelist {
		if entry == ip {
			return true
		}
		if !strings.Contains(entry, "/") || addr == nil {
			continue
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			continue
		}
		if cidr.Contains(addr) {
			return true
		}
	}
	return false
}

// UniqueStrings returns the distinct, non-empty values of f(e) across
// events, in first-seen order.
func UniqueStrings(events []model.Event, f func(model.Event) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range events {
		v := f(e)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// LevenshteinDistance computes the edit distance between a and b.
func LevenshteinDistance(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// LevenshteinSimilarity normalizes LevenshteinDistance into [0, 1], where 1
// means identical strings.
func LevenshteinSimilarity(a, b string) float64 {
	maxLen := len([]rune(a))
	if bl := len([]rune(b)); bl > maxLen {
		maxLen = bl
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(LevenshteinDistance(a, b))/float64(maxLen)
}

var trailingDigits = regexp.MustCompile(`^(.*?)(\d+)$`)

// SequentialUsernames reports whether a and b share the same non-numeric
// stem and their trailing integers are consecutive (a+1 == b, in either
// direction), e.g. "user1"/"user2" or "admin07"/"admin08".
func SequentialUsernames(a, b string) bool {
	ma := trailingDigits.FindStringSubmatch(a)
	mb := trailingDigits.FindStringSubmatch(b)
	if ma == nil || mb == nil || ma[1] != mb[1] {
		return false
	}
	na, erra := parseNonNegativeInt(ma[2])
	nb, errb := parseNonNegativeInt(mb[2])
	if erra != nil || errb != nil {
		return false
	}
	diff := na - nb
	return diff == 1 || diff == -1
}

func parseNonNegativeInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errInvalidDigits
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var errInvalidDigits = errors.New("rules: non-digit in numeric suffix")

// haversineKM returns the great-circle distance in kilometers between two
// latitude/longitude pairs given in decimal degrees.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKM = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}
