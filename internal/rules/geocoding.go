package rules

import "strings"

// coordinate is a decimal-degree latitude/longitude pair.
type coordinate struct {
	lat, lon float64
}

// knownLocations maps a conventional "City, Country" (or "City, Region,
// Country") metadata.location string to its approximate coordinates. The
// engine consumes already-resolved locations (actual GeoIP resolution is an
// explicit non-goal); this table lets the impossible-travel check compute a
// Haversine distance for the common cities that appear in event metadata and
// in the spec's own test vectors, without requiring an external geocoding
// dependency. Locations absent from this table are skipped by the
// impossible-travel check rather than guessed at.
var knownLocations = map[string]coordinate{
	"tokyo, japan":            {35.6762, 139.6503},
	"berlin, germany":         {52.5200, 13.4050},
	"london, united kingdom":  {51.5074, -0.1278},
	"london, uk":              {51.5074, -0.1278},
	"paris, france":           {48.8566, 2.3522},
	"new york, usa":           {40.7128, -74.0060},
	"new york, united states": {40.7128, -74.0060},
	"san francisco, usa":      {37.7749, -122.4194},
	"moscow, russia":          {55.7558, 37.6173},
	"beijing, china":          {39.9042, 116.4074},
	"sydney, australia":       {-33.8688, 151.2093},
	"sao paulo, brazil":       {-23.5505, -46.6333},
	"mumbai, india":           {19.0760, 72.8777},
	"toronto, canada":         {43.6532, -79.3832},
	"lagos, nigeria":          {6.5244, 3.3792},
	"dubai, uae":              {25.2048, 55.2708},
	"singapore, singapore":    {1.3521, 103.8198},
	"amsterdam, netherlands":  {52.3676, 4.9041},
}

// lookupCoordinate returns the coordinate for location (case-insensitive,
// trimmed) and whether it was found.
func lookupCoordinate(location string) (coordinate, bool) {
	c, ok := knownLocations[strings.ToLower(strings.TrimSpace(location))]
	return c, ok
}

// distanceKM returns the Haversine distance between two metadata.location
// strings, and false if either location is not in knownLocations.
func distanceKM(a, b string) (float64, bool) {
	ca, ok := lookupCoordinate(a)
	if !ok {
		return 0, false
	}
	cb, ok := lookupCoordinate(b)
	if !ok {
		return 0, false
	}
	return haversineKM(ca.lat, ca.lon, cb.lat, cb.lon), true
}
