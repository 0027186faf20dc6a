// Package store provides the PostgreSQL-backed persistence layer for the
// tamper-evident security log: an append-only table with a unique,
// monotonically increasing sequence number and the hash-chain fields, plus
// the rules table backing the rule admin API.
package store

import (
	"time"

	"github.com/redwall/sentinel/internal/model"
)

// Filter narrows a Count or Find query over the security_log table. The
// zero value matches every row. From/To bracket created_at; an empty
// EventType, UserID, or IPAddress means "no filter on this field".
type Filter struct {
	EventType model.EventType
	Severity  model.Severity
	UserID    string
	IPAddress string
	From      time.Time
	To        time.Time
}

// Page carries pagination parameters for Find. PageSize <= 0 defaults to
// 100; Page is 1-indexed and values < 1 are treated as 1.
type Page struct {
	Page     int
	PageSize int
}

func (p Page) normalized() (page, size int) {
	page, size = p.Page, p.PageSize
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 100
	}
	return page, size
}

// Statistics summarizes the security log itself — the store's contribution
// to the Query API's get_statistics endpoint, which also folds in rule
// counts by status and engine_metrics from the rule engine (see
// internal/server/rest).
type Statistics struct {
	Total      int64                      `json:"total"`
	BySeverity map[model.Severity]int64   `json:"by_severity"`
	ByType     map[model.EventType]int64  `json:"by_event_type"`
}
