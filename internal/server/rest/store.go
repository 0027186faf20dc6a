package rest

import (
	"context"
	"time"

	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/queue"
	"github.com/redwall/sentinel/internal/repository"
	"github.com/redwall/sentinel/internal/store"
)

// LogStore is the subset of internal/store.Store used by the Query API
// handlers (get_entries, get_entry, get_statistics).
type LogStore interface {
	Find(ctx context.Context, f store.Filter, p store.Page) ([]model.LogEntry, error)
	GetEntry(ctx context.Context, seq uint64) (*model.LogEntry, error)
	Statistics(ctx context.Context) (store.Statistics, error)
}

// RuleStore is the subset of internal/store.Store used for read-only rule
// admin endpoints (list_rules, get_rule). Mutations go through RuleAdmin so
// the cache and engine registration stay consistent.
type RuleStore interface {
	ListRules(ctx context.Context, status model.RuleStatus) ([]model.Rule, error)
	GetRule(ctx context.Context, id string) (*model.Rule, error)
}

// RuleAdmin is the subset of internal/repository.Repository used for the
// create/update/delete rule admin endpoints.
type RuleAdmin interface {
	CreateRule(ctx context.Context, id string, dto repository.RuleDTO) (model.Rule, error)
	UpdateRule(ctx context.Context, id string, dto repository.RuleDTO) (model.Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// Queue is the subset of internal/queue.Queue used by the ingestion and
// integrity endpoints.
type Queue interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any, priority int, delay time.Duration) (int64, error)
	ScheduleIntegrityCheck(ctx context.Context, startSeq, endSeq *uint64) (int64, error)
}
