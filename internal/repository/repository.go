// Package repository implements the Rule Repository: it loads persisted
// rule rows into live Rule implementations, registers them with the Rule
// Engine, caches them by id+version, and optionally hot-reloads on a fixed
// interval.
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/redwall/sentinel/internal/model"
	"github.com/redwall/sentinel/internal/rules"
)

// DefaultHotReloadInterval is used when Repository is constructed without an
// explicit interval.
const DefaultHotReloadInterval = 60 * time.Second

// Store is the subset of internal/store.Store the repository depends on.
type Store interface {
	ListRules(ctx context.Context, status model.RuleStatus) ([]model.Rule, error)
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	InsertRule(ctx context.Context, r model.Rule) error
	UpdateRule(ctx context.Context, r model.Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// Engine is the subset of internal/engine.Engine the repository depends on.
type Engine interface {
	Register(r rules.Rule) error
	Unregister(id string)
}

// cacheKey identifies one cached rule instance by id and version: a version
// bump is a cache miss even if the id is unchanged.
type cacheKey struct {
	id      string
	version string
}

// Repository loads ACTIVE/TESTING rules from Store, instantiates and
// registers them with Engine, and keeps a version-aware cache so a
// hot-reload pass only re-instantiates rules whose version actually
// changed.
type Repository struct {
	store  Store
	engine Engine
	logger *slog.Logger

	hotReloadInterval time.Duration

	mu    sync.Mutex
	cache *lru.Cache[cacheKey, rules.Rule]
	// versions tracks the cached version per id so a reload pass can detect
	// updates and deletions without walking the whole LRU.
	versions map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Repository at construction time.
type Option func(*Repository)

// WithHotReloadInterval overrides DefaultHotReloadInterval.
func WithHotReloadInterval(d time.Duration) Option {
	return func(r *Repository) { r.hotReloadInterval = d }
}

// New constructs a Repository backed by store and engine.
func New(store Store, engine Engine, logger *slog.Logger, opts ...Option) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[cacheKey, rules.Rule](1024)
	if err != nil {
		return nil, fmt.Errorf("repository: new lru cache: %w", err)
	}
	r := &Repository{
		store:             store,
		engine:            engine,
		logger:            logger,
		hotReloadInterval: DefaultHotReloadInterval,
		cache:             cache,
		versions:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Load reads every ACTIVE and TESTING rule from the store, instantiates,
// validates, and registers each with the engine, and seeds the cache.
func (r *Repository) Load(ctx context.Context) error {
	var rows []model.Rule
	for _, status := range []model.RuleStatus{model.RuleStatusActive, model.RuleStatusTesting} {
		batch, err := r.store.ListRules(ctx, status)
		if err != nil {
			return fmt.Errorf("repository: list rules (%s): %w", status, err)
		}
		rows = append(rows, batch...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		if err := r.loadOneLocked(row); err != nil {
			r.logger.Error("failed to load rule", slog.String("rule_id", row.ID), slog.Any("error", err))
			continue
		}
	}
	return nil
}

// loadOneLocked instantiates, validates, and registers row, and records it
// in the cache. Callers must hold mu.
func (r *Repository) loadOneLocked(row model.Rule) error {
	rule, err := rules.New(row)
	if err != nil {
		return fmt.Errorf("construct: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if err := r.engine.Register(rule); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.cache.Add(cacheKey{id: row.ID, version: row.Version}, rule)
	r.versions[row.ID] = row.Version
	return nil
}

// StartHotReload launches a background goroutine that compares DB rule
// versions to cached versions on hotReloadInterval, re-registering updated
// rules and unregistering deleted ones. Call Stop to terminate it.
func (r *Repository) StartHotReload(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.hotReloadInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.reload(ctx); err != nil {
					r.logger.Error("hot reload failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// Stop terminates the hot-reload goroutine, if running, and waits for it to
// exit.
func (r *Repository) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// reload compares the store's current ACTIVE/TESTING rule set against the
// cached versions, registering additions/changes and unregistering rules
// that are gone or no longer ACTIVE/TESTING.
func (r *Repository) reload(ctx context.Context) error {
	var current []model.Rule
	for _, status := range []model.RuleStatus{model.RuleStatusActive, model.RuleStatusTesting} {
		batch, err := r.store.ListRules(ctx, status)
		if err != nil {
			return fmt.Errorf("list rules (%s): %w", status, err)
		}
		current = append(current, batch...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(current))
	for _, row := range current {
		seen[row.ID] = struct{}{}
		if cachedVersion, ok := r.versions[row.ID]; ok && cachedVersion == row.Version {
			continue
		}
		if err := r.loadOneLocked(row); err != nil {
			r.logger.Error("failed to reload rule", slog.String("rule_id", row.ID), slog.Any("error", err))
			continue
		}
		r.logger.Info("rule reloaded", slog.String("rule_id", row.ID), slog.String("version", row.Version))
	}

	for id := range r.versions {
		if _, ok := seen[id]; !ok {
			r.engine.Unregister(id)
			delete(r.versions, id)
			r.logger.Info("rule unregistered", slog.String("rule_id", id))
		}
	}
	return nil
}

// RuleDTO is the admin API's create/update payload — a partial view over
// model.Rule with only operator-settable fields.
type RuleDTO struct {
	Name          *string
	Description   *string
	Severity      *model.Severity
	ConditionType *model.ConditionType
	Config        []byte
	Tags          []string
	Status        *model.RuleStatus
}

// CreateRule persists a new rule defaulting to TESTING status and version
// 1.0.0, then loads it into the engine.
func (r *Repository) CreateRule(ctx context.Context, id string, dto RuleDTO) (model.Rule, error) {
	row := model.Rule{
		ID:        id,
		Version:   "1.0.0",
		Status:    model.RuleStatusTesting,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	applyDTO(&row, dto)

	if err := r.store.InsertRule(ctx, row); err != nil {
		return model.Rule{}, fmt.Errorf("repository: create rule: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadOneLocked(row); err != nil {
		return model.Rule{}, fmt.Errorf("repository: register new rule: %w", err)
	}
	return row, nil
}

// UpdateRule merges dto's non-zero fields onto the stored rule, bumps the
// patch version when config changed, persists, and re-registers.
func (r *Repository) UpdateRule(ctx context.Context, id string, dto RuleDTO) (model.Rule, error) {
	existing, err := r.store.GetRule(ctx, id)
	if err != nil {
		return model.Rule{}, fmt.Errorf("repository: get rule %s: %w", id, err)
	}

	updated := *existing
	configChanged := len(dto.Config) > 0 && string(dto.Config) != string(existing.Config)
	patch := model.Rule{}
	applyDTO(&patch, dto)
	if err := mergo.Merge(&updated, patch, mergo.WithOverride); err != nil {
		return model.Rule{}, fmt.Errorf("repository: merge rule update: %w", err)
	}
	if configChanged {
		updated.Version = bumpPatch(existing.Version)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateRule(ctx, updated); err != nil {
		return model.Rule{}, fmt.Errorf("repository: persist rule update: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadOneLocked(updated); err != nil {
		return model.Rule{}, fmt.Errorf("repository: register updated rule: %w", err)
	}
	return updated, nil
}

// DeleteRule removes the rule from the store and unregisters it from the
// engine.
func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	if err := r.store.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("repository: delete rule %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine.Unregister(id)
	delete(r.versions, id)
	return nil
}

// applyDTO overlays dto's set fields onto row.
func applyDTO(row *model.Rule, dto RuleDTO) {
	if dto.Name != nil {
		row.Name = *dto.Name
	}
	if dto.Description != nil {
		row.Description = *dto.Description
	}
	if dto.Severity != nil {
		row.Severity = *dto.Severity
	}
	if dto.ConditionType != nil {
		row.ConditionType = *dto.ConditionType
	}
	if len(dto.Config) > 0 {
		row.Config = dto.Config
	}
	if dto.Tags != nil {
		row.Tags = dto.Tags
	}
	if dto.Status != nil {
		row.Status = *dto.Status
	}
}

// bumpPatch increments the patch component of a "major.minor.patch" semver
// string. A version that doesn't parse as three dot-separated integers is
// returned unchanged rather than guessed at.
func bumpPatch(version string) string {
	var major, minor, patch int
	if _, err := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &patch); err != nil {
		return version
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}
