package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redwall/sentinel/internal/hash"
	"github.com/redwall/sentinel/internal/model"
)

// ErrArchiveRequired is returned by DeleteBefore when no verified archive
// covers the requested cutoff. The spec requires archival to precede bulk
// deletion; this error makes that precondition enforceable by callers
// rather than merely documented.
var ErrArchiveRequired = errors.New("store: delete_before requires a verified archive covering the cutoff")

// Store is the PostgreSQL-backed persistence layer for the security log and
// the rules table. Append is the only mutating path that must preserve
// strict ordering; every append takes appendMu so that "read predecessor's
// hash, compute my hash, insert" is atomic with respect to other appenders
// even when multiple writer goroutines share one Store (Component D's
// worker pool may have several replicas backed by one Store).
type Store struct {
	pool *pgxpool.Pool

	appendMu sync.Mutex
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// NewEntry carries the fields a caller supplies for Append; SequenceNum,
// PreviousHash, CurrentHash, and CreatedAt are assigned by Append itself.
type NewEntry struct {
	EventType model.EventType
	Severity  model.Severity
	UserID    string
	IPAddress string
	UserAgent string
	SessionID string
	Metadata  map[string]any
	Message   string
}

// Append assigns the next sequence number, reads the prior entry's current
// hash, computes this entry's hash, and inserts it in a single transaction.
// Callers must serialize Append calls for the whole log (Component D's
// append-lock discipline); Store additionally serializes its own callers
// with appendMu so a misbehaving caller cannot corrupt the chain.
func (s *Store) Append(ctx context.Context, e NewEntry) (model.LogEntry, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("store: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op if committed

	var prevSeq uint64
	var prevHash string
	err = tx.QueryRow(ctx, `SELECT sequence_num, current_hash FROM security_log ORDER BY sequence_num DESC LIMIT 1`).
		Scan(&prevSeq, &prevHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		prevSeq, prevHash = 0, ""
	case err != nil:
		return model.LogEntry{}, fmt.Errorf("store: read predecessor: %w", err)
	}

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("store: marshal metadata: %w", err)
	}

	seq := prevSeq + 1
	createdAt := time.Now().UTC()
	currentHash := hash.Hash(hash.Fields{
		SequenceNum: seq,
		EventType:   e.EventType,
		Severity:    e.Severity,
		UserID:      e.UserID,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		SessionID:   e.SessionID,
		Metadata:    meta,
		Message:     e.Message,
		CreatedAt:   createdAt,
	}, prevHash)

	_, err = tx.Exec(ctx, `
		INSERT INTO security_log
			(sequence_num, event_type, severity, user_id, ip_address, user_agent,
			 session_id, metadata, message, previous_hash, current_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		seq, string(e.EventType), string(e.Severity),
		nullableStr(e.UserID), nullableStr(e.IPAddress), nullableStr(e.UserAgent), nullableStr(e.SessionID),
		meta, e.Message, nullableStr(prevHash), currentHash, createdAt,
	)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("store: insert entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.LogEntry{}, fmt.Errorf("store: commit append: %w", err)
	}

	return model.LogEntry{
		SequenceNum:  seq,
		EventType:    e.EventType,
		Severity:     e.Severity,
		UserID:       e.UserID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		SessionID:    e.SessionID,
		Metadata:     meta,
		Message:      e.Message,
		PreviousHash: prevHash,
		CurrentHash:  currentHash,
		CreatedAt:    createdAt,
	}, nil
}

// Range returns entries with sequence_num in [startSeq, endSeq], ordered
// ascending, capped at limit rows (limit <= 0 means no cap).
func (s *Store) Range(ctx context.Context, startSeq, endSeq uint64, limit int) ([]model.LogEntry, error) {
	q := `
		SELECT sequence_num, event_type, severity, user_id, ip_address, user_agent,
		       session_id, metadata, message, previous_hash, current_hash, created_at
		FROM   security_log
		WHERE  sequence_num BETWEEN $1 AND $2
		ORDER  BY sequence_num ASC`
	args := []any{startSeq, endSeq}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: range query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the number of rows matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := buildWhere(f)
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_log `+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Find returns a page of entries matching f, ordered by sequence_num
// descending (most recent first), the conventional order for the Query API.
func (s *Store) Find(ctx context.Context, f Filter, p Page) ([]model.LogEntry, error) {
	where, args := buildWhere(f)
	page, size := p.normalized()
	offset := (page - 1) * size

	q := fmt.Sprintf(`
		SELECT sequence_num, event_type, severity, user_id, ip_address, user_agent,
		       session_id, metadata, message, previous_hash, current_hash, created_at
		FROM   security_log
		%s
		ORDER  BY sequence_num DESC
		LIMIT  $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, size, offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntry fetches a single entry by its sequence number.
func (s *Store) GetEntry(ctx context.Context, seq uint64) (*model.LogEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT sequence_num, event_type, severity, user_id, ip_address, user_agent,
		       session_id, metadata, message, previous_hash, current_hash, created_at
		FROM   security_log
		WHERE  sequence_num = $1`, seq)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: get entry %d: %w", seq, err)
	}
	return e, nil
}

// Statistics aggregates severity and event-type counts over the whole log.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	st := Statistics{BySeverity: map[model.Severity]int64{}, ByType: map[model.EventType]int64{}}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_log`).Scan(&st.Total); err != nil {
		return st, fmt.Errorf("store: statistics total: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT severity, COUNT(*) FROM security_log GROUP BY severity`)
	if err != nil {
		return st, fmt.Errorf("store: statistics by severity: %w", err)
	}
	for rows.Next() {
		var sev string
		var n int64
		if err := rows.Scan(&sev, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("store: scan severity stat: %w", err)
		}
		st.BySeverity[model.Severity(sev)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	rows, err = s.pool.Query(ctx, `SELECT event_type, COUNT(*) FROM security_log GROUP BY event_type`)
	if err != nil {
		return st, fmt.Errorf("store: statistics by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			return st, fmt.Errorf("store: scan type stat: %w", err)
		}
		st.ByType[model.EventType(et)] = n
	}
	return st, rows.Err()
}

// DeleteBefore bulk-deletes entries with created_at < cutoff, provided
// archived is true (the caller has already produced and verified an
// archive covering the range). It returns the number of rows removed.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time, archived bool) (int64, error) {
	if !archived {
		return 0, ErrArchiveRequired
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM security_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: delete_before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- internal helpers ---

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	where := "WHERE "
	for i, c := range clauses {
		if i > 0 {
			where += " AND "
		}
		where += c
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*model.LogEntry, error) {
	var e model.LogEntry
	var eventType, severity string
	var userID, ip, ua, sessionID, prevHash *string
	var metadata []byte

	err := r.Scan(
		&e.SequenceNum, &eventType, &severity,
		&userID, &ip, &ua, &sessionID,
		&metadata, &e.Message, &prevHash, &e.CurrentHash, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = model.EventType(eventType)
	e.Severity = model.Severity(severity)
	e.Metadata = metadata
	if userID != nil {
		e.UserID = *userID
	}
	if ip != nil {
		e.IPAddress = *ip
	}
	if ua != nil {
		e.UserAgent = *ua
	}
	if sessionID != nil {
		e.SessionID = *sessionID
	}
	if prevHash != nil {
		e.PreviousHash = *prevHash
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]model.LogEntry, error) {
	var out []model.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
