// Package sqlitestore is the durable audit.Store backed by a single SQLite
// database file.
//
// Every tenant's chain lives in one events table. A global autoincrement
// sequence gives insertion order, and a UNIQUE (tenant_id, prev_hash)
// constraint makes a fork impossible even when several processes share the
// file: two records hashed against the same head cannot both be inserted.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/ctrlai/chainaudit/internal/audit"
)

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id  TEXT NOT NULL,
		event_id   TEXT NOT NULL,
		ts         TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id   TEXT NOT NULL,
		actor      TEXT NOT NULL,
		category   TEXT NOT NULL,
		severity   TEXT NOT NULL,
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL DEFAULT '',
		outcome    TEXT NOT NULL,
		details    TEXT,
		metadata   TEXT,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		prev_hash  TEXT NOT NULL DEFAULT '',
		hash       TEXT NOT NULL,
		UNIQUE (tenant_id, event_id),
		UNIQUE (tenant_id, prev_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_events_actor ON events(tenant_id, actor_id);
	CREATE INDEX IF NOT EXISTS idx_events_category ON events(tenant_id, category);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON events(tenant_id, severity);
	CREATE INDEX IF NOT EXISTS idx_events_action ON events(tenant_id, action);
	CREATE INDEX IF NOT EXISTS idx_events_outcome ON events(tenant_id, outcome);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(tenant_id, ts);
`

const columns = "seq, event_id, tenant_id, ts, actor, category, severity, action, resource, outcome, details, metadata, ip_address, user_agent, hash"

// Store implements audit.Store on SQLite. Thread-safe.
type Store struct {
	db   *sql.DB
	path string

	// mu serializes appends within this process; the schema's unique
	// constraints guard against other processes.
	mu sync.Mutex
}

var _ audit.Store = (*Store)(nil)

// Open opens (or creates) the database at path, creating parent
// directories and the schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// WAL lets readers (CLI, tail -f) run while the server appends.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	slog.Debug("sqlite store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, rec audit.Record, expectedHead string) error {
	e := rec.Event
	actorJSON, err := json.Marshal(e.Actor)
	if err != nil {
		return &audit.StorageError{Op: "append", Err: fmt.Errorf("encoding actor: %w", err)}
	}
	details, err := encodeMap(e.Details)
	if err != nil {
		return &audit.StorageError{Op: "append", Err: fmt.Errorf("encoding details: %w", err)}
	}
	metadata, err := encodeMap(e.Metadata)
	if err != nil {
		return &audit.StorageError{Op: "append", Err: fmt.Errorf("encoding metadata: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &audit.StorageError{Op: "append", Err: err}
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE tenant_id = ? AND event_id = ?",
		e.TenantID, e.ID).Scan(&exists)
	if err != nil {
		return &audit.StorageError{Op: "append", Err: err}
	}
	if exists > 0 {
		return fmt.Errorf("tenant %q event %q: %w", e.TenantID, e.ID, audit.ErrDuplicateEvent)
	}

	head, _, err := chainHead(ctx, tx, e.TenantID)
	if err != nil {
		return err
	}
	if head != expectedHead {
		return fmt.Errorf("tenant %q: expected head %q, found %q: %w", e.TenantID, expectedHead, head, audit.ErrChainHeadMoved)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (tenant_id, event_id, ts, actor_type, actor_id, actor, category, severity,
			action, resource, outcome, details, metadata, ip_address, user_agent, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.ID, audit.FormatTimestamp(e.Timestamp), string(e.Actor.Type), e.Actor.ID,
		string(actorJSON), string(e.Category), string(e.Severity), e.Action, e.Resource,
		string(e.Outcome), details, metadata, e.IPAddress, e.UserAgent, head, rec.Hash,
	)
	if err != nil {
		// Another process won the race between our head read and insert.
		if isUniqueViolation(err, "prev_hash") {
			return fmt.Errorf("tenant %q: %w", e.TenantID, audit.ErrChainHeadMoved)
		}
		if isUniqueViolation(err, "event_id") {
			return fmt.Errorf("tenant %q event %q: %w", e.TenantID, e.ID, audit.ErrDuplicateEvent)
		}
		return &audit.StorageError{Op: "append", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &audit.StorageError{Op: "append", Err: err}
	}
	return nil
}

// Get implements audit.Store.
func (s *Store) Get(ctx context.Context, tenantID, id string) (audit.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+columns+" FROM events WHERE tenant_id = ? AND event_id = ?", tenantID, id)
	rec, _, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Record{}, false, nil
	}
	if err != nil {
		return audit.Record{}, false, &audit.StorageError{Op: "get", Err: err}
	}
	return rec, true, nil
}

// Query implements audit.Store. Equality and time filters run in SQL; the
// action glob has no SQL equivalent and is applied while scanning.
func (s *Store) Query(ctx context.Context, f audit.Filter) (audit.Page, error) {
	m, err := audit.CompileFilter(f)
	if err != nil {
		return audit.Page{}, err
	}

	where, args := whereClause(f)

	if f.ActionPattern == "" {
		return s.queryPaged(ctx, f, where, args)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+columns+" FROM events WHERE "+where+" ORDER BY seq DESC", args...)
	if err != nil {
		return audit.Page{}, &audit.StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	var matched []audit.Event
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return audit.Page{}, &audit.StorageError{Op: "query", Err: err}
		}
		if m.Match(rec.Event) {
			matched = append(matched, rec.Event)
		}
	}
	if err := rows.Err(); err != nil {
		return audit.Page{}, &audit.StorageError{Op: "query", Err: err}
	}
	return audit.Paginate(matched, f), nil
}

func (s *Store) queryPaged(ctx context.Context, f audit.Filter, where string, args []any) (audit.Page, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE "+where, args...).Scan(&total); err != nil {
		return audit.Page{}, &audit.StorageError{Op: "query", Err: err}
	}

	limit, offset := audit.PageBounds(f)
	page := audit.Page{Events: []audit.Event{}, Total: total, HasMore: offset+limit < total}
	if offset >= total {
		return page, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+columns+" FROM events WHERE "+where+" ORDER BY seq DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return audit.Page{}, &audit.StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return audit.Page{}, &audit.StorageError{Op: "query", Err: err}
		}
		page.Events = append(page.Events, rec.Event)
	}
	if err := rows.Err(); err != nil {
		return audit.Page{}, &audit.StorageError{Op: "query", Err: err}
	}
	return page, nil
}

// whereClause builds the SQL predicate for every filter field except the
// action pattern.
func whereClause(f audit.Filter) (string, []any) {
	conds := []string{"tenant_id = ?"}
	args := []any{f.TenantID}

	eq := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	eq("actor_id", f.ActorID)
	eq("category", string(f.Category))
	eq("severity", string(f.Severity))
	eq("action", f.Action)
	eq("resource", f.Resource)
	eq("outcome", string(f.Outcome))

	// Stored timestamps are fixed-width millisecond strings, so they compare
	// lexically. Round the lower bound up so sub-millisecond bounds stay
	// inclusive-exact.
	if !f.StartTime.IsZero() {
		start := f.StartTime.UTC().Truncate(time.Millisecond)
		if start.Before(f.StartTime) {
			start = start.Add(time.Millisecond)
		}
		conds = append(conds, "ts >= ?")
		args = append(args, audit.FormatTimestamp(start))
	}
	if !f.EndTime.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, audit.FormatTimestamp(f.EndTime))
	}
	return strings.Join(conds, " AND "), args
}

// AllInOrder implements audit.Store.
func (s *Store) AllInOrder(ctx context.Context, tenantID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+columns+" FROM events WHERE tenant_id = ? ORDER BY seq ASC", tenantID)
	if err != nil {
		return nil, &audit.StorageError{Op: "all in order", Err: err}
	}
	defer rows.Close()

	records := []audit.Record{}
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, &audit.StorageError{Op: "all in order", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &audit.StorageError{Op: "all in order", Err: err}
	}
	return records, nil
}

// ChainHead implements audit.Store.
func (s *Store) ChainHead(ctx context.Context, tenantID string) (string, bool, error) {
	return chainHead(ctx, s.db, tenantID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func chainHead(ctx context.Context, q queryer, tenantID string) (string, bool, error) {
	var hash string
	err := q.QueryRowContext(ctx,
		"SELECT hash FROM events WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1", tenantID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &audit.StorageError{Op: "chain head", Err: err}
	}
	return hash, true, nil
}

// LastSeq returns the highest sequence number in the database, or 0 when
// it is empty. Used as the starting point for Follow.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM events").Scan(&seq); err != nil {
		return 0, &audit.StorageError{Op: "last seq", Err: err}
	}
	return seq.Int64, nil
}

// Tamper rewrites one stored column of (tenantID, id) directly, bypassing
// the append-only contract. It exists for tamper-detection drills and
// tests. Only a fixed set of columns may be changed.
func (s *Store) Tamper(ctx context.Context, tenantID, id, column string, value any) error {
	switch column {
	case "action", "resource", "outcome", "severity", "category", "actor", "details", "metadata", "ts", "hash":
	default:
		return fmt.Errorf("column %q cannot be tampered with", column)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET "+column+" = ? WHERE tenant_id = ? AND event_id = ?", value, tenantID, id)
	if err != nil {
		return &audit.StorageError{Op: "tamper", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %q not found for tenant %q", id, tenantID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes one row selected with columns. Only a failed Scan is
// an error. A row whose content no longer decodes was written outside
// Append, so it comes back with an empty hash: it can never verify, and
// Verify reports a break at its position instead of failing.
func scanRecord(row scanner) (audit.Record, int64, error) {
	var (
		seq               int64
		e                 audit.Event
		ts, actorJSON     string
		category          string
		severity, outcome string
		details, metadata sql.NullString
		hash              string
	)
	err := row.Scan(&seq, &e.ID, &e.TenantID, &ts, &actorJSON, &category, &severity,
		&e.Action, &e.Resource, &outcome, &details, &metadata, &e.IPAddress, &e.UserAgent, &hash)
	if err != nil {
		return audit.Record{}, 0, err
	}
	e.Category = audit.Category(category)
	e.Severity = audit.Severity(severity)
	e.Outcome = audit.Outcome(outcome)

	if err := decodeContent(&e, ts, actorJSON, details, metadata); err != nil {
		slog.Warn("stored event does not decode", "tenant", e.TenantID, "event", e.ID, "error", err)
		hash = ""
	}
	return audit.Record{Event: e, Hash: hash}, seq, nil
}

func decodeContent(e *audit.Event, ts, actorJSON string, details, metadata sql.NullString) error {
	var err error
	if e.Timestamp, err = time.Parse(audit.TimestampFormat, ts); err != nil {
		return fmt.Errorf("parsing timestamp: %w", err)
	}
	if err := decodeJSON(actorJSON, &e.Actor); err != nil {
		return fmt.Errorf("decoding actor: %w", err)
	}
	if e.Details, err = decodeMap(details); err != nil {
		return fmt.Errorf("decoding details: %w", err)
	}
	if e.Metadata, err = decodeMap(metadata); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	return nil
}

func encodeMap(m audit.Map) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMap(ns sql.NullString) (audit.Map, error) {
	if !ns.Valid || ns.String == "" || ns.String == "null" {
		return nil, nil
	}
	var m audit.Map
	if err := decodeJSON(ns.String, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeJSON keeps numbers as json.Number so they re-hash exactly as they
// were written.
func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}

func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
