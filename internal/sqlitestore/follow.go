package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ctrlai/chainaudit/internal/audit"
)

// followPollInterval is the fallback rescan period. fsnotify can miss WAL
// writes on some filesystems (network mounts, some container overlays).
const followPollInterval = 2 * time.Second

// Follow calls fn for every record appended after afterSeq, in insertion
// order, until ctx is cancelled or fn returns an error. An empty tenantID
// follows all tenants. Appends made by other processes are picked up too:
// the database directory is watched with fsnotify and rescanned on change.
func (s *Store) Follow(ctx context.Context, tenantID string, afterSeq int64, fn func(audit.Record) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(s.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	base := filepath.Base(s.path)

	last := afterSeq
	drain := func() error {
		next, err := s.since(ctx, tenantID, last, fn)
		if err != nil {
			return err
		}
		last = next
		return nil
	}
	if err := drain(); err != nil {
		return err
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// The database, its -wal and -shm files.
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if err := drain(); err != nil {
				return err
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("follow watcher error", "error", err)

		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}

// since passes every record with seq > after to fn and returns the last
// sequence number delivered.
func (s *Store) since(ctx context.Context, tenantID string, after int64, fn func(audit.Record) error) (int64, error) {
	query := "SELECT " + columns + " FROM events WHERE seq > ?"
	args := []any{after}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if ctx.Err() != nil {
			return after, nil
		}
		return after, &audit.StorageError{Op: "follow", Err: err}
	}

	// Collect first so fn never runs while the single connection is held.
	type item struct {
		rec audit.Record
		seq int64
	}
	var batch []item
	for rows.Next() {
		rec, seq, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return after, &audit.StorageError{Op: "follow", Err: err}
		}
		batch = append(batch, item{rec, seq})
	}
	err = rows.Err()
	rows.Close()
	if err != nil && ctx.Err() == nil {
		return after, &audit.StorageError{Op: "follow", Err: err}
	}

	for _, it := range batch {
		if err := fn(it.rec); err != nil {
			return after, err
		}
		after = it.seq
	}
	return after, nil
}
