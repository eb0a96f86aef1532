package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ctrlai/chainaudit/internal/audit"
	"github.com/ctrlai/chainaudit/internal/audit/audittest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Contract(t *testing.T) {
	audittest.RunStoreContract(t, func(t *testing.T) audit.Store {
		return openTestStore(t)
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hashes := audittest.AppendChain(t, s,
		audittest.Event("t1", "e1", "user.login", 0),
		audittest.Event("t1", "e2", "user.logout", 1),
	)
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	head, ok, err := s.ChainHead(context.Background(), "t1")
	if err != nil || !ok || head != hashes[1] {
		t.Errorf("head after reopen = %q ok=%v err=%v", head, ok, err)
	}

	svc := audit.NewService(audit.Options{Store: s})
	res, err := svc.Verify(context.Background(), "t1")
	if err != nil || !res.Intact || res.EventsChecked != 2 {
		t.Errorf("reopened chain should verify: %+v err=%v", res, err)
	}
}

func TestStore_ServiceEndToEnd(t *testing.T) {
	s := openTestStore(t)
	svc := audit.NewService(audit.Options{Store: s})
	ctx := context.Background()

	in := audit.EventInput{
		TenantID:  "T",
		Actor:     audit.Actor{Type: audit.ActorService, ID: "billing", Metadata: audit.Map{"v": 2}},
		Category:  audit.CategoryFinancial,
		Severity:  audit.SeverityInfo,
		Action:    "sale.created",
		Resource:  "sale:1",
		Outcome:   audit.OutcomeSuccess,
		Details:   audit.Map{"amount": 1000, "price": 9.99, "big": int64(1) << 60, "items": []any{audit.Map{"sku": "a"}}},
		IPAddress: "::1",
	}
	e1, err := svc.Record(ctx, in)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	in.Action = "sale.refunded"
	e2, err := svc.Record(ctx, in)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	proof, ok, err := svc.Prove(ctx, "T", e2.ID)
	if err != nil || !ok {
		t.Fatalf("Prove: ok=%v err=%v", ok, err)
	}
	if proof.PreviousHash == nil || audit.ComputeEventHash(proof.Event, *proof.PreviousHash) != proof.Hash {
		t.Error("proof read back from sqlite should recompute")
	}

	if err := s.Tamper(ctx, "T", e1.ID, "details", `{"amount":1}`); err != nil {
		t.Fatalf("Tamper: %v", err)
	}
	res, err := svc.Verify(ctx, "T")
	if err != nil {
		t.Fatal(err)
	}
	if res.Intact || *res.FirstBrokenIndex != 0 || len(res.AffectedEvents) != 2 {
		t.Errorf("tampered details should break at 0: %+v", res)
	}
}

func TestStore_UndecodableRowIsReportedAsBroken(t *testing.T) {
	tests := []struct {
		name   string
		index  int
		column string
		value  string
	}{
		{"garbage timestamp", 0, "ts", "garbage"},
		{"truncated details", 0, "details", "{bad"},
		{"truncated metadata", 1, "metadata", "{\"k\":"},
		{"actor not an object", 1, "actor", "[1,2]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			svc := audit.NewService(audit.Options{Store: s})
			ctx := context.Background()

			var ids []string
			for _, action := range []string{"user.login", "sale.created", "user.logout"} {
				in := audit.EventInput{
					TenantID: "T",
					Actor:    audit.Actor{Type: audit.ActorUser, ID: "u1"},
					Category: audit.CategorySecurity,
					Severity: audit.SeverityInfo,
					Action:   action,
					Outcome:  audit.OutcomeSuccess,
					Details:  audit.Map{"n": 1},
					Metadata: audit.Map{"k": "v"},
				}
				e, err := svc.Record(ctx, in)
				if err != nil {
					t.Fatalf("Record: %v", err)
				}
				ids = append(ids, e.ID)
			}

			if err := s.Tamper(ctx, "T", ids[tt.index], tt.column, tt.value); err != nil {
				t.Fatalf("Tamper: %v", err)
			}

			res, err := svc.Verify(ctx, "T")
			if err != nil {
				t.Fatalf("Verify should report a broken chain, not fail: %v", err)
			}
			if res.Intact || res.FirstBrokenIndex == nil || *res.FirstBrokenIndex != tt.index {
				t.Fatalf("expected break at %d, got %+v", tt.index, res)
			}
			if want := ids[tt.index:]; len(res.AffectedEvents) != len(want) || res.AffectedEvents[0] != want[0] {
				t.Errorf("affected = %v, want %v", res.AffectedEvents, want)
			}
		})
	}
}

func TestStore_TamperRejectsUnknownColumn(t *testing.T) {
	s := openTestStore(t)
	audittest.AppendChain(t, s, audittest.Event("t1", "e1", "a.b", 0))

	if err := s.Tamper(context.Background(), "t1", "e1", "seq", 5); err == nil {
		t.Error("expected an error for a protected column")
	}
	if err := s.Tamper(context.Background(), "t1", "missing", "action", "x"); err == nil {
		t.Error("expected an error for a missing event")
	}
}

func TestStore_ForkRejectedByConstraint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	audittest.AppendChain(t, s, audittest.Event("t1", "e1", "a.b", 0))

	// Bypass the head check to show the schema alone refuses a second
	// child of the same parent.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (tenant_id, event_id, ts, actor_type, actor_id, actor, category, severity, action, outcome, prev_hash, hash)
		 VALUES ('t1', 'e2', '2026-03-01T12:00:00.000Z', 'user', 'u', '{}', 'data', 'info', 'x', 'success', '', 'h2')`)
	if err == nil || !isUniqueViolation(err, "prev_hash") {
		t.Fatalf("expected unique violation on prev_hash, got %v", err)
	}
}

func TestStore_QueryTimeBoundsSubMillisecond(t *testing.T) {
	s := openTestStore(t)
	e := audittest.Event("t1", "e1", "a.b", 0)
	audittest.AppendChain(t, s, e)

	page, err := s.Query(context.Background(), audit.Filter{TenantID: "t1", StartTime: e.Timestamp.Add(500 * time.Microsecond)})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Errorf("event before a sub-millisecond start bound should be excluded, got %d", page.Total)
	}

	page, _ = s.Query(context.Background(), audit.Filter{TenantID: "t1", EndTime: e.Timestamp.Add(500 * time.Microsecond)})
	if page.Total != 1 {
		t.Errorf("event before the end bound should be included, got %d", page.Total)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := audittest.Event("t1", "e1", "a.b", 0)
	if err := s.Append(ctx, audit.Record{Event: e, Hash: "h"}, ""); !audit.IsStorage(err) {
		t.Errorf("Append: expected StorageError, got %v", err)
	}
	if _, err := s.AllInOrder(ctx, "t1"); !audit.IsStorage(err) {
		t.Errorf("AllInOrder: expected StorageError, got %v", err)
	}
}

func TestStore_LastSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if seq, err := s.LastSeq(ctx); err != nil || seq != 0 {
		t.Errorf("empty LastSeq = %d, err=%v", seq, err)
	}
	audittest.AppendChain(t, s,
		audittest.Event("t1", "e1", "a.b", 0),
		audittest.Event("t2", "e1", "a.b", 0),
	)
	if seq, err := s.LastSeq(ctx); err != nil || seq != 2 {
		t.Errorf("LastSeq = %d, err=%v", seq, err)
	}
}

func TestStore_Follow(t *testing.T) {
	s := openTestStore(t)
	audittest.AppendChain(t, s, audittest.Event("t1", "old", "a.b", 0))
	after, _ := s.LastSeq(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	stop := errors.New("stop")
	go func() {
		done <- s.Follow(ctx, "t1", after, func(r audit.Record) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, r.Event.ID)
			if len(got) == 2 {
				return stop
			}
			return nil
		})
	}()

	audittest.AppendChain(t, s,
		audittest.Event("t2", "other", "a.b", 1),
		audittest.Event("t1", "n1", "a.b", 1),
		audittest.Event("t1", "n2", "a.b", 2),
	)

	if err := <-done; !errors.Is(err, stop) {
		t.Fatalf("Follow returned %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Errorf("followed %v, want [n1 n2]", got)
	}
}
