// Package audittest holds a reusable conformance suite for audit.Store
// implementations.
package audittest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ctrlai/chainaudit/internal/audit"
)

// NewStoreFunc returns a fresh, empty store for one subtest.
type NewStoreFunc func(t *testing.T) audit.Store

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Event builds a valid event for tenant with the given id and action.
// The timestamp is derived from seq so ordering is predictable.
func Event(tenant, id, action string, seq int) audit.Event {
	return audit.Event{
		ID:        id,
		TenantID:  tenant,
		Timestamp: baseTime.Add(time.Duration(seq) * time.Minute),
		Actor:     audit.Actor{Type: audit.ActorUser, ID: "user-1", TenantID: tenant},
		Category:  audit.CategorySecurity,
		Severity:  audit.SeverityInfo,
		Action:    action,
		Outcome:   audit.OutcomeSuccess,
		Details:   audit.Map{"seq": seq, "tags": []any{"a", "b"}, "nested": audit.Map{"ok": true}},
	}
}

// AppendChain hashes and appends events to s in order, returning the hashes.
func AppendChain(t *testing.T, s audit.Store, events ...audit.Event) []string {
	t.Helper()
	ctx := context.Background()
	var hashes []string
	for _, e := range events {
		head, _, err := s.ChainHead(ctx, e.TenantID)
		if err != nil {
			t.Fatalf("ChainHead(%s): %v", e.TenantID, err)
		}
		h := audit.ComputeEventHash(e, head)
		if err := s.Append(ctx, audit.Record{Event: e, Hash: h}, head); err != nil {
			t.Fatalf("Append(%s): %v", e.ID, err)
		}
		hashes = append(hashes, h)
	}
	return hashes
}

// RunStoreContract exercises the semantics every audit.Store must honour.
func RunStoreContract(t *testing.T, newStore NewStoreFunc) {
	t.Run("EmptyTenant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, ok, err := s.ChainHead(ctx, "t1"); err != nil || ok {
			t.Errorf("ChainHead on empty tenant: ok=%v err=%v", ok, err)
		}
		recs, err := s.AllInOrder(ctx, "t1")
		if err != nil || len(recs) != 0 {
			t.Errorf("AllInOrder on empty tenant: %d records, err=%v", len(recs), err)
		}
		if _, ok, err := s.Get(ctx, "t1", "missing"); err != nil || ok {
			t.Errorf("Get on empty tenant: ok=%v err=%v", ok, err)
		}
		page, err := s.Query(ctx, audit.Filter{TenantID: "t1"})
		if err != nil || page.Total != 0 || len(page.Events) != 0 || page.HasMore {
			t.Errorf("Query on empty tenant: %+v err=%v", page, err)
		}
	})

	t.Run("AppendGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := Event("t1", "e1", "user.login", 0)
		e.Resource = "user:1"
		e.IPAddress = "10.0.0.1"
		e.UserAgent = "curl/8"
		e.Metadata = audit.Map{"k": 1.5}
		e.Actor.Metadata = audit.Map{"role": "admin"}
		hashes := AppendChain(t, s, e)

		rec, ok, err := s.Get(ctx, "t1", "e1")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if rec.Hash != hashes[0] {
			t.Errorf("hash = %s, want %s", rec.Hash, hashes[0])
		}
		if !rec.Event.Timestamp.Equal(e.Timestamp) {
			t.Errorf("timestamp = %v, want %v", rec.Event.Timestamp, e.Timestamp)
		}
		if rec.Event.Action != e.Action || rec.Event.Resource != e.Resource || rec.Event.UserAgent != e.UserAgent {
			t.Errorf("event fields not preserved: %+v", rec.Event)
		}
		// A stored event must still hash to its stored hash after the round trip.
		if !audit.VerifyEventHash(rec.Event, rec.Hash, "") {
			t.Error("stored event no longer matches its hash after round trip")
		}

		head, ok, err := s.ChainHead(ctx, "t1")
		if err != nil || !ok || head != hashes[0] {
			t.Errorf("ChainHead = %q ok=%v err=%v, want %q", head, ok, err, hashes[0])
		}
	})

	t.Run("AllInOrderIsInsertionOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		// Timestamps deliberately decrease: order must follow insertion.
		events := []audit.Event{
			Event("t1", "e1", "a.one", 3),
			Event("t1", "e2", "a.two", 2),
			Event("t1", "e3", "a.three", 1),
		}
		hashes := AppendChain(t, s, events...)

		recs, err := s.AllInOrder(ctx, "t1")
		if err != nil {
			t.Fatalf("AllInOrder: %v", err)
		}
		if len(recs) != 3 {
			t.Fatalf("expected 3 records, got %d", len(recs))
		}
		for i, r := range recs {
			if r.Event.ID != events[i].ID || r.Hash != hashes[i] {
				t.Errorf("record %d = %s/%s, want %s/%s", i, r.Event.ID, r.Hash, events[i].ID, hashes[i])
			}
		}
		evs := make([]audit.Event, len(recs))
		hs := make([]string, len(recs))
		for i, r := range recs {
			evs[i], hs[i] = r.Event, r.Hash
		}
		if !audit.CheckChain(evs, hs).Intact {
			t.Error("stored chain should verify intact")
		}
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e1 := Event("t1", "e1", "user.login", 0)
		e2 := Event("t1", "e2", "sale.created", 1)
		hashes := AppendChain(t, s, e1, e2)

		err := s.Append(ctx, audit.Record{Event: e1, Hash: hashes[0]}, hashes[1])
		if !errors.Is(err, audit.ErrDuplicateEvent) {
			t.Fatalf("expected ErrDuplicateEvent, got %v", err)
		}
		// Duplicate check wins regardless of the supplied head.
		err = s.Append(ctx, audit.Record{Event: e1, Hash: hashes[0]}, "")
		if !errors.Is(err, audit.ErrDuplicateEvent) {
			t.Fatalf("expected ErrDuplicateEvent with stale head, got %v", err)
		}

		recs, err := s.AllInOrder(ctx, "t1")
		if err != nil || len(recs) != 2 {
			t.Fatalf("chain changed after duplicate append: %d records, err=%v", len(recs), err)
		}
		if recs[0].Hash != hashes[0] || recs[1].Hash != hashes[1] {
			t.Error("stored hashes changed after duplicate append")
		}
	})

	t.Run("SameIDDifferentTenant", func(t *testing.T) {
		s := newStore(t)
		AppendChain(t, s, Event("t1", "e1", "x.y", 0), Event("t2", "e1", "x.y", 0))
	})

	t.Run("StaleHeadRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		hashes := AppendChain(t, s, Event("t1", "e1", "a.b", 0))

		e2 := Event("t1", "e2", "a.c", 1)
		err := s.Append(ctx, audit.Record{Event: e2, Hash: audit.ComputeEventHash(e2, "")}, "")
		if !errors.Is(err, audit.ErrChainHeadMoved) {
			t.Fatalf("expected ErrChainHeadMoved for empty expected head, got %v", err)
		}
		err = s.Append(ctx, audit.Record{Event: e2, Hash: "x"}, "not-the-head")
		if !errors.Is(err, audit.ErrChainHeadMoved) {
			t.Fatalf("expected ErrChainHeadMoved, got %v", err)
		}
		head, _, _ := s.ChainHead(ctx, "t1")
		if head != hashes[0] {
			t.Error("rejected append must not move the head")
		}
		if _, ok, _ := s.Get(ctx, "t1", "e2"); ok {
			t.Error("rejected append must not store the record")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		AppendChain(t, s, Event("A", "a1", "user.login", 0), Event("A", "a2", "user.login", 1))
		AppendChain(t, s, Event("B", "b1", "user.login", 0))

		if _, ok, _ := s.Get(ctx, "B", "a1"); ok {
			t.Error("tenant B must not see tenant A's event")
		}
		page, err := s.Query(ctx, audit.Filter{TenantID: "B"})
		if err != nil {
			t.Fatal(err)
		}
		if page.Total != 1 || page.Events[0].ID != "b1" {
			t.Errorf("tenant B query leaked events: %+v", page)
		}
		recs, _ := s.AllInOrder(ctx, "B")
		if len(recs) != 1 {
			t.Errorf("tenant B chain has %d records", len(recs))
		}
	})

	t.Run("QueryFiltersNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e1 := Event("t1", "e1", "user.login", 0)
		e2 := Event("t1", "e2", "sale.created", 1)
		e2.Category = audit.CategoryFinancial
		e2.Resource = "sale:1"
		e3 := Event("t1", "e3", "user.logout", 2)
		e3.Outcome = audit.OutcomeFailure
		e3.Severity = audit.SeverityWarning
		e3.Actor.ID = "user-2"
		e4 := Event("t1", "e4", "sale.refunded", 3)
		e4.Category = audit.CategoryFinancial
		AppendChain(t, s, e1, e2, e3, e4)

		tests := []struct {
			name string
			f    audit.Filter
			want []string
		}{
			{"all", audit.Filter{}, []string{"e4", "e3", "e2", "e1"}},
			{"actor", audit.Filter{ActorID: "user-2"}, []string{"e3"}},
			{"category", audit.Filter{Category: audit.CategoryFinancial}, []string{"e4", "e2"}},
			{"severity", audit.Filter{Severity: audit.SeverityWarning}, []string{"e3"}},
			{"action", audit.Filter{Action: "user.login"}, []string{"e1"}},
			{"action pattern", audit.Filter{ActionPattern: "user.*"}, []string{"e3", "e1"}},
			{"action alternatives", audit.Filter{ActionPattern: "sale.{created,refunded}"}, []string{"e4", "e2"}},
			{"resource", audit.Filter{Resource: "sale:1"}, []string{"e2"}},
			{"outcome", audit.Filter{Outcome: audit.OutcomeFailure}, []string{"e3"}},
			{"start", audit.Filter{StartTime: baseTime.Add(2 * time.Minute)}, []string{"e4", "e3"}},
			{"end", audit.Filter{EndTime: baseTime.Add(time.Minute)}, []string{"e2", "e1"}},
			{"range", audit.Filter{StartTime: baseTime.Add(time.Minute), EndTime: baseTime.Add(2 * time.Minute)}, []string{"e3", "e2"}},
			{"combined", audit.Filter{Category: audit.CategoryFinancial, ActionPattern: "sale.*", Resource: "sale:1"}, []string{"e2"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := tt.f
				f.TenantID = "t1"
				page, err := s.Query(ctx, f)
				if err != nil {
					t.Fatalf("Query: %v", err)
				}
				if got := ids(page.Events); fmt.Sprint(got) != fmt.Sprint(tt.want) {
					t.Errorf("got %v, want %v", got, tt.want)
				}
				if page.Total != len(tt.want) {
					t.Errorf("total = %d, want %d", page.Total, len(tt.want))
				}
			})
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var events []audit.Event
		for i := 0; i < 7; i++ {
			events = append(events, Event("t1", fmt.Sprintf("e%d", i), "a.b", i))
		}
		AppendChain(t, s, events...)

		tests := []struct {
			limit, offset int
			wantLen       int
			wantMore      bool
			wantFirst     string
		}{
			{3, 0, 3, true, "e6"},
			{3, 3, 3, true, "e3"},
			{3, 6, 1, false, "e0"},
			{3, 4, 3, false, "e2"},
			{7, 0, 7, false, "e6"},
			{10, 0, 7, false, "e6"},
			{3, 7, 0, false, ""},
			{3, 50, 0, false, ""},
			{0, 0, 7, false, "e6"}, // default page size
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("limit=%d,offset=%d", tt.limit, tt.offset), func(t *testing.T) {
				page, err := s.Query(ctx, audit.Filter{TenantID: "t1", Limit: tt.limit, Offset: tt.offset})
				if err != nil {
					t.Fatalf("Query: %v", err)
				}
				if len(page.Events) != tt.wantLen {
					t.Errorf("len = %d, want %d", len(page.Events), tt.wantLen)
				}
				if page.HasMore != tt.wantMore {
					t.Errorf("hasMore = %v, want %v", page.HasMore, tt.wantMore)
				}
				if page.Total != 7 {
					t.Errorf("total = %d, want 7", page.Total)
				}
				if tt.wantFirst != "" && (len(page.Events) == 0 || page.Events[0].ID != tt.wantFirst) {
					t.Errorf("first = %v, want %s", ids(page.Events), tt.wantFirst)
				}
			})
		}
	})

	t.Run("ConcurrentAppendsNeverFork", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				e := Event("t1", fmt.Sprintf("c%d", i), "race.write", i)
				head, _, err := s.ChainHead(ctx, "t1")
				if err != nil {
					t.Errorf("ChainHead: %v", err)
					return
				}
				err = s.Append(ctx, audit.Record{Event: e, Hash: audit.ComputeEventHash(e, head)}, head)
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				if !errors.Is(err, audit.ErrChainHeadMoved) {
					t.Errorf("unexpected append error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		recs, err := s.AllInOrder(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != succeeded {
			t.Errorf("stored %d records, %d appends succeeded", len(recs), succeeded)
		}
		evs := make([]audit.Event, len(recs))
		hs := make([]string, len(recs))
		for i, r := range recs {
			evs[i], hs[i] = r.Event, r.Hash
		}
		if !audit.CheckChain(evs, hs).Intact {
			t.Error("concurrent appends forked the chain")
		}
	})
}

func ids(events []audit.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
