package audit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ctrlai/chainaudit/internal/audit"
)

// sequentialIDs returns an ID generator yielding prefix-1, prefix-2, ...
func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

// stepClock advances by one second on every call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(t *testing.T) (*audit.Service, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	svc := audit.NewService(audit.Options{
		Store: store,
		Now:   stepClock(),
		NewID: sequentialIDs("evt"),
	})
	return svc, store
}

func input(tenant, action string) audit.EventInput {
	return audit.EventInput{
		TenantID: tenant,
		Actor:    audit.Actor{Type: audit.ActorUser, ID: "u1", TenantID: tenant},
		Category: audit.CategorySecurity,
		Severity: audit.SeverityInfo,
		Action:   action,
		Outcome:  audit.OutcomeSuccess,
	}
}

func mustRecord(t *testing.T, svc *audit.Service, in audit.EventInput) audit.Event {
	t.Helper()
	e, err := svc.Record(context.Background(), in)
	if err != nil {
		t.Fatalf("Record(%s): %v", in.Action, err)
	}
	return e
}

func TestService_RecordAssignsIDAndTimestamp(t *testing.T) {
	store := audit.NewMemoryStore()
	now := time.Date(2026, 2, 12, 10, 0, 0, 123_456_789, time.FixedZone("WAT", 3600))
	svc := audit.NewService(audit.Options{Store: store, Now: func() time.Time { return now }})

	in := input("T", "user.login")
	in.Details = audit.Map{"method": "password"}
	e := mustRecord(t, svc, in)

	if len(e.ID) != 36 {
		t.Errorf("default ID should be a UUID, got %q", e.ID)
	}
	want := time.Date(2026, 2, 12, 9, 0, 0, 123_000_000, time.UTC)
	if !e.Timestamp.Equal(want) || e.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v (UTC, millisecond precision)", e.Timestamp, want)
	}

	// The caller's map is copied, not aliased.
	in.Details["method"] = "changed"
	got, ok, err := svc.Fetch(context.Background(), "T", e.ID)
	if err != nil || !ok {
		t.Fatalf("Fetch: ok=%v err=%v", ok, err)
	}
	if got.Details["method"] != "password" {
		t.Errorf("stored details aliased caller map: %v", got.Details)
	}
}

func TestService_RecordAndProve(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	e1 := mustRecord(t, svc, input("T", "user.login"))
	e2 := mustRecord(t, svc, input("T", "sale.created"))

	p1, ok, err := svc.Prove(ctx, "T", e1.ID)
	if err != nil || !ok {
		t.Fatalf("Prove(e1): ok=%v err=%v", ok, err)
	}
	if p1.PreviousHash != nil {
		t.Errorf("first event should have no previous hash, got %q", *p1.PreviousHash)
	}
	if audit.ComputeEventHash(p1.Event, "") != p1.Hash {
		t.Error("first event hash should recompute without a predecessor")
	}

	p2, ok, err := svc.Prove(ctx, "T", e2.ID)
	if err != nil || !ok {
		t.Fatalf("Prove(e2): ok=%v err=%v", ok, err)
	}
	if p2.PreviousHash == nil || *p2.PreviousHash != p1.Hash {
		t.Fatalf("second event should link to the first: %+v", p2.PreviousHash)
	}
	if audit.ComputeEventHash(p2.Event, *p2.PreviousHash) != p2.Hash {
		t.Error("proof should let the caller recompute the stored hash")
	}

	res, err := svc.Verify(ctx, "T")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Intact || res.EventsChecked != 2 {
		t.Errorf("expected intact chain of 2, got %+v", res)
	}
}

func TestService_ProveMissing(t *testing.T) {
	svc, _ := newTestService(t)
	mustRecord(t, svc, input("T", "user.login"))

	if _, ok, err := svc.Prove(context.Background(), "T", "nope"); ok || err != nil {
		t.Errorf("Prove(missing): ok=%v err=%v", ok, err)
	}
	if _, ok, err := svc.Fetch(context.Background(), "T", "nope"); ok || err != nil {
		t.Errorf("Fetch(missing): ok=%v err=%v", ok, err)
	}
}

func TestService_VerifyEmptyTenant(t *testing.T) {
	svc, _ := newTestService(t)
	res, err := svc.Verify(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Intact || res.EventsChecked != 0 || len(res.AffectedEvents) != 0 {
		t.Errorf("empty tenant should verify intact, got %+v", res)
	}
}

func TestService_VerifyDetectsTampering(t *testing.T) {
	for k := 0; k < 4; k++ {
		t.Run(fmt.Sprintf("event %d", k), func(t *testing.T) {
			svc, store := newTestService(t)
			ctx := context.Background()
			var ids []string
			for i := 0; i < 4; i++ {
				ids = append(ids, mustRecord(t, svc, input("T", fmt.Sprintf("op.n%d", i))).ID)
			}

			store.Tamper("T", ids[k], func(r *audit.Record) { r.Event.Action = "user.logout" })

			res, err := svc.Verify(ctx, "T")
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if res.Intact {
				t.Fatal("tampered chain should not be intact")
			}
			if res.FirstBrokenIndex == nil || *res.FirstBrokenIndex != k {
				t.Fatalf("first broken index = %v, want %d", res.FirstBrokenIndex, k)
			}
			want := fmt.Sprintf("chain integrity broken at event index %d", k)
			if res.Reason != want {
				t.Errorf("reason = %q, want %q", res.Reason, want)
			}
			if fmt.Sprint(res.AffectedEvents) != fmt.Sprint(ids[k:]) {
				t.Errorf("affected = %v, want %v", res.AffectedEvents, ids[k:])
			}
		})
	}
}

func TestService_VerifyDetectsFieldTampering(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	e1 := mustRecord(t, svc, input("T", "user.login"))
	e2 := mustRecord(t, svc, input("T", "sale.created"))

	// Changing e1's action breaks at index 0 and taints everything after it.
	store.Tamper("T", e1.ID, func(r *audit.Record) { r.Event.Action = "user.logout" })

	res, err := svc.Verify(ctx, "T")
	if err != nil {
		t.Fatal(err)
	}
	if res.Intact || *res.FirstBrokenIndex != 0 {
		t.Fatalf("expected break at 0, got %+v", res)
	}
	if fmt.Sprint(res.AffectedEvents) != fmt.Sprint([]string{e1.ID, e2.ID}) {
		t.Errorf("affected = %v", res.AffectedEvents)
	}
	if res.ActualHash == "" || res.ExpectedHash == "" || res.ActualHash == res.ExpectedHash {
		t.Errorf("expected differing hashes, got expected=%q actual=%q", res.ExpectedHash, res.ActualHash)
	}
}

func TestService_DuplicateAppendLeavesChainUnchanged(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	e1 := mustRecord(t, svc, input("T", "user.login"))
	mustRecord(t, svc, input("T", "sale.created"))

	before, _ := store.AllInOrder(ctx, "T")
	head, _, _ := store.ChainHead(ctx, "T")
	dup := audit.Record{Event: e1, Hash: audit.ComputeEventHash(e1, head)}
	if err := store.Append(ctx, dup, head); !errors.Is(err, audit.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	after, _ := store.AllInOrder(ctx, "T")

	if len(after) != len(before) {
		t.Fatalf("chain length changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Hash != after[i].Hash {
			t.Errorf("hash %d changed", i)
		}
	}
	if res, _ := svc.Verify(ctx, "T"); !res.Intact {
		t.Errorf("chain should stay intact, got %+v", res)
	}
}

func TestService_DuplicateIDFromGenerator(t *testing.T) {
	store := audit.NewMemoryStore()
	svc := audit.NewService(audit.Options{Store: store, NewID: func() string { return "same" }})
	ctx := context.Background()

	if _, err := svc.Record(ctx, input("T", "a.b")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Record(ctx, input("T", "a.c")); !errors.Is(err, audit.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestService_TenantIsolation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	a1 := mustRecord(t, svc, input("A", "user.login"))
	mustRecord(t, svc, input("A", "user.logout"))
	b1 := mustRecord(t, svc, input("B", "user.login"))

	if _, ok, _ := svc.Fetch(ctx, "B", a1.ID); ok {
		t.Error("tenant B fetched tenant A's event")
	}
	page, err := svc.Search(ctx, audit.Filter{TenantID: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Events[0].ID != b1.ID {
		t.Errorf("tenant B search leaked events: %+v", page)
	}

	// Each tenant has its own genesis.
	pb, _, _ := svc.Prove(ctx, "B", b1.ID)
	if pb.PreviousHash != nil {
		t.Error("first event of tenant B must not link to tenant A")
	}

	// Tampering with A leaves B intact.
	store.Tamper("A", a1.ID, func(r *audit.Record) { r.Event.Action = "x.y" })
	if res, _ := svc.Verify(ctx, "A"); res.Intact {
		t.Error("tenant A should be broken")
	}
	if res, _ := svc.Verify(ctx, "B"); !res.Intact {
		t.Error("tenant B should be intact")
	}
}

func TestService_SearchPagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustRecord(t, svc, input("T", "user.login")).ID)
	}

	page, err := svc.Search(ctx, audit.Filter{TenantID: "T", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || !page.HasMore || len(page.Events) != 2 {
		t.Fatalf("unexpected page: total=%d hasMore=%v len=%d", page.Total, page.HasMore, len(page.Events))
	}
	if page.Events[0].ID != ids[3] || page.Events[1].ID != ids[2] {
		t.Errorf("expected newest first, got %s, %s", page.Events[0].ID, page.Events[1].ID)
	}

	page, _ = svc.Search(ctx, audit.Filter{TenantID: "T", Limit: 2, Offset: 4})
	if page.HasMore || len(page.Events) != 1 {
		t.Errorf("last page: hasMore=%v len=%d", page.HasMore, len(page.Events))
	}
}

func TestService_SearchValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Search(context.Background(), audit.Filter{TenantID: "T", Limit: 5000})
	if !audit.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_RecordValidation(t *testing.T) {
	svc, store := newTestService(t)
	in := input("T", "")
	if _, err := svc.Record(context.Background(), in); !audit.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if recs, _ := store.AllInOrder(context.Background(), "T"); len(recs) != 0 {
		t.Error("invalid input must not be stored")
	}
}

func TestService_ValidatesTenantOnReads(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Fetch(ctx, "", "x"); !audit.IsValidation(err) {
		t.Errorf("Fetch: expected validation error, got %v", err)
	}
	if _, err := svc.Verify(ctx, ""); !audit.IsValidation(err) {
		t.Errorf("Verify: expected validation error, got %v", err)
	}
	if _, _, err := svc.Prove(ctx, "", "x"); !audit.IsValidation(err) {
		t.Errorf("Prove: expected validation error, got %v", err)
	}
}

func TestService_ConcurrentRecordsNeverFork(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := "A"
			if i%2 == 1 {
				tenant = "B"
			}
			if _, err := svc.Record(ctx, input(tenant, "op.concurrent")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Record: %v", err)
	}

	for _, tenant := range []string{"A", "B"} {
		recs, _ := store.AllInOrder(ctx, tenant)
		if len(recs) != n/2 {
			t.Errorf("tenant %s: %d records, want %d", tenant, len(recs), n/2)
		}
		res, err := svc.Verify(ctx, tenant)
		if err != nil || !res.Intact {
			t.Errorf("tenant %s: chain forked or broken: %+v err=%v", tenant, res, err)
		}
	}
}

// movingHeadStore simulates another process appending to the chain between
// ChainHead and Append for the first few attempts.
type movingHeadStore struct {
	*audit.MemoryStore
	mu       sync.Mutex
	races    int
	appends  int
	injected int
}

func (s *movingHeadStore) Append(ctx context.Context, rec audit.Record, expectedHead string) error {
	s.mu.Lock()
	s.appends++
	race := s.injected < s.races
	if race {
		s.injected++
	}
	s.mu.Unlock()

	if race {
		other := rec.Event
		other.ID = fmt.Sprintf("%s-rival-%d", rec.Event.ID, s.injected)
		other.Action = "rival.write"
		if err := s.MemoryStore.Append(ctx, audit.Record{Event: other, Hash: audit.ComputeEventHash(other, expectedHead)}, expectedHead); err != nil {
			return err
		}
	}
	return s.MemoryStore.Append(ctx, rec, expectedHead)
}

func TestService_RetriesWhenHeadMoves(t *testing.T) {
	store := &movingHeadStore{MemoryStore: audit.NewMemoryStore(), races: 2}
	svc := audit.NewService(audit.Options{Store: store, NewID: sequentialIDs("evt")})
	ctx := context.Background()

	e, err := svc.Record(ctx, input("T", "user.login"))
	if err != nil {
		t.Fatalf("Record should succeed after retries: %v", err)
	}
	if store.appends != 3 {
		t.Errorf("appends = %d, want 3", store.appends)
	}

	recs, _ := store.AllInOrder(ctx, "T")
	if len(recs) != 3 || recs[2].Event.ID != e.ID {
		t.Fatalf("expected two rival writes then ours, got %d records", len(recs))
	}
	if res, _ := svc.Verify(ctx, "T"); !res.Intact {
		t.Errorf("chain should be intact after retries: %+v", res)
	}
}

func TestService_GivesUpAfterMaxRetries(t *testing.T) {
	store := &movingHeadStore{MemoryStore: audit.NewMemoryStore(), races: 100}
	svc := audit.NewService(audit.Options{Store: store, MaxAppendRetries: 2})

	_, err := svc.Record(context.Background(), input("T", "user.login"))
	if !errors.Is(err, audit.ErrChainHeadMoved) {
		t.Fatalf("expected ErrChainHeadMoved, got %v", err)
	}
	if store.appends != 3 {
		t.Errorf("appends = %d, want 3 (1 + 2 retries)", store.appends)
	}
}

type brokenStore struct{ audit.Store }

func (brokenStore) ChainHead(context.Context, string) (string, bool, error) {
	return "", false, &audit.StorageError{Op: "chain head", Err: errors.New("disk on fire")}
}

func (brokenStore) AllInOrder(context.Context, string) ([]audit.Record, error) {
	return nil, &audit.StorageError{Op: "all in order", Err: errors.New("disk on fire")}
}

func TestService_StorageErrorsPropagate(t *testing.T) {
	obs := &recordingObserver{}
	svc := audit.NewService(audit.Options{Store: brokenStore{}, Observer: obs})
	ctx := context.Background()

	if _, err := svc.Record(ctx, input("T", "user.login")); !audit.IsStorage(err) {
		t.Errorf("Record: expected StorageError, got %v", err)
	}
	if _, err := svc.Verify(ctx, "T"); !audit.IsStorage(err) {
		t.Errorf("Verify: expected StorageError, got %v", err)
	}
	if obs.failed != 1 {
		t.Errorf("observer saw %d failures, want 1", obs.failed)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	recorded []string
	failed   int
	verified []bool
}

func (o *recordingObserver) EventRecorded(e audit.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorded = append(o.recorded, e.ID)
}

func (o *recordingObserver) RecordFailed(string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *recordingObserver) ChainVerified(_ string, res audit.TamperResult, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verified = append(o.verified, res.Intact)
}

func TestService_NotifiesObserverAndHook(t *testing.T) {
	obs := &recordingObserver{}
	var hooked []string
	svc := audit.NewService(audit.Options{
		Store:    audit.NewMemoryStore(),
		NewID:    sequentialIDs("evt"),
		Observer: obs,
		OnRecord: func(e audit.Event) { hooked = append(hooked, e.ID) },
	})
	ctx := context.Background()

	mustRecord(t, svc, input("T", "user.login"))
	mustRecord(t, svc, input("T", "user.logout"))
	_, _ = svc.Record(ctx, input("T", ""))
	_, _ = svc.Verify(ctx, "T")

	if fmt.Sprint(obs.recorded) != "[evt-1 evt-2]" {
		t.Errorf("observer recorded %v", obs.recorded)
	}
	if fmt.Sprint(hooked) != "[evt-1 evt-2]" {
		t.Errorf("hook saw %v", hooked)
	}
	if obs.failed != 1 {
		t.Errorf("failures = %d, want 1", obs.failed)
	}
	if len(obs.verified) != 1 || !obs.verified[0] {
		t.Errorf("verifications = %v", obs.verified)
	}
}
