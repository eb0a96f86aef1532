package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAppendRetries bounds how often Record re-reads the chain head
// after another writer moved it.
const DefaultMaxAppendRetries = 3

// Observer receives notifications about service activity. The metrics
// package provides the production implementation.
type Observer interface {
	EventRecorded(e Event)
	RecordFailed(tenantID string, err error)
	ChainVerified(tenantID string, res TamperResult, elapsed time.Duration)
}

// Options holds the dependencies injected into the Service.
type Options struct {
	Store Store

	// Now returns the creation timestamp for new events. Default: time.Now.
	Now func() time.Time

	// NewID returns a fresh unique event identifier. Default: a random UUID.
	NewID func() string

	// Observer is optional.
	Observer Observer

	// OnRecord, when set, is called with every successfully stored event.
	// Used by the server to feed the live WebSocket stream.
	OnRecord func(Event)

	// MaxAppendRetries is the number of extra attempts when the chain head
	// moves between ChainHead and Append. Default: DefaultMaxAppendRetries.
	MaxAppendRetries int
}

// Service records events into per-tenant hash chains and answers search,
// verification and proof requests.
//
// Thread-safe. Record serializes writers of the same tenant in-process and
// relies on the store's compare-and-append to reject writers from other
// processes, so concurrent writers never fork a chain.
type Service struct {
	store    Store
	now      func() time.Time
	newID    func() string
	observer Observer
	onRecord func(Event)
	retries  int
	locks    tenantLocks
}

// NewService creates a Service over the given store.
func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		now:      opts.Now,
		newID:    opts.NewID,
		observer: opts.Observer,
		onRecord: opts.OnRecord,
		retries:  opts.MaxAppendRetries,
		locks:    tenantLocks{m: make(map[string]*sync.Mutex)},
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.retries <= 0 {
		s.retries = DefaultMaxAppendRetries
	}
	return s
}

// Record validates the input, assigns an ID and timestamp, links the event
// to the tenant's chain head and appends it. The stored event is returned.
func (s *Service) Record(ctx context.Context, in EventInput) (Event, error) {
	if err := ValidateInput(in); err != nil {
		s.observer.RecordFailed(in.TenantID, err)
		return Event{}, err
	}

	e := Event{
		ID:        s.newID(),
		TenantID:  in.TenantID,
		Timestamp: s.now().UTC().Truncate(time.Millisecond),
		Actor: Actor{
			Type:     in.Actor.Type,
			ID:       in.Actor.ID,
			TenantID: in.Actor.TenantID,
			Metadata: cloneMap(in.Actor.Metadata),
		},
		Category:  in.Category,
		Severity:  in.Severity,
		Action:    in.Action,
		Resource:  in.Resource,
		Outcome:   in.Outcome,
		Details:   cloneMap(in.Details),
		Metadata:  cloneMap(in.Metadata),
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	}

	hash, err := s.appendLinked(ctx, e)
	if err != nil {
		s.observer.RecordFailed(in.TenantID, err)
		if IsStorage(err) {
			slog.Error("audit append failed", "tenant", e.TenantID, "event", e.ID, "error", err)
		}
		return Event{}, err
	}

	slog.Debug("audit event recorded", "tenant", e.TenantID, "event", e.ID, "action", e.Action, "hash", hash)
	s.observer.EventRecorded(e)
	if s.onRecord != nil {
		s.onRecord(cloneEvent(e))
	}
	return e, nil
}

// appendLinked reads the chain head, hashes e against it and appends, as
// one unit per tenant. Returns the stored hash.
func (s *Service) appendLinked(ctx context.Context, e Event) (string, error) {
	unlock := s.locks.lock(e.TenantID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		head, _, err := s.store.ChainHead(ctx, e.TenantID)
		if err != nil {
			return "", err
		}

		hash := ComputeEventHash(e, head)
		if hash == "" {
			return "", &ValidationError{Field: "event", Reason: "cannot be canonicalized"}
		}

		err = s.store.Append(ctx, Record{Event: e, Hash: hash}, head)
		if err == nil {
			return hash, nil
		}
		if !errors.Is(err, ErrChainHeadMoved) {
			return "", err
		}
		lastErr = err
		slog.Warn("chain head moved during append, retrying", "tenant", e.TenantID, "event", e.ID, "attempt", attempt+1)
	}
	return "", fmt.Errorf("appending event %q after %d attempts: %w", e.ID, s.retries+1, lastErr)
}

// Fetch returns the event (tenantID, id); ok is false when absent.
func (s *Service) Fetch(ctx context.Context, tenantID, id string) (Event, bool, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return Event{}, false, err
	}
	rec, ok, err := s.store.Get(ctx, tenantID, id)
	if err != nil || !ok {
		return Event{}, false, err
	}
	return rec.Event, true, nil
}

// Search returns one page of the tenant's events matching f, newest first.
func (s *Service) Search(ctx context.Context, f Filter) (Page, error) {
	if err := ValidateFilter(f); err != nil {
		return Page{}, err
	}
	return s.store.Query(ctx, f)
}

// Verify recomputes the tenant's chain and reports the first corrupted
// record. Everything from that record onward is listed as affected, since
// the linkage after a break can no longer be trusted. A broken chain is a
// successful result; only validation and storage failures are errors.
func (s *Service) Verify(ctx context.Context, tenantID string) (TamperResult, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return TamperResult{}, err
	}

	start := time.Now()
	records, err := s.store.AllInOrder(ctx, tenantID)
	if err != nil {
		return TamperResult{}, err
	}

	res := verifyRecords(records)
	if !res.Intact {
		slog.Warn("audit chain integrity broken",
			"tenant", tenantID,
			"index", *res.FirstBrokenIndex,
			"affected", len(res.AffectedEvents))
	}
	s.observer.ChainVerified(tenantID, res, time.Since(start))
	return res, nil
}

func verifyRecords(records []Record) TamperResult {
	if len(records) == 0 {
		return TamperResult{Intact: true}
	}

	events := make([]Event, len(records))
	hashes := make([]string, len(records))
	for i, r := range records {
		events[i] = r.Event
		hashes[i] = r.Hash
	}

	check := CheckChain(events, hashes)
	if check.Intact {
		return TamperResult{Intact: true, EventsChecked: check.Checked}
	}

	idx := check.BrokenAt
	affected := make([]string, 0, len(events)-idx)
	for _, e := range events[idx:] {
		affected = append(affected, e.ID)
	}
	return TamperResult{
		Intact:           false,
		Reason:           fmt.Sprintf("chain integrity broken at event index %d", idx),
		AffectedEvents:   affected,
		FirstBrokenIndex: &idx,
		EventsChecked:    check.Checked,
		ExpectedHash:     check.Expected,
		ActualHash:       check.Actual,
	}
}

// Prove returns the stored record for (tenantID, id) together with the
// stored hash of its predecessor in insertion order, so that a caller can
// recompute the hash with ComputeEventHash. ok is false when absent.
func (s *Service) Prove(ctx context.Context, tenantID, id string) (Proof, bool, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return Proof{}, false, err
	}

	rec, ok, err := s.store.Get(ctx, tenantID, id)
	if err != nil || !ok {
		return Proof{}, false, err
	}

	records, err := s.store.AllInOrder(ctx, tenantID)
	if err != nil {
		return Proof{}, false, err
	}

	pos := -1
	for i, r := range records {
		if r.Event.ID == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return Proof{}, false, &StorageError{Op: "prove", Err: fmt.Errorf("event %q missing from chain order", id)}
	}

	proof := Proof{Event: rec.Event, Hash: rec.Hash}
	if pos > 0 {
		prev := records[pos-1].Hash
		proof.PreviousHash = &prev
	}
	return proof, true, nil
}

// tenantLocks hands out one mutex per tenant.
type tenantLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *tenantLocks) lock(tenantID string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.m[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.m[tenantID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

type nopObserver struct{}

func (nopObserver) EventRecorded(Event) {}

func (nopObserver) RecordFailed(string, error) {}

func (nopObserver) ChainVerified(string, TamperResult, time.Duration) {}
