package audit

import (
	"context"
	"fmt"
	"sync"
)

// Store is the persistence contract the Service depends on. All operations
// are scoped by tenant. Implementations are append-only: nothing updates or
// deletes a stored record.
//
// Append must treat the head check and the insert as one atomic step per
// tenant, so two writers hashed against the same head cannot both succeed.
// Storage faults are reported as *StorageError.
type Store interface {
	// Append persists rec if the tenant's current chain head equals
	// expectedHead ("" for an empty tenant). It fails with ErrDuplicateEvent
	// when the (tenant, event ID) pair exists and with ErrChainHeadMoved when
	// the head has changed.
	Append(ctx context.Context, rec Record, expectedHead string) error

	// Get returns the record for (tenantID, id); ok is false when absent.
	Get(ctx context.Context, tenantID, id string) (rec Record, ok bool, err error)

	// Query returns one page of matching events, newest first by insertion.
	Query(ctx context.Context, f Filter) (Page, error)

	// AllInOrder returns the tenant's records in insertion order, oldest
	// first.
	AllInOrder(ctx context.Context, tenantID string) ([]Record, error)

	// ChainHead returns the hash of the tenant's most recently appended
	// record; ok is false for an empty tenant.
	ChainHead(ctx context.Context, tenantID string) (hash string, ok bool, err error)
}

// MemoryStore is the reference in-memory Store. Each tenant keeps two
// indexes, one by event ID for point lookups and one append-ordered slice
// for chronological and query access; only Append mutates them.
//
// Appends are serialized per tenant by the tenant's write lock; reads take
// the read lock and may run concurrently. Returned records are deep copies.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantLog
}

type tenantLog struct {
	mu      sync.RWMutex
	byID    map[string]int // event ID -> position in records
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantLog)}
}

// tenant returns the tenant's log, creating it when create is true.
func (s *MemoryStore) tenant(tenantID string, create bool) *tenantLog {
	s.mu.RLock()
	tl, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok || !create {
		return tl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, ok = s.tenants[tenantID]; ok {
		return tl
	}
	tl = &tenantLog{byID: make(map[string]int)}
	s.tenants[tenantID] = tl
	return tl
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, rec Record, expectedHead string) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "append", Err: err}
	}

	tl := s.tenant(rec.Event.TenantID, true)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if _, exists := tl.byID[rec.Event.ID]; exists {
		return fmt.Errorf("tenant %q event %q: %w", rec.Event.TenantID, rec.Event.ID, ErrDuplicateEvent)
	}

	head := ""
	if n := len(tl.records); n > 0 {
		head = tl.records[n-1].Hash
	}
	if head != expectedHead {
		return fmt.Errorf("tenant %q: expected head %q, found %q: %w", rec.Event.TenantID, expectedHead, head, ErrChainHeadMoved)
	}

	tl.byID[rec.Event.ID] = len(tl.records)
	tl.records = append(tl.records, cloneRecord(rec))
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, &StorageError{Op: "get", Err: err}
	}

	tl := s.tenant(tenantID, false)
	if tl == nil {
		return Record{}, false, nil
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	pos, ok := tl.byID[id]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(tl.records[pos]), true, nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, f Filter) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, &StorageError{Op: "query", Err: err}
	}
	m, err := CompileFilter(f)
	if err != nil {
		return Page{}, err
	}

	tl := s.tenant(f.TenantID, false)
	if tl == nil {
		return Paginate(nil, f), nil
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	// Walk backwards for newest-first insertion order.
	var matched []Event
	for i := len(tl.records) - 1; i >= 0; i-- {
		if e := tl.records[i].Event; m.Match(e) {
			matched = append(matched, e)
		}
	}

	page := Paginate(matched, f)
	for i := range page.Events {
		page.Events[i] = cloneEvent(page.Events[i])
	}
	return page, nil
}

// AllInOrder implements Store.
func (s *MemoryStore) AllInOrder(ctx context.Context, tenantID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "all in order", Err: err}
	}

	tl := s.tenant(tenantID, false)
	if tl == nil {
		return []Record{}, nil
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	out := make([]Record, len(tl.records))
	for i, r := range tl.records {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

// ChainHead implements Store.
func (s *MemoryStore) ChainHead(ctx context.Context, tenantID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &StorageError{Op: "chain head", Err: err}
	}

	tl := s.tenant(tenantID, false)
	if tl == nil {
		return "", false, nil
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	if len(tl.records) == 0 {
		return "", false, nil
	}
	return tl.records[len(tl.records)-1].Hash, true, nil
}

// Tamper mutates a stored record in place, bypassing the append-only
// contract. It exists for tamper-detection drills and tests; the hash is
// left as is unless mutate changes it. Returns false when the record does
// not exist.
func (s *MemoryStore) Tamper(tenantID, id string, mutate func(*Record)) bool {
	tl := s.tenant(tenantID, false)
	if tl == nil {
		return false
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	pos, ok := tl.byID[id]
	if !ok {
		return false
	}
	mutate(&tl.records[pos])
	return true
}

func cloneRecord(r Record) Record {
	return Record{Event: cloneEvent(r.Event), Hash: r.Hash}
}

func cloneEvent(e Event) Event {
	e.Actor.Metadata = cloneMap(e.Actor.Metadata)
	e.Details = cloneMap(e.Details)
	e.Metadata = cloneMap(e.Metadata)
	return e
}

func cloneMap(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Map:
		return cloneMap(val)
	case map[string]any:
		return map[string]any(cloneMap(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
