package audit_test

import (
	"context"
	"testing"

	"github.com/ctrlai/chainaudit/internal/audit"
	"github.com/ctrlai/chainaudit/internal/audit/audittest"
)

func TestMemoryStore_Contract(t *testing.T) {
	audittest.RunStoreContract(t, func(t *testing.T) audit.Store {
		return audit.NewMemoryStore()
	})
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := audit.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := audittest.Event("t1", "e1", "a.b", 0)
	if err := s.Append(ctx, audit.Record{Event: e, Hash: "h"}, ""); !audit.IsStorage(err) {
		t.Errorf("Append: expected StorageError, got %v", err)
	}
	if _, _, err := s.Get(ctx, "t1", "e1"); !audit.IsStorage(err) {
		t.Errorf("Get: expected StorageError, got %v", err)
	}
	if _, err := s.Query(ctx, audit.Filter{TenantID: "t1"}); !audit.IsStorage(err) {
		t.Errorf("Query: expected StorageError, got %v", err)
	}
	if _, err := s.AllInOrder(ctx, "t1"); !audit.IsStorage(err) {
		t.Errorf("AllInOrder: expected StorageError, got %v", err)
	}
	if _, _, err := s.ChainHead(ctx, "t1"); !audit.IsStorage(err) {
		t.Errorf("ChainHead: expected StorageError, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := audit.NewMemoryStore()
	ctx := context.Background()
	audittest.AppendChain(t, s, audittest.Event("t1", "e1", "a.b", 0))

	rec, _, _ := s.Get(ctx, "t1", "e1")
	rec.Event.Details["seq"] = 99
	rec.Event.Action = "changed"

	again, _, _ := s.Get(ctx, "t1", "e1")
	if again.Event.Action != "a.b" {
		t.Error("mutating a returned record changed the stored action")
	}
	if again.Event.Details["seq"] != 0 {
		t.Errorf("mutating returned details leaked into the store: %v", again.Event.Details["seq"])
	}
}

func TestMemoryStore_Tamper(t *testing.T) {
	s := audit.NewMemoryStore()
	audittest.AppendChain(t, s, audittest.Event("t1", "e1", "a.b", 0))

	if s.Tamper("t1", "missing", func(*audit.Record) {}) {
		t.Error("Tamper on a missing record should report false")
	}
	if !s.Tamper("t1", "e1", func(r *audit.Record) { r.Event.Action = "x.y" }) {
		t.Fatal("Tamper on an existing record should report true")
	}
	rec, _, _ := s.Get(context.Background(), "t1", "e1")
	if rec.Event.Action != "x.y" {
		t.Errorf("action = %q after tamper", rec.Event.Action)
	}
}
