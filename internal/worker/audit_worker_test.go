package worker

import (
	"context"
	"testing"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/storage/memory"
)

func TestAuditGroupsCleanLedger(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	if err := store.CreateGroup(ctx, &core.Group{ID: "g1", Name: "trip", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	e := &core.Expense{
		ID:          "e1",
		GroupID:     "g1",
		Description: "dinner",
		Amount:      core.Money{Cents: 1000},
		Currency:    "EUR",
		PaidBy:      "alice",
		SplitType:   core.SplitExact,
		Splits: []core.Split{
			{MemberID: "alice", Amount: core.Money{Cents: 400}},
			{MemberID: "bob", Amount: core.Money{Cents: 600}},
		},
		Version: 1,
	}
	if err := store.CreateExpense(ctx, e); err != nil {
		t.Fatalf("create expense: %v", err)
	}

	w := NewAuditWorker(store, nil, time.Minute)
	if err := w.AuditGroups(ctx); err != nil {
		t.Fatalf("audit clean ledger: %v", err)
	}
	if err := w.auditGroup(ctx, "g1"); err != nil {
		t.Fatalf("audit group: %v", err)
	}
}

func TestAuditGroupDetectsBrokenRecord(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	if err := store.CreateGroup(ctx, &core.Group{ID: "g1", Name: "trip", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	// Splits that do not sum to the total slip past the store (it does not
	// re-validate) and must be caught by the audit.
	broken := &core.Expense{
		ID:          "e1",
		GroupID:     "g1",
		Description: "corrupted",
		Amount:      core.Money{Cents: 1000},
		Currency:    "EUR",
		PaidBy:      "alice",
		SplitType:   core.SplitExact,
		Splits:      []core.Split{{MemberID: "alice", Amount: core.Money{Cents: 999}}},
		Version:     1,
	}
	if err := store.CreateExpense(ctx, broken); err != nil {
		t.Fatalf("create expense: %v", err)
	}

	w := NewAuditWorker(store, nil, time.Minute)
	if err := w.auditGroup(ctx, "g1"); err == nil {
		t.Fatal("audit should flag a ledger whose splits do not close")
	}

	// The sweep itself reports and continues.
	if err := w.AuditGroups(ctx); err != nil {
		t.Fatalf("sweep should not fail outright: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := memory.NewStore()
	w := NewAuditWorker(store, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on cancel, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
