package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"splitledger/internal/core"
)

// recordingStore counts ApplyChangeDelta calls and keeps the resulting
// records in memory.
type recordingStore struct {
	mu      sync.Mutex
	writes  int
	records map[string]*core.ChangeTrackingRecord
}

func newRecordingStore() *recordingStore {
	return &recordingStore{records: make(map[string]*core.ChangeTrackingRecord)}
}

func (s *recordingStore) ApplyChangeDelta(_ context.Context, userID, groupID string, delta core.ChangeDelta) (*core.ChangeTrackingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	k := userID + "/" + groupID
	rec, ok := s.records[k]
	if !ok {
		rec = &core.ChangeTrackingRecord{UserID: userID, GroupID: groupID}
		s.records[k] = rec
	}
	rec.Apply(delta, time.Now())
	out := *rec
	return &out, nil
}

func (s *recordingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *recordingStore) record(userID, groupID string) core.ChangeTrackingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID+"/"+groupID]
	if !ok {
		return core.ChangeTrackingRecord{UserID: userID, GroupID: groupID}
	}
	return *rec
}

func TestNotifyCoalescesBurst(t *testing.T) {
	store := newRecordingStore()
	tr := New(store, nil, 50*time.Millisecond)
	defer tr.Close()

	for i := 0; i < 10; i++ {
		tr.Notify([]string{"u1"}, "g1", core.ChangeTransactions)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := store.writeCount(); got != 1 {
		t.Fatalf("writes = %d, want exactly 1 for a coalesced burst", got)
	}
	rec := store.record("u1", "g1")
	if rec.Transactions.Count != 10 {
		t.Fatalf("transaction count = %d, want 10 (no increments lost)", rec.Transactions.Count)
	}
	if rec.ChangeVersion != 1 {
		t.Fatalf("change version = %d, want 1", rec.ChangeVersion)
	}
}

func TestNotifyIndependentKeys(t *testing.T) {
	store := newRecordingStore()
	tr := New(store, nil, 30*time.Millisecond)
	defer tr.Close()

	tr.Notify([]string{"u1", "u2"}, "g1", core.ChangeBalances)
	tr.Notify([]string{"u1"}, "g2", core.ChangeBalances)

	if got := tr.PendingCount(); got != 3 {
		t.Fatalf("pending = %d, want 3 distinct keys", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.writeCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.writeCount(); got != 3 {
		t.Fatalf("writes = %d, want 3 (one per key)", got)
	}
}

func TestCancelDropsOnlyPendingDelta(t *testing.T) {
	store := newRecordingStore()
	tr := New(store, nil, 40*time.Millisecond)
	defer tr.Close()

	// First burst flushes normally.
	tr.Notify([]string{"u1"}, "g1", core.ChangeTransactions)
	tr.DrainAll()
	if got := store.record("u1", "g1").Transactions.Count; got != 1 {
		t.Fatalf("count after drain = %d, want 1", got)
	}

	// Second burst is cancelled before the window elapses.
	tr.Notify([]string{"u1"}, "g1", core.ChangeTransactions)
	tr.Cancel("u1", "g1")
	time.Sleep(100 * time.Millisecond)

	rec := store.record("u1", "g1")
	if rec.Transactions.Count != 1 {
		t.Fatalf("count after cancel = %d, want 1 (pending delta dropped, persisted counters kept)", rec.Transactions.Count)
	}
	if store.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1", store.writeCount())
	}
}

func TestDrainAllFlushesSynchronously(t *testing.T) {
	store := newRecordingStore()
	tr := New(store, nil, time.Hour) // window never elapses on its own
	defer tr.Close()

	tr.Notify([]string{"u1"}, "g1", core.ChangeTransactions)
	tr.Notify([]string{"u1"}, "g1", core.ChangeBalances)
	tr.Notify([]string{"u2"}, "g1", core.ChangeGroupDetails)

	tr.DrainAll()

	if got := store.writeCount(); got != 2 {
		t.Fatalf("writes = %d, want 2", got)
	}
	rec := store.record("u1", "g1")
	if rec.Transactions.Count != 1 || rec.Balances.Count != 1 {
		t.Fatalf("u1 record = %+v, want one transaction and one balance increment", rec)
	}
	if tr.PendingCount() != 0 {
		t.Fatalf("pending = %d after drain, want 0", tr.PendingCount())
	}
}

func TestNotifyAfterCloseIgnored(t *testing.T) {
	store := newRecordingStore()
	tr := New(store, nil, 10*time.Millisecond)
	tr.Close()

	tr.Notify([]string{"u1"}, "g1", core.ChangeTransactions)
	time.Sleep(50 * time.Millisecond)
	if store.writeCount() != 0 {
		t.Fatalf("writes = %d after close, want 0", store.writeCount())
	}
}

func TestNotifyRestartsWindow(t *testing.T) {
	store := newRecordingStore()
	tr := New(store, nil, 80*time.Millisecond)
	defer tr.Close()

	// Keep poking the same key faster than the window; no write may land
	// while the burst is still going.
	for i := 0; i < 5; i++ {
		tr.Notify([]string{"u1"}, "g1", core.ChangeComments)
		time.Sleep(20 * time.Millisecond)
	}
	if got := store.writeCount(); got != 0 {
		t.Fatalf("writes = %d during active burst, want 0", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.writeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	rec := store.record("u1", "g1")
	if rec.Comments.Count != 5 {
		t.Fatalf("comment count = %d, want 5", rec.Comments.Count)
	}
}
