// Package tracker coalesces change notifications. Every accepted ledger
// mutation calls Notify for the affected (user, group) pairs; the tracker
// debounces each pair behind a quiet window and persists exactly one
// change-tracking update per burst, so the write path stays cheap no matter
// how fast mutations arrive.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"splitledger/internal/core"
)

// DefaultWindow is the debounce quiet window. It is deliberately short and
// fixed per tracker instance, not per call.
const DefaultWindow = 500 * time.Millisecond

const persistTimeout = 5 * time.Second

// RecordStore persists accumulated deltas. Satisfied by both the SQLite and
// the in-memory ledger stores.
type RecordStore interface {
	ApplyChangeDelta(ctx context.Context, userID, groupID string, delta core.ChangeDelta) (*core.ChangeTrackingRecord, error)
}

// Publisher pushes a flushed change version to the real-time layer.
// Optional; a nil publisher leaves polling as the only subscription surface.
type Publisher interface {
	PublishChangeNotification(ctx context.Context, userID, groupID string, changeVersion int64) error
}

type pending struct {
	userID  string
	groupID string
	delta   core.ChangeDelta
	timer   *time.Timer
}

// Tracker is an explicitly-owned instance: construct with New, shut down
// with Close. There is no package-level registry.
type Tracker struct {
	store  RecordStore
	pub    Publisher
	window time.Duration

	mu      sync.Mutex
	entries map[string]*pending
	closed  bool
	flushWG sync.WaitGroup
}

func New(store RecordStore, pub Publisher, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		store:   store,
		pub:     pub,
		window:  window,
		entries: make(map[string]*pending),
	}
}

func key(userID, groupID string) string { return userID + "\x00" + groupID }

// Notify records one change of the given category for every affected user of
// the group. Fire and forget: a pending timer for the same (user, group) key
// is cancelled, the increment accumulated, and the window restarted. Nothing
// is persisted until a key stays quiet for the full window.
func (t *Tracker) Notify(userIDs []string, groupID string, category core.ChangeCategory) {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, userID := range userIDs {
		k := key(userID, groupID)
		entry, ok := t.entries[k]
		if ok {
			entry.timer.Stop()
		} else {
			entry = &pending{userID: userID, groupID: groupID}
			t.entries[k] = entry
		}
		entry.delta.Add(category, now)

		entry.timer = time.AfterFunc(t.window, func() { t.flush(k) })
	}
}

// Cancel drops the pending timer for one key. Counters already persisted are
// untouched; only the unflushed delta is lost.
func (t *Tracker) Cancel(userID, groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(userID, groupID)
	if entry, ok := t.entries[k]; ok {
		entry.timer.Stop()
		delete(t.entries, k)
	}
}

// flush runs on the timer goroutine once a key's window elapses.
func (t *Tracker) flush(k string) {
	t.mu.Lock()
	entry, ok := t.entries[k]
	if !ok {
		// Cancelled, drained, or already taken by a racing flush.
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	// Register under the lock so DrainAll's Wait always observes this flush.
	t.flushWG.Add(1)
	t.mu.Unlock()
	defer t.flushWG.Done()

	t.persist(entry)
}

func (t *Tracker) persist(entry *pending) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec, err := t.store.ApplyChangeDelta(ctx, entry.userID, entry.groupID, entry.delta)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to persist change delta",
			"user_id", entry.userID,
			"group_id", entry.groupID,
			"increments", entry.delta.Total(),
			"error", err)
		return
	}

	slog.DebugContext(ctx, "Change delta persisted",
		"user_id", entry.userID,
		"group_id", entry.groupID,
		"change_version", rec.ChangeVersion,
		"increments", entry.delta.Total())

	if t.pub == nil {
		return
	}
	if err := t.pub.PublishChangeNotification(ctx, entry.userID, entry.groupID, rec.ChangeVersion); err != nil {
		// The record is persisted; the push is best effort and pollers
		// still see the new version.
		slog.WarnContext(ctx, "Failed to publish change notification",
			"user_id", entry.userID,
			"group_id", entry.groupID,
			"error", err)
	}
}

// DrainAll synchronously persists every pending delta. Used at shutdown so a
// burst caught mid-window is not lost.
func (t *Tracker) DrainAll() {
	t.mu.Lock()
	drained := make([]*pending, 0, len(t.entries))
	for k, entry := range t.entries {
		entry.timer.Stop()
		drained = append(drained, entry)
		delete(t.entries, k)
	}
	t.mu.Unlock()

	for _, entry := range drained {
		t.persist(entry)
	}
	// Timers that fired before DrainAll grabbed the lock finish on their own
	// goroutines; wait for them so shutdown sees every write completed.
	t.flushWG.Wait()
}

// Close drains pending deltas and rejects further notifications.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.DrainAll()
}

// PendingCount reports keys currently waiting on a quiet window.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
