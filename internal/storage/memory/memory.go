// Package memory is an in-process ledger store with the same contract as the
// SQLite repository: per-record version compare-and-swap, soft membership
// removal, change-tracking records. It backs tests and DATA_BACKEND=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"splitledger/internal/core"
)

type Store struct {
	mu          sync.Mutex
	groups      map[string]core.Group
	members     map[string][]core.Member // keyed by group ID, sorted by member ID
	expenses    map[string]*core.Expense
	settlements map[string]*core.Settlement
	changes     map[string]*core.ChangeTrackingRecord // keyed by userID+"\x00"+groupID
}

func NewStore() *Store {
	return &Store{
		groups:      make(map[string]core.Group),
		members:     make(map[string][]core.Member),
		expenses:    make(map[string]*core.Expense),
		settlements: make(map[string]*core.Settlement),
		changes:     make(map[string]*core.ChangeTrackingRecord),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateGroup(_ context.Context, g *core.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[g.ID]; exists {
		return fmt.Errorf("group %s already exists", g.ID)
	}
	s.groups[g.ID] = *g
	return nil
}

func (s *Store) GetGroup(_ context.Context, id string) (*core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, core.ErrNotFound)
	}
	return &g, nil
}

func (s *Store) ListGroups(_ context.Context) ([]core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AddMember(_ context.Context, groupID string, m *core.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.members[groupID]
	for i := range members {
		if members[i].ID == m.ID {
			// Revive keeps the original join time, as the SQLite upsert does.
			joinedAt := members[i].JoinedAt
			members[i] = *m
			members[i].JoinedAt = joinedAt
			members[i].RemovedAt = nil
			return nil
		}
	}
	members = append(members, *m)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	s.members[groupID] = members
	return nil
}

func (s *Store) RemoveMember(_ context.Context, groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.members[groupID]
	for i := range members {
		if members[i].ID == memberID && members[i].RemovedAt == nil {
			now := time.Now().UTC()
			members[i].RemovedAt = &now
			return nil
		}
	}
	return fmt.Errorf("member %s in group %s: %w", memberID, groupID, core.ErrNotFound)
}

func (s *Store) ListMembers(_ context.Context, groupID string) ([]core.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.members[groupID]
	out := make([]core.Member, len(members))
	copy(out, members)
	return out, nil
}

func (s *Store) CreateExpense(_ context.Context, e *core.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.expenses[e.ID]; exists {
		return fmt.Errorf("expense %s already exists", e.ID)
	}
	s.expenses[e.ID] = e.Clone()
	return nil
}

func (s *Store) GetExpense(_ context.Context, id string) (*core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.expenses[id]
	if !ok {
		return nil, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *Store) UpdateExpenseIfVersion(_ context.Context, e *core.Expense, expectedVersion int64) (*core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.expenses[e.ID]
	if !ok {
		return nil, fmt.Errorf("expense %s: %w", e.ID, core.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("expense %s at version %d, expected %d: %w",
			e.ID, current.Version, expectedVersion, core.ErrVersionConflict)
	}
	updated := e.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()
	s.expenses[e.ID] = updated
	return updated.Clone(), nil
}

func (s *Store) DeleteExpenseIfVersion(_ context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.expenses[id]
	if !ok {
		return fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("expense %s: %w", id, core.ErrVersionConflict)
	}
	delete(s.expenses, id)
	return nil
}

func (s *Store) ListExpensesByGroup(_ context.Context, groupID string) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Expense
	for _, e := range s.expenses {
		if e.GroupID == groupID {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateSettlement(_ context.Context, st *core.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settlements[st.ID]; exists {
		return fmt.Errorf("settlement %s already exists", st.ID)
	}
	s.settlements[st.ID] = st.Clone()
	return nil
}

func (s *Store) GetSettlement(_ context.Context, id string) (*core.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, core.ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *Store) UpdateSettlementIfVersion(_ context.Context, st *core.Settlement, expectedVersion int64) (*core.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.settlements[st.ID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", st.ID, core.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("settlement %s at version %d, expected %d: %w",
			st.ID, current.Version, expectedVersion, core.ErrVersionConflict)
	}
	updated := st.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()
	s.settlements[st.ID] = updated
	return updated.Clone(), nil
}

func (s *Store) DeleteSettlementIfVersion(_ context.Context, id string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.settlements[id]
	if !ok {
		return fmt.Errorf("settlement %s: %w", id, core.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("settlement %s: %w", id, core.ErrVersionConflict)
	}
	delete(s.settlements, id)
	return nil
}

func (s *Store) ListSettlementsByGroup(_ context.Context, groupID string) ([]core.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Settlement
	for _, st := range s.settlements {
		if st.GroupID == groupID {
			out = append(out, *st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) LoadLedger(ctx context.Context, groupID string) ([]core.Expense, []core.Settlement, error) {
	expenses, err := s.ListExpensesByGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	settlements, err := s.ListSettlementsByGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	return expenses, settlements, nil
}

func changeKey(userID, groupID string) string { return userID + "\x00" + groupID }

func (s *Store) ApplyChangeDelta(_ context.Context, userID, groupID string, delta core.ChangeDelta) (*core.ChangeTrackingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.changes[changeKey(userID, groupID)]
	if !ok {
		rec = &core.ChangeTrackingRecord{UserID: userID, GroupID: groupID}
		s.changes[changeKey(userID, groupID)] = rec
	}
	rec.Apply(delta, time.Now().UTC())
	out := *rec
	out.Recent = append([]core.ChangeEntry(nil), rec.Recent...)
	return &out, nil
}

func (s *Store) GetChangeRecord(_ context.Context, userID, groupID string) (*core.ChangeTrackingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.changes[changeKey(userID, groupID)]
	if !ok {
		return &core.ChangeTrackingRecord{UserID: userID, GroupID: groupID}, nil
	}
	out := *rec
	out.Recent = append([]core.ChangeEntry(nil), rec.Recent...)
	return &out, nil
}
