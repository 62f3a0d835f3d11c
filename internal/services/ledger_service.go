// Package services orchestrates ledger mutations and queries: validation,
// optimistic concurrency, balance computation and change notification.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"splitledger/internal/cache"
	"splitledger/internal/core"
)

// LedgerStore is the persistence contract the service needs: transactional
// reads, snapshot listing and single-record compare-and-swap writes. Any
// engine with per-record atomic version checks satisfies it; the SQLite and
// in-memory stores both do.
type LedgerStore interface {
	CreateGroup(ctx context.Context, g *core.Group) error
	GetGroup(ctx context.Context, id string) (*core.Group, error)
	AddMember(ctx context.Context, groupID string, m *core.Member) error
	RemoveMember(ctx context.Context, groupID, memberID string) error
	ListMembers(ctx context.Context, groupID string) ([]core.Member, error)

	CreateExpense(ctx context.Context, e *core.Expense) error
	GetExpense(ctx context.Context, id string) (*core.Expense, error)
	UpdateExpenseIfVersion(ctx context.Context, e *core.Expense, expectedVersion int64) (*core.Expense, error)
	DeleteExpenseIfVersion(ctx context.Context, id string, expectedVersion int64) error

	CreateSettlement(ctx context.Context, s *core.Settlement) error
	GetSettlement(ctx context.Context, id string) (*core.Settlement, error)
	UpdateSettlementIfVersion(ctx context.Context, s *core.Settlement, expectedVersion int64) (*core.Settlement, error)
	DeleteSettlementIfVersion(ctx context.Context, id string, expectedVersion int64) error

	LoadLedger(ctx context.Context, groupID string) ([]core.Expense, []core.Settlement, error)
	GetChangeRecord(ctx context.Context, userID, groupID string) (*core.ChangeTrackingRecord, error)
	Close() error
}

// Notifier receives fire-and-forget change signals. Satisfied by
// tracker.Tracker.
type Notifier interface {
	Notify(userIDs []string, groupID string, category core.ChangeCategory)
}

const (
	balanceCacheSize = 256
	balanceCacheTTL  = 30 * time.Second
)

// LedgerService exposes the mutation and query API of the ledger core.
type LedgerService struct {
	store    LedgerStore
	notifier Notifier

	// Balances are recomputed from the snapshot on demand, never persisted.
	// The cache only dedupes read bursts: short TTL, dropped on every
	// accepted mutation. singleflight collapses concurrent recomputations
	// of the same group.
	balances *cache.LRUCache[core.BalanceSet]
	flight   singleflight.Group
}

func NewLedgerService(store LedgerStore, notifier Notifier) *LedgerService {
	return &LedgerService{
		store:    store,
		notifier: notifier,
		balances: cache.NewLRUCache[core.BalanceSet](balanceCacheSize, balanceCacheTTL),
	}
}

func (s *LedgerService) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("close ledger store: %w", err)
		}
	}
	return nil
}

// --- groups and members ---

func (s *LedgerService) CreateGroup(ctx context.Context, name string) (*core.Group, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("group name: %w", core.ErrEmptyDescription)
	}
	g := &core.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Group created", "group_id", g.ID, "name", g.Name)
	return g, nil
}

func (s *LedgerService) GetGroup(ctx context.Context, id string) (*core.Group, error) {
	return s.store.GetGroup(ctx, id)
}

type AddMemberRequest struct {
	MemberID    string
	DisplayName string
	GroupAlias  string
	Theme       string
}

func (s *LedgerService) AddMember(ctx context.Context, groupID string, req AddMemberRequest) (*core.Member, error) {
	if strings.TrimSpace(req.MemberID) == "" {
		return nil, core.ErrEmptyMember
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		return nil, fmt.Errorf("member display name: %w", core.ErrEmptyDescription)
	}
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	m := &core.Member{
		ID:          req.MemberID,
		DisplayName: req.DisplayName,
		GroupAlias:  req.GroupAlias,
		Theme:       req.Theme,
		JoinedAt:    time.Now().UTC(),
	}
	if err := s.store.AddMember(ctx, groupID, m); err != nil {
		return nil, err
	}
	s.notifyGroupDetails(ctx, groupID)
	return m, nil
}

func (s *LedgerService) RemoveMember(ctx context.Context, groupID, memberID string) error {
	if err := s.store.RemoveMember(ctx, groupID, memberID); err != nil {
		return err
	}
	s.notifyGroupDetails(ctx, groupID)
	return nil
}

func (s *LedgerService) ListMembers(ctx context.Context, groupID string) ([]core.Member, error) {
	return s.store.ListMembers(ctx, groupID)
}

// --- expenses ---

// ParticipantShare carries one participant's portion of a mutation request.
// AmountCents is read for exact splits, BasisPoints for percentage splits;
// equal splits need only the member ID.
type ParticipantShare struct {
	MemberID    string
	AmountCents int64
	BasisPoints int64
}

type CreateExpenseRequest struct {
	GroupID      string
	Description  string
	AmountCents  int64
	Currency     string
	PaidBy       string
	SplitType    core.SplitType
	Participants []ParticipantShare
}

// UpdateExpenseRequest replaces the mutable fields of an expense. Group
// ownership never changes.
type UpdateExpenseRequest struct {
	Description  string
	AmountCents  int64
	Currency     string
	PaidBy       string
	SplitType    core.SplitType
	Participants []ParticipantShare
}

func resolveSplits(splitType core.SplitType, total core.Money, participants []ParticipantShare) ([]core.Split, error) {
	switch splitType {
	case core.SplitEqual:
		ids := make([]string, len(participants))
		for i, p := range participants {
			ids[i] = p.MemberID
		}
		return core.EqualSplits(total, ids)
	case core.SplitExact:
		splits := make([]core.Split, len(participants))
		for i, p := range participants {
			splits[i] = core.Split{MemberID: p.MemberID, Amount: core.Money{Cents: p.AmountCents}}
		}
		return core.ExactSplits(total, splits)
	case core.SplitPercentage:
		shares := make([]core.PercentShare, len(participants))
		for i, p := range participants {
			shares[i] = core.PercentShare{MemberID: p.MemberID, BasisPoints: p.BasisPoints}
		}
		return core.PercentageSplits(total, shares)
	}
	return nil, core.ErrInvalidSplitType
}

// activeRoster returns the group's active members keyed by ID, plus the
// sorted ID list for notification fan-out.
func (s *LedgerService) activeRoster(ctx context.Context, groupID string) (map[string]core.Member, []string, error) {
	members, err := s.store.ListMembers(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	roster := make(map[string]core.Member, len(members))
	var ids []string
	for _, m := range members {
		if m.Active() {
			roster[m.ID] = m
			ids = append(ids, m.ID)
		}
	}
	return roster, ids, nil
}

func checkParticipants(roster map[string]core.Member, paidBy string, splits []core.Split) error {
	if _, ok := roster[paidBy]; !ok {
		return fmt.Errorf("payer %s: %w", paidBy, core.ErrUnknownMember)
	}
	for _, split := range splits {
		if _, ok := roster[split.MemberID]; !ok {
			return fmt.Errorf("participant %s: %w", split.MemberID, core.ErrUnknownMember)
		}
	}
	return nil
}

func (s *LedgerService) CreateExpense(ctx context.Context, req CreateExpenseRequest) (*core.Expense, error) {
	roster, memberIDs, err := s.activeRoster(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	splits, err := resolveSplits(req.SplitType, core.Money{Cents: req.AmountCents}, req.Participants)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &core.Expense{
		ID:          uuid.NewString(),
		GroupID:     req.GroupID,
		Description: req.Description,
		Amount:      core.Money{Cents: req.AmountCents},
		Currency:    req.Currency,
		PaidBy:      req.PaidBy,
		SplitType:   req.SplitType,
		Splits:      splits,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := checkParticipants(roster, e.PaidBy, e.Splits); err != nil {
		return nil, err
	}

	if err := s.store.CreateExpense(ctx, e); err != nil {
		return nil, err
	}

	s.ledgerChanged(ctx, req.GroupID, memberIDs)
	return e, nil
}

func (s *LedgerService) GetExpense(ctx context.Context, id string) (*core.Expense, error) {
	return s.store.GetExpense(ctx, id)
}

func (s *LedgerService) ListExpenses(ctx context.Context, groupID string) ([]core.Expense, error) {
	expenses, _, err := s.store.LoadLedger(ctx, groupID)
	return expenses, err
}

// UpdateExpense rewrites the mutable fields of an expense under optimistic
// concurrency. The request is a transformation of the current record: if a
// concurrent writer got in first, it is reapplied to the fresh state within
// the bounded retry budget, after which the conflict surfaces to the caller.
func (s *LedgerService) UpdateExpense(ctx context.Context, id string, expectedVersion int64, req UpdateExpenseRequest) (*core.Expense, error) {
	updated, err := s.mutateExpense(ctx, id, expectedVersion, func(e *core.Expense) error {
		roster, _, err := s.activeRoster(ctx, e.GroupID)
		if err != nil {
			return err
		}
		splits, err := resolveSplits(req.SplitType, core.Money{Cents: req.AmountCents}, req.Participants)
		if err != nil {
			return err
		}
		e.Description = req.Description
		e.Amount = core.Money{Cents: req.AmountCents}
		e.Currency = req.Currency
		e.PaidBy = req.PaidBy
		e.SplitType = req.SplitType
		e.Splits = splits
		return checkParticipants(roster, e.PaidBy, e.Splits)
	})
	if err != nil {
		return nil, err
	}

	s.notifyLedgerChanged(ctx, updated.GroupID)
	return updated, nil
}

func (s *LedgerService) DeleteExpense(ctx context.Context, id string, expectedVersion int64) error {
	deleted, err := s.deleteExpense(ctx, id, expectedVersion)
	if err != nil {
		return err
	}
	s.notifyLedgerChanged(ctx, deleted.GroupID)
	return nil
}

// --- settlements ---

type CreateSettlementRequest struct {
	GroupID     string
	PaidBy      string
	PaidTo      string
	AmountCents int64
	Currency    string
	SettledOn   time.Time
}

type UpdateSettlementRequest struct {
	PaidBy      string
	PaidTo      string
	AmountCents int64
	Currency    string
	SettledOn   time.Time
}

func (s *LedgerService) CreateSettlement(ctx context.Context, req CreateSettlementRequest) (*core.Settlement, error) {
	roster, memberIDs, err := s.activeRoster(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	settledOn := req.SettledOn
	if settledOn.IsZero() {
		settledOn = now
	}
	st := &core.Settlement{
		ID:        uuid.NewString(),
		GroupID:   req.GroupID,
		PaidBy:    req.PaidBy,
		PaidTo:    req.PaidTo,
		Amount:    core.Money{Cents: req.AmountCents},
		Currency:  req.Currency,
		SettledOn: settledOn,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	for _, memberID := range []string{st.PaidBy, st.PaidTo} {
		if _, ok := roster[memberID]; !ok {
			return nil, fmt.Errorf("member %s: %w", memberID, core.ErrUnknownMember)
		}
	}

	if err := s.store.CreateSettlement(ctx, st); err != nil {
		return nil, err
	}

	s.ledgerChanged(ctx, req.GroupID, memberIDs)
	return st, nil
}

func (s *LedgerService) UpdateSettlement(ctx context.Context, id string, expectedVersion int64, req UpdateSettlementRequest) (*core.Settlement, error) {
	updated, err := s.mutateSettlement(ctx, id, expectedVersion, func(st *core.Settlement) error {
		roster, _, err := s.activeRoster(ctx, st.GroupID)
		if err != nil {
			return err
		}
		st.PaidBy = req.PaidBy
		st.PaidTo = req.PaidTo
		st.Amount = core.Money{Cents: req.AmountCents}
		st.Currency = req.Currency
		if !req.SettledOn.IsZero() {
			st.SettledOn = req.SettledOn
		}
		for _, memberID := range []string{st.PaidBy, st.PaidTo} {
			if _, ok := roster[memberID]; !ok {
				return fmt.Errorf("member %s: %w", memberID, core.ErrUnknownMember)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyLedgerChanged(ctx, updated.GroupID)
	return updated, nil
}

func (s *LedgerService) DeleteSettlement(ctx context.Context, id string, expectedVersion int64) error {
	deleted, err := s.deleteSettlement(ctx, id, expectedVersion)
	if err != nil {
		return err
	}
	s.notifyLedgerChanged(ctx, deleted.GroupID)
	return nil
}

// --- queries ---

// GetGroupBalances recomputes net balances from the current ledger snapshot.
// The result is shared via a short-lived cache; callers must treat it as
// read-only.
func (s *LedgerService) GetGroupBalances(ctx context.Context, groupID string) (core.BalanceSet, error) {
	if cached, ok := s.balances.Get(groupID); ok {
		return cached, nil
	}

	v, err, _ := s.flight.Do(groupID, func() (any, error) {
		expenses, settlements, err := s.store.LoadLedger(ctx, groupID)
		if err != nil {
			return nil, err
		}
		balances, err := core.ComputeBalances(expenses, settlements)
		if err != nil {
			return nil, err
		}
		s.balances.Set(groupID, balances)
		return balances, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(core.BalanceSet), nil
}

func (s *LedgerService) GetSimplifiedDebts(ctx context.Context, groupID, currency string) ([]core.SimplifiedDebt, error) {
	if err := core.ValidateCurrency(currency); err != nil {
		return nil, err
	}
	balances, err := s.GetGroupBalances(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return core.Simplify(currency, balances.ForCurrency(currency))
}

func (s *LedgerService) GetChangeRecord(ctx context.Context, userID, groupID string) (*core.ChangeTrackingRecord, error) {
	return s.store.GetChangeRecord(ctx, userID, groupID)
}

// --- notification fan-out ---

// notifyLedgerChanged fans a mutation out after the roster is re-read. The
// mutation itself already committed, so a roster read failure here is logged
// rather than surfaced; clients fall back to the next notification or poll.
func (s *LedgerService) notifyLedgerChanged(ctx context.Context, groupID string) {
	s.balances.Delete(groupID)
	_, memberIDs, err := s.activeRoster(ctx, groupID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load roster for notification", "group_id", groupID, "error", err)
		return
	}
	s.ledgerChanged(ctx, groupID, memberIDs)
}

// ledgerChanged invalidates cached balances and signals every active member
// that transactions and balances need re-fetching.
func (s *LedgerService) ledgerChanged(ctx context.Context, groupID string, memberIDs []string) {
	s.balances.Delete(groupID)
	if s.notifier == nil {
		slog.WarnContext(ctx, "No notifier configured, skipping change notification", "group_id", groupID)
		return
	}
	s.notifier.Notify(memberIDs, groupID, core.ChangeTransactions)
	s.notifier.Notify(memberIDs, groupID, core.ChangeBalances)
}

func (s *LedgerService) notifyGroupDetails(ctx context.Context, groupID string) {
	if s.notifier == nil {
		return
	}
	_, memberIDs, err := s.activeRoster(ctx, groupID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load roster for notification", "group_id", groupID, "error", err)
		return
	}
	s.notifier.Notify(memberIDs, groupID, core.ChangeGroupDetails)
}
