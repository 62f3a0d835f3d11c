package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	SplitEqual      SplitType = "equal"
	SplitExact      SplitType = "exact"
	SplitPercentage SplitType = "percentage"
)

type (
	SplitType string

	Money struct {
		Cents int64
	}

	// Member is a group participant. Identity is immutable; removal from a
	// group is soft (RemovedAt), the member is never deleted globally.
	Member struct {
		ID          string
		DisplayName string
		GroupAlias  string // per-group display name, optional
		Theme       string
		JoinedAt    time.Time
		RemovedAt   *time.Time
	}

	Group struct {
		ID        string
		Name      string
		CreatedAt time.Time
	}

	// Split is one participant's share of an expense, already resolved to
	// minor units. The invariant sum(splits) == expense total is enforced
	// before anything is stored.
	Split struct {
		MemberID string
		Amount   Money
	}

	Expense struct {
		ID          string
		GroupID     string
		Description string
		Amount      Money
		Currency    string
		PaidBy      string
		SplitType   SplitType
		Splits      []Split
		Version     int64
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// Settlement is a direct payment between two members, recorded outside
	// the expense flow.
	Settlement struct {
		ID        string
		GroupID   string
		PaidBy    string
		PaidTo    string
		Amount    Money
		Currency  string
		SettledOn time.Time
		Version   int64
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// SimplifiedDebt is a recommended payment. It is ephemeral: it becomes a
	// ledger entry only when a member records it as a Settlement.
	SimplifiedDebt struct {
		FromMemberID string
		ToMemberID   string
		Amount       Money
		Currency     string
	}
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrEmptyDescription = errors.New("empty description")
	ErrInvalidCurrency  = errors.New("invalid currency code")
	ErrEmptyGroup       = errors.New("empty group id")
	ErrEmptyMember      = errors.New("empty member id")
	ErrNoParticipants   = errors.New("expense needs at least one participant")
	ErrDuplicateMember  = errors.New("duplicate participant")
	ErrUnknownMember    = errors.New("unknown member")
	ErrInvalidSplitType = errors.New("invalid split type")
	ErrSplitMismatch    = errors.New("split amounts do not sum to expense total")
	ErrSelfSettlement   = errors.New("settlement payer and payee must differ")
	ErrNotFound         = errors.New("record not found")
	ErrVersionConflict  = errors.New("version conflict")
)

// IntegrityError reports a stored record that violates a write-time invariant.
// It is scoped to one group so unrelated groups keep computing.
type IntegrityError struct {
	GroupID  string
	RecordID string
	Err      error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation in group %s, record %s: %v", e.GroupID, e.RecordID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// ValidateCurrency accepts ISO-style three-letter uppercase codes.
func ValidateCurrency(code string) error {
	if len(code) != 3 {
		return ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ErrInvalidCurrency
		}
	}
	return nil
}

func (t SplitType) Validate() error {
	switch t {
	case SplitEqual, SplitExact, SplitPercentage:
		return nil
	}
	return ErrInvalidSplitType
}

func (m Member) Active() bool { return m.RemovedAt == nil }

// Name returns the per-group alias when set, the global display name otherwise.
func (m Member) Name() string {
	if m.GroupAlias != "" {
		return m.GroupAlias
	}
	return m.DisplayName
}

func (e Expense) Validate() error {
	if strings.TrimSpace(e.GroupID) == "" {
		return ErrEmptyGroup
	}
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if err := ValidateCurrency(e.Currency); err != nil {
		return err
	}
	if strings.TrimSpace(e.PaidBy) == "" {
		return ErrEmptyMember
	}
	if err := e.SplitType.Validate(); err != nil {
		return err
	}
	if len(e.Splits) == 0 {
		return ErrNoParticipants
	}
	seen := make(map[string]struct{}, len(e.Splits))
	var sum int64
	for _, s := range e.Splits {
		if strings.TrimSpace(s.MemberID) == "" {
			return ErrEmptyMember
		}
		if _, dup := seen[s.MemberID]; dup {
			return ErrDuplicateMember
		}
		seen[s.MemberID] = struct{}{}
		if s.Amount.Cents < 0 {
			return ErrInvalidAmount
		}
		sum += s.Amount.Cents
	}
	if sum != e.Amount.Cents {
		return ErrSplitMismatch
	}
	return nil
}

// Clone returns a deep copy safe to mutate independently.
func (e *Expense) Clone() *Expense {
	c := *e
	c.Splits = make([]Split, len(e.Splits))
	copy(c.Splits, e.Splits)
	return &c
}

func (s Settlement) Validate() error {
	if strings.TrimSpace(s.GroupID) == "" {
		return ErrEmptyGroup
	}
	if strings.TrimSpace(s.PaidBy) == "" || strings.TrimSpace(s.PaidTo) == "" {
		return ErrEmptyMember
	}
	if s.PaidBy == s.PaidTo {
		return ErrSelfSettlement
	}
	if err := s.Amount.Validate(); err != nil {
		return err
	}
	if err := ValidateCurrency(s.Currency); err != nil {
		return err
	}
	if s.SettledOn.IsZero() {
		return errors.New("settlement date cannot be zero")
	}
	return nil
}

func (s *Settlement) Clone() *Settlement {
	c := *s
	return &c
}
