// Package core holds the ledger domain: expenses, settlements, balance
// aggregation and debt simplification. Everything here is pure; all money
// arithmetic is in integer minor units (cents) to avoid rounding drift.
package core

import (
	"errors"
	"sort"
)

// PercentShare expresses a participant's percentage in basis points
// (1/100th of a percent), so 25.5% is 2550. Basis points keep percentage
// splits in integer arithmetic end to end.
type PercentShare struct {
	MemberID    string
	BasisPoints int64
}

const fullShareBasisPoints = 10000

var (
	ErrBadPercentTotal = errors.New("percentage shares must sum to 100%")
	ErrNegativeShare   = errors.New("share cannot be negative")
)

// EqualSplits divides total evenly among memberIDs. The remainder
// (total mod N) is distributed one cent each to the first k members in
// ascending member-ID order, so the same input always yields the same split
// and sum(splits) == total holds exactly.
func EqualSplits(total Money, memberIDs []string) ([]Split, error) {
	if err := total.Validate(); err != nil {
		return nil, err
	}
	if len(memberIDs) == 0 {
		return nil, ErrNoParticipants
	}
	ids := make([]string, len(memberIDs))
	copy(ids, memberIDs)
	sort.Strings(ids)
	for i, id := range ids {
		if id == "" {
			return nil, ErrEmptyMember
		}
		if i > 0 && ids[i-1] == id {
			return nil, ErrDuplicateMember
		}
	}

	n := int64(len(ids))
	base := total.Cents / n
	remainder := total.Cents % n

	splits := make([]Split, len(ids))
	for i, id := range ids {
		share := base
		if int64(i) < remainder {
			share++
		}
		splits[i] = Split{MemberID: id, Amount: Money{Cents: share}}
	}
	return splits, nil
}

// PercentageSplits resolves basis-point shares against the total. Integer
// truncation leaves a remainder of at most len(shares)-1 cents, distributed
// one cent each in ascending member-ID order like EqualSplits.
func PercentageSplits(total Money, shares []PercentShare) ([]Split, error) {
	if err := total.Validate(); err != nil {
		return nil, err
	}
	if len(shares) == 0 {
		return nil, ErrNoParticipants
	}

	ordered := make([]PercentShare, len(shares))
	copy(ordered, shares)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].MemberID < ordered[j].MemberID })

	var bpSum int64
	for i, s := range ordered {
		if s.MemberID == "" {
			return nil, ErrEmptyMember
		}
		if i > 0 && ordered[i-1].MemberID == s.MemberID {
			return nil, ErrDuplicateMember
		}
		if s.BasisPoints < 0 {
			return nil, ErrNegativeShare
		}
		bpSum += s.BasisPoints
	}
	if bpSum != fullShareBasisPoints {
		return nil, ErrBadPercentTotal
	}

	splits := make([]Split, len(ordered))
	var assigned int64
	for i, s := range ordered {
		share := total.Cents * s.BasisPoints / fullShareBasisPoints
		splits[i] = Split{MemberID: s.MemberID, Amount: Money{Cents: share}}
		assigned += share
	}
	for i := 0; assigned < total.Cents; i++ {
		splits[i%len(splits)].Amount.Cents++
		assigned++
	}
	return splits, nil
}

// ExactSplits validates caller-provided shares against the total and returns
// them in ascending member-ID order.
func ExactSplits(total Money, splits []Split) ([]Split, error) {
	if err := total.Validate(); err != nil {
		return nil, err
	}
	if len(splits) == 0 {
		return nil, ErrNoParticipants
	}

	ordered := make([]Split, len(splits))
	copy(ordered, splits)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].MemberID < ordered[j].MemberID })

	var sum int64
	for i, s := range ordered {
		if s.MemberID == "" {
			return nil, ErrEmptyMember
		}
		if i > 0 && ordered[i-1].MemberID == s.MemberID {
			return nil, ErrDuplicateMember
		}
		if s.Amount.Cents < 0 {
			return nil, ErrInvalidAmount
		}
		sum += s.Amount.Cents
	}
	if sum != total.Cents {
		return nil, ErrSplitMismatch
	}
	return ordered, nil
}
