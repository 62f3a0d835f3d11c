package core

import (
	"errors"
	"testing"
)

func TestEqualSplits(t *testing.T) {
	cases := []struct {
		name    string
		cents   int64
		members []string
		want    []int64 // in ascending member-ID order
	}{
		{"even", 300, []string{"a", "b", "c"}, []int64{100, 100, 100}},
		{"remainder to first", 100, []string{"a", "b", "c"}, []int64{34, 33, 33}},
		{"two extra cents", 302, []string{"a", "b", "c"}, []int64{101, 101, 100}},
		{"single member", 55, []string{"a"}, []int64{55}},
		{"unsorted input", 100, []string{"c", "a", "b"}, []int64{34, 33, 33}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			splits, err := EqualSplits(Money{Cents: tc.cents}, tc.members)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var sum int64
			for i, s := range splits {
				if s.Amount.Cents != tc.want[i] {
					t.Fatalf("split %d = %d, want %d", i, s.Amount.Cents, tc.want[i])
				}
				if i > 0 && splits[i-1].MemberID > s.MemberID {
					t.Fatalf("splits not in member-ID order: %v", splits)
				}
				sum += s.Amount.Cents
			}
			if sum != tc.cents {
				t.Fatalf("splits sum %d, want %d", sum, tc.cents)
			}
		})
	}
}

func TestEqualSplitsErrors(t *testing.T) {
	if _, err := EqualSplits(Money{Cents: 0}, []string{"a"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v", err)
	}
	if _, err := EqualSplits(Money{Cents: 100}, nil); !errors.Is(err, ErrNoParticipants) {
		t.Fatalf("no members: got %v", err)
	}
	if _, err := EqualSplits(Money{Cents: 100}, []string{"a", "a"}); !errors.Is(err, ErrDuplicateMember) {
		t.Fatalf("duplicate member: got %v", err)
	}
}

func TestPercentageSplits(t *testing.T) {
	splits, err := PercentageSplits(Money{Cents: 1001}, []PercentShare{
		{MemberID: "a", BasisPoints: 5000},
		{MemberID: "b", BasisPoints: 2500},
		{MemberID: "c", BasisPoints: 2500},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sum int64
	for _, s := range splits {
		sum += s.Amount.Cents
	}
	if sum != 1001 {
		t.Fatalf("splits sum %d, want 1001", sum)
	}
	// 500.5/250.25/250.25 truncates to 500/250/250; the extra cent goes to "a".
	if splits[0].MemberID != "a" || splits[0].Amount.Cents != 501 {
		t.Fatalf("first split = %+v, want a:501", splits[0])
	}
}

func TestPercentageSplitsBadTotal(t *testing.T) {
	_, err := PercentageSplits(Money{Cents: 100}, []PercentShare{
		{MemberID: "a", BasisPoints: 5000},
		{MemberID: "b", BasisPoints: 4000},
	})
	if !errors.Is(err, ErrBadPercentTotal) {
		t.Fatalf("expected ErrBadPercentTotal, got %v", err)
	}
}

func TestExactSplits(t *testing.T) {
	splits, err := ExactSplits(Money{Cents: 300}, []Split{
		{MemberID: "b", Amount: Money{Cents: 100}},
		{MemberID: "a", Amount: Money{Cents: 200}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if splits[0].MemberID != "a" || splits[1].MemberID != "b" {
		t.Fatalf("splits not ordered: %v", splits)
	}

	_, err = ExactSplits(Money{Cents: 300}, []Split{
		{MemberID: "a", Amount: Money{Cents: 100}},
	})
	if !errors.Is(err, ErrSplitMismatch) {
		t.Fatalf("expected ErrSplitMismatch, got %v", err)
	}
}

func TestExpenseValidateSplitSum(t *testing.T) {
	e := expense("e1", "g1", "A", 100, "EUR",
		Split{MemberID: "A", Amount: Money{Cents: 60}},
		Split{MemberID: "B", Amount: Money{Cents: 60}})
	if err := e.Validate(); !errors.Is(err, ErrSplitMismatch) {
		t.Fatalf("expected ErrSplitMismatch, got %v", err)
	}

	e.Splits[1].Amount.Cents = 40
	if err := e.Validate(); err != nil {
		t.Fatalf("expected valid expense, got %v", err)
	}
}

func TestSettlementValidate(t *testing.T) {
	s := Settlement{GroupID: "g1", PaidBy: "A", PaidTo: "A", Amount: Money{Cents: 100}, Currency: "EUR"}
	if err := s.Validate(); !errors.Is(err, ErrSelfSettlement) {
		t.Fatalf("expected ErrSelfSettlement, got %v", err)
	}
	s.PaidTo = "B"
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for zero date")
	}
}
