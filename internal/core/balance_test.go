package core

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func expense(id, groupID, paidBy string, cents int64, currency string, splits ...Split) Expense {
	return Expense{
		ID:          id,
		GroupID:     groupID,
		Description: "test",
		Amount:      Money{Cents: cents},
		Currency:    currency,
		PaidBy:      paidBy,
		SplitType:   SplitExact,
		Splits:      splits,
		Version:     1,
	}
}

func TestComputeBalancesScenario(t *testing.T) {
	// A pays 10000 cents split equally among A, B, C.
	splits, err := EqualSplits(Money{Cents: 10000}, []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("equal splits: %v", err)
	}
	balances, err := ComputeBalances([]Expense{
		expense("e1", "g1", "A", 10000, "EUR", splits...),
	}, nil)
	if err != nil {
		t.Fatalf("compute balances: %v", err)
	}

	want := map[string]int64{"A": 6666, "B": -3333, "C": -3333}
	got := balances.ForCurrency("EUR")
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("balances = %v, want %v", got, want)
	}

	debts, err := Simplify("EUR", got)
	if err != nil {
		t.Fatalf("simplify: %v", err)
	}
	wantDebts := []SimplifiedDebt{
		{FromMemberID: "B", ToMemberID: "A", Amount: Money{Cents: 3333}, Currency: "EUR"},
		{FromMemberID: "C", ToMemberID: "A", Amount: Money{Cents: 3333}, Currency: "EUR"},
	}
	if !reflect.DeepEqual(debts, wantDebts) {
		t.Fatalf("debts = %v, want %v", debts, wantDebts)
	}
}

func TestComputeBalancesClosure(t *testing.T) {
	expenses := []Expense{
		expense("e1", "g1", "A", 500, "EUR",
			Split{MemberID: "A", Amount: Money{Cents: 200}},
			Split{MemberID: "B", Amount: Money{Cents: 300}}),
		expense("e2", "g1", "B", 999, "EUR",
			Split{MemberID: "A", Amount: Money{Cents: 333}},
			Split{MemberID: "B", Amount: Money{Cents: 333}},
			Split{MemberID: "C", Amount: Money{Cents: 333}}),
		expense("e3", "g1", "C", 1200, "USD",
			Split{MemberID: "A", Amount: Money{Cents: 600}},
			Split{MemberID: "C", Amount: Money{Cents: 600}}),
	}
	settlements := []Settlement{
		{ID: "s1", GroupID: "g1", PaidBy: "B", PaidTo: "A", Amount: Money{Cents: 150}, Currency: "EUR", SettledOn: time.Now(), Version: 1},
	}

	balances, err := ComputeBalances(expenses, settlements)
	if err != nil {
		t.Fatalf("compute balances: %v", err)
	}

	for _, currency := range balances.Currencies() {
		var sum int64
		for _, cents := range balances.ForCurrency(currency) {
			sum += cents
		}
		if sum != 0 {
			t.Fatalf("currency %s does not close: sum = %d", currency, sum)
		}
	}
}

func TestComputeBalancesCurrenciesStaySeparate(t *testing.T) {
	balances, err := ComputeBalances([]Expense{
		expense("e1", "g1", "A", 100, "EUR", Split{MemberID: "B", Amount: Money{Cents: 100}}),
		expense("e2", "g1", "B", 100, "USD", Split{MemberID: "A", Amount: Money{Cents: 100}}),
	}, nil)
	if err != nil {
		t.Fatalf("compute balances: %v", err)
	}

	// A is owed 100 EUR and owes 100 USD; neither nets the other out.
	if got := balances["A"]["EUR"]; got != 100 {
		t.Fatalf("A EUR = %d, want 100", got)
	}
	if got := balances["A"]["USD"]; got != -100 {
		t.Fatalf("A USD = %d, want -100", got)
	}
}

func TestComputeBalancesSettlementEffect(t *testing.T) {
	balances, err := ComputeBalances([]Expense{
		expense("e1", "g1", "A", 1000, "EUR", Split{MemberID: "B", Amount: Money{Cents: 1000}}),
	}, []Settlement{
		{ID: "s1", GroupID: "g1", PaidBy: "B", PaidTo: "A", Amount: Money{Cents: 1000}, Currency: "EUR", SettledOn: time.Now(), Version: 1},
	})
	if err != nil {
		t.Fatalf("compute balances: %v", err)
	}
	for member, byCurrency := range balances {
		if byCurrency["EUR"] != 0 {
			t.Fatalf("member %s not settled: %d", member, byCurrency["EUR"])
		}
	}
}

func TestComputeBalancesIdempotent(t *testing.T) {
	expenses := []Expense{
		expense("e1", "g1", "A", 301, "EUR",
			Split{MemberID: "A", Amount: Money{Cents: 101}},
			Split{MemberID: "B", Amount: Money{Cents: 100}},
			Split{MemberID: "C", Amount: Money{Cents: 100}}),
	}
	first, err := ComputeBalances(expenses, nil)
	if err != nil {
		t.Fatalf("first compute: %v", err)
	}
	second, err := ComputeBalances(expenses, nil)
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ: %v vs %v", first, second)
	}
}

func TestComputeBalancesIntegrityError(t *testing.T) {
	corrupted := expense("e1", "g1", "A", 1000, "EUR",
		Split{MemberID: "A", Amount: Money{Cents: 400}},
		Split{MemberID: "B", Amount: Money{Cents: 400}}) // sums to 800, not 1000

	_, err := ComputeBalances([]Expense{corrupted}, nil)
	if err == nil {
		t.Fatal("expected integrity error")
	}
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %T: %v", err, err)
	}
	if integrity.GroupID != "g1" || integrity.RecordID != "e1" {
		t.Fatalf("error scoped wrong: %+v", integrity)
	}
	if !errors.Is(err, ErrSplitMismatch) {
		t.Fatalf("expected ErrSplitMismatch cause, got %v", err)
	}
}
