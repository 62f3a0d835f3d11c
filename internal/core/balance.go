package core

import "sort"

// BalanceSet maps member ID to currency code to net balance in minor units.
// Positive means the member is owed money, negative means the member owes.
// Currencies are never netted against each other.
type BalanceSet map[string]map[string]int64

func (b BalanceSet) add(memberID, currency string, cents int64) {
	byCurrency, ok := b[memberID]
	if !ok {
		byCurrency = make(map[string]int64)
		b[memberID] = byCurrency
	}
	byCurrency[currency] += cents
}

// ForCurrency returns a copy of the per-member balances in one currency,
// omitting members with no entry for it.
func (b BalanceSet) ForCurrency(currency string) map[string]int64 {
	out := make(map[string]int64)
	for memberID, byCurrency := range b {
		if cents, ok := byCurrency[currency]; ok {
			out[memberID] = cents
		}
	}
	return out
}

// Currencies returns every currency present, sorted.
func (b BalanceSet) Currencies() []string {
	seen := make(map[string]struct{})
	for _, byCurrency := range b {
		for currency := range byCurrency {
			seen[currency] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for currency := range seen {
		out = append(out, currency)
	}
	sort.Strings(out)
	return out
}

// ComputeBalances aggregates a ledger snapshot into net balances: each
// expense credits its payer with the total and debits each split; each
// settlement moves money from payer to payee.
//
// The function is pure. The same snapshot always yields identical balances,
// and within every currency the balances sum to zero.
//
// A stored expense whose splits no longer sum to its total (corrupted or
// pre-validation data) makes the whole snapshot unreliable for its group, so
// an IntegrityError is returned and no partial balances are produced.
func ComputeBalances(expenses []Expense, settlements []Settlement) (BalanceSet, error) {
	balances := make(BalanceSet)

	for i := range expenses {
		e := &expenses[i]
		var sum int64
		for _, s := range e.Splits {
			sum += s.Amount.Cents
		}
		if sum != e.Amount.Cents {
			return nil, &IntegrityError{GroupID: e.GroupID, RecordID: e.ID, Err: ErrSplitMismatch}
		}

		balances.add(e.PaidBy, e.Currency, e.Amount.Cents)
		for _, s := range e.Splits {
			balances.add(s.MemberID, e.Currency, -s.Amount.Cents)
		}
	}

	for i := range settlements {
		s := &settlements[i]
		balances.add(s.PaidBy, s.Currency, -s.Amount.Cents)
		balances.add(s.PaidTo, s.Currency, s.Amount.Cents)
	}

	return balances, nil
}
