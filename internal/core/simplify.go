package core

import (
	"errors"
	"fmt"
)

// ErrUnbalanced means the caller passed a balance map that does not sum to
// zero. Balances produced by ComputeBalances always do; anything else is a
// caller bug and must not be papered over by inventing or dropping money.
var ErrUnbalanced = errors.New("balances do not sum to zero")

// Simplify reduces the per-member net balances of a single currency to a
// minimal ordered list of settling payments.
//
// Greedy reduction: repeatedly match the largest creditor with the
// largest-magnitude debtor and settle the smaller of the two amounts. Ties
// are broken by lower member ID, so the output is fully deterministic.
// Applying the returned payments to the input balances yields all zeros, and
// at most N-1 payments are emitted for N members with non-zero balance.
func Simplify(currency string, balances map[string]int64) ([]SimplifiedDebt, error) {
	type party struct {
		memberID string
		cents    int64 // always positive
	}

	var creditors, debtors []party
	var sum int64
	for memberID, cents := range balances {
		sum += cents
		switch {
		case cents > 0:
			creditors = append(creditors, party{memberID, cents})
		case cents < 0:
			debtors = append(debtors, party{memberID, -cents})
		}
	}
	if sum != 0 {
		return nil, fmt.Errorf("simplify %s: %w", currency, ErrUnbalanced)
	}

	// Index of the party with the largest amount, lowest member ID on ties.
	largest := func(parties []party) int {
		best := 0
		for i := 1; i < len(parties); i++ {
			if parties[i].cents > parties[best].cents ||
				(parties[i].cents == parties[best].cents && parties[i].memberID < parties[best].memberID) {
				best = i
			}
		}
		return best
	}
	drop := func(parties []party, i int) []party {
		return append(parties[:i], parties[i+1:]...)
	}

	var debts []SimplifiedDebt
	for len(creditors) > 0 && len(debtors) > 0 {
		ci := largest(creditors)
		di := largest(debtors)

		amount := creditors[ci].cents
		if debtors[di].cents < amount {
			amount = debtors[di].cents
		}

		debts = append(debts, SimplifiedDebt{
			FromMemberID: debtors[di].memberID,
			ToMemberID:   creditors[ci].memberID,
			Amount:       Money{Cents: amount},
			Currency:     currency,
		})

		creditors[ci].cents -= amount
		debtors[di].cents -= amount
		if creditors[ci].cents == 0 {
			creditors = drop(creditors, ci)
		}
		if debtors[di].cents == 0 {
			debtors = drop(debtors, di)
		}
	}

	return debts, nil
}
