package services

import (
	"context"
	"errors"
	"time"

	"splitledger/internal/core"
)

// Optimistic mutation protocol: read the record, apply the patch to a clone,
// validate, then hand the clone to the store's compare-and-swap write. The
// store re-reads the version inside its transaction, so of two racing
// writers at most one commits per attempt and the loser never merges into a
// corrupted state.
//
// Conflicts are expected and racy, so they get a bounded retry with a short
// growing backoff; everything else (validation, missing record, store
// failure) surfaces immediately.
const (
	maxMutationAttempts = 3
	retryBackoff        = 25 * time.Millisecond
)

func waitBackoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryBackoff * time.Duration(attempt)):
		return nil
	}
}

func (s *LedgerService) mutateExpense(ctx context.Context, id string, expectedVersion int64, apply func(*core.Expense) error) (*core.Expense, error) {
	expected := expectedVersion
	var lastErr error
	for attempt := 1; attempt <= maxMutationAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		current, err := s.store.GetExpense(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Version != expected {
			// Another writer committed since this caller last read the
			// record. The patch transforms current state, so adopt the
			// fresh version and reapply it.
			expected = current.Version
		}

		next := current.Clone()
		if err := apply(next); err != nil {
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, err
		}

		updated, err := s.store.UpdateExpenseIfVersion(ctx, next, expected)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *LedgerService) mutateSettlement(ctx context.Context, id string, expectedVersion int64, apply func(*core.Settlement) error) (*core.Settlement, error) {
	expected := expectedVersion
	var lastErr error
	for attempt := 1; attempt <= maxMutationAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		current, err := s.store.GetSettlement(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Version != expected {
			expected = current.Version
		}

		next := current.Clone()
		if err := apply(next); err != nil {
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, err
		}

		updated, err := s.store.UpdateSettlementIfVersion(ctx, next, expected)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// deleteExpense retries a versioned delete the same way. The last-read
// record is returned so callers know which group to notify.
func (s *LedgerService) deleteExpense(ctx context.Context, id string, expectedVersion int64) (*core.Expense, error) {
	expected := expectedVersion
	var lastErr error
	for attempt := 1; attempt <= maxMutationAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		current, err := s.store.GetExpense(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Version != expected {
			expected = current.Version
		}

		err = s.store.DeleteExpenseIfVersion(ctx, id, expected)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *LedgerService) deleteSettlement(ctx context.Context, id string, expectedVersion int64) (*core.Settlement, error) {
	expected := expectedVersion
	var lastErr error
	for attempt := 1; attempt <= maxMutationAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		current, err := s.store.GetSettlement(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Version != expected {
			expected = current.Version
		}

		err = s.store.DeleteSettlementIfVersion(ctx, id, expected)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
