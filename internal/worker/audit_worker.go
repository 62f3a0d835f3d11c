// Package worker runs the background side of the ledger: it consumes change
// notifications from the broker and periodically audits every group's
// balances for closure. The audit is a backstop; balances are derived state
// and a non-zero sum means a stored record broke a write-time invariant.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"splitledger/internal/amqp"
	"splitledger/internal/core"
)

// Store is the read surface the auditor needs.
type Store interface {
	ListGroups(ctx context.Context) ([]core.Group, error)
	LoadLedger(ctx context.Context, groupID string) ([]core.Expense, []core.Settlement, error)
}

// Consumer delivers change notifications until the context ends.
type Consumer interface {
	ConsumeChangeNotifications(ctx context.Context, handler func(*amqp.ChangeNotificationMessage) error) error
}

type AuditWorker struct {
	store    Store
	consumer Consumer
	interval time.Duration
}

func NewAuditWorker(store Store, consumer Consumer, interval time.Duration) *AuditWorker {
	return &AuditWorker{
		store:    store,
		consumer: consumer,
		interval: interval,
	}
}

// Run drives the consumer loop and the periodic audit until ctx ends.
func (w *AuditWorker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if w.consumer != nil {
		g.Go(func() error {
			err := w.consumer.ConsumeChangeNotifications(ctx, w.HandleChangeNotification)
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("consume change notifications: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := w.AuditGroups(ctx); err != nil {
					slog.ErrorContext(ctx, "Balance audit failed", "error", err)
				}
			}
		}
	})

	return g.Wait()
}

// HandleChangeNotification acknowledges a flushed change version. Consumers
// downstream (websocket fan-out, cache warmers) would hang off this hook;
// here the delivery itself is the observable effect.
func (w *AuditWorker) HandleChangeNotification(msg *amqp.ChangeNotificationMessage) error {
	slog.Info("Change notification received",
		"user_id", msg.UserID,
		"group_id", msg.GroupID,
		"change_version", msg.ChangeVersion)
	return nil
}

// AuditGroups recomputes every group's balances and verifies each currency
// sums to zero. Groups with integrity violations are reported and skipped so
// the rest of the sweep continues.
func (w *AuditWorker) AuditGroups(ctx context.Context) error {
	groups, err := w.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	audited, broken := 0, 0
	for _, g := range groups {
		if err := w.auditGroup(ctx, g.ID); err != nil {
			slog.ErrorContext(ctx, "Group failed balance audit", "group_id", g.ID, "error", err)
			broken++
			continue
		}
		audited++
	}

	slog.InfoContext(ctx, "Balance audit sweep completed",
		"groups", len(groups),
		"clean", audited,
		"broken", broken)
	return nil
}

func (w *AuditWorker) auditGroup(ctx context.Context, groupID string) error {
	expenses, settlements, err := w.store.LoadLedger(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	balances, err := core.ComputeBalances(expenses, settlements)
	if err != nil {
		return err
	}
	for _, currency := range balances.Currencies() {
		var sum int64
		for _, cents := range balances.ForCurrency(currency) {
			sum += cents
		}
		if sum != 0 {
			return fmt.Errorf("currency %s: %w (sum %d)", currency, core.ErrUnbalanced, sum)
		}
	}
	return nil
}
