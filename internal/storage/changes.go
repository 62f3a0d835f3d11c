package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"splitledger/internal/core"
)

// ApplyChangeDelta folds accumulated increments into the (user, group)
// change-tracking row in a single transaction: one version bump, counters
// raised, recent ring trimmed. Called by the notification tracker only.
func (r *SQLiteRepository) ApplyChangeDelta(ctx context.Context, userID, groupID string, delta core.ChangeDelta) (*core.ChangeTrackingRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin change update: %w", err)
	}
	defer tx.Rollback()

	rec, err := readChangeRecord(ctx, tx, userID, groupID)
	if err != nil {
		return nil, err
	}

	rec.Apply(delta, time.Now().UTC())

	ring, err := json.Marshal(rec.Recent)
	if err != nil {
		return nil, fmt.Errorf("marshal recent changes: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_tracking (
			user_id, group_id, change_version,
			transaction_count, transaction_changed_at,
			balance_count, balance_changed_at,
			group_details_count, group_details_changed_at,
			comment_count, comment_changed_at,
			recent_changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, group_id) DO UPDATE SET
			change_version           = excluded.change_version,
			transaction_count        = excluded.transaction_count,
			transaction_changed_at   = excluded.transaction_changed_at,
			balance_count            = excluded.balance_count,
			balance_changed_at       = excluded.balance_changed_at,
			group_details_count      = excluded.group_details_count,
			group_details_changed_at = excluded.group_details_changed_at,
			comment_count            = excluded.comment_count,
			comment_changed_at       = excluded.comment_changed_at,
			recent_changes           = excluded.recent_changes`,
		userID, groupID, rec.ChangeVersion,
		rec.Transactions.Count, nullableTime(rec.Transactions.LastChangedAt),
		rec.Balances.Count, nullableTime(rec.Balances.LastChangedAt),
		rec.GroupDetails.Count, nullableTime(rec.GroupDetails.LastChangedAt),
		rec.Comments.Count, nullableTime(rec.Comments.LastChangedAt),
		string(ring))
	if err != nil {
		return nil, fmt.Errorf("write change record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit change update: %w", err)
	}
	return rec, nil
}

// GetChangeRecord returns the current record, or a zero-valued one when the
// pair has never been written, so pollers always get a usable baseline.
func (r *SQLiteRepository) GetChangeRecord(ctx context.Context, userID, groupID string) (*core.ChangeTrackingRecord, error) {
	return readChangeRecord(ctx, r.db, userID, groupID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readChangeRecord(ctx context.Context, q querier, userID, groupID string) (*core.ChangeTrackingRecord, error) {
	rec := &core.ChangeTrackingRecord{UserID: userID, GroupID: groupID}

	var (
		txAt, balAt, detAt, comAt sql.NullTime
		ring                      string
	)
	err := q.QueryRowContext(ctx, `
		SELECT change_version,
		       transaction_count, transaction_changed_at,
		       balance_count, balance_changed_at,
		       group_details_count, group_details_changed_at,
		       comment_count, comment_changed_at,
		       recent_changes
		FROM change_tracking WHERE user_id = ? AND group_id = ?`,
		userID, groupID).
		Scan(&rec.ChangeVersion,
			&rec.Transactions.Count, &txAt,
			&rec.Balances.Count, &balAt,
			&rec.GroupDetails.Count, &detAt,
			&rec.Comments.Count, &comAt,
			&ring)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read change record: %w", err)
	}

	if txAt.Valid {
		rec.Transactions.LastChangedAt = txAt.Time
	}
	if balAt.Valid {
		rec.Balances.LastChangedAt = balAt.Time
	}
	if detAt.Valid {
		rec.GroupDetails.LastChangedAt = detAt.Time
	}
	if comAt.Valid {
		rec.Comments.LastChangedAt = comAt.Time
	}
	if err := json.Unmarshal([]byte(ring), &rec.Recent); err != nil {
		return nil, fmt.Errorf("unmarshal recent changes: %w", err)
	}
	return rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
