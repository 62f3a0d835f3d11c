// Package storage is the authoritative ledger store. It persists expenses,
// settlements, group membership and change-tracking records in SQLite, and
// offers per-record compare-and-swap writes keyed on a version column.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"splitledger/internal/core"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection turns
	// would-be SQLITE_BUSY errors into queueing.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

type splitRecord struct {
	MemberID    string `json:"member_id"`
	AmountCents int64  `json:"amount_cents"`
}

func marshalSplits(splits []core.Split) (string, error) {
	records := make([]splitRecord, len(splits))
	for i, s := range splits {
		records[i] = splitRecord{MemberID: s.MemberID, AmountCents: s.Amount.Cents}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal splits: %w", err)
	}
	return string(raw), nil
}

func unmarshalSplits(raw string) ([]core.Split, error) {
	var records []splitRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("unmarshal splits: %w", err)
	}
	splits := make([]core.Split, len(records))
	for i, rec := range records {
		splits[i] = core.Split{MemberID: rec.MemberID, Amount: core.Money{Cents: rec.AmountCents}}
	}
	return splits, nil
}

// --- groups and members ---

func (r *SQLiteRepository) CreateGroup(ctx context.Context, g *core.Group) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, created_at) VALUES (?, ?, ?)`,
		g.ID, g.Name, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetGroup(ctx context.Context, id string) (*core.Group, error) {
	var g core.Group
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

func (r *SQLiteRepository) ListGroups(ctx context.Context) ([]core.Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, created_at FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []core.Group
	for rows.Next() {
		var g core.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AddMember joins a member to a group. Re-adding a removed member revives the
// existing row instead of failing.
func (r *SQLiteRepository) AddMember(ctx context.Context, groupID string, m *core.Member) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, member_id, display_name, group_alias, theme, joined_at, removed_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (group_id, member_id) DO UPDATE SET
			display_name = excluded.display_name,
			group_alias  = excluded.group_alias,
			theme        = excluded.theme,
			removed_at   = NULL`,
		groupID, m.ID, m.DisplayName, m.GroupAlias, m.Theme, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RemoveMember(ctx context.Context, groupID, memberID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE group_members SET removed_at = ? WHERE group_id = ? AND member_id = ? AND removed_at IS NULL`,
		time.Now().UTC(), groupID, memberID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("member %s in group %s: %w", memberID, groupID, core.ErrNotFound)
	}
	return nil
}

// ListMembers returns every member ever joined to the group, removed ones
// included, ordered by member ID. Callers filter on Active as needed.
func (r *SQLiteRepository) ListMembers(ctx context.Context, groupID string) ([]core.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT member_id, display_name, group_alias, theme, joined_at, removed_at
		FROM group_members WHERE group_id = ? ORDER BY member_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []core.Member
	for rows.Next() {
		var m core.Member
		var removedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.DisplayName, &m.GroupAlias, &m.Theme, &m.JoinedAt, &removedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if removedAt.Valid {
			t := removedAt.Time
			m.RemovedAt = &t
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// --- expenses ---

func (r *SQLiteRepository) CreateExpense(ctx context.Context, e *core.Expense) error {
	splits, err := marshalSplits(e.Splits)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO expenses (id, group_id, description, amount_cents, currency, paid_by, split_type, splits, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, e.Description, e.Amount.Cents, e.Currency, e.PaidBy,
		string(e.SplitType), splits, e.Version, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved",
		"expense_id", e.ID,
		"group_id", e.GroupID,
		"amount_cents", e.Amount.Cents,
		"currency", e.Currency)
	return nil
}

const expenseColumns = `id, group_id, description, amount_cents, currency, paid_by, split_type, splits, version, created_at, updated_at`

func scanExpense(row interface{ Scan(...any) error }) (*core.Expense, error) {
	var e core.Expense
	var splitType, splits string
	err := row.Scan(&e.ID, &e.GroupID, &e.Description, &e.Amount.Cents, &e.Currency,
		&e.PaidBy, &splitType, &splits, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.SplitType = core.SplitType(splitType)
	e.Splits, err = unmarshalSplits(splits)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *SQLiteRepository) GetExpense(ctx context.Context, id string) (*core.Expense, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE id = ? AND deleted_at IS NULL`, id)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get expense: %w", err)
	}
	return e, nil
}

// UpdateExpenseIfVersion writes the expense atomically if the stored version
// still equals expectedVersion, bumping the version stamp. A concurrent
// writer that committed first makes this return core.ErrVersionConflict with
// no side effects.
func (r *SQLiteRepository) UpdateExpenseIfVersion(ctx context.Context, e *core.Expense, expectedVersion int64) (*core.Expense, error) {
	splits, err := marshalSplits(e.Splits)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM expenses WHERE id = ? AND deleted_at IS NULL`, e.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expense %s: %w", e.ID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("expense %s at version %d, expected %d: %w",
			e.ID, current, expectedVersion, core.ErrVersionConflict)
	}

	updated := e.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE expenses
		SET description = ?, amount_cents = ?, currency = ?, paid_by = ?,
		    split_type = ?, splits = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		updated.Description, updated.Amount.Cents, updated.Currency, updated.PaidBy,
		string(updated.SplitType), splits, updated.Version, updated.UpdatedAt,
		updated.ID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update expense: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update expense: %w", err)
	}
	if affected != 1 {
		return nil, fmt.Errorf("expense %s: %w", e.ID, core.ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

// DeleteExpenseIfVersion soft deletes under the same version check.
func (r *SQLiteRepository) DeleteExpenseIfVersion(ctx context.Context, id string, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE expenses SET deleted_at = ? WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a stale version from a missing record.
	var exists int
	err = r.db.QueryRowContext(ctx,
		`SELECT 1 FROM expenses WHERE id = ? AND deleted_at IS NULL`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	return fmt.Errorf("expense %s: %w", id, core.ErrVersionConflict)
}

func (r *SQLiteRepository) ListExpensesByGroup(ctx context.Context, groupID string) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+expenseColumns+` FROM expenses
		 WHERE group_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, *e)
	}
	return expenses, rows.Err()
}

// --- settlements ---

func (r *SQLiteRepository) CreateSettlement(ctx context.Context, s *core.Settlement) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settlements (id, group_id, paid_by, paid_to, amount_cents, currency, settled_on, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.GroupID, s.PaidBy, s.PaidTo, s.Amount.Cents, s.Currency,
		s.SettledOn, s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create settlement: %w", err)
	}
	return nil
}

const settlementColumns = `id, group_id, paid_by, paid_to, amount_cents, currency, settled_on, version, created_at, updated_at`

func scanSettlement(row interface{ Scan(...any) error }) (*core.Settlement, error) {
	var s core.Settlement
	err := row.Scan(&s.ID, &s.GroupID, &s.PaidBy, &s.PaidTo, &s.Amount.Cents,
		&s.Currency, &s.SettledOn, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SQLiteRepository) GetSettlement(ctx context.Context, id string) (*core.Settlement, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = ? AND deleted_at IS NULL`, id)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) UpdateSettlementIfVersion(ctx context.Context, s *core.Settlement, expectedVersion int64) (*core.Settlement, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM settlements WHERE id = ? AND deleted_at IS NULL`, s.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s: %w", s.ID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("settlement %s at version %d, expected %d: %w",
			s.ID, current, expectedVersion, core.ErrVersionConflict)
	}

	updated := s.Clone()
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE settlements
		SET paid_by = ?, paid_to = ?, amount_cents = ?, currency = ?,
		    settled_on = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		updated.PaidBy, updated.PaidTo, updated.Amount.Cents, updated.Currency,
		updated.SettledOn, updated.Version, updated.UpdatedAt,
		updated.ID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update settlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update settlement: %w", err)
	}
	if affected != 1 {
		return nil, fmt.Errorf("settlement %s: %w", s.ID, core.ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return updated, nil
}

func (r *SQLiteRepository) DeleteSettlementIfVersion(ctx context.Context, id string, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE settlements SET deleted_at = ? WHERE id = ? AND version = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("delete settlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete settlement: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx,
		`SELECT 1 FROM settlements WHERE id = ? AND deleted_at IS NULL`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("settlement %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete settlement: %w", err)
	}
	return fmt.Errorf("settlement %s: %w", id, core.ErrVersionConflict)
}

func (r *SQLiteRepository) ListSettlementsByGroup(ctx context.Context, groupID string) ([]core.Settlement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE group_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []core.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		settlements = append(settlements, *s)
	}
	return settlements, rows.Err()
}

// LoadLedger reads the full live snapshot for a group in one call. It is the
// input to balance computation.
func (r *SQLiteRepository) LoadLedger(ctx context.Context, groupID string) ([]core.Expense, []core.Settlement, error) {
	expenses, err := r.ListExpensesByGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	settlements, err := r.ListSettlementsByGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	return expenses, settlements, nil
}
