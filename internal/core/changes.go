package core

import "time"

// Change categories mirror the kinds of derived state a client may need to
// re-fetch. They are a closed set on purpose: counters live in fixed struct
// fields so "counters never decrease" stays mechanically checkable.
const (
	ChangeTransactions ChangeCategory = "transactions"
	ChangeBalances     ChangeCategory = "balances"
	ChangeGroupDetails ChangeCategory = "group_details"
	ChangeComments     ChangeCategory = "comments"
)

// RecentChangesLimit bounds the diagnostic ring of recent change entries.
const RecentChangesLimit = 20

type (
	ChangeCategory string

	CategoryCounter struct {
		Count         int64     `json:"count"`
		LastChangedAt time.Time `json:"last_changed_at"`
	}

	ChangeEntry struct {
		Category ChangeCategory `json:"category"`
		At       time.Time      `json:"at"`
	}

	// ChangeTrackingRecord is the persisted per-(user, group) change state.
	// It is mutated only by the notification tracker; every other component
	// reads it. ChangeVersion increases by exactly one per persisted flush.
	ChangeTrackingRecord struct {
		UserID        string          `json:"user_id"`
		GroupID       string          `json:"group_id"`
		ChangeVersion int64           `json:"change_version"`
		Transactions  CategoryCounter `json:"transactions"`
		Balances      CategoryCounter `json:"balances"`
		GroupDetails  CategoryCounter `json:"group_details"`
		Comments      CategoryCounter `json:"comments"`
		Recent        []ChangeEntry   `json:"recent"`
	}

	// ChangeDelta accumulates increments between tracker flushes.
	ChangeDelta struct {
		Transactions int64
		Balances     int64
		GroupDetails int64
		Comments     int64
		Entries      []ChangeEntry
	}
)

// Add records one increment for the category at the given time. Unknown
// categories are ignored rather than corrupting the record.
func (d *ChangeDelta) Add(category ChangeCategory, at time.Time) {
	switch category {
	case ChangeTransactions:
		d.Transactions++
	case ChangeBalances:
		d.Balances++
	case ChangeGroupDetails:
		d.GroupDetails++
	case ChangeComments:
		d.Comments++
	default:
		return
	}
	d.Entries = append(d.Entries, ChangeEntry{Category: category, At: at})
	if len(d.Entries) > RecentChangesLimit {
		d.Entries = d.Entries[len(d.Entries)-RecentChangesLimit:]
	}
}

// Total is the number of increments accumulated across all categories.
func (d ChangeDelta) Total() int64 {
	return d.Transactions + d.Balances + d.GroupDetails + d.Comments
}

// Apply folds the delta into the record: bumps the change version once,
// raises the touched counters and timestamps, and trims the recent ring.
// Counters only ever grow.
func (r *ChangeTrackingRecord) Apply(delta ChangeDelta, at time.Time) {
	if delta.Total() == 0 {
		return
	}
	r.ChangeVersion++
	bump := func(c *CategoryCounter, n int64) {
		if n <= 0 {
			return
		}
		c.Count += n
		c.LastChangedAt = at
	}
	bump(&r.Transactions, delta.Transactions)
	bump(&r.Balances, delta.Balances)
	bump(&r.GroupDetails, delta.GroupDetails)
	bump(&r.Comments, delta.Comments)

	r.Recent = append(r.Recent, delta.Entries...)
	if len(r.Recent) > RecentChangesLimit {
		r.Recent = r.Recent[len(r.Recent)-RecentChangesLimit:]
	}
}

// Counter returns the counter for a category, nil for unknown categories.
func (r *ChangeTrackingRecord) Counter(category ChangeCategory) *CategoryCounter {
	switch category {
	case ChangeTransactions:
		return &r.Transactions
	case ChangeBalances:
		return &r.Balances
	case ChangeGroupDetails:
		return &r.GroupDetails
	case ChangeComments:
		return &r.Comments
	}
	return nil
}
