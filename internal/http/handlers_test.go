package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/log"
	"splitledger/internal/services"
	"splitledger/internal/storage/memory"
	"splitledger/internal/tracker"
)

type testEnv struct {
	ts *httptest.Server
	tr *tracker.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	tr := tracker.New(store, nil, 30*time.Millisecond)
	t.Cleanup(tr.Close)

	service := services.NewLedgerService(store, tr)
	logger := log.New(log.DefaultConfig())
	srv := NewServer(":0", service, logger)

	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, tr: tr}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func (e *testEnv) setupGroup(t *testing.T, memberIDs ...string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/groups", map[string]string{"name": "trip"})
	if status != http.StatusCreated {
		t.Fatalf("create group: status %d, body %s", status, body)
	}
	var g struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &g); err != nil || g.ID == "" {
		t.Fatalf("parse group response %s: %v", body, err)
	}
	for _, id := range memberIDs {
		status, body := e.do(t, http.MethodPost, "/api/groups/"+g.ID+"/members", map[string]string{
			"member_id":    id,
			"display_name": "member " + id,
		})
		if status != http.StatusCreated {
			t.Fatalf("add member %s: status %d, body %s", id, status, body)
		}
	}
	return g.ID
}

func TestExpenseLifecycle(t *testing.T) {
	env := newTestEnv(t)
	groupID := env.setupGroup(t, "alice", "bob", "carol")

	status, body := env.do(t, http.MethodPost, "/api/groups/"+groupID+"/expenses", expensePayload{
		Description: "dinner",
		AmountCents: 10000,
		Currency:    "EUR",
		PaidBy:      "alice",
		SplitType:   "equal",
		Participants: []participantPayload{
			{MemberID: "alice"}, {MemberID: "bob"}, {MemberID: "carol"},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("create expense: status %d, body %s", status, body)
	}
	var created expenseResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("parse expense: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("new expense version = %d, want 1", created.Version)
	}
	if len(created.Splits) != 3 || created.Splits[0].AmountCents != 3334 {
		t.Errorf("splits = %+v, want first member carrying the remainder cent", created.Splits)
	}

	// Balances reflect the expense.
	status, body = env.do(t, http.MethodGet, "/api/groups/"+groupID+"/balances", nil)
	if status != http.StatusOK {
		t.Fatalf("get balances: status %d, body %s", status, body)
	}
	var balances map[string]map[string]int64
	if err := json.Unmarshal(body, &balances); err != nil {
		t.Fatalf("parse balances: %v", err)
	}
	if balances["EUR"]["alice"] != 6666 {
		t.Errorf("alice balance = %d, want 6666", balances["EUR"]["alice"])
	}

	// Update rewrites amount and splits at the expected version.
	status, body = env.do(t, http.MethodPut, "/api/expenses/"+created.ID, expensePayload{
		Description: "dinner and drinks",
		AmountCents: 12000,
		Currency:    "EUR",
		PaidBy:      "alice",
		SplitType:   "equal",
		Participants: []participantPayload{
			{MemberID: "alice"}, {MemberID: "bob"}, {MemberID: "carol"},
		},
		Version: 1,
	})
	if status != http.StatusOK {
		t.Fatalf("update expense: status %d, body %s", status, body)
	}
	var updated expenseResponse
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("parse updated expense: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("updated version = %d, want 2", updated.Version)
	}
	if updated.AmountCents != 12000 {
		t.Errorf("updated amount = %d, want 12000", updated.AmountCents)
	}

	// Delete at the new version.
	status, body = env.do(t, http.MethodDelete, fmt.Sprintf("/api/expenses/%s?version=%d", created.ID, updated.Version), nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete expense: status %d, body %s", status, body)
	}
	status, _ = env.do(t, http.MethodGet, "/api/expenses/"+created.ID, nil)
	if status != http.StatusNotFound {
		t.Errorf("get deleted expense: status %d, want 404", status)
	}
}

func TestSimplifiedDebtsAndSettlement(t *testing.T) {
	env := newTestEnv(t)
	groupID := env.setupGroup(t, "alice", "bob", "carol")

	env.do(t, http.MethodPost, "/api/groups/"+groupID+"/expenses", expensePayload{
		Description: "hotel",
		AmountCents: 9000,
		Currency:    "EUR",
		PaidBy:      "alice",
		SplitType:   "equal",
		Participants: []participantPayload{
			{MemberID: "alice"}, {MemberID: "bob"}, {MemberID: "carol"},
		},
	})

	status, body := env.do(t, http.MethodGet, "/api/groups/"+groupID+"/debts?currency=EUR", nil)
	if status != http.StatusOK {
		t.Fatalf("get debts: status %d, body %s", status, body)
	}
	var debts []debtResponse
	if err := json.Unmarshal(body, &debts); err != nil {
		t.Fatalf("parse debts: %v", err)
	}
	if len(debts) != 2 {
		t.Fatalf("debts = %+v, want 2 payments", debts)
	}
	for _, d := range debts {
		if d.ToMemberID != "alice" || d.AmountCents != 3000 {
			t.Errorf("debt %+v, want 3000 cents owed to alice", d)
		}
	}

	// Recording one debt as a settlement clears it from the balances.
	status, body = env.do(t, http.MethodPost, "/api/groups/"+groupID+"/settlements", settlementPayload{
		PaidBy:      "bob",
		PaidTo:      "alice",
		AmountCents: 3000,
		Currency:    "EUR",
	})
	if status != http.StatusCreated {
		t.Fatalf("create settlement: status %d, body %s", status, body)
	}

	status, body = env.do(t, http.MethodGet, "/api/groups/"+groupID+"/debts?currency=EUR", nil)
	if status != http.StatusOK {
		t.Fatalf("get debts after settlement: status %d", status)
	}
	if err := json.Unmarshal(body, &debts); err != nil {
		t.Fatalf("parse debts: %v", err)
	}
	if len(debts) != 1 || debts[0].FromMemberID != "carol" {
		t.Errorf("debts after settlement = %+v, want only carol owing", debts)
	}
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	groupID := env.setupGroup(t, "alice", "bob")

	tests := []struct {
		name    string
		payload expensePayload
		want    int
	}{
		{
			name: "unknown payer",
			payload: expensePayload{
				Description:  "x",
				AmountCents:  100,
				Currency:     "EUR",
				PaidBy:       "mallory",
				SplitType:    "equal",
				Participants: []participantPayload{{MemberID: "alice"}, {MemberID: "bob"}},
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "invalid split type",
			payload: expensePayload{
				Description:  "x",
				AmountCents:  100,
				Currency:     "EUR",
				PaidBy:       "alice",
				SplitType:    "by_vibes",
				Participants: []participantPayload{{MemberID: "alice"}},
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "exact splits not summing to total",
			payload: expensePayload{
				Description: "x",
				AmountCents: 100,
				Currency:    "EUR",
				PaidBy:      "alice",
				SplitType:   "exact",
				Participants: []participantPayload{
					{MemberID: "alice", AmountCents: 10},
					{MemberID: "bob", AmountCents: 10},
				},
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "negative amount",
			payload: expensePayload{
				Description:  "x",
				AmountCents:  -5,
				Currency:     "EUR",
				PaidBy:       "alice",
				SplitType:    "equal",
				Participants: []participantPayload{{MemberID: "alice"}},
			},
			want: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/api/groups/"+groupID+"/expenses", tt.payload)
			if status != tt.want {
				t.Errorf("status = %d, want %d (body %s)", status, tt.want, body)
			}
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(env.ts.URL+"/api/groups/"+groupID+"/expenses", "application/json", bytes.NewReader([]byte("{not json")))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("missing expense is 404", func(t *testing.T) {
		status, _ := env.do(t, http.MethodGet, "/api/expenses/nope", nil)
		if status != http.StatusNotFound {
			t.Errorf("status = %d, want 404", status)
		}
	})
}

func TestChangeRecordEndpoint(t *testing.T) {
	env := newTestEnv(t)
	groupID := env.setupGroup(t, "alice", "bob")

	status, _ := env.do(t, http.MethodGet, "/api/groups/"+groupID+"/changes", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("changes without user: status %d, want 400", status)
	}

	env.do(t, http.MethodPost, "/api/groups/"+groupID+"/expenses", expensePayload{
		Description:  "coffee",
		AmountCents:  400,
		Currency:     "EUR",
		PaidBy:       "alice",
		SplitType:    "equal",
		Participants: []participantPayload{{MemberID: "alice"}, {MemberID: "bob"}},
	})

	// The tracker flushes after its quiet window; poll until the record lands.
	deadline := time.Now().Add(2 * time.Second)
	var rec core.ChangeTrackingRecord
	for time.Now().Before(deadline) {
		_, body := env.do(t, http.MethodGet, "/api/groups/"+groupID+"/changes?user=bob", nil)
		if err := json.Unmarshal(body, &rec); err == nil && rec.ChangeVersion > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.ChangeVersion != 1 {
		t.Fatalf("change version = %d, want 1", rec.ChangeVersion)
	}
	if rec.Transactions.Count != 1 || rec.Balances.Count != 1 {
		t.Errorf("record = %+v, want one transaction and one balance increment", rec)
	}
}
