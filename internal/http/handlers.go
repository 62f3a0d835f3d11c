package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"splitledger/internal/core"
	"splitledger/internal/log"
	"splitledger/internal/services"
)

// LedgerAPI is the service surface the handlers need. Satisfied by
// services.LedgerService.
type LedgerAPI interface {
	CreateGroup(ctx context.Context, name string) (*core.Group, error)
	GetGroup(ctx context.Context, id string) (*core.Group, error)
	AddMember(ctx context.Context, groupID string, req services.AddMemberRequest) (*core.Member, error)
	RemoveMember(ctx context.Context, groupID, memberID string) error
	ListMembers(ctx context.Context, groupID string) ([]core.Member, error)

	CreateExpense(ctx context.Context, req services.CreateExpenseRequest) (*core.Expense, error)
	GetExpense(ctx context.Context, id string) (*core.Expense, error)
	ListExpenses(ctx context.Context, groupID string) ([]core.Expense, error)
	UpdateExpense(ctx context.Context, id string, expectedVersion int64, req services.UpdateExpenseRequest) (*core.Expense, error)
	DeleteExpense(ctx context.Context, id string, expectedVersion int64) error

	CreateSettlement(ctx context.Context, req services.CreateSettlementRequest) (*core.Settlement, error)
	UpdateSettlement(ctx context.Context, id string, expectedVersion int64, req services.UpdateSettlementRequest) (*core.Settlement, error)
	DeleteSettlement(ctx context.Context, id string, expectedVersion int64) error

	GetGroupBalances(ctx context.Context, groupID string) (core.BalanceSet, error)
	GetSimplifiedDebts(ctx context.Context, groupID, currency string) ([]core.SimplifiedDebt, error)
	GetChangeRecord(ctx context.Context, userID, groupID string) (*core.ChangeTrackingRecord, error)
}

// --- wire types ---

type participantPayload struct {
	MemberID    string `json:"member_id"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	BasisPoints int64  `json:"basis_points,omitempty"`
}

type expensePayload struct {
	Description  string               `json:"description"`
	AmountCents  int64                `json:"amount_cents"`
	Currency     string               `json:"currency"`
	PaidBy       string               `json:"paid_by"`
	SplitType    string               `json:"split_type"`
	Participants []participantPayload `json:"participants"`
	Version      int64                `json:"version,omitempty"`
}

type settlementPayload struct {
	PaidBy      string     `json:"paid_by"`
	PaidTo      string     `json:"paid_to"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	SettledOn   *time.Time `json:"settled_on,omitempty"`
	Version     int64      `json:"version,omitempty"`
}

type expenseResponse struct {
	ID          string               `json:"id"`
	GroupID     string               `json:"group_id"`
	Description string               `json:"description"`
	AmountCents int64                `json:"amount_cents"`
	Currency    string               `json:"currency"`
	PaidBy      string               `json:"paid_by"`
	SplitType   string               `json:"split_type"`
	Splits      []participantPayload `json:"splits"`
	Version     int64                `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type settlementResponse struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	PaidBy      string    `json:"paid_by"`
	PaidTo      string    `json:"paid_to"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	SettledOn   time.Time `json:"settled_on"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type memberResponse struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	GroupAlias  string     `json:"group_alias,omitempty"`
	Theme       string     `json:"theme,omitempty"`
	JoinedAt    time.Time  `json:"joined_at"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
}

type debtResponse struct {
	FromMemberID string `json:"from_member_id"`
	ToMemberID   string `json:"to_member_id"`
	AmountCents  int64  `json:"amount_cents"`
	Currency     string `json:"currency"`
}

func toExpenseResponse(e *core.Expense) expenseResponse {
	splits := make([]participantPayload, len(e.Splits))
	for i, sp := range e.Splits {
		splits[i] = participantPayload{MemberID: sp.MemberID, AmountCents: sp.Amount.Cents}
	}
	return expenseResponse{
		ID:          e.ID,
		GroupID:     e.GroupID,
		Description: e.Description,
		AmountCents: e.Amount.Cents,
		Currency:    e.Currency,
		PaidBy:      e.PaidBy,
		SplitType:   string(e.SplitType),
		Splits:      splits,
		Version:     e.Version,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toSettlementResponse(st *core.Settlement) settlementResponse {
	return settlementResponse{
		ID:          st.ID,
		GroupID:     st.GroupID,
		PaidBy:      st.PaidBy,
		PaidTo:      st.PaidTo,
		AmountCents: st.Amount.Cents,
		Currency:    st.Currency,
		SettledOn:   st.SettledOn,
		Version:     st.Version,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}

func toMemberResponse(m core.Member) memberResponse {
	return memberResponse{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		GroupAlias:  m.GroupAlias,
		Theme:       m.Theme,
		JoinedAt:    m.JoinedAt,
		RemovedAt:   m.RemovedAt,
	}
}

func toParticipants(in []participantPayload) []services.ParticipantShare {
	out := make([]services.ParticipantShare, len(in))
	for i, p := range in {
		out[i] = services.ParticipantShare{
			MemberID:    p.MemberID,
			AmountCents: p.AmountCents,
			BasisPoints: p.BasisPoints,
		}
	}
	return out
}

// --- response helpers ---

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrEmptyDescription),
		errors.Is(err, core.ErrInvalidCurrency),
		errors.Is(err, core.ErrEmptyGroup),
		errors.Is(err, core.ErrEmptyMember),
		errors.Is(err, core.ErrNoParticipants),
		errors.Is(err, core.ErrDuplicateMember),
		errors.Is(err, core.ErrUnknownMember),
		errors.Is(err, core.ErrInvalidSplitType),
		errors.Is(err, core.ErrSplitMismatch),
		errors.Is(err, core.ErrSelfSettlement),
		errors.Is(err, core.ErrBadPercentTotal),
		errors.Is(err, core.ErrNegativeShare),
		errors.Is(err, core.ErrUnbalanced):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

// versionParam reads the expected record version from body value or the
// "version" query parameter.
func versionParam(r *http.Request, bodyVersion int64) int64 {
	if bodyVersion > 0 {
		return bodyVersion
	}
	if v := r.URL.Query().Get("version"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// --- groups and members ---

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.service.CreateGroup(r.Context(), req.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"id":         g.ID,
		"name":       g.Name,
		"created_at": g.CreatedAt,
	})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	g, err := s.service.GetGroup(r.Context(), groupID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	members, err := s.service.ListMembers(r.Context(), groupID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]memberResponse, len(members))
	for i, m := range members {
		out[i] = toMemberResponse(m)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":         g.ID,
		"name":       g.Name,
		"created_at": g.CreatedAt,
		"members":    out,
	})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.service.ListMembers(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]memberResponse, len(members))
	for i, m := range members {
		out[i] = toMemberResponse(m)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID    string `json:"member_id"`
		DisplayName string `json:"display_name"`
		GroupAlias  string `json:"group_alias"`
		Theme       string `json:"theme"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := s.service.AddMember(r.Context(), chi.URLParam(r, "groupID"), services.AddMemberRequest{
		MemberID:    req.MemberID,
		DisplayName: req.DisplayName,
		GroupAlias:  req.GroupAlias,
		Theme:       req.Theme,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toMemberResponse(*m))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := s.service.RemoveMember(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "memberID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- expenses ---

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req expensePayload
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.service.CreateExpense(r.Context(), services.CreateExpenseRequest{
		GroupID:      chi.URLParam(r, "groupID"),
		Description:  req.Description,
		AmountCents:  req.AmountCents,
		Currency:     req.Currency,
		PaidBy:       req.PaidBy,
		SplitType:    core.SplitType(req.SplitType),
		Participants: toParticipants(req.Participants),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toExpenseResponse(e))
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.service.GetExpense(r.Context(), chi.URLParam(r, "expenseID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toExpenseResponse(e))
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.service.ListExpenses(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]expenseResponse, len(expenses))
	for i := range expenses {
		out[i] = toExpenseResponse(&expenses[i])
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var req expensePayload
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := s.service.UpdateExpense(r.Context(), chi.URLParam(r, "expenseID"), versionParam(r, req.Version), services.UpdateExpenseRequest{
		Description:  req.Description,
		AmountCents:  req.AmountCents,
		Currency:     req.Currency,
		PaidBy:       req.PaidBy,
		SplitType:    core.SplitType(req.SplitType),
		Participants: toParticipants(req.Participants),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toExpenseResponse(e))
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteExpense(r.Context(), chi.URLParam(r, "expenseID"), versionParam(r, 0)); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- settlements ---

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req settlementPayload
	if !decodeBody(w, r, &req) {
		return
	}
	in := services.CreateSettlementRequest{
		GroupID:     chi.URLParam(r, "groupID"),
		PaidBy:      req.PaidBy,
		PaidTo:      req.PaidTo,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	}
	if req.SettledOn != nil {
		in.SettledOn = *req.SettledOn
	}
	st, err := s.service.CreateSettlement(r.Context(), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toSettlementResponse(st))
}

func (s *Server) handleUpdateSettlement(w http.ResponseWriter, r *http.Request) {
	var req settlementPayload
	if !decodeBody(w, r, &req) {
		return
	}
	in := services.UpdateSettlementRequest{
		PaidBy:      req.PaidBy,
		PaidTo:      req.PaidTo,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	}
	if req.SettledOn != nil {
		in.SettledOn = *req.SettledOn
	}
	st, err := s.service.UpdateSettlement(r.Context(), chi.URLParam(r, "settlementID"), versionParam(r, req.Version), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toSettlementResponse(st))
}

func (s *Server) handleDeleteSettlement(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSettlement(r.Context(), chi.URLParam(r, "settlementID"), versionParam(r, 0)); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- queries ---

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.service.GetGroupBalances(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, balances)
}

func (s *Server) handleGetSimplifiedDebts(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	debts, err := s.service.GetSimplifiedDebts(r.Context(), chi.URLParam(r, "groupID"), currency)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]debtResponse, len(debts))
	for i, d := range debts {
		out[i] = debtResponse{
			FromMemberID: d.FromMemberID,
			ToMemberID:   d.ToMemberID,
			AmountCents:  d.Amount.Cents,
			Currency:     d.Currency,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetChangeRecord(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user query parameter"})
		return
	}
	rec, err := s.service.GetChangeRecord(r.Context(), userID, chi.URLParam(r, "groupID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
