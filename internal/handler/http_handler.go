package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/clock"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

// UserHeader carries the caller's user id. Authentication happens upstream
// at the gateway.
const UserHeader = "X-User-ID"

// Delegations is the delegation lifecycle consumed by the transports.
type Delegations interface {
	Create(ctx context.Context, in service.CreateDelegationInput) (*repository.Delegation, error)
	Accept(ctx context.Context, projectID string, ref service.ApproverRef, message *string) (*repository.Delegation, error)
	Reject(ctx context.Context, projectID string, ref service.ApproverRef, message *string) (*repository.Delegation, error)
	Deactivate(ctx context.Context, projectID, delegationID, performedBy string) error
	Update(ctx context.Context, projectID string, in service.UpdateDelegationInput, changedBy string) (*repository.Delegation, error)
	Remove(ctx context.Context, projectID, delegationID, performedBy string) error
	RemoveByApproverID(ctx context.Context, projectID, approverID, performedBy string) (int64, error)
	List(ctx context.Context, projectID string) ([]*repository.Delegation, error)
	History(ctx context.Context, projectID string) ([]*repository.DelegationAuditEntry, error)
	Watch(ctx context.Context, projectID string) (<-chan []*repository.Delegation, error)
}

// Approvers resolves who may approve a project's expenses.
type Approvers interface {
	ResolveProject(ctx context.Context, projectID string, now time.Time) (service.IDSet, error)
}

// Sweeper deactivates expired delegations.
type Sweeper interface {
	Sweep(ctx context.Context, projectID string) (int, error)
	SweepAll(ctx context.Context) (int, error)
}

// Expenses drives expense events and approval threads.
type Expenses interface {
	Submit(ctx context.Context, expenseID, submitterID string) (*repository.Expense, error)
	Approve(ctx context.Context, expenseID, actorID string) (*repository.Expense, error)
	Reject(ctx context.Context, expenseID, actorID, reason string) (*repository.Expense, error)
	PostMessage(ctx context.Context, expenseID, senderID, body string) (*repository.ThreadMessage, error)
	MarkThreadRead(ctx context.Context, expenseID, userID string) error
	Thread(ctx context.Context, expenseID, viewerID string) (*repository.ApprovalThread, error)
	Messages(ctx context.Context, expenseID string, since *time.Time, limit int) ([]*repository.ThreadMessage, error)
}

// Inbox lists and acknowledges a user's notifications.
type Inbox interface {
	ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*repository.Notification, error)
	MarkRead(ctx context.Context, id, recipientID string) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	delegations Delegations
	approvers   Approvers
	sweeper     Sweeper
	expenses    Expenses
	inbox       Inbox
	clock       clock.Clock
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	delegations Delegations,
	approvers Approvers,
	sweeper Sweeper,
	expenses Expenses,
	inbox Inbox,
	clk clock.Clock,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		delegations: delegations,
		approvers:   approvers,
		sweeper:     sweeper,
		expenses:    expenses,
		inbox:       inbox,
		clock:       clk,
		log:         log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)

	mux.HandleFunc("/api/v1/delegations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListDelegations(w, r)
		case http.MethodPost:
			h.CreateDelegation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/delegations/accept", h.AcceptDelegation)
	mux.HandleFunc("/api/v1/delegations/reject", h.RejectDelegation)
	mux.HandleFunc("/api/v1/delegations/deactivate", h.DeactivateDelegation)
	mux.HandleFunc("/api/v1/delegations/update", h.UpdateDelegation)
	mux.HandleFunc("/api/v1/delegations/delete", h.DeleteDelegation)
	mux.HandleFunc("/api/v1/delegations/history", h.DelegationHistory)
	mux.HandleFunc("/api/v1/delegations/watch", h.WatchDelegations)
	mux.HandleFunc("/api/v1/delegations/sweep", h.SweepDelegations)

	mux.HandleFunc("/api/v1/approvers", h.ResolveApprovers)

	mux.HandleFunc("/api/v1/expenses/submit", h.SubmitExpense)
	mux.HandleFunc("/api/v1/expenses/approve", h.ApproveExpense)
	mux.HandleFunc("/api/v1/expenses/reject", h.RejectExpense)
	mux.HandleFunc("/api/v1/expenses/thread", h.GetThread)
	mux.HandleFunc("/api/v1/expenses/thread/read", h.MarkThreadRead)
	mux.HandleFunc("/api/v1/expenses/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListMessages(w, r)
		case http.MethodPost:
			h.PostMessage(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/notifications", h.ListNotifications)
	mux.HandleFunc("/api/v1/notifications/read", h.MarkNotificationRead)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Delegations ──────────────────────────────────────────────────────────────

type createDelegationRequest struct {
	ProjectID      string     `json:"project_id"`
	ApproverID     string     `json:"approver_id"`
	ApproverName   string     `json:"approver_name"`
	ApproverPhone  string     `json:"approver_phone"`
	StartDate      time.Time  `json:"start_date"`
	ExpiringDate   *time.Time `json:"expiring_date"`
	AssignedByName string     `json:"assigned_by_name"`
}

// CreateDelegation handles create delegation HTTP requests
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req createDelegationRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}

	d, err := h.delegations.Create(r.Context(), service.CreateDelegationInput{
		ProjectID:      req.ProjectID,
		ApproverID:     req.ApproverID,
		ApproverName:   req.ApproverName,
		ApproverPhone:  req.ApproverPhone,
		StartDate:      req.StartDate,
		ExpiringDate:   req.ExpiringDate,
		AssignedBy:     r.Header.Get(UserHeader),
		AssignedByName: req.AssignedByName,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ListDelegations handles list delegations HTTP requests
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireQuery(w, r, http.MethodGet, "project_id")
	if !ok {
		return
	}
	list, err := h.delegations.List(r.Context(), projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delegations": list})
}

type respondRequest struct {
	ProjectID  string  `json:"project_id"`
	ApproverID string  `json:"approver_id"`
	Message    *string `json:"message"`
}

// delegateRef answers for the caller only. An approver_id in the body must
// name the caller; offers recorded by phone are found through the caller's
// directory entry.
func delegateRef(callerID string, req respondRequest) (service.ApproverRef, error) {
	if callerID == "" {
		return service.ApproverRef{}, errors.New(errors.ErrCodeUnauthorized, "caller identity is required")
	}
	if req.ApproverID != "" && req.ApproverID != callerID {
		return service.ApproverRef{}, errors.New(errors.ErrCodeUnauthorized, "only the delegate can answer a delegation request")
	}
	return service.ByID(callerID), nil
}

// AcceptDelegation handles the caller's acceptance of a delegation offered to them
func (h *HTTPHandler) AcceptDelegation(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	ref, err := delegateRef(r.Header.Get(UserHeader), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.delegations.Accept(r.Context(), req.ProjectID, ref, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RejectDelegation handles the caller's rejection of a delegation offered to them
func (h *HTTPHandler) RejectDelegation(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	ref, err := delegateRef(r.Header.Get(UserHeader), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	d, err := h.delegations.Reject(r.Context(), req.ProjectID, ref, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type delegationIDRequest struct {
	ProjectID  string `json:"project_id"`
	ID         string `json:"id"`
	ApproverID string `json:"approver_id"`
}

// DeactivateDelegation handles deactivation by the assigner
func (h *HTTPHandler) DeactivateDelegation(w http.ResponseWriter, r *http.Request) {
	var req delegationIDRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	if err := h.delegations.Deactivate(r.Context(), req.ProjectID, req.ID, r.Header.Get(UserHeader)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateDelegationRequest struct {
	ProjectID     string     `json:"project_id"`
	ID            string     `json:"id"`
	ApproverID    string     `json:"approver_id"`
	ApproverName  string     `json:"approver_name"`
	ApproverPhone string     `json:"approver_phone"`
	StartDate     time.Time  `json:"start_date"`
	ExpiringDate  *time.Time `json:"expiring_date"`
}

// UpdateDelegation handles delegation edits
func (h *HTTPHandler) UpdateDelegation(w http.ResponseWriter, r *http.Request) {
	var req updateDelegationRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	d, err := h.delegations.Update(r.Context(), req.ProjectID, service.UpdateDelegationInput{
		ID:            req.ID,
		ApproverID:    req.ApproverID,
		ApproverName:  req.ApproverName,
		ApproverPhone: req.ApproverPhone,
		StartDate:     req.StartDate,
		ExpiringDate:  req.ExpiringDate,
	}, r.Header.Get(UserHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteDelegation removes one delegation by id, or every delegation of an
// approver when approver_id is given instead.
func (h *HTTPHandler) DeleteDelegation(w http.ResponseWriter, r *http.Request) {
	var req delegationIDRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	actor := r.Header.Get(UserHeader)

	if req.ID == "" && req.ApproverID != "" {
		n, err := h.delegations.RemoveByApproverID(r.Context(), req.ProjectID, req.ApproverID, actor)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
		return
	}

	if err := h.delegations.Remove(r.Context(), req.ProjectID, req.ID, actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": 1})
}

// DelegationHistory returns the audit trail
func (h *HTTPHandler) DelegationHistory(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireQuery(w, r, http.MethodGet, "project_id")
	if !ok {
		return
	}
	entries, err := h.delegations.History(r.Context(), projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// WatchDelegations streams the project's ledger as server-sent events, one
// "delegations" event per change.
func (h *HTTPHandler) WatchDelegations(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireQuery(w, r, http.MethodGet, "project_id")
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, err := h.delegations.Watch(r.Context(), projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for list := range updates {
		payload, err := json.Marshal(list)
		if err != nil {
			h.log.Error().Err(err).Str("project_id", projectID).Msg("Failed to encode delegation update")
			return
		}
		if _, err := fmt.Fprintf(w, "event: delegations\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// SweepDelegations deactivates expired delegations for one project, or for
// every project when project_id is omitted.
func (h *HTTPHandler) SweepDelegations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		n   int
		err error
	)
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		n, err = h.sweeper.Sweep(r.Context(), projectID)
	} else {
		n, err = h.sweeper.SweepAll(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deactivated": n})
}

// ResolveApprovers returns the project's current approver set.
func (h *HTTPHandler) ResolveApprovers(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireQuery(w, r, http.MethodGet, "project_id")
	if !ok {
		return
	}
	now := h.clock.Now()
	set, err := h.approvers.ResolveProject(r.Context(), projectID, now)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id":  projectID,
		"approvers":   set.Sorted(),
		"resolved_at": now,
	})
}

// ── Expenses ─────────────────────────────────────────────────────────────────

type expenseRequest struct {
	ExpenseID string `json:"expense_id"`
	Reason    string `json:"reason"`
	Body      string `json:"body"`
}

// SubmitExpense handles expense submission
func (h *HTTPHandler) SubmitExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	e, err := h.expenses.Submit(r.Context(), req.ExpenseID, r.Header.Get(UserHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ApproveExpense handles approval by a current approver
func (h *HTTPHandler) ApproveExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	e, err := h.expenses.Approve(r.Context(), req.ExpenseID, r.Header.Get(UserHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// RejectExpense handles rejection by a current approver
func (h *HTTPHandler) RejectExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	e, err := h.expenses.Reject(r.Context(), req.ExpenseID, r.Header.Get(UserHeader), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GetThread returns the approval thread for an expense
func (h *HTTPHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := requireQuery(w, r, http.MethodGet, "expense_id")
	if !ok {
		return
	}
	th, err := h.expenses.Thread(r.Context(), expenseID, r.Header.Get(UserHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

// MarkThreadRead resets the caller's unread counter
func (h *HTTPHandler) MarkThreadRead(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	if err := h.expenses.MarkThreadRead(r.Context(), req.ExpenseID, r.Header.Get(UserHeader)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages lists thread messages, optionally only those after since
func (h *HTTPHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	expenseID, ok := requireQuery(w, r, http.MethodGet, "expense_id")
	if !ok {
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = &t
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := h.expenses.Messages(r.Context(), expenseID, since, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// PostMessage appends a message to the approval thread
func (h *HTTPHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	msg, err := h.expenses.PostMessage(r.Context(), req.ExpenseID, r.Header.Get(UserHeader), req.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// ── Notifications ────────────────────────────────────────────────────────────

// ListNotifications lists the caller's notifications
func (h *HTTPHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recipient := r.Header.Get(UserHeader)
	if recipient == "" {
		http.Error(w, UserHeader+" header is required", http.StatusBadRequest)
		return
	}

	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread_only"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.inbox.ListForRecipient(r.Context(), recipient, unreadOnly, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": list})
}

// MarkNotificationRead flags one of the caller's notifications as read
func (h *HTTPHandler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decode(w, r, http.MethodPost, &req) {
		return
	}
	if err := h.inbox.MarkRead(r.Context(), req.ID, r.Header.Get(UserHeader)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, method string, dst interface{}) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireQuery(w http.ResponseWriter, r *http.Request, method, key string) (string, bool) {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		http.Error(w, key+" is required", http.StatusBadRequest)
		return "", false
	}
	return v, true
}

type errorResponse struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	resp := errorResponse{Code: errors.CodeOf(err), Message: err.Error()}

	var typed *errors.Error
	if errors.As(err, &typed) {
		resp.Message = typed.Message
		resp.Field = typed.Field
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
