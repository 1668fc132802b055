package repository

import (
	"slices"
	"time"
)

// ── Delegation ───────────────────────────────────────────────────────────────

// DelegationStatus is the handshake state of a temporary-approver assignment.
// The zero value is a record with no recorded status; it is treated like a
// pending offer.
type DelegationStatus string

const (
	DelegationUnset    DelegationStatus = ""
	DelegationPending  DelegationStatus = "pending"
	DelegationAccepted DelegationStatus = "accepted"
	DelegationRejected DelegationStatus = "rejected"
)

// Delegation is a time-bounded temporary-approver assignment for a project.
type Delegation struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id"`
	ApproverID      string           `json:"approver_id"`
	ApproverName    string           `json:"approver_name"`
	ApproverPhone   string           `json:"approver_phone"`
	AssignedDate    time.Time        `json:"assigned_date"`
	StartDate       time.Time        `json:"start_date"`
	ExpiringDate    *time.Time       `json:"expiring_date,omitempty"`    // nil = no expiry
	Status          DelegationStatus `json:"status"`
	IsActive        bool             `json:"is_active"`
	AssignedBy      string           `json:"assigned_by"`
	AssignedByName  string           `json:"assigned_by_name"`
	ResponseMessage *string          `json:"response_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// IsExpired reports whether the expiry has passed at now.
func (d *Delegation) IsExpired(now time.Time) bool {
	return d.ExpiringDate != nil && now.After(*d.ExpiringDate)
}

// AwaitingResponse reports whether the delegate has not answered yet.
func (d *Delegation) AwaitingResponse() bool {
	return d.Status == DelegationPending || d.Status == DelegationUnset
}

// IsCurrent reports whether the record grants approval authority at now.
func (d *Delegation) IsCurrent(now time.Time) bool {
	return d.Status == DelegationAccepted && d.IsActive && !d.IsExpired(now)
}

// Recipient is the identity used to reach the delegate: the user id when
// known, otherwise the phone.
func (d *Delegation) Recipient() string {
	if d.ApproverID != "" {
		return d.ApproverID
	}
	return d.ApproverPhone
}

// DelegationAuditEntry is one immutable record in the delegation audit log.
type DelegationAuditEntry struct {
	ID           string                 `json:"id"`
	DelegationID string                 `json:"delegation_id"`
	ProjectID    string                 `json:"project_id"`
	Action       string                 `json:"action"`             // assigned | accepted | rejected | deactivated | updated | removed | expired
	PerformedBy  string                 `json:"performed_by"`
	PerformedAt  time.Time              `json:"performed_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ── Project ──────────────────────────────────────────────────────────────────

// Project carries the static approver roster and the cached delegate pointer.
type Project struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	ApproverIDs            []string  `json:"approver_ids"`
	ProductionHeadIDs      []string  `json:"production_head_ids"`
	ManagerID              *string   `json:"manager_id,omitempty"`
	TeamMembers            []string  `json:"team_members"`
	TemporaryApproverPhone *string   `json:"temporary_approver_phone,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// CachedDelegatePhone returns the cached delegate pointer, or "".
func (p *Project) CachedDelegatePhone() string {
	if p.TemporaryApproverPhone == nil {
		return ""
	}
	return *p.TemporaryApproverPhone
}

// ── Expense & thread ─────────────────────────────────────────────────────────

// Expense status values.
const (
	ExpenseDraft     = "draft"
	ExpenseSubmitted = "submitted"
	ExpenseApproved  = "approved"
	ExpenseRejected  = "rejected"
)

// Expense is the subject of an approval thread. Only the fields the routing
// core needs are modelled.
type Expense struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Title          string     `json:"title"`
	Amount         int64      `json:"amount"`                    // minor units
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	SubmittedBy    string     `json:"submitted_by"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	DecidedBy      *string    `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	DecisionReason *string    `json:"decision_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ApprovalThread is the per-expense discussion. Its id is derived from the
// expense id.
type ApprovalThread struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	ExpenseID     string         `json:"expense_id"`
	Members       []string       `json:"members"`
	UnreadCount   map[string]int `json:"unread_count"`
	LastMessage   *string        `json:"last_message,omitempty"`
	LastMessageBy *string        `json:"last_message_by,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ThreadIDForExpense derives the approval thread id for an expense.
func ThreadIDForExpense(expenseID string) string {
	return "expense_" + expenseID
}

// HasMember reports whether id is in the member list.
func (t *ApprovalThread) HasMember(id string) bool {
	return slices.Contains(t.Members, id)
}

// ThreadMessage is one posted message.
type ThreadMessage struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Notification ─────────────────────────────────────────────────────────────

// NotificationType enumerates the events that produce notifications.
type NotificationType string

const (
	NotifyMessagePosted      NotificationType = "message_posted"
	NotifyExpenseSubmitted   NotificationType = "expense_submitted"
	NotifyExpenseApproved    NotificationType = "expense_approved"
	NotifyExpenseRejected    NotificationType = "expense_rejected"
	NotifyDelegationAssigned NotificationType = "delegation_assigned"
	NotifyDelegationAccepted NotificationType = "delegation_accepted"
	NotifyDelegationRejected NotificationType = "delegation_rejected"
	NotifyDelegationChanged  NotificationType = "delegation_changed"
)

// Notification is created once per (event, recipient) pair. Only IsRead
// ever changes afterwards.
type Notification struct {
	ID          string           `json:"id"`
	EventID     string           `json:"event_id"`
	RecipientID string           `json:"recipient_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	ProjectID   string           `json:"project_id"`
	RelatedID   string           `json:"related_id"`
	IsRead      bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
}
