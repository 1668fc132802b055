package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// DelegationRepository is the delegation ledger the services mutate.
// Implemented by *repository.DelegationRepository.
type DelegationRepository interface {
	Create(ctx context.Context, d *repository.Delegation) error
	GetByID(ctx context.Context, projectID, id string) (*repository.Delegation, error)
	ListByProject(ctx context.Context, projectID string) ([]*repository.Delegation, error)
	ListAcceptedActive(ctx context.Context, projectID string) ([]*repository.Delegation, error)
	FindByApproverID(ctx context.Context, projectID, approverID string) ([]*repository.Delegation, error)
	FindByApproverPhone(ctx context.Context, projectID, phone string) ([]*repository.Delegation, error)
	Accept(ctx context.Context, projectID, id string, message *string) (int64, error)
	Reject(ctx context.Context, projectID, id string, message *string) error
	Deactivate(ctx context.Context, projectID, id string) (bool, error)
	Update(ctx context.Context, d *repository.Delegation) error
	Delete(ctx context.Context, projectID, id string) error
	DeleteByApproverID(ctx context.Context, projectID, approverID string) (int64, error)
	ProjectsWithExpired(ctx context.Context, now time.Time) ([]string, error)
	Subscribe(ctx context.Context, projectID string) (<-chan struct{}, error)
}

// ProjectRepository reads rosters and maintains the cached delegate pointer.
type ProjectRepository interface {
	GetByID(ctx context.Context, id string) (*repository.Project, error)
	SetDelegatePhone(ctx context.Context, projectID, phone string) error
	ClearDelegatePhone(ctx context.Context, projectID string) error
	ClearDelegatePhoneIf(ctx context.Context, projectID, phone string) (bool, error)
}

// DelegationAuditRepository is the append-only delegation history.
type DelegationAuditRepository interface {
	Append(ctx context.Context, entry *repository.DelegationAuditEntry) error
	ListByProject(ctx context.Context, projectID string) ([]*repository.DelegationAuditEntry, error)
}

// ThreadRepository stores approval threads.
type ThreadRepository interface {
	GetByID(ctx context.Context, id string) (*repository.ApprovalThread, error)
	Create(ctx context.Context, t *repository.ApprovalThread) error
	AddMembers(ctx context.Context, id string, ids []string) ([]string, error)
	AppendMessage(ctx context.Context, m *repository.ThreadMessage) error
	ResetUnread(ctx context.Context, id, userID string) error
	ListMessages(ctx context.Context, threadID string, since *time.Time, limit int) ([]*repository.ThreadMessage, error)
}

// ExpenseRepository stores expenses and guards their status transitions.
type ExpenseRepository interface {
	GetByID(ctx context.Context, id string) (*repository.Expense, error)
	MarkSubmitted(ctx context.Context, id string, at time.Time) error
	MarkDecided(ctx context.Context, id, status, decidedBy string, reason *string, at time.Time) error
}

// NotificationRepository persists notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *repository.Notification) (bool, error)
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*repository.Notification, error)
	MarkRead(ctx context.Context, id, recipientID string) error
}

// UserDirectory resolves users. Implemented by *client.IdentityGRPCClient.
// Lookups that match nothing return (nil, nil).
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*client.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*client.User, error)
	FindUsersByRole(ctx context.Context, role string) ([]client.User, error)
}

// Publisher pushes delivered notifications onward.
// Implemented by *client.NotificationPublisher.
type Publisher interface {
	Publish(ctx context.Context, event client.NotificationEvent) error
}

// Deduper guards once-per-(event, recipient) delivery.
// Implemented by *client.RedisDeduper.
type Deduper interface {
	Claim(ctx context.Context, eventID, recipientID string) (bool, error)
	Release(ctx context.Context, eventID, recipientID string) error
}
