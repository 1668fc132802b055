package client

// Role values the user directory reports.
const (
	RoleProductionHead = "production_head"
	RoleApprover       = "approver"
	RoleManager        = "manager"
	RoleMember         = "member"
)

// User is a user-directory entry.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

// NotificationEvent is the JSON schema published to NATS for each
// delivered notification.
type NotificationEvent struct {
	NotificationID string `json:"notification_id"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	RecipientID    string `json:"recipient_id"`
	Title          string `json:"title"`
	Body           string `json:"body,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
	Category       string `json:"category,omitempty"`
}
