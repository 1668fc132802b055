package handler

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

var errStub = errors.New(errors.ErrCodeInternal, "stub not configured")

type stubDelegations struct {
	createFn       func(service.CreateDelegationInput) (*repository.Delegation, error)
	acceptFn       func(projectID string, ref service.ApproverRef, message *string) (*repository.Delegation, error)
	rejectFn       func(projectID string, ref service.ApproverRef, message *string) (*repository.Delegation, error)
	deactivateFn   func(projectID, id, by string) error
	removeFn       func(projectID, id, by string) error
	removeByIDFn   func(projectID, approverID, by string) (int64, error)
	listFn         func(projectID string) ([]*repository.Delegation, error)
	watchFn        func(ctx context.Context, projectID string) (<-chan []*repository.Delegation, error)
	lastUpdate     service.UpdateDelegationInput
	lastUpdateUser string
}

func (s *stubDelegations) Create(_ context.Context, in service.CreateDelegationInput) (*repository.Delegation, error) {
	if s.createFn == nil {
		return nil, errStub
	}
	return s.createFn(in)
}

func (s *stubDelegations) Accept(_ context.Context, projectID string, ref service.ApproverRef, message *string) (*repository.Delegation, error) {
	if s.acceptFn == nil {
		return nil, errStub
	}
	return s.acceptFn(projectID, ref, message)
}

func (s *stubDelegations) Reject(_ context.Context, projectID string, ref service.ApproverRef, message *string) (*repository.Delegation, error) {
	if s.rejectFn == nil {
		return nil, errStub
	}
	return s.rejectFn(projectID, ref, message)
}

func (s *stubDelegations) Deactivate(_ context.Context, projectID, id, by string) error {
	if s.deactivateFn == nil {
		return errStub
	}
	return s.deactivateFn(projectID, id, by)
}

func (s *stubDelegations) Update(_ context.Context, projectID string, in service.UpdateDelegationInput, by string) (*repository.Delegation, error) {
	s.lastUpdate, s.lastUpdateUser = in, by
	return &repository.Delegation{ID: in.ID, ProjectID: projectID, ApproverID: in.ApproverID}, nil
}

func (s *stubDelegations) Remove(_ context.Context, projectID, id, by string) error {
	if s.removeFn == nil {
		return errStub
	}
	return s.removeFn(projectID, id, by)
}

func (s *stubDelegations) RemoveByApproverID(_ context.Context, projectID, approverID, by string) (int64, error) {
	if s.removeByIDFn == nil {
		return 0, errStub
	}
	return s.removeByIDFn(projectID, approverID, by)
}

func (s *stubDelegations) List(_ context.Context, projectID string) ([]*repository.Delegation, error) {
	if s.listFn == nil {
		return nil, errStub
	}
	return s.listFn(projectID)
}

func (s *stubDelegations) History(_ context.Context, projectID string) ([]*repository.DelegationAuditEntry, error) {
	return []*repository.DelegationAuditEntry{{ID: "1", ProjectID: projectID, Action: "assigned"}}, nil
}

func (s *stubDelegations) Watch(ctx context.Context, projectID string) (<-chan []*repository.Delegation, error) {
	if s.watchFn == nil {
		return nil, errStub
	}
	return s.watchFn(ctx, projectID)
}

type stubApprovers struct {
	set service.IDSet
	err error
	at  time.Time
}

func (s *stubApprovers) ResolveProject(_ context.Context, _ string, now time.Time) (service.IDSet, error) {
	s.at = now
	return s.set, s.err
}

type stubSweeper struct {
	perProject map[string]int
	all        int
}

func (s *stubSweeper) Sweep(_ context.Context, projectID string) (int, error) {
	n, ok := s.perProject[projectID]
	if !ok {
		return 0, errors.NotFound("project", projectID)
	}
	return n, nil
}

func (s *stubSweeper) SweepAll(context.Context) (int, error) { return s.all, nil }

type stubExpenses struct {
	submitFn func(expenseID, actor string) (*repository.Expense, error)
	rejectFn func(expenseID, actor, reason string) (*repository.Expense, error)
	postFn   func(expenseID, sender, body string) (*repository.ThreadMessage, error)
	since    *time.Time
	limit    int
}

func (s *stubExpenses) Submit(_ context.Context, id, actor string) (*repository.Expense, error) {
	if s.submitFn == nil {
		return nil, errStub
	}
	return s.submitFn(id, actor)
}

func (s *stubExpenses) Approve(_ context.Context, id, actor string) (*repository.Expense, error) {
	return nil, errors.New(errors.ErrCodeUnauthorized, actor+" is not a current approver")
}

func (s *stubExpenses) Reject(_ context.Context, id, actor, reason string) (*repository.Expense, error) {
	if s.rejectFn == nil {
		return nil, errStub
	}
	return s.rejectFn(id, actor, reason)
}

func (s *stubExpenses) PostMessage(_ context.Context, id, sender, body string) (*repository.ThreadMessage, error) {
	if s.postFn == nil {
		return nil, errStub
	}
	return s.postFn(id, sender, body)
}

func (s *stubExpenses) MarkThreadRead(context.Context, string, string) error { return nil }

func (s *stubExpenses) Thread(_ context.Context, id, viewer string) (*repository.ApprovalThread, error) {
	return &repository.ApprovalThread{ID: repository.ThreadIDForExpense(id), Members: []string{viewer}}, nil
}

func (s *stubExpenses) Messages(_ context.Context, _ string, since *time.Time, limit int) ([]*repository.ThreadMessage, error) {
	s.since, s.limit = since, limit
	return []*repository.ThreadMessage{}, nil
}

type stubInbox struct {
	recipient  string
	unreadOnly bool
	readID     string
}

func (s *stubInbox) ListForRecipient(_ context.Context, recipient string, unreadOnly bool, _ int) ([]*repository.Notification, error) {
	s.recipient, s.unreadOnly = recipient, unreadOnly
	return []*repository.Notification{{ID: "n-1", RecipientID: recipient}}, nil
}

func (s *stubInbox) MarkRead(_ context.Context, id, recipient string) error {
	if recipient == "" {
		return errors.NotFound("notification", id)
	}
	s.readID = id
	return nil
}
