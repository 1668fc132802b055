package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/clock"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

const maxMessageLength = 4000

// ExpenseService handles the expense events that drive approval routing:
// submission, decisions and thread messages. Each event commits its own
// write first, then reconciles thread membership, then fans out.
type ExpenseService struct {
	expenses   ExpenseRepository
	projects   ProjectRepository
	threads    ThreadRepository
	resolver   *ApproverSetResolver
	reconciler *ChatMembershipReconciler
	fanout     *NotificationFanout
	clock      clock.Clock
	log        *logger.Logger
}

// NewExpenseService creates a new ExpenseService.
func NewExpenseService(
	expenses ExpenseRepository,
	projects ProjectRepository,
	threads ThreadRepository,
	resolver *ApproverSetResolver,
	reconciler *ChatMembershipReconciler,
	fanout *NotificationFanout,
	clk clock.Clock,
	log *logger.Logger,
) *ExpenseService {
	return &ExpenseService{
		expenses:   expenses,
		projects:   projects,
		threads:    threads,
		resolver:   resolver,
		reconciler: reconciler,
		fanout:     fanout,
		clock:      clk,
		log:        log,
	}
}

// Submit moves a draft expense to submitted and notifies the thread.
func (s *ExpenseService) Submit(ctx context.Context, expenseID, submitterID string) (*repository.Expense, error) {
	expense, project, err := s.load(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if expense.SubmittedBy != submitterID {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the expense owner can submit it")
	}

	now := s.clock.Now()
	if err := s.expenses.MarkSubmitted(ctx, expenseID, now); err != nil {
		return nil, err
	}
	expense.Status = repository.ExpenseSubmitted
	expense.SubmittedAt = &now

	s.announce(ctx, project, expense, submitterID, Event{
		Type:  repository.NotifyExpenseSubmitted,
		Title: "Expense submitted for approval",
		Body:  fmt.Sprintf("%s (%s)", expense.Title, formatAmount(expense.Amount, expense.Currency)),
	})
	return expense, nil
}

// Approve records an approval by a member of the effective approver set.
func (s *ExpenseService) Approve(ctx context.Context, expenseID, actorID string) (*repository.Expense, error) {
	return s.decide(ctx, expenseID, actorID, repository.ExpenseApproved, nil)
}

// Reject records a rejection with a reason.
func (s *ExpenseService) Reject(ctx context.Context, expenseID, actorID, reason string) (*repository.Expense, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "a rejection reason is required")
	}
	return s.decide(ctx, expenseID, actorID, repository.ExpenseRejected, &reason)
}

func (s *ExpenseService) decide(ctx context.Context, expenseID, actorID, status string, reason *string) (*repository.Expense, error) {
	expense, project, err := s.load(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ok, err := s.resolver.CanApprove(ctx, project, actorID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ErrCodeUnauthorized, "user is not an approver for this project")
	}

	if err := s.expenses.MarkDecided(ctx, expenseID, status, actorID, reason, now); err != nil {
		return nil, err
	}
	expense.Status = status
	expense.DecidedBy = &actorID
	expense.DecidedAt = &now
	expense.DecisionReason = reason

	event := Event{
		Type:  repository.NotifyExpenseApproved,
		Title: "Expense approved",
		Body:  expense.Title,
	}
	if status == repository.ExpenseRejected {
		event.Type = repository.NotifyExpenseRejected
		event.Title = "Expense rejected"
		event.Body = expense.Title + ": " + *reason
	}

	s.log.Info().
		Str("expense_id", expenseID).
		Str("status", status).
		Str("actor_id", actorID).
		Msg("Expense decided")

	s.announce(ctx, project, expense, actorID, event)
	return expense, nil
}

// PostMessage appends a message to the expense's approval thread. Once
// started it runs to completion even if ctx is cancelled. Membership is
// reconciled before the message is stored, so members added now are
// notified of this message.
func (s *ExpenseService) PostMessage(ctx context.Context, expenseID, senderID, body string) (*repository.ThreadMessage, error) {
	ctx = context.WithoutCancel(ctx)

	body = strings.TrimSpace(body)
	switch {
	case body == "":
		return nil, errors.InvalidInput("body", "message body is required")
	case len(body) > maxMessageLength:
		return nil, errors.InvalidInput("body", fmt.Sprintf("message exceeds %d characters", maxMessageLength))
	case senderID == "":
		return nil, errors.InvalidInput("sender_id", "sender_id is required")
	}

	expense, project, err := s.load(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	members, err := s.reconciler.EnsureMembership(ctx, project, expense, senderID, now)
	if err != nil {
		return nil, err
	}
	member, err := s.resolver.Matches(ctx, NewIDSet(members...), senderID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, errors.New(errors.ErrCodeUnauthorized, "sender is not a member of this thread")
	}

	msg := &repository.ThreadMessage{
		ThreadID:  repository.ThreadIDForExpense(expenseID),
		SenderID:  senderID,
		Body:      body,
		CreatedAt: now,
	}
	if err := s.threads.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.fanout.Dispatch(ctx, Event{
		Type:      repository.NotifyMessagePosted,
		Title:     "New message on " + expense.Title,
		Body:      preview(body),
		ProjectID: project.ID,
		RelatedID: expense.ID,
	}, members, senderID)

	return msg, nil
}

// MarkThreadRead resets the caller's unread counter.
func (s *ExpenseService) MarkThreadRead(ctx context.Context, expenseID, userID string) error {
	if userID == "" {
		return errors.InvalidInput("user_id", "user_id is required")
	}
	return s.threads.ResetUnread(ctx, repository.ThreadIDForExpense(expenseID), userID)
}

// Thread returns the expense's approval thread after reconciling its
// membership. Viewing is not an action on the expense, so the viewer is
// never added as a member.
func (s *ExpenseService) Thread(ctx context.Context, expenseID, viewerID string) (*repository.ApprovalThread, error) {
	expense, project, err := s.load(ctx, expenseID)
	if err != nil {
		return nil, err
	}
	if _, err := s.reconciler.EnsureMembership(ctx, project, expense, "", s.clock.Now()); err != nil {
		return nil, err
	}
	s.log.Debug().Str("expense_id", expenseID).Str("viewer_id", viewerID).Msg("Approval thread read")
	return s.threads.GetByID(ctx, repository.ThreadIDForExpense(expenseID))
}

// Messages lists a thread's messages oldest first.
func (s *ExpenseService) Messages(ctx context.Context, expenseID string, since *time.Time, limit int) ([]*repository.ThreadMessage, error) {
	return s.threads.ListMessages(ctx, repository.ThreadIDForExpense(expenseID), since, limit)
}

// announce reconciles membership and dispatches event to the members other
// than actorID. A failed reconciliation still notifies the submitter.
func (s *ExpenseService) announce(ctx context.Context, project *repository.Project, expense *repository.Expense, actorID string, event Event) {
	members, err := s.reconciler.EnsureMembership(ctx, project, expense, actorID, s.clock.Now())
	if err != nil {
		s.log.Warn().Err(err).Str("expense_id", expense.ID).Msg("Thread membership reconciliation failed")
		members = []string{expense.SubmittedBy}
	}

	event.ProjectID = project.ID
	event.RelatedID = expense.ID
	s.fanout.Dispatch(ctx, event, members, actorID)
}

func (s *ExpenseService) load(ctx context.Context, expenseID string) (*repository.Expense, *repository.Project, error) {
	if expenseID == "" {
		return nil, nil, errors.InvalidInput("expense_id", "expense_id is required")
	}
	expense, err := s.expenses.GetByID(ctx, expenseID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.projects.GetByID(ctx, expense.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return expense, project, nil
}

func preview(body string) string {
	const limit = 140
	r := []rune(body)
	if len(r) <= limit {
		return body
	}
	return string(r[:limit-1]) + "…"
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%s %d.%02d", sign, currency, minor/100, minor%100)
}
