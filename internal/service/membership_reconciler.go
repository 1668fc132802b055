package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ChatMembershipReconciler keeps an expense's approval thread membership a
// superset of the parties that must see it. Members are only ever added.
type ChatMembershipReconciler struct {
	threads  ThreadRepository
	resolver *ApproverSetResolver
	log      *logger.Logger
}

// NewChatMembershipReconciler creates a new ChatMembershipReconciler.
func NewChatMembershipReconciler(threads ThreadRepository, resolver *ApproverSetResolver, log *logger.Logger) *ChatMembershipReconciler {
	return &ChatMembershipReconciler{threads: threads, resolver: resolver, log: log}
}

// EnsureMembership unions the submitter and the effective approver set into
// the expense's thread, creating the thread when missing, and returns the
// resulting members. Delegates known only by phone join under their user id
// when the directory has one. Nothing is written when every required member
// is already present.
//
// If the approver set cannot be resolved, only the submitter and actorID
// are required so the two directly involved parties can still talk. Pass an
// empty actorID for reads that are not acting on the expense.
func (c *ChatMembershipReconciler) EnsureMembership(
	ctx context.Context,
	project *repository.Project,
	expense *repository.Expense,
	actorID string,
	now time.Time,
) ([]string, error) {
	required, err := c.resolver.Resolve(ctx, project, now)
	if err != nil {
		c.log.Warn().Err(err).
			Str("project_id", project.ID).
			Str("expense_id", expense.ID).
			Msg("Approver set unavailable, reconciling with submitter and actor only")
		required = NewIDSet(actorID)
	} else {
		required = c.resolver.Canonical(ctx, required)
	}
	required.Add(expense.SubmittedBy)

	threadID := repository.ThreadIDForExpense(expense.ID)
	thread, err := c.threads.GetByID(ctx, threadID)
	switch {
	case errors.IsCode(err, errors.ErrCodeNotFound):
		members, created, err := c.create(ctx, threadID, project.ID, expense.ID, required)
		if err != nil || created {
			return members, err
		}
		// Lost a creation race; reconcile against the winner.
		if thread, err = c.threads.GetByID(ctx, threadID); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	missing := required.Minus(thread.Members)
	if len(missing) == 0 {
		return thread.Members, nil
	}

	members, err := c.threads.AddMembers(ctx, threadID, missing)
	if err != nil {
		return nil, err
	}
	c.log.Info().
		Str("thread_id", threadID).
		Strs("added", missing).
		Msg("Approval thread membership healed")
	return members, nil
}

func (c *ChatMembershipReconciler) create(ctx context.Context, threadID, projectID, expenseID string, required IDSet) ([]string, bool, error) {
	members := required.Sorted()
	unread := make(map[string]int, len(members))
	for _, m := range members {
		unread[m] = 0
	}

	err := c.threads.Create(ctx, &repository.ApprovalThread{
		ID:          threadID,
		ProjectID:   projectID,
		ExpenseID:   expenseID,
		Members:     members,
		UnreadCount: unread,
	})
	if errors.IsCode(err, errors.ErrCodeConflict) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return members, true, nil
}
