package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ApproverSetResolver computes who may approve a project's expenses at a
// given instant. Nothing is cached: every call re-derives the set.
type ApproverSetResolver struct {
	projects    ProjectRepository
	delegations DelegationRepository
	directory   UserDirectory
	sweeper     *ExpirationSweeper
	log         *logger.Logger
}

// NewApproverSetResolver creates a new ApproverSetResolver.
func NewApproverSetResolver(
	projects ProjectRepository,
	delegations DelegationRepository,
	directory UserDirectory,
	sweeper *ExpirationSweeper,
	log *logger.Logger,
) *ApproverSetResolver {
	return &ApproverSetResolver{
		projects:    projects,
		delegations: delegations,
		directory:   directory,
		sweeper:     sweeper,
		log:         log,
	}
}

// Resolve returns the effective approver set of project at now:
// roster approvers, production heads and manager, every directory-wide
// production head, and each accepted delegate that is active and unexpired
// at now.
func (r *ApproverSetResolver) Resolve(ctx context.Context, project *repository.Project, now time.Time) (IDSet, error) {
	set := NewIDSet(project.ApproverIDs...)
	set.Add(project.ProductionHeadIDs...)
	if project.ManagerID != nil {
		set.Add(*project.ManagerID)
	}

	heads, err := r.directory.FindUsersByRole(ctx, client.RoleProductionHead)
	if err != nil {
		return nil, err
	}
	for _, u := range heads {
		set.Add(u.ID)
	}

	if r.sweeper != nil {
		if _, err := r.sweeper.Sweep(ctx, project.ID); err != nil {
			r.log.Warn().Err(err).Str("project_id", project.ID).Msg("Delegation sweep before resolve failed")
		}
	}

	accepted, err := r.delegations.ListAcceptedActive(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range accepted {
		if d.IsCurrent(now) {
			set.Add(d.Recipient())
		}
	}
	return set, nil
}

// ResolveProject loads a project and resolves its approver set.
func (r *ApproverSetResolver) ResolveProject(ctx context.Context, projectID string, now time.Time) (IDSet, error) {
	if projectID == "" {
		return nil, errors.InvalidInput("project_id", "project_id is required")
	}
	project, err := r.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, project, now)
}

// CanApprove reports whether userID is in the project's effective approver
// set at now. A delegate recorded only by phone matches through the
// directory entry of userID.
func (r *ApproverSetResolver) CanApprove(ctx context.Context, project *repository.Project, userID string, now time.Time) (bool, error) {
	set, err := r.Resolve(ctx, project, now)
	if err != nil {
		return false, err
	}
	return r.Matches(ctx, set, userID)
}

// Matches reports whether userID is in set, either directly or through the
// phone number the directory holds for userID.
func (r *ApproverSetResolver) Matches(ctx context.Context, set IDSet, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if set.Has(userID) {
		return true, nil
	}

	u, err := r.directory.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u != nil && u.Phone != "" && set.Has(NormalizePhone(u.Phone)), nil
}

// Canonical returns set with each phone replaced by the user id the
// directory holds for it. Phones the directory does not know, or cannot
// look up right now, are kept.
func (r *ApproverSetResolver) Canonical(ctx context.Context, set IDSet) IDSet {
	out := make(IDSet, len(set))
	for id := range set {
		if !LooksLikePhone(id) {
			out.Add(id)
			continue
		}
		phone := NormalizePhone(id)
		u, err := r.directory.FindUserByPhone(ctx, phone)
		if err != nil {
			r.log.Warn().Err(err).Str("phone", phone).Msg("Approver phone lookup failed, keeping phone")
			out.Add(phone)
			continue
		}
		if u == nil || u.ID == "" {
			out.Add(phone)
			continue
		}
		out.Add(u.ID)
	}
	return out
}
