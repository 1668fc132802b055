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

const dateLayout = "02 Jan 2006"

// CreateDelegationInput describes a new temporary-approver offer.
type CreateDelegationInput struct {
	ProjectID      string
	ApproverID     string
	ApproverName   string
	ApproverPhone  string
	StartDate      time.Time
	ExpiringDate   *time.Time
	AssignedBy     string
	AssignedByName string
}

// UpdateDelegationInput replaces the approver and window of a delegation.
type UpdateDelegationInput struct {
	ID            string
	ApproverID    string
	ApproverName  string
	ApproverPhone string
	StartDate     time.Time
	ExpiringDate  *time.Time
}

// DelegationService owns the temporary-approver lifecycle and keeps the
// project's cached delegate pointer in step with it.
//
// The pointer is overwritten on accept and cleared unconditionally on
// reject, deactivate and remove, even when another accepted delegation is
// still current. Readers that need authority use ApproverSetResolver, which
// re-derives it from the ledger.
type DelegationService struct {
	delegations DelegationRepository
	projects    ProjectRepository
	audit       DelegationAuditRepository
	directory   UserDirectory
	sweeper     *ExpirationSweeper
	fanout      *NotificationFanout
	clock       clock.Clock
	log         *logger.Logger
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(
	delegations DelegationRepository,
	projects ProjectRepository,
	audit DelegationAuditRepository,
	directory UserDirectory,
	sweeper *ExpirationSweeper,
	fanout *NotificationFanout,
	clk clock.Clock,
	log *logger.Logger,
) *DelegationService {
	return &DelegationService{
		delegations: delegations,
		projects:    projects,
		audit:       audit,
		directory:   directory,
		sweeper:     sweeper,
		fanout:      fanout,
		clock:       clk,
		log:         log,
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Create records a pending offer and notifies the delegate. The cached
// delegate pointer is not touched until the offer is accepted.
func (s *DelegationService) Create(ctx context.Context, in CreateDelegationInput) (*repository.Delegation, error) {
	in.ApproverPhone = NormalizePhone(in.ApproverPhone)
	in.ApproverID = strings.TrimSpace(in.ApproverID)

	switch {
	case in.ProjectID == "":
		return nil, errors.InvalidInput("project_id", "project_id is required")
	case in.ApproverID == "" && in.ApproverPhone == "":
		return nil, errors.InvalidInput("approver", "approver_id or approver_phone is required")
	case in.AssignedBy == "":
		return nil, errors.InvalidInput("assigned_by", "assigned_by is required")
	case in.StartDate.IsZero():
		return nil, errors.InvalidInput("start_date", "start_date is required")
	case in.ExpiringDate != nil && !in.ExpiringDate.After(in.StartDate):
		return nil, errors.InvalidInput("expiring_date", "expiring_date must be after start_date")
	}

	if _, err := s.projects.GetByID(ctx, in.ProjectID); err != nil {
		return nil, err
	}

	d := &repository.Delegation{
		ProjectID:      in.ProjectID,
		ApproverID:     in.ApproverID,
		ApproverName:   in.ApproverName,
		ApproverPhone:  in.ApproverPhone,
		AssignedDate:   s.clock.Now(),
		StartDate:      in.StartDate,
		ExpiringDate:   in.ExpiringDate,
		Status:         repository.DelegationPending,
		IsActive:       true,
		AssignedBy:     in.AssignedBy,
		AssignedByName: in.AssignedByName,
	}
	if err := s.delegations.Create(ctx, d); err != nil {
		return nil, err
	}

	s.record(ctx, d, "assigned", in.AssignedBy, map[string]interface{}{
		"approver_id":    d.ApproverID,
		"approver_phone": d.ApproverPhone,
	})

	s.log.Info().
		Str("project_id", d.ProjectID).
		Str("delegation_id", d.ID).
		Str("approver", d.Recipient()).
		Msg("Delegation assigned")

	s.fanout.Dispatch(ctx, Event{
		Type:      repository.NotifyDelegationAssigned,
		Title:     "You have been asked to approve expenses",
		Body:      fmt.Sprintf("%s asked you to act as temporary approver%s", nameOr(d.AssignedByName, d.AssignedBy), windowText(d)),
		ProjectID: d.ProjectID,
		RelatedID: d.ID,
	}, []string{d.Recipient()}, "")

	return d, nil
}

// Accept records the delegate's acceptance, prunes every other unanswered
// offer on the project and points the project's cached delegate at this
// record. Other accepted delegations are left as they are. The acceptance
// is durable once the ledger commits; a failed pointer write is only logged.
func (s *DelegationService) Accept(ctx context.Context, projectID string, ref ApproverRef, message *string) (*repository.Delegation, error) {
	d, err := s.findForResponse(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}
	if d.IsExpired(s.clock.Now()) {
		return nil, errors.Conflict("delegation has expired")
	}

	pruned, err := s.delegations.Accept(ctx, projectID, d.ID, message)
	if err != nil {
		return nil, err
	}
	d.Status = repository.DelegationAccepted
	d.IsActive = true
	d.ResponseMessage = message

	if d.ApproverPhone != "" {
		if err := s.projects.SetDelegatePhone(ctx, projectID, d.ApproverPhone); err != nil {
			s.log.Warn().Err(err).
				Str("project_id", projectID).
				Str("delegation_id", d.ID).
				Msg("Failed to update cached delegate pointer after accept")
		}
	}

	s.record(ctx, d, "accepted", d.Recipient(), map[string]interface{}{
		"pruned_offers": pruned,
	})

	s.log.Info().
		Str("project_id", projectID).
		Str("delegation_id", d.ID).
		Int64("pruned_offers", pruned).
		Msg("Delegation accepted")

	s.fanout.Dispatch(ctx, Event{
		Type:      repository.NotifyDelegationAccepted,
		Title:     "Delegation accepted",
		Body:      fmt.Sprintf("%s accepted the temporary approver request%s", nameOr(d.ApproverName, d.Recipient()), messageText(message)),
		ProjectID: projectID,
		RelatedID: d.ID,
	}, []string{d.AssignedBy}, d.Recipient())

	return d, nil
}

// Reject records the delegate's refusal and clears the project's cached
// delegate pointer.
func (s *DelegationService) Reject(ctx context.Context, projectID string, ref ApproverRef, message *string) (*repository.Delegation, error) {
	d, err := s.findForResponse(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}

	if err := s.delegations.Reject(ctx, projectID, d.ID, message); err != nil {
		return nil, err
	}
	d.Status = repository.DelegationRejected
	d.IsActive = false
	d.ResponseMessage = message

	if err := s.projects.ClearDelegatePhone(ctx, projectID); err != nil {
		return nil, err
	}

	s.record(ctx, d, "rejected", d.Recipient(), nil)

	s.log.Info().
		Str("project_id", projectID).
		Str("delegation_id", d.ID).
		Msg("Delegation rejected")

	s.fanout.Dispatch(ctx, Event{
		Type:      repository.NotifyDelegationRejected,
		Title:     "Delegation declined",
		Body:      fmt.Sprintf("%s declined the temporary approver request%s", nameOr(d.ApproverName, d.Recipient()), messageText(message)),
		ProjectID: projectID,
		RelatedID: d.ID,
	}, []string{d.AssignedBy}, d.Recipient())

	return d, nil
}

// Deactivate marks a delegation inactive and clears the project's cached
// delegate pointer, whichever delegation it named.
func (s *DelegationService) Deactivate(ctx context.Context, projectID, delegationID, performedBy string) error {
	changed, err := s.delegations.Deactivate(ctx, projectID, delegationID)
	if err != nil {
		return err
	}
	if err := s.projects.ClearDelegatePhone(ctx, projectID); err != nil {
		return err
	}

	if changed {
		s.record(ctx, &repository.Delegation{ID: delegationID, ProjectID: projectID}, "deactivated", performedBy, nil)
		s.log.Info().
			Str("project_id", projectID).
			Str("delegation_id", delegationID).
			Msg("Delegation deactivated")
	}
	return nil
}

// Update replaces a delegation's approver and window and notifies the
// delegate (and a replaced delegate) with a summary of what changed.
func (s *DelegationService) Update(ctx context.Context, projectID string, in UpdateDelegationInput, changedBy string) (*repository.Delegation, error) {
	in.ApproverPhone = NormalizePhone(in.ApproverPhone)
	in.ApproverID = strings.TrimSpace(in.ApproverID)

	switch {
	case in.ID == "":
		return nil, errors.InvalidInput("id", "delegation id is required")
	case in.ApproverID == "" && in.ApproverPhone == "":
		return nil, errors.InvalidInput("approver", "approver_id or approver_phone is required")
	case in.StartDate.IsZero():
		return nil, errors.InvalidInput("start_date", "start_date is required")
	case in.ExpiringDate != nil && !in.ExpiringDate.After(in.StartDate):
		return nil, errors.InvalidInput("expiring_date", "expiring_date must be after start_date")
	}

	previous, err := s.delegations.GetByID(ctx, projectID, in.ID)
	if err != nil {
		return nil, err
	}

	next := *previous
	next.ApproverID = in.ApproverID
	next.ApproverName = in.ApproverName
	next.ApproverPhone = in.ApproverPhone
	next.StartDate = in.StartDate
	next.ExpiringDate = in.ExpiringDate

	changes := DescribeDelegationChanges(previous, &next)
	if len(changes) == 0 {
		return previous, nil
	}

	if err := s.delegations.Update(ctx, &next); err != nil {
		return nil, err
	}

	// Keep the pointer naming the current delegate when its phone changed.
	if next.IsCurrent(s.clock.Now()) && previous.ApproverPhone != next.ApproverPhone && next.ApproverPhone != "" {
		if err := s.projects.SetDelegatePhone(ctx, projectID, next.ApproverPhone); err != nil {
			return nil, err
		}
	}

	summary := strings.Join(changes, "; ")
	s.record(ctx, &next, "updated", changedBy, map[string]interface{}{"changes": changes})

	recipients := []string{next.Recipient()}
	if previous.Recipient() != next.Recipient() {
		recipients = append(recipients, previous.Recipient())
	}
	s.fanout.Dispatch(ctx, Event{
		Type:      repository.NotifyDelegationChanged,
		Title:     "Delegation updated",
		Body:      summary,
		ProjectID: projectID,
		RelatedID: next.ID,
	}, recipients, changedBy)

	return &next, nil
}

// Remove hard-deletes a delegation and clears the cached delegate pointer.
func (s *DelegationService) Remove(ctx context.Context, projectID, delegationID, performedBy string) error {
	if err := s.delegations.Delete(ctx, projectID, delegationID); err != nil {
		return err
	}
	if err := s.projects.ClearDelegatePhone(ctx, projectID); err != nil {
		return err
	}
	s.record(ctx, &repository.Delegation{ID: delegationID, ProjectID: projectID}, "removed", performedBy, nil)
	return nil
}

// RemoveByApproverID hard-deletes every delegation of a delegate on the
// project and clears the cached delegate pointer.
func (s *DelegationService) RemoveByApproverID(ctx context.Context, projectID, approverID, performedBy string) (int64, error) {
	if approverID == "" {
		return 0, errors.InvalidInput("approver_id", "approver_id is required")
	}
	n, err := s.delegations.DeleteByApproverID(ctx, projectID, approverID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.NotFound("delegation for approver", approverID)
	}
	if err := s.projects.ClearDelegatePhone(ctx, projectID); err != nil {
		return n, err
	}
	s.record(ctx, &repository.Delegation{ProjectID: projectID}, "removed", performedBy, map[string]interface{}{
		"approver_id": approverID,
		"removed":     n,
	})
	return n, nil
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// IsExpired reports whether d's expiry has passed now.
func (s *DelegationService) IsExpired(d *repository.Delegation) bool {
	return d.IsExpired(s.clock.Now())
}

// ListActiveAccepted returns the accepted, active, unexpired delegations.
func (s *DelegationService) ListActiveAccepted(ctx context.Context, projectID string) ([]*repository.Delegation, error) {
	all, err := s.delegations.ListAcceptedActive(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]*repository.Delegation, 0, len(all))
	for _, d := range all {
		if d.IsCurrent(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

// List sweeps expired delegations, then returns the project's ledger
// newest first. A failed sweep is logged and does not block the read.
func (s *DelegationService) List(ctx context.Context, projectID string) ([]*repository.Delegation, error) {
	if _, err := s.sweeper.Sweep(ctx, projectID); err != nil {
		s.log.Warn().Err(err).Str("project_id", projectID).Msg("Delegation sweep before list failed")
	}
	return s.delegations.ListByProject(ctx, projectID)
}

// History returns the project's delegation audit trail, oldest first.
func (s *DelegationService) History(ctx context.Context, projectID string) ([]*repository.DelegationAuditEntry, error) {
	return s.audit.ListByProject(ctx, projectID)
}

// Watch streams the project's ledger: once immediately, then again after
// every change. The channel closes when ctx ends.
func (s *DelegationService) Watch(ctx context.Context, projectID string) (<-chan []*repository.Delegation, error) {
	changes, err := s.delegations.Subscribe(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make(chan []*repository.Delegation)
	go func() {
		defer close(out)

		emit := func() bool {
			list, err := s.List(ctx, projectID)
			if err != nil {
				s.log.Warn().Err(err).Str("project_id", projectID).Msg("Delegation watch refresh failed")
				return ctx.Err() == nil
			}
			select {
			case out <- list:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok || !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// findForResponse locates the delegation a delegate is answering. Active
// pending, unset and accepted records qualify; a reference that only
// matches rejected or deactivated records is a Conflict.
func (s *DelegationService) findForResponse(ctx context.Context, projectID string, ref ApproverRef) (*repository.Delegation, error) {
	if projectID == "" {
		return nil, errors.InvalidInput("project_id", "project_id is required")
	}
	if ref.IsZero() {
		return nil, errors.InvalidInput("approver", "approver_id or approver_phone is required")
	}

	candidates, err := s.lookup(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		alt, err := s.alternateRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !alt.IsZero() {
			if candidates, err = s.lookup(ctx, projectID, alt); err != nil {
				return nil, err
			}
		}
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.ErrCodeNotFound, "no active delegation request found for "+ref.String())
	}

	var accepted, closed *repository.Delegation
	for _, d := range candidates {
		switch {
		case d.AwaitingResponse() && d.IsActive:
			return d, nil
		case d.Status == repository.DelegationAccepted && d.IsActive:
			if accepted == nil {
				accepted = d
			}
		case closed == nil:
			closed = d
		}
	}
	if accepted != nil {
		return accepted, nil
	}
	if closed.Status == repository.DelegationRejected {
		return nil, errors.Conflict("delegation " + closed.ID + " was already rejected")
	}
	return nil, errors.Conflict("delegation " + closed.ID + " was deactivated")
}

func (s *DelegationService) lookup(ctx context.Context, projectID string, ref ApproverRef) ([]*repository.Delegation, error) {
	if ref.IsPhone() {
		return s.delegations.FindByApproverPhone(ctx, projectID, ref.Value())
	}
	return s.delegations.FindByApproverID(ctx, projectID, ref.Value())
}

// alternateRef resolves an id to the user's phone, or a phone to the
// user's id, through the directory. A zero ref means no match.
func (s *DelegationService) alternateRef(ctx context.Context, ref ApproverRef) (ApproverRef, error) {
	if s.directory == nil {
		return ApproverRef{}, nil
	}
	if ref.IsPhone() {
		u, err := s.directory.FindUserByPhone(ctx, ref.Value())
		if err != nil || u == nil {
			return ApproverRef{}, err
		}
		return ByID(u.ID), nil
	}
	u, err := s.directory.GetUser(ctx, ref.Value())
	if err != nil || u == nil || u.Phone == "" {
		return ApproverRef{}, err
	}
	return ByPhone(u.Phone), nil
}

func (s *DelegationService) record(ctx context.Context, d *repository.Delegation, action, by string, metadata map[string]interface{}) {
	entry := &repository.DelegationAuditEntry{
		DelegationID: d.ID,
		ProjectID:    d.ProjectID,
		Action:       action,
		PerformedBy:  by,
		Metadata:     metadata,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("delegation_id", d.ID).
			Str("action", action).
			Msg("Failed to write delegation audit entry")
	}
}

// DescribeDelegationChanges lists human-readable differences between two
// versions of a delegation.
func DescribeDelegationChanges(prev, next *repository.Delegation) []string {
	var changes []string

	if prev.Recipient() != next.Recipient() {
		changes = append(changes, fmt.Sprintf("delegate changed from %s to %s",
			nameOr(prev.ApproverName, prev.Recipient()), nameOr(next.ApproverName, next.Recipient())))
	}
	if !prev.StartDate.Equal(next.StartDate) {
		changes = append(changes, fmt.Sprintf("start date moved from %s to %s",
			prev.StartDate.Format(dateLayout), next.StartDate.Format(dateLayout)))
	}

	switch {
	case prev.ExpiringDate == nil && next.ExpiringDate != nil:
		changes = append(changes, "expiry added: "+next.ExpiringDate.Format(dateLayout))
	case prev.ExpiringDate != nil && next.ExpiringDate == nil:
		changes = append(changes, "expiry removed")
	case prev.ExpiringDate != nil && !prev.ExpiringDate.Equal(*next.ExpiringDate):
		changes = append(changes, fmt.Sprintf("expiry moved from %s to %s",
			prev.ExpiringDate.Format(dateLayout), next.ExpiringDate.Format(dateLayout)))
	}
	return changes
}

func nameOr(name, fallback string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return fallback
}

func messageText(message *string) string {
	if message == nil || strings.TrimSpace(*message) == "" {
		return ""
	}
	return ": " + strings.TrimSpace(*message)
}

func windowText(d *repository.Delegation) string {
	if d.ExpiringDate == nil {
		return " from " + d.StartDate.Format(dateLayout)
	}
	return fmt.Sprintf(" from %s until %s", d.StartDate.Format(dateLayout), d.ExpiringDate.Format(dateLayout))
}
