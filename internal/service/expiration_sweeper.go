package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/clock"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ExpirationSweeper deactivates accepted delegations whose expiry has passed.
type ExpirationSweeper struct {
	delegations DelegationRepository
	projects    ProjectRepository
	audit       DelegationAuditRepository
	clock       clock.Clock
	log         *logger.Logger
}

// NewExpirationSweeper creates a new ExpirationSweeper.
func NewExpirationSweeper(
	delegations DelegationRepository,
	projects ProjectRepository,
	audit DelegationAuditRepository,
	clk clock.Clock,
	log *logger.Logger,
) *ExpirationSweeper {
	return &ExpirationSweeper{
		delegations: delegations,
		projects:    projects,
		audit:       audit,
		clock:       clk,
		log:         log,
	}
}

// Sweep deactivates every expired accepted+active delegation of a project
// and returns how many records it deactivated. Records already inactive are
// not counted, so repeated sweeps return 0.
//
// The cached delegate pointer is cleared only when it still names the
// expiring record's phone.
func (s *ExpirationSweeper) Sweep(ctx context.Context, projectID string) (int, error) {
	now := s.clock.Now()

	active, err := s.delegations.ListAcceptedActive(ctx, projectID)
	if err != nil {
		return 0, err
	}

	var (
		count int
		errs  []error
	)
	for _, d := range active {
		if !d.IsExpired(now) {
			continue
		}

		changed, err := s.delegations.Deactivate(ctx, projectID, d.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			continue
		}
		count++

		if d.ApproverPhone != "" {
			if _, err := s.projects.ClearDelegatePhoneIf(ctx, projectID, d.ApproverPhone); err != nil {
				errs = append(errs, err)
			}
		}

		entry := &repository.DelegationAuditEntry{
			DelegationID: d.ID,
			ProjectID:    projectID,
			Action:       "expired",
			PerformedBy:  "system",
			Metadata: map[string]interface{}{
				"expiring_date": d.ExpiringDate.UTC().Format(time.RFC3339),
			},
		}
		if err := s.audit.Append(ctx, entry); err != nil {
			s.log.Warn().Err(err).Str("delegation_id", d.ID).Msg("Failed to write expiry audit entry")
		}
	}

	if count > 0 {
		s.log.Info().
			Str("project_id", projectID).
			Int("deactivated", count).
			Msg("Expired delegations deactivated")
	}
	return count, errors.Join(errs...)
}

// SweepAll sweeps every project holding an expired accepted+active
// delegation. A failing project does not stop the others.
func (s *ExpirationSweeper) SweepAll(ctx context.Context) (int, error) {
	projectIDs, err := s.delegations.ProjectsWithExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	var (
		total int
		errs  []error
	)
	for _, id := range projectIDs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.Sweep(ctx, id)
		total += n
		if err != nil {
			s.log.Warn().Err(err).Str("project_id", id).Msg("Delegation sweep failed")
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Run sweeps all projects every interval until ctx is cancelled.
func (s *ExpirationSweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("Delegation sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Delegation sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.SweepAll(ctx); err != nil {
				s.log.Warn().Err(err).Int("deactivated", n).Msg("Background delegation sweep incomplete")
			}
		}
	}
}
