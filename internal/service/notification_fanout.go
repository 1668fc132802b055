package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

const defaultFanoutConcurrency = 8

// Event is one occurrence that produces a notification per recipient.
type Event struct {
	ID        string
	Type      repository.NotificationType
	Title     string
	Body      string
	ProjectID string
	RelatedID string
}

// DeliveryResult is the outcome for one recipient.
type DeliveryResult struct {
	RecipientID    string
	NotificationID string
	Skipped        bool // already delivered for this event
	Err            error
}

// NotificationFanout delivers one notification per recipient, concurrently
// and independently. A failing recipient never affects the others.
type NotificationFanout struct {
	notifications  NotificationRepository
	directory      UserDirectory
	publisher      Publisher
	deduper        Deduper
	maxConcurrency int
	log            *logger.Logger

	inflight sync.WaitGroup
}

// NewNotificationFanout creates a new NotificationFanout. publisher and
// deduper may be nil.
func NewNotificationFanout(
	notifications NotificationRepository,
	directory UserDirectory,
	publisher Publisher,
	deduper Deduper,
	maxConcurrency int,
	log *logger.Logger,
) *NotificationFanout {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultFanoutConcurrency
	}
	return &NotificationFanout{
		notifications:  notifications,
		directory:      directory,
		publisher:      publisher,
		deduper:        deduper,
		maxConcurrency: maxConcurrency,
		log:            log,
	}
}

// Notify delivers event to every recipient except excluding and returns one
// result per attempted recipient, sorted by recipient. Phone numbers in
// recipients and excluding are compared by the user id they resolve to. The returned error is
// a PARTIAL_FANOUT summary when some deliveries failed; it is informational
// and callers must not undo their own work because of it.
func (f *NotificationFanout) Notify(ctx context.Context, event Event, recipients []string, excluding string) ([]DeliveryResult, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	targets := NewIDSet(recipients...)
	delete(targets, excluding)
	excluding = f.canonical(ctx, excluding)
	delete(targets, excluding)
	if len(targets) == 0 {
		return nil, nil
	}

	p := pool.NewWithResults[DeliveryResult]().WithMaxGoroutines(f.maxConcurrency)
	for _, raw := range targets.Sorted() {
		p.Go(func() DeliveryResult {
			return f.deliver(ctx, event, raw, excluding)
		})
	}
	results := p.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].RecipientID < results[j].RecipientID })

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed == 0 {
		return results, nil
	}

	f.log.Warn().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Int("failed", failed).
		Int("attempted", len(results)).
		Msg("Notification fan-out partially failed")
	return results, errors.New(errors.ErrCodePartialFanout,
		fmt.Sprintf("%d of %d notifications failed", failed, len(results)))
}

// Dispatch runs Notify in the background, detached from ctx cancellation.
// The results are logged; Wait blocks until every dispatch has finished.
func (f *NotificationFanout) Dispatch(ctx context.Context, event Event, recipients []string, excluding string) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	ctx = context.WithoutCancel(ctx)

	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		results, _ := f.Notify(ctx, event, recipients, excluding)
		f.log.Debug().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Int("recipients", len(results)).
			Msg("Notification fan-out finished")
	}()
}

// Wait blocks until all background dispatches complete.
func (f *NotificationFanout) Wait() {
	f.inflight.Wait()
}

// ListForRecipient returns a recipient's notifications, newest first.
func (f *NotificationFanout) ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*repository.Notification, error) {
	if recipientID == "" {
		return nil, errors.InvalidInput("recipient_id", "recipient_id is required")
	}
	return f.notifications.ListByRecipient(ctx, recipientID, unreadOnly, limit)
}

// MarkRead sets the read flag of one of the recipient's notifications.
func (f *NotificationFanout) MarkRead(ctx context.Context, id, recipientID string) error {
	if id == "" {
		return errors.InvalidInput("id", "notification id is required")
	}
	return f.notifications.MarkRead(ctx, id, recipientID)
}

func (f *NotificationFanout) deliver(ctx context.Context, event Event, raw, excluding string) DeliveryResult {
	recipient := f.canonical(ctx, raw)
	res := DeliveryResult{RecipientID: recipient}
	if recipient == excluding {
		res.Skipped = true
		return res
	}

	claimed := false
	if f.deduper != nil {
		ok, err := f.deduper.Claim(ctx, event.ID, recipient)
		switch {
		case err != nil:
			f.log.Warn().Err(err).Str("recipient_id", recipient).Msg("Notification dedupe unavailable, delivering anyway")
		case !ok:
			res.Skipped = true
			return res
		default:
			claimed = true
		}
	}

	n := &repository.Notification{
		EventID:     event.ID,
		RecipientID: recipient,
		Type:        event.Type,
		Title:       event.Title,
		Body:        event.Body,
		ProjectID:   event.ProjectID,
		RelatedID:   event.RelatedID,
	}
	created, err := f.notifications.Create(ctx, n)
	if err != nil {
		if claimed {
			if rerr := f.deduper.Release(ctx, event.ID, recipient); rerr != nil {
				f.log.Warn().Err(rerr).Str("recipient_id", recipient).Msg("Failed to release notification claim")
			}
		}
		f.log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("recipient_id", recipient).
			Msg("Notification delivery failed")
		res.Err = err
		return res
	}
	if !created {
		res.Skipped = true
		return res
	}
	res.NotificationID = n.ID

	if f.publisher != nil {
		pubErr := f.publisher.Publish(ctx, client.NotificationEvent{
			NotificationID: n.ID,
			EventID:        event.ID,
			EventType:      string(event.Type),
			RecipientID:    recipient,
			Title:          event.Title,
			Body:           event.Body,
			ProjectID:      event.ProjectID,
			ResourceID:     event.RelatedID,
			Category:       "expense_approval",
		})
		if pubErr != nil {
			f.log.Warn().Err(pubErr).
				Str("notification_id", n.ID).
				Msg("notification: failed to publish NATS event (non-fatal)")
		}
	}
	return res
}

// canonical resolves a phone-like recipient to its user id. Lookup failures
// keep the phone so delivery can still proceed.
func (f *NotificationFanout) canonical(ctx context.Context, recipient string) string {
	if !LooksLikePhone(recipient) || f.directory == nil {
		return recipient
	}
	phone := NormalizePhone(recipient)
	u, err := f.directory.FindUserByPhone(ctx, phone)
	if err != nil {
		f.log.Warn().Err(err).Str("recipient", phone).Msg("Recipient normalization failed, using phone")
		return phone
	}
	if u == nil || u.ID == "" {
		return phone
	}
	return u.ID
}
