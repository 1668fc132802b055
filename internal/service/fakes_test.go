package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/clock"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ── delegations ───────────────────────────────────────────────────────────────

type fakeDelegations struct {
	mu      sync.Mutex
	rows    map[string]*repository.Delegation
	seq     map[string]int
	next    int
	subs    []chan struct{}
	listErr error
}

func newFakeDelegations() *fakeDelegations {
	return &fakeDelegations{rows: map[string]*repository.Delegation{}, seq: map[string]int{}}
}

func cloneDelegation(d *repository.Delegation) *repository.Delegation {
	c := *d
	return &c
}

func (f *fakeDelegations) changed() {
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *fakeDelegations) Create(_ context.Context, d *repository.Delegation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	d.ID = fmt.Sprintf("d-%d", f.next)
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	f.rows[d.ID] = cloneDelegation(d)
	f.seq[d.ID] = f.next
	f.changed()
	return nil
}

func (f *fakeDelegations) GetByID(_ context.Context, projectID, id string) (*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok || d.ProjectID != projectID {
		return nil, errors.NotFound("delegation", id)
	}
	return cloneDelegation(d), nil
}

func (f *fakeDelegations) filter(projectID string, keep func(*repository.Delegation) bool) []*repository.Delegation {
	var out []*repository.Delegation
	for _, d := range f.rows {
		if d.ProjectID == projectID && keep(d) {
			out = append(out, cloneDelegation(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return f.seq[out[i].ID] > f.seq[out[j].ID] })
	return out
}

func (f *fakeDelegations) ListByProject(_ context.Context, projectID string) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter(projectID, func(*repository.Delegation) bool { return true }), nil
}

func (f *fakeDelegations) ListAcceptedActive(_ context.Context, projectID string) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.filter(projectID, func(d *repository.Delegation) bool {
		return d.Status == repository.DelegationAccepted && d.IsActive
	}), nil
}

func (f *fakeDelegations) FindByApproverID(_ context.Context, projectID, approverID string) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter(projectID, func(d *repository.Delegation) bool {
		return approverID != "" && d.ApproverID == approverID
	}), nil
}

func (f *fakeDelegations) FindByApproverPhone(_ context.Context, projectID, phone string) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter(projectID, func(d *repository.Delegation) bool {
		return phone != "" && d.ApproverPhone == phone
	}), nil
}

func (f *fakeDelegations) Accept(_ context.Context, projectID, id string, message *string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok || d.ProjectID != projectID {
		return 0, errors.NotFound("delegation", id)
	}
	if !d.IsActive {
		return 0, errors.Conflict("delegation " + id + " is no longer active")
	}
	d.Status = repository.DelegationAccepted
	d.IsActive = true
	d.ResponseMessage = message

	var pruned int64
	for otherID, o := range f.rows {
		if otherID != id && o.ProjectID == projectID && o.AwaitingResponse() {
			delete(f.rows, otherID)
			pruned++
		}
	}
	f.changed()
	return pruned, nil
}

func (f *fakeDelegations) Reject(_ context.Context, projectID, id string, message *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok || d.ProjectID != projectID {
		return errors.NotFound("delegation", id)
	}
	d.Status = repository.DelegationRejected
	d.IsActive = false
	d.ResponseMessage = message
	f.changed()
	return nil
}

func (f *fakeDelegations) Deactivate(_ context.Context, projectID, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok || d.ProjectID != projectID {
		return false, errors.NotFound("delegation", id)
	}
	if !d.IsActive {
		return false, nil
	}
	d.IsActive = false
	f.changed()
	return true, nil
}

func (f *fakeDelegations) Update(_ context.Context, d *repository.Delegation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[d.ID]
	if !ok || cur.ProjectID != d.ProjectID {
		return errors.NotFound("delegation", d.ID)
	}
	cur.ApproverID = d.ApproverID
	cur.ApproverName = d.ApproverName
	cur.ApproverPhone = d.ApproverPhone
	cur.StartDate = d.StartDate
	cur.ExpiringDate = d.ExpiringDate
	f.changed()
	return nil
}

func (f *fakeDelegations) Delete(_ context.Context, projectID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok || d.ProjectID != projectID {
		return errors.NotFound("delegation", id)
	}
	delete(f.rows, id)
	f.changed()
	return nil
}

func (f *fakeDelegations) DeleteByApproverID(_ context.Context, projectID, approverID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, d := range f.rows {
		if d.ProjectID == projectID && approverID != "" && d.ApproverID == approverID {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeDelegations) ProjectsWithExpired(_ context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := NewIDSet()
	for _, d := range f.rows {
		if d.Status == repository.DelegationAccepted && d.IsActive && d.IsExpired(now) {
			set.Add(d.ProjectID)
		}
	}
	return set.Sorted(), nil
}

func (f *fakeDelegations) Subscribe(ctx context.Context, _ string) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{}, 1)
	f.subs = append(f.subs, ch)
	return ch, nil
}

// ── projects ──────────────────────────────────────────────────────────────────

type fakeProjects struct {
	mu            sync.Mutex
	rows          map[string]*repository.Project
	pointerWrites int
	setErr        error
}

func newFakeProjects(ps ...*repository.Project) *fakeProjects {
	f := &fakeProjects{rows: map[string]*repository.Project{}}
	for _, p := range ps {
		f.rows[p.ID] = p
	}
	return f
}

func (f *fakeProjects) GetByID(_ context.Context, id string) (*repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok {
		return nil, errors.NotFound("project", id)
	}
	c := *p
	return &c, nil
}

func (f *fakeProjects) SetDelegatePhone(_ context.Context, projectID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[projectID]
	if !ok {
		return errors.NotFound("project", projectID)
	}
	if f.setErr != nil {
		return f.setErr
	}
	p.TemporaryApproverPhone = &phone
	f.pointerWrites++
	return nil
}

func (f *fakeProjects) ClearDelegatePhone(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[projectID]
	if !ok {
		return errors.NotFound("project", projectID)
	}
	p.TemporaryApproverPhone = nil
	f.pointerWrites++
	return nil
}

func (f *fakeProjects) ClearDelegatePhoneIf(_ context.Context, projectID, phone string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[projectID]
	if !ok || p.TemporaryApproverPhone == nil || *p.TemporaryApproverPhone != phone {
		return false, nil
	}
	p.TemporaryApproverPhone = nil
	f.pointerWrites++
	return true, nil
}

func (f *fakeProjects) pointer(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].CachedDelegatePhone()
}

// ── audit ─────────────────────────────────────────────────────────────────────

type fakeAudit struct {
	mu      sync.Mutex
	entries []*repository.DelegationAuditEntry
	err     error
}

func (f *fakeAudit) Append(_ context.Context, e *repository.DelegationAuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) ListByProject(_ context.Context, projectID string) ([]*repository.DelegationAuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.DelegationAuditEntry
	for _, e := range f.entries {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

// ── threads ───────────────────────────────────────────────────────────────────

type fakeThreads struct {
	mu       sync.Mutex
	rows     map[string]*repository.ApprovalThread
	messages []*repository.ThreadMessage
	writes   int
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{rows: map[string]*repository.ApprovalThread{}}
}

func cloneThread(t *repository.ApprovalThread) *repository.ApprovalThread {
	c := *t
	c.Members = slices.Clone(t.Members)
	c.UnreadCount = make(map[string]int, len(t.UnreadCount))
	for k, v := range t.UnreadCount {
		c.UnreadCount[k] = v
	}
	return &c
}

func (f *fakeThreads) GetByID(_ context.Context, id string) (*repository.ApprovalThread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, errors.NotFound("thread", id)
	}
	return cloneThread(t), nil
}

func (f *fakeThreads) Create(_ context.Context, t *repository.ApprovalThread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[t.ID]; ok {
		return errors.Conflict("thread already exists: " + t.ID)
	}
	f.rows[t.ID] = cloneThread(t)
	f.writes++
	return nil
}

func (f *fakeThreads) AddMembers(_ context.Context, id string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, errors.NotFound("thread", id)
	}
	for _, m := range ids {
		if !slices.Contains(t.Members, m) {
			t.Members = append(t.Members, m)
		}
		if _, ok := t.UnreadCount[m]; !ok {
			t.UnreadCount[m] = 0
		}
	}
	f.writes++
	return slices.Clone(t.Members), nil
}

func (f *fakeThreads) AppendMessage(_ context.Context, m *repository.ThreadMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[m.ThreadID]
	if !ok {
		return errors.NotFound("thread", m.ThreadID)
	}
	m.ID = fmt.Sprintf("m-%d", len(f.messages)+1)
	f.messages = append(f.messages, m)
	t.LastMessage = &m.Body
	t.LastMessageBy = &m.SenderID
	t.LastMessageAt = &m.CreatedAt
	for _, member := range t.Members {
		if member != m.SenderID {
			t.UnreadCount[member]++
		}
	}
	f.writes++
	return nil
}

func (f *fakeThreads) ResetUnread(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return errors.NotFound("thread", id)
	}
	t.UnreadCount[userID] = 0
	f.writes++
	return nil
}

func (f *fakeThreads) ListMessages(_ context.Context, threadID string, _ *time.Time, _ int) ([]*repository.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ThreadMessage
	for _, m := range f.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeThreads) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// ── expenses ──────────────────────────────────────────────────────────────────

type fakeExpenses struct {
	mu   sync.Mutex
	rows map[string]*repository.Expense
}

func newFakeExpenses(es ...*repository.Expense) *fakeExpenses {
	f := &fakeExpenses{rows: map[string]*repository.Expense{}}
	for _, e := range es {
		f.rows[e.ID] = e
	}
	return f
}

func (f *fakeExpenses) GetByID(_ context.Context, id string) (*repository.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return nil, errors.NotFound("expense", id)
	}
	c := *e
	return &c, nil
}

func (f *fakeExpenses) MarkSubmitted(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return errors.NotFound("expense", id)
	}
	if e.Status != repository.ExpenseDraft {
		return errors.Conflict("expense " + id + " cannot move from " + e.Status)
	}
	e.Status = repository.ExpenseSubmitted
	e.SubmittedAt = &at
	return nil
}

func (f *fakeExpenses) MarkDecided(_ context.Context, id, status, decidedBy string, reason *string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return errors.NotFound("expense", id)
	}
	if e.Status != repository.ExpenseSubmitted {
		return errors.Conflict("expense " + id + " cannot move from " + e.Status)
	}
	e.Status = status
	e.DecidedBy = &decidedBy
	e.DecisionReason = reason
	e.DecidedAt = &at
	return nil
}

// ── notifications ─────────────────────────────────────────────────────────────

type fakeNotifications struct {
	mu       sync.Mutex
	rows     map[string]*repository.Notification
	attempts []string
	createFn func(n *repository.Notification) error
}

func newFakeNotifications() *fakeNotifications {
	return &fakeNotifications{rows: map[string]*repository.Notification{}}
}

func (f *fakeNotifications) Create(_ context.Context, n *repository.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, n.RecipientID)
	if f.createFn != nil {
		if err := f.createFn(n); err != nil {
			return false, err
		}
	}
	key := n.EventID + "|" + n.RecipientID
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	n.ID = fmt.Sprintf("n-%d", len(f.rows)+1)
	n.CreatedAt = time.Now()
	f.rows[key] = n
	return true, nil
}

func (f *fakeNotifications) ListByRecipient(_ context.Context, recipientID string, unreadOnly bool, _ int) ([]*repository.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Notification
	for _, n := range f.rows {
		if n.RecipientID == recipientID && (!unreadOnly || !n.IsRead) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifications) MarkRead(_ context.Context, id, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.rows {
		if n.ID == id && n.RecipientID == recipientID {
			n.IsRead = true
			return nil
		}
	}
	return errors.NotFound("notification", id)
}

func (f *fakeNotifications) recipients(t repository.NotificationType) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.rows {
		if n.Type == t {
			out = append(out, n.RecipientID)
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeNotifications) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

// ── directory ─────────────────────────────────────────────────────────────────

type fakeDirectory struct {
	users []client.User
	err   error
}

func (f *fakeDirectory) GetUser(_ context.Context, id string) (*client.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if u.ID == id {
			c := u
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) FindUserByPhone(_ context.Context, phone string) (*client.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if u.Phone == phone {
			c := u
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) FindUsersByRole(_ context.Context, role string) ([]client.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []client.User
	for _, u := range f.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

// ── publisher / deduper ───────────────────────────────────────────────────────

type fakePublisher struct {
	mu     sync.Mutex
	events []client.NotificationEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e client.NotificationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

type fakeDeduper struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
}

func (f *fakeDeduper) Claim(_ context.Context, eventID, recipientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.claimed == nil {
		f.claimed = map[string]bool{}
	}
	key := eventID + "|" + recipientID
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func (f *fakeDeduper) Release(_ context.Context, eventID, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, eventID+"|"+recipientID)
	return nil
}

// ── harness ───────────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock         *clock.Fake
	delegations   *fakeDelegations
	projects      *fakeProjects
	audit         *fakeAudit
	threads       *fakeThreads
	expenses      *fakeExpenses
	notifications *fakeNotifications
	directory     *fakeDirectory
	publisher     *fakePublisher

	sweeper    *ExpirationSweeper
	resolver   *ApproverSetResolver
	reconciler *ChatMembershipReconciler
	fanout     *NotificationFanout
	svc        *DelegationService
	expenseSvc *ExpenseService
}

func strPtr(s string) *string { return &s }

func newHarness(projects ...*repository.Project) *harness {
	log := logger.Nop()
	h := &harness{
		clock:         clock.NewFake(t0),
		delegations:   newFakeDelegations(),
		projects:      newFakeProjects(projects...),
		audit:         &fakeAudit{},
		threads:       newFakeThreads(),
		expenses:      newFakeExpenses(),
		notifications: newFakeNotifications(),
		directory:     &fakeDirectory{},
		publisher:     &fakePublisher{},
	}
	h.sweeper = NewExpirationSweeper(h.delegations, h.projects, h.audit, h.clock, log)
	h.resolver = NewApproverSetResolver(h.projects, h.delegations, h.directory, h.sweeper, log)
	h.reconciler = NewChatMembershipReconciler(h.threads, h.resolver, log)
	h.fanout = NewNotificationFanout(h.notifications, h.directory, h.publisher, &fakeDeduper{}, 4, log)
	h.svc = NewDelegationService(h.delegations, h.projects, h.audit, h.directory, h.sweeper, h.fanout, h.clock, log)
	h.expenseSvc = NewExpenseService(h.expenses, h.projects, h.threads, h.resolver, h.reconciler, h.fanout, h.clock, log)
	return h
}

func projectP() *repository.Project {
	return &repository.Project{
		ID:          "P",
		Name:        "Feature shoot",
		ApproverIDs: []string{"A"},
		ManagerID:   strPtr("M"),
	}
}
