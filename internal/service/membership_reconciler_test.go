package service

import (
	"context"
	"reflect"
	"sort"
	"testing"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

func expenseE() *repository.Expense {
	return &repository.Expense{
		ID:          "E",
		ProjectID:   "P",
		Title:       "Camera rental",
		Amount:      125000,
		Currency:    "INR",
		Status:      repository.ExpenseDraft,
		SubmittedBy: "S",
	}
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func (h *harness) ensure(t *testing.T, actor string) []string {
	t.Helper()
	p, err := h.projects.GetByID(context.Background(), "P")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	members, err := h.reconciler.EnsureMembership(context.Background(), p, expenseE(), actor, h.clock.Now())
	if err != nil {
		t.Fatalf("ensure membership: %v", err)
	}
	return sorted(members)
}

func TestEnsureMembershipCreatesThread(t *testing.T) {
	h := newHarness(projectP())

	got := h.ensure(t, "S")
	if want := []string{"A", "M", "S"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members = %v, want %v", got, want)
	}

	th, err := h.threads.GetByID(context.Background(), repository.ThreadIDForExpense("E"))
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	for _, m := range got {
		if c, ok := th.UnreadCount[m]; !ok || c != 0 {
			t.Errorf("unread[%s] = %d (present %v), want 0", m, c, ok)
		}
	}
}

func TestEnsureMembershipIsIdempotent(t *testing.T) {
	h := newHarness(projectP())

	first := h.ensure(t, "S")
	writes := h.threads.writeCount()
	second := h.ensure(t, "S")

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("member sets differ: %v vs %v", first, second)
	}
	if got := h.threads.writeCount(); got != writes {
		t.Fatalf("second call wrote %d times, want 0", got-writes)
	}
}

func TestEnsureMembershipHealsWithoutRemoving(t *testing.T) {
	h := newHarness(projectP())
	err := h.threads.Create(context.Background(), &repository.ApprovalThread{
		ID:          repository.ThreadIDForExpense("E"),
		ProjectID:   "P",
		ExpenseID:   "E",
		Members:     []string{"S", "A", "OLD"},
		UnreadCount: map[string]int{"S": 2, "A": 5, "OLD": 1},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	got := h.ensure(t, "S")
	if want := []string{"A", "M", "OLD", "S"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members = %v, want %v", got, want)
	}

	th, _ := h.threads.GetByID(context.Background(), repository.ThreadIDForExpense("E"))
	want := map[string]int{"S": 2, "A": 5, "OLD": 1, "M": 0}
	if !reflect.DeepEqual(th.UnreadCount, want) {
		t.Errorf("unread = %v, want %v", th.UnreadCount, want)
	}
}

func TestEnsureMembershipPicksUpLateDelegate(t *testing.T) {
	h := newHarness(projectP())
	h.ensure(t, "S")

	h.acceptedDelegate(t, "B", "", 0)

	if got := h.ensure(t, "S"); !reflect.DeepEqual(got, []string{"A", "B", "M", "S"}) {
		t.Fatalf("members after delegate accepted = %v", got)
	}
	h.fanout.Wait()
}

func TestEnsureMembershipDegradesWhenResolverFails(t *testing.T) {
	h := newHarness(projectP())
	h.directory.err = errors.Unavailable("user directory", context.DeadlineExceeded)

	got := h.ensure(t, "A")
	if want := []string{"A", "S"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("degraded members = %v, want %v", got, want)
	}
}

func TestEnsureMembershipStoresDelegateByUserID(t *testing.T) {
	h := newHarness(projectP())
	h.acceptedDelegate(t, "", "+15550000002", 0)
	h.acceptedDelegate(t, "", "+15550000003", 0)
	h.directory.users = []client.User{{ID: "B", Phone: "+15550000002"}}

	got := h.ensure(t, "S")
	if want := []string{"+15550000003", "A", "B", "M", "S"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members = %v, want %v", got, want)
	}
	h.fanout.Wait()
}
