package budget_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crucible-ai/crucible/internal/budget"
	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func rejectConfig(maxTokens int64) config.BudgetConfig {
	return config.BudgetConfig{
		MaxTokens: maxTokens,
		Window:    time.Minute,
		OnExceed:  config.ExceedReject,
	}
}

func delayConfig(maxTokens int64) config.BudgetConfig {
	return config.BudgetConfig{
		MaxTokens: maxTokens,
		Window:    time.Minute,
		OnExceed:  config.ExceedDelay,
	}
}

func TestAcquireAdmitsUnderLimit(t *testing.T) {
	ctrl := budget.NewController(rejectConfig(1000), 0)

	res, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 100, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	res.Reconcile(models.Usage{TotalTokens: 120}, 0.012)

	usage := ctrl.Snapshot()["mock/mock-chat"]
	if usage.WindowTokens != 120 {
		t.Fatalf("window tokens = %d, want 120", usage.WindowTokens)
	}
	if usage.ReservedTokens != 0 {
		t.Fatalf("reservation not cleared: %d", usage.ReservedTokens)
	}
}

func TestAcquireRejectsOverLimit(t *testing.T) {
	ctrl := budget.NewController(rejectConfig(100), 0)

	res, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 80, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Release()

	_, err = ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 80, 0)
	if err == nil {
		t.Fatal("expected rejection when the reservation would exceed the window")
	}
	if fault.KindOf(err) != fault.KindBudgetExceeded {
		t.Fatalf("kind = %s, want budget_exceeded", fault.KindOf(err))
	}
}

func TestReleaseFreesReservation(t *testing.T) {
	ctrl := budget.NewController(rejectConfig(100), 0)

	res, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 80, 0)
	if err != nil {
		t.Fatal(err)
	}
	res.Release()

	// Released reservations charge nothing, so the next request fits.
	res2, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 80, 0)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	res2.Release()
}

func TestReservationSettlesExactlyOnce(t *testing.T) {
	ctrl := budget.NewController(rejectConfig(1000), 0)

	res, _ := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 100, 0)
	res.Reconcile(models.Usage{TotalTokens: 50}, 0)
	res.Release()
	res.Reconcile(models.Usage{TotalTokens: 50}, 0)

	usage := ctrl.Snapshot()["mock/mock-chat"]
	if usage.WindowTokens != 50 {
		t.Fatalf("window tokens = %d, want 50 (double settle must be a no-op)", usage.WindowTokens)
	}
}

func TestWindowSlidesOverTime(t *testing.T) {
	clock := newFakeClock()
	ctrl := budget.NewController(rejectConfig(100), 0, budget.WithClock(clock.Now))

	res, _ := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 90, 0)
	res.Reconcile(models.Usage{TotalTokens: 90}, 0)

	if _, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 90, 0); err == nil {
		t.Fatal("expected rejection inside the window")
	}

	clock.Advance(2 * time.Minute)

	res2, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 90, 0)
	if err != nil {
		t.Fatalf("expected admission after the window slid: %v", err)
	}
	res2.Release()

	if usage := ctrl.Snapshot()["mock/mock-chat"]; usage.WindowTokens != 0 {
		t.Fatalf("stale usage survived the slide: %d tokens", usage.WindowTokens)
	}
}

func TestDelayPolicyBlocksUntilCapacity(t *testing.T) {
	ctrl := budget.NewController(delayConfig(100), 0)

	res, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 100, 0)
	if err != nil {
		t.Fatal(err)
	}

	admitted := make(chan error, 1)
	go func() {
		r, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 100, 0)
		if r != nil {
			r.Release()
		}
		admitted <- err
	}()

	select {
	case <-admitted:
		t.Fatal("waiter admitted while the window was full")
	case <-time.After(50 * time.Millisecond):
	}

	res.Release()
	select {
	case err := <-admitted:
		if err != nil {
			t.Fatalf("waiter should be admitted after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted")
	}
}

func TestWaitersServedByPriority(t *testing.T) {
	ctrl := budget.NewController(delayConfig(100), 0)

	res, _ := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 100, 0)

	type grant struct {
		priority int
		res      *budget.Reservation
	}
	grants := make(chan grant, 2)
	var started sync.WaitGroup
	enqueue := func(priority int) {
		started.Add(1)
		go func() {
			started.Done()
			r, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", priority, 100, 0)
			if err != nil {
				t.Error(err)
				return
			}
			grants <- grant{priority, r}
		}()
	}

	enqueue(1)
	started.Wait()
	time.Sleep(20 * time.Millisecond) // let the low-priority waiter enqueue first
	enqueue(5)
	started.Wait()
	time.Sleep(20 * time.Millisecond)

	res.Release()
	first := <-grants
	if first.priority != 5 {
		t.Fatalf("first grant went to priority %d, want 5", first.priority)
	}
	first.res.Release()
	second := <-grants
	if second.priority != 1 {
		t.Fatalf("second grant went to priority %d, want 1", second.priority)
	}
	second.res.Release()
}

func TestConcurrencyCapDelaysEvenWithRejectPolicy(t *testing.T) {
	ctrl := budget.NewController(rejectConfig(0), 1)

	res, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 10, 0)
	if err != nil {
		t.Fatal(err)
	}

	admitted := make(chan error, 1)
	go func() {
		r, err := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 10, 0)
		if r != nil {
			r.Release()
		}
		admitted <- err
	}()

	select {
	case <-admitted:
		t.Fatal("second call admitted past the concurrency cap")
	case <-time.After(50 * time.Millisecond):
	}

	res.Reconcile(models.Usage{TotalTokens: 10}, 0)
	select {
	case err := <-admitted:
		if err != nil {
			t.Fatalf("waiter should be admitted after the slot freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	ctrl := budget.NewController(delayConfig(100), 0)

	res, _ := ctrl.Acquire(context.Background(), "mock", "mock-chat", 0, 100, 0)
	defer res.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Acquire(ctx, "mock", "mock-chat", 0, 100, 0)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if fault.KindOf(err) != fault.KindCancelled {
			t.Fatalf("kind = %s, want cancelled", fault.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}

func TestSeparateModelsHaveSeparateWindows(t *testing.T) {
	ctrl := budget.NewController(rejectConfig(100), 0)

	res, _ := ctrl.Acquire(context.Background(), "mock", "chat-a", 0, 90, 0)
	res.Reconcile(models.Usage{TotalTokens: 90}, 0)

	res2, err := ctrl.Acquire(context.Background(), "mock", "chat-b", 0, 90, 0)
	if err != nil {
		t.Fatalf("another model's window must be independent: %v", err)
	}
	res2.Release()
}
