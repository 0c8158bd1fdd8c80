package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(0)
	release := make(chan struct{})
	var calls atomic.Int32
	refresh := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "new-token", nil
	}

	const n = 16
	var (
		wg      sync.WaitGroup
		leaders atomic.Int32
		results = make([]Outcome, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, leader := c.Do(context.Background(), refresh)
			if leader {
				leaders.Add(1)
			}
			results[i] = out
		}(i)
	}

	waitFor(t, "all callers to queue", func() bool { return c.Pending() == n })
	if !c.InFlight() {
		t.Fatalf("expected a refresh in flight")
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if got := leaders.Load(); got != 1 {
		t.Fatalf("expected exactly one leader, got %d", got)
	}
	for i, out := range results {
		if out.Err != nil || out.AccessToken != "new-token" {
			t.Fatalf("caller %d: unexpected outcome %+v", i, out)
		}
	}
	if c.InFlight() || c.Pending() != 0 {
		t.Fatalf("expected coordinator reset, inFlight=%v pending=%d", c.InFlight(), c.Pending())
	}
}

func TestCoordinator_ResolveDrainsAllWaiters(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(0)
	queued := []chan Outcome{make(chan Outcome, 1), make(chan Outcome, 1), make(chan Outcome, 1)}
	c.inFlight = true
	c.waiters = append(c.waiters, queued...)

	c.resolve(Outcome{Err: ErrSessionExpired})

	if c.InFlight() || c.Pending() != 0 {
		t.Fatalf("expected reset before delivery, inFlight=%v pending=%d", c.InFlight(), c.Pending())
	}
	for i, ch := range queued {
		select {
		case out := <-ch:
			if !errors.Is(out.Err, ErrSessionExpired) {
				t.Fatalf("waiter %d: unexpected outcome %+v", i, out)
			}
		default:
			t.Fatalf("waiter %d was not resolved", i)
		}
	}
}

func TestCoordinator_ResolveDeliversInQueueOrder(t *testing.T) {
	t.Parallel()

	// Unbuffered: resolve blocks on each waiter in turn, so only one case of
	// the select below is ever ready.
	const n = 6
	c := NewCoordinator(0)
	queued := make([]chan Outcome, n)
	for i := range queued {
		queued[i] = make(chan Outcome)
	}
	c.inFlight = true
	c.waiters = append(c.waiters, queued...)

	go c.resolve(Outcome{AccessToken: "t"})

	cases := make([]reflect.SelectCase, n)
	for i, ch := range queued {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)}
	}
	for want := 0; want < n; want++ {
		got, _, _ := reflect.Select(cases)
		if got != want {
			t.Fatalf("delivery %d went to waiter %d", want, got)
		}
		cases[got].Chan = reflect.Value{}
	}
}

func TestCoordinator_SequentialRefreshesAreIndependent(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(0)
	var calls atomic.Int32
	refresh := func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return "", errors.New("boom")
		}
		return "second", nil
	}

	if out, leader := c.Do(context.Background(), refresh); out.Err == nil || !leader {
		t.Fatalf("expected first refresh to fail as leader, got %+v leader=%v", out, leader)
	}
	if out, leader := c.Do(context.Background(), refresh); out.AccessToken != "second" || !leader {
		t.Fatalf("expected a fresh refresh after resolution, got %+v leader=%v", out, leader)
	}
}

func TestCoordinator_CancelledWaiterDoesNotCancelRefresh(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(0)
	release := make(chan struct{})
	refreshCtxErr := make(chan error, 1)
	refresh := func(ctx context.Context) (string, error) {
		<-release
		refreshCtxErr <- ctx.Err()
		return "t", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan Outcome, 1)
	go func() {
		out, _ := c.Do(ctx, refresh)
		leaderDone <- out
	}()
	waitFor(t, "leader to queue", func() bool { return c.Pending() == 1 })

	cancel()
	out := <-leaderDone
	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled for the cancelled caller, got %v", out.Err)
	}

	close(release)
	if err := <-refreshCtxErr; err != nil {
		t.Fatalf("refresh context must be detached from the caller, got %v", err)
	}
	waitFor(t, "coordinator reset", func() bool { return !c.InFlight() })
}

func TestCoordinator_Timeout(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(20 * time.Millisecond)
	refresh := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	out, _ := c.Do(context.Background(), refresh)
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", out.Err)
	}
}

func TestCoordinator_PanicResolvesWaiters(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(0)
	out, _ := c.Do(context.Background(), func(ctx context.Context) (string, error) {
		panic("refresh exploded")
	})
	if !errors.Is(out.Err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired after panic, got %v", out.Err)
	}
	if c.InFlight() {
		t.Fatalf("expected coordinator reset after panic")
	}
}
