package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpy-sync/internal/syncerr"
)

type fakeSession struct {
	mu       sync.Mutex
	attached bool
	log      []string
}

func (s *fakeSession) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *fakeSession) Suspend(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
	s.log = append(s.log, "suspend")
	return nil
}

func (s *fakeSession) Resume(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = true
	s.log = append(s.log, "resume")
	return nil
}

func (s *fakeSession) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, ev)
}

func (s *fakeSession) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

type fakeKiller struct {
	n    atomic.Int32
	port atomic.Value
}

func (k *fakeKiller) Kill(port string) {
	k.port.Store(port)
	k.n.Add(1)
}

// block occupies the gate until release is closed, reporting when it started.
func block(t *testing.T, g *Gate) (started chan struct{}, release chan struct{}, done chan error) {
	t.Helper()
	started, release, done = make(chan struct{}), make(chan struct{}), make(chan error, 1)
	go func() {
		done <- g.Do(context.Background(), Options{Name: "blocker"}, func(ctx context.Context) error {
			close(started)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	<-started
	return started, release, done
}

func waitQueue(t *testing.T, g *Gate, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return g.Health().QueueLength == n }, time.Second, time.Millisecond)
}

func TestOperationsRunInOrder(t *testing.T) {
	g := New(Config{Port: "/dev/ttyACM0"})
	defer g.Close()

	_, release, done := block(t, g)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = g.Do(context.Background(), Options{}, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitQueue(t, g, i)
	}
	close(release)
	require.NoError(t, <-done)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPreemptDropsQueuedWork(t *testing.T) {
	g := New(Config{Port: "/dev/ttyACM0"})
	defer g.Close()

	_, release, done := block(t, g)

	staleErr := make(chan error, 1)
	ran := atomic.Bool{}
	go func() {
		staleErr <- g.Do(context.Background(), Options{Name: "stale"}, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	waitQueue(t, g, 1)

	freshErr := make(chan error, 1)
	go func() {
		freshErr <- g.Do(context.Background(), Options{Name: "fresh", Preempt: true}, func(context.Context) error { return nil })
	}()

	assert.ErrorIs(t, <-staleErr, syncerr.ErrPreempted)
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-freshErr)
	assert.False(t, ran.Load())
}

func TestPreemptDoesNotTouchInFlight(t *testing.T) {
	g := New(Config{Port: "/dev/ttyACM0"})
	defer g.Close()

	_, release, done := block(t, g)
	go func() {
		_ = g.Do(context.Background(), Options{Preempt: true}, func(context.Context) error { return nil })
	}()
	waitQueue(t, g, 1)
	close(release)
	assert.NoError(t, <-done)
}

func TestCancelStopsInFlight(t *testing.T) {
	k := &fakeKiller{}
	g := New(Config{Port: "/dev/ttyACM0", Killer: k})
	defer g.Close()

	assert.False(t, g.Cancel())

	_, _, done := block(t, g)
	assert.True(t, g.Cancel())

	err := <-done
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
	assert.Equal(t, int32(1), k.n.Load())
	assert.Equal(t, "/dev/ttyACM0", k.port.Load())

	// The gate keeps working after a cancel.
	assert.NoError(t, g.Do(context.Background(), Options{}, func(context.Context) error { return nil }))
}

func TestCallerContextWithdrawsQueuedJob(t *testing.T) {
	g := New(Config{Port: "/dev/ttyACM0"})
	defer g.Close()

	_, release, done := block(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- g.Do(ctx, Options{}, func(context.Context) error { return errors.New("must not run") })
	}()
	waitQueue(t, g, 1)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, g.Health().QueueLength)

	close(release)
	require.NoError(t, <-done)
}

func TestSessionSuspendedAroundOperation(t *testing.T) {
	s := &fakeSession{attached: true}
	g := New(Config{Port: "/dev/ttyACM0", AutoSuspend: true})
	g.SetSession(s)
	defer g.Close()

	err := g.Do(context.Background(), Options{}, func(context.Context) error {
		s.record("op")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"suspend", "op", "resume"}, s.events())
	assert.True(t, s.Attached())
}

func TestSkipSuspendOption(t *testing.T) {
	s := &fakeSession{attached: true}
	g := New(Config{Port: "/dev/ttyACM0", AutoSuspend: true})
	g.SetSession(s)
	defer g.Close()

	require.NoError(t, g.Do(context.Background(), Options{SkipSuspend: true}, func(context.Context) error {
		s.record("op")
		return nil
	}))
	assert.Equal(t, []string{"op"}, s.events())

	// The option applies to one call only.
	require.NoError(t, g.Do(context.Background(), Options{}, func(context.Context) error { return nil }))
	assert.Equal(t, []string{"op", "suspend", "resume"}, s.events())
}

func TestSessionResumedAfterFailure(t *testing.T) {
	s := &fakeSession{attached: true}
	g := New(Config{Port: "/dev/ttyACM0", AutoSuspend: true})
	g.SetSession(s)
	defer g.Close()

	err := g.Do(context.Background(), Options{}, func(context.Context) error { return errors.New("boom") })
	assert.EqualError(t, err, "boom")
	assert.True(t, s.Attached())
	assert.Equal(t, 1, g.Health().Failures)
}

func TestPanicBecomesError(t *testing.T) {
	g := New(Config{Port: "/dev/ttyACM0"})
	defer g.Close()

	err := g.Do(context.Background(), Options{Name: "bad"}, func(context.Context) error { panic("oops") })
	assert.ErrorContains(t, err, "panicked")
}

func TestClosedGateRejectsWork(t *testing.T) {
	g := New(Config{Port: "/dev/ttyACM0"})
	g.Close()
	err := g.Do(context.Background(), Options{}, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, syncerr.ErrGateClosed)
}

func TestSettleDelay(t *testing.T) {
	g := New(Config{Port: "/dev/ttyACM0", SettleDelay: 20 * time.Millisecond})
	defer g.Close()

	start := time.Now()
	require.NoError(t, g.Do(context.Background(), Options{}, func(context.Context) error { return nil }))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
