package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/queue/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gate is a launcher whose commands finish when the test says so
type gate struct {
	mx      sync.Mutex
	started []string
	release map[string]chan error
}

func newGate(commands ...string) *gate {
	g := &gate{release: make(map[string]chan error, len(commands))}
	for _, cmd := range commands {
		g.release[cmd] = make(chan error, 1)
	}
	return g
}

func (g *gate) Launch(_ context.Context, command string) error {
	g.mx.Lock()
	g.started = append(g.started, command)
	ch := g.release[command]
	g.mx.Unlock()
	return <-ch
}

func (g *gate) finish(command string, err error) {
	g.release[command] <- err
}

func (g *gate) Started() []string {
	g.mx.Lock()
	defer g.mx.Unlock()
	return append([]string(nil), g.started...)
}

func running(p *scheduler.Pool) map[int]string {
	ret := make(map[int]string)
	for _, s := range p.Slots() {
		ret[s.Index] = s.Job.Command
	}
	return ret
}

func TestPool_Scenario(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		g := newGate("A", "B", "C", "D")
		p := scheduler.New(scheduler.Config{Consumers: 2, Capacity: 8, Tick: time.Second}, g)
		for _, cmd := range []string{"A", "B", "C", "D"} {
			_, err := p.Submit(t.Context(), cmd)
			require.NoError(t, err)
		}

		done := make(chan error, 1)
		go func() {
			done <- p.Run(t.Context())
		}()

		synctest.Wait()
		require.ElementsMatch(t, []string{"A", "B"}, g.Started())
		require.Equal(t, map[int]string{0: "A", 1: "B"}, running(p))
		stats := p.Stats()
		require.Equal(t, 2, stats.Working)
		require.Equal(t, 2, stats.Queued)
		require.Equal(t, scheduler.Running, stats.State)

		g.finish("A", nil)
		synctest.Wait()
		require.Equal(t, []string{"C"}, g.Started()[2:])
		require.Equal(t, map[int]string{0: "C", 1: "B"}, running(p), "slot of A is reused")
		require.Equal(t, 1, p.Stats().Queued)

		g.finish("B", errors.New("boom"))
		synctest.Wait()
		require.Equal(t, []string{"C", "D"}, g.Started()[2:])
		require.Equal(t, map[int]string{0: "C", 1: "D"}, running(p))
		require.Zero(t, p.Stats().Queued)

		g.finish("D", nil)
		synctest.Wait()
		require.Equal(t, map[int]string{0: "C"}, running(p))
		select {
		case <-done:
			t.Fatal("scheduler returned with C still running")
		default:
		}

		g.finish("C", nil)
		synctest.Wait()
		require.NoError(t, <-done)
		p.Wait()

		stats = p.Stats()
		require.Equal(t, scheduler.Draining, stats.State)
		require.True(t, stats.ShuttingDown)
		require.Zero(t, stats.Working)
		require.Equal(t, uint64(4), stats.Dispatched)
		require.Equal(t, uint64(3), stats.Succeeded)
		require.Equal(t, uint64(1), stats.Failed)

		_, err := p.Submit(t.Context(), "E")
		require.ErrorIs(t, err, scheduler.ErrShuttingDown)

		p.Terminate()
		require.Equal(t, scheduler.Terminated, p.Stats().State)
	})
}

func TestPool_CapacityInvariant(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		const limit = 3
		var active, peak, total atomic.Int32
		l := launcherFunc(func(_ context.Context, _ string) error {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Duration(total.Add(1)%4+1) * 100 * time.Millisecond)
			active.Add(-1)
			return nil
		})

		p := scheduler.New(scheduler.Config{Consumers: limit, Capacity: 32, Tick: 50 * time.Millisecond}, l)
		for range 20 {
			_, err := p.Submit(t.Context(), "sleep")
			require.NoError(t, err)
		}

		var maxWorking int
		done := make(chan error, 1)
		go func() {
			done <- p.Run(t.Context())
		}()
	loop:
		for {
			select {
			case err := <-done:
				require.NoError(t, err)
				break loop
			default:
				maxWorking = max(maxWorking, p.Stats().Working)
				time.Sleep(10 * time.Millisecond)
			}
		}
		p.Wait()

		require.Equal(t, int32(20), total.Load())
		require.LessOrEqual(t, peak.Load(), int32(limit))
		require.Equal(t, int32(limit), peak.Load())
		require.LessOrEqual(t, maxWorking, limit)
		require.Equal(t, uint64(20), p.Stats().Succeeded)
	})
}

func TestPool_Idle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		g := newGate("A", "B")
		var calls atomic.Int32
		var p *scheduler.Pool
		p = scheduler.New(scheduler.Config{
			Consumers: 1,
			Capacity:  4,
			Tick:      time.Second,
			Idle: func(ctx context.Context) {
				// a submission arriving just as the queue runs dry
				if calls.Add(1) == 1 {
					_, err := p.Submit(ctx, "B")
					assert.NoError(t, err)
				}
			},
		}, g)
		_, err := p.Submit(t.Context(), "A")
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			done <- p.Run(t.Context())
		}()
		synctest.Wait()
		g.finish("A", nil)
		synctest.Wait()
		require.Equal(t, []string{"A", "B"}, g.Started())
		require.Equal(t, scheduler.Running, p.Stats().State)

		g.finish("B", nil)
		synctest.Wait()
		require.NoError(t, <-done)
		require.Equal(t, int32(2), calls.Load())
		require.Equal(t, uint64(2), p.Stats().Succeeded)
		p.Wait()
	})
}

// lockingHandler is a slog handler which takes the pool lock for every record,
// so logging while the lock is held deadlocks the bubble.
type lockingHandler struct {
	pool    atomic.Pointer[scheduler.Pool]
	records atomic.Int32
	mx      sync.Mutex
	queued  []string
}

func (h *lockingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *lockingHandler) Handle(_ context.Context, r slog.Record) error {
	if p := h.pool.Load(); p != nil {
		_ = p.Stats()
	}
	h.records.Add(1)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "queue" {
			h.mx.Lock()
			h.queued, _ = a.Value.Any().([]string)
			h.mx.Unlock()
		}
		return true
	})
	return nil
}

func (h *lockingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *lockingHandler) WithGroup(string) slog.Handler      { return h }

func TestPool_LogsOutsideLock(t *testing.T) {
	h := &lockingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	t.Cleanup(func() {
		slog.SetDefault(prev)
	})

	synctest.Test(t, func(t *testing.T) {
		g := newGate("A", "B", "C")
		p := scheduler.New(scheduler.Config{Consumers: 1, Capacity: 4, Tick: time.Second}, g)
		h.pool.Store(p)
		defer h.pool.Store(nil)

		for _, cmd := range []string{"A", "B", "C"} {
			_, err := p.Submit(t.Context(), cmd)
			require.NoError(t, err)
		}
		h.mx.Lock()
		require.Equal(t, []string{"A", "B", "C"}, h.queued, "debug snapshot of the queue")
		h.mx.Unlock()

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() {
			done <- p.Run(ctx)
		}()
		synctest.Wait()
		g.finish("A", nil)
		synctest.Wait()
		require.Equal(t, []string{"A", "B"}, g.Started())

		cancel()
		require.NoError(t, <-done)
		g.finish("B", nil)
		p.Wait()
		require.Greater(t, h.records.Load(), int32(6))
	})
}

func TestPool_QueueFull(t *testing.T) {
	t.Parallel()
	p := scheduler.New(scheduler.Config{Consumers: 1, Capacity: 2}, newGate())
	for _, cmd := range []string{"a", "b"} {
		_, err := p.Submit(t.Context(), cmd)
		require.NoError(t, err)
	}
	job, err := p.Submit(t.Context(), "c")
	require.ErrorIs(t, err, scheduler.ErrQueueFull)
	require.Zero(t, job)

	stats := p.Stats()
	require.Equal(t, 2, stats.Queued)
	require.Equal(t, 1, stats.Limit)
	require.Zero(t, stats.Working)
	require.Empty(t, p.Slots())
}

func TestPool_Persistent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		g := newGate("A", "B")
		p := scheduler.New(scheduler.Config{Consumers: 1, Capacity: 4, Persistent: true, Tick: time.Second}, g)
		_, err := p.Submit(t.Context(), "A")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() {
			done <- p.Run(ctx)
		}()

		synctest.Wait()
		g.finish("A", nil)
		time.Sleep(time.Minute)
		synctest.Wait()

		stats := p.Stats()
		require.Equal(t, scheduler.Running, stats.State)
		require.False(t, stats.ShuttingDown)
		require.Zero(t, stats.Working)
		require.Zero(t, stats.Queued)

		_, err = p.Submit(t.Context(), "B")
		require.NoError(t, err)
		synctest.Wait()
		require.Equal(t, []string{"A", "B"}, g.Started())
		g.finish("B", nil)
		synctest.Wait()
		require.Equal(t, scheduler.Running, p.Stats().State)

		cancel()
		synctest.Wait()
		require.NoError(t, <-done)
		require.True(t, p.Stats().ShuttingDown)
		_, err = p.Submit(t.Context(), "C")
		require.ErrorIs(t, err, scheduler.ErrShuttingDown)
	})
}

func TestPool_CancelKeepsRunningJobs(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		g := newGate("A", "B")
		p := scheduler.New(scheduler.Config{Consumers: 1, Capacity: 4, Tick: time.Second}, g)
		for _, cmd := range []string{"A", "B"} {
			_, err := p.Submit(t.Context(), cmd)
			require.NoError(t, err)
		}

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() {
			done <- p.Run(ctx)
		}()
		synctest.Wait()

		cancel()
		require.NoError(t, <-done)
		stats := p.Stats()
		require.Equal(t, scheduler.Draining, stats.State)
		require.Equal(t, 1, stats.Working)
		require.Zero(t, stats.Queued, "queued commands are dropped")
		require.Equal(t, []string{"A"}, g.Started())

		g.finish("A", nil)
		p.Wait()
		require.Equal(t, uint64(1), p.Stats().Succeeded)
	})
}

func TestPool_LaunchFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		l := launcherFunc(func(context.Context, string) error {
			calls.Add(1)
			return errors.New("exec: not found")
		})
		p := scheduler.New(scheduler.Config{Consumers: 2, Capacity: 4, Tick: time.Second}, l)
		for _, cmd := range []string{"x", "y", "z"} {
			_, err := p.Submit(t.Context(), cmd)
			require.NoError(t, err)
		}
		require.NoError(t, p.Run(t.Context()))
		p.Wait()

		stats := p.Stats()
		require.Equal(t, int32(3), calls.Load())
		require.Equal(t, uint64(3), stats.Failed)
		require.Zero(t, stats.Working)
		require.Empty(t, p.Slots())
	})
}

func TestState_String(t *testing.T) {
	require.Equal(t, "running", scheduler.Running.String())
	require.Equal(t, "draining", scheduler.Draining.String())
	require.Equal(t, "terminated", scheduler.Terminated.String())
	require.Equal(t, "unknown", scheduler.State(42).String())
}

type launcherFunc func(context.Context, string) error

func (f launcherFunc) Launch(ctx context.Context, command string) error {
	return f(ctx, command)
}
