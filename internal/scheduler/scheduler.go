package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/queue/internal/launcher"
	"github.com/CZERTAINLY/queue/internal/log"
	"github.com/CZERTAINLY/queue/internal/queue"
)

var (
	ErrQueueFull    = queue.ErrFull
	ErrShuttingDown = errors.New("queue is shutting down")
)

type State int

const (
	Running State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type Config struct {
	Consumers  int
	Capacity   int
	Persistent bool
	Tick       time.Duration
	// Idle, if set, is called without the lock held when a non persistent
	// pool has nothing left to do, right before it drains. Jobs submitted by
	// Idle keep the pool running.
	Idle func(ctx context.Context)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	State        State
	Working      int
	Queued       int
	Limit        int
	Persistent   bool
	ShuttingDown bool
	Dispatched   uint64
	Succeeded    uint64
	Failed       uint64
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state", s.State.String()),
		slog.Int("working", s.Working),
		slog.Int("queued", s.Queued),
		slog.Int("limit", s.Limit),
	)
}

type slotState int

const (
	slotIdle slotState = iota
	slotRunning
	slotFinished
)

type slot struct {
	state   slotState
	job     queue.Job
	started time.Time
	err     error
}

// Slot describes a worker slot holding a job which has not been reaped yet.
type Slot struct {
	Index    int
	Job      queue.Job
	Started  time.Time
	Finished bool
}

// Pool is the worker pool scheduler. A single mutex guards the queue, the
// slots and the counters; it is never held while a command runs.
type Pool struct {
	mx         sync.Mutex
	queue      *queue.FIFO
	slots      []slot
	free       []int
	working    int
	state      State
	shutdown   bool
	dispatched uint64
	succeeded  uint64
	failed     uint64

	limit      int
	persistent bool
	tick       time.Duration
	idle       func(ctx context.Context)
	launcher   launcher.Launcher
	wake       chan struct{}
	wg         sync.WaitGroup
}

func New(cfg Config, l launcher.Launcher) *Pool {
	limit := max(cfg.Consumers, 1)
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	// free is a stack, the most recently reaped slot is reused first
	free := make([]int, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		free = append(free, i)
	}
	return &Pool{
		queue:      queue.New(cfg.Capacity),
		slots:      make([]slot, limit),
		free:       free,
		limit:      limit,
		persistent: cfg.Persistent,
		tick:       tick,
		idle:       cfg.Idle,
		launcher:   l,
		wake:       make(chan struct{}, 1),
	}
}

// Submit appends command to the queue. It never blocks on capacity:
// ErrQueueFull is returned instead.
func (p *Pool) Submit(ctx context.Context, command string) (queue.Job, error) {
	p.mx.Lock()
	if p.shutdown {
		p.mx.Unlock()
		return queue.Job{}, ErrShuttingDown
	}
	job, err := p.queue.Push(command)
	var queued []string
	if err == nil && slog.Default().Enabled(ctx, slog.LevelDebug) {
		queued = p.queue.Commands()
	}
	p.mx.Unlock()
	if err != nil {
		return queue.Job{}, err
	}

	p.notify()
	slog.DebugContext(ctx, "command queued", slog.Uint64("seq", job.Seq), slog.String("command", command), slog.Any("queue", queued))
	return job, nil
}

func (p *Pool) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler loop. On every tick, or when a job finishes or gets
// submitted, it reaps finished slots and dispatches queued jobs while there
// is a free slot.
//
// Without the persistent flag Run returns once the queue is empty and no job
// is running. With it, Run keeps going until ctx is cancelled. Jobs still
// running when Run returns are left to finish, use Wait for them.
func (p *Pool) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a scheduler", "limit", p.limit, "persistent", p.persistent)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			p.stop(ctx)
			return nil
		}
		if idle := p.step(ctx); idle && p.drain(ctx) {
			slog.DebugContext(ctx, "queue drained")
			return nil
		}
		select {
		case <-ctx.Done():
			p.stop(ctx)
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// change is a slot transition done under the lock and logged after it
type change struct {
	msg     string
	slot    int
	job     queue.Job
	working int
	queued  int
}

// step reaps finished slots and dispatches queued jobs into free ones. It
// reports whether a non persistent pool has nothing left to do.
func (p *Pool) step(ctx context.Context) bool {
	p.mx.Lock()
	if p.state != Running {
		p.mx.Unlock()
		return true
	}

	var changes []change
	for idx := range p.slots {
		s := &p.slots[idx]
		if s.state != slotFinished {
			continue
		}
		p.working--
		p.free = append(p.free, idx)
		changes = append(changes, change{"cleaning command from queue", idx, s.job, p.working, p.queue.Len()})
		*s = slot{}
	}

	var start []change
	for p.working < p.limit && p.queue.Len() > 0 {
		job, _ := p.queue.Pop()
		idx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.slots[idx] = slot{state: slotRunning, job: job, started: time.Now().UTC()}
		p.working++
		p.dispatched++
		p.wg.Add(1)
		start = append(start, change{"executing command from queue", idx, job, p.working, p.queue.Len()})
	}
	idle := !p.persistent && p.working == 0 && p.queue.Len() == 0
	p.mx.Unlock()

	for _, c := range append(changes, start...) {
		slog.DebugContext(ctx, c.msg,
			"slot", c.slot,
			"command", c.job.Command,
			"working", c.working,
			"queued", c.queued,
		)
	}
	for _, c := range start {
		go p.execute(ctx, c.slot, c.job)
	}
	return idle
}

// drain gives the Idle hook a last chance to submit, then moves the pool to
// Draining if there is still nothing to do.
func (p *Pool) drain(ctx context.Context) bool {
	if p.idle != nil {
		p.idle(ctx)
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.state != Running {
		return true
	}
	if p.working > 0 || p.queue.Len() > 0 {
		return false
	}
	p.state = Draining
	p.shutdown = true
	return true
}

func (p *Pool) execute(ctx context.Context, idx int, job queue.Job) {
	defer p.wg.Done()
	attrs := append(job.LogAttrs(), slog.Int("slot", idx))
	ctx = log.ContextAttrs(ctx, slog.GroupAttrs("job", attrs...))

	err := p.launcher.Launch(ctx, job.Command)
	if err != nil {
		slog.DebugContext(ctx, "command failed", "error", err)
	}

	p.mx.Lock()
	p.slots[idx].state = slotFinished
	p.slots[idx].err = err
	if err != nil {
		p.failed++
	} else {
		p.succeeded++
	}
	p.mx.Unlock()
	p.notify()
}

func (p *Pool) stop(ctx context.Context) {
	p.mx.Lock()
	p.shutdown = true
	if p.state == Running {
		p.state = Draining
	}
	dropped := p.queue.Commands()
	p.queue.Clear()
	p.mx.Unlock()

	if len(dropped) > 0 {
		slog.WarnContext(ctx, "scheduler stopped: dropping queued commands", "queued", dropped)
	}
}

// Terminate marks the pool as terminated, Submit fails from now on.
func (p *Pool) Terminate() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.shutdown = true
	p.state = Terminated
}

// Wait blocks until all dispatched jobs have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Stats() Stats {
	p.mx.Lock()
	defer p.mx.Unlock()
	return Stats{
		State:        p.state,
		Working:      p.working,
		Queued:       p.queue.Len(),
		Limit:        p.limit,
		Persistent:   p.persistent,
		ShuttingDown: p.shutdown,
		Dispatched:   p.dispatched,
		Succeeded:    p.succeeded,
		Failed:       p.failed,
	}
}

// Slots returns the occupied slots ordered by index.
func (p *Pool) Slots() []Slot {
	p.mx.Lock()
	defer p.mx.Unlock()
	var ret []Slot
	for idx, s := range p.slots {
		if s.state == slotIdle {
			continue
		}
		ret = append(ret, Slot{
			Index:    idx,
			Job:      s.job,
			Started:  s.started,
			Finished: s.state == slotFinished,
		})
	}
	return ret
}
