// Package intake moves commands from the submission channel into the
// scheduler queue for the whole lifetime of the owner.
package intake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/CZERTAINLY/queue/internal/channel"
	"github.com/CZERTAINLY/queue/internal/queue"
)

type Source interface {
	Read() (command string, ok bool, err error)
}

type Sink interface {
	Submit(ctx context.Context, command string) (queue.Job, error)
}

// Listener polls Source once per tick and drains everything available.
// Submissions the Sink refuses are dropped, the submitter is not told.
type Listener struct {
	src      Source
	sink     Sink
	tick     time.Duration
	limiter  *rate.Limiter
	mx       sync.Mutex // one drain at a time keeps the arrival order
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

func New(src Source, sink Sink, tick time.Duration) *Listener {
	if tick <= 0 {
		tick = time.Second
	}
	return &Listener{
		src:     src,
		sink:    sink,
		tick:    tick,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Run returns nil once ctx is cancelled or the source is closed.
func (l *Listener) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting an intake listener", "tick", l.tick.String())
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		if err := l.drain(ctx); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			slog.WarnContext(ctx, "reading submissions failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush drains the source once, outside of the tick. A closed source is not
// an error.
func (l *Listener) Flush(ctx context.Context) error {
	if err := l.drain(ctx); err != nil && !errors.Is(err, channel.ErrClosed) {
		return err
	}
	return nil
}

func (l *Listener) drain(ctx context.Context) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	for ctx.Err() == nil {
		command, ok, err := l.src.Read()
		if errors.Is(err, channel.ErrMalformedFrame) {
			l.reject(ctx, command, err)
			continue
		}
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		job, err := l.sink.Submit(ctx, command)
		if err != nil {
			l.reject(ctx, command, err)
			continue
		}
		l.accepted.Add(1)
		slog.DebugContext(ctx, "received command from other queue call", "seq", job.Seq, "command", command)
	}
	return nil
}

func (l *Listener) reject(ctx context.Context, command string, err error) {
	n := l.dropped.Add(1)
	if !l.limiter.Allow() {
		return
	}
	slog.DebugContext(ctx, "submission dropped", "command", command, "error", err, "dropped", n)
}

func (l *Listener) Accepted() uint64 { return l.accepted.Load() }
func (l *Listener) Dropped() uint64  { return l.dropped.Load() }
