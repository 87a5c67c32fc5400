// Package daemon ties the queue together: it decides whether this
// invocation owns the queue or forwards to the owner, and as the owner it
// creates and removes the artifacts around the scheduler lifetime.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/queue/internal/channel"
	"github.com/CZERTAINLY/queue/internal/intake"
	"github.com/CZERTAINLY/queue/internal/launcher"
	"github.com/CZERTAINLY/queue/internal/log"
	"github.com/CZERTAINLY/queue/internal/model"
	"github.com/CZERTAINLY/queue/internal/owner"
	"github.com/CZERTAINLY/queue/internal/scheduler"
)

const runAttempts = 3

var (
	ErrSetup     = errors.New("queue setup failed")
	errOwnerGone = errors.New("queue owner is gone")
)

type Outcome int

const (
	Owned Outcome = iota + 1
	Forwarded
)

func (o Outcome) String() string {
	switch o {
	case Owned:
		return "owned"
	case Forwarded:
		return "forwarded"
	default:
		return "none"
	}
}

type Daemon struct {
	cfg      model.Config
	registry *owner.Registry
	launcher launcher.Launcher
}

func New(cfg model.Config) *Daemon {
	return &Daemon{
		cfg:      cfg,
		registry: owner.NewRegistry(cfg.RunDir, cfg.Name),
		launcher: launcher.NewShell(cfg.Shell, cfg.ShellArgs, cfg.Environ()),
	}
}

// WithLauncher replaces the shell launcher.
// This method exists for a unit testing only.
func (d *Daemon) WithLauncher(l launcher.Launcher) *Daemon {
	d.launcher = l
	return d
}

// Record returns the owner record this invocation would create.
func (d *Daemon) Record() owner.Record {
	return d.registry.Record()
}

// Status reports the pid of the live owner, if any.
func (d *Daemon) Status() (pid int, alive bool, err error) {
	return d.registry.Probe()
}

// Run either becomes the owner and runs command together with everything
// forwarded to it, or forwards command to the live owner and returns
// immediately. Cancelling ctx is treated as a termination signal.
func (d *Daemon) Run(ctx context.Context, command string) (Outcome, error) {
	if err := channel.Validate(command); err != nil {
		return 0, err
	}

	for range runAttempts {
		rec, err := d.registry.Claim(ctx)
		var aliveErr *owner.OwnerAliveError
		switch {
		case errors.As(err, &aliveErr):
			err = d.forward(ctx, aliveErr.PID, command)
			if errors.Is(err, errOwnerGone) {
				slog.DebugContext(ctx, "queue owner died before accepting the command", "pid", aliveErr.PID)
				continue
			}
			return Forwarded, err
		case err != nil:
			return 0, fmt.Errorf("%w: %w", ErrSetup, err)
		}
		return Owned, d.own(ctx, rec, command)
	}
	return 0, fmt.Errorf("%w: ownership keeps changing", ErrSetup)
}

func (d *Daemon) forward(ctx context.Context, pid int, command string) error {
	path := d.registry.Record().Channel
	deadline := time.Now().Add(d.cfg.ForwardTimeout)
	delay := 10 * time.Millisecond

	for {
		err := channel.Send(path, command)
		if err == nil {
			slog.InfoContext(ctx, "sent command to running queue", "pid", pid, "command", command)
			return nil
		}
		if !errors.Is(err, channel.ErrNoChannel) && !errors.Is(err, channel.ErrNoReader) {
			return err
		}
		// the owner either still sets up the channel, or is dead
		if !owner.Alive(pid) {
			return errOwnerGone
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("forwarding to queue at [%d]: %w", pid, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(2*delay, time.Second)
	}
}

func (d *Daemon) own(ctx context.Context, rec owner.Record, command string) error {
	ctx = log.ContextAttrs(ctx, slog.Group("queue",
		slog.String("role", "owner"),
		slog.Int("pid", rec.PID),
	))

	reader, err := createChannel(rec.Channel)
	if err != nil {
		if rerr := d.registry.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "queue created", rec.LogAttrs()...)

	var listener *intake.Listener
	pool := scheduler.New(scheduler.Config{
		Consumers:  d.cfg.Consumers,
		Capacity:   d.cfg.QueueCapacity,
		Persistent: d.cfg.Persistent,
		Tick:       d.cfg.Tick,
		// frames written since the last tick are still ours to run
		Idle: func(ctx context.Context) {
			if err := listener.Flush(ctx); err != nil {
				slog.WarnContext(ctx, "reading submissions failed", "error", err)
			}
		},
	}, d.launcher)
	listener = intake.New(reader, pool, d.cfg.Tick)

	teardown := sync.OnceValue(func() error {
		return d.teardown(ctx, rec, reader)
	})

	// own command is the first job
	if _, err := pool.Submit(ctx, command); err != nil {
		return errors.Join(err, teardown())
	}

	lctx, stopListener := context.WithCancel(ctx)
	defer stopListener()
	g := new(errgroup.Group)
	g.Go(func() error {
		defer stopListener()
		return pool.Run(ctx)
	})
	g.Go(func() error {
		return listener.Run(lctx)
	})
	g.Go(func() error {
		<-lctx.Done()
		if ctx.Err() == nil {
			return nil
		}
		// termination signal: clean up right away, the scheduler may still
		// be in the middle of a tick
		slog.InfoContext(ctx, "received termination signal: terminating")
		_ = teardown()
		return nil
	})

	err = errors.Join(g.Wait(), teardown())
	pool.Terminate()

	var running []string
	for _, s := range pool.Slots() {
		if !s.Finished {
			running = append(running, s.Job.Command)
		}
	}
	if len(running) > 0 {
		slog.WarnContext(ctx, "leaving commands running", "commands", running)
	}
	slog.DebugContext(ctx, "queue finished",
		"stats", pool.Stats(),
		"accepted", listener.Accepted(),
		"dropped", listener.Dropped(),
	)
	return err
}

func createChannel(path string) (*channel.Reader, error) {
	reader, err := channel.Create(path)
	if errors.Is(err, fs.ErrExist) {
		// we hold the marker, so the FIFO is a leftover of a dead owner
		if err := channel.Remove(path); err != nil {
			return nil, err
		}
		reader, err = channel.Create(path)
	}
	return reader, err
}

// teardown closes the channel and removes the owner artifacts, each of
// them only if still present.
func (d *Daemon) teardown(ctx context.Context, rec owner.Record, reader *channel.Reader) error {
	var errs []error
	if err := reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing submission channel: %w", err))
	}
	if err := channel.Remove(rec.Channel); err != nil {
		errs = append(errs, err)
	}
	if err := d.registry.Release(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		slog.ErrorContext(ctx, "removing queue artifacts", "error", err)
	}
	return err
}
