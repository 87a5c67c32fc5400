// Package owner implements the singleton protocol of the queue.
//
// The owner of a queue is recorded in a pid marker next to the submission
// channel. Both artifacts are scoped by the channel name and the effective
// user id, so different users never share a queue.
//
// The marker is created atomically: the pid is written to a temporary file
// which is then hard linked to the marker path. link(2) fails when the
// marker exists, so a marker is either absent or holds a complete pid and
// two concurrent invocations can never both become the owner.
package owner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const claimAttempts = 3

var (
	ErrOwnerAlive  = errors.New("queue owner is alive")
	ErrClaimFailed = errors.New("cannot claim queue ownership")
)

// OwnerAliveError reports the pid of the live owner.
type OwnerAliveError struct {
	PID int
}

func (e *OwnerAliveError) Error() string {
	return fmt.Sprintf("%s: pid %d", ErrOwnerAlive, e.PID)
}

func (e *OwnerAliveError) Is(target error) bool {
	return target == ErrOwnerAlive
}

// Record identifies the owner and its artifacts.
type Record struct {
	PID     int
	Channel string
	Marker  string
}

func (r Record) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Int("owner_pid", r.PID),
		slog.String("channel", r.Channel),
		slog.String("marker", r.Marker),
	}
}

type Registry struct {
	dir  string
	name string
	uid  int
	pid  int
}

func NewRegistry(dir, name string) *Registry {
	return &Registry{
		dir:  dir,
		name: name,
		uid:  unix.Geteuid(),
		pid:  os.Getpid(),
	}
}

// WithPID changes the pid recorded by Claim.
// This method exists for a unit testing only.
func (r *Registry) WithPID(pid int) *Registry {
	r.pid = pid
	return r
}

func (r *Registry) Record() Record {
	base := r.name + "-" + strconv.Itoa(r.uid)
	return Record{
		PID:     r.pid,
		Channel: filepath.Join(r.dir, base+".q"),
		Marker:  filepath.Join(r.dir, base+".pid"),
	}
}

// Claim makes the caller the owner of the queue. When a live owner exists
// it returns *OwnerAliveError, a dead owner's artifacts are removed and the
// claim is retried.
func (r *Registry) Claim(ctx context.Context) (Record, error) {
	rec := r.Record()
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return Record{}, fmt.Errorf("creating run directory %s: %w", r.dir, err)
	}

	for range claimAttempts {
		err := r.link(rec)
		if err == nil {
			slog.DebugContext(ctx, "queue ownership claimed", "pid", rec.PID, "marker", rec.Marker)
			return rec, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return Record{}, fmt.Errorf("creating pid marker %s: %w", rec.Marker, err)
		}

		pid, alive, err := r.Probe()
		if err != nil {
			return Record{}, err
		}
		if alive {
			return Record{}, &OwnerAliveError{PID: pid}
		}
		if pid == 0 {
			// marker vanished in between: released by its owner
			continue
		}
		slog.DebugContext(ctx, "found dead queue: removing", "pid", pid)
		if err := r.purge(rec, pid); err != nil {
			return Record{}, err
		}
	}
	return Record{}, fmt.Errorf("%w: %s", ErrClaimFailed, rec.Marker)
}

func (r *Registry) link(rec Record) error {
	tmp, err := os.CreateTemp(r.dir, "."+filepath.Base(rec.Marker)+"-*")
	if err != nil {
		return fmt.Errorf("creating temporary marker: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	_, err = tmp.WriteString(strconv.Itoa(rec.PID))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing temporary marker: %w", err)
	}
	return os.Link(tmp.Name(), rec.Marker)
}

// Probe reads the recorded owner and checks whether it is alive.
// A missing marker is reported as pid 0. An unparsable marker is reported
// as a dead owner with pid -1.
func (r *Registry) Probe() (pid int, alive bool, err error) {
	pid, err = readPID(r.Record().Marker)
	if err != nil {
		return 0, false, err
	}
	if pid <= 0 {
		return pid, false, nil
	}
	return pid, Alive(pid), nil
}

// purge removes the marker and the channel of a dead owner, unless the
// marker has been replaced meanwhile. Concurrent purges are serialized by an
// exclusive lock on <name>-<euid>.lock, and the marker is checked again while
// the lock is held: a purge which lost the race sees the new owner's marker,
// or none at all, and leaves everything in place.
func (r *Registry) purge(rec Record, stale int) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	pid, err := readPID(rec.Marker)
	if err != nil {
		return err
	}
	if pid != stale {
		return nil
	}
	var errs []error
	for _, path := range []string{rec.Marker, rec.Channel} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing stale %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// lock takes the recovery lock. The lock file is never removed, unlinking it
// would let two holders lock different inodes.
func (r *Registry) lock() (func(), error) {
	path := r.lockPath()
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock %s: %w", path, err)
	}
	for {
		err = unix.Flock(fd, unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = unix.Close(fd)
	}, nil
}

func (r *Registry) lockPath() string {
	return filepath.Join(r.dir, r.name+"-"+strconv.Itoa(r.uid)+".lock")
}

// Release removes the marker if it still records this registry's pid.
// It is safe to call more than once and from several goroutines.
func (r *Registry) Release() error {
	rec := r.Record()
	pid, err := readPID(rec.Marker)
	if err != nil {
		return err
	}
	if pid != rec.PID {
		return nil
	}
	if err := os.Remove(rec.Marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing pid marker: %w", err)
	}
	return nil
}

func readPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading pid marker: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return -1, nil
	}
	return pid, nil
}

// Alive sends the null signal to pid. EPERM means the process exists but
// belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
