// Package channel implements the submission channel, a named FIFO through
// which forwarding invocations hand their command to the queue owner.
//
// Every message is a frame of FrameSize bytes: the command followed by NUL
// padding. FrameSize is below PIPE_BUF, so a frame is written atomically and
// concurrent writers never interleave.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	FrameSize = 1024
	// MaxCommandLen leaves room for at least one NUL terminator
	MaxCommandLen = FrameSize - 1
)

var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrCommandTooLong = fmt.Errorf("command longer than %d bytes", MaxCommandLen)
	ErrInvalidCommand = errors.New("command contains NUL byte")
	ErrNoChannel      = errors.New("submission channel does not exist")
	ErrNoReader       = errors.New("submission channel has no reader")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrClosed         = errors.New("submission channel closed")
)

// Validate checks that command fits into a single frame.
func Validate(command string) error {
	switch {
	case strings.TrimSpace(command) == "":
		return ErrEmptyCommand
	case len(command) > MaxCommandLen:
		return fmt.Errorf("%w: got %d", ErrCommandTooLong, len(command))
	case strings.IndexByte(command, 0) >= 0:
		return ErrInvalidCommand
	}
	return nil
}

func encode(command string) []byte {
	frame := make([]byte, FrameSize)
	copy(frame, command)
	return frame
}

func decode(frame []byte) (string, error) {
	if len(frame) != FrameSize {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}
	if i := bytes.IndexByte(frame, 0); i >= 0 {
		frame = frame[:i]
	}
	if len(frame) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrMalformedFrame)
	}
	return string(frame), nil
}

// Send delivers one command to the owner listening on path. It never blocks
// on a channel without a reader: ErrNoChannel or ErrNoReader is returned.
func Send(path string, command string) error {
	if err := Validate(command); err != nil {
		return err
	}

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	switch {
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %s", ErrNoChannel, path)
	case errors.Is(err, unix.ENXIO):
		return fmt.Errorf("%w: %s", ErrNoReader, path)
	case err != nil:
		return fmt.Errorf("opening submission channel %s: %w", path, err)
	}
	// the reader is there, a full pipe should wait rather than fail
	if err := unix.SetNonblock(fd, false); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("configuring submission channel: %w", err)
	}

	f := os.NewFile(uintptr(fd), path)
	n, err := f.Write(encode(command))
	cerr := f.Close()
	if err == nil && n != FrameSize {
		err = fmt.Errorf("short write: %d bytes", n)
	}
	if err != nil {
		return fmt.Errorf("writing to submission channel: %w", err)
	}
	if cerr != nil {
		return fmt.Errorf("closing submission channel: %w", cerr)
	}
	return nil
}

// Reader is the owner side of the channel.
type Reader struct {
	path string
	mx   sync.Mutex
	fd   int
}

// Create makes the FIFO at path and opens it for non-blocking reads.
func Create(path string) (*Reader, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("creating submission channel %s: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("opening submission channel %s: %w", path, err)
	}
	return &Reader{path: path, fd: fd}, nil
}

func (r *Reader) Path() string { return r.path }

// Read returns the next command. ok is false when nothing is pending.
func (r *Reader) Read() (command string, ok bool, err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.fd < 0 {
		return "", false, ErrClosed
	}

	frame := make([]byte, FrameSize)
	for {
		n, err := unix.Read(r.fd, frame)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return "", false, nil
		case err != nil:
			return "", false, fmt.Errorf("reading submission channel: %w", err)
		case n == 0:
			// no writer has the FIFO open
			return "", false, nil
		}
		command, err := decode(frame[:n])
		if err != nil {
			return "", false, err
		}
		return command, true, nil
	}
}

// Close closes the read side. It is idempotent.
func (r *Reader) Close() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return err
}

// Remove deletes the FIFO at path if present.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing submission channel: %w", err)
	}
	return nil
}
