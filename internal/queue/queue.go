// Package queue holds the jobs accepted by the owner and not yet started.
//
// FIFO is not safe for concurrent use, the scheduler guards it with the same
// lock it uses for its worker slots and counters.
package queue

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrFull = errors.New("queue is full")

// Job is one accepted command. Seq is the position in the arrival order.
type Job struct {
	Seq      uint64
	ID       uuid.UUID
	Command  string
	Accepted time.Time
}

func (j Job) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Uint64("seq", j.Seq),
		slog.String("job_id", j.ID.String()),
		slog.String("command", j.Command),
	}
}

// FIFO is a bounded ring of jobs.
type FIFO struct {
	jobs []Job
	head int
	size int
	seq  uint64
}

func New(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{jobs: make([]Job, capacity)}
}

// Push accepts command as a new Job at the tail of the queue.
// Returns ErrFull and leaves the queue untouched when there is no room.
func (q *FIFO) Push(command string) (Job, error) {
	if q.size == len(q.jobs) {
		return Job{}, ErrFull
	}
	q.seq++
	job := Job{
		Seq:      q.seq,
		ID:       uuid.New(),
		Command:  command,
		Accepted: time.Now().UTC(),
	}
	q.jobs[(q.head+q.size)%len(q.jobs)] = job
	q.size++
	return job, nil
}

// Pop removes the oldest job.
func (q *FIFO) Pop() (Job, bool) {
	if q.size == 0 {
		return Job{}, false
	}
	job := q.jobs[q.head]
	q.jobs[q.head] = Job{}
	q.head = (q.head + 1) % len(q.jobs)
	q.size--
	return job, true
}

func (q *FIFO) Len() int { return q.size }
func (q *FIFO) Cap() int { return len(q.jobs) }

// Commands returns queued commands, oldest first.
func (q *FIFO) Commands() []string {
	ret := make([]string, 0, q.size)
	for i := range q.size {
		ret = append(ret, q.jobs[(q.head+i)%len(q.jobs)].Command)
	}
	return ret
}

// Clear drops all queued jobs and returns how many were dropped.
func (q *FIFO) Clear() int {
	n := q.size
	for q.size > 0 {
		q.Pop()
	}
	return n
}
