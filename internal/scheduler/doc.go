// Package scheduler implements the worker pool consuming the shared queue.
//
// Overview
// The Pool owns the queue of accepted jobs and a fixed table of worker slots,
// one per consumer. Submit appends to the queue, Run is the control loop
// which moves jobs from the queue into free slots and hands them to a
// launcher.Launcher, each job in its own goroutine.
//
// Data flow:
//
//	intake.Listener        Pool{queue, slots}          launcher.Launcher
//	    |                       |                            |
//	Submit(cmd) ---------->| push (ErrQueueFull)             |
//	    |                  | step: reap finished slots       |
//	    |                  |       pop oldest -> free slot ->| Launch(cmd)
//	    |                  |                                 | (blocks, no lock)
//	    |                  |<-------- slot finished ---------|
//	    |                  | wake -> step                    |
//
// States: Running -> Draining -> Terminated. Without the persistent flag a
// pool whose queue is empty and has no running job switches to Draining and
// Run returns. Right before that, Config.Idle gets one chance to submit
// late work. The owner then stops the intake, removes its artifacts and
// calls Terminate.
//
// Invariants:
//   - working <= limit at every point in time.
//   - queued <= capacity, a full queue rejects instead of blocking.
//   - Jobs are dispatched in arrival order.
//   - A reaped slot index is the first one reused.
//   - A dispatched job is never cancelled, stopping the pool only stops
//     further dispatching.
//
// internal/scheduler/scheduler_test.go shows the expected interaction with
// a Pool.
package scheduler
