// Package scheduler runs minute-resolution timers described by timespec.TimeSpec.
//
// # Overview
//
// A Scheduler owns an ordered collection of timers. Each timer pairs a
// TimeSpec with an opaque payload and a repeat/once flag, and is identified by
// an integer ID. IDs start at 1 and are never reused by the same Scheduler.
//
// Run is the engine's loop. Once per minute it captures the current time,
// walks every timer in insertion order and calls the FireFunc for each match.
// Fire-once timers are removed in the same pass. It then sleeps until the next
// minute boundary (60 minus the current second), so firings land within a
// second of the intended minute and never drift.
//
// # Locking
//
// One mutex guards the timer collection and is held for the whole of
// AddTimer, RemoveTimer, RemoveAllTimers and each sweep. The FireFunc runs with
// that lock held:
//
//   - A FireFunc must not call back into the Scheduler synchronously; it
//     would deadlock.
//   - A slow or hanging FireFunc stalls every other timer and blocks
//     AddTimer/RemoveTimer until it returns. Hand real work to a queue.
//
// # Failures
//
// A FireFunc error or panic is logged (throttled per timer), recorded in the
// history and published as a timer.failed event; the sweep continues with the
// next timer. Cancelling the Run context is the normal way to stop and is not
// an error.
package scheduler
