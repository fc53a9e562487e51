package engine

import "time"

// Clock supplies wall-clock time for run bookkeeping: run start and finish,
// log entry timestamps, and the local change watermark.
//
// The watermark of a connection is the start time of its last successful
// run, so tests that check incremental behaviour install a deterministic
// clock (see testutil.StepClock).
//
// Thread-safety: implementations must be safe for concurrent use; every
// record worker of a run reads the clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }
