// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject a Fake with deterministic time
// control. Retry backoff and backup retention both depend on a Clock so
// that tests never sleep for real.
package clock

import "time"

// Clock abstracts the time operations FleetForge components use.
// Production functions that would call time.Now or time.Sleep accept a
// Clock parameter (or are methods on a struct with a Clock field)
// instead of calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
