// Copyright 2026 The Crier Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() and drive it with Advance.
//
// Any crier code that would call time.Now, time.After, time.NewTicker,
// or time.Sleep takes a Clock instead (usually as a struct field
// defaulted to Real()). The connect-timeout wait, the flush ticker,
// the send throttle, and the relay keepalive all run on a Clock.
package clock

import "time"

// Clock is the subset of the time package that crier exercises.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on C at the given
	// interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release it.
// C is buffered with capacity 1; ticks are dropped, not queued, when
// the consumer falls behind (matching time.Ticker).
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stop() }
