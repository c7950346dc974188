// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that the
// engine's many timers (persistence debounce, replica eviction grace,
// awareness expiry) can be driven deterministically in tests.
//
// Production code accepts a Clock instead of calling the time package
// directly. Real() delegates to the standard library; Fake() stands
// still until Advance is called.
package clock

import "time"

// Clock abstracts the subset of the time package the engine uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer cancels the pending call via Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Timer is a cancellable scheduled call created by AfterFunc.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns false if the timer
// already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the timer to fire after duration d. Returns true
// if the timer was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// ticks are dropped when the consumer falls behind, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop, resetFunc: timer.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
