// Package utils holds helpers shared by the bridge's test suites.
package utils

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test when goroutines started during it are
// still running at the end. Streams, janitors and metrics servers all run
// their own goroutines, so every package that starts them uses it.
type GoroutineLeakDetector struct {
	t              testing.TB
	initialCount   int
	allowedGrowth  int
	checkInterval  time.Duration
	settleTimeout  time.Duration
	stabilizeDelay time.Duration
}

// NewGoroutineLeakDetector creates a detector reporting to t.
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	return &GoroutineLeakDetector{
		t:              t,
		checkInterval:  20 * time.Millisecond,
		settleTimeout:  2 * time.Second,
		stabilizeDelay: 50 * time.Millisecond,
	}
}

// Start records the baseline goroutine count.
func (d *GoroutineLeakDetector) Start() *GoroutineLeakDetector {
	time.Sleep(d.stabilizeDelay)
	d.initialCount = runtime.NumGoroutine()
	return d
}

// Check polls until the goroutine count is back within the allowed growth
// or the settle timeout passes, then reports a leak with full stacks.
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()

	deadline := time.Now().Add(d.settleTimeout)
	count := runtime.NumGoroutine()
	for count-d.initialCount > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(d.checkInterval)
		count = runtime.NumGoroutine()
	}

	if leaked := count - d.initialCount; leaked > d.allowedGrowth {
		d.t.Errorf("goroutine leak: started with %d, ended with %d (leaked %d, allowed %d)\n%s",
			d.initialCount, count, leaked, d.allowedGrowth, stacks())
	}
}

// SetAllowedGrowth sets the number of goroutines allowed to outlive the test.
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetSettleTimeout sets how long Check waits for goroutines to exit.
func (d *GoroutineLeakDetector) SetSettleTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.settleTimeout = timeout
	return d
}

// VerifyNoLeaks starts a detector and runs Check when the test ends.
func VerifyNoLeaks(t testing.TB) {
	t.Helper()
	d := NewGoroutineLeakDetector(t).Start()
	t.Cleanup(d.Check)
}

func stacks() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	// Drop the detector's own goroutine from the dump.
	dump := string(buf[:n])
	if i := strings.Index(dump, "\n\ngoroutine "); i >= 0 {
		return dump[i+2:]
	}
	return dump
}
