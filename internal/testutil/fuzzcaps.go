// Package testutil holds shared guards for fuzz targets: input caps
// sized to the protocol's datagram limit and a watchdog for decode
// loops that must stay fast.
package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzBytes matches the largest datagram the transport will
	// read, so fuzzing never explores inputs the wire cannot carry.
	MaxFuzzBytes = 64 << 10

	DefaultFuzzTimeout = 100 * time.Millisecond
)

// CapBytes truncates fuzz input to max; max <= 0 means uncapped.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 {
		return b
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails the test when fn does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
