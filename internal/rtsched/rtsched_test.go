package rtsched

import "testing"

func TestRequestRealtimeDoesNotPanic(t *testing.T) {
	// Whether this succeeds depends on the host's scheduling policy
	// permissions; the contract under test is just "never panics, never
	// blocks".
	_ = RequestRealtime(nil, DefaultPriority)
}
