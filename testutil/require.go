package testutil

import (
	"time"
)

// RequireReceive reads one value from ch within timeout, or fails the test
func RequireReceive[V any](t T, ch <-chan V, timeout time.Duration, what string) V {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", what)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v %s", timeout, what)
	}
	panic("unreachable")
}
