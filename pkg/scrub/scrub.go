// Package scrub keeps sensitive values out of log output. An anonymous
// service that logs the origin of incoming streams in plaintext defeats the
// point of running behind an anonymity overlay, so anything derived from
// the remote side of a stream is wrapped before it is handed to a logger.
// The wrapped value renders as a fixed marker unless full disclosure has
// been explicitly enabled for the process (debug runs only).
package scrub

import (
	"fmt"
	"sync/atomic"
)

// Marker is the string that replaces a sensitive value in log output.
const Marker = "[scrubbed]"

var fullyDisclose int32

// SetFullyDisclose enables or disables rendering of sensitive values in
// plaintext, process-wide. It is off by default and should only be turned
// on for local debugging.
func SetFullyDisclose(disclose bool) {
	v := int32(0)
	if disclose {
		v = 1
	}
	atomic.StoreInt32(&fullyDisclose, v)
}

// FullyDisclosed returns true if sensitive values are currently being
// rendered in plaintext.
func FullyDisclosed() bool {
	return atomic.LoadInt32(&fullyDisclose) != 0
}

// Redacted wraps a sensitive value for logging. It formats as Marker unless
// full disclosure is enabled, in which case it formats as the wrapped value
// would.
type Redacted struct {
	v interface{}
}

// Value wraps an arbitrary sensitive value so that it is safe to pass to a
// logger or fmt formatting function.
func Value(v interface{}) Redacted {
	return Redacted{v: v}
}

// String wraps a sensitive string. Identical to Value but avoids an
// interface conversion at the call site.
func String(s string) Redacted {
	return Redacted{v: s}
}

func (r Redacted) String() string {
	if FullyDisclosed() {
		return fmt.Sprintf("%v", r.v)
	}
	return Marker
}
