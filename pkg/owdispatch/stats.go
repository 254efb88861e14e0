package owdispatch

import (
	"fmt"
	"sync/atomic"
)

// StreamStats keeps track of currently active and total admitted stream
// counts for a dispatcher, and how many requests were turned away. All
// methods are safe for concurrent use.
type StreamStats struct {
	total    int32
	active   int32
	rejected int32
}

// New adds one to the total admitted stream count and returns the new total,
// which doubles as the stream's sequence number in logs.
func (s *StreamStats) New() int32 {
	return atomic.AddInt32(&s.total, 1)
}

// Open adds one to the active stream count.
func (s *StreamStats) Open() {
	atomic.AddInt32(&s.active, 1)
}

// Close subtracts one from the active stream count.
func (s *StreamStats) Close() {
	atomic.AddInt32(&s.active, -1)
}

// Rejected adds one to the turned-away request count.
func (s *StreamStats) Rejected() {
	atomic.AddInt32(&s.rejected, 1)
}

// GetNumActive returns the number of streams currently being served.
func (s *StreamStats) GetNumActive() int32 {
	return atomic.LoadInt32(&s.active)
}

// GetNumTotal returns the number of streams admitted so far.
func (s *StreamStats) GetNumTotal() int32 {
	return atomic.LoadInt32(&s.total)
}

// GetNumRejected returns the number of requests turned away so far.
func (s *StreamStats) GetNumRejected() int32 {
	return atomic.LoadInt32(&s.rejected)
}

func (s *StreamStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&s.active), atomic.LoadInt32(&s.total))
}
