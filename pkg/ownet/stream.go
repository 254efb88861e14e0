package ownet

import (
	"context"
	"fmt"
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/onionward/pkg/scrub"
)

// StreamDescriptor carries the metadata the overlay transport knows about one
// incoming rendezvous stream before it is accepted. It is cheap to copy and
// inspecting it does not consume the stream request.
type StreamDescriptor struct {
	// Port is the virtual ("onion") port the remote side addressed. This is
	// the only field admission decisions may depend on.
	Port uint16

	// Origin is an opaque transport-side token for the stream's origin, e.g.
	// a circuit or stream id. It is sensitive: it must never appear in log
	// output in plaintext. Use Scrubbed() or scrub.Value when logging.
	Origin string
}

// String renders the full descriptor including the sensitive origin. It must
// not be passed to a logger directly; wrap it with scrub.Value or use
// Scrubbed().
func (d StreamDescriptor) String() string {
	if d.Origin == "" {
		return fmt.Sprintf("stream to port %d", d.Port)
	}
	return fmt.Sprintf("stream to port %d from %s", d.Port, d.Origin)
}

// Scrubbed renders the descriptor for log output: the port stays visible,
// the origin is redacted unless full disclosure is enabled.
func (d StreamDescriptor) Scrubbed() string {
	if d.Origin == "" {
		return fmt.Sprintf("stream to port %d", d.Port)
	}
	return fmt.Sprintf("stream to port %d from %s", d.Port, scrub.String(d.Origin))
}

// RejectReason classifies why a stream request was refused, so transports can
// map the refusal onto their wire protocol.
type RejectReason int

const (
	// RejectNotAllowed means the virtual port is not in the allowed set.
	RejectNotAllowed RejectReason = iota

	// RejectOverloaded means the service is at its concurrent stream limit.
	RejectOverloaded

	// RejectUnavailable means the service cannot take the stream for an
	// internal reason, e.g. it is shutting down.
	RejectUnavailable
)

func (r RejectReason) String() string {
	switch r {
	case RejectNotAllowed:
		return "not allowed"
	case RejectOverloaded:
		return "overloaded"
	case RejectUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("reject reason %d", int(r))
}

// StreamRequest is one pending connection attempt delivered by the overlay
// transport. Exactly one of Accept or Reject must be invoked on every
// request: never zero, never both. The second consuming call returns an
// error without touching the transport.
type StreamRequest interface {
	// Descriptor returns the request metadata. It may be called any number
	// of times, before or after the request is consumed.
	Descriptor() StreamDescriptor

	// Accept consumes the request and establishes the stream, returning the
	// raw duplex byte stream as a net.Conn. The bytes are overlay-encrypted
	// in transit but carry no TLS; TLS termination, if any, happens above.
	// An error means the stream could not be established (e.g. the remote
	// side is gone); the request is still consumed.
	Accept() (net.Conn, error)

	// Reject consumes the request, refusing the stream and tearing down the
	// underlying circuit/channel without any data transfer. message is a
	// short operator-readable explanation that may cross the overlay; it
	// must not contain sensitive values.
	Reject(reason RejectReason, message string) error
}

// ServiceIdentity is the reporting-only identity of a published service.
type ServiceIdentity struct {
	// Name is the public service name remote clients use to reach the
	// service, e.g. a .onion address. Not sensitive.
	Name string

	// KeyFingerprint is a fingerprint of the service's identity key.
	KeyFingerprint string
}

func (si ServiceIdentity) String() string {
	if si.Name == "" {
		return "<unpublished service>"
	}
	return si.Name
}

// StreamSource is the boundary to the overlay transport: a lazy sequence of
// StreamRequests combined with the handle that keeps the service published.
// The dispatcher consumes this interface and nothing else of the transport.
//
// Shutting the source down (its AsyncShutdowner side) releases the service's
// reachability; the shutdown helper's once-semantics make release safe to
// request from multiple places. After shutdown starts, the request sequence
// drains and Next reports clean exhaustion.
type StreamSource interface {
	fmt.Stringer

	// Next blocks until the next stream request arrives and returns it.
	// Requests are returned in transport arrival order.
	// It returns io.EOF when the sequence is cleanly exhausted (the overlay
	// detached in an orderly way, or the source was shut down locally), and
	// ctx.Err() if ctx is done first. Any other error means the transport
	// failed; no further requests will be delivered.
	Next(ctx context.Context) (StreamRequest, error)

	// Identity reports the published identity of the service. It is valid
	// once the source is established and is used only for reporting.
	Identity() ServiceIdentity

	// AsyncShutdowner releases the service handle: StartShutdown initiates
	// teardown of reachability, WaitShutdown waits for it to finish.
	asyncobj.AsyncShutdowner
}
