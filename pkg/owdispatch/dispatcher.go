// Package owdispatch contains the root orchestration loop of an onion
// service: it pulls rendezvous stream requests from an overlay transport
// source, admits or rejects each one by its virtual port, and serves every
// admitted stream on its own goroutine with optional TLS termination
// followed by HTTP bridging or raw forwarding to a local backend.
//
// A failure on one stream never disturbs other streams or the pull loop;
// only a failure of the transport itself ends dispatching.
package owdispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/onionward/pkg/owhttp"
	"github.com/sammck-go/onionward/pkg/ownet"
	"github.com/sammck-go/onionward/pkg/owtls"
)

const (
	// DefaultHandshakeTimeout bounds one TLS handshake when Config leaves
	// HandshakeTimeout at 0. Generous, because overlay circuits can be slow.
	DefaultHandshakeTimeout = 30 * time.Second

	// forwardDialTimeout bounds the dial to a forward route's backend
	forwardDialTimeout = 3 * time.Second
)

// Route binds one admitted virtual port to its downstream pipeline.
type Route struct {
	// Port is the virtual port remote clients address.
	Port uint16

	// TLS terminates TLS on the stream before anything else when true.
	TLS bool

	// ForwardTo, when non-empty, is a local TCP address ("host:port") the
	// decrypted stream is piped to instead of the built-in HTTP engine.
	// This fronts an existing server unmodified.
	ForwardTo string
}

// DefaultRoutes returns the standard route table: virtual ports 80 and 443,
// both TLS-terminated and served by the configured handler.
func DefaultRoutes() []Route {
	return []Route{
		{Port: 80, TLS: true},
		{Port: 443, TLS: true},
	}
}

// Config carries the settings for a Dispatcher.
type Config struct {
	// Routes is the table of served virtual ports. nil selects
	// DefaultRoutes(). The admission gate is derived from it.
	Routes []Route

	// Handler serves the HTTP requests of every non-forwarding route.
	// Required unless all routes forward.
	Handler http.Handler

	// Identity is the TLS identity used to terminate streams on routes with
	// TLS set. Required when any route has TLS.
	Identity *owtls.Identity

	// HandshakeTimeout bounds each stream's TLS handshake. 0 selects
	// DefaultHandshakeTimeout; negative disables the bound.
	HandshakeTimeout time.Duration

	// IdleTimeout bounds how long a served conn may sit idle between HTTP
	// requests. 0 disables; overlay circuits are expensive to rebuild, so
	// idle conns are kept by default.
	IdleTimeout time.Duration

	// MaxActiveStreams caps the number of concurrently served streams;
	// requests over the cap are refused with RejectOverloaded. 0 means
	// unbounded.
	MaxActiveStreams int

	// DisableHTTP2 restricts served streams to HTTP/1.x.
	DisableHTTP2 bool
}

// Dispatcher runs the pull/admit/serve loop over one stream source.
type Dispatcher struct {
	logger.Logger
	src              ownet.StreamSource
	gate             *PortGate
	routes           map[uint16]Route
	terminator       *owtls.Terminator
	bridge           *owhttp.Bridge
	handshakeTimeout time.Duration
	maxActiveStreams int
	stats            StreamStats
	wg               sync.WaitGroup
}

// New creates a Dispatcher serving streams from src. config may be nil for
// the default route table, in which case a Handler and Identity are still
// required by the defaults.
func New(lg logger.Logger, src ownet.StreamSource, config *Config) (*Dispatcher, error) {
	if config == nil {
		config = &Config{}
	}
	d := &Dispatcher{
		Logger:           lg.ForkLogStr("dispatch"),
		src:              src,
		maxActiveStreams: config.MaxActiveStreams,
	}
	if src == nil {
		return nil, d.Errorf("A stream source is required")
	}
	if config.MaxActiveStreams < 0 {
		return nil, d.Errorf("MaxActiveStreams must be >= 0, got %d", config.MaxActiveStreams)
	}

	routes := config.Routes
	if routes == nil {
		routes = DefaultRoutes()
	}
	if len(routes) == 0 {
		return nil, d.Errorf("At least one route is required")
	}
	d.routes = make(map[uint16]Route, len(routes))
	ports := make([]uint16, 0, len(routes))
	needTLS := false
	needHandler := false
	for _, route := range routes {
		if _, ok := d.routes[route.Port]; ok {
			return nil, d.Errorf("Duplicate route for virtual port %d", route.Port)
		}
		d.routes[route.Port] = route
		ports = append(ports, route.Port)
		if route.TLS {
			needTLS = true
		}
		if route.ForwardTo == "" {
			needHandler = true
		}
	}
	d.gate = NewPortGate(ports...)

	if needTLS {
		if config.Identity == nil {
			return nil, d.Errorf("A TLS identity is required by routes that terminate TLS")
		}
		d.terminator = owtls.NewTerminator(lg, config.Identity, &owtls.TerminatorConfig{
			DisableHTTP2: config.DisableHTTP2,
		})
	}
	if needHandler {
		if config.Handler == nil {
			return nil, d.Errorf("An HTTP handler is required by routes that do not forward")
		}
		d.bridge = owhttp.NewBridge(lg, config.Handler, &owhttp.BridgeConfig{
			IdleTimeout:  config.IdleTimeout,
			DisableHTTP2: config.DisableHTTP2,
		})
	}

	d.handshakeTimeout = config.HandshakeTimeout
	if d.handshakeTimeout == 0 {
		d.handshakeTimeout = DefaultHandshakeTimeout
	} else if d.handshakeTimeout < 0 {
		d.handshakeTimeout = 0
	}

	return d, nil
}

// Stats returns the dispatcher's stream counters.
func (d *Dispatcher) Stats() *StreamStats {
	return &d.stats
}

// WaitStreams blocks until every stream task spawned so far has finished.
// Meant for a drain after Run returns; it does not stop new spawns while
// Run is still going.
func (d *Dispatcher) WaitStreams() {
	d.wg.Wait()
}

// Run pulls stream requests from the source and dispatches them until the
// sequence ends. It returns nil when the sequence is cleanly exhausted,
// ctx.Err() when ctx ends the loop, and the transport's error when the
// overlay fails. Whatever the cause, the service handle is released
// (exactly once) before Run returns; streams already being served are left
// to finish on their own.
//
// The loop goroutine only ever blocks waiting for the next request. Accept
// and everything after it happen on the stream's own goroutine, so one slow
// or hostile stream cannot stall admission of the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	identity := d.src.Identity()
	d.ILogf("Dispatching for %s (identity key %s), %s", identity, identity.KeyFingerprint, d.gate)

	var finalErr error
	for {
		req, err := d.src.Next(ctx)
		if err != nil {
			if err == io.EOF {
				d.DLogf("Stream sequence exhausted; ending dispatch %s", d.stats.String())
			} else if ctx.Err() != nil {
				d.DLogf("Dispatch stopped by caller: %s", err)
				finalErr = ctx.Err()
			} else {
				d.ELogf("Overlay transport failed: %s", err)
				finalErr = err
			}
			break
		}

		desc := req.Descriptor()
		reject := func(reason ownet.RejectReason, message string) {
			d.DLogf("Refusing %s (%s)", desc.Scrubbed(), reason)
			d.stats.Rejected()
			rejectErr := req.Reject(reason, message)
			if rejectErr != nil {
				d.DLogf("Unable to deliver stream rejection, ignoring: %s", rejectErr)
			}
		}

		if !d.gate.Admits(desc.Port) {
			reject(ownet.RejectNotAllowed, fmt.Sprintf("virtual port %d is not served", desc.Port))
			continue
		}
		if d.maxActiveStreams > 0 && int(d.stats.GetNumActive()) >= d.maxActiveStreams {
			reject(ownet.RejectOverloaded, "stream limit reached")
			continue
		}

		id := d.stats.New()
		d.stats.Open()
		d.wg.Add(1)
		go d.serveStream(ctx, id, req, d.routes[desc.Port])
	}

	d.src.StartShutdown(finalErr)
	return finalErr
}

// serveStream is the per-stream task. Any failure here is logged and
// swallowed; it ends this stream only.
func (d *Dispatcher) serveStream(ctx context.Context, id int32, req ownet.StreamRequest, route Route) {
	defer d.wg.Done()
	defer d.stats.Close()

	desc := req.Descriptor()
	startTime := time.Now()
	d.DLogf("Stream %d: admitting %s %s", id, desc.Scrubbed(), d.stats.String())

	conn, err := req.Accept()
	if err != nil {
		d.DLogf("Stream %d: accept failed, stream abandoned: %s", id, err)
		return
	}

	if route.TLS {
		hsCtx := ctx
		cancel := func() {}
		if d.handshakeTimeout > 0 {
			hsCtx, cancel = context.WithTimeout(ctx, d.handshakeTimeout)
		}
		tlsConn, err := d.terminator.Terminate(hsCtx, conn)
		cancel()
		if err != nil {
			d.DLogf("Stream %d: TLS termination failed for %s: %s", id, desc.Scrubbed(), err)
			return
		}
		conn = tlsConn
	}

	if route.ForwardTo != "" {
		d.forwardStream(ctx, id, route, conn, startTime)
		return
	}

	err = d.bridge.ServeConn(ctx, conn)
	duration := time.Since(startTime)
	if err != nil {
		d.DLogf("Stream %d: HTTP session ended with error after %s: %s", id, duration, err)
	} else {
		d.DLogf("Stream %d: HTTP session ended normally after %s", id, duration)
	}
}

// forwardStream pipes a (decrypted) stream to a local backend server, the
// classic hidden-service port mapping.
func (d *Dispatcher) forwardStream(ctx context.Context, id int32, route Route, conn net.Conn, startTime time.Time) {
	backendConn, err := net.DialTimeout("tcp", route.ForwardTo, forwardDialTimeout)
	if err != nil {
		d.DLogf("Stream %d: dial of backend %s failed: %s", id, route.ForwardTo, err)
		conn.Close()
		return
	}

	streamPipe := ownet.NewNetConnBipipe(d.Logger, conn)
	backendPipe := ownet.NewNetConnBipipe(d.Logger, backendConn)
	bridge := ownet.NewStreamBridge(d.Logger, streamPipe, backendPipe, 0)
	go func() {
		select {
		case <-ctx.Done():
			bridge.StartShutdown(ctx.Err())
		case <-bridge.ShutdownDoneChan():
		}
	}()

	err = bridge.WaitShutdown()
	duration := time.Since(startTime)
	numToBackend := bridge.GetNumBytesWritten(1)
	numToClient := bridge.GetNumBytesWritten(0)
	if err != nil {
		d.DLogf("Stream %d: forward to %s ended with error after %s, %s in, %s out: %s",
			id, route.ForwardTo, duration, sizestr.ToString(int64(numToBackend)), sizestr.ToString(int64(numToClient)), err)
	} else {
		d.DLogf("Stream %d: forward to %s ended normally after %s, %s in, %s out",
			id, route.ForwardTo, duration, sizestr.ToString(int64(numToBackend)), sizestr.ToString(int64(numToClient)))
	}
}
