// Package owhttp serves HTTP on individual, already-established connections.
// There is no listener in the ordinary sense: each rendezvous stream that
// survives admission and TLS termination is handed to the bridge one conn at
// a time, and the bridge runs the full HTTP engine on it, including
// keep-alive, HTTP/2 and connection upgrades.
package owhttp

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sammck-go/logger"
	"golang.org/x/net/http2"
)

// BridgeConfig carries optional settings for a Bridge.
type BridgeConfig struct {
	// IdleTimeout bounds how long a keep-alive conn may sit idle between
	// requests. 0 disables the bound; rebuilding an overlay circuit is
	// expensive, so idle conns are kept by default. On conns without
	// deadline support the bound is advisory.
	IdleTimeout time.Duration

	// ReadHeaderTimeout bounds reading one request header. 0 disables.
	ReadHeaderTimeout time.Duration

	// DisableHTTP2 turns off HTTP/2 serving even on conns that negotiated
	// h2 via ALPN.
	DisableHTTP2 bool
}

// Bridge serves HTTP with a fixed handler on conns handed to ServeConn.
// A single Bridge is shared by all streams of a dispatcher.
type Bridge struct {
	logger.Logger
	handler http.Handler
	config  BridgeConfig

	// h2 is the shared HTTP/2 engine; nil when HTTP/2 is disabled
	h2 *http2.Server
}

// NewBridge creates a Bridge that serves handler. config may be nil for
// defaults.
func NewBridge(logger logger.Logger, handler http.Handler, config *BridgeConfig) *Bridge {
	if config == nil {
		config = &BridgeConfig{}
	}
	b := &Bridge{
		Logger:  logger.ForkLogStr("http"),
		handler: handler,
		config:  *config,
	}
	if !config.DisableHTTP2 {
		b.h2 = &http2.Server{
			IdleTimeout: config.IdleTimeout,
		}
	}
	return b
}

// ServeConn serves HTTP on conn until the conn is done, and returns how it
// ended. The bridge takes ownership of conn.
//
// A nil return means the conn ended in an orderly way: the peer closed it,
// an exchange asked for Connection: close, or the handler hijacked the conn
// and took ownership (upgrades are a success, not an error). A non-nil
// return means serving failed, or ctx was cancelled, in which case the conn
// has been hard-closed.
//
// The number of request/response exchanges on the conn is up to the peer;
// ServeConn never assumes there will be exactly one.
func (b *Bridge) ServeConn(ctx context.Context, conn net.Conn) error {
	if tlsConn, ok := conn.(*tls.Conn); ok && b.h2 != nil {
		if tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
			return b.serveHTTP2(ctx, tlsConn)
		}
	}
	return b.serveHTTP1(ctx, conn)
}

// serveHTTP2 runs the shared HTTP/2 engine on an h2-negotiated TLS conn.
// The engine multiplexes any number of streams and returns when the conn is
// done; protocol-level complaints surface through the bridge's logger.
func (b *Bridge) serveHTTP2(ctx context.Context, conn *tls.Conn) error {
	b.DLogf("Serving HTTP/2 on %v", conn.RemoteAddr())
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	b.h2.ServeConn(conn, &http2.ServeConnOpts{
		Handler: b.handler,
		BaseConfig: &http.Server{
			ReadHeaderTimeout: b.config.ReadHeaderTimeout,
			ErrorLog:          b.httpErrorLog(),
		},
	})
	close(done)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// serveHTTP1 runs a stdlib http.Server over a one-shot listener that yields
// exactly this conn. The conn's ConnState transitions tell us when it is
// done; StateHijacked ends tracking with ownership transferred to the
// handler.
func (b *Bridge) serveHTTP1(ctx context.Context, conn net.Conn) error {
	b.DLogf("Serving HTTP/1.x on %v", conn.RemoteAddr())
	ln := newOneConnListener(conn)

	connDone := make(chan struct{})
	var doneOnce sync.Once
	hijacked := false
	srv := &http.Server{
		Handler:           b.handler,
		IdleTimeout:       b.config.IdleTimeout,
		ReadHeaderTimeout: b.config.ReadHeaderTimeout,
		ErrorLog:          b.httpErrorLog(),
		ConnState: func(c net.Conn, state http.ConnState) {
			switch state {
			case http.StateHijacked:
				hijacked = true
				doneOnce.Do(func() { close(connDone) })
			case http.StateClosed:
				doneOnce.Do(func() { close(connDone) })
			}
		},
	}

	serveErrc := make(chan error, 1)
	go func() {
		serveErrc <- srv.Serve(ln)
	}()

	select {
	case <-connDone:
		// the conn finished; unblock the accept loop and collect Serve
		ln.Close()
		<-serveErrc
		if hijacked {
			b.DLogf("Conn %v hijacked by handler; ownership transferred", conn.RemoteAddr())
		}
		return nil
	case err := <-serveErrc:
		// the accept loop ended before the conn did; only happens on
		// internal failure
		srv.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		srv.Close()
		<-serveErrc
		return ctx.Err()
	}
}

// httpErrorLog adapts net/http's internal complaint log to the bridge's
// leveled logger.
func (b *Bridge) httpErrorLog() *log.Logger {
	return log.New(&logWriter{lg: b.Logger}, "", 0)
}

type logWriter struct {
	lg logger.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.lg.WLogf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// oneConnListener is a net.Listener that yields a single pre-established
// conn to its first Accept call; subsequent calls block until Close and then
// report net.ErrClosed. It lets the stdlib HTTP engine, which wants to own
// an accept loop, serve one conn that was accepted elsewhere.
type oneConnListener struct {
	mu        sync.Mutex
	conn      net.Conn
	consumed  bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newOneConnListener(conn net.Conn) *oneConnListener {
	return &oneConnListener{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Accept returns the wrapped conn once, then blocks until the listener is
// closed.
func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.consumed {
		l.consumed = true
		conn := l.conn
		l.mu.Unlock()
		return conn, nil
	}
	l.mu.Unlock()
	<-l.closed
	return nil, net.ErrClosed
}

func (l *oneConnListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// Addr reports the wrapped conn's local address
func (l *oneConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
