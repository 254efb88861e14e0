package owtls

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/sammck-go/logger"
)

// TerminatorConfig carries optional settings for a Terminator.
type TerminatorConfig struct {
	// DisableHTTP2 restricts ALPN to http/1.1. By default both h2 and
	// http/1.1 are offered.
	DisableHTTP2 bool
}

// Terminator performs server-side TLS handshakes on raw rendezvous streams.
// It consults its Identity per handshake, so identity reloads apply to new
// streams without restarting. The terminator knows nothing about what is
// spoken inside the TLS session.
type Terminator struct {
	logger.Logger
	identity  *Identity
	tlsConfig *tls.Config
}

// NewTerminator creates a Terminator using the given identity. config may be
// nil for defaults.
func NewTerminator(logger logger.Logger, identity *Identity, config *TerminatorConfig) *Terminator {
	if config == nil {
		config = &TerminatorConfig{}
	}
	nextProtos := []string{"h2", "http/1.1"}
	if config.DisableHTTP2 {
		nextProtos = []string{"http/1.1"}
	}
	t := &Terminator{
		Logger:   logger.ForkLogStr("tls"),
		identity: identity,
	}
	t.tlsConfig = &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return identity.Certificate(), nil
		},
		NextProtos: nextProtos,
		MinVersion: tls.VersionTLS12,
	}
	return t
}

// Terminate runs the server-side TLS handshake on conn. On success the
// returned *tls.Conn owns conn. On any failure, including ctx expiry, conn
// has been closed and an error is returned.
//
// The handshake runs in its own goroutine and ctx expiry closes the raw
// conn, which unblocks it; rendezvous stream conns have no deadline
// support, so closing is the only reliable way to abort a stuck handshake.
func (t *Terminator) Terminate(ctx context.Context, conn net.Conn) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, t.tlsConfig)
	errc := make(chan error, 1)
	go func() {
		errc <- tlsConn.Handshake()
	}()
	select {
	case err := <-errc:
		if err != nil {
			conn.Close()
			return nil, err
		}
		t.TLogf("Handshake complete, negotiated proto %q", tlsConn.ConnectionState().NegotiatedProtocol)
		return tlsConn, nil
	case <-ctx.Done():
		conn.Close()
		<-errc
		return nil, t.Errorf("TLS handshake abandoned: %s", ctx.Err())
	}
}
