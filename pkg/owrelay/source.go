// Package owrelay connects a service to its overlay relay and surfaces the
// relay's incoming rendezvous streams as an ownet.StreamSource.
//
// The transport is SSH multiplexed over a single websocket. The service
// dials the relay, authenticates with its ed25519 identity key, and
// registers its virtual ports; the relay then opens one SSH channel per
// incoming rendezvous stream. The service name is derived from the identity
// key on both sides and cross-checked, so the relay can route by name but
// can never assign a name the key does not prove.
package owrelay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/onionward/pkg/owcrypt"
	"github.com/sammck-go/onionward/pkg/ownet"
	"golang.org/x/crypto/ssh"
)

// DefaultPorts is the set of virtual ports advertised when Config.Ports is
// empty.
var DefaultPorts = []uint16{80, 443}

// Config carries the settings for one relay session.
type Config struct {
	// RelayURL is the relay rendezvous endpoint. http(s) schemes are
	// rewritten to ws(s).
	RelayURL string

	// Key is the ed25519 service identity key. Required; it authenticates
	// the session and determines the public service name.
	Key ed25519.PrivateKey

	// RelayFingerprint, when non-empty, pins the relay host key: the
	// session is refused unless the relay key fingerprint starts with it.
	RelayFingerprint string

	// Ports is the set of virtual ports advertised to the relay. Empty
	// selects DefaultPorts.
	Ports []uint16

	// KeepAlive is the interval between keepalive pings on an idle
	// session. 0 disables keepalives.
	KeepAlive time.Duration

	// MaxRetryCount bounds initial dial retries. 0 fails on the first
	// error; negative retries without bound.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between dial retries. 0 selects
	// 5 minutes.
	MaxRetryInterval time.Duration

	// HostHeader overrides the Host header on the websocket dial, for
	// relays fronted by name-routing proxies.
	HostHeader string
}

// Source is an established relay session, implementing ownet.StreamSource.
// It is bound to the one websocket conn it was established on: if that conn
// dies the sequence ends, and reconnecting is the caller's decision, with a
// fresh Source. Shutting the Source down (its ServiceHandle side) closes
// the session and thereby unpublishes the service from the relay.
type Source struct {
	// implements ownet.StreamSource
	*asyncobj.Helper
	config   Config
	name     string
	identity ownet.ServiceIdentity
	relayURL string

	sshConfig *ssh.ClientConfig
	conn      net.Conn
	sshConn   ssh.Conn
	chans     <-chan ssh.NewChannel

	// sessionErr is set exactly once, before sessionDone closes
	sessionErr  error
	sessionDone chan struct{}
}

// Connect dials the relay, authenticates with the service key, registers
// the service's virtual ports, and returns the established Source. The
// initial dial is retried with backoff per config; ctx bounds the whole
// establishment. Once established, a session is never silently re-dialed:
// a later transport failure surfaces through Next and ends the sequence.
func Connect(ctx context.Context, lg logger.Logger, config *Config) (*Source, error) {
	if config == nil {
		config = &Config{}
	}
	s := &Source{
		config:      *config,
		sessionDone: make(chan struct{}),
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLogStr("relay"), s)

	if config.Key == nil {
		return nil, s.Errorf("A service identity key is required")
	}
	relayURL, err := toWSURL(config.RelayURL)
	if err != nil {
		return nil, s.Errorf("%s", err)
	}
	s.relayURL = relayURL
	if len(s.config.Ports) == 0 {
		s.config.Ports = DefaultPorts
	}
	if s.config.MaxRetryInterval <= 0 {
		s.config.MaxRetryInterval = 5 * time.Minute
	}

	signer, err := ssh.NewSignerFromKey(config.Key)
	if err != nil {
		return nil, s.Errorf("Unable to build SSH signer from service key: %s", err)
	}
	s.name = ServiceName(PublicKey(config.Key))
	s.identity = ownet.ServiceIdentity{
		Name:           s.name,
		KeyFingerprint: owcrypt.FingerprintKey(signer.PublicKey()),
	}
	s.sshConfig = &ssh.ClientConfig{
		User:            "onionward",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		ClientVersion:   "SSH-" + ProtocolVersion + "-service",
		HostKeyCallback: s.verifyRelay,
		Timeout:         30 * time.Second,
	}

	s.ILogf("Connecting to relay %s as %s", s.relayURL, s.name)
	b := &backoff.Backoff{Max: s.config.MaxRetryInterval}
	for {
		connerr := s.dialAndRegister(ctx)
		if connerr == nil {
			break
		}
		attempt := int(b.Attempt())
		maxAttempt := s.config.MaxRetryCount
		d := b.Duration()
		msg := fmt.Sprintf("Connection error: %s", connerr)
		if attempt > 0 {
			msg += fmt.Sprintf(" (Attempt: %d", attempt)
			if maxAttempt > 0 {
				msg += fmt.Sprintf("/%d", maxAttempt)
			}
			msg += ")"
		}
		s.DLogf(msg)
		if maxAttempt >= 0 && attempt >= maxAttempt {
			return nil, connerr
		}
		s.ILogf("Retrying in %s...", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.SetIsActivated()
	return s, nil
}

// dialAndRegister performs one connection attempt: websocket dial, SSH
// handshake, and service registration. On success the session goroutines
// are started.
func (s *Source) dialAndRegister(ctx context.Context) error {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{ProtocolVersion},
	}
	wsHeaders := http.Header{}
	if s.config.HostHeader != "" {
		wsHeaders = http.Header{
			"Host": {s.config.HostHeader},
		}
	}
	wsConn, _, err := d.DialContext(ctx, s.relayURL, wsHeaders)
	if err != nil {
		return err
	}
	conn := ownet.NewWebSocketConn(wsConn)
	s.DLogf("Handshaking...")
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, "", s.sshConfig)
	if err != nil {
		conn.Close()
		return err
	}

	register := &RegisterRequest{
		Version: ProtocolVersion,
		Ports:   s.config.Ports,
	}
	payload, err := register.Marshal()
	if err != nil {
		sshConn.Close()
		return err
	}
	s.DLogf("Sending registration request")
	t0 := time.Now()
	ok, replyBytes, err := sshConn.SendRequest(RegisterRequestName, true, payload)
	if err != nil {
		sshConn.Close()
		return s.Errorf("Registration failed: %s", err)
	}
	if !ok {
		sshConn.Close()
		return s.Errorf("Relay refused registration")
	}
	reply := &RegisterReply{}
	if err = reply.Unmarshal(replyBytes); err != nil {
		sshConn.Close()
		return err
	}
	if reply.Name != s.name {
		sshConn.Close()
		return s.Errorf("Relay published name %q, which does not match the service identity", reply.Name)
	}
	s.ILogf("Registered (Latency %s)", time.Since(t0))

	go ssh.DiscardRequests(reqs)
	s.conn = conn
	s.sshConn = sshConn
	s.chans = chans
	go s.monitorSession()
	if s.config.KeepAlive > 0 {
		go s.keepAliveLoop()
	}
	return nil
}

// verifyRelay pins the relay's host key when a fingerprint was configured.
// The relay is untrusted with service secrets either way; pinning detects a
// swapped relay.
func (s *Source) verifyRelay(hostname string, remote net.Addr, key ssh.PublicKey) error {
	expect := s.config.RelayFingerprint
	got := owcrypt.FingerprintKey(key)
	if expect != "" && !strings.HasPrefix(got, expect) {
		return fmt.Errorf("Invalid relay fingerprint (%s)", got)
	}
	s.ILogf("Relay fingerprint %s", got)
	return nil
}

// monitorSession waits for the SSH session to end and classifies the
// outcome while it is still unambiguous: an end that was locally requested,
// or a clean remote close, is an orderly exhaustion of the stream sequence;
// anything else is a transport failure.
func (s *Source) monitorSession() {
	err := s.sshConn.Wait()
	if err == io.EOF || s.IsStartedShutdown() {
		err = io.EOF
	}
	s.sessionErr = err
	close(s.sessionDone)
	var completionErr error
	if err != io.EOF {
		completionErr = err
	}
	s.StartShutdown(completionErr)
}

func (s *Source) keepAliveLoop() {
	pingDelay := time.NewTimer(s.config.KeepAlive)
	defer pingDelay.Stop()
	for {
		select {
		case <-s.ShutdownStartedChan():
			return
		case <-pingDelay.C:
			s.sshConn.SendRequest(PingRequestName, true, nil)
			pingDelay.Reset(s.config.KeepAlive)
		}
	}
}

func (s *Source) String() string {
	return fmt.Sprintf("<RelaySource %s>", s.name)
}

// Identity reports the published service identity.
func (s *Source) Identity() ownet.ServiceIdentity {
	return s.identity
}

// Next returns the next incoming rendezvous stream request, in relay
// arrival order. It returns io.EOF when the session ended cleanly (remote
// detach or local release), ctx.Err() when ctx is done first, and the
// transport's failure otherwise.
func (s *Source) Next(ctx context.Context) (ownet.StreamRequest, error) {
	for {
		select {
		case ch, ok := <-s.chans:
			if !ok {
				return nil, s.sessionEndError()
			}
			req, err := s.wrapChannel(ch)
			if err != nil {
				s.DLogf("Discarding stream request: %s", err)
				continue
			}
			return req, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// wrapChannel validates one incoming SSH channel and adapts it to the
// StreamRequest boundary. Channels the relay should not be opening are
// refused on the spot.
func (s *Source) wrapChannel(ch ssh.NewChannel) (ownet.StreamRequest, error) {
	if ch.ChannelType() != StreamChannelType {
		err := s.Errorf("Unexpected channel type %q from relay", ch.ChannelType())
		if rejectErr := ch.Reject(ssh.UnknownChannelType, "unsupported channel type"); rejectErr != nil {
			s.DLogf("Unable to send channel rejection, ignoring: %s", rejectErr)
		}
		return nil, err
	}
	header := &StreamHeader{}
	if err := header.Unmarshal(ch.ExtraData()); err != nil {
		if rejectErr := ch.Reject(ssh.UnknownChannelType, "malformed stream header"); rejectErr != nil {
			s.DLogf("Unable to send channel rejection, ignoring: %s", rejectErr)
		}
		return nil, err
	}
	return newRelayStreamRequest(ch, header), nil
}

// sessionEndError reports how an exhausted stream sequence ended, blocking
// briefly until the session monitor has classified the outcome.
func (s *Source) sessionEndError() error {
	<-s.sessionDone
	return s.sessionErr
}

// HandleOnceShutdown tears down the relay session, which unpublishes the
// service. Runs exactly once no matter how many paths request release.
func (s *Source) HandleOnceShutdown(completionErr error) error {
	if s.sshConn != nil {
		err := s.sshConn.Close()
		<-s.sessionDone
		if completionErr == nil && err != nil && !errors.Is(err, net.ErrClosed) {
			completionErr = err
		}
	}
	if completionErr == nil {
		s.DLogf("Relay session released")
	} else {
		s.DLogf("Relay session released after error: %s", completionErr)
	}
	return completionErr
}

// toWSURL normalizes a relay URL to a websocket scheme.
func toWSURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("A relay URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("Invalid relay URL %q: %s", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http", "https":
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	default:
		return "", fmt.Errorf("Relay URL %q must use a ws, wss, http or https scheme", raw)
	}
	return u.String(), nil
}
