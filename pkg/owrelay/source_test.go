package owrelay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/onionward/pkg/owcrypt"
	"github.com/sammck-go/onionward/pkg/ownet"
	"golang.org/x/crypto/ssh"
)

func newTestLogger(t *testing.T, prefix string) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(prefix),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// testRelay is an in-process stand-in for the overlay relay: an HTTP server
// that upgrades to websocket, runs an SSH server over it, answers
// registration and ping requests, and can open stream channels toward the
// connected service.
type testRelay struct {
	t          *testing.T
	server     *httptest.Server
	hostSigner ssh.Signer
	upgrader   websocket.Upgrader
	sessionc   chan *testRelaySession

	// knobs for failure-path tests; set before Connect
	refuseRegister bool
	replyWrongName bool

	pings int32

	mu       sync.Mutex
	sessions []*testRelaySession
}

type testRelaySession struct {
	relay   *testRelay
	wsConn  *websocket.Conn
	sshConn *ssh.ServerConn

	registerc chan *RegisterRequest
}

func newTestRelay(t *testing.T) *testRelay {
	hostKey, err := GenerateServiceKey("test-relay-host-key")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("NewSignerFromKey failed: %s", err)
	}
	relay := &testRelay{
		t:          t,
		hostSigner: hostSigner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{ProtocolVersion},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessionc: make(chan *testRelaySession, 4),
	}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handleUpgrade))
	t.Cleanup(relay.close)
	return relay
}

func (relay *testRelay) close() {
	relay.mu.Lock()
	sessions := relay.sessions
	relay.sessions = nil
	relay.mu.Unlock()
	for _, sess := range sessions {
		sess.sshConn.Close()
	}
	relay.server.Close()
}

func (relay *testRelay) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := relay.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := ownet.NewWebSocketConn(wsConn)

	serverConfig := &ssh.ServerConfig{
		ServerVersion: "SSH-" + ProtocolVersion + "-relay",
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{
				Extensions: map[string]string{"pubkey": string(key.Marshal())},
			}, nil
		},
	}
	serverConfig.AddHostKey(relay.hostSigner)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, serverConfig)
	if err != nil {
		conn.Close()
		return
	}
	sess := &testRelaySession{
		relay:     relay,
		wsConn:    wsConn,
		sshConn:   sshConn,
		registerc: make(chan *RegisterRequest, 1),
	}
	go func() {
		// the service side never opens channels toward the relay
		for newCh := range chans {
			newCh.Reject(ssh.Prohibited, "relay accepts no channels")
		}
	}()
	go sess.handleRequests(reqs)

	relay.mu.Lock()
	relay.sessions = append(relay.sessions, sess)
	relay.mu.Unlock()
	relay.sessionc <- sess
}

func (sess *testRelaySession) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case RegisterRequestName:
			register := &RegisterRequest{}
			if err := register.Unmarshal(req.Payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			if sess.relay.refuseRegister {
				req.Reply(false, nil)
				continue
			}
			name := sess.serviceName()
			if sess.relay.replyWrongName {
				name = "somebodyelse.onion"
			}
			reply := &RegisterReply{Name: name}
			payload, _ := reply.Marshal()
			req.Reply(true, payload)
			select {
			case sess.registerc <- register:
			default:
			}
		case PingRequestName:
			atomic.AddInt32(&sess.relay.pings, 1)
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// serviceName derives the name the way a real relay would: from the key the
// session authenticated with.
func (sess *testRelaySession) serviceName() string {
	key, err := ssh.ParsePublicKey([]byte(sess.sshConn.Permissions.Extensions["pubkey"]))
	if err != nil {
		return "unparseable.onion"
	}
	cryptoKey, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return "unfingerprintable.onion"
	}
	edKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return "noted25519.onion"
	}
	return ServiceName(edKey)
}

// openStream opens a rendezvous stream channel toward the service. It
// blocks until the service accepts or rejects.
func (sess *testRelaySession) openStream(port uint16, origin string) (ssh.Channel, error) {
	header := &StreamHeader{Port: port, Origin: origin}
	payload, err := header.Marshal()
	if err != nil {
		return nil, err
	}
	ch, reqs, err := sess.sshConn.OpenChannel(StreamChannelType, payload)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// closeCleanly performs an orderly detach: a websocket close frame, then
// the conn teardown.
func (sess *testRelaySession) closeCleanly() {
	sess.wsConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay detaching"),
		time.Now().Add(time.Second))
	time.Sleep(100 * time.Millisecond)
	sess.sshConn.Close()
}

// abort kills the underlying conn with no close frame, as a crashed relay
// would.
func (sess *testRelaySession) abort() {
	sess.wsConn.UnderlyingConn().Close()
}

func (relay *testRelay) waitSession(t *testing.T) *testRelaySession {
	t.Helper()
	select {
	case sess := <-relay.sessionc:
		return sess
	case <-time.After(10 * time.Second):
		t.Fatalf("no relay session established")
		return nil
	}
}

func testConnect(t *testing.T, lg logger.Logger, relay *testRelay, config *Config) *Source {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	if config.RelayURL == "" {
		config.RelayURL = relay.server.URL
	}
	if config.Key == nil {
		key, err := GenerateServiceKey("test-service-key")
		if err != nil {
			t.Fatalf("GenerateServiceKey failed: %s", err)
		}
		config.Key = key
	}
	src, err := Connect(context.Background(), lg, config)
	if err != nil {
		t.Fatalf("Connect failed: %s", err)
	}
	t.Cleanup(func() {
		src.StartShutdown(nil)
		src.WaitShutdown()
	})
	return src
}

// startServiceLoop runs a minimal consumer of the source: port 443 streams
// are accepted and echoed, anything else is rejected. It reports every
// descriptor seen and the terminal Next error.
func startServiceLoop(src *Source) (<-chan ownet.StreamDescriptor, <-chan error) {
	descc := make(chan ownet.StreamDescriptor, 8)
	nextErrc := make(chan error, 1)
	go func() {
		for {
			req, err := src.Next(context.Background())
			if err != nil {
				nextErrc <- err
				return
			}
			desc := req.Descriptor()
			descc <- desc
			if desc.Port == 443 {
				conn, err := req.Accept()
				if err != nil {
					continue
				}
				go func(conn net.Conn) {
					io.Copy(conn, conn)
					conn.Close()
				}(conn)
			} else {
				req.Reject(ownet.RejectNotAllowed, "virtual port not served")
			}
		}
	}()
	return descc, nextErrc
}

func recvDesc(t *testing.T, descc <-chan ownet.StreamDescriptor) ownet.StreamDescriptor {
	t.Helper()
	select {
	case desc := <-descc:
		return desc
	case <-time.After(10 * time.Second):
		t.Fatalf("no stream request delivered")
		return ownet.StreamDescriptor{}
	}
}

func recvErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("stream sequence did not end")
		return nil
	}
}

func TestConnectAndServeStreams(t *testing.T) {
	lg := newTestLogger(t, "TestConnectAndServeStreams")
	relay := newTestRelay(t)

	key, err := GenerateServiceKey("e2e-service")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	src := testConnect(t, lg, relay, &Config{
		Key:       key,
		KeepAlive: 100 * time.Millisecond,
	})
	expectedName := ServiceName(PublicKey(key))
	if src.Identity().Name != expectedName {
		t.Errorf("identity name %q, expected %q", src.Identity().Name, expectedName)
	}
	if src.Identity().KeyFingerprint == "" {
		t.Errorf("identity has no key fingerprint")
	}

	sess := relay.waitSession(t)
	register := <-sess.registerc
	if register.Version != ProtocolVersion {
		t.Errorf("registered version %q", register.Version)
	}
	if len(register.Ports) != 2 || register.Ports[0] != 80 || register.Ports[1] != 443 {
		t.Errorf("registered ports %v, expected [80 443]", register.Ports)
	}

	descc, nextErrc := startServiceLoop(src)

	// an accepted stream carries bytes both ways
	ch, err := sess.openStream(443, "circuit-42")
	if err != nil {
		t.Fatalf("openStream failed: %s", err)
	}
	desc := recvDesc(t, descc)
	if desc.Port != 443 || desc.Origin != "circuit-42" {
		t.Errorf("descriptor %+v", desc)
	}
	message := []byte("hello through the onion")
	if _, err := ch.Write(message); err != nil {
		t.Fatalf("stream write failed: %s", err)
	}
	echoed := make([]byte, len(message))
	if _, err := io.ReadFull(ch, echoed); err != nil {
		t.Fatalf("stream read failed: %s", err)
	}
	if string(echoed) != string(message) {
		t.Errorf("echoed %q", echoed)
	}
	ch.Close()

	// a rejected stream surfaces the reason and message relay-side
	_, err = sess.openStream(9999, "circuit-43")
	if err == nil {
		t.Fatalf("openStream for port 9999 succeeded, expected rejection")
	}
	var openErr *ssh.OpenChannelError
	if !errors.As(err, &openErr) {
		t.Fatalf("openStream error %v is not an OpenChannelError", err)
	}
	if openErr.Reason != ssh.Prohibited {
		t.Errorf("rejection reason %v, expected Prohibited", openErr.Reason)
	}
	if !strings.Contains(openErr.Message, "not served") {
		t.Errorf("rejection message %q", openErr.Message)
	}
	rejectedDesc := recvDesc(t, descc)
	if rejectedDesc.Port != 9999 {
		t.Errorf("rejected descriptor %+v", rejectedDesc)
	}

	// keepalives flow while the session is idle
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&relay.pings) == 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	if atomic.LoadInt32(&relay.pings) == 0 {
		t.Errorf("no keepalive pings reached the relay")
	}

	// an orderly relay detach is a clean end of the sequence
	sess.closeCleanly()
	if err := recvErr(t, nextErrc); err != io.EOF {
		t.Errorf("sequence ended with %v, expected io.EOF", err)
	}
	if err := src.WaitShutdown(); err != nil {
		t.Errorf("WaitShutdown returned %v after clean detach", err)
	}
}

func TestTransportFailureSurfacesThroughNext(t *testing.T) {
	lg := newTestLogger(t, "TestTransportFailureSurfacesThroughNext")
	relay := newTestRelay(t)
	src := testConnect(t, lg, relay, nil)
	sess := relay.waitSession(t)
	_, nextErrc := startServiceLoop(src)

	sess.abort()
	err := recvErr(t, nextErrc)
	if err == nil || err == io.EOF {
		t.Errorf("sequence ended with %v, expected a transport error", err)
	}
}

func TestLocalReleaseEndsSequence(t *testing.T) {
	lg := newTestLogger(t, "TestLocalReleaseEndsSequence")
	relay := newTestRelay(t)
	src := testConnect(t, lg, relay, nil)
	relay.waitSession(t)
	_, nextErrc := startServiceLoop(src)

	src.StartShutdown(nil)
	if err := recvErr(t, nextErrc); err != io.EOF {
		t.Errorf("sequence ended with %v, expected io.EOF on local release", err)
	}
	if err := src.WaitShutdown(); err != nil {
		t.Errorf("WaitShutdown returned %v", err)
	}
}

func TestNextHonorsContext(t *testing.T) {
	lg := newTestLogger(t, "TestNextHonorsContext")
	relay := newTestRelay(t)
	src := testConnect(t, lg, relay, nil)
	relay.waitSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	nextErrc := make(chan error, 1)
	go func() {
		_, err := src.Next(ctx)
		nextErrc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := recvErr(t, nextErrc); !errors.Is(err, context.Canceled) {
		t.Errorf("Next returned %v, expected context.Canceled", err)
	}
}

func TestConnectRejectsWrongRelayName(t *testing.T) {
	lg := newTestLogger(t, "TestConnectRejectsWrongRelayName")
	relay := newTestRelay(t)
	relay.replyWrongName = true

	key, err := GenerateServiceKey("wrong-name-service")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	_, err = Connect(context.Background(), lg, &Config{
		RelayURL:      relay.server.URL,
		Key:           key,
		MaxRetryCount: 0,
	})
	if err == nil {
		t.Fatalf("Connect accepted a mismatched service name")
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Errorf("Connect error %q", err)
	}
}

func TestConnectFailsWhenRegistrationRefused(t *testing.T) {
	lg := newTestLogger(t, "TestConnectFailsWhenRegistrationRefused")
	relay := newTestRelay(t)
	relay.refuseRegister = true

	key, err := GenerateServiceKey("refused-service")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}
	_, err = Connect(context.Background(), lg, &Config{
		RelayURL:      relay.server.URL,
		Key:           key,
		MaxRetryCount: 0,
	})
	if err == nil {
		t.Fatalf("Connect succeeded despite refused registration")
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("Connect error %q", err)
	}
}

func TestConnectVerifiesRelayFingerprint(t *testing.T) {
	lg := newTestLogger(t, "TestConnectVerifiesRelayFingerprint")
	relay := newTestRelay(t)
	goodPrefix := owcrypt.FingerprintKey(relay.hostSigner.PublicKey())[:8]

	key, err := GenerateServiceKey("pinned-service")
	if err != nil {
		t.Fatalf("GenerateServiceKey failed: %s", err)
	}

	_, err = Connect(context.Background(), lg, &Config{
		RelayURL:         relay.server.URL,
		Key:              key,
		RelayFingerprint: "zz:zz",
		MaxRetryCount:    0,
	})
	if err == nil {
		t.Fatalf("Connect accepted a relay with the wrong fingerprint")
	}
	if !strings.Contains(err.Error(), "fingerprint") {
		t.Errorf("Connect error %q", err)
	}

	src, err := Connect(context.Background(), lg, &Config{
		RelayURL:         relay.server.URL,
		Key:              key,
		RelayFingerprint: goodPrefix,
		MaxRetryCount:    0,
	})
	if err != nil {
		t.Fatalf("Connect with the correct fingerprint pin failed: %s", err)
	}
	src.StartShutdown(nil)
	src.WaitShutdown()
}

func TestToWSURL(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"http://relay.example:8080/tunnel", "ws://relay.example:8080/tunnel"},
		{"https://relay.example/tunnel", "wss://relay.example/tunnel"},
		{"ws://relay.example", "ws://relay.example"},
		{"wss://relay.example", "wss://relay.example"},
	}
	for _, c := range cases {
		got, err := toWSURL(c.in)
		if err != nil {
			t.Errorf("toWSURL(%q) returned error: %s", c.in, err)
		} else if got != c.expected {
			t.Errorf("toWSURL(%q) = %q, expected %q", c.in, got, c.expected)
		}
	}
	for _, bad := range []string{"", "ftp://relay.example", "relay.example"} {
		if _, err := toWSURL(bad); err == nil {
			t.Errorf("toWSURL(%q) succeeded, expected error", bad)
		}
	}
}
