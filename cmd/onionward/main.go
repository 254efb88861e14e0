package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/onionward/pkg/owdispatch"
	"github.com/sammck-go/onionward/pkg/owrelay"
	"github.com/sammck-go/onionward/pkg/owtls"
	"github.com/sammck-go/onionward/pkg/scrub"
)

// BuildVersion is stamped by the release build
var BuildVersion = "0.0.0-src"

var help = `
  Usage: onionward [options]

  onionward publishes a local HTTP(S) service through an
  anonymity-preserving overlay relay. The service is reachable only
  through the overlay, under a name derived from its identity key; no
  listening socket is ever opened.

  Options:

    --relay URL, the relay rendezvous endpoint, e.g.
    wss://relay.example.org/tunnel. Required.

    --key FILE, path to the ed25519 service identity key. Created on
    first run if missing. The key determines the public service name,
    so guard it accordingly. Defaults to onionward_key.pem. An empty
    value selects a throwaway identity with a fresh name every run.

    --cert FILE, path to the TLS certificate presented on terminated
    streams. A self-signed certificate for the service name is created
    on first run if missing. Certificate and key files are re-read
    automatically when they change on disk. Defaults to
    onionward_cert.pem.

    --cert-key FILE, path to the TLS certificate's private key.
    Defaults to onionward_cert_key.pem.

    --port N, virtual port to serve (repeatable). Defaults to 80,443.

    --plain N, serve virtual port N without TLS termination
    (repeatable; adds the port if it is not already configured).

    --forward PORT=ADDR, pipe streams for virtual port PORT to the
    local TCP server at ADDR instead of the built-in HTTP engine,
    e.g. --forward 80=127.0.0.1:3000 (repeatable; adds the port if it
    is not already configured).

    --handshake-timeout D, bound on each stream's TLS handshake
    (default 30s, negative disables).

    --idle-timeout D, how long a served conn may sit idle between
    requests before it is closed (default 0, disabled).

    --max-streams N, cap on concurrently served streams; streams over
    the cap are refused (default 0, unbounded).

    --keepalive D, interval between relay keepalive pings
    (default 25s, 0 disables).

    --relay-fingerprint FP, pin the relay host key: refuse the session
    unless the relay key fingerprint starts with FP.

    --no-http2, restrict served streams to HTTP/1.x.

    --debug-http, log every HTTP request served by the built-in
    handler.

    --unsafe-logging, disclose sensitive values such as stream origins
    in log output. For local debugging only.

    -v, enable debug logging.

    -q, log errors only.

    --version, print the version and exit.

  Signals:

    SIGINT/SIGTERM detach from the relay in an orderly way, letting
    streams already being served finish; a second signal exits
    immediately.

  Read more:
    https://github.com/sammck-go/onionward

`

type settings struct {
	relayURL         string
	keyFile          string
	certFile         string
	certKeyFile      string
	ports            []uint16
	plain            []uint16
	forwards         []forwardSpec
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	maxStreams       int
	keepAlive        time.Duration
	relayFingerprint string
	noHTTP2          bool
	debugHTTP        bool
	unsafeLogging    bool
	verbose          bool
	quiet            bool
}

func main() {
	s := &settings{}
	version := flag.Bool("version", false, "")
	flag.StringVar(&s.relayURL, "relay", "", "")
	flag.StringVar(&s.keyFile, "key", "onionward_key.pem", "")
	flag.StringVar(&s.certFile, "cert", "onionward_cert.pem", "")
	flag.StringVar(&s.certKeyFile, "cert-key", "onionward_cert_key.pem", "")
	var ports portList
	flag.Var(&ports, "port", "")
	var plain portList
	flag.Var(&plain, "plain", "")
	var forwards forwardList
	flag.Var(&forwards, "forward", "")
	flag.DurationVar(&s.handshakeTimeout, "handshake-timeout", 30*time.Second, "")
	flag.DurationVar(&s.idleTimeout, "idle-timeout", 0, "")
	flag.IntVar(&s.maxStreams, "max-streams", 0, "")
	flag.DurationVar(&s.keepAlive, "keepalive", 25*time.Second, "")
	flag.StringVar(&s.relayFingerprint, "relay-fingerprint", "", "")
	flag.BoolVar(&s.noHTTP2, "no-http2", false, "")
	flag.BoolVar(&s.debugHTTP, "debug-http", false, "")
	flag.BoolVar(&s.unsafeLogging, "unsafe-logging", false, "")
	flag.BoolVar(&s.verbose, "v", false, "")
	flag.BoolVar(&s.quiet, "q", false, "")
	flag.Usage = func() {
		fmt.Print(help)
		os.Exit(1)
	}
	flag.Parse()
	if *version {
		fmt.Println(BuildVersion)
		os.Exit(0)
	}
	if flag.NArg() > 0 {
		flag.Usage()
	}
	s.ports = ports
	s.plain = plain
	s.forwards = forwards

	if err := run(s); err != nil {
		fmt.Fprintf(os.Stderr, "onionward: %s\n", err)
		os.Exit(1)
	}
}

func run(s *settings) error {
	level := logger.LogLevelInfo
	if s.verbose {
		level = logger.LogLevelDebug
	}
	if s.quiet {
		level = logger.LogLevelError
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("onionward"),
	)
	if err != nil {
		return err
	}
	scrub.SetFullyDisclose(s.unsafeLogging)
	if s.unsafeLogging {
		lg.WLogf("Unsafe logging enabled; sensitive stream metadata will appear in logs")
	}

	if s.relayURL == "" {
		return fmt.Errorf("A relay URL is required (--relay); see --help")
	}
	routes, err := buildRoutes(s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		lg.ILogf("Received %s; detaching from relay", sig)
		cancel()
		<-sigc
		lg.ILogf("Received second signal; exiting immediately")
		os.Exit(1)
	}()

	key, err := owrelay.LoadOrCreateServiceKey(lg, s.keyFile, "")
	if err != nil {
		return err
	}
	name := owrelay.ServiceName(owrelay.PublicKey(key))

	needTLS := false
	for _, route := range routes {
		if route.TLS {
			needTLS = true
		}
	}
	var identity *owtls.Identity
	if needTLS {
		identity, err = owtls.LoadOrCreateIdentity(lg, s.certFile, s.certKeyFile, name)
		if err != nil {
			return err
		}
		defer identity.Close()
		if err = identity.EnableReload(); err != nil {
			lg.WLogf("Certificate hot reload unavailable: %s", err)
		}
	}

	routePorts := make([]uint16, 0, len(routes))
	for _, route := range routes {
		routePorts = append(routePorts, route.Port)
	}
	src, err := owrelay.Connect(ctx, lg, &owrelay.Config{
		RelayURL:         s.relayURL,
		Key:              key,
		RelayFingerprint: s.relayFingerprint,
		Ports:            routePorts,
		KeepAlive:        s.keepAlive,
		MaxRetryCount:    -1,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	var handler http.Handler = newBuiltinHandler(name)
	if s.debugHTTP {
		handler = requestlog.Wrap(handler)
	}

	d, err := owdispatch.New(lg, src, &owdispatch.Config{
		Routes:           routes,
		Handler:          handler,
		Identity:         identity,
		HandshakeTimeout: s.handshakeTimeout,
		IdleTimeout:      s.idleTimeout,
		MaxActiveStreams: s.maxStreams,
		DisableHTTP2:     s.noHTTP2,
	})
	if err != nil {
		src.StartShutdown(nil)
		src.WaitShutdown()
		return err
	}

	fmt.Println(name)
	err = d.Run(ctx)

	// release the relay session, then give in-flight streams a bounded
	// chance to finish
	src.StartShutdown(nil)
	src.WaitShutdown()
	drained := make(chan struct{})
	go func() {
		d.WaitStreams()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		lg.WLogf("Exiting with %d streams still active", d.Stats().GetNumActive())
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildRoutes folds the --port, --plain and --forward flags into a route
// table. The standard ports apply only when no port-selecting flag was
// given at all.
func buildRoutes(s *settings) ([]owdispatch.Route, error) {
	byPort := make(map[uint16]*owdispatch.Route)
	var order []uint16
	ensure := func(port uint16) *owdispatch.Route {
		route, ok := byPort[port]
		if !ok {
			route = &owdispatch.Route{Port: port, TLS: true}
			byPort[port] = route
			order = append(order, port)
		}
		return route
	}

	ports := s.ports
	if len(ports) == 0 && len(s.plain) == 0 && len(s.forwards) == 0 {
		ports = []uint16{80, 443}
	}
	for _, port := range ports {
		ensure(port)
	}
	for _, port := range s.plain {
		ensure(port).TLS = false
	}
	for _, fw := range s.forwards {
		route := ensure(fw.port)
		if route.ForwardTo != "" {
			return nil, fmt.Errorf("Duplicate forward for virtual port %d", fw.port)
		}
		route.ForwardTo = fw.addr
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	routes := make([]owdispatch.Route, 0, len(order))
	for _, port := range order {
		routes = append(routes, *byPort[port])
	}
	return routes, nil
}

// portList accumulates a repeatable numeric port flag
type portList []uint16

func (f *portList) String() string {
	parts := make([]string, len(*f))
	for i, port := range *f {
		parts[i] = strconv.Itoa(int(port))
	}
	return strings.Join(parts, ",")
}

func (f *portList) Set(v string) error {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("Invalid virtual port %q", v)
	}
	*f = append(*f, uint16(n))
	return nil
}

type forwardSpec struct {
	port uint16
	addr string
}

// forwardList accumulates a repeatable PORT=ADDR flag
type forwardList []forwardSpec

func (f *forwardList) String() string {
	parts := make([]string, len(*f))
	for i, fw := range *f {
		parts[i] = fmt.Sprintf("%d=%s", fw.port, fw.addr)
	}
	return strings.Join(parts, ",")
}

func (f *forwardList) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 || parts[1] == "" {
		return fmt.Errorf("Invalid forward %q, expected PORT=ADDR", v)
	}
	n, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("Invalid virtual port in forward %q", v)
	}
	*f = append(*f, forwardSpec{port: uint16(n), addr: parts[1]})
	return nil
}
