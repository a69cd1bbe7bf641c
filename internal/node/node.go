// Package node runs a proxy node: it discovers its addresses, opens the
// HTTP and SOCKS5 listeners, registers both with the registry and serves
// token-gated traffic until its context ends.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/distproxy/internal/config"
	"github.com/koltyakov/distproxy/internal/domain"
	"github.com/koltyakov/distproxy/internal/token"
)

type State int

const (
	StateCreated State = iota
	StateAddressResolved
	StateListening
	StateRegistered
	StateServing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAddressResolved:
		return "address-resolved"
	case StateListening:
		return "listening"
	case StateRegistered:
		return "registered"
	case StateServing:
		return "serving"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Addresses are the two network paths clients can use to reach a node.
type Addresses struct {
	Public string
	Local  string
}

// Options carries test seams. The zero value is production.
type Options struct {
	Now func() time.Time
	// Client is used for metadata lookups and punches.
	Client *http.Client
	// BindHost restricts the listeners to one interface.
	BindHost string
	// Dial reaches proxied destinations.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

type Node struct {
	cfg     config.NodeConfig
	log     *slog.Logger
	id      string
	guard   *guard
	codec   *token.Codec
	client  *http.Client
	now     func() time.Time
	bind    string
	dial    dialFunc
	started time.Time

	mu        sync.Mutex
	state     State
	addrs     Addresses
	httpLn    net.Listener
	socksLn   net.Listener
	stateSubs []chan struct{}
}

func New(cfg config.NodeConfig, codec *token.Codec, policy HostPolicy, log *slog.Logger, opts Options) *Node {
	if log == nil {
		log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext
	}
	if policy == nil {
		policy = NewAllowList(nil)
	}
	id := uuid.NewString()
	return &Node{
		cfg:     cfg,
		log:     log.With("node", id),
		id:      id,
		guard:   &guard{codec: codec, policy: policy},
		codec:   codec,
		client:  opts.Client,
		now:     opts.Now,
		bind:    opts.BindHost,
		dial:    opts.Dial,
		started: opts.Now(),
	}
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// StateChanged returns a channel closed on the next state transition.
func (n *Node) StateChanged() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{})
	n.stateSubs = append(n.stateSubs, ch)
	return ch
}

// Addresses returns what resolveAddress found.
func (n *Node) Addresses() Addresses {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addrs
}

// ListenAddrs returns the bound HTTP and SOCKS5 listener addresses, or nils
// before the node is listening.
func (n *Node) ListenAddrs() (httpAddr, socksAddr net.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.httpLn != nil {
		httpAddr = n.httpLn.Addr()
	}
	if n.socksLn != nil {
		socksAddr = n.socksLn.Addr()
	}
	return httpAddr, socksAddr
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	subs := n.stateSubs
	n.stateSubs = nil
	n.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	n.log.Info("node state", "state", s.String())
}

func (n *Node) fail(err error) error {
	n.setState(StateFailed)
	return err
}

// Run drives the node through its lifecycle and blocks until ctx is
// canceled or a listener fails.
func (n *Node) Run(ctx context.Context) error {
	if n.codec == nil {
		return n.fail(fmt.Errorf("%w: token codec", domain.ErrMissingConfig))
	}
	if n.cfg.PunchURI == "" || n.cfg.SocksPunchURI == "" {
		return n.fail(fmt.Errorf("%w: punch URIs", domain.ErrMissingConfig))
	}

	addrs, err := n.resolveAddress(ctx)
	if err != nil {
		return n.fail(fmt.Errorf("resolve address: %w", err))
	}
	n.mu.Lock()
	n.addrs = addrs
	n.mu.Unlock()
	n.setState(StateAddressResolved)

	if err := n.listen(); err != nil {
		return n.fail(err)
	}
	n.setState(StateListening)

	httpServer := &http.Server{
		Handler:           newProxyHandler(n.guard, n.log, n.dial),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(n.log.Handler(), slog.LevelDebug),
	}
	socksServer, err := newSOCKSServer(n.guard, n.log, n.dial)
	if err != nil {
		_ = n.httpLn.Close()
		_ = n.socksLn.Close()
		return n.fail(fmt.Errorf("socks server: %w", err))
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(n.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http proxy: %w", err)
		}
	}()
	go func() {
		if err := socksServer.Serve(n.socksLn); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("socks proxy: %w", err)
		}
	}()

	punchCtx, stopPunch := context.WithCancel(ctx)
	punchDone := make(chan struct{})
	go func() {
		defer close(punchDone)
		if n.register(punchCtx) {
			n.setState(StateRegistered)
			n.setState(StateServing)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		n.setState(StateFailed)
	}

	stopPunch()
	<-punchDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = n.socksLn.Close()
	return runErr
}

// resolveAddress asks cloud metadata in production and falls back to the
// loopback pair otherwise.
func (n *Node) resolveAddress(ctx context.Context) (Addresses, error) {
	if !n.cfg.Production {
		return Addresses{Public: "127.0.0.1", Local: "localhost"}, nil
	}
	public, err := n.metadata(ctx, "public-ipv4")
	if err != nil {
		return Addresses{}, err
	}
	local, err := n.metadata(ctx, "local-ipv4")
	if err != nil {
		return Addresses{}, err
	}
	return Addresses{Public: public, Local: local}, nil
}

func (n *Node) metadata(ctx context.Context, key string) (string, error) {
	base := strings.TrimRight(n.cfg.MetadataURL, "/")
	if base == "" {
		base = config.DefaultMetadataURL
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+key, nil)
	if err != nil {
		return "", err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("metadata %s: %w", key, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata %s: status %d", key, resp.StatusCode)
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		return "", fmt.Errorf("metadata %s: empty response", key)
	}
	return value, nil
}

func (n *Node) listen() error {
	httpLn, err := net.Listen("tcp", net.JoinHostPort(n.bind, fmt.Sprint(n.cfg.ProxyPort)))
	if err != nil {
		return fmt.Errorf("listen http proxy: %w", err)
	}
	socksLn, err := net.Listen("tcp", net.JoinHostPort(n.bind, fmt.Sprint(n.cfg.SocksPort)))
	if err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("listen socks proxy: %w", err)
	}

	n.mu.Lock()
	n.httpLn = httpLn
	n.socksLn = socksLn
	n.mu.Unlock()
	n.log.Info("proxy listening", "http", httpLn.Addr().String(), "socks", socksLn.Addr().String())
	return nil
}
