package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koltyakov/distproxy/internal/config"
	"github.com/koltyakov/distproxy/internal/domain"
)

type punchRecord struct {
	path    string
	authKey string
	body    punchBody
}

type registryStub struct {
	*httptest.Server
	failFirst int32
	calls     atomic.Int32

	mu      sync.Mutex
	punches []punchRecord
}

func newRegistryStub(t *testing.T, failFirst int32) *registryStub {
	t.Helper()
	stub := &registryStub{failFirst: failFirst}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stub.calls.Add(1) <= stub.failFirst {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		var body punchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.punches = append(stub.punches, punchRecord{path: r.URL.Path, authKey: r.Header.Get("auth-key"), body: body})
		stub.mu.Unlock()
		_, _ = w.Write([]byte("OK"))
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *registryStub) records() []punchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]punchRecord(nil), s.punches...)
}

func testNodeConfig(stubURL string) config.NodeConfig {
	return config.NodeConfig{
		PunchURI:      stubURL + "/punch-v2",
		SocksPunchURI: stubURL + "/socks-punch-v2",
		PunchAuthKey:  "k",
		Lifespan:      time.Hour,
		GracePeriod:   time.Minute,
		PunchRetry:    10 * time.Millisecond,
	}
}

func waitForState(t *testing.T, n *Node, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		changed := n.StateChanged()
		got := n.State()
		if got == want {
			return
		}
		if got == StateFailed {
			t.Fatalf("node failed while waiting for %s", want)
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s, state is %s", want, n.State())
		}
	}
}

func TestNodeRetriesPunchUntilRegistered(t *testing.T) {
	t.Parallel()

	stub := newRegistryStub(t, 3)
	codec := newTestCodec(t)
	n := New(testNodeConfig(stub.URL), codec, nil, testLog, Options{BindHost: "127.0.0.1"})
	if n.State() != StateCreated {
		t.Fatalf("new node state %s", n.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	waitForState(t, n, StateServing)

	records := stub.records()
	if len(records) != 2 {
		t.Fatalf("expected one successful punch per transport, got %d", len(records))
	}
	if got := stub.calls.Load(); got != 5 {
		t.Fatalf("expected 3 failed and 2 successful calls, got %d", got)
	}

	httpAddr, socksAddr := n.ListenAddrs()
	wantPorts := map[string]int{
		"/punch-v2":       httpAddr.(*net.TCPAddr).Port,
		"/socks-punch-v2": socksAddr.(*net.TCPAddr).Port,
	}
	for _, rec := range records {
		if rec.authKey != "k" {
			t.Fatalf("%s: auth-key %q", rec.path, rec.authKey)
		}
		if rec.body.Port != wantPorts[rec.path] {
			t.Fatalf("%s: port %d, want %d", rec.path, rec.body.Port, wantPorts[rec.path])
		}
		if rec.body.Public != "127.0.0.1" || rec.body.Local != "localhost" {
			t.Fatalf("%s: addresses %q/%q", rec.path, rec.body.Public, rec.body.Local)
		}
		if !codec.VerifySentinel(rec.body.Token) {
			t.Fatalf("%s: token does not verify", rec.path)
		}
		ttl := time.Duration(rec.body.TTL) * time.Millisecond
		if ttl > 61*time.Minute || ttl < 60*time.Minute {
			t.Fatalf("%s: ttl %s outside lifespan+grace", rec.path, ttl)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNodeServesTrafficAfterRegistering(t *testing.T) {
	t.Parallel()

	stub := newRegistryStub(t, 0)
	codec := newTestCodec(t)
	n := New(testNodeConfig(stub.URL), codec, nil, testLog, Options{BindHost: "127.0.0.1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()
	waitForState(t, n, StateServing)

	httpAddr, socksAddr := n.ListenAddrs()
	resp, err := http.Get("http://" + httpAddr.String() + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407 from http listener, got %d", resp.StatusCode)
	}

	echo := startEcho(t)
	conn, err := socksDial(t, socksAddr.String(), mint(t, codec, time.Minute), echo)
	if err != nil {
		t.Fatalf("socks dial through node: %v", err)
	}
	conn.Close()
}

func TestNodeResolvesFromMetadata(t *testing.T) {
	t.Parallel()

	meta := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latest/meta-data/public-ipv4":
			_, _ = w.Write([]byte("203.0.113.10\n"))
		case "/latest/meta-data/local-ipv4":
			_, _ = w.Write([]byte("10.0.0.10"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer meta.Close()

	cfg := testNodeConfig("http://registry.invalid")
	cfg.Production = true
	cfg.MetadataURL = meta.URL + "/latest/meta-data/"
	n := New(cfg, newTestCodec(t), nil, testLog, Options{})

	addrs, err := n.resolveAddress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if addrs.Public != "203.0.113.10" || addrs.Local != "10.0.0.10" {
		t.Fatalf("unexpected addresses %+v", addrs)
	}
}

func TestNodeFailsWhenMetadataUnavailable(t *testing.T) {
	t.Parallel()

	meta := httptest.NewServer(http.NotFoundHandler())
	defer meta.Close()

	cfg := testNodeConfig("http://registry.invalid")
	cfg.Production = true
	cfg.MetadataURL = meta.URL
	n := New(cfg, newTestCodec(t), nil, testLog, Options{BindHost: "127.0.0.1"})

	err := n.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "public-ipv4") {
		t.Fatalf("expected metadata error, got %v", err)
	}
	if n.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", n.State())
	}
}

func TestNodeFailsWhenPortBusy(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := testNodeConfig("http://registry.invalid")
	cfg.ProxyPort = busy.Addr().(*net.TCPAddr).Port
	n := New(cfg, newTestCodec(t), nil, testLog, Options{BindHost: "127.0.0.1"})

	if err := n.Run(context.Background()); err == nil {
		t.Fatal("expected bind failure")
	}
	if n.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", n.State())
	}
}

func TestNodeRequiresConfiguration(t *testing.T) {
	t.Parallel()

	n := New(config.NodeConfig{}, newTestCodec(t), nil, testLog, Options{})
	err := n.Run(context.Background())
	if !errors.Is(err, domain.ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
	if n.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", n.State())
	}
}

func TestPunchTTL(t *testing.T) {
	t.Parallel()

	start := time.UnixMilli(1_700_000_000_000)
	now := start
	n := New(config.NodeConfig{Lifespan: time.Hour, GracePeriod: time.Minute}, nil, nil, testLog, Options{
		Now: func() time.Time { return now },
	})

	tests := []struct {
		elapsed time.Duration
		grace   time.Duration
		want    time.Duration
	}{
		{elapsed: 0, grace: time.Minute, want: 61 * time.Minute},
		{elapsed: 10 * time.Minute, grace: time.Minute, want: 51 * time.Minute},
		{elapsed: 2 * time.Hour, grace: time.Minute, want: time.Minute},
		{elapsed: 2 * time.Hour, grace: 0, want: time.Second},
	}
	for _, tt := range tests {
		now = start.Add(tt.elapsed)
		n.cfg.GracePeriod = tt.grace
		if got := n.punchTTL(); got != tt.want {
			t.Fatalf("elapsed %s grace %s: got %s, want %s", tt.elapsed, tt.grace, got, tt.want)
		}
	}
}

func TestPunchStopsOnCancel(t *testing.T) {
	t.Parallel()

	stub := newRegistryStub(t, 1<<30)
	codec := newTestCodec(t)
	n := New(testNodeConfig(stub.URL), codec, nil, testLog, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if n.punchLoop(ctx, domain.TransportHTTP, stub.URL+"/punch-v2", 8001) {
		t.Fatal("punch loop should give up when ctx ends")
	}
	if stub.calls.Load() < 2 {
		t.Fatalf("expected retries before cancel, got %d calls", stub.calls.Load())
	}
}
