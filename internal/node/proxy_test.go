package node

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/distproxy/internal/token"
)

func startProxy(t *testing.T, policy HostPolicy) (*httptest.Server, *token.Codec) {
	t.Helper()
	g, codec := newTestGuard(t, policy)
	dial := (&net.Dialer{Timeout: time.Second}).DialContext
	srv := httptest.NewServer(newProxyHandler(g, testLog, dial))
	t.Cleanup(srv.Close)
	return srv, codec
}

func sendConnect(t *testing.T, proxyAddr, target, auth string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if auth != "" {
		req += "Proxy-Authorization: " + auth + "\r\n"
	}
	if _, err := io.WriteString(conn, req+"\r\n"); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	return conn, br, resp
}

func TestConnectWithoutAuthGets407AndClose(t *testing.T) {
	t.Parallel()

	srv, _ := startProxy(t, nil)
	_, br, resp := sendConnect(t, srv.Listener.Addr().String(), "example.com:443", "")

	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Authenticate"); got != `Basic realm="Secured Proxy"` {
		t.Fatalf("unexpected Proxy-Authenticate %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Proxy Authentication Required" {
		t.Fatalf("unexpected body %q", body)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Fatalf("expected socket to be closed, got %v", err)
	}
}

func TestConnectTunnelsBytes(t *testing.T) {
	t.Parallel()

	srv, codec := startProxy(t, nil)
	echo := startEcho(t)
	conn, br, resp := sendConnect(t, srv.Listener.Addr().String(), echo, basicAuth(mint(t, codec, time.Minute)))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echo, got %q", buf)
	}
}

func TestConnectRejects(t *testing.T) {
	t.Parallel()

	srv, codec := startProxy(t, NewAllowList([]string{"127.0.0.1"}))
	echo := startEcho(t)

	tests := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{name: "expired token", target: echo, auth: basicAuth(mint(t, codec, -time.Second)), want: http.StatusProxyAuthRequired},
		{name: "garbage token", target: echo, auth: basicAuth("deadbeef"), want: http.StatusProxyAuthRequired},
		{name: "bearer scheme", target: echo, auth: "Bearer " + mint(t, codec, time.Minute), want: http.StatusProxyAuthRequired},
		{name: "host not allowed", target: "localhost:80", auth: basicAuth(mint(t, codec, time.Minute)), want: http.StatusProxyAuthRequired},
		{name: "dial failure", target: closedAddr(t), auth: basicAuth(mint(t, codec, time.Minute)), want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, br, resp := sendConnect(t, srv.Listener.Addr().String(), tt.target, tt.auth)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
			_, _ = io.ReadAll(resp.Body)
			if _, err := br.ReadByte(); err != io.EOF {
				t.Fatalf("expected socket to be closed, got %v", err)
			}
		})
	}
}

func TestForwardProxy(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Authorization") != "" {
			t.Errorf("Proxy-Authorization leaked upstream")
		}
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer backend.Close()

	srv, codec := startProxy(t, nil)
	proxyURL := &url.URL{
		Scheme: "http",
		User:   url.UserPassword("username", mint(t, codec, time.Minute)),
		Host:   srv.Listener.Addr().String(),
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(backend.URL + "/path")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hello /path" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestForwardProxyWithoutTokenGets407(t *testing.T) {
	t.Parallel()

	srv, _ := startProxy(t, nil)
	proxyURL, _ := url.Parse(srv.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get("http://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Authenticate"); !strings.HasPrefix(got, "Basic") {
		t.Fatalf("unexpected Proxy-Authenticate %q", got)
	}
}

func TestHealthProbeSees407(t *testing.T) {
	t.Parallel()

	srv, _ := startProxy(t, nil)
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("expected 407 for an unauthenticated origin-form request, got %d", resp.StatusCode)
	}
}

func TestForwardUpstreamFailure(t *testing.T) {
	t.Parallel()

	srv, codec := startProxy(t, nil)
	proxyURL := &url.URL{
		Scheme: "http",
		User:   url.UserPassword("username", mint(t, codec, time.Minute)),
		Host:   srv.Listener.Addr().String(),
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get("http://" + closedAddr(t) + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(string(body), "Something went wrong") {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}
