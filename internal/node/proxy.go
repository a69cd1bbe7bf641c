package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/koltyakov/distproxy/internal/netutil"
)

const (
	dialTimeout = 10 * time.Second
	proxyAgent  = "distproxy"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// proxyHandler is the HTTP side of a node: absolute-form requests are
// forwarded, CONNECT requests are tunnelled, and anything without a valid
// token gets 407.
type proxyHandler struct {
	guard   *guard
	log     *slog.Logger
	dial    dialFunc
	forward *httputil.ReverseProxy
}

func newProxyHandler(g *guard, log *slog.Logger, dial dialFunc) *proxyHandler {
	h := &proxyHandler{guard: g, log: log, dial: dial}
	h.forward = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			netutil.RemoveHopByHopHeaders(pr.Out.Header)
		},
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dial,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.Warn("forward failed", "host", r.URL.Host, "err", err)
			http.Error(w, "Something went wrong", http.StatusInternalServerError)
		},
		ErrorLog: slog.NewLogLogger(log.Handler(), slog.LevelDebug),
	}
	return h
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.serveConnect(w, r)
		return
	}

	if err := h.guard.check(r.Header.Get("Proxy-Authorization"), r.URL.Hostname()); err != nil {
		h.log.Debug("proxy request denied", "host", r.URL.Host, "remote", r.RemoteAddr, "err", err)
		writeProxyAuthRequired(w)
		return
	}
	if r.URL.Host == "" || (r.URL.Scheme != "http" && r.URL.Scheme != "https") {
		http.Error(w, "absolute request URI required", http.StatusBadRequest)
		return
	}
	h.forward.ServeHTTP(w, r)
}

func (h *proxyHandler) serveConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buffered, err := hj.Hijack()
	if err != nil {
		h.log.Warn("connect hijack failed", "err", err)
		return
	}

	target := r.Host
	log := h.log.With("target", target, "remote", r.RemoteAddr)
	if err := h.guard.check(r.Header.Get("Proxy-Authorization"), target); err != nil {
		log.Debug("connect denied", "err", err)
		writeRaw(client, rawProxyAuthRequired())
		_ = client.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	upstream, err := h.dial(ctx, "tcp", target)
	cancel()
	if err != nil {
		log.Warn("connect dial failed", "err", err)
		writeRaw(client, rawStatus(http.StatusBadGateway))
		_ = client.Close()
		return
	}

	if err := writeRaw(client, "HTTP/1.1 200 Connection Established\r\nProxy-Agent: "+proxyAgent+"\r\nConnection: keep-alive\r\n\r\n"); err != nil {
		log.Debug("connect reply failed", "err", err)
		_ = client.Close()
		_ = upstream.Close()
		return
	}
	if err := drainBuffered(buffered, upstream); err != nil {
		log.Debug("connect early data failed", "err", err)
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	log.Debug("tunnel open")
	splice(client, upstream)
	log.Debug("tunnel closed")
}

// drainBuffered forwards bytes the client sent right behind the CONNECT
// headers, which the HTTP server may already have read.
func drainBuffered(rw *bufio.ReadWriter, dst io.Writer) error {
	n := rw.Reader.Buffered()
	if n == 0 {
		return nil
	}
	data, err := rw.Reader.Peek(n)
	if err != nil {
		return err
	}
	_, err = dst.Write(data)
	return err
}

// splice copies both ways and tears the pair down once either side ends.
func splice(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		closeBoth()
		done <- struct{}{}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
	<-done
}

func writeProxyAuthRequired(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", proxyRealm)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusProxyAuthRequired)
	_, _ = io.WriteString(w, proxyAuthMessage)
}

func rawProxyAuthRequired() string {
	return fmt.Sprintf("HTTP/1.1 407 %s\r\nProxy-Authenticate: %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		proxyAuthMessage, proxyRealm, len(proxyAuthMessage), proxyAuthMessage)
}

func rawStatus(code int) string {
	text := http.StatusText(code)
	return fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, text, len(text), text)
}

func writeRaw(conn net.Conn, msg string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := io.WriteString(conn, msg)
	_ = conn.SetWriteDeadline(time.Time{})
	return err
}
