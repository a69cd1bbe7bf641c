package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/koltyakov/distproxy/internal/domain"
	"github.com/koltyakov/distproxy/internal/token"
)

const punchAuthHeader = "auth-key"

type punchBody struct {
	Public string `json:"public"`
	Local  string `json:"local"`
	Token  string `json:"token"`
	TTL    int64  `json:"ttl"`
	Port   int    `json:"port"`
}

// register punches both listeners in parallel and reports whether both
// succeeded before ctx ended.
func (n *Node) register(ctx context.Context) bool {
	httpAddr, socksAddr := n.ListenAddrs()
	targets := []struct {
		transport domain.Transport
		uri       string
		addr      net.Addr
	}{
		{domain.TransportHTTP, n.cfg.PunchURI, httpAddr},
		{domain.TransportSOCKS, n.cfg.SocksPunchURI, socksAddr},
	}

	var wg sync.WaitGroup
	ok := make([]bool, len(targets))
	for i, tgt := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok[i] = n.punchLoop(ctx, tgt.transport, tgt.uri, portOf(tgt.addr))
		}()
	}
	wg.Wait()
	return ok[0] && ok[1]
}

// punchLoop retries a punch at a constant delay until it succeeds or ctx
// ends. Every attempt mints a fresh token.
func (n *Node) punchLoop(ctx context.Context, t domain.Transport, uri string, port int) bool {
	retry := n.cfg.PunchRetry
	if retry <= 0 {
		retry = time.Second
	}
	b := &backoff.Backoff{Min: retry, Max: retry, Factor: 1}
	log := n.log.With("transport", t, "uri", uri)

	for {
		err := n.punch(ctx, uri, port)
		if err == nil {
			log.Info("punched", "attempts", int(b.Attempt())+1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		delay := b.Duration()
		log.Warn("punch failed, retrying", "err", err, "in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (n *Node) punch(ctx context.Context, uri string, port int) error {
	ttl := n.punchTTL()
	tok, err := n.codec.Mint(token.Sentinel, ttl)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	addrs := n.Addresses()
	body, err := json.Marshal(punchBody{
		Public: addrs.Public,
		Local:  addrs.Local,
		Token:  tok,
		TTL:    ttl.Milliseconds(),
		Port:   port,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.PunchAuthKey != "" {
		req.Header.Set(punchAuthHeader, n.cfg.PunchAuthKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry answered %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// punchTTL is how long the registry should keep this node: the rest of its
// planned lifespan plus the grace period, never less than the grace period
// and never less than a second.
func (n *Node) punchTTL() time.Duration {
	grace := n.cfg.GracePeriod
	ttl := n.cfg.Lifespan - n.now().Sub(n.started) + grace
	if ttl < grace {
		ttl = grace
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
