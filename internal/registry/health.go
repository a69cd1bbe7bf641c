package registry

import (
	"context"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/distproxy/internal/domain"
)

// SweepResult summarizes one health sweep.
type SweepResult struct {
	Probed    int
	Unhealthy []string
	Removed   int
}

type probeTarget struct {
	host     string
	hostPort string
}

func newProbeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:             nil,
			DialContext:       (&net.Dialer{Timeout: timeout}).DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (r *Registry) runHealthLoop(ctx context.Context) {
	for {
		r.Sweep(ctx)

		timer := time.NewTimer(r.cfg.HealthInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Sweep probes every distinct local HTTP endpoint once. A live node answers
// an unauthenticated request with 407; any other outcome marks its host
// unhealthy, and the host is dropped from every transport of every pool
// unless another of its endpoints passed.
func (r *Registry) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	targets := r.probeTargets()

	var (
		mu      sync.Mutex
		healthy = map[string]bool{}
		failed  = map[string]bool{}
	)
	var g errgroup.Group
	g.SetLimit(r.cfg.HealthConcurrency)
	for _, tgt := range targets {
		g.Go(func() error {
			ok := r.probeOne(ctx, tgt.hostPort)
			mu.Lock()
			if ok {
				healthy[tgt.host] = true
			} else {
				failed[tgt.host] = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Probed: len(targets)}
	if ctx.Err() != nil {
		return res
	}
	for host := range failed {
		if healthy[host] {
			continue
		}
		res.Unhealthy = append(res.Unhealthy, host)
	}
	sort.Strings(res.Unhealthy)
	for _, host := range res.Unhealthy {
		for _, p := range r.pools {
			res.Removed += p.store.RemoveHost(host)
		}
	}

	r.metrics.sweeps.Observe(time.Since(start).Seconds())
	r.metrics.removed.Add(float64(res.Removed))
	if len(res.Unhealthy) > 0 {
		r.log.Info("health sweep removed hosts", "probed", res.Probed, "hosts", res.Unhealthy, "entries", res.Removed)
	} else {
		r.log.Debug("health sweep done", "probed", res.Probed)
	}
	return res
}

func (r *Registry) probeTargets() []probeTarget {
	seen := map[string]bool{}
	var out []probeTarget
	for _, p := range r.pools {
		for _, e := range p.store.Entries(domain.TransportHTTP) {
			hostPort := e.LocalHostPort()
			if hostPort == "" || seen[hostPort] {
				continue
			}
			seen[hostPort] = true
			out = append(out, probeTarget{host: e.LocalHost(), hostPort: hostPort})
		}
	}
	return out
}

func (r *Registry) probeOne(ctx context.Context, hostPort string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hostPort+"/", nil)
	if err != nil {
		r.log.Warn("health probe request failed", "target", hostPort, "err", err)
		r.metrics.probes.WithLabelValues("error").Inc()
		return false
	}
	resp, err := r.probe.Do(req)
	if err != nil {
		r.log.Debug("health probe failed", "target", hostPort, "err", err)
		r.metrics.probes.WithLabelValues("error").Inc()
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusProxyAuthRequired {
		r.log.Debug("health probe unexpected status", "target", hostPort, "status", resp.StatusCode)
		r.metrics.probes.WithLabelValues("unhealthy").Inc()
		return false
	}
	r.metrics.probes.WithLabelValues("healthy").Inc()
	return true
}
