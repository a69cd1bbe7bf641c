package debughttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koltyakov/distproxy/internal/log"
)

func TestPprofMuxServesIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newPprofMux().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "profile?debug=1") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}
}

func TestStartPprofServerDisabled(t *testing.T) {
	t.Parallel()

	addr, err := StartPprofServer(context.Background(), "  ", nil, "registry")
	if err != nil || addr != nil {
		t.Fatalf("expected disabled server, got %v, %v", addr, err)
	}
}

func TestStartPprofServerListens(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := StartPprofServer(ctx, "127.0.0.1:0", log.Discard(), "node")
	if err != nil {
		t.Fatalf("StartPprofServer: %v", err)
	}

	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/cmdline")
	if err != nil {
		t.Fatalf("GET cmdline: %v", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStartPprofServerBindError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := StartPprofServer(ctx, "127.0.0.1:0", log.Discard(), "registry")
	if err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, err := StartPprofServer(ctx, addr.String(), log.Discard(), "registry"); err == nil {
		t.Fatal("expected bind error on busy port")
	}
}
