package cli

import (
	"fmt"
	"io"
	"strings"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `distproxy - distributed HTTP/SOCKS5 proxy pool

Nodes punch themselves into a registry; clients ask the registry for a live
proxy URI and connect to the node with the token embedded in it.

Usage:
  distproxy registry [flags]            Start the pool registry
  distproxy node [flags]                Start a proxy node and register it
  distproxy keygen [--key-file PATH]    Create the token key if missing
  distproxy token [--ttl 24h]           Mint a proxy token
  distproxy token --verify TOKEN        Check a token and print its payload
  distproxy version                     Print version
  distproxy help                        Show this help

Registry routes (per pool prefix, default pools "0" at / and /0, "1" at /1,
"short_1" at /short/1):
  GET  /proxy?pool=local|public         Random live HTTP proxy URI
  GET  /socks-proxy?pool=local|public   Random live SOCKS5 proxy URI
  POST /punch-v2, /socks-punch-v2       Register a node (ttl in ms)
  POST /punch, /socks-punch             Legacy registration (pool TTL)

Environment Variables:
  DISTPROXY_REGISTRY_LISTEN   Registry listen address (default: :8000)
  DISTPROXY_POOLS             Pools as name:prefix[,prefix][@ttl];...
  DISTPROXY_PROXY_TTL         Legacy punch lifetime (default: 10m)
  DISTPROXY_DATA_DIR          Pool snapshot directory (default: .)
  DISTPROXY_PUNCH_AUTH_KEY    Shared auth-key for punches (optional)
  DISTPROXY_TLS_DOMAIN        Serve HTTPS via ACME for this domain (optional)
  DISTPROXY_PUNCH_URI         Node: registry HTTP punch URL
  DISTPROXY_SOCKS_PUNCH_URI   Node: registry SOCKS punch URL
  DISTPROXY_PROXY_LIFESPAN    Node: planned lifetime (e.g. 1h or ms)
  DISTPROXY_GRACE_PERIOD      Node: extra validity past lifespan
  DISTPROXY_PROXY_PORT        Node: HTTP proxy port (default: 8001)
  DISTPROXY_SOCKS_PORT        Node: SOCKS5 port (default: 8002)
  DISTPROXY_ENV               "production" resolves addresses from metadata
  DISTPROXY_ALLOWED_HOSTS     Node: comma separated target host patterns
  DISTPROXY_KEY_FILE          Token key file (default: proxy-manager.key)
  DISTPROXY_PPROF_LISTEN      pprof listen address (optional)
  DISTPROXY_LOG_LEVEL         Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	// GoReleaser's {{.Version}} drops the "v" prefix.
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "distproxy", Version)
}
