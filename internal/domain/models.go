// Package domain defines the core data types shared across the distproxy
// registry, pool store, and proxy node.
package domain

import (
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transport identifies which proxy protocol an entry speaks.
type Transport string

// Supported transports. The string values double as snapshot JSON keys.
const (
	TransportHTTP  Transport = "http"
	TransportSOCKS Transport = "socks"
)

// Transports lists every supported transport in a stable order.
var Transports = []Transport{TransportHTTP, TransportSOCKS}

// Scheme returns the URI scheme clients use to reach a proxy of this transport.
func (t Transport) Scheme() string {
	if t == TransportSOCKS {
		return "socks5"
	}
	return "http"
}

// Scope selects which network path of an entry is handed back to a caller.
type Scope string

// Supported scopes.
const (
	ScopeLocal  Scope = "local"
	ScopePublic Scope = "public"
)

// ParseScope maps the ?pool= query value to a scope. Anything other than
// "local" is treated as public, matching what deployed clients send.
func ParseScope(v string) Scope {
	if strings.EqualFold(strings.TrimSpace(v), string(ScopeLocal)) {
		return ScopeLocal
	}
	return ScopePublic
}

// ProxyEntry is one registered proxy instance. Local and Public address the
// same node over different network paths; URI is the single address produced
// by the legacy punch routes.
type ProxyEntry struct {
	URI          string
	Public       string
	Local        string
	InvalidAfter time.Time
}

type proxyEntryJSON struct {
	URI          string `json:"uri,omitempty"`
	Public       string `json:"public,omitempty"`
	Local        string `json:"local,omitempty"`
	InvalidAfter int64  `json:"invalidAfter"`
}

// MarshalJSON encodes InvalidAfter as Unix milliseconds.
func (e ProxyEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(proxyEntryJSON{
		URI:          e.URI,
		Public:       e.Public,
		Local:        e.Local,
		InvalidAfter: e.InvalidAfter.UnixMilli(),
	})
}

// UnmarshalJSON decodes the snapshot form written by MarshalJSON.
func (e *ProxyEntry) UnmarshalJSON(data []byte) error {
	var raw proxyEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.URI = raw.URI
	e.Public = raw.Public
	e.Local = raw.Local
	e.InvalidAfter = time.UnixMilli(raw.InvalidAfter)
	return nil
}

// Expired reports whether the entry is no longer selectable at now.
func (e ProxyEntry) Expired(now time.Time) bool {
	return !e.InvalidAfter.After(now)
}

// Address returns the address to hand out for scope, or "" when the entry
// has no address on that path.
func (e ProxyEntry) Address(scope Scope) string {
	if scope == ScopeLocal {
		return e.Local
	}
	if e.Public != "" {
		return e.Public
	}
	return e.URI
}

// LocalHost returns the hostname component of the local address.
func (e ProxyEntry) LocalHost() string {
	return uriHost(e.Local)
}

// LocalHostPort returns host:port of the local address, or "" if it has none.
func (e ProxyEntry) LocalHostPort() string {
	if e.Local == "" {
		return ""
	}
	u, err := url.Parse(e.Local)
	if err != nil {
		return ""
	}
	return u.Host
}

func uriHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// TransportPools is the per-transport entry set of one pool-name. It is also
// the persisted snapshot shape.
type TransportPools map[Transport][]ProxyEntry

// Clone returns a deep copy safe to hand to another goroutine.
func (p TransportPools) Clone() TransportPools {
	out := make(TransportPools, len(p))
	for t, entries := range p {
		out[t] = append([]ProxyEntry(nil), entries...)
	}
	return out
}

// ProxyURI builds the credentialed URI a client uses to reach a node.
func ProxyURI(t Transport, token, host string, port int) string {
	u := url.URL{
		Scheme: t.Scheme(),
		User:   url.UserPassword(ProxyUsername, token),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	return u.String()
}

// ProxyUsername is the fixed user part of every handed-out proxy URI. Nodes
// only look at the password.
const ProxyUsername = "username"

// DefaultProxyPort is used when a punch omits its port.
const DefaultProxyPort = 8001
