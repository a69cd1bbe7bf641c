package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/distproxy/internal/domain"
	ilog "github.com/koltyakov/distproxy/internal/log"
	"github.com/koltyakov/distproxy/internal/netutil"
	"github.com/koltyakov/distproxy/internal/token"
)

// PoolSpec names one pool and the URL prefixes its routes are mounted at.
type PoolSpec struct {
	Name     string
	Prefixes []string
	// TTL applies to legacy punches. Zero means RegistryConfig.ProxyTTL.
	TTL time.Duration
}

type RegistryConfig struct {
	Listen            string
	Pools             []PoolSpec
	ProxyTTL          time.Duration
	DataDir           string
	PunchAuthKey      string
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	HealthConcurrency int
	TLSDomain         string
	TLSListen         string
	CertCacheDir      string
	PprofListen       string
	LogLevel          string
	MaxBodyBytes      int64
}

type NodeConfig struct {
	PunchURI      string
	SocksPunchURI string
	PunchAuthKey  string
	Lifespan      time.Duration
	GracePeriod   time.Duration
	PunchRetry    time.Duration
	ProxyPort     int
	SocksPort     int
	Production    bool
	MetadataURL   string
	AllowedHosts  []string
	KeyFile       string
	PprofListen   string
	LogLevel      string
}

const DefaultPools = "0:/,/0;1:/1;short_1:/short/1"
const DefaultMetadataURL = "http://169.254.169.254/latest/meta-data"

const defaultRegistryListen = ":8000"
const defaultRegistryTLSListen = ":443"
const defaultProxyTTL = 10 * time.Minute
const defaultHealthInterval = 60 * time.Second
const defaultHealthTimeout = 3 * time.Second
const defaultHealthConcurrency = 32
const defaultCertCacheDir = "./cert"
const defaultSocksPort = 8002
const defaultPunchRetry = time.Second

var poolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func ParseRegistryFlags(args []string) (RegistryConfig, error) {
	cfg := RegistryConfig{
		Listen:            envOrDefault("DISTPROXY_REGISTRY_LISTEN", defaultRegistryListen),
		ProxyTTL:          envDurationOrDefault("DISTPROXY_PROXY_TTL", defaultProxyTTL),
		DataDir:           envOrDefault("DISTPROXY_DATA_DIR", "."),
		PunchAuthKey:      envOrDefault("DISTPROXY_PUNCH_AUTH_KEY", ""),
		HealthInterval:    envDurationOrDefault("DISTPROXY_HEALTH_INTERVAL", defaultHealthInterval),
		HealthTimeout:     envDurationOrDefault("DISTPROXY_HEALTH_TIMEOUT", defaultHealthTimeout),
		HealthConcurrency: envIntOrDefault("DISTPROXY_HEALTH_CONCURRENCY", defaultHealthConcurrency),
		TLSDomain:         envOrDefault("DISTPROXY_TLS_DOMAIN", ""),
		TLSListen:         envOrDefault("DISTPROXY_TLS_LISTEN", defaultRegistryTLSListen),
		CertCacheDir:      envOrDefault("DISTPROXY_CERT_CACHE_DIR", defaultCertCacheDir),
		PprofListen:       envOrDefault("DISTPROXY_PPROF_LISTEN", ""),
		LogLevel:          envOrDefault("DISTPROXY_LOG_LEVEL", "info"),
		MaxBodyBytes:      64 * 1024,
	}
	pools := envOrDefault("DISTPROXY_POOLS", DefaultPools)

	fs := flag.NewFlagSet("registry", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&pools, "pools", pools, "Pools as name:prefix[,prefix][@ttl];...")
	fs.DurationVar(&cfg.ProxyTTL, "proxy-ttl", cfg.ProxyTTL, "Entry lifetime for legacy punches")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding pool snapshots")
	fs.StringVar(&cfg.PunchAuthKey, "punch-auth-key", cfg.PunchAuthKey, "Require this auth-key header on punch routes")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", cfg.HealthInterval, "Delay between health sweeps")
	fs.DurationVar(&cfg.HealthTimeout, "health-timeout", cfg.HealthTimeout, "Per-probe timeout")
	fs.IntVar(&cfg.HealthConcurrency, "health-concurrency", cfg.HealthConcurrency, "Probes in flight per sweep")
	fs.StringVar(&cfg.TLSDomain, "tls-domain", cfg.TLSDomain, "Serve HTTPS for this domain via ACME (optional)")
	fs.StringVar(&cfg.TLSListen, "tls-listen", cfg.TLSListen, "HTTPS listen address when --tls-domain is set")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "pprof listen address (optional)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ProxyTTL <= 0 {
		return cfg, errors.New("proxy ttl must be > 0")
	}
	parsed, err := ParsePools(pools)
	if err != nil {
		return cfg, err
	}
	cfg.Pools = parsed
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "."
	}
	if cfg.HealthInterval <= 0 {
		return cfg, errors.New("health interval must be > 0")
	}
	if cfg.HealthTimeout <= 0 {
		return cfg, errors.New("health timeout must be > 0")
	}
	if cfg.HealthConcurrency <= 0 {
		return cfg, errors.New("health concurrency must be > 0")
	}
	cfg.TLSDomain = normalizeDomainHost(cfg.TLSDomain)
	if !ilog.ValidLevel(cfg.LogLevel) {
		return cfg, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	return cfg, nil
}

// ParsePools parses "name:prefix[,prefix][@ttl];..." into pool specs.
// Prefixes must start with "/" and may not be shared between pools.
func ParsePools(spec string) ([]PoolSpec, error) {
	var out []PoolSpec
	seenName := map[string]bool{}
	seenPrefix := map[string]string{}

	for _, item := range strings.Split(spec, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, rest, ok := strings.Cut(item, ":")
		name = strings.TrimSpace(name)
		if !ok || !poolNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid pool %q: want name:prefix[,prefix][@ttl]", item)
		}
		if seenName[name] {
			return nil, fmt.Errorf("duplicate pool name %q", name)
		}
		seenName[name] = true

		p := PoolSpec{Name: name}
		if prefixes, ttl, hasTTL := strings.Cut(rest, "@"); hasTTL {
			d, err := time.ParseDuration(strings.TrimSpace(ttl))
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid ttl for pool %q: %q", name, ttl)
			}
			p.TTL = d
			rest = prefixes
		}
		for _, prefix := range strings.Split(rest, ",") {
			prefix = normalizePrefix(prefix)
			if prefix == "" {
				return nil, fmt.Errorf("pool %q: prefix must start with /", name)
			}
			if owner, dup := seenPrefix[prefix]; dup {
				return nil, fmt.Errorf("prefix %q used by pools %q and %q", prefix, owner, name)
			}
			seenPrefix[prefix] = name
			p.Prefixes = append(p.Prefixes, prefix)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one pool", domain.ErrMissingConfig)
	}
	return out, nil
}

func ParseNodeFlags(args []string) (NodeConfig, error) {
	cfg := NodeConfig{
		PunchURI:      envOrDefault("DISTPROXY_PUNCH_URI", ""),
		SocksPunchURI: envOrDefault("DISTPROXY_SOCKS_PUNCH_URI", ""),
		PunchAuthKey:  envOrDefault("DISTPROXY_PUNCH_AUTH_KEY", ""),
		Lifespan:      envDurationOrDefault("DISTPROXY_PROXY_LIFESPAN", 0),
		GracePeriod:   envDurationOrDefault("DISTPROXY_GRACE_PERIOD", 0),
		PunchRetry:    defaultPunchRetry,
		ProxyPort:     envIntOrDefault("DISTPROXY_PROXY_PORT", domain.DefaultProxyPort),
		SocksPort:     envIntOrDefault("DISTPROXY_SOCKS_PORT", defaultSocksPort),
		Production:    strings.EqualFold(strings.TrimSpace(os.Getenv("DISTPROXY_ENV")), "production"),
		MetadataURL:   envOrDefault("DISTPROXY_METADATA_URL", DefaultMetadataURL),
		KeyFile:       envOrDefault("DISTPROXY_KEY_FILE", token.DefaultKeyFile),
		PprofListen:   envOrDefault("DISTPROXY_PPROF_LISTEN", ""),
		LogLevel:      envOrDefault("DISTPROXY_LOG_LEVEL", "info"),
	}
	allowed := envOrDefault("DISTPROXY_ALLOWED_HOSTS", "")

	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.StringVar(&cfg.PunchURI, "punch-uri", cfg.PunchURI, "Registry HTTP punch URL")
	fs.StringVar(&cfg.SocksPunchURI, "socks-punch-uri", cfg.SocksPunchURI, "Registry SOCKS punch URL")
	fs.StringVar(&cfg.PunchAuthKey, "punch-auth-key", cfg.PunchAuthKey, "auth-key header sent with punches")
	fs.DurationVar(&cfg.Lifespan, "lifespan", cfg.Lifespan, "Planned lifetime of this node")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "Extra validity past the planned lifetime")
	fs.DurationVar(&cfg.PunchRetry, "punch-retry", cfg.PunchRetry, "Delay between punch attempts")
	fs.IntVar(&cfg.ProxyPort, "proxy-port", cfg.ProxyPort, "HTTP proxy port")
	fs.IntVar(&cfg.SocksPort, "socks-port", cfg.SocksPort, "SOCKS5 proxy port")
	fs.BoolVar(&cfg.Production, "production", cfg.Production, "Resolve addresses from cloud metadata")
	fs.StringVar(&cfg.MetadataURL, "metadata-url", cfg.MetadataURL, "Cloud metadata base URL")
	fs.StringVar(&allowed, "allowed-hosts", allowed, "Comma separated target host patterns (empty allows all)")
	fs.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "Token key file")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "pprof listen address (optional)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.PunchURI = strings.TrimSpace(cfg.PunchURI)
	cfg.SocksPunchURI = strings.TrimSpace(cfg.SocksPunchURI)
	if cfg.PunchURI == "" {
		return cfg, fmt.Errorf("%w: --punch-uri or DISTPROXY_PUNCH_URI", domain.ErrMissingConfig)
	}
	if cfg.SocksPunchURI == "" {
		return cfg, fmt.Errorf("%w: --socks-punch-uri or DISTPROXY_SOCKS_PUNCH_URI", domain.ErrMissingConfig)
	}
	for _, raw := range []string{cfg.PunchURI, cfg.SocksPunchURI} {
		if err := validateHTTPURL(raw); err != nil {
			return cfg, err
		}
	}
	if cfg.Lifespan <= 0 {
		return cfg, fmt.Errorf("%w: --lifespan or DISTPROXY_PROXY_LIFESPAN", domain.ErrMissingConfig)
	}
	if cfg.GracePeriod < 0 {
		return cfg, errors.New("grace period must be >= 0")
	}
	if cfg.PunchRetry <= 0 {
		return cfg, errors.New("punch retry must be > 0")
	}
	if cfg.ProxyPort < 0 || cfg.ProxyPort > 65535 {
		return cfg, errors.New("proxy port must be between 0 and 65535")
	}
	if cfg.SocksPort < 0 || cfg.SocksPort > 65535 {
		return cfg, errors.New("socks port must be between 0 and 65535")
	}
	if cfg.Production {
		if err := validateHTTPURL(cfg.MetadataURL); err != nil {
			return cfg, err
		}
	}
	if !ilog.ValidLevel(cfg.LogLevel) {
		return cfg, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	cfg.AllowedHosts = splitList(allowed)

	return cfg, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid URL %q: want http(s)://host/path", raw)
	}
	return nil
}

func normalizePrefix(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "/") {
		return ""
	}
	if v != "/" {
		v = strings.TrimRight(v, "/")
	}
	return v
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDurationOrDefault accepts Go durations ("90s") or plain integers, which
// are read as milliseconds.
func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	return netutil.NormalizeHost(v)
}
