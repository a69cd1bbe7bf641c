package node

import (
	"context"
	"log/slog"

	"github.com/armon/go-socks5"
)

// tokenCredentials accepts any username whose password is a live token.
type tokenCredentials struct {
	guard *guard
	log   *slog.Logger
}

func (c tokenCredentials) Valid(_, password string) bool {
	if err := c.guard.checkPassword(password); err != nil {
		c.log.Debug("socks auth denied", "err", err)
		return false
	}
	return true
}

// hostRules admits CONNECT requests whose destination passes the host
// policy. BIND and UDP ASSOCIATE are refused.
type hostRules struct {
	guard *guard
	log   *slog.Logger
}

func (r hostRules) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if req.Command != socks5.ConnectCommand || req.DestAddr == nil {
		return ctx, false
	}
	host := req.DestAddr.FQDN
	if host == "" && req.DestAddr.IP != nil {
		host = req.DestAddr.IP.String()
	}
	if err := r.guard.checkHost(host); err != nil {
		r.log.Debug("socks request denied", "host", host, "err", err)
		return ctx, false
	}
	return ctx, true
}

func newSOCKSServer(g *guard, log *slog.Logger, dial dialFunc) (*socks5.Server, error) {
	return socks5.New(&socks5.Config{
		AuthMethods: []socks5.Authenticator{
			socks5.UserPassAuthenticator{Credentials: tokenCredentials{guard: g, log: log}},
		},
		Rules:  hostRules{guard: g, log: log},
		Logger: slog.NewLogLogger(log.Handler(), slog.LevelDebug),
		Dial:   dial,
	})
}
