package node

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/koltyakov/distproxy/internal/domain"
	"github.com/koltyakov/distproxy/internal/token"
)

const (
	proxyRealm       = `Basic realm="Secured Proxy"`
	proxyAuthMessage = "Proxy Authentication Required"
)

// guard gates every proxied request: the password must be a live token for
// the sentinel payload and the destination must pass the host policy.
type guard struct {
	codec  *token.Codec
	policy HostPolicy
}

func (g *guard) checkPassword(password string) error {
	if !g.codec.VerifySentinel(password) {
		return domain.ErrUnauthorized
	}
	return nil
}

func (g *guard) checkHost(host string) error {
	if g.policy == nil {
		return nil
	}
	return g.policy.Allow(host)
}

// check validates a Proxy-Authorization header value for a request to host.
func (g *guard) check(header, host string) error {
	_, password, ok := parseBasicAuth(header)
	if !ok {
		return fmt.Errorf("%w: missing or malformed Proxy-Authorization", domain.ErrUnauthorized)
	}
	if err := g.checkPassword(password); err != nil {
		return err
	}
	return g.checkHost(host)
}

func parseBasicAuth(header string) (user, password string, ok bool) {
	scheme, encoded, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	user, password, ok = strings.Cut(string(decoded), ":")
	return user, password, ok
}
