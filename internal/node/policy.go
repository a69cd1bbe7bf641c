package node

import (
	"fmt"
	"strings"

	"github.com/koltyakov/distproxy/internal/domain"
	"github.com/koltyakov/distproxy/internal/netutil"
)

// HostPolicy decides which destination hosts a node may reach.
type HostPolicy interface {
	Allow(host string) error
}

// AllowList admits hosts matching "*", an exact name, or "*.suffix"
// (subdomains of suffix only). An empty list admits everything.
type AllowList struct {
	exact    map[string]bool
	suffixes []string
	any      bool
}

func NewAllowList(patterns []string) *AllowList {
	a := &AllowList{exact: map[string]bool{}}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "":
		case p == "*":
			a.any = true
		case strings.HasPrefix(p, "*."):
			a.suffixes = append(a.suffixes, strings.TrimSuffix(p[1:], "."))
		default:
			a.exact[netutil.NormalizeHost(p)] = true
		}
	}
	if len(a.exact) == 0 && len(a.suffixes) == 0 {
		a.any = true
	}
	return a
}

func (a *AllowList) Allow(host string) error {
	host = netutil.NormalizeHost(host)
	if host == "" {
		return fmt.Errorf("%w: empty host", domain.ErrHostNotAllowed)
	}
	if a.any || a.exact[host] {
		return nil
	}
	for _, suffix := range a.suffixes {
		if strings.HasSuffix(host, suffix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrHostNotAllowed, host)
}
