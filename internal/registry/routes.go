package registry

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koltyakov/distproxy/internal/domain"
)

// punchAuthHeader carries the shared punch secret.
const punchAuthHeader = "auth-key"

func (r *Registry) routes() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Recoverer)
	root.Use(r.metrics.instrument)

	root.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	root.Method(http.MethodGet, "/metrics", r.metrics.handler())

	for _, p := range r.pools {
		sub := r.poolRouter(p)
		for _, prefix := range p.spec.Prefixes {
			root.Mount(prefix, sub)
		}
	}
	return root
}

func (r *Registry) poolRouter(p *poolState) http.Handler {
	mux := chi.NewRouter()
	mux.Get("/proxy", r.handleSelect(p, domain.TransportHTTP))
	mux.Get("/socks-proxy", r.handleSelect(p, domain.TransportSOCKS))

	mux.Group(func(g chi.Router) {
		g.Use(r.requirePunchKey)
		g.Post("/punch", r.handleLegacyPunch(p, domain.TransportHTTP))
		g.Post("/socks-punch", r.handleLegacyPunch(p, domain.TransportSOCKS))
		g.Post("/punch-v2", r.handlePunch(p, domain.TransportHTTP))
		g.Post("/socks-punch-v2", r.handlePunch(p, domain.TransportSOCKS))
	})
	return mux
}

// requirePunchKey enforces the auth-key header when a punch key is set.
func (r *Registry) requirePunchKey(next http.Handler) http.Handler {
	key := []byte(r.cfg.PunchAuthKey)
	if len(key) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got := []byte(req.Header.Get(punchAuthHeader))
		if subtle.ConstantTimeCompare(got, key) != 1 {
			r.log.Warn("punch rejected", "reason", "bad auth-key", "remote", req.RemoteAddr, "path", req.URL.Path)
			writeText(w, http.StatusUnauthorized, domain.ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, req)
	})
}
