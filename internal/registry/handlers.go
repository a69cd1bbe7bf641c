package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/koltyakov/distproxy/internal/domain"
	"github.com/koltyakov/distproxy/internal/netutil"
)

const (
	routeLegacy = "v1"
	routeV2     = "v2"
)

// maxTTLMillis is the largest ttl that still fits a time.Duration.
const maxTTLMillis = int64(math.MaxInt64 / int64(time.Millisecond))

func (r *Registry) handleSelect(p *poolState, t domain.Transport) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		scope := domain.ParseScope(req.URL.Query().Get("pool"))
		entry, ok := p.store.Select(t, scope)
		if !ok {
			r.metrics.selections.WithLabelValues(p.spec.Name, string(t), string(scope), "miss").Inc()
			writeText(w, http.StatusNotFound, domain.ErrNoProxy.Error())
			return
		}
		r.metrics.selections.WithLabelValues(p.spec.Name, string(t), string(scope), "hit").Inc()
		writeText(w, http.StatusOK, entry.Address(scope))
	}
}

// handlePunch registers a node under both its public and local address for
// the lifetime the node asks for.
func (r *Registry) handlePunch(p *poolState, t domain.Transport) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := r.decodePunch(w, req)
		if err == nil && (body.TTL <= 0 || body.TTL > maxTTLMillis) {
			err = fmt.Errorf("ttl must be in 1..%d", maxTTLMillis)
		}
		if err != nil {
			r.rejectPunch(w, req, p, t, routeV2, err)
			return
		}

		ip := netutil.PeerIP(req.RemoteAddr)
		port := body.Port.OrDefault()
		entry := domain.ProxyEntry{
			Public:       domain.ProxyURI(t, body.Token, firstNonEmpty(body.Public, ip), port),
			Local:        domain.ProxyURI(t, body.Token, firstNonEmpty(body.Local, ip), port),
			InvalidAfter: r.now().Add(time.Duration(body.TTL) * time.Millisecond),
		}
		p.store.Insert(t, entry)
		r.acceptPunch(w, p, t, routeV2, entry, ip)
	}
}

// handleLegacyPunch registers a node by its observed address for the
// pool's fixed TTL. Any ttl in the body is ignored.
func (r *Registry) handleLegacyPunch(p *poolState, t domain.Transport) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := r.decodePunch(w, req)
		if err != nil {
			r.rejectPunch(w, req, p, t, routeLegacy, err)
			return
		}

		ip := netutil.PeerIP(req.RemoteAddr)
		entry := domain.ProxyEntry{
			URI:          domain.ProxyURI(t, body.Token, ip, body.Port.OrDefault()),
			InvalidAfter: r.now().Add(p.ttl),
		}
		p.store.Insert(t, entry)
		r.acceptPunch(w, p, t, routeLegacy, entry, ip)
	}
}

func (r *Registry) decodePunch(w http.ResponseWriter, req *http.Request) (domain.PunchRequest, error) {
	var body domain.PunchRequest
	if err := decodeJSONBody(w, req, r.cfg.MaxBodyBytes, &body); err != nil {
		return body, fmt.Errorf("invalid JSON body: %w", err)
	}
	body.Token = strings.TrimSpace(body.Token)
	body.Public = strings.TrimSpace(body.Public)
	body.Local = strings.TrimSpace(body.Local)
	if err := r.validate.Struct(body); err != nil {
		return body, validationError(err)
	}
	return body, nil
}

func (r *Registry) acceptPunch(w http.ResponseWriter, p *poolState, t domain.Transport, route string, e domain.ProxyEntry, ip string) {
	r.metrics.punches.WithLabelValues(p.spec.Name, string(t), route, "accepted").Inc()
	r.log.Debug("punch accepted",
		"pool", p.spec.Name,
		"transport", t,
		"route", route,
		"peer", ip,
		"invalid_after", e.InvalidAfter.UTC().Format(time.RFC3339),
	)
	writeText(w, http.StatusOK, "OK")
}

func (r *Registry) rejectPunch(w http.ResponseWriter, req *http.Request, p *poolState, t domain.Transport, route string, err error) {
	r.metrics.punches.WithLabelValues(p.spec.Name, string(t), route, "rejected").Inc()
	r.log.Warn("punch rejected", "pool", p.spec.Name, "transport", t, "route", route, "remote", req.RemoteAddr, "err", err)
	writeText(w, http.StatusBadRequest, err.Error())
}

// validationError flattens validator output into "field is required;
// field is invalid".
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Tag() == "required" {
			msgs = append(msgs, field+" is required")
		} else {
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
