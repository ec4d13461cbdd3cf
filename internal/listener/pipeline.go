package listener

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/usage-proxy/internal/auth"
	"github.com/sdko-org/usage-proxy/internal/forward"
	"github.com/sdko-org/usage-proxy/internal/middleware"
	"github.com/sdko-org/usage-proxy/internal/registry"
	"github.com/sdko-org/usage-proxy/internal/router"
)

// Pipeline dispatches accepted connections through Router, Authenticator
// and Forwarding Engine. Per-request failures terminate only the offending
// request; they never touch the listener.
type Pipeline struct {
	snapshot func() *registry.Snapshot
	authn    *auth.Authenticator
	engine   *forward.Engine
	chain    func(http.Handler) http.Handler
	log      *logrus.Entry
}

// NewPipeline builds the request path shared by every public listener.
// chain is the optional middleware stack (access logging, rate limiting);
// nil means no middleware.
func NewPipeline(logger *logrus.Logger, snapshot func() *registry.Snapshot, authn *auth.Authenticator, engine *forward.Engine, chain func(http.Handler) http.Handler) *Pipeline {
	return &Pipeline{
		snapshot: snapshot,
		authn:    authn,
		engine:   engine,
		chain:    chain,
		log:      logger.WithField("component", "pipeline"),
	}
}

// HandlerFor returns the handler serving one bind address. The bind is
// part of the routing key: services bound elsewhere are invisible here.
func (p *Pipeline) HandlerFor(bindAddr string) http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := p.snapshot()

		match, err := router.Route(snap, bindAddr, r.Host, r.URL.Path, r.URL.RawQuery)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		middleware.Annotate(r, match.Service.Name, "")

		user, err := p.authn.Authenticate(r, match.Service.Name)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="Service access"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		middleware.Annotate(r, match.Service.Name, user.ID)

		r = r.WithContext(auth.WithUser(r.Context(), user))
		p.engine.Forward(w, r, match, user)
	})

	if p.chain != nil {
		h = p.chain(h)
	}
	return h
}
