package registry

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/usage-proxy/internal/cert"
	"github.com/sdko-org/usage-proxy/internal/models"
)

var (
	// ErrConfig marks a malformed service definition, rejected before any
	// state changes.
	ErrConfig = errors.New("invalid service configuration")
	// ErrAmbiguousBind marks a definition that would make routing on a bind
	// address ambiguous: a duplicate (host, from) pair or a TLS/plaintext
	// mismatch on one address.
	ErrAmbiguousBind   = errors.New("ambiguous bind")
	ErrServiceExists   = errors.New("service already exists")
	ErrServiceNotFound = errors.New("service not found")
)

// VirtualService is one configured routing+TLS+backend unit.
type VirtualService struct {
	Name        string
	Description string
	ServerNames []string
	BindHTTPS   string
	BindHTTP    string
	From        string
	To          *url.URL
	Certificate *cert.Certificate

	RequestTimeout  time.Duration
	ResponseTimeout time.Duration

	CreatedAt time.Time

	hostSet map[string]struct{}
	def     models.CreateService
}

// MatchesHost reports whether the host (without port) is one of the
// service's server names. Matching is exact-string; no wildcards.
func (v *VirtualService) MatchesHost(host string) bool {
	_, ok := v.hostSet[strings.ToLower(host)]
	return ok
}

func (v *VirtualService) Model() models.Service {
	return models.Service{CreateService: v.def, CreatedAt: v.CreatedAt}
}

// Snapshot is an immutable view of the registered services. Readers on the
// request path load one pointer and never observe partial mutations.
type Snapshot struct {
	byName  map[string]*VirtualService
	byBind  map[string][]*VirtualService
	tlsBind map[string]bool
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		byName:  make(map[string]*VirtualService),
		byBind:  make(map[string][]*VirtualService),
		tlsBind: make(map[string]bool),
	}
}

func (s *Snapshot) Service(name string) (*VirtualService, bool) {
	v, ok := s.byName[name]
	return v, ok
}

func (s *Snapshot) Services() []*VirtualService {
	out := make([]*VirtualService, 0, len(s.byName))
	for _, v := range s.byName {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServicesForBind returns every service listening on the given address.
func (s *Snapshot) ServicesForBind(addr string) []*VirtualService {
	return s.byBind[addr]
}

// Binds maps every active bind address to whether it terminates TLS.
func (s *Snapshot) Binds() map[string]bool {
	out := make(map[string]bool, len(s.tlsBind))
	for addr, isTLS := range s.tlsBind {
		out[addr] = isTLS
	}
	return out
}

// CertificateFor selects the certificate for a TLS handshake on the given
// bind, by SNI server name. Falls back to the first certificate on the bind
// when the client sent no (or an unknown) server name.
func (s *Snapshot) CertificateFor(addr, serverName string) (*tls.Certificate, error) {
	var fallback *tls.Certificate
	for _, v := range s.byBind[addr] {
		if v.BindHTTPS != addr || v.Certificate == nil {
			continue
		}
		if fallback == nil {
			fallback = &v.Certificate.TLS
		}
		if v.MatchesHost(serverName) {
			return &v.Certificate.TLS, nil
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("no certificate for bind %s", addr)
	}
	return fallback, nil
}

// Reconciler is notified with the candidate snapshot before it commits.
// Returning an error aborts the mutation, preserving the previous state.
type Reconciler interface {
	Reconcile(*Snapshot) error
}

// Registry is the authoritative mutable set of services. Writers serialize
// on a mutex and publish complete snapshots through an atomic pointer swap.
type Registry struct {
	mu         sync.Mutex
	snap       atomic.Pointer[Snapshot]
	certs      *cert.Store
	reconciler Reconciler
	nameSeq    atomic.Uint64
	log        *logrus.Entry
}

func New(logger *logrus.Logger, certs *cert.Store) *Registry {
	r := &Registry{
		certs: certs,
		log:   logger.WithField("component", "service_registry"),
	}
	r.snap.Store(emptySnapshot())
	return r
}

// SetReconciler wires the listener manager in. Must be called before the
// first mutation.
func (r *Registry) SetReconciler(rec Reconciler) {
	r.reconciler = rec
}

// Snapshot returns the current routable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

func (r *Registry) Get(name string) (*VirtualService, bool) {
	return r.snap.Load().Service(name)
}

func (r *Registry) List() []*VirtualService {
	return r.snap.Load().Services()
}

// Add registers a new service and brings its listeners up.
func (r *Registry) Add(cs models.CreateService) (*VirtualService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cs.Name == "" {
		cs.Name = fmt.Sprintf("service-%d", r.nameSeq.Add(1)-1)
	}
	cur := r.snap.Load()
	if _, ok := cur.byName[cs.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceExists, cs.Name)
	}
	return r.apply(cur, cs)
}

// Replace atomically swaps a service definition. Readers observe either the
// old or the new service, never a mix.
func (r *Registry) Replace(name string, cs models.CreateService) (*VirtualService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byName[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	cs.Name = name
	return r.apply(cur, cs)
}

// Remove drops a service from the routable view. Listeners no longer needed
// by any service transition to draining via the reconciler.
func (r *Registry) Remove(name string) (*VirtualService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	removed, ok := cur.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}

	next, err := build(cur, nil, name)
	if err != nil {
		return nil, err
	}
	if r.reconciler != nil {
		if err := r.reconciler.Reconcile(next); err != nil {
			return nil, err
		}
	}
	r.snap.Store(next)
	r.log.WithField("service", name).Info("Service removed")
	return removed, nil
}

func (r *Registry) apply(cur *Snapshot, cs models.CreateService) (*VirtualService, error) {
	vs, err := r.build(cs)
	if err != nil {
		return nil, err
	}
	next, err := build(cur, vs, vs.Name)
	if err != nil {
		return nil, err
	}
	if r.reconciler != nil {
		if err := r.reconciler.Reconcile(next); err != nil {
			return nil, err
		}
	}
	r.snap.Store(next)
	r.log.WithFields(logrus.Fields{
		"service": vs.Name,
		"from":    vs.From,
		"to":      vs.To.String(),
	}).Info("Service registered")
	return vs, nil
}

// build validates a definition and loads its certificate.
func (r *Registry) build(cs models.CreateService) (*VirtualService, error) {
	cs.From = strings.TrimSpace(cs.From)
	if cs.From == "" {
		cs.From = "/"
	}
	if !strings.HasPrefix(cs.From, "/") {
		return nil, fmt.Errorf("%w: from %q must start with /", ErrConfig, cs.From)
	}
	if cs.From != "/" {
		cs.From = strings.TrimSuffix(cs.From, "/")
	}

	if cs.BindHTTP == "" && cs.BindHTTPS == "" {
		return nil, fmt.Errorf("%w: at least one of bindHttp/bindHttps is required", ErrConfig)
	}
	for _, addr := range []string{cs.BindHTTP, cs.BindHTTPS} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("%w: bad bind address %q: %v", ErrConfig, addr, err)
		}
	}
	if cs.BindHTTP != "" && cs.BindHTTP == cs.BindHTTPS {
		return nil, fmt.Errorf("%w: bindHttp and bindHttps share address %s", ErrAmbiguousBind, cs.BindHTTP)
	}

	if len(cs.ServerName) == 0 {
		return nil, fmt.Errorf("%w: missing serverName", ErrConfig)
	}

	to, err := url.Parse(cs.To)
	if err != nil || !to.IsAbs() || to.Host == "" {
		return nil, fmt.Errorf("%w: to %q must be an absolute URL", ErrConfig, cs.To)
	}
	if to.Scheme != "http" && to.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", ErrConfig, to.Scheme)
	}

	vs := &VirtualService{
		Name:        cs.Name,
		Description: cs.Description,
		ServerNames: append([]string(nil), cs.ServerName...),
		BindHTTPS:   cs.BindHTTPS,
		BindHTTP:    cs.BindHTTP,
		From:        cs.From,
		To:          to,
		CreatedAt:   time.Now().UTC(),
		hostSet:     make(map[string]struct{}, len(cs.ServerName)),
	}
	for _, name := range cs.ServerName {
		vs.hostSet[strings.ToLower(name)] = struct{}{}
	}
	if cs.Timeouts != nil {
		vs.RequestTimeout = time.Duration(cs.Timeouts.RequestTimeoutMs) * time.Millisecond
		vs.ResponseTimeout = time.Duration(cs.Timeouts.ResponseTimeoutMs) * time.Millisecond
	}

	if cs.BindHTTPS != "" {
		if cs.Cert == nil {
			return nil, fmt.Errorf("%w: bindHttps requires a certificate", ErrConfig)
		}
		c, err := r.certs.Load(cs.Cert.Path, cs.Cert.KeyPath)
		if err != nil {
			return nil, err
		}
		vs.Certificate = c
		cs.Cert = &models.CertConfig{
			Path:        cs.Cert.Path,
			KeyPath:     cs.Cert.KeyPath,
			Fingerprint: c.Fingerprint,
		}
	}
	vs.def = cs
	return vs, nil
}

// build assembles the next snapshot from the current one, replacing or
// removing the named service, and checks bind-level routing ambiguity.
func build(cur *Snapshot, add *VirtualService, name string) (*Snapshot, error) {
	next := emptySnapshot()
	for n, v := range cur.byName {
		if n == name {
			continue
		}
		next.byName[n] = v
	}
	if add != nil {
		next.byName[add.Name] = add
	}

	for _, v := range next.byName {
		for _, bind := range []struct {
			addr string
			tls  bool
		}{{v.BindHTTP, false}, {v.BindHTTPS, true}} {
			if bind.addr == "" {
				continue
			}
			if isTLS, seen := next.tlsBind[bind.addr]; seen && isTLS != bind.tls {
				return nil, fmt.Errorf("%w: %s is both TLS and plaintext", ErrAmbiguousBind, bind.addr)
			}
			next.tlsBind[bind.addr] = bind.tls
			next.byBind[bind.addr] = append(next.byBind[bind.addr], v)
		}
	}

	for addr, services := range next.byBind {
		sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
		type routeKey struct{ host, from string }
		seen := make(map[routeKey]string)
		for _, v := range services {
			for host := range v.hostSet {
				k := routeKey{host, v.From}
				if other, dup := seen[k]; dup {
					return nil, fmt.Errorf("%w: %s %s%s claimed by both %s and %s",
						ErrAmbiguousBind, addr, host, v.From, other, v.Name)
				}
				seen[k] = v.Name
			}
		}
	}
	return next, nil
}
