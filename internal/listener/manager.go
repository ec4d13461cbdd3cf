package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/usage-proxy/internal/registry"
)

var (
	// ErrBind means a listener socket could not be opened. The mutation
	// that needed it is rolled back; previous state is preserved.
	ErrBind = errors.New("bind failed")
	// ErrBindDraining means the address is still draining a removed
	// service and cannot be reused yet.
	ErrBindDraining = errors.New("bind address draining")
)

// State is the lifecycle of one bind address.
type State int

const (
	StatePending State = iota
	StateActive
	StateDraining
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

type binding struct {
	addr   string
	tls    bool
	ln     net.Listener
	server *http.Server
	state  State
}

// Manager owns one network listener per distinct bind address and keeps
// them reconciled against registry snapshots. Removing the last service on
// an address drains it: no new connections, in-flight ones get the grace
// period.
type Manager struct {
	mu       sync.Mutex
	bindings map[string]*binding
	pipeline *Pipeline
	snapshot func() *registry.Snapshot
	grace    time.Duration
	wg       sync.WaitGroup
	log      *logrus.Entry
}

func NewManager(logger *logrus.Logger, pipeline *Pipeline, snapshot func() *registry.Snapshot, grace time.Duration) *Manager {
	return &Manager{
		bindings: make(map[string]*binding),
		pipeline: pipeline,
		snapshot: snapshot,
		grace:    grace,
		log:      logger.WithField("component", "listener_manager"),
	}
}

// Reconcile diffs the candidate snapshot against the live listeners. New
// addresses are bound before anything is committed; if any bind fails the
// already-opened sockets are closed again and the error aborts the whole
// mutation. Addresses no longer referenced transition to draining.
func (m *Manager) Reconcile(next *registry.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := next.Binds()

	var opened []*binding
	closeOpened := func() {
		for _, b := range opened {
			b.ln.Close()
		}
	}

	for addr, isTLS := range desired {
		if b, ok := m.bindings[addr]; ok {
			switch {
			case b.state == StateDraining:
				closeOpened()
				return fmt.Errorf("%w: %s", ErrBindDraining, addr)
			case b.tls != isTLS:
				closeOpened()
				return fmt.Errorf("%w: %s cannot switch between TLS and plaintext while active", ErrBind, addr)
			}
			continue
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeOpened()
			return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
		}
		opened = append(opened, &binding{addr: addr, tls: isTLS, ln: ln, state: StatePending})
	}

	for addr, b := range m.bindings {
		if _, keep := desired[addr]; !keep && b.state == StateActive {
			m.drainLocked(b)
		}
	}

	for _, b := range opened {
		m.startLocked(b)
	}
	return nil
}

func (m *Manager) startLocked(b *binding) {
	ln := b.ln
	if b.tls {
		addr := b.addr
		ln = tls.NewListener(ln, &tls.Config{
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				return m.snapshot().CertificateFor(addr, hello.ServerName)
			},
		})
	}

	b.server = &http.Server{
		Handler:           m.pipeline.HandlerFor(b.addr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.state = StateActive
	m.bindings[b.addr] = b

	m.log.WithFields(logrus.Fields{
		"addr": b.addr,
		"tls":  b.tls,
	}).Info("Listener active")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.log.WithField("addr", b.addr).WithError(err).Error("Listener failed")
		}
	}()
}

// drainLocked stops accepting on the address immediately and gives
// in-flight connections the grace period before forcing them closed.
func (m *Manager) drainLocked(b *binding) {
	b.state = StateDraining
	server := b.server
	addr := b.addr
	m.log.WithField("addr", addr).Info("Listener draining")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.grace)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			m.log.WithField("addr", addr).WithError(err).Warn("Drain deadline hit, closing connections")
			server.Close()
		}

		m.mu.Lock()
		if cur, ok := m.bindings[addr]; ok && cur == b {
			delete(m.bindings, addr)
		}
		b.state = StateRemoved
		m.mu.Unlock()
		m.log.WithField("addr", addr).Info("Listener removed")
	}()
}

// State reports the lifecycle state of a bind address.
func (m *Manager) State(addr string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bindings[addr]; ok {
		return b.state
	}
	return StateRemoved
}

// Shutdown drains every listener and waits for them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, b := range m.bindings {
		if b.state == StateActive {
			m.drainLocked(b)
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
