// Package mitm spins up ephemeral local TLS listeners that terminate TLS
// for a single hostname at a time, routing accepted connections back into
// the Dispatcher's HTTP request path.
package mitm

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hsuehic/anyproxy/internal/perror"
)

// CertSource resolves a hostname to a leaf tls.Certificate. The proxy
// lifecycle adapts *cert.Cache (whose Get returns a *cert.LeafCert) to it
// with CertSourceFunc.
type CertSource interface {
	Get(hostname string) (*tls.Certificate, error)
}

// certSourceFunc adapts a plain function to CertSource.
type certSourceFunc func(string) (*tls.Certificate, error)

func (f certSourceFunc) Get(hostname string) (*tls.Certificate, error) { return f(hostname) }

// CertSourceFunc wraps fn as a CertSource.
func CertSourceFunc(fn func(string) (*tls.Certificate, error)) CertSource { return certSourceFunc(fn) }

type listenerEntry struct {
	hostname string
	listener net.Listener
	port     int
	refCount int
	idleSince time.Time
	closed   bool
}

// Pool is the MITM Server Pool: it owns at most one live listener per
// hostname, refcounted across concurrent
// CONNECT sessions, torn down after IdleTimeout with no active sessions.
type Pool struct {
	certs   CertSource
	handler http.Handler

	// IdleTimeout bounds how long an unreferenced listener survives.
	// Spec recommends >= 60s.
	IdleTimeout time.Duration

	mu       sync.Mutex
	entries  map[string]*listenerEntry
	stopReap chan struct{}
}

// New returns a Pool that serves accepted connections to handler, minting
// leaf certificates via certs.
func New(certs CertSource, handler http.Handler, idleTimeout time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	p := &Pool{
		certs:       certs,
		handler:     handler,
		IdleTimeout: idleTimeout,
		entries:     make(map[string]*listenerEntry),
		stopReap:    make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Acquire ensures a TLS listener exists for hostname and increments its
// reference count, returning the loopback address the caller should dial
// to splice a client into it. Callers must call Release when the session
// using this listener ends.
func (p *Pool) Acquire(hostname string) (host string, port int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[hostname]; ok && !e.closed {
		e.refCount++
		return "127.0.0.1", e.port, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", 0, perror.Wrap(perror.CertIssueFailed, "listen for MITM hostname "+hostname, err)
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return p.certs.Get(hostname)
		},
	}
	tlsLn := tls.NewListener(ln, tlsConfig)

	e := &listenerEntry{
		hostname: hostname,
		listener: tlsLn,
		port:     ln.Addr().(*net.TCPAddr).Port,
		refCount: 1,
	}
	p.entries[hostname] = e

	srv := &http.Server{Handler: injectMITMContext(hostname, p.handler)}
	go func() {
		if err := srv.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			slog.Debug("MITM listener stopped", "hostname", hostname, "error", err)
		}
	}()

	slog.Debug("MITM listener started", "hostname", hostname, "port", e.port)
	return "127.0.0.1", e.port, nil
}

// Release decrements hostname's reference count; once it reaches zero the
// listener becomes eligible for idle eviction.
func (p *Pool) Release(hostname string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[hostname]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		e.refCount = 0
		e.idleSince = time.Now()
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	var stale []*listenerEntry
	for host, e := range p.entries {
		if e.refCount == 0 && !e.idleSince.IsZero() && time.Since(e.idleSince) >= p.IdleTimeout {
			e.closed = true
			stale = append(stale, e)
			delete(p.entries, host)
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		slog.Debug("MITM listener idle, closing", "hostname", e.hostname)
		_ = e.listener.Close()
	}
}

// CloseAll tears down every listener and stops the idle reaper. Pending
// accepts are aborted because closing the net.Listener unblocks Serve.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := make([]*listenerEntry, 0, len(p.entries))
	for host, e := range p.entries {
		e.closed = true
		entries = append(entries, e)
		delete(p.entries, host)
	}
	p.mu.Unlock()

	for _, e := range entries {
		_ = e.listener.Close()
	}
	close(p.stopReap)
}

type contextKey int

const (
	ctxKeyIsHTTPS contextKey = iota
	ctxKeyHostname
)

func injectMITMContext(hostname string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxKeyIsHTTPS, true)
		ctx = context.WithValue(ctx, ctxKeyHostname, hostname)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IsHTTPS reports whether req arrived through a MITM listener, i.e. it was
// already TLS-terminated locally.
func IsHTTPS(r *http.Request) bool {
	v, _ := r.Context().Value(ctxKeyIsHTTPS).(bool)
	return v
}

// Hostname returns the CONNECT-target hostname a MITM'd request arrived
// for, or "" if it did not come through a MITM listener.
func Hostname(r *http.Request) string {
	v, _ := r.Context().Value(ctxKeyHostname).(string)
	return v
}
