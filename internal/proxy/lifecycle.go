// Package proxy owns the Proxy Lifecycle: configuration validation, the
// startup sequence, and graceful close of everything the core owns.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hsuehic/anyproxy/internal/cert"
	"github.com/hsuehic/anyproxy/internal/config"
	"github.com/hsuehic/anyproxy/internal/dispatcher"
	"github.com/hsuehic/anyproxy/internal/mitm"
	"github.com/hsuehic/anyproxy/internal/perror"
	"github.com/hsuehic/anyproxy/internal/recorder"
	"github.com/hsuehic/anyproxy/internal/registry"
	"github.com/hsuehic/anyproxy/internal/rule"
)

// Status mirrors the proxy's lifecycle state machine: transitions
// strictly INIT -> READY -> CLOSED.
type Status int

const (
	StatusInit Status = iota
	StatusReady
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusReady:
		return "READY"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Deps are the collaborators a Proxy is built from. Rule and Recorder may
// be nil; the dispatcher substitutes no-op defaults.
type Deps struct {
	Rule     rule.Rule
	Recorder recorder.Recorder
	// RecorderSet records whether Recorder was explicitly provided (even
	// as an explicit null), satisfying the "recorder must be
	// supplied, or null explicitly permitted" validation rule.
	RecorderSet  bool
	LocalHandler http.Handler
}

// Proxy is the Proxy Lifecycle: it exclusively owns the Socket Registry,
// MITM Pool, and Cert Cache.
type Proxy struct {
	cfg  config.Config
	ca   *cert.CA
	deps Deps

	mu     sync.Mutex
	status Status

	registry *registry.Registry
	certs    *cert.Cache
	pool     *mitm.Pool
	server   *http.Server
	listener net.Listener

	ready chan struct{}
	errs  chan error
}

// New constructs a Proxy in state INIT. ca may be nil if cfg does not
// require one (plain HTTP, forceProxyHttps=false); callers that pass a nil
// ca and a config requiring one will fail validation in Start.
func New(cfg config.Config, ca *cert.CA, deps Deps) *Proxy {
	return &Proxy{
		cfg:      cfg,
		ca:       ca,
		deps:     deps,
		status:   StatusInit,
		registry: registry.New(),
		ready:    make(chan struct{}, 1),
		errs:     make(chan error, 1),
	}
}

// Ready returns a channel that receives a value once Start has completed
// the bind and transitioned to READY.
func (p *Proxy) Ready() <-chan struct{} { return p.ready }

// Errors returns a channel that receives a value if Start fails.
func (p *Proxy) Errors() <-chan error { return p.errs }

// Status reports the current lifecycle state.
func (p *Proxy) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Addr returns the bound listener's address. Only meaningful once Start
// has succeeded.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Start validates configuration then performs the startup sequence of
// acquire the proxy's own TLS leaf if needed, build the
// dispatcher and MITM pool, bind, and transition to READY.
func (p *Proxy) Start() error {
	p.mu.Lock()
	if p.status != StatusInit {
		p.mu.Unlock()
		return perror.New(perror.ConfigInvalid, "Start is only legal from INIT")
	}
	p.mu.Unlock()

	caExists := p.ca != nil && p.ca.Exists()
	if err := p.cfg.Validate(p.deps.RecorderSet, caExists); err != nil {
		p.errs <- err
		return err
	}

	var issuer *cert.Issuer
	if p.ca != nil {
		if !p.ca.Exists() {
			if p.cfg.Proxy.Type == config.TypeHTTPS || p.cfg.Proxy.ForceProxyHttps {
				err := perror.New(perror.CaUnavailable, "root CA required but not present")
				p.errs <- err
				return err
			}
		} else if err := p.ca.Load(); err != nil {
			p.errs <- err
			return err
		}
		issuer = cert.NewIssuer(p.ca)
		p.certs = cert.NewCache(issuer)
	}

	var tlsLeaf *tls.Certificate
	if p.cfg.Proxy.Type == config.TypeHTTPS {
		if p.certs == nil {
			err := perror.New(perror.CaUnavailable, "proxy.type=https requires a root CA")
			p.errs <- err
			return err
		}
		leaf, err := p.certs.Get(p.cfg.Proxy.Hostname)
		if err != nil {
			p.errs <- err
			return err
		}
		tlsLeaf = &leaf.TLS
	}

	// The same Dispatcher serves both the outer listener and every MITM
	// listener the Pool spins up (mitm.injectMITMContext marks requests
	// isHttps=true before they reach it). Construct it first with no
	// Pool, then attach the Pool once it exists, resolving the circular
	// dependency between the two.
	handler := p.newDispatcher()
	if p.certs != nil {
		certSource := mitm.CertSourceFunc(func(hostname string) (*tls.Certificate, error) {
			leaf, err := p.certs.Get(hostname)
			if err != nil {
				return nil, err
			}
			return &leaf.TLS, nil
		})
		p.pool = mitm.New(certSource, handler, p.cfg.Proxy.MitmIdleTimeout)
		handler.SetPool(p.pool)
	}

	ln, err := net.Listen("tcp", p.cfg.Proxy.Listen)
	if err != nil {
		err = perror.Wrap(perror.BindFailed, "bind listen address", err)
		p.errs <- err
		return err
	}
	if tlsLeaf != nil {
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{*tlsLeaf}})
	}
	p.listener = ln

	p.server = &http.Server{Handler: handler}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("proxy server stopped unexpectedly", "error", err)
		}
	}()

	p.mu.Lock()
	p.status = StatusReady
	p.mu.Unlock()
	slog.Info("proxy ready", "listen", p.cfg.Proxy.Listen, "type", p.cfg.Proxy.Type)
	select {
	case p.ready <- struct{}{}:
	default:
	}
	return nil
}

// newDispatcher builds the dispatcher this Proxy serves requests with,
// with no Pool attached yet (see SetPool in Start).
func (p *Proxy) newDispatcher() *dispatcher.Dispatcher {
	return dispatcher.New(p.registry, nil, p.deps.Rule, p.deps.Recorder, dispatcher.Options{
		LocalHosts:                 p.cfg.Proxy.LocalHosts,
		ForceProxyHttps:            p.cfg.Proxy.ForceProxyHttps,
		DialTimeout:                p.cfg.Upstream.DialTimeout,
		IdleTimeout:                p.cfg.Upstream.IdleTimeout,
		LocalHandler:               p.deps.LocalHandler,
		InsecureSkipVerifyUpstream: p.cfg.Upstream.InsecureSkipVerify,
	})
}

// Close implements the READY -> CLOSED transition: force-close every
// connection in the Socket Registry (client connections first, then
// upstream connections), close the MITM Pool listeners, then shut down the
// outer server. Client connections are thus closed before the upstream
// connections and the MITM listeners. Called outside READY, it returns a
// ConfigInvalid error and changes nothing; failures during teardown are
// logged, not returned.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.status != StatusReady {
		p.mu.Unlock()
		return perror.New(perror.ConfigInvalid, "Close is only legal from READY")
	}
	p.status = StatusClosed
	p.mu.Unlock()

	p.registry.CloseAll()
	if p.pool != nil {
		p.pool.CloseAll()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		slog.Warn("graceful server shutdown timed out, forcing close", "error", err)
		_ = p.server.Close()
	}

	slog.Info("proxy closed")
	return nil
}
