// Package dispatcher implements the CONNECT/upgrade/plain-HTTP state
// machine that decides whether a client stream is tunneled opaquely,
// MITM'd through the local certificate authority, or forwarded as a plain
// HTTP proxy request, plus the WebSocket upgrade bridge.
package dispatcher

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hsuehic/anyproxy/internal/mitm"
	"github.com/hsuehic/anyproxy/internal/perror"
	"github.com/hsuehic/anyproxy/internal/recorder"
	"github.com/hsuehic/anyproxy/internal/registry"
	"github.com/hsuehic/anyproxy/internal/rule"
)

// Options configures a Dispatcher.
type Options struct {
	LocalHosts      []string
	ForceProxyHttps bool
	DialTimeout     time.Duration
	IdleTimeout     time.Duration
	// LocalHandler serves requests whose Host matches LocalHosts. If nil,
	// such requests get a short 200 response.
	LocalHandler http.Handler
	// InsecureSkipVerifyUpstream disables certificate verification when
	// re-originating TLS to an intercepted upstream (config upstream.insecure_skip_verify).
	InsecureSkipVerifyUpstream bool
}

// Dispatcher is the Connection Dispatcher. One Dispatcher serves both the
// outer plain-HTTP listener and every MITM listener the Pool spins up.
type Dispatcher struct {
	registry *registry.Registry
	pool     *mitm.Pool
	rule     rule.Rule
	recorder recorder.Recorder

	localHosts      map[string]struct{}
	forceProxyHttps bool
	localHandler    http.Handler
	dialTimeout     time.Duration

	client *http.Client

	nextRecordID atomic.Uint64
}

// SetPool attaches the MITM Pool after construction, resolving the
// circular dependency between a Dispatcher (which the Pool serves
// accepted connections to) and the Pool itself (which onConnect needs to
// request listeners from). Safe to call once before the Dispatcher serves
// any CONNECT request.
func (d *Dispatcher) SetPool(pool *mitm.Pool) { d.pool = pool }

// New returns a Dispatcher. pool may be nil if interception is never
// requested (forceProxyHttps=false and the Rule never intercepts); in that
// case onConnect always tunnels. Pass nil and call SetPool once the Pool
// exists if the Pool's own handler must be this Dispatcher.
func New(reg *registry.Registry, pool *mitm.Pool, r rule.Rule, rec recorder.Recorder, opts Options) *Dispatcher {
	if r == nil {
		r = rule.DefaultRule{}
	}
	if rec == nil {
		rec = recorder.NullRecorder{}
	}
	localHosts := make(map[string]struct{}, len(opts.LocalHosts))
	for _, h := range opts.LocalHosts {
		localHosts[canonicalHost(h)] = struct{}{}
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}

	d := &Dispatcher{
		registry:        reg,
		pool:            pool,
		rule:            r,
		recorder:        rec,
		localHosts:      localHosts,
		forceProxyHttps: opts.ForceProxyHttps,
		localHandler:    opts.LocalHandler,
		dialTimeout:     dialTimeout,
	}
	d.client = &http.Client{
		Transport: &http.Transport{
			DisableCompression: true,
			ForceAttemptHTTP2:  false,
			Proxy:              nil,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			// Bounds how long an idle pooled upstream connection is kept
			// open, the reaper half of the upstream connection lifecycle.
			IdleConnTimeout: idleTimeout,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerifyUpstream},
		},
		// The dispatcher streams the response itself; redirects must be
		// relayed to the client, not followed here.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return d
}

// ServeHTTP is onRequest's entry point from net/http, dispatching to
// onConnect/onUpgrade/onRequest.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer d.recoverConnection(w, r)

	switch {
	case r.Method == http.MethodConnect:
		d.onConnect(w, r)
	case isWebSocketUpgrade(r):
		d.onUpgrade(w, r)
	default:
		d.onRequest(w, r)
	}
}

// recoverConnection implements the ambient panic boundary: a panic in one
// connection's handling is recovered, logged, and closes only that
// connection.
func (d *Dispatcher) recoverConnection(w http.ResponseWriter, r *http.Request) {
	if rec := recover(); rec != nil {
		slog.Error("panic handling connection, closing it", "panic", rec, "method", r.Method, "host", r.Host)
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
	}
}

func (d *Dispatcher) isLocalHost(host string) bool {
	_, ok := d.localHosts[canonicalHost(host)]
	return ok
}

// onRequest handles a parsed HTTP request on the outer proxy port, both
// for plain forward-proxy traffic and traffic re-entering from a MITM
// listener.
func (d *Dispatcher) onRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := requestHost(r)
	if host == "" {
		http.Error(w, "missing Host", http.StatusBadRequest)
		return
	}
	if d.isLocalHost(host) {
		d.serveLocal(w, r)
		return
	}

	recID := d.nextRecordID.Add(1)
	rec := recorder.RequestRecord{
		ID:          recID,
		Method:      r.Method,
		URL:         r.URL.String(),
		Host:        host,
		StartedAt:   time.Now(),
		Intercepted: mitm.IsHTTPS(r),
	}

	outReq, err := d.buildOutboundRequest(r)
	if err != nil {
		d.failRequest(w, r, rec, err)
		return
	}

	outReq, err = d.rule.BeforeSendRequest(ctx, outReq)
	if err != nil {
		d.failRequest(w, r, rec, perror.Wrap(perror.ProtocolViolation, "rule rejected request", err))
		return
	}

	resp, err := d.client.Do(outReq)
	if err != nil {
		d.failRequest(w, r, rec, classifyUpstreamError(err))
		return
	}
	defer resp.Body.Close()

	d.applyResponseHook(ctx, r, resp)

	rec.StatusCode = resp.StatusCode
	rec.FinishedAt = time.Now()
	d.recorder.EmitUpdate(rec)

	writeResponse(w, resp)
}

func (d *Dispatcher) failRequest(w http.ResponseWriter, r *http.Request, rec recorder.RequestRecord, err error) {
	// ClientAborted means the client is already gone: the upstream call was
	// already canceled via the request context, and there is no one left to
	// write a response to. Record the outcome and stop, rather than writing
	// to a dead connection.
	if perror.KindOf(err) == perror.ClientAborted {
		rec.FinishedAt = time.Now()
		rec.Err = err.Error()
		d.recorder.EmitUpdate(rec)
		return
	}

	if custom := d.rule.OnError(r.Context(), r, err); custom != nil {
		writeResponse(w, custom)
		rec.StatusCode = custom.StatusCode
	} else {
		status := perror.KindOf(err).HTTPStatus()
		if status == 0 {
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		rec.StatusCode = status
	}
	rec.FinishedAt = time.Now()
	rec.Err = err.Error()
	d.recorder.EmitUpdate(rec)
}

func (d *Dispatcher) serveLocal(w http.ResponseWriter, r *http.Request) {
	if d.localHandler != nil {
		d.localHandler.ServeHTTP(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "AnyProxy")
}

// buildOutboundRequest resolves the outbound URL from absolute-URI form or
// the Host header (using https when a MITM listener injected isHttps),
// then clones headers the way a forward proxy must.
func (d *Dispatcher) buildOutboundRequest(r *http.Request) (*http.Request, error) {
	target := *r.URL
	if !target.IsAbs() {
		target.Host = r.Host
		if mitm.IsHTTPS(r) {
			target.Scheme = "https"
		} else {
			target.Scheme = "http"
		}
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, perror.Wrap(perror.ProtocolViolation, "build outbound request", err)
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Connection")
	outReq.ContentLength = r.ContentLength
	outReq.Host = target.Host
	return outReq, nil
}

// applyResponseHook implements the supplemented "decode body for hook"
// feature: resp.Body is replaced with a plaintext view for
// BeforeSendResponse, and Content-Encoding is stripped on whatever the
// hook returns, since the hook's result — not the origin's original
// bytes — is what reaches the client.
func (d *Dispatcher) applyResponseHook(ctx context.Context, r *http.Request, resp *http.Response) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHookBodyBytes+1))
	if err != nil {
		slog.Warn("failed to read response body for hook", "error", err)
		return
	}
	if len(raw) > maxHookBodyBytes {
		slog.Debug("response body too large for hook, passing through undecoded", "host", r.Host)
		resp.Body = newBodyReader(raw, resp.Body)
		return
	}

	decoded, err := decodeBodyForHook(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		slog.Warn("failed to decode response body for hook", "error", err, "host", r.Host)
		resp.Body = io.NopCloser(bytesReaderOf(raw))
		return
	}

	resp.Body = io.NopCloser(bytesReaderOf(decoded))
	rewritten, err := d.rule.BeforeSendResponse(ctx, r, resp)
	if err != nil {
		slog.Warn("rule rejected response, forwarding decoded body unchanged", "error", err)
		resp.Body = io.NopCloser(bytesReaderOf(decoded))
		stripContentEncoding(resp.Header)
		return
	}
	if rewritten != nil && rewritten != resp {
		*resp = *rewritten
	}
	stripContentEncoding(resp.Header)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
	}
}

func classifyUpstreamError(err error) error {
	if errors.Is(err, context.Canceled) {
		return perror.Wrap(perror.ClientAborted, "client disconnected before upstream responded", err)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return perror.Wrap(perror.UpstreamTimeout, "upstream request timed out", err)
	}
	return perror.Wrap(perror.UpstreamConnectFailed, "upstream request failed", err)
}

// requestHost returns the proxy-relevant authority for r: the absolute-URI
// host if present, else the Host header.
func requestHost(r *http.Request) string {
	if r.URL != nil && r.URL.IsAbs() && r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

func canonicalHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.ToLower(host)
}

// onConnect implements the CONNECT tunnel/intercept decision.
func (d *Dispatcher) onConnect(w http.ResponseWriter, r *http.Request) {
	host, port, err := parseConnectTarget(r.Host)
	if err != nil {
		http.Error(w, "bad CONNECT target", http.StatusBadRequest)
		return
	}
	if d.isLocalHost(host) {
		err := perror.New(perror.LocalLoopBlocked, "refusing to tunnel to the proxy's own address")
		http.Error(w, err.Error(), perror.LocalLoopBlocked.HTTPStatus())
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		slog.Error("CONNECT hijack failed", "error", err, "host", host)
		return
	}
	defer clientConn.Close()

	tracked := d.registry.AddClient(clientConn)
	defer d.registry.RemoveClient(tracked.ID)

	intercept := d.forceProxyHttps
	target := rule.HTTPSRequest{Host: host, Port: port}
	if !intercept {
		shouldIntercept, herr := d.rule.BeforeDealHttpsRequest(r.Context(), target)
		if herr != nil {
			d.rule.OnConnectError(r.Context(), target, herr)
		} else {
			intercept = shouldIntercept
		}
	} else if !isDefaultRule(d.rule) {
		// Configuration conflict, not an error.
		slog.Warn("force_proxy_https overrides the configured rule's intercept decision", "host", host)
	}

	head := drainBuffered(bufrw.Reader)

	if intercept && d.pool != nil {
		tracked.SetPhase(registry.PhaseIntercepting)
		d.interceptConnect(clientConn, head, host, port)
	} else {
		tracked.SetPhase(registry.PhaseTunneling)
		d.tunnelConnect(clientConn, head, host, port)
	}
}

func isDefaultRule(r rule.Rule) bool {
	_, ok := r.(rule.DefaultRule)
	return ok
}

func parseConnectTarget(authority string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(authority)
	if err != nil {
		// No explicit port: assume 443.
		return authority, "443", nil
	}
	return host, port, nil
}

func drainBuffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = io.ReadFull(r, buf)
	return buf
}

func (d *Dispatcher) dialUpstream(host, port string) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(host, port), d.dialTimeout)
}

// tunnelConnect implements the no-intercept CONNECT path: a raw bidirectional
// relay between the client and the upstream, registered in the Socket
// Registry's UpstreamConnection table.
func (d *Dispatcher) tunnelConnect(clientConn net.Conn, head []byte, host, port string) {
	upstreamConn, err := d.dialUpstream(host, port)
	if err != nil {
		d.rule.OnConnectError(context.Background(), rule.HTTPSRequest{Host: host, Port: port}, err)
		writeRawStatus(clientConn, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer upstreamConn.Close()

	tracked := d.registry.AddUpstream(upstreamConn, host, port, true)
	defer d.registry.RemoveUpstream(tracked.ID)

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	if len(head) > 0 {
		if _, err := upstreamConn.Write(head); err != nil {
			return
		}
	}
	pipe(clientConn, upstreamConn)
}

// interceptConnect implements the intercept CONNECT path: acquire a MITM
// listener for host, tell the client the tunnel is established, then
// splice the client socket into a loopback connection to that listener so
// its TLS handshake terminates locally.
func (d *Dispatcher) interceptConnect(clientConn net.Conn, head []byte, host, port string) {
	listenerHost, listenerPort, err := d.pool.Acquire(host)
	if err != nil {
		d.rule.OnConnectError(context.Background(), rule.HTTPSRequest{Host: host, Port: port}, err)
		writeRawStatus(clientConn, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer d.pool.Release(host)

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	localConn, err := net.Dial("tcp", net.JoinHostPort(listenerHost, strconv.Itoa(listenerPort)))
	if err != nil {
		slog.Error("failed to dial MITM listener", "error", err, "host", host)
		return
	}
	defer localConn.Close()

	if len(head) > 0 {
		if _, err := localConn.Write(head); err != nil {
			return
		}
	}
	pipe(clientConn, localConn)
}

func writeRawStatus(conn net.Conn, code int, text string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", code, text)
}

// pipe relays bytes bidirectionally between a and b until either side's
// read returns, then closes both.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
