package proxy

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hsuehic/anyproxy/internal/cert"
	"github.com/hsuehic/anyproxy/internal/config"
	"github.com/hsuehic/anyproxy/internal/recorder"
	"github.com/hsuehic/anyproxy/internal/rule"
)

func testConfig(t *testing.T, mutate func(*config.Config)) config.Config {
	t.Helper()
	// Validate rejects port 0, so reserve a free loopback port up front.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve listen port: %v", err)
	}
	listen := ln.Addr().String()
	ln.Close()
	cfg := config.Config{
		Proxy: config.ProxyConfig{
			Listen:          listen,
			Type:            config.TypeHTTP,
			LocalHosts:      []string{"proxy.local"},
			MitmIdleTimeout: time.Minute,
		},
		Upstream: config.UpstreamConfig{
			DialTimeout: 5 * time.Second,
			IdleTimeout: time.Minute,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

func startedProxy(t *testing.T, cfg config.Config, ca *cert.CA, deps Deps) *Proxy {
	t.Helper()
	deps.RecorderSet = true
	if deps.Recorder == nil {
		deps.Recorder = recorder.NullRecorder{}
	}
	p := New(cfg, ca, deps)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if p.Status() == StatusReady {
			p.Close()
		}
	})
	return p
}

// proxyAddr returns the address the proxy actually bound (testConfig
// reserves a free loopback port for cfg.Proxy.Listen).
func proxyAddr(t *testing.T, p *Proxy) string {
	t.Helper()
	addr := p.Addr()
	if addr == nil {
		t.Fatalf("proxy has no bound address")
	}
	return addr.String()
}

// Scenario 1: plain HTTP forward.
func TestProxy_PlainHTTPForward(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		http.ReadRequest(bufio.NewReader(conn)) // drain the request head best-effort
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nX-Seen: 1\r\nContent-Length: 2\r\n\r\nhi")
	}()

	cfg := testConfig(t, nil)
	p := startedProxy(t, cfg, nil, Deps{})

	conn, err := net.Dial("tcp", proxyAddr(t, p))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	upstreamURL := "http://" + upstreamLn.Addr().String() + "/"
	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamURL, upstreamLn.Addr().String())

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Seen") != "1" {
		t.Fatalf("missing X-Seen header")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hi" {
		t.Fatalf("body = %q, want hi", string(body))
	}
}

// Scenario 2: CONNECT tunnel, no interception.
func TestProxy_ConnectTunnel_NoIntercept(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	received := make(chan byte, 1)
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 2)
		if _, err := io.ReadFull(conn, buf); err == nil {
			received <- buf[0]
			received <- buf[1]
		}
		conn.Write([]byte{0xBE, 0xEF})
	}()

	tunnelRule := &fixedInterceptRule{intercept: false}
	cfg := testConfig(t, nil)
	p := startedProxy(t, cfg, nil, Deps{Rule: tunnelRule})

	conn, err := net.Dial("tcp", proxyAddr(t, p))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	upstreamAddr := upstreamLn.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr, upstreamAddr)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil || statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q, err=%v", statusLine, err)
	}
	reader.ReadString('\n')

	conn.Write([]byte{0xDE, 0xAD})

	b1 := <-received
	b2 := <-received
	if b1 != 0xDE || b2 != 0xAD {
		t.Fatalf("upstream saw %x %x, want DE AD", b1, b2)
	}

	back := make([]byte, 2)
	if _, err := io.ReadFull(reader, back); err != nil {
		t.Fatalf("read from upstream echo: %v", err)
	}
	if back[0] != 0xBE || back[1] != 0xEF {
		t.Fatalf("client saw %x %x, want BE EF", back[0], back[1])
	}
}

// Scenario 3: CONNECT intercept with leaf verification.
func TestProxy_ConnectIntercept(t *testing.T) {
	dir := t.TempDir()
	ca := cert.NewCA(dir)
	if _, _, err := ca.Generate(cert.Subject{Organization: "test"}, false); err != nil {
		t.Fatalf("generate CA: %v", err)
	}

	upstreamTLSCert := selfSignedUpstreamCert(t, "127.0.0.1")
	upstreamLn, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{upstreamTLSCert}})
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	// A real upstream, re-originated to over TLS the way an intercepted
	// CONNECT target is in production: the proxy must re-encrypt to reach
	// it, so it speaks TLS with a cert the proxy doesn't otherwise trust.
	seenPath := make(chan string, 1)
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		seenPath <- req.URL.Path
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	}()

	interceptRule := &fixedInterceptRule{intercept: true}
	cfg := testConfig(t, func(c *config.Config) {
		c.CA.Dir = dir
		c.Upstream.InsecureSkipVerify = true
	})
	p := startedProxy(t, cfg, ca, Deps{Rule: interceptRule})

	conn, err := net.Dial("tcp", proxyAddr(t, p))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	upstreamAddr := upstreamLn.Addr().String()
	upstreamHost, _, _ := net.SplitHostPort(upstreamAddr)
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr, upstreamAddr)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil || statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q, err=%v", statusLine, err)
	}
	reader.ReadString('\n')

	rootCert, err := ca.Certificate()
	if err != nil {
		t.Fatalf("root cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	tlsConn := tls.Client(conn, &tls.Config{RootCAs: pool, ServerName: upstreamHost})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	defer tlsConn.Close()

	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	if leaf.Subject.CommonName != upstreamHost {
		t.Fatalf("leaf CN = %q, want %q", leaf.Subject.CommonName, upstreamHost)
	}
	if err := leaf.CheckSignatureFrom(rootCert); err != nil {
		t.Fatalf("leaf not signed by test root: %v", err)
	}

	fmt.Fprintf(tlsConn, "GET /x HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr)

	select {
	case path := <-seenPath:
		if path != "/x" {
			t.Fatalf("upstream saw path %q, want /x", path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for upstream to see decrypted request")
	}
}

// Scenario 4: force-https config conflict: the hook exists but is ignored.
func TestProxy_ForceHttpsOverridesRuleHook(t *testing.T) {
	dir := t.TempDir()
	ca := cert.NewCA(dir)
	if _, _, err := ca.Generate(cert.Subject{Organization: "test"}, false); err != nil {
		t.Fatalf("generate CA: %v", err)
	}

	hookRule := &countingInterceptRule{intercept: false}
	cfg := testConfig(t, func(c *config.Config) {
		c.CA.Dir = dir
		c.Proxy.ForceProxyHttps = true
	})
	p := startedProxy(t, cfg, ca, Deps{Rule: hookRule})

	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstreamLn.Close()
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	conn, err := net.Dial("tcp", proxyAddr(t, p))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	upstreamAddr := upstreamLn.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr, upstreamAddr)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, _ := reader.ReadString('\n')
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q", statusLine)
	}

	time.Sleep(50 * time.Millisecond)
	if hookRule.calls.Load() != 0 {
		t.Fatalf("beforeDealHttpsRequest hook was called %d times, want 0 (force_proxy_https must override it)", hookRule.calls.Load())
	}
}

// Scenario 5: startup validation failure.
func TestProxy_StartupValidationFailure(t *testing.T) {
	cfg := testConfig(t, func(c *config.Config) {
		c.Proxy.Type = config.TypeHTTPS
		c.Proxy.Hostname = ""
	})
	p := New(cfg, nil, Deps{RecorderSet: true, Recorder: recorder.NullRecorder{}})

	err := p.Start()
	if err == nil {
		t.Fatal("expected Start to fail")
	}
	select {
	case gotErr := <-p.Errors():
		if gotErr == nil {
			t.Fatal("expected a non-nil error on the Errors channel")
		}
	default:
		t.Fatal("expected an error to be emitted on the Errors channel")
	}
	select {
	case <-p.Ready():
		t.Fatal("ready must never be emitted on a failed start")
	default:
	}
	if p.Status() != StatusInit {
		t.Fatalf("status = %v, want INIT after a failed Start", p.Status())
	}
}

// Scenario 6: shutdown with in-flight streams.
func TestProxy_ShutdownWithInFlightStreams(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()
	go func() {
		for {
			conn, err := upstreamLn.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(io.Discard, c)
			}(conn)
		}
	}()

	cfg := testConfig(t, nil)
	p := New(cfg, nil, Deps{RecorderSet: true, Recorder: recorder.NullRecorder{}})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 100
	conns := make([]net.Conn, 0, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conn, err := net.Dial("tcp", proxyAddr(t, p))
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		conns = append(conns, conn)
		upstreamAddr := upstreamLn.Addr().String()
		fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamAddr, upstreamAddr)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	start := time.Now()
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close did not resolve within 500ms")
	}
	wg.Wait()
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Close took %v, want <= 500ms", time.Since(start))
	}

	if _, err := net.DialTimeout("tcp", proxyAddr(t, p), 200*time.Millisecond); err == nil {
		t.Fatal("expected the proxy port to no longer accept connections after Close")
	}
}

// selfSignedUpstreamCert mints a throwaway leaf for a mock upstream that
// must itself terminate TLS, standing in for a real origin server.
func selfSignedUpstreamCert(t *testing.T, hostname string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname},
		IPAddresses:  []net.IP{net.ParseIP(hostname)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type fixedInterceptRule struct {
	rule.DefaultRule
	intercept bool
}

func (r *fixedInterceptRule) BeforeDealHttpsRequest(_ context.Context, _ rule.HTTPSRequest) (bool, error) {
	return r.intercept, nil
}

type countingInterceptRule struct {
	rule.DefaultRule
	intercept bool
	calls     atomic.Int64
}

func (r *countingInterceptRule) BeforeDealHttpsRequest(_ context.Context, _ rule.HTTPSRequest) (bool, error) {
	r.calls.Add(1)
	return r.intercept, nil
}
