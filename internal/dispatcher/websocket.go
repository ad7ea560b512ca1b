package dispatcher

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hsuehic/anyproxy/internal/mitm"
	"github.com/hsuehic/anyproxy/internal/rule"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// isWebSocketUpgrade reports whether r is asking to upgrade to WebSocket,
// the trigger for onUpgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// onUpgrade bridges a WebSocket upgrade to a paired upstream WebSocket,
// mirroring the scheme (ws/wss) of the inbound connection and running any
// Rule frame-transform hooks on both directions.
func (d *Dispatcher) onUpgrade(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	if host == "" {
		http.Error(w, "missing Host", http.StatusBadRequest)
		return
	}
	if d.isLocalHost(host) {
		d.serveLocal(w, r)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "host", host)
		return
	}
	defer clientConn.Close()

	scheme := "ws"
	if mitm.IsHTTPS(r) {
		scheme = "wss"
	}
	target := url.URL{Scheme: scheme, Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	upstreamHeader := make(http.Header)
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
			continue
		default:
			upstreamHeader[k] = vv
		}
	}

	upstreamConn, _, err := websocket.DefaultDialer.Dial(target.String(), upstreamHeader)
	if err != nil {
		slog.Error("failed to dial upstream websocket", "error", err, "target", target.String())
		d.rule.OnConnectError(r.Context(), rule.HTTPSRequest{Host: host, Port: "443"}, err)
		return
	}
	defer upstreamConn.Close()

	bridgeWebSocket(r.Context(), d, clientConn, upstreamConn)
}

// bridgeWebSocket relays frames bidirectionally until either side closes,
// invoking the Rule's transform hooks on every frame it passes.
func bridgeWebSocket(ctx context.Context, d *Dispatcher, clientConn, upstreamConn *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		relayFrames(ctx, clientConn, upstreamConn, d.rule.TransformOutgoingFrame)
	}()
	go func() {
		defer wg.Done()
		relayFrames(ctx, upstreamConn, clientConn, d.rule.TransformIncomingFrame)
	}()
	wg.Wait()
}

func relayFrames(ctx context.Context, from, to *websocket.Conn, transform func(context.Context, int, []byte) (int, []byte, error)) {
	for {
		messageType, data, err := from.ReadMessage()
		if err != nil {
			_ = to.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if transform != nil {
			messageType, data, err = transform(ctx, messageType, data)
			if err != nil {
				slog.Warn("websocket frame transform failed, dropping frame", "error", err)
				continue
			}
		}
		if err := to.WriteMessage(messageType, data); err != nil {
			return
		}
	}
}
