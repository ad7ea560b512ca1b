// Package rule defines the Rule collaborator the core consumes but never
// implements: request/response hooks invoked at well-defined points in
// the dispatch path. Any subset of the methods may be
// meaningfully implemented; DefaultRule is a no-op that accepts everything
// and transforms nothing.
package rule

import (
	"context"
	"net/http"
)

// HTTPSRequest is the {host, port} pair passed to BeforeDealHttpsRequest.
type HTTPSRequest struct {
	Host string
	Port string
}

// Rule is the full hook surface a collaborator may implement. Hooks are
// treated as potentially slow; the dispatcher must not let one Rule call
// stall unrelated connections.
type Rule interface {
	// Summary labels this Rule for logging.
	Summary() string

	// BeforeSendRequest may rewrite method/URL/headers/body before the
	// dispatcher forwards the request upstream.
	BeforeSendRequest(ctx context.Context, req *http.Request) (*http.Request, error)

	// BeforeSendResponse may rewrite the response the client receives. resp
	// is a borrowed view: the Rule must not retain it past this call.
	BeforeSendResponse(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, error)

	// BeforeDealHttpsRequest decides whether a CONNECT target should be
	// intercepted (true) or tunneled opaquely (false).
	BeforeDealHttpsRequest(ctx context.Context, target HTTPSRequest) (intercept bool, err error)

	// OnError may synthesize a response to send to the client after an
	// upstream failure. A nil response leaves the dispatcher's default
	// error response in place.
	OnError(ctx context.Context, req *http.Request, err error) *http.Response

	// OnConnectError is observability-only: called when a CONNECT/tunnel
	// attempt fails. Its return value is ignored.
	OnConnectError(ctx context.Context, target HTTPSRequest, err error)

	// TransformOutgoingFrame may rewrite a WebSocket frame before it is
	// forwarded from the client to the origin.
	TransformOutgoingFrame(ctx context.Context, messageType int, data []byte) (int, []byte, error)

	// TransformIncomingFrame may rewrite a WebSocket frame before it is
	// forwarded from the origin back to the client.
	TransformIncomingFrame(ctx context.Context, messageType int, data []byte) (int, []byte, error)
}

// DefaultRule implements Rule as a collection of no-ops: every request
// passes through unmodified, every CONNECT is tunneled, every WebSocket
// frame is relayed unchanged. Embed it to implement only the hooks a
// deployment cares about.
type DefaultRule struct{}

func (DefaultRule) Summary() string { return "default-rule" }

func (DefaultRule) BeforeSendRequest(_ context.Context, req *http.Request) (*http.Request, error) {
	return req, nil
}

func (DefaultRule) BeforeSendResponse(_ context.Context, _ *http.Request, resp *http.Response) (*http.Response, error) {
	return resp, nil
}

func (DefaultRule) BeforeDealHttpsRequest(_ context.Context, _ HTTPSRequest) (bool, error) {
	return false, nil
}

func (DefaultRule) OnError(_ context.Context, _ *http.Request, _ error) *http.Response {
	return nil
}

func (DefaultRule) OnConnectError(_ context.Context, _ HTTPSRequest, _ error) {}

func (DefaultRule) TransformOutgoingFrame(_ context.Context, messageType int, data []byte) (int, []byte, error) {
	return messageType, data, nil
}

func (DefaultRule) TransformIncomingFrame(_ context.Context, messageType int, data []byte) (int, []byte, error) {
	return messageType, data, nil
}

var _ Rule = DefaultRule{}
