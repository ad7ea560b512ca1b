package dispatcher

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxHookBodyBytes bounds how much of a response body decodeBodyForHook
// will inflate before invoking a Rule hook, to keep a misbehaving origin
// from exhausting memory through a hook call.
const maxHookBodyBytes = 10 * 1024 * 1024

// decodeBodyForHook returns raw decoded to plaintext so a Rule's
// BeforeSendResponse sees a borrowed plaintext view regardless of the
// origin's Content-Encoding (a "borrowed view", never mutated). It never
// re-encodes: the dispatcher always strips Content-Encoding on the
// response the client ultimately receives once a hook has run.
func decodeBodyForHook(raw []byte, contentEncoding string) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	if enc == "" || enc == "identity" {
		return raw, nil
	}

	var r io.Reader = bytes.NewReader(raw)
	for _, coding := range strings.Split(enc, ",") {
		coding = strings.TrimSpace(coding)
		switch coding {
		case "gzip":
			gr, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			defer gr.Close()
			r = gr
		case "br", "brotli":
			r = brotli.NewReader(r)
		case "identity", "":
			// no-op layer
		default:
			return nil, fmt.Errorf("unsupported content-encoding layer: %s", coding)
		}
	}

	limited := io.LimitReader(r, maxHookBodyBytes+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > maxHookBodyBytes {
		return nil, fmt.Errorf("response body too large to decode for hook (> %d bytes)", maxHookBodyBytes)
	}
	return out, nil
}

// stripContentEncoding removes headers that no longer describe resp.Body
// once decodeBodyForHook has replaced it with plaintext.
func stripContentEncoding(h http.Header) {
	h.Del("Content-Encoding")
	h.Del("Content-Length")
}

// bytesReaderOf adapts b to an io.Reader, for installing a fully-buffered
// body back onto an *http.Response.
func bytesReaderOf(b []byte) io.Reader { return bytes.NewReader(b) }

// newBodyReader reconstructs a ReadCloser out of already-read bytes
// followed by whatever remains unread on rest, used when a body exceeded
// maxHookBodyBytes and the hook step was skipped.
func newBodyReader(alreadyRead []byte, rest io.ReadCloser) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{
		Reader: io.MultiReader(bytes.NewReader(alreadyRead), rest),
		Closer: rest,
	}
}
