package downstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/valyala/fasthttp"
)

// httpJSONTransport posts one JSON-RPC request per call and decodes a
// single JSON response body. It backs both the streamable-HTTP transport
// (posting to the descriptor's URL) and the SSE transport (posting to
// message_url) — request/response correlation is synchronous in both
// cases since every call already waits for its one reply.
type httpJSONTransport struct {
	client     *fasthttp.Client
	url        string
	authHeader string
	nextID     atomic.Int64
}

func newFastHTTPClient(tlsCfg TLSConfig) *fasthttp.Client {
	conf := &tls.Config{InsecureSkipVerify: !tlsCfg.VerifyCerts || tlsCfg.AcceptInvalidHostnames}

	if len(tlsCfg.RootCAPEM) > 0 {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM(tlsCfg.RootCAPEM) {
			conf.RootCAs = pool
		}
	}
	if len(tlsCfg.ClientCertPEM) > 0 && len(tlsCfg.ClientKeyPEM) > 0 {
		if cert, err := tls.X509KeyPair(tlsCfg.ClientCertPEM, tlsCfg.ClientKeyPEM); err == nil {
			conf.Certificates = []tls.Certificate{cert}
		}
	}

	return &fasthttp.Client{TLSConfig: conf}
}

func authHeaderFor(d HTTPDescriptor) string {
	switch d.Auth {
	case AuthStaticToken:
		return "Bearer " + d.StaticToken
	case AuthForwardIncoming:
		return "Bearer " + d.ForwardedToken
	default:
		return ""
	}
}

func (t *httpJSONTransport) call(ctx context.Context, method string, params any, out any) error {
	return t.callWithHeaders(ctx, method, params, out, nil)
}

// callWithHeaders is call plus a set of extra outbound headers, layered on
// top of the transport's own Content-Type/Accept/Authorization defaults.
// Used by the aggregator (C4) to apply header rules (C13) to proxied
// execute() calls.
func (t *httpJSONTransport) callWithHeaders(ctx context.Context, method string, params any, out any, extra map[string]string) error {
	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return &Error{Kind: TransportError, Op: method, Err: err}
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(t.url)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if t.authHeader != "" {
		httpReq.Header.Set("Authorization", t.authHeader)
	}
	for k, v := range extra {
		httpReq.Header.Set(k, v)
	}
	httpReq.SetBody(body)

	if deadline, ok := ctx.Deadline(); ok {
		err = t.client.DoDeadline(httpReq, httpResp, deadline)
	} else {
		err = t.client.Do(httpReq, httpResp)
	}
	if err != nil {
		return &Error{Kind: TransportError, Op: method, Err: err}
	}
	if httpResp.StatusCode() >= 400 {
		return &Error{Kind: TransportError, Op: method, Err: fmt.Errorf("http status %d", httpResp.StatusCode())}
	}

	var resp rpcResponse
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		return &Error{Kind: ProtocolError, Op: method, Err: err}
	}
	return decodeResult(resp, method, out)
}

func (t *httpJSONTransport) close() error { return nil }

// newHTTPTransport applies the C1 transport-selection policy: an explicit
// protocol is honored as-is; an unset protocol with message_url set means
// SSE; otherwise streamable HTTP is attempted first and a transport-level
// handshake failure (not a protocol-level error response) falls back to
// SSE.
func newHTTPTransport(ctx context.Context, d HTTPDescriptor) (transport, error) {
	client := newFastHTTPClient(d.TLS)
	auth := authHeaderFor(d)

	ssePostURL := d.MessageURL
	if ssePostURL == "" {
		ssePostURL = d.URL
	}

	switch {
	case d.Protocol == TransportStreamableHTTP:
		tr := &httpJSONTransport{client: client, url: d.URL, authHeader: auth}
		return tr, handshakeOnly(ctx, tr)

	case d.Protocol == TransportSSE || (d.Protocol == TransportUnset && d.MessageURL != ""):
		tr := &httpJSONTransport{client: client, url: ssePostURL, authHeader: auth}
		return tr, handshakeOnly(ctx, tr)

	default:
		primary := &httpJSONTransport{client: client, url: d.URL, authHeader: auth}
		err := handshake(ctx, primary)
		if err == nil || isProtocolError(err) {
			return primary, nil
		}

		fallback := &httpJSONTransport{client: client, url: ssePostURL, authHeader: auth}
		return fallback, handshakeOnly(ctx, fallback)
	}
}

// handshake performs the lightweight probe call used to validate a
// transport is reachable. A protocol-level error response still means the
// transport itself connected successfully.
func handshake(ctx context.Context, tr transport) error {
	return tr.call(ctx, "initialize", map[string]any{}, nil)
}

func handshakeOnly(ctx context.Context, tr transport) error {
	if err := handshake(ctx, tr); err != nil && !isProtocolError(err) {
		return err
	}
	return nil
}

func isProtocolError(err error) bool {
	var dErr *Error
	if e, ok := err.(*Error); ok {
		dErr = e
	}
	return dErr != nil && dErr.Kind == ProtocolError
}
