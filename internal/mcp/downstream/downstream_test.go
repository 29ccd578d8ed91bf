package downstream

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestDescriptor_Validate(t *testing.T) {
	cases := []struct {
		name    string
		d       Descriptor
		wantErr bool
	}{
		{"neither variant", Descriptor{Name: "x"}, true},
		{"both variants", Descriptor{Name: "x", Stdio: &StdioDescriptor{Argv: []string{"a"}}, HTTP: &HTTPDescriptor{URL: "http://x"}}, true},
		{"empty argv", Descriptor{Name: "x", Stdio: &StdioDescriptor{Argv: nil}}, true},
		{"valid stdio", Descriptor{Name: "x", Stdio: &StdioDescriptor{Argv: []string{"cat"}}}, false},
		{"forward auth unbound", Descriptor{Name: "x", HTTP: &HTTPDescriptor{URL: "http://x", Auth: AuthForwardIncoming}}, true},
		{"forward auth bound", Descriptor{Name: "x", HTTP: &HTTPDescriptor{URL: "http://x", Auth: AuthForwardIncoming, ForwardedToken: "tok"}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.d.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

// TestStdioTransport_RoundTrip uses the `cat` coreutil as the child process:
// whatever we write to its stdin it echoes verbatim to stdout. Our outbound
// request and the echoed line share the same "id", so decodeResult sees a
// response with a matching id, no error, and no result — proving the
// write/frame/read/correlate path end to end without depending on a real
// MCP-speaking binary.
func TestStdioTransport_RoundTrip(t *testing.T) {
	d := Descriptor{Name: "echo", Stdio: &StdioDescriptor{Argv: []string{"cat"}}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := New(ctx, d)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	defer client.Close()

	err = client.tr.call(ctx, "tools/list", nil, nil)
	if err != nil {
		t.Fatalf("unexpected call error: %v", err)
	}
}

func TestStdioTransport_ContextTimeout(t *testing.T) {
	// "sleep" never writes anything to stdout, so the call must time out
	// via ctx rather than hang.
	d := Descriptor{Name: "sleepy", Stdio: &StdioDescriptor{Argv: []string{"sleep", "5"}}}
	ctx := context.Background()
	client, err := New(ctx, d)
	if err != nil {
		t.Fatalf("unexpected construction error: %v", err)
	}
	defer client.Close()

	callCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = client.tr.call(callCtx, "tools/list", nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var dErr *Error
	if e, ok := err.(*Error); ok {
		dErr = e
	}
	if dErr == nil || dErr.Kind != TransportError {
		t.Errorf("expected TransportError, got %v", err)
	}
}

func TestStdioTransport_SpawnFailureSurfacesAsTransportError(t *testing.T) {
	d := Descriptor{Name: "missing", Stdio: &StdioDescriptor{Argv: []string{"/nonexistent/binary/path"}}}
	_, err := New(context.Background(), d)
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	var dErr *Error
	if e, ok := err.(*Error); ok {
		dErr = e
	}
	if dErr == nil || dErr.Kind != TransportError {
		t.Errorf("expected TransportError, got %v", err)
	}
}

func startJSONRPCServer(t *testing.T, handle func(method string) (result any, rpcErr *rpcError)) (*fasthttputil.InmemoryListener, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			var req rpcRequest
			if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
				ctx.SetStatusCode(400)
				return
			}
			result, rpcErr := handle(req.Method)
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
			if rpcErr != nil {
				resp.Error = rpcErr
			} else if result != nil {
				b, _ := json.Marshal(result)
				resp.Result = b
			}
			b, _ := json.Marshal(resp)
			ctx.SetContentType("application/json")
			ctx.SetBody(b)
		},
	}

	go server.Serve(ln) //nolint:errcheck

	return ln, func() { ln.Close() }
}

func dialingClient(ln *fasthttputil.InmemoryListener) *fasthttp.Client {
	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
}

func TestHTTPTransport_StreamableHTTP_ListTools(t *testing.T) {
	ln, cleanup := startJSONRPCServer(t, func(method string) (any, *rpcError) {
		if method == "tools/list" {
			return map[string]any{"tools": []Tool{{Name: "read_file", Description: "reads a file"}}}, nil
		}
		return map[string]any{}, nil
	})
	defer cleanup()

	tr := &httpJSONTransport{client: dialingClient(ln), url: "http://unused/mcp"}
	client := &Client{name: "svc", tr: tr}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Errorf("unexpected tools: %+v", tools)
	}
}

func TestHTTPTransport_ProtocolErrorSurfaces(t *testing.T) {
	ln, cleanup := startJSONRPCServer(t, func(method string) (any, *rpcError) {
		return nil, &rpcError{Code: invalidParamsCode, Message: "bad params"}
	})
	defer cleanup()

	tr := &httpJSONTransport{client: dialingClient(ln), url: "http://unused/mcp"}
	client := &Client{name: "svc", tr: tr}

	_, err := client.ListTools(context.Background())
	if err == nil {
		t.Fatal("expected protocol error")
	}
	var dErr *Error
	if e, ok := err.(*Error); ok {
		dErr = e
	}
	if dErr == nil || dErr.Kind != ProtocolError {
		t.Errorf("expected ProtocolError, got %v", err)
	}
}

func TestHTTPTransport_CallTool(t *testing.T) {
	ln, cleanup := startJSONRPCServer(t, func(method string) (any, *rpcError) {
		if method == "tools/call" {
			return CallToolResult{Content: []ContentItem{{Type: "text", Text: "ok"}}}, nil
		}
		return map[string]any{}, nil
	})
	defer cleanup()

	tr := &httpJSONTransport{client: dialingClient(ln), url: "http://unused/mcp"}
	client := &Client{name: "svc", tr: tr}

	res, err := client.CallTool(context.Background(), CallToolParams{Name: "read_file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "ok" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestIsProtocolError(t *testing.T) {
	if isProtocolError(nil) {
		t.Error("nil should not be a protocol error")
	}
	if isProtocolError(&Error{Kind: TransportError}) {
		t.Error("transport error should not be classified as protocol error")
	}
	if !isProtocolError(&Error{Kind: ProtocolError}) {
		t.Error("expected protocol error to be classified as such")
	}
}
