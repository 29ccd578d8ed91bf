package aggregator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-gateway/internal/headerrules"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/downstream"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/registry"
)

// rpcReq/rpcResp mirror the wire shape used throughout the downstream
// package's own tests — one inmemory fasthttp listener per fake downstream,
// dispatched by method name.
type rpcReq struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  json.RawMessage
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// newFakeClient builds a Client backed by an inmemory fasthttp listener
// that answers tools/list and tools/call deterministically, bypassing
// registry.New's descriptor dialing entirely.
func newFakeClient(t *testing.T, name string, tools []downstream.Tool, callResult downstream.CallToolResult) *downstream.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			var req rpcReq
			json.Unmarshal(ctx.PostBody(), &req) //nolint:errcheck
			var result any
			switch req.Method {
			case "tools/list":
				result = map[string]any{"tools": tools}
			case "tools/call":
				result = callResult
			case "initialize":
				result = map[string]any{}
			default:
				result = map[string]any{}
			}
			b, _ := json.Marshal(rpcResp{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(result)})
			ctx.SetContentType("application/json")
			ctx.SetBody(b)
		},
	}
	go server.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	return downstream.NewForTest(name, &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}, "http://unused/mcp")
}

func TestBuild_SearchAndExecute(t *testing.T) {
	fsClient := newFakeClient(t, "filesystem",
		[]downstream.Tool{{Name: "read_file", Description: "reads a file from disk"}},
		downstream.CallToolResult{Content: []downstream.ContentItem{{Type: "text", Text: "file contents"}}},
	)
	weatherClient := newFakeClient(t, "weather",
		[]downstream.Tool{{Name: "get_forecast", Description: "gets a weather forecast"}},
		downstream.CallToolResult{Content: []downstream.ContentItem{{Type: "text", Text: "sunny"}}},
	)

	reg := registry.NewForTest(map[string]*downstream.Client{
		"filesystem": fsClient,
		"weather":    weatherClient,
	})
	defer reg.Close()

	agg, err := Build(context.Background(), reg, Config{EnableStructuredContent: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tools := agg.ListTools()
	if len(tools) != 2 || tools[0].Name != "search" || tools[1].Name != "execute" {
		t.Fatalf("expected exactly [search, execute], got %+v", tools)
	}

	resp := agg.Search([]string{"forecast"})
	if len(resp.Results) != 1 || resp.Results[0].Name != "weather__get_forecast" {
		t.Fatalf("expected weather__get_forecast to match 'forecast', got %+v", resp.Results)
	}

	res, err := agg.Execute(context.Background(), "filesystem__read_file", map[string]any{"path": "/tmp/x"}, nil, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "file contents" {
		t.Fatalf("unexpected execute result: %+v", res)
	}
}

func TestExecute_MissingSeparatorIsUnknownTool(t *testing.T) {
	reg := registry.NewForTest(nil)
	defer reg.Close()
	agg, err := Build(context.Background(), reg, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, err = agg.Execute(context.Background(), "read_file", nil, nil, "")
	var dErr *DispatchError
	if e, ok := err.(*DispatchError); ok {
		dErr = e
	}
	if dErr == nil || dErr.Code != downstream.InvalidParamsCode {
		t.Fatalf("expected DispatchError with invalid-params code, got %v", err)
	}
}

func TestExecute_UnknownServerIsUnknownTool(t *testing.T) {
	reg := registry.NewForTest(nil)
	defer reg.Close()
	agg, err := Build(context.Background(), reg, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, err = agg.Execute(context.Background(), "nope__read_file", nil, nil, "")
	var dErr *DispatchError
	if e, ok := err.(*DispatchError); ok {
		dErr = e
	}
	if dErr == nil || dErr.Code != downstream.InvalidParamsCode {
		t.Fatalf("expected DispatchError with invalid-params code, got %v", err)
	}
	if dErr.Message != "unknown tool: nope__read_file" {
		t.Errorf("unexpected message: %q", dErr.Message)
	}
}

func TestRenderSearchResult_LegacyContentShape(t *testing.T) {
	reg := registry.NewForTest(nil)
	defer reg.Close()
	agg, err := Build(context.Background(), reg, Config{EnableStructuredContent: false})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res := agg.RenderSearchResult(SearchResponse{Results: []SearchResultItem{{Name: "a__b", Score: 1}}})
	if res.StructuredContent != nil {
		t.Errorf("expected no structured content in legacy mode")
	}
	if len(res.Content) != 1 || res.Content[0].Type != "text" {
		t.Fatalf("expected a single text content item, got %+v", res.Content)
	}
}

func TestListPrompts_AggregatesAndOrdersDeterministically(t *testing.T) {
	aClient := newFakeClientWithPrompts(t, "a", []downstream.Prompt{{Name: "greet", Description: "says hello"}})
	bClient := newFakeClientWithPrompts(t, "b", []downstream.Prompt{{Name: "farewell", Description: "says bye"}})

	reg := registry.NewForTest(map[string]*downstream.Client{"a": aClient, "b": bClient})
	defer reg.Close()
	agg, err := Build(context.Background(), reg, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	prompts, err := agg.ListPrompts(context.Background())
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}
	if prompts[0].CompositeName != "a__greet" || prompts[1].CompositeName != "b__farewell" {
		t.Errorf("expected deterministic server-then-name order, got %+v", prompts)
	}
}

func newFakeClientWithPrompts(t *testing.T, name string, prompts []downstream.Prompt) *downstream.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			var req rpcReq
			json.Unmarshal(ctx.PostBody(), &req) //nolint:errcheck
			var result any
			switch req.Method {
			case "prompts/list":
				result = map[string]any{"prompts": prompts}
			default:
				result = map[string]any{}
			}
			b, _ := json.Marshal(rpcResp{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(result)})
			ctx.SetContentType("application/json")
			ctx.SetBody(b)
		},
	}
	go server.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	return downstream.NewForTest(name, &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}, "http://unused/mcp")
}

func TestInstructions_FormatsServerToolDescriptionLines(t *testing.T) {
	fsClient := newFakeClient(t, "filesystem",
		[]downstream.Tool{{Name: "read_file", Description: "reads a file from disk"}},
		downstream.CallToolResult{},
	)
	reg := registry.NewForTest(map[string]*downstream.Client{"filesystem": fsClient})
	defer reg.Close()
	agg, err := Build(context.Background(), reg, Config{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := "filesystem: read_file: reads a file from disk\n"
	if got := agg.Instructions(); got != want {
		t.Errorf("Instructions() = %q, want %q", got, want)
	}
}

func TestExecute_AppliesHeaderRulesWhenInboundHeadersProvided(t *testing.T) {
	var seenAuth string
	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			seenAuth = string(ctx.Request.Header.Peek("X-Forwarded-User"))
			var req rpcReq
			json.Unmarshal(ctx.PostBody(), &req) //nolint:errcheck
			var result any
			switch req.Method {
			case "tools/call":
				result = downstream.CallToolResult{Content: []downstream.ContentItem{{Type: "text", Text: "ok"}}}
			default:
				result = map[string]any{}
			}
			b, _ := json.Marshal(rpcResp{JSONRPC: "2.0", ID: req.ID, Result: mustJSON(result)})
			ctx.SetContentType("application/json")
			ctx.SetBody(b)
		},
	}
	go server.Serve(ln) //nolint:errcheck
	defer ln.Close()

	client := downstream.NewForTest("svc", &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}, "http://unused/mcp")

	reg := registry.NewForTest(map[string]*downstream.Client{"svc": client})
	defer reg.Close()

	rules := []headerrules.Rule{{
		Kind:   headerrules.Forward,
		Match:  headerrules.NameOrPattern{Name: "X-User"},
		Rename: "X-Forwarded-User",
	}}
	agg, err := Build(context.Background(), reg, Config{HeaderRules: rules})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	inbound := http.Header{}
	inbound.Set("X-User", "alice")
	_, err = agg.Execute(context.Background(), "svc__anything", nil, inbound, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if seenAuth != "alice" {
		t.Errorf("expected downstream to receive renamed header, got %q", seenAuth)
	}
}
