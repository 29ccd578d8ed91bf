package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-gateway/internal/mcp/aggregator"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/mcpserver"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/registry"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
)

type fakeProvider struct{ name string }

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{Model: req.Model, Content: "mock"}, nil
}
func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func serve(t *testing.T, s *Server) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	handler := s.Handler()

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gw := proxy.NewGateway(context.Background(), map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai"},
	}, nil)

	agg, err := aggregator.Build(context.Background(), registry.NewForTest(nil), aggregator.Config{
		EnableStructuredContent: true,
	})
	if err != nil {
		t.Fatalf("build aggregator: %v", err)
	}
	mcp := mcpserver.New(agg, nil)

	return New(Config{
		OAuth: &OAuthMetadata{Resource: "https://gateway.example", AuthorizationServers: []string{"https://auth.example"}},
	}, gw, mcp, nil)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	s := newTestServer(t)
	client, cleanup := serve(t, s)
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = client.Get("http://test/readiness")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_OAuthMetadata(t *testing.T) {
	s := newTestServer(t)
	client, cleanup := serve(t, s)
	defer cleanup()

	resp, err := client.Get("http://test/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var meta OAuthMetadata
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &meta); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if meta.Resource != "https://gateway.example" {
		t.Errorf("expected resource https://gateway.example, got %s", meta.Resource)
	}
}

func TestServer_LLMRoutesMountedUnderBasePath(t *testing.T) {
	s := newTestServer(t)
	client, cleanup := serve(t, s)
	defer cleanup()

	resp, err := client.Get("http://test/llm/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var listing map[string]any
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if listing["object"] != "list" {
		t.Errorf("expected object=list, got %v", listing["object"])
	}
}

func TestServer_MCPRouteMounted(t *testing.T) {
	s := newTestServer(t)
	client, cleanup := serve(t, s)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
