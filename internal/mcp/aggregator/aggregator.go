// Package aggregator implements the outward-facing MCP surface (C4): a
// single synthetic server that presents exactly two tools, "search" and
// "execute", fronting every tool on every configured downstream. Grounded
// on original_source's mcp aggregation handler and on the tool index (C3)
// and downstream registry (C2) built alongside it.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/headerrules"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/downstream"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/index"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/registry"
)

// ToolRecord is one downstream tool as known to the aggregator: the
// composite name callers use with execute(), plus the metadata surfaced by
// search() and the server-info instructions.
type ToolRecord struct {
	CompositeName string
	Server        string
	Name          string
	Title         string
	Description   string
	InputSchema   map[string]any
}

// Config toggles aggregator-wide behavior.
type Config struct {
	// EnableStructuredContent selects the search() response shape: true
	// (the default) returns a single structured-content object; false
	// returns a legacy content-item list carrying the same JSON as text.
	EnableStructuredContent bool
	HeaderRules             []headerrules.Rule
}

// Aggregator is the built, queryable MCP aggregation surface. Build it once
// at startup (or whenever the downstream set changes) from the registry's
// static clients; forward-auth servers are excluded from the tool index
// since their catalogs cannot be enumerated before a caller's token is
// known — see DESIGN.md.
type Aggregator struct {
	registry *registry.Registry
	records  []ToolRecord
	index    *index.Index
	cfg      Config
}

// DispatchError is returned by Execute for an unresolvable tool name. It
// carries the JSON-RPC error code the caller should reply with.
type DispatchError struct {
	Message string
	Code    int
}

func (e *DispatchError) Error() string { return e.Message }

func unknownTool(name string) *DispatchError {
	return &DispatchError{Message: fmt.Sprintf("unknown tool: %s", name), Code: downstream.InvalidParamsCode}
}

// Build queries tools/list on every statically-connected downstream
// concurrently, assembles the composite-named catalog sorted by composite
// name, and builds the search index (C3) over it. A downstream that fails
// tools/list is skipped (its tools are simply absent from the catalog) so
// one misbehaving server doesn't prevent the others from being searchable.
func Build(ctx context.Context, reg *registry.Registry, cfg Config) (*Aggregator, error) {
	type discovered struct {
		server string
		tools  []downstream.Tool
	}

	clients := reg.StaticClients()
	var mu sync.Mutex
	var found []discovered

	g, gctx := errgroup.WithContext(ctx)
	for name, client := range clients {
		name, client := name, client
		g.Go(func() error {
			tools, err := client.ListTools(gctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			found = append(found, discovered{server: name, tools: tools})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-downstream failures are swallowed above; nothing to propagate

	var records []ToolRecord
	for _, d := range found {
		for _, t := range d.tools {
			records = append(records, ToolRecord{
				CompositeName: d.server + "__" + t.Name,
				Server:        d.server,
				Name:          t.Name,
				Title:         t.Title,
				Description:   t.Description,
				InputSchema:   t.InputSchema,
			})
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CompositeName < records[j].CompositeName })

	metas := make([]index.ToolMeta, len(records))
	for i, r := range records {
		metas[i] = index.ToolMeta{
			ID:            index.ToolID(i),
			CompositeName: r.CompositeName,
			Title:         r.Title,
			Description:   r.Description,
			InputSchema:   r.InputSchema,
		}
	}
	idx, err := index.Build(metas)
	if err != nil {
		return nil, err
	}

	return &Aggregator{registry: reg, records: records, index: idx, cfg: cfg}, nil
}

// ListTools always returns exactly the two synthetic tools — the real
// catalog is reachable only through search()/execute().
func (a *Aggregator) ListTools() []downstream.Tool {
	return []downstream.Tool{searchToolDefinition(), executeToolDefinition()}
}

func searchToolDefinition() downstream.Tool {
	return downstream.Tool{
		Name:        "search",
		Description: "Search for relevant tools across every connected server. Returns matching tools ordered by relevance; pass a result's name to execute to invoke it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keywords": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []string{"keywords"},
		},
	}
}

func executeToolDefinition() downstream.Tool {
	return downstream.Tool{
		Name:        "execute",
		Description: "Execute a tool previously surfaced by search, identified by its \"server__tool\" name.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":      map[string]any{"type": "string"},
				"arguments": map[string]any{"type": "object"},
			},
			"required": []string{"name"},
		},
	}
}

// SearchResultItem is one match returned by search().
type SearchResultItem struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Score       float32        `json:"score"`
}

// SearchResponse is the structured payload behind search()'s result,
// independent of whether it's rendered as structured content or a legacy
// content-item list.
type SearchResponse struct {
	Results []SearchResultItem `json:"results"`
}

// Search runs the C3 index over keywords and resolves hits back to
// ToolRecords.
func (a *Aggregator) Search(keywords []string) SearchResponse {
	hits := a.index.Search(keywords)
	results := make([]SearchResultItem, 0, len(hits))
	for _, h := range hits {
		if int(h.ToolID) >= len(a.records) {
			continue
		}
		rec := a.records[h.ToolID]
		results = append(results, SearchResultItem{
			Name:        rec.CompositeName,
			Description: rec.Description,
			InputSchema: rec.InputSchema,
			Score:       h.Score,
		})
	}
	return SearchResponse{Results: results}
}

// RenderSearchResult shapes a SearchResponse per EnableStructuredContent:
// a single structured-content object by default, or a legacy text content
// item carrying the same JSON for callers that don't understand structured
// content.
func (a *Aggregator) RenderSearchResult(resp SearchResponse) downstream.CallToolResult {
	if a.cfg.EnableStructuredContent {
		return downstream.CallToolResult{StructuredContent: resp}
	}
	b, _ := json.Marshal(resp)
	return downstream.CallToolResult{Content: []downstream.ContentItem{{Type: "text", Text: string(b)}}}
}

// Execute dispatches a "server__tool" composite name to its downstream.
// If the separator is missing or the server is unknown, it replies
// "unknown tool: <name>" with the JSON-RPC invalid-params code, matching
// what a direct call to that nonexistent tool would produce. forwardToken
// is the bearer token to bind for forward-auth servers; it is ignored for
// non-forward servers. inboundHeaders, when non-nil, is passed through the
// C13 header-rule chain before the call is proxied.
func (a *Aggregator) Execute(ctx context.Context, name string, arguments map[string]any, inboundHeaders http.Header, forwardToken string) (downstream.CallToolResult, error) {
	server, toolName, ok := strings.Cut(name, "__")
	if !ok {
		return downstream.CallToolResult{}, unknownTool(name)
	}

	client, err := a.resolveClient(ctx, server, forwardToken)
	if err != nil {
		return downstream.CallToolResult{}, unknownTool(name)
	}

	params := downstream.CallToolParams{Name: toolName, Arguments: arguments}
	if inboundHeaders == nil {
		return client.CallTool(ctx, params)
	}

	outbound := headerrules.Apply(inboundHeaders, a.cfg.HeaderRules)
	return client.CallToolWithHeaders(ctx, params, headersToMap(outbound))
}

func (a *Aggregator) resolveClient(ctx context.Context, server, forwardToken string) (*downstream.Client, error) {
	if a.registry.IsForward(server) {
		return a.registry.GetForward(ctx, server, forwardToken)
	}
	return a.registry.Get(server)
}

func headersToMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// AggregatedPrompt is one prompt from one downstream, composite-renamed the
// same way tools are.
type AggregatedPrompt struct {
	CompositeName string
	Server        string
	Description   string
}

// ListPrompts fans out prompts/list across every static downstream
// concurrently and returns the union, deterministically ordered by
// (server, composite name). A downstream that errors contributes nothing,
// consistent with ListTools's per-downstream tolerance.
func (a *Aggregator) ListPrompts(ctx context.Context) ([]AggregatedPrompt, error) {
	type partial struct {
		server  string
		prompts []downstream.Prompt
	}
	var mu sync.Mutex
	var parts []partial

	g, gctx := errgroup.WithContext(ctx)
	for name, client := range a.registry.StaticClients() {
		name, client := name, client
		g.Go(func() error {
			prompts, err := client.ListPrompts(gctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			parts = append(parts, partial{server: name, prompts: prompts})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var out []AggregatedPrompt
	for _, p := range parts {
		for _, prompt := range p.prompts {
			out = append(out, AggregatedPrompt{
				CompositeName: p.server + "__" + prompt.Name,
				Server:        p.server,
				Description:   prompt.Description,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].CompositeName < out[j].CompositeName
	})
	return out, nil
}

// AggregatedResource is one resource from one downstream. Resources keep
// their URI unchanged (unlike tools/prompts they aren't dispatched by a
// composite name) but carry their origin server for diagnostics.
type AggregatedResource struct {
	URI         string
	Server      string
	Name        string
	Description string
	MIMEType    string
}

// ListResources fans out resources/list the same way ListPrompts does.
func (a *Aggregator) ListResources(ctx context.Context) ([]AggregatedResource, error) {
	type partial struct {
		server    string
		resources []downstream.Resource
	}
	var mu sync.Mutex
	var parts []partial

	g, gctx := errgroup.WithContext(ctx)
	for name, client := range a.registry.StaticClients() {
		name, client := name, client
		g.Go(func() error {
			resources, err := client.ListResources(gctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			parts = append(parts, partial{server: name, resources: resources})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var out []AggregatedResource
	for _, p := range parts {
		for _, r := range p.resources {
			out = append(out, AggregatedResource{
				URI:         r.URI,
				Server:      p.server,
				Name:        r.Name,
				Description: r.Description,
				MIMEType:    r.MIMEType,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].URI < out[j].URI
	})
	return out, nil
}

// Instructions synthesizes the human-readable "server: tool[: description]"
// catalog handed back as the aggregated server's MCP instructions, since
// the real tools are otherwise invisible behind search()/execute().
func (a *Aggregator) Instructions() string {
	var sb strings.Builder
	for _, rec := range a.records {
		sb.WriteString(rec.Server)
		sb.WriteString(": ")
		sb.WriteString(rec.Name)
		if rec.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(rec.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
