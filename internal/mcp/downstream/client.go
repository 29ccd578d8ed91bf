package downstream

import (
	"context"

	"github.com/valyala/fasthttp"
)

// Client is one running connection to one downstream MCP server.
type Client struct {
	name string
	tr   transport
}

// New constructs a running Client from a validated descriptor. For stdio
// descriptors this spawns the child process; for HTTP descriptors it
// performs transport selection (and handshake) per §4.1.
func New(ctx context.Context, d Descriptor) (*Client, error) {
	if err := d.Validate(); err != nil {
		return nil, &Error{Kind: TransportError, Op: "construct", Err: err}
	}

	if d.Stdio != nil {
		tr, err := newStdioTransport(*d.Stdio)
		if err != nil {
			return nil, err
		}
		return &Client{name: d.Name, tr: tr}, nil
	}

	tr, err := newHTTPTransport(ctx, *d.HTTP)
	if err != nil {
		return nil, err
	}
	return &Client{name: d.Name, tr: tr}, nil
}

// Name returns the downstream's configured name, for diagnostics.
func (c *Client) Name() string { return c.name }

// NewForTest builds a Client around an already-configured fasthttp.Client
// and URL, skipping transport selection and handshaking entirely. It
// exists so other packages' tests can point a Client at an inmemory
// fasthttputil listener without dialing a real descriptor.
func NewForTest(name string, httpClient *fasthttp.Client, url string) *Client {
	return &Client{name: name, tr: &httpJSONTransport{client: httpClient, url: url}}
}

func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.tr.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var res CallToolResult
	if err := c.tr.call(ctx, "tools/call", params, &res); err != nil {
		return CallToolResult{}, err
	}
	return res, nil
}

// CallToolWithHeaders is CallTool with extra outbound HTTP headers applied
// (the outcome of C13 header-rule evaluation). Stdio-backed downstreams have
// no HTTP request to carry headers on, so extra is silently ignored for
// them — it only takes effect against an httpJSONTransport.
func (c *Client) CallToolWithHeaders(ctx context.Context, params CallToolParams, extra map[string]string) (CallToolResult, error) {
	ht, ok := c.tr.(*httpJSONTransport)
	if !ok {
		return c.CallTool(ctx, params)
	}
	var res CallToolResult
	if err := ht.callWithHeaders(ctx, "tools/call", params, &res, extra); err != nil {
		return CallToolResult{}, err
	}
	return res, nil
}

func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var res struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := c.tr.call(ctx, "prompts/list", nil, &res); err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	var res GetPromptResult
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	if err := c.tr.call(ctx, "prompts/get", params, &res); err != nil {
		return GetPromptResult{}, err
	}
	return res, nil
}

func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var res struct {
		Resources []Resource `json:"resources"`
	}
	if err := c.tr.call(ctx, "resources/list", nil, &res); err != nil {
		return nil, err
	}
	return res.Resources, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var res ReadResourceResult
	params := map[string]any{"uri": uri}
	if err := c.tr.call(ctx, "resources/read", params, &res); err != nil {
		return ReadResourceResult{}, err
	}
	return res, nil
}

// Close releases the underlying transport (kills the child process for
// stdio; a no-op for HTTP transports).
func (c *Client) Close() error {
	return c.tr.close()
}
