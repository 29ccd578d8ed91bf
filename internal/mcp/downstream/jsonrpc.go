package downstream

import (
	"context"
	"encoding/json"
	"fmt"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// invalidParamsCode is the JSON-RPC 2.0 reserved "invalid params" code.
const invalidParamsCode = -32602

// InvalidParamsCode exports invalidParamsCode for the aggregator (C4),
// which replies with it when execute() names an unresolvable tool.
const InvalidParamsCode = invalidParamsCode

// transport is the wire-level contract every concrete transport satisfies:
// one correlated request/response call, decoding the result into out.
type transport interface {
	call(ctx context.Context, method string, params any, out any) error
	close() error
}

func decodeResult(resp rpcResponse, method string, out any) error {
	if resp.Error != nil {
		return &Error{
			Kind: ProtocolError,
			Op:   method,
			Err:  fmt.Errorf("code %d: %s", resp.Error.Code, resp.Error.Message),
		}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &Error{Kind: ProtocolError, Op: method, Err: err}
	}
	return nil
}
