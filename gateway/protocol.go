// Package gateway exposes the control plane: a WebSocket endpoint speaking a
// JSON-RPC style protocol over which operators inspect and steer ACP
// sessions, inject chat messages and receive system event notifications.
package gateway

import "encoding/json"

// ProtocolVersion identifies the control-plane protocol.
const ProtocolVersion = "1"

// JSON-RPC error codes.
const (
	ErrorParse          = -32700
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorInternalError  = -32603
)

// JSONRPCRequest is one inbound control-plane call.
type JSONRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// JSONRPCResponse is the reply to one call.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError carries a failed call's code and message.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewSuccessResponse builds a success reply for the given request id.
func NewSuccessResponse(id any, result any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error reply for the given request id.
func NewErrorResponse(id any, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// NewNotification builds a server-initiated frame with no id. Clients must
// not reply to notifications.
func NewNotification(method string, params map[string]any) *JSONRPCRequest {
	return &JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params}
}

// decodeParams re-marshals loose params into a typed parameter struct.
func decodeParams(params map[string]any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
