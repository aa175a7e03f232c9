// Package wire defines the control-protocol envelopes exchanged over
// the byte stream. The format is newline-delimited UTF-8 JSON and must
// stay bit-compatible with the remote CLI process.
package wire

// Message type discriminators.
const (
	TypeControlRequest  = "control_request"
	TypeControlResponse = "control_response"
	TypeControlCancel   = "control_cancel_request"
)

// Control request subtypes initiated by the remote side.
const (
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
	SubtypeMCPMessage   = "mcp_message"
)

// ControlRequest is a correlated request, initiated by either side.
//
// Wire format:
//
//	{"type": "control_request", "request_id": "req_1_...", "request": {"subtype": "<op>", ...}}
type ControlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"` //nolint:tagliatelle // wire format uses snake_case
	Request   map[string]any `json:"request"`
}

// Subtype extracts the operation name from the nested request data.
func (r *ControlRequest) Subtype() string {
	s, _ := r.Request["subtype"].(string)

	return s
}

// ControlResponse answers a ControlRequest, echoing its id.
//
// Success:
//
//	{"type": "control_response", "response": {"subtype": "success", "request_id": "...", "response": {...}}}
//
// Error:
//
//	{"type": "control_response", "response": {"subtype": "error", "request_id": "...", "error": "..."}}
type ControlResponse struct {
	Type     string         `json:"type"`
	Response map[string]any `json:"response"`
}

// RequestID extracts the echoed request id.
func (r *ControlResponse) RequestID() string {
	id, _ := r.Response["request_id"].(string)

	return id
}

// IsError reports whether the response carries an error subtype.
func (r *ControlResponse) IsError() bool {
	s, _ := r.Response["subtype"].(string)

	return s == "error"
}

// ErrorMessage extracts the error message from an error response.
func (r *ControlResponse) ErrorMessage() string {
	e, _ := r.Response["error"].(string)

	return e
}

// Payload extracts the nested payload from a success response.
func (r *ControlResponse) Payload() map[string]any {
	p, _ := r.Response["response"].(map[string]any)

	return p
}

// NewRequest builds an outgoing control request envelope around a
// subtype and its payload fields.
func NewRequest(requestID, subtype string, payload map[string]any) *ControlRequest {
	request := make(map[string]any, len(payload)+1)
	request["subtype"] = subtype

	for k, v := range payload {
		request[k] = v
	}

	return &ControlRequest{
		Type:      TypeControlRequest,
		RequestID: requestID,
		Request:   request,
	}
}

// NewSuccessResponse builds a success response for an inbound request.
func NewSuccessResponse(requestID string, payload map[string]any) *ControlResponse {
	return &ControlResponse{
		Type: TypeControlResponse,
		Response: map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   payload,
		},
	}
}

// NewErrorResponse builds an error response for an inbound request.
func NewErrorResponse(requestID, message string) *ControlResponse {
	return &ControlResponse{
		Type: TypeControlResponse,
		Response: map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      message,
		},
	}
}
