package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// envelopeShape records which envelope members are present, which the decoded JSONRPCMessage
// alone can't tell apart from zero values (an explicit null id, for one).
type envelopeShape struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// EncodeMessage serializes msg as compact, single-line JSON. The JSONRPC field is filled
// with JSONRPCVersion when empty. The output never contains a newline, so it can be framed
// by a trailing '\n' on pipes or sent as one event on streaming HTTP.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	if msg.Kind() == MessageResponse && msg.ID.IsZero() {
		return nil, errors.New("response without id")
	}
	if msg.Kind() == MessageResponse && msg.Result == nil && msg.Error == nil {
		msg.Result = json.RawMessage("{}")
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	// Params and Result are copied verbatim by encoding/json, so compact them to keep the
	// frame on one line.
	var buf bytes.Buffer
	if err := json.Compact(&buf, bs); err != nil {
		return nil, fmt.Errorf("failed to compact message: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses one frame into a JSONRPCMessage. Malformed JSON, a jsonrpc member
// other than "2.0", or an envelope with neither id nor method yields a *DecodeError
// carrying the raw frame.
func DecodeMessage(frame []byte) (JSONRPCMessage, error) {
	raw := bytes.TrimSpace(frame)

	var p envelopeShape
	if err := json.Unmarshal(raw, &p); err != nil {
		return JSONRPCMessage{}, &DecodeError{Raw: frame, Err: err}
	}
	if p.JSONRPC == nil || *p.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, &DecodeError{Raw: frame, Err: errors.New("jsonrpc member must be \"2.0\"")}
	}
	hasID := len(p.ID) > 0
	hasMethod := p.Method != nil && *p.Method != ""
	if !hasID && !hasMethod {
		return JSONRPCMessage{}, &DecodeError{Raw: frame, Err: errors.New("message has neither id nor method")}
	}
	if !hasMethod && p.Result == nil && p.Error == nil {
		return JSONRPCMessage{}, &DecodeError{Raw: frame, Err: errors.New("response has neither result nor error")}
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return JSONRPCMessage{}, &DecodeError{Raw: frame, Err: err}
	}
	if hasMethod && hasID && msg.ID.IsZero() {
		return JSONRPCMessage{}, &DecodeError{Raw: frame, Err: errors.New("request id must not be null")}
	}
	return msg, nil
}
