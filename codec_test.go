package mcp_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/go-mcp-quiz"
)

func TestEncodeDecodeMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  mcp.JSONRPCMessage
	}{
		{
			name: "request",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.StringID("1"),
				Method:  mcp.MethodToolsCall,
				Params:  json.RawMessage(`{"name":"FindLevel","arguments":{"grade":86}}`),
			},
		},
		{
			name: "notification",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Method:  "notifications/initialized",
			},
		},
		{
			name: "result",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.StringID("abc"),
				Result:  json.RawMessage(`{"content":[{"type":"text","text":"Expert"}]}`),
			},
		},
		{
			name: "error",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      mcp.Int64ID(7),
				Error:   &mcp.JSONRPCError{Code: -32602, Message: "invalid", Data: map[string]any{"problems": []any{"grade: required"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := mcp.EncodeMessage(tt.msg)
			require.NoError(t, err)
			assert.NotContains(t, string(frame), "\n")

			got, err := mcp.DecodeMessage(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestEncodeMessage(t *testing.T) {
	t.Run("fills version", func(t *testing.T) {
		frame, err := mcp.EncodeMessage(mcp.JSONRPCMessage{Method: "ping", ID: mcp.StringID("1")})
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","method":"ping"}`, string(frame))
	})

	t.Run("compacts multi-line payloads", func(t *testing.T) {
		frame, err := mcp.EncodeMessage(mcp.JSONRPCMessage{
			ID:     mcp.StringID("1"),
			Result: json.RawMessage("{\n  \"a\": 1\n}"),
		})
		require.NoError(t, err)
		assert.Equal(t, `{"jsonrpc":"2.0","id":"1","result":{"a":1}}`, string(frame))
	})

	t.Run("empty result", func(t *testing.T) {
		frame, err := mcp.EncodeMessage(mcp.JSONRPCMessage{ID: mcp.StringID("1")})
		require.NoError(t, err)
		assert.Equal(t, `{"jsonrpc":"2.0","id":"1","result":{}}`, string(frame))
	})

	t.Run("notification has no id", func(t *testing.T) {
		frame, err := mcp.EncodeMessage(mcp.JSONRPCMessage{Method: "notifications/initialized"})
		require.NoError(t, err)
		assert.Equal(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, string(frame))
	})

	t.Run("response without id", func(t *testing.T) {
		_, err := mcp.EncodeMessage(mcp.JSONRPCMessage{Result: json.RawMessage(`{}`)})
		require.Error(t, err)
	})
}

func TestDecodeMessage(t *testing.T) {
	t.Run("numeric id", func(t *testing.T) {
		msg, err := mcp.DecodeMessage([]byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, mcp.Int64ID(3), msg.ID)
		assert.Equal(t, mcp.MessageRequest, msg.Kind())
	})

	t.Run("response echoes the request id token", func(t *testing.T) {
		for _, token := range []string{`1`, `1.5`, `9007199254740993`, `1e20`, `"1"`} {
			req, err := mcp.DecodeMessage([]byte(`{"jsonrpc":"2.0","id":` + token + `,"method":"ping"}`))
			require.NoError(t, err)

			frame, err := mcp.EncodeMessage(mcp.JSONRPCMessage{ID: req.ID, Result: json.RawMessage(`{}`)})
			require.NoError(t, err)
			assert.Equal(t, `{"jsonrpc":"2.0","id":`+token+`,"result":{}}`, string(frame))
		}
	})

	t.Run("surrounding whitespace", func(t *testing.T) {
		msg, err := mcp.DecodeMessage([]byte("  {\"jsonrpc\":\"2.0\",\"method\":\"notifications/initialized\"}\r\n"))
		require.NoError(t, err)
		assert.Equal(t, mcp.MessageNotification, msg.Kind())
	})

	invalid := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: `hello`},
		{name: "truncated", frame: `{"jsonrpc":"2.0","id":1`},
		{name: "missing version", frame: `{"id":1,"method":"ping"}`},
		{name: "wrong version", frame: `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{name: "no id nor method", frame: `{"jsonrpc":"2.0","params":{}}`},
		{name: "response without result", frame: `{"jsonrpc":"2.0","id":1}`},
		{name: "request with null id", frame: `{"jsonrpc":"2.0","id":null,"method":"ping"}`},
		{name: "object id", frame: `{"jsonrpc":"2.0","id":{},"method":"ping"}`},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mcp.DecodeMessage([]byte(tt.frame))
			require.Error(t, err)

			var decodeErr *mcp.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.True(t, bytes.Equal([]byte(tt.frame), decodeErr.Raw))
		})
	}
}
