package mcp_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TangGee/go-mcp-quiz"
)

func TestErrorsMatchSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "unknown capability",
			err:    &mcp.UnknownCapabilityError{Kind: mcp.KindTool, Name: "Nope"},
			target: mcp.ErrUnknownCapability,
			want:   true,
		},
		{
			name:   "wrapped unknown capability",
			err:    fmt.Errorf("call failed: %w", &mcp.UnknownCapabilityError{Kind: mcp.KindPrompt, Name: "Nope"}),
			target: mcp.ErrUnknownCapability,
			want:   true,
		},
		{
			name:   "validation",
			err:    &mcp.ValidationError{Name: "FindLevel", Problems: []string{"grade: required"}},
			target: mcp.ErrInvalidArguments,
			want:   true,
		},
		{
			name:   "remote unknown capability",
			err:    &mcp.InvocationError{Code: -32002, Message: "tool \"Nope\" not found"},
			target: mcp.ErrUnknownCapability,
			want:   true,
		},
		{
			name:   "remote invalid params",
			err:    &mcp.InvocationError{Code: -32602, Message: "invalid"},
			target: mcp.ErrInvalidArguments,
			want:   true,
		},
		{
			name:   "remote internal error",
			err:    &mcp.InvocationError{Code: -32603, Message: "boom"},
			target: mcp.ErrInvalidArguments,
			want:   false,
		},
		{
			name:   "launch error unwraps",
			err:    &mcp.LaunchError{Command: "quiz", Err: mcp.ErrConnectionClosed},
			target: mcp.ErrConnectionClosed,
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "unknown capability",
			err:  &mcp.UnknownCapabilityError{Kind: mcp.KindTool, Name: "Nope"},
			want: `tool "Nope" not found`,
		},
		{
			name: "duplicate",
			err:  &mcp.DuplicateNameError{Kind: mcp.KindResource, Name: "GetQuiz"},
			want: `resource "GetQuiz" already registered`,
		},
		{
			name: "validation with name",
			err:  &mcp.ValidationError{Name: "FindLevel", Problems: []string{"a", "b"}},
			want: `invalid arguments for "FindLevel": a; b`,
		},
		{
			name: "validation without name",
			err:  &mcp.ValidationError{Problems: []string{"a"}},
			want: `invalid arguments: a`,
		},
		{
			name: "timeout",
			err:  &mcp.TimeoutError{Method: "tools/call", Timeout: time.Second},
			want: `request tools/call timed out after 1s`,
		},
		{
			name: "connection with status",
			err:  &mcp.ConnectionError{URL: "http://x/sse", StatusCode: 404, Err: errors.New("not found")},
			want: `connection to http://x/sse failed with status 404: not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}
