package quiz_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/go-mcp-quiz"
	"github.com/TangGee/go-mcp-quiz/servers/quiz"
)

func TestFindLevel(t *testing.T) {
	tests := []struct {
		grade int
		want  string
	}{
		{grade: 0, want: quiz.LevelBeginner},
		{grade: 40, want: quiz.LevelBeginner},
		{grade: 49, want: quiz.LevelBeginner},
		{grade: 50, want: quiz.LevelIntermediate},
		{grade: 60, want: quiz.LevelIntermediate},
		{grade: 74, want: quiz.LevelIntermediate},
		{grade: 75, want: quiz.LevelExpert},
		{grade: 86, want: quiz.LevelExpert},
		{grade: 90, want: quiz.LevelExpert},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, quiz.FindLevel(tc.grade), "grade %d", tc.grade)
	}
}

func TestRegistry(t *testing.T) {
	r, err := quiz.NewRegistry()
	require.NoError(t, err)

	resources := r.List(mcp.KindResource)
	require.Len(t, resources, 1)
	assert.Equal(t, quiz.ResourceName, resources[0].Name)
	assert.Equal(t, quiz.QuizURL, resources[0].URI)

	tools := r.List(mcp.KindTool)
	require.Len(t, tools, 1)
	assert.Equal(t, quiz.ToolName, tools[0].Name)
	var schema struct {
		Type       string                    `json:"type"`
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(tools[0].InputSchema, &schema))
	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"grade"}, schema.Required)
	assert.Equal(t, "integer", schema.Properties["grade"]["type"])

	prompts := r.List(mcp.KindPrompt)
	require.Len(t, prompts, 1)
	assert.Equal(t, quiz.PromptName, prompts[0].Name)
	assert.Len(t, prompts[0].Arguments, 2)
}

func TestInvoke(t *testing.T) {
	r, err := quiz.NewRegistry()
	require.NoError(t, err)
	ctx := context.Background()

	contents, err := r.Invoke(ctx, mcp.KindResource, quiz.ResourceName, nil)
	require.NoError(t, err)
	assert.Equal(t, []mcp.Content{mcp.TextContent("Link to online quiz: https://quiz.xyz")}, contents)

	contents, err = r.Invoke(ctx, mcp.KindTool, quiz.ToolName, map[string]any{"grade": float64(86)})
	require.NoError(t, err)
	assert.Equal(t, []mcp.Content{mcp.TextContent("Expert")}, contents)

	contents, err = r.Invoke(ctx, mcp.KindPrompt, quiz.PromptName, map[string]any{"name": "Ana", "level": "Beginner"})
	require.NoError(t, err)
	assert.Equal(t, []mcp.Content{mcp.TextContent("Teach Ana English based on this level: Beginner.")}, contents)
}

func TestInvokeRejectsBadArguments(t *testing.T) {
	r, err := quiz.NewRegistry()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		kind mcp.CapabilityKind
		cap  string
		args map[string]any
	}{
		{name: "missing grade", kind: mcp.KindTool, cap: quiz.ToolName, args: map[string]any{}},
		{name: "string grade", kind: mcp.KindTool, cap: quiz.ToolName, args: map[string]any{"grade": "high"}},
		{name: "unknown field", kind: mcp.KindTool, cap: quiz.ToolName, args: map[string]any{"grade": 1, "extra": true}},
		{name: "missing level", kind: mcp.KindPrompt, cap: quiz.PromptName, args: map[string]any{"name": "Ana"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Invoke(ctx, tc.kind, tc.cap, tc.args)
			require.Error(t, err)
			assert.ErrorIs(t, err, mcp.ErrInvalidArguments)
		})
	}
}
