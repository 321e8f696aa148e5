// Package quiz provides the English level assessment capabilities served by the quiz
// server: a link to the online quiz, a tool grading a quiz score, and a prompt asking an
// LLM to teach a student at their level.
package quiz

import (
	"context"
	"fmt"

	"github.com/TangGee/go-mcp-quiz"
)

// Capability names.
const (
	ResourceName = "GetQuiz"
	ToolName     = "FindLevel"
	PromptName   = "GetPrompt"
)

// Levels returned by FindLevel.
const (
	LevelBeginner     = "Beginner"
	LevelIntermediate = "Intermediate"
	LevelExpert       = "Expert"
)

// QuizURL is the address of the online quiz, also used as the resource URI.
const QuizURL = "https://quiz.xyz"

const (
	resourceDescription = "Provides a link to an online English level assessment quiz."
	toolDescription     = "Determines the student's English level based on their quiz score."
	promptDescription   = "Generates a prompt to ask an LLM to teach English based on the student's level."
)

// FindLevelArgs are the arguments of the FindLevel tool.
type FindLevelArgs struct {
	Grade int `json:"grade" jsonschema:"description=Quiz score of the student"`
}

// PromptArgs are the arguments of the GetPrompt prompt.
type PromptArgs struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// FindLevel maps a quiz score to an English level.
func FindLevel(grade int) string {
	switch {
	case grade < 50:
		return LevelBeginner
	case grade < 75:
		return LevelIntermediate
	default:
		return LevelExpert
	}
}

// NewRegistry returns a registry holding the quiz resource, tool, and prompt.
func NewRegistry(options ...mcp.RegistryOption) (*mcp.Registry, error) {
	r := mcp.NewRegistry(options...)

	if err := r.Register(mcp.KindResource, ResourceName, resourceDescription, getQuiz,
		mcp.WithURI(QuizURL), mcp.WithMimeType("text/plain")); err != nil {
		return nil, err
	}

	if err := mcp.RegisterTool(r, ToolName, toolDescription, findLevel); err != nil {
		return nil, err
	}

	if err := r.Register(mcp.KindPrompt, PromptName, promptDescription, mcp.TypedHandler(getPrompt),
		mcp.WithPromptArguments(
			mcp.PromptArgument{Name: "name", Description: "Name of the student", Required: true},
			mcp.PromptArgument{Name: "level", Description: "English level of the student", Required: true},
		)); err != nil {
		return nil, err
	}

	return r, nil
}

func getQuiz(context.Context, map[string]any) ([]mcp.Content, error) {
	return []mcp.Content{mcp.TextContent("Link to online quiz: " + QuizURL)}, nil
}

func findLevel(_ context.Context, args FindLevelArgs) ([]mcp.Content, error) {
	return []mcp.Content{mcp.TextContent(FindLevel(args.Grade))}, nil
}

func getPrompt(_ context.Context, args PromptArgs) ([]mcp.Content, error) {
	return []mcp.Content{mcp.TextContent(fmt.Sprintf("Teach %s English based on this level: %s.", args.Name, args.Level))}, nil
}
