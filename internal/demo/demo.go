// Package demo holds the script shared by the example clients.
package demo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/TangGee/go-mcp-quiz"
	"github.com/TangGee/go-mcp-quiz/servers/quiz"
)

// Run initializes the client if needed, lists the server's tools, and asks the
// FindLevel tool for the level matching grade. Every step is logged.
func Run(ctx context.Context, client *mcp.Client, logger *slog.Logger, grade int) error {
	sess := client.Session()
	if sess == nil || sess.State() == mcp.StateUninitialized {
		if sess == nil {
			if err := client.Start(ctx); err != nil {
				return err
			}
		}
		result, err := client.Initialize(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		logger.Info("initialized",
			slog.String("server", result.ServerInfo.Name),
			slog.String("version", result.ServerInfo.Version),
			slog.String("protocolVersion", result.ProtocolVersion))
	}

	tools, err := client.ListCapabilities(ctx, mcp.KindTool)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	logger.Info("available tools", slog.Any("tools", names))

	res, err := client.CallTool(ctx, mcp.CallToolParams{
		Name:      quiz.ToolName,
		Arguments: map[string]any{"grade": grade},
	})
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", quiz.ToolName, err)
	}
	if res.IsError {
		return fmt.Errorf("tool %s reported an error: %v", quiz.ToolName, res.Content)
	}

	for _, c := range res.Content {
		logger.Info("tool result", slog.Int("grade", grade), slog.String("level", c.Text))
	}
	return nil
}
