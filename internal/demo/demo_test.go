package demo_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/go-mcp-quiz"
	"github.com/TangGee/go-mcp-quiz/internal/demo"
	"github.com/TangGee/go-mcp-quiz/servers/quiz"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name  string
		grade int
		level string
	}{
		{name: "expert", grade: 86, level: "Expert"},
		{name: "beginner", grade: 12, level: "Beginner"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, cleanup := setupQuiz(t)
			defer cleanup()

			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, demo.Run(ctx, client, logger, tc.grade))

			out := logs.String()
			assert.Contains(t, out, "protocolVersion="+mcp.LatestProtocolVersion)
			assert.Contains(t, out, "tools=[FindLevel]")
			assert.Contains(t, out, "level="+tc.level)
		})
	}
}

func TestRunFailsOnClosedServer(t *testing.T) {
	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()
	require.NoError(t, serverReader.Close())
	require.NoError(t, serverWriter.Close())

	client := mcp.NewClient(mcp.Info{Name: "demo", Version: "1.0"}, mcp.NewStdIO(clientReader, clientWriter))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := demo.Run(ctx, client, slog.New(slog.NewTextHandler(io.Discard, nil)), 86)
	require.Error(t, err)
}

func setupQuiz(t *testing.T) (*mcp.Client, func()) {
	t.Helper()

	registry, err := quiz.NewRegistry()
	require.NoError(t, err)

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()

	serverTransport := mcp.NewStdIO(serverReader, serverWriter)
	server := mcp.NewServer(mcp.Info{Name: "quiz", Version: "1.0"}, registry, serverTransport)
	go server.Serve()

	client := mcp.NewClient(mcp.Info{Name: "demo", Version: "1.0"}, mcp.NewStdIO(clientReader, clientWriter))

	return client, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close()
		_ = server.Shutdown(ctx)
	}
}
