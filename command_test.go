package mcp_test

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/go-mcp-quiz"
)

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestCommandTransportEcho(t *testing.T) {
	requireCommand(t, "cat")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := mcp.NewCommandTransport("cat", nil).Connect(ctx)
	require.NoError(t, err)
	defer stream.Stop()

	frames := []string{`{"jsonrpc":"2.0","method":"one"}`, `{"jsonrpc":"2.0","method":"two"}`}
	for _, f := range frames {
		require.NoError(t, stream.Send(ctx, []byte(f)))
	}

	var got []string
	for frame, err := range stream.Frames() {
		require.NoError(t, err)
		got = append(got, string(frame))
		if len(got) == len(frames) {
			break
		}
	}
	assert.Equal(t, frames, got)
}

func TestCommandTransportLaunchErrors(t *testing.T) {
	requireCommand(t, "false")

	tests := []struct {
		name    string
		command string
		args    []string
		wantErr error
	}{
		{name: "missing binary", command: "definitely-not-a-real-mcp-server", wantErr: exec.ErrNotFound},
		{name: "immediate exit", command: "false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := mcp.NewCommandTransport(tt.command, tt.args, mcp.WithLaunchGrace(500*time.Millisecond))
			_, err := transport.Connect(context.Background())

			var launchErr *mcp.LaunchError
			require.ErrorAs(t, err, &launchErr)
			assert.Equal(t, tt.command, launchErr.Command)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCommandTransportCancelledContext(t *testing.T) {
	requireCommand(t, "cat")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mcp.NewCommandTransport("cat", nil, mcp.WithLaunchGrace(time.Second)).Connect(ctx)

	var launchErr *mcp.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandTransportReportsCrash(t *testing.T) {
	requireCommand(t, "sh")

	stream, err := mcp.NewCommandTransport("sh", []string{"-c", "sleep 0.2; exit 3"}).Connect(context.Background())
	require.NoError(t, err)
	defer stream.Stop()

	var streamErr error
	for _, err := range stream.Frames() {
		if err != nil {
			streamErr = err
		}
	}

	require.Error(t, streamErr)
	var exitErr *exec.ExitError
	require.True(t, errors.As(streamErr, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestCommandTransportStopsUnresponsiveProcess(t *testing.T) {
	requireCommand(t, "sh")

	transport := mcp.NewCommandTransport("sh",
		[]string{"-c", `trap "" TERM; while :; do sleep 0.05; done`},
		mcp.WithCloseTimeout(100*time.Millisecond))

	stream, err := transport.Connect(context.Background())
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		stream.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
}

func TestCommandTransportSession(t *testing.T) {
	requireCommand(t, "cat")

	// cat reflects every frame: the session answers its own ping, and the echoed answer
	// resolves the call.
	stream, err := mcp.NewCommandTransport("cat", nil).Connect(context.Background())
	require.NoError(t, err)

	sess := mcp.NewSession(stream, mcp.WithRequestTimeout(time.Second))
	defer sess.Close()

	err = sess.Call(context.Background(), "ping", nil, nil)
	require.NoError(t, err)
}
