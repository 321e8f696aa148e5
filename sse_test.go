package mcp_test

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/go-mcp-quiz"
)

type sseFixture struct {
	server     *mcp.SSEServer
	httpServer *httptest.Server
	streams    chan mcp.Stream
}

func newSSEFixture(t *testing.T, options ...mcp.SSEServerOption) *sseFixture {
	t.Helper()

	server, err := mcp.NewSSEServer("/messages/", options...)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/messages/", server.HandleMessage())
	httpServer := httptest.NewServer(mux)

	f := &sseFixture{
		server:     server,
		httpServer: httpServer,
		streams:    make(chan mcp.Stream, 16),
	}
	go func() {
		for s := range server.Streams() {
			f.streams <- s
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))
		httpServer.Close()
	})

	return f
}

func (f *sseFixture) nextStream(t *testing.T) mcp.Stream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream opened")
		return nil
	}
}

// readFrame delivers the first frame of s, or closes the channel if s ends first.
func readFrame(s mcp.Stream) <-chan string {
	frames := make(chan string, 1)
	go func() {
		defer close(frames)
		for frame, err := range s.Frames() {
			if err != nil {
				return
			}
			frames <- string(frame)
			return
		}
	}()
	return frames
}

func firstFrame(t *testing.T, s mcp.Stream) string {
	t.Helper()
	select {
	case frame, ok := <-readFrame(s):
		require.True(t, ok, "stream ended")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

// openRawStream opens an event stream by hand and returns the announced endpoint.
func openRawStream(t *testing.T, url string) (string, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var event, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(v)
		}
	}
	require.Equal(t, "endpoint", event)

	return data, func() {
		cancel()
		resp.Body.Close()
	}
}

func TestSSEServerAndClient(t *testing.T) {
	f := newSSEFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := mcp.NewSSEClient(f.httpServer.URL+"/sse", f.httpServer.Client())
	clientStream, err := client.Connect(ctx)
	require.NoError(t, err)
	defer clientStream.Stop()

	serverStream := f.nextStream(t)
	defer serverStream.Stop()

	// The client's POST is acknowledged only once the server stream takes the frame, so it
	// has to run alongside the reader.
	errs := make(chan error, 1)
	go func() {
		errs <- clientStream.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"from/client"}`))
	}()
	assert.Equal(t, `{"jsonrpc":"2.0","method":"from/client"}`, firstFrame(t, serverStream))
	require.NoError(t, <-errs)

	require.NoError(t, serverStream.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"from/server"}`)))
	assert.Equal(t, `{"jsonrpc":"2.0","method":"from/server"}`, firstFrame(t, clientStream))
}

func TestSSEServerEndpointEvent(t *testing.T) {
	f := newSSEFixture(t)

	endpoint, closeStream := openRawStream(t, f.httpServer.URL+"/sse")
	defer closeStream()

	assert.True(t, strings.HasPrefix(endpoint, "/messages/?session_id="), endpoint)

	stream := f.nextStream(t)
	assert.Equal(t, strings.TrimPrefix(endpoint, "/messages/?session_id="), stream.ID())
}

func TestSSEServerHandleMessageErrors(t *testing.T) {
	f := newSSEFixture(t, mcp.WithSSEServerMaxBodySize(64))

	endpoint, closeStream := openRawStream(t, f.httpServer.URL+"/sse")
	defer closeStream()
	f.nextStream(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, path: endpoint, want: http.StatusMethodNotAllowed},
		{name: "missing session", method: http.MethodPost, path: "/messages/", body: `{}`, want: http.StatusBadRequest},
		{name: "unknown session", method: http.MethodPost, path: "/messages/?session_id=nope", body: `{}`, want: http.StatusNotFound},
		{name: "invalid json", method: http.MethodPost, path: endpoint, body: `{"jsonrpc":`, want: http.StatusBadRequest},
		{name: "not json-rpc", method: http.MethodPost, path: endpoint, body: `{"hello":"world"}`, want: http.StatusBadRequest},
		{
			name:   "too large",
			method: http.MethodPost,
			path:   endpoint,
			body:   fmt.Sprintf(`{"jsonrpc":"2.0","method":"x","params":{"pad":%q}}`, strings.Repeat("p", 128)),
			want:   http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.httpServer.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSSEServerAcceptsMessage(t *testing.T) {
	f := newSSEFixture(t)

	endpoint, closeStream := openRawStream(t, f.httpServer.URL+"/sse")
	defer closeStream()
	stream := f.nextStream(t)

	frames := readFrame(stream)

	resp, err := http.Post(f.httpServer.URL+endpoint, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, <-frames)
}

func TestSSEServerAllowedOrigins(t *testing.T) {
	_, err := mcp.NewSSEServer("/messages/", mcp.WithSSEServerAllowedOrigins("http://[localhost"))
	require.Error(t, err)

	f := newSSEFixture(t, mcp.WithSSEServerAllowedOrigins("http://localhost:*", "https://*.quiz.xyz"))

	tests := []struct {
		origin string
		want   int
	}{
		{origin: "http://localhost:3000", want: http.StatusOK},
		{origin: "https://app.quiz.xyz", want: http.StatusOK},
		{origin: "", want: http.StatusOK},
		{origin: "http://evil.example", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.httpServer.URL+"/sse", nil)
			require.NoError(t, err)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestSSEClientConnectErrors(t *testing.T) {
	endpointHandler := func(endpoint string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			if endpoint != "" {
				fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
			}
			w.(http.Flusher).Flush()
		}
	}

	tests := []struct {
		name       string
		handler    http.Handler
		wantStatus int
	}{
		{name: "not found", handler: http.NotFoundHandler(), wantStatus: http.StatusNotFound},
		{name: "foreign endpoint", handler: endpointHandler("http://other.example/messages/?session_id=1")},
		{name: "closed before endpoint", handler: endpointHandler("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := mcp.NewSSEClient(srv.URL, srv.Client()).Connect(ctx)

			var connErr *mcp.ConnectionError
			require.ErrorAs(t, err, &connErr)
			assert.Equal(t, tt.wantStatus, connErr.StatusCode)
		})
	}
}

func TestSSEClientConnectTimeout(t *testing.T) {
	// Accepts the stream but never announces an endpoint.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := mcp.NewSSEClient(srv.URL, srv.Client()).Connect(ctx)
	var connErr *mcp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSSEServerShutdownEndsClientStreams(t *testing.T) {
	server, err := mcp.NewSSEServer("/messages/")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/messages/", server.HandleMessage())
	httpServer := httptest.NewServer(mux)
	defer httpServer.Close()

	streamsDone := make(chan struct{})
	go func() {
		defer close(streamsDone)
		for range server.Streams() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientStream, err := mcp.NewSSEClient(httpServer.URL+"/sse", httpServer.Client()).Connect(ctx)
	require.NoError(t, err)
	defer clientStream.Stop()

	require.NoError(t, server.Shutdown(ctx))
	<-streamsDone

	var streamErr error
	for _, err := range clientStream.Frames() {
		streamErr = err
	}
	var connErr *mcp.ConnectionError
	require.ErrorAs(t, streamErr, &connErr)
}

func TestSSEServerMultipleClients(t *testing.T) {
	f := newSSEFixture(t)

	const clients = 10

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		clientStreams []mcp.Stream
	)
	for range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, err := mcp.NewSSEClient(f.httpServer.URL+"/sse", f.httpServer.Client()).Connect(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			clientStreams = append(clientStreams, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for range clients {
		ids[f.nextStream(t).ID()] = true
	}
	assert.Len(t, ids, clients)

	for _, s := range clientStreams {
		s.Stop()
	}
}
