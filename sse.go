package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// Every GET to the HandleSSE handler opens a stream. The first event on it, of type
// "endpoint", carries the URL the client must POST its messages to; every later event
// carries one JSON-RPC message. HandleMessage answers accepted POSTs with 202 Accepted.
//
// Instances should be created using NewSSEServer and properly shut down using Shutdown
// when no longer needed.
type SSEServer struct {
	messagePath    string
	logger         *slog.Logger
	originPatterns []string
	allowedOrigins []glob.Glob
	maxBodySize    int64

	mu      sync.Mutex
	streams map[string]*sseServerStream

	newStreams chan *sseServerStream
	iterating  atomic.Bool
	done       chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. Server-to-client
// messages arrive on a long-lived GET stream, and client-to-server messages are sent as
// HTTP POST requests to the endpoint announced by the server.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerStream struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs chan sseSendMsg
	frames   chan []byte

	done         chan struct{}
	disconnected chan struct{}
	sendClosed   chan struct{}
	stopOnce     sync.Once
}

type sseSendMsg struct {
	msg  *sse.Message
	errs chan error
}

type sseClientStream struct {
	id         string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	cancel     context.CancelFunc

	frames   chan []byte
	readDone chan struct{}
	readErr  error

	done     chan struct{}
	stopOnce sync.Once
}

type sseEndpoint struct {
	url string
	err error
}

const (
	sessionIDParam = "session_id"

	defaultMaxBodySize = 4 << 20
)

var (
	errSSEClientGone = errors.New("sse client disconnected")
	errNoEndpoint    = errors.New("stream ended before the endpoint event")
)

// NewSSEServer creates an SSE server whose endpoint events point clients at messagePath,
// the path the HandleMessage handler is mounted on. Allowed origin patterns are compiled
// here, so an invalid pattern is reported as an error.
func NewSSEServer(messagePath string, options ...SSEServerOption) (*SSEServer, error) {
	s := &SSEServer{
		messagePath: messagePath,
		logger:      slog.Default(),
		maxBodySize: defaultMaxBodySize,
		streams:     make(map[string]*sseServerStream),
		newStreams:  make(chan *sseServerStream),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	for _, p := range s.originPatterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", p, err)
		}
		s.allowedOrigins = append(s.allowedOrigins, g)
	}
	return s, nil
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "sse-server"),
		)
	}
}

// WithSSEServerAllowedOrigins restricts which browser origins may connect. Patterns use
// glob syntax, e.g. "http://localhost:*". Requests carrying an Origin header that matches
// no pattern are rejected with 403; requests without one are always allowed. Without any
// pattern every origin is allowed.
func WithSSEServerAllowedOrigins(patterns ...string) SSEServerOption {
	return func(s *SSEServer) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// WithSSEServerMaxBodySize limits the size of a POSTed message. Larger bodies are
// rejected with 413.
func WithSSEServerMaxBodySize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodySize = size
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "sse-client"),
		)
	}
}

// Streams returns an iterator that yields a Stream for every client that opens an SSE
// connection. The iteration ends when Shutdown is called.
func (s *SSEServer) Streams() iter.Seq[Stream] {
	return func(yield func(Stream) bool) {
		if !s.iterating.CompareAndSwap(false, true) {
			return
		}
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case st := <-s.newStreams:
				if !yield(st) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting streams, disconnects open SSE connections, and waits for the
// Streams loop to end.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown.
	s.closeOnce.Do(func() { close(s.done) })

	if !s.iterating.Load() {
		return nil
	}

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique stream IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects, the stream is stopped, or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.originAllowed(r) {
			s.logger.Warn("rejected SSE connection", slog.String("origin", r.Header.Get("Origin")))
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		// Received the request to establish a new SSE stream.
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		streamID := uuid.New().String()

		// Form a relative url for the client that can be used to post messages to this stream.
		endpoint := fmt.Sprintf("%s?%s=%s", s.messagePath, sessionIDParam, url.QueryEscape(streamID))

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE endpoint", "err", err)
			return
		}

		st := &sseServerStream{
			id:           streamID,
			sess:         sess,
			logger:       s.logger.With(slog.String("streamID", streamID)),
			sendMsgs:     make(chan sseSendMsg),
			frames:       make(chan []byte),
			done:         make(chan struct{}),
			disconnected: make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}
		go st.processSendMessages()

		s.mu.Lock()
		s.streams[streamID] = st
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.streams, streamID)
			s.mu.Unlock()
		}()

		// Feed the newStreams channel that would be consumed in Streams loop.
		select {
		case s.newStreams <- st:
		case <-s.done:
			close(st.disconnected)
			<-st.sendClosed
			return
		case <-r.Context().Done():
			close(st.disconnected)
			<-st.sendClosed
			return
		}

		s.logger.Debug("SSE stream opened", slog.String("streamID", streamID),
			slog.String("remoteAddr", r.RemoteAddr))

		// Block until the stream is finished, so the connection is left open.
		select {
		case <-st.done:
		case <-r.Context().Done():
		case <-s.done:
		}
		close(st.disconnected)

		// The response writer must not be touched after this handler returns.
		<-st.sendClosed

		s.logger.Debug("SSE stream closed", slog.String("streamID", streamID))
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a session_id query parameter and a JSON-RPC message body.
// Valid messages are routed to the matching Stream, and acknowledged with 202 Accepted
// once the stream has taken them.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.originAllowed(r) {
			s.logger.Warn("rejected message", slog.String("origin", r.Header.Get("Origin")))
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		streamID := r.URL.Query().Get(sessionIDParam)
		if streamID == "" {
			s.logger.Warn("missing session_id query parameter")
			http.Error(w, "missing session_id query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		st, ok := s.streams[streamID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
			return
		}

		if _, err := DecodeMessage(body); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Hand the frame over before acknowledging, so messages keep the order they were posted in.
		select {
		case st.frames <- bytes.TrimSpace(body):
		case <-st.done:
			http.Error(w, "session closed", http.StatusGone)
			return
		case <-st.disconnected:
			http.Error(w, "session closed", http.StatusGone)
			return
		case <-r.Context().Done():
			return
		}

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Accepted"))
	})
}

func (s *SSEServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	for _, g := range s.allowedOrigins {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

func (s *sseServerStream) ID() string { return s.id }

func (s *sseServerStream) Send(ctx context.Context, frame []byte) error {
	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(frame))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library.
	select {
	case s.sendMsgs <- sseSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errStreamStopped
	case <-s.disconnected:
		return errSSEClientGone
	}

	// Wait and return the error if any.
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errStreamStopped
	}
}

func (s *sseServerStream) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case frame := <-s.frames:
				if !yield(frame, nil) {
					return
				}
			case <-s.done:
				return
			case <-s.disconnected:
				return
			}
		}
	}
}

func (s *sseServerStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.sendClosed
	})
}

func (s *sseServerStream) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			// Send and flush the message to the client.
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		case <-s.disconnected:
			return
		}
	}
}

// Connect opens the SSE stream and waits for the server's endpoint event. The endpoint is
// resolved against the connect URL and must share its origin. ctx bounds the handshake
// only; the stream stays open until it is stopped.
func (s *SSEClient) Connect(ctx context.Context) (Stream, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return nil, &ConnectionError{URL: s.connectURL, Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	stopWatch := context.AfterFunc(ctx, cancel)
	defer stopWatch()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, &ConnectionError{URL: s.connectURL, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &ConnectionError{URL: s.connectURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{
			URL:        s.connectURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	st := &sseClientStream{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		logger:     s.logger,
		cancel:     cancel,
		frames:     make(chan []byte),
		readDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	endpoints := make(chan sseEndpoint, 1)
	go st.listenSSEMessages(resp.Body, base, s.readConfig(), endpoints)

	select {
	case ep := <-endpoints:
		if ep.err != nil {
			st.Stop()
			// A cancelled handshake also fails the read; report the cancellation.
			if ctxErr := ctx.Err(); ctxErr != nil {
				ep.err = ctxErr
			}
			return nil, &ConnectionError{URL: s.connectURL, Err: ep.err}
		}
		st.endpoint = ep.url
	case <-ctx.Done():
		st.Stop()
		return nil, &ConnectionError{URL: s.connectURL, Err: ctx.Err()}
	}

	s.logger.Debug("SSE stream connected", slog.String("endpoint", st.endpoint))

	return st, nil
}

func (s *SSEClient) readConfig() *sse.ReadConfig {
	if s.maxPayloadSize <= 0 {
		return nil
	}
	return &sse.ReadConfig{
		MaxEventSize: s.maxPayloadSize,
	}
}

func (s *sseClientStream) ID() string { return s.id }

// Send transmits one frame to the server through an HTTP POST request. Any status other
// than 2xx is reported as a *ConnectionError.
func (s *sseClientStream) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.done:
		return errStreamStopped
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{URL: s.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ConnectionError{
			URL:        s.endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("message rejected: %s", strings.TrimSpace(string(msg))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

func (s *sseClientStream) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case frame := <-s.frames:
				if !yield(frame, nil) {
					return
				}
			case <-s.readDone:
				if s.readErr != nil {
					yield(nil, s.readErr)
				}
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseClientStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		<-s.readDone
	})
}

func (s *sseClientStream) listenSSEMessages(
	body io.ReadCloser,
	base *url.URL,
	config *sse.ReadConfig,
	endpoints chan<- sseEndpoint,
) {
	defer func() {
		body.Close()
		close(s.readDone)
	}()

	announced := false
	fail := func(err error) {
		if !announced {
			announced = true
			endpoints <- sseEndpoint{err: err}
			return
		}
		s.readErr = &ConnectionError{URL: base.String(), Err: err}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("failed to read SSE message", "err", err)
			fail(err)
			return
		}

		switch ev.Type {
		case "endpoint":
			if announced {
				s.logger.Warn("ignoring repeated endpoint event", slog.String("data", ev.Data))
				continue
			}
			endpoint, err := resolveEndpoint(base, ev.Data)
			if err != nil {
				fail(err)
				return
			}
			announced = true
			endpoints <- sseEndpoint{url: endpoint}
		case "", "message":
			// Messages are meaningless before the client knows where to answer.
			if !announced {
				s.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case s.frames <- []byte(ev.Data):
			case <-s.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	select {
	case <-s.done:
		return
	default:
	}
	if !announced {
		fail(errNoEndpoint)
		return
	}
	s.readErr = &ConnectionError{URL: base.String(), Err: errors.New("event stream closed by server")}
}

// resolveEndpoint resolves the endpoint announced by the server against the connect URL
// and rejects endpoints on another origin.
func resolveEndpoint(base *url.URL, data string) (string, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", errors.New("empty endpoint URL")
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	u := base.ResolveReference(ref)
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return "", fmt.Errorf("endpoint origin %s://%s does not match connection origin %s://%s",
			u.Scheme, u.Host, base.Scheme, base.Host)
	}
	return u.String(), nil
}
