package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TangGee/go-mcp-quiz/internal/logctx"
)

// SessionState is the lifecycle stage of a Session.
type SessionState int

// RequestHandler answers a request received from the peer. The returned value is encoded
// as the response result. A returned error is sent as the response error; see
// toJSONRPCError for the code mapping. The context is cancelled when the peer cancels the
// request or the session closes, and in that case no response is sent.
type RequestHandler func(ctx context.Context, msg JSONRPCMessage) (any, error)

// NotificationHandler receives notifications from the peer that the session doesn't
// consume itself.
type NotificationHandler func(ctx context.Context, msg JSONRPCMessage)

// SessionOption configures a Session.
type SessionOption func(*Session)

// Session runs the JSON-RPC exchange over one Stream. It correlates outgoing requests with
// their responses, dispatches incoming requests and notifications, and tracks the MCP
// initialization handshake.
//
// A single goroutine reads the stream. Requests and notifications from the peer are
// handled on their own goroutines, so a slow handler never delays the resolution of other
// responses. Call, Notify, and Close are safe for concurrent use.
type Session struct {
	stream Stream
	logger *slog.Logger
	peer   string

	requestHandler      RequestHandler
	notificationHandler NotificationHandler
	requestTimeout      time.Duration
	sendTimeout         time.Duration
	strictDecoding      bool

	mu        sync.Mutex
	state     SessionState
	handshake InitializeResult
	pending   map[RequestID]chan JSONRPCMessage
	inflight  map[RequestID]context.CancelFunc
	cause     error

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopOnce   sync.Once
	done       chan struct{}
}

// Session states. Any state may move directly to StateClosed.
const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateReady
	StateClosed
)

var (
	defaultRequestTimeout = 30 * time.Second
	defaultSendTimeout    = 30 * time.Second
)

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRequestHandler sets the handler for requests received from the peer. Without one,
// every request other than ping is answered with a method-not-found error.
func WithRequestHandler(handler RequestHandler) SessionOption {
	return func(s *Session) {
		s.requestHandler = handler
	}
}

// WithNotificationHandler sets the handler for notifications received from the peer.
func WithNotificationHandler(handler NotificationHandler) SessionOption {
	return func(s *Session) {
		s.notificationHandler = handler
	}
}

// WithRequestTimeout sets how long Call waits for a response. Zero or negative disables
// the timeout, leaving only the caller's context.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithSendTimeout sets how long writing a single frame may take.
func WithSendTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.sendTimeout = timeout
	}
}

// WithStrictDecoding makes an undecodable frame close the session instead of being logged
// and skipped.
func WithStrictDecoding() SessionOption {
	return func(s *Session) {
		s.strictDecoding = true
	}
}

// withPeer names the other end of the session in log records.
func withPeer(peer string) SessionOption {
	return func(s *Session) {
		s.peer = peer
	}
}

// NewSession takes ownership of stream and starts reading from it. The session is
// Uninitialized until Initialize succeeds, or, on the serving side, until the peer
// completes the handshake.
func NewSession(stream Stream, options ...SessionOption) *Session {
	s := &Session{
		stream:         stream,
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		sendTimeout:    defaultSendTimeout,
		pending:        make(map[RequestID]chan JSONRPCMessage),
		inflight:       make(map[RequestID]context.CancelFunc),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if _, ok := s.logger.Handler().(logctx.Handler); !ok {
		s.logger = slog.New(logctx.Handler{Handler: s.logger.Handler()})
	}
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: stream.ID(),
		Peer:      s.peer,
	})
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)

	go s.run()

	return s
}

// ID returns the identifier of the underlying stream.
func (s *Session) ID() string {
	return s.stream.ID()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has stopped reading and every outstanding request has
// been resolved.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HandshakeResult returns the server's answer to a successful Initialize. It is set before
// the session reports StateReady.
func (s *Session) HandshakeResult() InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// Err returns the reason the stream ended, or nil while the session is open or when it
// ended cleanly.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Initialize performs the client side of the MCP handshake: it sends the initialize
// request, checks the negotiated protocol version, and sends notifications/initialized.
// It may only be called once; later calls return ErrAlreadyInitialized and leave the
// session untouched. A failed handshake closes the session.
func (s *Session) Initialize(ctx context.Context, params InitializeParams) (InitializeResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return InitializeResult{}, s.closedErr()
	case StateUninitialized:
		s.state = StateInitializing
	default:
		s.mu.Unlock()
		return InitializeResult{}, ErrAlreadyInitialized
	}
	s.mu.Unlock()

	if params.ProtocolVersion == "" {
		params.ProtocolVersion = LatestProtocolVersion
	}

	var result InitializeResult
	if err := s.request(ctx, methodInitialize, params, &result); err != nil {
		s.Close()
		return InitializeResult{}, fmt.Errorf("failed to initialize: %w", err)
	}
	if !supportsProtocolVersion(result.ProtocolVersion) {
		s.Close()
		return InitializeResult{}, fmt.Errorf("protocol version mismatch: server replied %q", result.ProtocolVersion)
	}
	if err := s.Notify(ctx, methodNotificationsInitialized, nil); err != nil {
		s.Close()
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	s.mu.Lock()
	if s.state == StateInitializing {
		s.handshake = result
		s.state = StateReady
	}
	s.mu.Unlock()

	return result, nil
}

// Call sends a request and waits for its response, decoding the result into result when
// it is non-nil. The session must be Ready, except for ping.
//
// An error response is returned as *InvocationError. If ctx is cancelled first the peer
// is told to abandon the request and ErrCancelled is returned; an expired deadline, the
// session's request timeout, or the send timeout yields *TimeoutError. This holds whether
// the context ends while the frame is being written or while waiting for the response. If the stream ends while waiting the
// error wraps ErrConnectionClosed.
func (s *Session) Call(ctx context.Context, method string, params any, result any) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return s.closedErr()
	case method != methodPing && state != StateReady:
		return ErrNotReady
	}

	return s.request(ctx, method, params, result)
}

// Notify sends a notification. It returns once the frame is written.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.State() == StateClosed {
		return s.closedErr()
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	return s.send(ctx, msg)
}

// Close stops the stream and waits for the read loop to resolve every outstanding request
// with ErrConnectionClosed. It is safe to call more than once and from any state.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.stop()
	<-s.done
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.baseCancel()
		s.stream.Stop()
	})
}

func (s *Session) request(ctx context.Context, method string, params any, result any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      StringID(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	// Buffered so the read loop never blocks on a caller that already gave up.
	results := make(chan JSONRPCMessage, 1)
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return s.closedErr()
	}
	s.pending[msg.ID] = results
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}()

	if err := s.send(ctx, msg); err != nil {
		switch {
		case s.State() == StateClosed:
			return s.closedErr()
		case ctx.Err() != nil:
			return abandonedErr(ctx, method)
		case errors.Is(err, context.DeadlineExceeded):
			return &TimeoutError{Method: method, Timeout: s.sendTimeout}
		}
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}

	var timeout <-chan time.Time
	if s.requestTimeout > 0 {
		timer := time.NewTimer(s.requestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res, ok := <-results:
		if !ok {
			return s.closedErr()
		}
		if res.Error != nil {
			return fromJSONRPCError(res.Error)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(res.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.cancelRemote(msg.ID, timeoutReason)
		} else {
			s.cancelRemote(msg.ID, userCancelledReason)
		}
		return abandonedErr(ctx, method)
	case <-timeout:
		s.cancelRemote(msg.ID, timeoutReason)
		return &TimeoutError{Method: method, Timeout: s.requestTimeout}
	}
}

// abandonedErr reports why the caller's context ended.
func abandonedErr(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Method: method}
	}
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// cancelRemote tells the peer to abandon a request. Failures are only logged, the caller
// has already given up on the response.
func (s *Session) cancelRemote(id RequestID, reason string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.sendTimeout)
	defer cancel()

	if err := s.Notify(ctx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	}); err != nil {
		s.logger.DebugContext(ctx, "failed to send cancellation", slog.String("requestID", id.String()),
			slog.String("err", err.Error()))
	}
}

func (s *Session) send(ctx context.Context, msg JSONRPCMessage) error {
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if s.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sendTimeout)
		defer cancel()
	}
	return s.stream.Send(ctx, frame)
}

func (s *Session) run() {
	var cause error

	// This loop breaks when the stream ends or is stopped.
	for frame, err := range s.stream.Frames() {
		if err != nil {
			cause = err
			break
		}

		msg, err := DecodeMessage(frame)
		if err != nil {
			if s.strictDecoding {
				cause = err
				break
			}
			s.logger.WarnContext(s.baseCtx, "skipping undecodable message", slog.String("err", err.Error()))
			continue
		}

		switch msg.Kind() {
		case MessageResponse:
			s.handleResponse(msg)
		case MessageRequest:
			s.handleRequest(msg)
		case MessageNotification:
			s.handleNotification(msg)
		}
	}

	s.stop()

	s.mu.Lock()
	s.state = StateClosed
	if cause != nil && s.cause == nil {
		s.cause = cause
	}
	pending := s.pending
	s.pending = make(map[RequestID]chan JSONRPCMessage)
	s.mu.Unlock()

	if cause != nil {
		s.logger.WarnContext(s.baseCtx, "session stream ended", slog.String("err", cause.Error()))
	} else {
		s.logger.DebugContext(s.baseCtx, "session stream ended")
	}

	for _, results := range pending {
		close(results)
	}
	close(s.done)
}

func (s *Session) handleResponse(msg JSONRPCMessage) {
	s.mu.Lock()
	results, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.WarnContext(s.baseCtx, "discarding response with unknown id", slog.String("id", msg.ID.String()))
		return
	}
	results <- msg
}

func (s *Session) handleRequest(msg JSONRPCMessage) {
	ctx := logctx.WithRPCMessage(s.baseCtx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   MessageRequest.String(),
	})

	if msg.Method == methodPing {
		go s.reply(ctx, msg.ID, struct{}{}, nil)
		return
	}

	s.mu.Lock()
	var rejection error
	switch {
	case msg.Method == methodInitialize && s.state != StateUninitialized:
		rejection = ErrAlreadyInitialized
	case msg.Method != methodInitialize && s.state != StateReady:
		rejection = ErrNotReady
	}
	if rejection != nil {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "rejecting request", slog.String("err", rejection.Error()))
		go s.reply(ctx, msg.ID, nil, &JSONRPCError{Code: jsonRPCInvalidRequestCode, Message: rejection.Error()})
		return
	}
	if s.requestHandler == nil {
		s.mu.Unlock()
		go s.reply(ctx, msg.ID, nil, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		})
		return
	}
	if msg.Method == methodInitialize {
		s.state = StateInitializing
	}
	reqCtx, cancel := context.WithCancel(ctx)
	s.inflight[msg.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, msg.ID)
			s.mu.Unlock()
			cancel()
		}()

		result, err := s.requestHandler(reqCtx, msg)
		if reqCtx.Err() != nil {
			// Cancelled by the peer or by Close: nobody is waiting for the answer.
			s.logger.DebugContext(ctx, "request abandoned", slog.String("err", reqCtx.Err().Error()))
			return
		}
		if err != nil {
			if msg.Method == methodInitialize {
				s.mu.Lock()
				if s.state == StateInitializing {
					s.state = StateUninitialized
				}
				s.mu.Unlock()
			}
			s.logger.InfoContext(ctx, "request failed", slog.String("err", err.Error()))
			s.reply(ctx, msg.ID, nil, toJSONRPCError(err))
			return
		}
		s.reply(ctx, msg.ID, result, nil)
	}()
}

func (s *Session) reply(ctx context.Context, id RequestID, result any, jErr *JSONRPCError) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   jErr,
	}
	if jErr == nil {
		resBs, err := json.Marshal(result)
		if err != nil {
			msg.Error = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("failed to marshal result: %v", err),
			}
		} else {
			msg.Result = resBs
		}
	}

	if err := s.send(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "failed to send response", slog.String("err", err.Error()))
	}
}

func (s *Session) handleNotification(msg JSONRPCMessage) {
	ctx := logctx.WithRPCMessage(s.baseCtx, &logctx.RPCMessage{
		Method: msg.Method,
		Type:   MessageNotification.String(),
	})

	switch msg.Method {
	case methodNotificationsInitialized:
		s.mu.Lock()
		if s.state == StateInitializing {
			s.state = StateReady
		}
		s.mu.Unlock()
		return
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.WarnContext(ctx, "invalid cancellation params", slog.String("err", err.Error()))
			return
		}
		s.mu.Lock()
		cancel, ok := s.inflight[params.RequestID]
		s.mu.Unlock()
		if ok {
			s.logger.DebugContext(ctx, "peer cancelled request",
				slog.String("requestID", params.RequestID.String()),
				slog.String("reason", params.Reason))
			cancel()
		}
		return
	}

	if s.notificationHandler == nil {
		s.logger.DebugContext(ctx, "ignoring notification")
		return
	}
	go s.notificationHandler(ctx, msg)
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	cause := s.cause
	s.mu.Unlock()

	if cause == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
