package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes the capabilities
// of a Registry to every client that connects through its ServerTransport. Each
// connection gets its own Session; a failing session never affects the others.
type Server struct {
	info      Info
	registry  *Registry
	transport ServerTransport

	instructions   string
	pageSize       int
	requestTimeout time.Duration
	sendTimeout    time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	mu                sync.Mutex
	sessions          map[string]*Session

	shutdownOnce sync.Once
	done         chan struct{}
}

type serverSession struct {
	id     string
	server *Server
	logger *slog.Logger
}

var (
	defaultServerRequestTimeout = 30 * time.Second
	defaultServerSendTimeout    = 30 * time.Second
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
// The capabilities announced to clients are derived from what the registry holds at the
// time each client initializes.
func NewServer(info Info, registry *Registry, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		registry:          registry,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		sessions:          make(map[string]*Session),
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaultServerRequestTimeout
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	return s
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPageSize returns a ServerOption that splits list results into pages of at
// most size entries. Zero, the default, returns everything in one page.
func WithServerPageSize(size int) ServerOption {
	return func(s *Server) {
		s.pageSize = size
	}
}

// WithServerRequestTimeout returns a ServerOption that configures how long the server
// waits for responses to its own requests, such as ping.
func WithServerRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes the
// initialize request. The callback's parameter is the ID and Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts streams from the transport and runs a session for each of them.
//
// Serve blocks until the transport stops yielding streams, which happens after Shutdown.
func (s *Server) Serve() {
	// This loop would break when the transport is closed.
	for stream := range s.transport.Streams() {
		select {
		case <-s.done:
			stream.Stop()
			continue
		default:
		}

		ss := &serverSession{
			id:     stream.ID(),
			server: s,
			logger: s.logger.With(slog.String("sessionID", stream.ID())),
		}
		sess := NewSession(stream,
			withPeer("client"),
			WithSessionLogger(s.logger),
			WithRequestHandler(ss.handle),
			WithRequestTimeout(s.requestTimeout),
			WithSendTimeout(s.sendTimeout),
		)

		s.sessionsWaitGroup.Add(1)
		s.mu.Lock()
		s.sessions[ss.id] = sess
		s.mu.Unlock()

		// Shutdown may have taken its snapshot of the sessions already.
		select {
		case <-s.done:
			sess.Close()
		default:
		}

		ss.logger.Debug("client stream opened")

		go func() {
			defer s.sessionsWaitGroup.Done()

			<-sess.Done()

			s.mu.Lock()
			delete(s.sessions, ss.id)
			s.mu.Unlock()

			if err := sess.Err(); err != nil {
				ss.logger.Info("client session ended", slog.String("err", err.Error()))
			} else {
				ss.logger.Debug("client session ended")
			}
			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.id)
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active sessions and
// shutting the transport down. It returns an error if the transport fails to shut down or
// if the context is cancelled before the shutdown completes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	// Wait for all sessions to finish.
	waited := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(waited)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-waited:
	}

	// Close the transport so the Streams loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

func (s *Server) capabilities() ServerCapabilities {
	caps := ServerCapabilities{}
	if s.registry.Len(KindPrompt) > 0 {
		caps.Prompts = &PromptsCapability{}
	}
	if s.registry.Len(KindResource) > 0 {
		caps.Resources = &ResourcesCapability{}
	}
	if s.registry.Len(KindTool) > 0 {
		caps.Tools = &ToolsCapability{}
	}
	return caps
}

func (ss *serverSession) handle(ctx context.Context, msg JSONRPCMessage) (any, error) {
	s := ss.server

	switch msg.Method {
	case methodInitialize:
		return ss.handleInitialize(msg)
	case MethodToolsList:
		var params ListParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		page, next, err := paginate(s.registry.List(KindTool), params.Cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		tools := make([]Tool, len(page))
		for i, c := range page {
			tools[i] = c.Tool()
		}
		return ListToolsResult{Tools: tools, NextCursor: next}, nil
	case MethodToolsCall:
		var params CallToolParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		contents, err := s.registry.Invoke(ctx, KindTool, params.Name, params.Arguments)
		if err != nil {
			return nil, err
		}
		return CallToolResult{Content: nonNilContents(contents)}, nil
	case MethodResourcesList:
		var params ListParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		page, next, err := paginate(s.registry.List(KindResource), params.Cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		resources := make([]Resource, len(page))
		for i, c := range page {
			resources[i] = c.Resource()
		}
		return ListResourcesResult{Resources: resources, NextCursor: next}, nil
	case MethodResourcesRead:
		var params ReadResourceParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		return ss.readResource(ctx, params)
	case MethodPromptsList:
		var params ListParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		page, next, err := paginate(s.registry.List(KindPrompt), params.Cursor, s.pageSize)
		if err != nil {
			return nil, err
		}
		prompts := make([]Prompt, len(page))
		for i, c := range page {
			prompts[i] = c.Prompt()
		}
		return ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
	case MethodPromptsGet:
		var params GetPromptParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		return ss.getPrompt(ctx, params)
	default:
		return nil, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %q not found", msg.Method),
		}
	}
}

func (ss *serverSession) handleInitialize(msg JSONRPCMessage) (any, error) {
	s := ss.server

	var params InitializeParams
	if err := decodeParams(msg, &params); err != nil {
		return nil, err
	}

	// Echo the client's revision when we speak it, otherwise offer ours and let the client
	// decide whether to disconnect.
	version := params.ProtocolVersion
	if !supportsProtocolVersion(version) {
		ss.logger.Info("client requested unsupported protocol version",
			slog.String("requested", version), slog.String("offered", LatestProtocolVersion))
		version = LatestProtocolVersion
	}

	ss.logger.Info("client initializing",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("protocolVersion", version))

	if s.onClientConnected != nil {
		s.onClientConnected(ss.id, params.ClientInfo)
	}

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities(),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (ss *serverSession) readResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	reg := ss.server.registry

	// Resources are addressed by URI, and by registered name as a fallback.
	c, ok := reg.ResourceByURI(params.URI)
	if !ok {
		c, ok = reg.Lookup(KindResource, params.URI)
	}
	if !ok {
		return ReadResourceResult{}, &UnknownCapabilityError{Kind: KindResource, Name: params.URI}
	}

	contents, err := reg.Invoke(ctx, KindResource, c.Name, nil)
	if err != nil {
		return ReadResourceResult{}, err
	}

	result := ReadResourceResult{Contents: make([]ResourceContents, 0, len(contents))}
	for _, content := range contents {
		mimeType := content.MimeType
		if mimeType == "" {
			mimeType = c.MimeType
		}
		rc := ResourceContents{URI: c.URI, MimeType: mimeType}
		if content.Type == ContentTypeText {
			rc.Text = content.Text
		} else {
			rc.Blob = content.Data
		}
		result.Contents = append(result.Contents, rc)
	}
	return result, nil
}

func (ss *serverSession) getPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	reg := ss.server.registry

	c, ok := reg.Lookup(KindPrompt, params.Name)
	if !ok {
		return GetPromptResult{}, &UnknownCapabilityError{Kind: KindPrompt, Name: params.Name}
	}

	args := make(map[string]any, len(params.Arguments))
	for k, v := range params.Arguments {
		args[k] = v
	}
	contents, err := reg.Invoke(ctx, KindPrompt, params.Name, args)
	if err != nil {
		return GetPromptResult{}, err
	}

	messages := make([]PromptMessage, len(contents))
	for i, content := range contents {
		messages[i] = PromptMessage{Role: RoleUser, Content: content}
	}
	return GetPromptResult{Description: c.Description, Messages: messages}, nil
}

func decodeParams(msg JSONRPCMessage, v any) error {
	if len(msg.Params) == 0 || string(msg.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("invalid params for %s: %v", msg.Method, err),
		}
	}
	return nil
}

// paginate returns the page of items starting at cursor, and the cursor of the next page
// or "" when this page is the last one. Cursors are opaque to clients.
func paginate[T any](items []T, cursor string, size int) ([]T, string, error) {
	offset := 0
	if cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(cursor)
		if err == nil {
			offset, err = strconv.Atoi(string(raw))
		}
		if err != nil || offset < 0 || offset > len(items) {
			return nil, "", &JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Sprintf("invalid cursor %q", cursor),
			}
		}
	}
	if size <= 0 || offset+size >= len(items) {
		return items[offset:], "", nil
	}
	end := offset + size
	return items[offset:end], base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(end))), nil
}

func nonNilContents(contents []Content) []Content {
	if contents == nil {
		return []Content{}
	}
	return contents
}
