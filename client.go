package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client. It opens a stream through its
// ClientTransport, runs the initialize handshake, and exposes the server's resources,
// tools, and prompts as typed calls.
//
// A Client must be created using NewClient() and requires Connect() (or Start() followed by
// Initialize()) before any operations can be performed. The client should be properly
// closed using Close() when it's no longer needed.
type Client struct {
	capabilities ClientCapabilities
	info         Info
	transport    ClientTransport

	notificationHandler NotificationHandler

	requestTimeout time.Duration
	sendTimeout    time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	session *Session
}

var (
	defaultClientRequestTimeout = 30 * time.Second
	defaultClientSendTimeout    = 30 * time.Second

	errClientNotStarted = errors.New("client not started")
)

// WithClientRequestTimeout sets how long a request waits for the server's response.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientSendTimeout sets the write timeout for a single message.
func WithClientSendTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.sendTimeout = timeout
	}
}

// WithClientNotificationHandler sets the handler for notifications sent by the server.
func WithClientNotificationHandler(handler NotificationHandler) ClientOption {
	return func(c *Client) {
		c.notificationHandler = handler
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new Model Context Protocol (MCP) client with the specified configuration.
//
// The info parameter provides client identification and version information. The transport
// parameter defines how the client communicates with the server.
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	if c.sendTimeout == 0 {
		c.sendTimeout = defaultClientSendTimeout
	}

	return c
}

// Connect opens the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) (InitializeResult, error) {
	if err := c.Start(ctx); err != nil {
		return InitializeResult{}, err
	}
	return c.Initialize(ctx)
}

// Start opens the transport and starts the session without initializing it.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return errors.New("client already started")
	}

	stream, err := c.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	options := []SessionOption{
		withPeer("server"),
		WithSessionLogger(c.logger),
		WithRequestTimeout(c.requestTimeout),
		WithSendTimeout(c.sendTimeout),
	}
	if c.notificationHandler != nil {
		options = append(options, WithNotificationHandler(c.notificationHandler))
	}
	c.session = NewSession(stream, options...)

	return nil
}

// Initialize performs the MCP handshake on a started client. It verifies that the server
// speaks a supported protocol revision.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	sess, err := c.currentSession()
	if err != nil {
		return InitializeResult{}, err
	}

	result, err := sess.Initialize(ctx, InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return InitializeResult{}, err
	}

	c.logger.Debug("session initialized",
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocolVersion", result.ProtocolVersion))

	return result, nil
}

// ListPrompts retrieves one page of available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListParams) (ListPromptsResult, error) {
	if err := c.requireCapability(KindPrompt); err != nil {
		return ListPromptsResult{}, err
	}
	var result ListPromptsResult
	if err := c.call(ctx, MethodPromptsList, params, &result); err != nil {
		return ListPromptsResult{}, err
	}
	return result, nil
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.requireCapability(KindPrompt); err != nil {
		return GetPromptResult{}, err
	}
	var result GetPromptResult
	if err := c.call(ctx, MethodPromptsGet, params, &result); err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

// ListResources retrieves one page of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListParams) (ListResourcesResult, error) {
	if err := c.requireCapability(KindResource); err != nil {
		return ListResourcesResult{}, err
	}
	var result ListResourcesResult
	if err := c.call(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ReadResource retrieves the contents of a resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.requireCapability(KindResource); err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if err := c.call(ctx, MethodResourcesRead, params, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// ListTools retrieves one page of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListParams) (ListToolsResult, error) {
	if err := c.requireCapability(KindTool); err != nil {
		return ListToolsResult{}, err
	}
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool executes a specific tool and returns its result. Argument validation failures
// and handler failures are returned as *InvocationError; errors.Is reports
// ErrUnknownCapability for a tool the server doesn't have.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.requireCapability(KindTool); err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ListCapabilities retrieves every capability of a kind, following pagination cursors
// until the server reports the last page. Order is the server's listing order.
func (c *Client) ListCapabilities(ctx context.Context, kind CapabilityKind) ([]Capability, error) {
	var caps []Capability
	params := ListParams{}
	for {
		var next string
		switch kind {
		case KindTool:
			res, err := c.ListTools(ctx, params)
			if err != nil {
				return nil, err
			}
			for _, t := range res.Tools {
				caps = append(caps, Capability{
					Kind: kind, Name: t.Name, Description: t.Description, InputSchema: t.InputSchema,
				})
			}
			next = res.NextCursor
		case KindResource:
			res, err := c.ListResources(ctx, params)
			if err != nil {
				return nil, err
			}
			for _, r := range res.Resources {
				caps = append(caps, Capability{
					Kind: kind, Name: r.Name, Description: r.Description, URI: r.URI, MimeType: r.MimeType,
				})
			}
			next = res.NextCursor
		case KindPrompt:
			res, err := c.ListPrompts(ctx, params)
			if err != nil {
				return nil, err
			}
			for _, p := range res.Prompts {
				caps = append(caps, Capability{
					Kind: kind, Name: p.Name, Description: p.Description, Arguments: p.Arguments,
				})
			}
			next = res.NextCursor
		default:
			return nil, fmt.Errorf("unknown capability kind %d", kind)
		}
		if next == "" {
			return caps, nil
		}
		params.Cursor = next
	}
}

// Invoke runs a capability by kind and name and returns its content. Resources are
// addressed by URI, tools receive args as their arguments, and prompts receive args
// converted to strings. A tool result flagged as an error is returned as *InvocationError.
func (c *Client) Invoke(ctx context.Context, kind CapabilityKind, name string, args map[string]any) ([]Content, error) {
	switch kind {
	case KindResource:
		res, err := c.ReadResource(ctx, ReadResourceParams{URI: name})
		if err != nil {
			return nil, err
		}
		contents := make([]Content, 0, len(res.Contents))
		for _, rc := range res.Contents {
			if rc.Blob != "" {
				contents = append(contents, Content{Type: ContentTypeImage, Data: rc.Blob, MimeType: rc.MimeType})
				continue
			}
			contents = append(contents, Content{Type: ContentTypeText, Text: rc.Text, MimeType: rc.MimeType})
		}
		return contents, nil
	case KindTool:
		res, err := c.CallTool(ctx, CallToolParams{Name: name, Arguments: args})
		if err != nil {
			return nil, err
		}
		if res.IsError {
			return nil, &InvocationError{Code: jsonRPCInternalErrorCode, Message: contentText(res.Content)}
		}
		return res.Content, nil
	case KindPrompt:
		promptArgs := make(map[string]string, len(args))
		for k, v := range args {
			promptArgs[k] = fmt.Sprint(v)
		}
		res, err := c.GetPrompt(ctx, GetPromptParams{Name: name, Arguments: promptArgs})
		if err != nil {
			return nil, err
		}
		contents := make([]Content, len(res.Messages))
		for i, m := range res.Messages {
			contents[i] = m.Content
		}
		return contents, nil
	default:
		return nil, fmt.Errorf("unknown capability kind %d", kind)
	}
}

// Ping checks that the server is responsive. It is allowed before initialization.
func (c *Client) Ping(ctx context.Context) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	return sess.Call(ctx, methodPing, nil, nil)
}

// ServerInfo returns the server's info as reported by the handshake.
func (c *Client) ServerInfo() Info {
	return c.handshake().ServerInfo
}

// ServerCapabilities returns the capabilities the server announced in the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.handshake().Capabilities
}

func (c *Client) handshake() InitializeResult {
	sess := c.Session()
	if sess == nil {
		return InitializeResult{}
	}
	return sess.HandshakeResult()
}

// Session returns the underlying session, or nil before Start.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close closes the session and its transport stream. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

func (c *Client) currentSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, errClientNotStarted
	}
	return c.session, nil
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	return sess.Call(ctx, method, params, result)
}

func (c *Client) requireCapability(kind CapabilityKind) error {
	sess, err := c.currentSession()
	if err != nil {
		return err
	}
	if sess.State() != StateReady {
		// Let the session report the exact state.
		return nil
	}

	caps := sess.HandshakeResult().Capabilities
	var supported bool
	switch kind {
	case KindPrompt:
		supported = caps.Prompts != nil
	case KindResource:
		supported = caps.Resources != nil
	case KindTool:
		supported = caps.Tools != nil
	}
	if !supported {
		return fmt.Errorf("%ss not supported by server", kind)
	}
	return nil
}

func contentText(contents []Content) string {
	texts := make([]string, 0, len(contents))
	for _, c := range contents {
		if c.Type == ContentTypeText {
			texts = append(texts, c.Text)
		}
	}
	return strings.Join(texts, "\n")
}
