package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/TangGee/go-mcp-quiz/internal/logctx"
	invopop "github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/qri-io/jsonschema"
)

// CapabilityKind distinguishes the three kinds of server capabilities.
type CapabilityKind int

// Handler produces the content of a capability. Resources are invoked with nil args.
type Handler func(ctx context.Context, args map[string]any) ([]Content, error)

// RegisterOption configures a capability at registration.
type RegisterOption func(*Capability)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// Capability is a named resource, tool, or prompt together with its handler. It is
// immutable once registered.
type Capability struct {
	Kind        CapabilityKind
	Name        string
	Description string

	// URI and MimeType describe resources.
	URI      string
	MimeType string

	// InputSchema is the JSON Schema tool arguments must satisfy.
	InputSchema json.RawMessage

	// Arguments lists the arguments a prompt accepts.
	Arguments []PromptArgument

	handler Handler
	schema  *jsonschema.Schema
}

// Registry maps capability names to handlers, per kind. Names are unique within a kind and
// listings preserve registration order. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	byName  map[CapabilityKind]map[string]*Capability
	ordered map[CapabilityKind][]*Capability
}

// Capability kinds.
const (
	KindResource CapabilityKind = iota
	KindTool
	KindPrompt
)

var (
	emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

	errNilHandler = errors.New("handler must not be nil")
)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "registry"),
		)
	}
}

// WithInputSchema sets the JSON Schema a tool's arguments are validated against. Tools
// without one accept any object.
func WithInputSchema(schema json.RawMessage) RegisterOption {
	return func(c *Capability) {
		c.InputSchema = schema
	}
}

// WithURI sets the URI of a resource. Resources without one are addressed by name.
func WithURI(uri string) RegisterOption {
	return func(c *Capability) {
		c.URI = uri
	}
}

// WithMimeType sets the MIME type of a resource's content.
func WithMimeType(mimeType string) RegisterOption {
	return func(c *Capability) {
		c.MimeType = mimeType
	}
}

// WithPromptArguments declares the arguments a prompt accepts. Required arguments are
// checked before the handler runs.
func WithPromptArguments(args ...PromptArgument) RegisterOption {
	return func(c *Capability) {
		c.Arguments = append(c.Arguments, args...)
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		logger:  slog.Default(),
		byName:  make(map[CapabilityKind]map[string]*Capability),
		ordered: make(map[CapabilityKind][]*Capability),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds a capability. A name already registered for the kind is rejected with
// *DuplicateNameError and the existing registration stays active. A tool input schema
// that doesn't compile is rejected too.
func (r *Registry) Register(
	kind CapabilityKind,
	name, description string,
	handler Handler,
	options ...RegisterOption,
) error {
	if name == "" {
		return fmt.Errorf("%s name must not be empty", kind)
	}
	if handler == nil {
		return fmt.Errorf("%s %q: %w", kind, name, errNilHandler)
	}

	c := &Capability{
		Kind:        kind,
		Name:        name,
		Description: description,
		handler:     handler,
	}
	for _, opt := range options {
		opt(c)
	}

	switch kind {
	case KindTool:
		if len(c.InputSchema) == 0 {
			c.InputSchema = emptyObjectSchema
		}
		schema := &jsonschema.Schema{}
		if err := json.Unmarshal(c.InputSchema, schema); err != nil {
			return fmt.Errorf("invalid input schema for tool %q: %w", name, err)
		}
		c.schema = schema
	case KindResource:
		if c.URI == "" {
			c.URI = name
		}
	case KindPrompt:
	default:
		return fmt.Errorf("unknown capability kind %d", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names, ok := r.byName[kind]
	if !ok {
		names = make(map[string]*Capability)
		r.byName[kind] = names
	}
	if _, ok := names[name]; ok {
		return &DuplicateNameError{Kind: kind, Name: name}
	}
	names[name] = c
	r.ordered[kind] = append(r.ordered[kind], c)

	r.logger.Debug("registered capability", slog.String("kind", kind.String()), slog.String("name", name))

	return nil
}

// List returns the capabilities of a kind in registration order.
func (r *Registry) List(kind CapabilityKind) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, len(r.ordered[kind]))
	for i, c := range r.ordered[kind] {
		caps[i] = *c
	}
	return caps
}

// Len returns the number of capabilities registered for kind.
func (r *Registry) Len(kind CapabilityKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered[kind])
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(kind CapabilityKind, name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[kind][name]
	if !ok {
		return Capability{}, false
	}
	return *c, true
}

// ResourceByURI returns the resource registered with uri.
func (r *Registry) ResourceByURI(uri string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.ordered[KindResource] {
		if c.URI == uri {
			return *c, true
		}
	}
	return Capability{}, false
}

// Invoke runs the handler of the named capability. An unregistered name yields
// *UnknownCapabilityError. Tool arguments are validated against the input schema and
// prompt arguments against the declared required arguments, yielding *ValidationError.
// Handler failures, including panics, are returned as *InvocationError.
func (r *Registry) Invoke(ctx context.Context, kind CapabilityKind, name string, args map[string]any) ([]Content, error) {
	r.mu.RLock()
	c, ok := r.byName[kind][name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownCapabilityError{Kind: kind, Name: name}
	}

	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: kind.String(), Name: name})

	if err := c.validate(ctx, args); err != nil {
		r.logger.InfoContext(ctx, "rejected arguments", slog.String("err", err.Error()))
		return nil, err
	}

	contents, err := c.call(ctx, args)
	if err != nil {
		r.logger.WarnContext(ctx, "capability failed", slog.String("err", err.Error()))
		return nil, err
	}
	return contents, nil
}

func (c *Capability) validate(ctx context.Context, args map[string]any) error {
	switch c.Kind {
	case KindTool:
		if args == nil {
			args = map[string]any{}
		}
		argsBs, err := json.Marshal(args)
		if err != nil {
			return &ValidationError{Name: c.Name, Problems: []string{err.Error()}}
		}
		keyErrs, err := c.schema.ValidateBytes(ctx, argsBs)
		if err != nil {
			return &ValidationError{Name: c.Name, Problems: []string{err.Error()}}
		}
		if len(keyErrs) == 0 {
			return nil
		}
		problems := make([]string, len(keyErrs))
		for i, ke := range keyErrs {
			if ke.PropertyPath == "" || ke.PropertyPath == "/" {
				problems[i] = ke.Message
				continue
			}
			problems[i] = fmt.Sprintf("%s: %s", ke.PropertyPath, ke.Message)
		}
		return &ValidationError{Name: c.Name, Problems: problems}
	case KindPrompt:
		var problems []string
		for _, arg := range c.Arguments {
			if !arg.Required {
				continue
			}
			if v, ok := args[arg.Name]; !ok || v == nil || v == "" {
				problems = append(problems, fmt.Sprintf("missing required argument %q", arg.Name))
			}
		}
		if len(problems) > 0 {
			return &ValidationError{Name: c.Name, Problems: problems}
		}
	}
	return nil
}

func (c *Capability) call(ctx context.Context, args map[string]any) (contents []Content, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InvocationError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("%s %q panicked: %v", c.Kind, c.Name, r),
			}
		}
	}()

	contents, err = c.handler(ctx, args)
	if err == nil {
		return contents, nil
	}

	var invalid *ValidationError
	if errors.As(err, &invalid) {
		if invalid.Name == "" {
			invalid.Name = c.Name
		}
		return nil, invalid
	}
	var inv *InvocationError
	if errors.As(err, &inv) {
		return nil, err
	}
	return nil, &InvocationError{
		Code:    jsonRPCInternalErrorCode,
		Message: fmt.Sprintf("%s %q failed: %v", c.Kind, c.Name, err),
		Err:     err,
	}
}

// Tool returns the descriptor advertised by tools/list.
func (c Capability) Tool() Tool {
	return Tool{
		Name:        c.Name,
		Description: c.Description,
		InputSchema: c.InputSchema,
	}
}

// Resource returns the descriptor advertised by resources/list.
func (c Capability) Resource() Resource {
	return Resource{
		URI:         c.URI,
		Name:        c.Name,
		Description: c.Description,
		MimeType:    c.MimeType,
	}
}

// Prompt returns the descriptor advertised by prompts/list.
func (c Capability) Prompt() Prompt {
	return Prompt{
		Name:        c.Name,
		Description: c.Description,
		Arguments:   c.Arguments,
	}
}

// TextContent returns a text content block.
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// TypedHandler adapts a handler taking a typed argument struct. The argument map is
// decoded into A using the struct's json tags; unknown keys and values that can't be
// converted are reported as *ValidationError.
func TypedHandler[A any](fn func(ctx context.Context, args A) ([]Content, error)) Handler {
	return func(ctx context.Context, args map[string]any) ([]Content, error) {
		var a A
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           &a,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(args); err != nil {
			return nil, &ValidationError{Problems: []string{err.Error()}}
		}
		return fn(ctx, a)
	}
}

// ReflectSchema reflects the JSON Schema of an argument struct. Fields are required unless
// tagged omitempty, and unknown properties are rejected.
func ReflectSchema[A any]() (json.RawMessage, error) {
	r := &invopop.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: false,
	}
	t := reflect.TypeFor[A]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("arguments of type %s must be a struct", t)
	}
	s := r.ReflectFromType(t)
	if s == nil || s.Type != "object" {
		return nil, fmt.Errorf("arguments of type %s must reflect to an object schema", t)
	}
	s.Version = ""

	bs, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bs, nil
}

// RegisterTool registers a tool whose arguments are the typed struct A. The input schema
// is reflected from A and arguments are decoded into it before fn runs.
func RegisterTool[A any](
	r *Registry,
	name, description string,
	fn func(ctx context.Context, args A) ([]Content, error),
) error {
	schema, err := ReflectSchema[A]()
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}
	return r.Register(KindTool, name, description, TypedHandler(fn), WithInputSchema(schema))
}

func (k CapabilityKind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindTool:
		return "tool"
	case KindPrompt:
		return "prompt"
	default:
		return fmt.Sprintf("CapabilityKind(%d)", int(k))
	}
}
