package mcp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConnectionClosed is returned for requests that were outstanding, or attempted, after
	// the session's stream ended.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCancelled is returned when the caller's context is cancelled before a response arrives.
	ErrCancelled = errors.New("request cancelled")
	// ErrUnknownCapability matches any *UnknownCapabilityError, and any *InvocationError
	// carrying the unknown-capability code.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrInvalidArguments matches any *ValidationError, and any *InvocationError carrying
	// the invalid-params code.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrAlreadyInitialized is returned by a second Initialize on the same session.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrNotReady is returned when a request is attempted before the handshake completes.
	ErrNotReady = errors.New("session not ready")
)

// LaunchError reports that a child process could not be started, or exited right after start.
type LaunchError struct {
	Command string
	Err     error
}

// ConnectionError reports a failure to open or keep a streaming HTTP connection.
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

// DecodeError reports a frame that is not a valid JSON-RPC 2.0 message.
type DecodeError struct {
	Raw []byte
	Err error
}

// TimeoutError reports that no response arrived within the request timeout or the
// caller's deadline.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

// UnknownCapabilityError reports a lookup of a name that is not registered for the kind.
type UnknownCapabilityError struct {
	Kind CapabilityKind
	Name string
}

// DuplicateNameError reports a registration that reuses a name already taken for the kind.
type DuplicateNameError struct {
	Kind CapabilityKind
	Name string
}

// ValidationError reports arguments that don't satisfy a capability's input contract.
type ValidationError struct {
	Name     string
	Problems []string
}

// InvocationError reports a failed capability invocation. On the server it wraps the
// handler's error; on the client it carries the JSON-RPC error returned by the peer.
type InvocationError struct {
	Code    int
	Message string
	Data    map[string]any
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connection to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *TimeoutError) Error() string {
	if e.Timeout == 0 {
		return fmt.Sprintf("request %s timed out", e.Method)
	}
	return fmt.Sprintf("request %s timed out after %s", e.Method, e.Timeout)
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// Is matches ErrUnknownCapability.
func (e *UnknownCapabilityError) Is(target error) bool { return target == ErrUnknownCapability }

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s %q already registered", e.Kind, e.Name)
}

func (e *ValidationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("invalid arguments: %s", strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("invalid arguments for %q: %s", e.Name, strings.Join(e.Problems, "; "))
}

// Is matches ErrInvalidArguments.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidArguments }

func (e *InvocationError) Error() string {
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Is matches ErrUnknownCapability and ErrInvalidArguments by code, so errors that crossed
// the wire still compare like their server-side originals.
func (e *InvocationError) Is(target error) bool {
	switch target {
	case ErrUnknownCapability:
		return e.Code == unknownCapabilityCode
	case ErrInvalidArguments:
		return e.Code == jsonRPCInvalidParamsCode
	}
	return false
}

// toJSONRPCError maps a handler or registry error to the wire error object.
func toJSONRPCError(err error) *JSONRPCError {
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return &jErr
	}
	var jErrPtr *JSONRPCError
	if errors.As(err, &jErrPtr) {
		return jErrPtr
	}

	var unknown *UnknownCapabilityError
	if errors.As(err, &unknown) {
		return &JSONRPCError{
			Code:    unknownCapabilityCode,
			Message: err.Error(),
			Data:    map[string]any{"kind": unknown.Kind.String(), "name": unknown.Name},
		}
	}
	var invalid *ValidationError
	if errors.As(err, &invalid) {
		problems := make([]any, len(invalid.Problems))
		for i, p := range invalid.Problems {
			problems[i] = p
		}
		return &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
			Data:    map[string]any{"problems": problems},
		}
	}
	var inv *InvocationError
	if errors.As(err, &inv) {
		code := inv.Code
		if code == 0 {
			code = jsonRPCInternalErrorCode
		}
		return &JSONRPCError{Code: code, Message: inv.Message, Data: inv.Data}
	}
	return &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
}

// fromJSONRPCError turns a response error object into the error returned to the caller.
func fromJSONRPCError(jErr *JSONRPCError) error {
	return &InvocationError{
		Code:    jErr.Code,
		Message: jErr.Message,
		Data:    jErr.Data,
		Err:     jErr,
	}
}
