package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Streams returns an iterator that yields a new Stream for every client that connects.
	// The implementation must guarantee that each stream ID is unique across all active
	// connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Streams() iter.Seq[Stream]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// stop the Streams it produced, the caller would already do that when calling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// Connect opens the underlying carrier and returns a Stream ready for sending. Connection
	// failures are reported as *LaunchError or *ConnectionError depending on the carrier.
	Connect(ctx context.Context) (Stream, error)
}

// Stream is a duplex carrier of encoded frames between two parties. A frame is exactly one
// encoded JSONRPCMessage; framing on the wire is the Stream's business.
//
// A Stream is owned by exactly one Session. Send may be called from many goroutines at
// once, and each frame is written atomically. Frames is read by a single goroutine.
type Stream interface {
	// ID returns the unique identifier for this stream.
	ID() string

	// Send transmits one frame to the other party.
	Send(ctx context.Context, frame []byte) error

	// Frames returns an iterator over received frames. The iteration ends with a nil error
	// when the other party closes the stream cleanly, or with a non-nil error when the
	// carrier fails (child crash, network drop, read failure). After a non-nil error no
	// further frames are yielded.
	Frames() iter.Seq2[[]byte, error]

	// Stop releases the carrier and unblocks Frames. It is called exactly once by the owning
	// Session.
	Stop()
}
