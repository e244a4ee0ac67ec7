package chat

import "github.com/pkg/errors"

// Error taxonomy shared by the transport, multiplexer and controller layers.
// Callers branch on these with errors.Is; lower layers wrap them with context.
var (
	// ErrAuthRejected means the broker or the REST API refused the credentials.
	// Fatal to the channel; upstream treats it as a logged-out state.
	ErrAuthRejected = errors.New("credentials rejected")

	// ErrNetworkUnreachable means the socket could not be opened.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrNotConnected is returned by publish/send while the channel is not Connected.
	// The message was not handed to the broker (delivery unconfirmed).
	ErrNotConnected = errors.New("not connected")

	// ErrEmptyMessage is returned when the composed content is empty after trimming.
	ErrEmptyMessage = errors.New("empty message")

	// ErrNotActive is returned when sending on a conversation that is not Active.
	ErrNotActive = errors.New("conversation not active")

	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")
)
