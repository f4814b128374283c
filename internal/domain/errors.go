package domain

import "errors"

// Sentinel errors shared across the calling core. Classify with errors.Is.
var (
	// ErrUnsupportedCodec is returned when a codec outside the negotiated set is requested.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	// ErrCodecFailure marks a malformed or truncated media unit. It is never surfaced
	// past the codec boundary; callers only see an empty result.
	ErrCodecFailure = errors.New("codec failure")

	// ErrTransportFailure is delivered on the transport error event for ICE or
	// connection failures and for media that could not be sent.
	ErrTransportFailure = errors.New("transport failure")

	// ErrInvalidSequence reports a signaling call made out of order.
	ErrInvalidSequence = errors.New("invalid signaling sequence")

	// ErrUseAfterDispose reports a call on a released transport.
	ErrUseAfterDispose = errors.New("use after dispose")

	// ErrNotInitialized reports a transport operation issued before Initialize.
	ErrNotInitialized = errors.New("transport not initialized")

	// ErrInvalidTransition reports a state machine event that is not valid in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminalState reports an event delivered to a call that already ended.
	ErrTerminalState = errors.New("call is in a terminal state")

	// ErrCallNotFound reports an unknown call id.
	ErrCallNotFound = errors.New("call not found")
)
