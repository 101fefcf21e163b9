package envelope

import "errors"

// Kind classifies a protocol failure. Clients observe exactly one kind per
// failed submit; workers use kinds to decide between ack and nak.
type Kind string

const (
	// KindTimeout: the reply wait budget elapsed with no message.
	KindTimeout Kind = "timeout"
	// KindBackpressure: the broker refused the publish because the request
	// stream is at its limits. The caller decides whether to retry.
	KindBackpressure Kind = "backpressure"
	// KindObjectStoreTransient: a retriable object-store failure that
	// exhausted its attempts.
	KindObjectStoreTransient Kind = "object_store_transient"
	// KindObjectStoreFatal: not-found, forbidden and other non-retriable
	// object-store failures.
	KindObjectStoreFatal Kind = "object_store_fatal"
	// KindEnvelopeInvalid: a request or reply envelope failed to decode or
	// validate.
	KindEnvelopeInvalid Kind = "envelope_invalid"
	// KindEngine: the conversion engine failed deterministically.
	KindEngine Kind = "engine_error"
	// KindInternal: everything else, including a worker that could not
	// publish any reply.
	KindInternal Kind = "internal"
)

// Error is the single error shape surfaced by the protocol: a human-readable
// message plus a kind tag, optionally wrapping a cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error without a cause.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a tagged error around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind tag from an error chain. Untagged errors report
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
