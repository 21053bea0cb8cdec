package fetch

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transient transport failures. Retryable.
	ErrNetwork = errors.New("network error")
	// ErrAuth marks rejected credentials. Never retried automatically.
	ErrAuth = errors.New("authentication rejected")
	// ErrMalformed marks an undecodable or inconsistent response. Retryable
	// after backoff.
	ErrMalformed = errors.New("malformed response")
	// ErrUnknownStream is returned by a Registry asked for an unregistered stream.
	ErrUnknownStream = errors.New("unknown stream")
)

// ErrorClassifier allows errors to declare their classification.
type ErrorClassifier interface {
	// ErrorKind returns "network", "auth" or "malformed".
	ErrorKind() string
}

// Error is a classified fetch failure for one stream.
type Error struct {
	Kind     error
	StreamID string
	// Status is the HTTP status when the failure came from a response.
	Status int
	Err    error
}

func (e *Error) Error() string {
	prefix := "fetch"
	if e.StreamID != "" {
		prefix = "fetch " + e.StreamID
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", prefix, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", prefix, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

func (e *Error) ErrorKind() string {
	switch e.Kind {
	case ErrAuth:
		return "auth"
	case ErrMalformed:
		return "malformed"
	default:
		return "network"
	}
}

// Classify returns the sentinel kind for err. Errors that carry no
// classification are treated as transient network failures.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuth):
		return ErrAuth
	case errors.Is(err, ErrMalformed):
		return ErrMalformed
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		switch classifier.ErrorKind() {
		case "auth":
			return ErrAuth
		case "malformed":
			return ErrMalformed
		}
	}
	return ErrNetwork
}

// KindName returns the short label of err's classification, or "" for nil.
func KindName(err error) string {
	switch Classify(err) {
	case nil:
		return ""
	case ErrAuth:
		return "auth"
	case ErrMalformed:
		return "malformed"
	default:
		return "network"
	}
}

// IsAuth reports whether err requires re-authentication.
func IsAuth(err error) bool {
	return Classify(err) == ErrAuth
}

// IsRetryable reports whether the controller may retry after backoff.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsAuth(err)
}

// Wrap classifies err and tags it with the stream. An existing *Error is
// returned as is, gaining the stream ID when it had none.
func Wrap(streamID string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.StreamID == "" {
			fe.StreamID = streamID
		}
		return err
	}
	return &Error{Kind: Classify(err), StreamID: streamID, Err: err}
}

func newError(kind error, streamID string, status int, err error) *Error {
	return &Error{Kind: kind, StreamID: streamID, Status: status, Err: err}
}
