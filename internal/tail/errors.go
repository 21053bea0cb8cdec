package tail

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamOpen is returned when opening a stream that already has a controller.
	ErrStreamOpen = errors.New("stream already open")
	// ErrClosed is returned by commands sent to a closed controller.
	ErrClosed = errors.New("stream closed")
)

// ConfigError reports an invalid stream configuration. A stream whose
// configuration fails validation is never started.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid tail config: %s %s", e.Field, e.Reason)
}
