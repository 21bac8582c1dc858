package strategies

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid parameter at construction time.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s=%v: %s", e.Field, e.Value, e.Reason)
}

// InputOrderError is returned for a bar whose timestamp precedes the previous bar.
type InputOrderError struct {
	Index     uint64
	Timestamp int64
	Previous  int64
}

func (e *InputOrderError) Error() string {
	return fmt.Sprintf("bar %d out of order: timestamp %d before %d", e.Index, e.Timestamp, e.Previous)
}

var (
	// ErrPendingOrder is the panic value when a second order would be submitted
	// while one is outstanding.
	ErrPendingOrder = errors.New("order already pending")
	// ErrUnexpectedFill is returned when a fill arrives with no order outstanding.
	ErrUnexpectedFill = errors.New("fill without pending order")
)
