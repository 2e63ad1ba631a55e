package checkpoint

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("checkpoint log closed")

// IOError reports that the checkpoint log could not be read or written.
// A run cannot continue without durable resumability, so the engine treats
// it as fatal to the whole batch.
type IOError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *IOError) Unwrap() error {
	return e.Err
}
