package node

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by a node whose core is already running.
	ErrAlreadyStarted = errors.New("core is already started")
	ErrNotConnected   = errors.New("node is not connected")
	ErrNodeDisabled   = errors.New("node is disabled")
	ErrNodeRemoved    = errors.New("node was removed")
)

// ConnectionError reports that a node or its proxy API could not be reached
// or did not become ready in time.
type ConnectionError struct {
	NodeID uint
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("node %d: %s: %v", e.NodeID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is a non-2xx answer from the node agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent responded %d: %s", e.StatusCode, e.Message)
}
