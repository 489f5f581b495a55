package transport

import (
	"fmt"
	"strings"
)

// TransportError reports a failure to reach the engine: a dial, tunnel or
// I/O failure. It is never retried by this package.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to %s via %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a response whose status code the caller did not
// expect. Body holds the drained response body for diagnosis.
type ProtocolError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("unexpected response to %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("unexpected response to %s %s: HTTP %d, %s", e.Method, e.Path, e.StatusCode, body)
}
