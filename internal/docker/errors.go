package docker

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/moby/moby/api/types/swarm"

	"github.com/ryanmoran/stackrun/internal/transport"
)

// InvariantViolationError reports more than one task for a one-shot service.
// It is never retried.
type InvariantViolationError struct {
	ServiceID string
	Tasks     []string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("service %q has %d tasks, expected exactly one: %v", e.ServiceID, len(e.Tasks), e.Tasks)
}

// TaskFailedError carries the failure a one-shot service's task reported.
type TaskFailedError struct {
	Service  string
	TaskID   string
	State    swarm.TaskState
	Message  string
	ExitCode int
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("service %q task %s ended in state %q (exit code %d): %s", e.Service, e.TaskID, e.State, e.ExitCode, e.Message)
}

// IsNotFound reports whether err is an engine 404.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, code int) bool {
	var protocolErr *transport.ProtocolError
	return errors.As(err, &protocolErr) && protocolErr.StatusCode == code
}
