package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials means the registry demanded authentication and no
	// credentials are configured for it.
	ErrMissingCredentials = errors.New("credentials not found")
	// ErrCredentialsRejected means configured credentials were refused.
	ErrCredentialsRejected = errors.New("credentials rejected")
)

// AuthError reports a failed challenge negotiation.
type AuthError struct {
	Registry string
	Scheme   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Scheme == "" {
		return fmt.Sprintf("failed to authenticate to registry %q: %v", e.Registry, e.Err)
	}
	return fmt.Sprintf("failed to authenticate to registry %q (%s): %v", e.Registry, e.Scheme, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
