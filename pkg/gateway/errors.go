package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrPolicyDenied   = errors.New("policy denied")
	ErrUnknownTask    = errors.New("task has no unit")
)

// AuthError is returned when the caller could not be authenticated. Reason
// is stable and safe to show to the caller.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAuthentication, e.Reason)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAuthentication}
	}
	return []error{ErrAuthentication, e.Err}
}

// PolicyError is a denial by the remote gatekeeper or the local policy.
type PolicyError struct {
	Identity string
	Action   string
	Resource string
	Reason   string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s may not %s %s: %s", ErrPolicyDenied, e.Identity, e.Action, e.Resource, e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrPolicyDenied }
