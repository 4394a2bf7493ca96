package engine

import "fmt"

// ForbiddenError indicates the actor is not allowed to perform the operation.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// InvalidStateError indicates an operation was attempted against an account
// whose lifecycle status does not permit it.
type InvalidStateError struct {
	AccountID int64
	Status    string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("account %d is %s", e.AccountID, e.Status)
}

// InvalidRoleError indicates a role outside the known set.
type InvalidRoleError struct {
	Role string
}

func (e InvalidRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Role)
}

// InvalidArgumentError indicates malformed or missing operation input.
type InvalidArgumentError struct {
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return e.Reason
}

// UpstreamError wraps a failure from an external dependency, such as the
// chat platform API or a file download.
type UpstreamError struct {
	Op  string
	Err error
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e UpstreamError) Unwrap() error {
	return e.Err
}
