package naming

import "errors"

// Error taxonomy per spec.md §7. Core packages expose sentinels so
// callers can branch with errors.Is instead of string matching.
var (
	ErrNotFound              = errors.New("not found")
	ErrServiceHasInstances   = errors.New("service has instances")
	ErrInvalidInstance       = errors.New("invalid instance")
	ErrNoNamespacePermission = errors.New("no namespace permission")
	ErrPeerUnreachable       = errors.New("peer unreachable")
	ErrSerialization         = errors.New("serialization error")
	ErrSystem                = errors.New("system error")
)
