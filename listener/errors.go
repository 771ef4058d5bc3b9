package listener

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Configuration errors
	ErrInvalidArgument   = errors.New("listener: invalid argument")
	ErrUnresolvedFactory = errors.New("listener: could not resolve container factory")
	ErrDuplicateEndpoint = errors.New("listener: duplicate endpoint id")
	ErrRegistryNotSet    = errors.New("listener: registry not set")
	ErrProviderNotSet    = errors.New("listener: factory provider not set")
	ErrCommitInProgress  = errors.New("listener: commit already in progress")

	// Factory errors
	ErrContainerCreation = errors.New("listener: container creation failed")
	ErrFactoryNotFound   = errors.New("listener: container factory not found")

	// Registry errors
	ErrNotFound  = errors.New("listener: container not found")
	ErrLifecycle = errors.New("listener: container lifecycle failure")
)

// UnresolvedFactoryError is returned by Registrar.Commit when no container
// factory could be determined for an endpoint.
type UnresolvedFactoryError struct {
	Endpoint  string    // Endpoint description
	Key       string    // Default factory key, if one was tried
	Err       error     // Provider error, if any
	Timestamp time.Time // When the error occurred
}

func (e *UnresolvedFactoryError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("listener: could not resolve container factory %q for endpoint %s: %v", e.Key, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("listener: could not resolve container factory for endpoint %s: no factory was given and no default is set", e.Endpoint)
}

func (e *UnresolvedFactoryError) Is(target error) bool {
	return target == ErrUnresolvedFactory
}

func (e *UnresolvedFactoryError) Unwrap() error {
	return e.Err
}

// DuplicateEndpointError is returned when an endpoint id is already bound.
type DuplicateEndpointError struct {
	ID        string
	Timestamp time.Time
}

func (e *DuplicateEndpointError) Error() string {
	return fmt.Sprintf("listener: another endpoint is already registered with id %q", e.ID)
}

func (e *DuplicateEndpointError) Is(target error) bool {
	return target == ErrDuplicateEndpoint
}

// ContainerCreationError wraps a factory failure together with the id of the
// endpoint it was building a container for.
type ContainerCreationError struct {
	EndpointID string    // Endpoint the container was created for
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *ContainerCreationError) Error() string {
	return fmt.Sprintf("listener: failed to create container for endpoint %q: %v", e.EndpointID, e.Err)
}

func (e *ContainerCreationError) Is(target error) bool {
	return target == ErrContainerCreation
}

func (e *ContainerCreationError) Unwrap() error {
	return e.Err
}

// ContainerFailure is a single failed lifecycle operation.
type ContainerFailure struct {
	ID  string
	Err error
}

// LifecycleError aggregates every container failure of one StartAll, StopAll
// or destroy pass.
type LifecycleError struct {
	Op       string // start, stop or destroy
	Failures []ContainerFailure
}

func (e *LifecycleError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.ID, f.Err))
	}
	return fmt.Sprintf("listener: %s failed for %d container(s): %s", e.Op, len(e.Failures), strings.Join(parts, "; "))
}

func (e *LifecycleError) Is(target error) bool {
	return target == ErrLifecycle
}

func (e *LifecycleError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedIDs returns the ids of the failing containers in pass order.
func (e *LifecycleError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.ID)
	}
	return ids
}
