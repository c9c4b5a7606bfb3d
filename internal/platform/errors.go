package platform

import (
	"errors"
	"fmt"
)

// ErrOperatorDeclined is returned when the operator refuses a restore
// confirmation. It is a clean cancellation, not a failure.
var ErrOperatorDeclined = errors.New("operator declined confirmation")

// StructuralError covers failures that invalidate the whole run: missing
// project root, unusable backup path, unwritable backup directory.
type StructuralError struct {
	Op  string
	Err error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// CollaboratorUnavailableError reports that an external collaborator (the
// database service, the Docker daemon) could not be reached or did not become
// ready in time.
type CollaboratorUnavailableError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }

// ServiceContainerNotFoundError reports that the platform's database service
// container does not exist on this host.
type ServiceContainerNotFoundError struct {
	Name string
}

func (e *ServiceContainerNotFoundError) Error() string {
	return fmt.Sprintf("service container %q not found", e.Name)
}

// HelperExecutionError reports a non-zero exit from an ephemeral helper
// container.
type HelperExecutionError struct {
	ExitCode int64
	Output   string
}

func (e *HelperExecutionError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("helper container exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("helper container exited with code %d: %s", e.ExitCode, e.Output)
}

// PartialArtifactError marks the failure of a single artifact's capture or
// restore; sibling artifacts are still attempted.
type PartialArtifactError struct {
	Artifact ArtifactKind
	Err      error
}

func (e *PartialArtifactError) Error() string {
	return fmt.Sprintf("artifact %s: %v", e.Artifact, e.Err)
}

func (e *PartialArtifactError) Unwrap() error { return e.Err }
