package process

import "fmt"

// LaunchError means the command could not be started at all: the
// executable is missing, not runnable, or the OS refused to spawn it.
type LaunchError struct {
	ID      string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s): %v", e.ID, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
