package corestate

import "fmt"

// UnknownPluginError is returned when a desired-state document names a
// plugin that was never registered with the manager.
type UnknownPluginError struct {
	Name string
}

func (e *UnknownPluginError) Error() string {
	return fmt.Sprintf("corestate: unknown plugin %q", e.Name)
}

// CheckpointFailureError aborts the apply pipeline during the checkpoint
// phase; any checkpoints already taken in this invocation are discarded
// before it is returned.
type CheckpointFailureError struct {
	PluginName string
	Cause      error
}

func (e *CheckpointFailureError) Error() string {
	return fmt.Sprintf("corestate: checkpoint failed for plugin %q: %v", e.PluginName, e.Cause)
}

func (e *CheckpointFailureError) Unwrap() error { return e.Cause }
