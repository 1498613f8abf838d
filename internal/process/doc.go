// Package process supervises child processes such as the model server and
// setup installers.
//
// A Supervisor starts a command in its own process group and returns a
// Handle. The Handle captures stdout and stderr line by line into a bounded
// ring used for postmortem diagnostics, fans lines out to OutputHandlers,
// and reports the exit exactly once through OnExit and the Done channel.
//
// Stopping follows the usual two-step policy:
//
//	if !sup.StopGracefully(h, 5*time.Second) { // SIGINT to the group
//	    sup.Kill(h)                            // SIGKILL to the whole tree
//	}
//
// Terminate wraps both steps. Kill is idempotent and a no-op for a handle
// whose process has already exited.
package process
