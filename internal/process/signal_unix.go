//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcAttr puts the child in its own process group so signals
// reach every descendant and a terminal Ctrl-C does not.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGraceful(pid int) error {
	return ignoreGone(unix.Kill(-pid, unix.SIGINT))
}

func killTree(pid int) error {
	return ignoreGone(unix.Kill(-pid, unix.SIGKILL))
}

// sweepGroup kills whatever is left in the group after the leader exited.
func sweepGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func ignoreGone(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
