//go:build windows

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// taskkill exits with 128 when the PID no longer exists.
const taskkillNotFound = 128

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// signalGraceful sends CTRL_BREAK to the child's console group. Without a
// shared console, as when the app runs as a GUI, that fails and taskkill
// without /F asks the tree to close instead.
func signalGraceful(pid int) error {
	err := windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
	if err == nil {
		return nil
	}
	if tkErr := taskkill(pid, false); tkErr != nil {
		return errors.Join(fmt.Errorf("ctrl-break: %w", err), tkErr)
	}
	return nil
}

func killTree(pid int) error {
	return taskkill(pid, true)
}

func taskkillArgs(pid int, force bool) []string {
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	return args
}

func taskkill(pid int, force bool) error {
	out, err := exec.Command("taskkill", taskkillArgs(pid, force)...).CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == taskkillNotFound {
		return nil
	}
	return fmt.Errorf("taskkill: %w: %s", err, out)
}

// sweepGroup is a no-op: once the parent is gone taskkill /T can no
// longer walk the tree.
func sweepGroup(int) {}
