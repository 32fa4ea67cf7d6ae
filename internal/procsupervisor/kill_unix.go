//go:build !windows

package procsupervisor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/shirou/gopsutil/v4/process"
)

// killProcessTree kills every descendant of pid first (bottom-up), then
// sends SIGKILL to pid itself, and waits up to maxKillWait for the whole
// tree to disappear. Mirrors the Linux/Mac branch of
// original_source/src/workers/browser_launcher.py:terminate_session.
func killProcessTree(pid int) error {
	parent, err := process.NewProcess(int32(pid))
	if err == nil {
		children, _ := parent.Children()
		for _, child := range children {
			_ = child.Kill()
		}
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if !isNoSuchProcess(err) {
			return fmt.Errorf("sending SIGKILL to pid %d: %w", pid, err)
		}
		return nil
	}

	if !waitForPIDGone(pid, maxKillWait) {
		return fmt.Errorf("process %d still alive after %s", pid, maxKillWait)
	}
	return nil
}

func isNoSuchProcess(err error) bool {
	return err == unix.ESRCH
}
