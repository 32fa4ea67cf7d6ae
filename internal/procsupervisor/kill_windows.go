//go:build windows

package procsupervisor

import (
	"fmt"
	"os/exec"
	"strconv"
)

// killProcessTree shells out to taskkill /F /T /PID, the most reliable way
// to kill Chrome and every child process on Windows, then verifies the PID
// is actually gone. Mirrors the Windows branch of
// original_source/src/workers/browser_launcher.py:terminate_session.
func killProcessTree(pid int) error {
	cmd := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("taskkill for pid %d: %w", pid, err)
	}

	if !waitForPIDGone(pid, maxKillWait) {
		return fmt.Errorf("process %d still alive after taskkill", pid)
	}
	return nil
}
