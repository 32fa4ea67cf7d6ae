package procsupervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// DirectHandle supervises a Chrome process this worker spawned itself via
// os/exec. A background goroutine (started by LaunchDirect) reaps the child
// with cmd.Wait() as soon as it exits, caching the exit code under mu so
// Poll() never has to fall back to a by-PID liveness check, and so the
// process never lingers as a zombie waiting to be collected.
type DirectHandle struct {
	cmd        *exec.Cmd
	pid        int
	createTime float64

	mu       sync.Mutex
	exited   bool
	exitCode int
}

func (h *DirectHandle) PID() int { return h.pid }

func (h *DirectHandle) CreateTime() (float64, error) {
	if h.createTime == 0 {
		return captureCreateTime(h.pid)
	}
	return h.createTime, nil
}

func (h *DirectHandle) Poll() (exited bool, exitCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitCode
}

// reap blocks until the child exits, then records its exit code. Must run
// in its own goroutine for the lifetime of the handle.
func (h *DirectHandle) reap() {
	_ = h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()
}

// Terminate force-kills the process tree, children first, then the parent
// (SIGKILL, or taskkill /F on Windows; see kill_unix.go / kill_windows.go).
// Once h.reap() has recorded the child's exit, its PID may already belong to
// another process, so Terminate then returns without sending anything. No
// create_time check is made on this path.
func (h *DirectHandle) Terminate() error {
	if exited, _ := h.Poll(); exited {
		return nil
	}
	return killProcessTree(h.pid)
}

// Kill sends the same force-kill as Terminate, under the same condition.
func (h *DirectHandle) Kill() error {
	return h.Terminate()
}

// DelegatedHandle supervises a Chrome process whose lifecycle is owned by an
// external launcher script; only its PID is known. Unlike DirectHandle, this
// PID is not our child, so the OS is free to recycle it the moment the
// delegated Chrome exits; guardedKill re-verifies process identity before
// ever sending SIGKILL.
type DelegatedHandle struct {
	pid        int
	createTime float64
	debugPort  int
}

func (h *DelegatedHandle) PID() int { return h.pid }

func (h *DelegatedHandle) CreateTime() (float64, error) {
	if h.createTime == 0 {
		return captureCreateTime(h.pid)
	}
	return h.createTime, nil
}

func (h *DelegatedHandle) Poll() (exited bool, exitCode int) {
	return pollByPID(h.pid)
}

func (h *DelegatedHandle) Terminate() error {
	return h.guardedKill()
}

func (h *DelegatedHandle) Kill() error {
	return h.guardedKill()
}

// guardedKill re-checks that h.pid still refers to the process captured at
// launch time (by create_time, falling back to an exe-name + debug-port
// cmdline match) before force-killing it, closing the PID-reuse window
// spec §4.2/§9 calls out for delegated launches. Grounded on
// original_source/src/workers/browser_launcher.py:terminate_session, which
// re-validates the process before issuing its own SIGKILL/taskkill.
func (h *DelegatedHandle) guardedKill() error {
	match, err := verifyProcessIdentity(h.pid, h.createTime, h.debugPort)
	if err != nil {
		// Process is already gone; nothing left to kill.
		return nil
	}
	if !match {
		return fmt.Errorf("refusing to kill pid %d: process identity no longer matches the launch-time chrome (likely pid reuse)", h.pid)
	}
	return killProcessTree(h.pid)
}

// maxKillWait bounds how long a Terminate call waits for the process tree to
// actually disappear before giving up, matching terminate_session's 10s cap.
const maxKillWait = 10 * time.Second
