// Package procsupervisor launches and supervises Chromium processes (C3).
// It supports two modes named in spec §4.2: a direct os/exec launch, and a
// delegated launch through an external helper script/binary that prints the
// resulting PID to stdout (mirroring settings.use_custom_chrome_launcher in
// original_source/src/workers/browser_launcher.py and the teacher's
// cmd/chromium-launcher companion binary). Grounded on
// other_examples/rickcrawford-markdowninthemiddle chrome-launcher.go for
// executable resolution, and on
// original_source/src/workers/browser_launcher.py:terminate_session for the
// PID-reuse-guarded kill sequence (see verifyProcessIdentity and handle.go;
// the per-OS kill itself is in kill_unix.go/kill_windows.go).
package procsupervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// chromeCandidatePaths lists well-known install locations per OS, checked in
// order before falling back to $PATH lookup.
var chromeCandidatePaths = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	},
	"linux": {
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/snap/bin/chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Chromium\Application\chrome.exe`,
	},
}

var chromeOnPathNames = []string{"google-chrome", "chromium", "chromium-browser", "chrome.exe"}

// FindExecutable resolves a Chrome/Chromium binary, checking OS-specific
// well-known paths first and then $PATH.
func FindExecutable() (string, error) {
	for _, path := range chromeCandidatePaths[runtime.GOOS] {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	for _, name := range chromeOnPathNames {
		if resolved, err := exec.LookPath(name); err == nil {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("no chrome/chromium executable found")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LaunchDirect starts Chrome as a direct child process with the given
// argument list and returns a ProcessHandle backed by the live *exec.Cmd.
func LaunchDirect(ctx context.Context, execPath string, args []string) (*DirectHandle, error) {
	cmd := exec.CommandContext(context.Background(), execPath, args...) // detached from launch ctx; lifetime is managed explicitly
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting chrome: %w", err)
	}

	createTime, err := captureCreateTime(cmd.Process.Pid)
	if err != nil {
		createTime = 0
	}

	handle := &DirectHandle{cmd: cmd, pid: cmd.Process.Pid, createTime: createTime}
	go handle.reap()
	return handle, nil
}

// LaunchDelegated runs an external launcher command (per spec §6,
// USE_CUSTOM_CHROME_LAUNCHER / CHROME_LAUNCHER_CMD) that is responsible for
// actually starting Chrome and printing its PID on the first line of
// stdout. The launcher process itself is not kept running; only the
// reported PID is supervised afterward.
func LaunchDelegated(ctx context.Context, launcherCmd string, debugPort int, userDataDir string, args []string) (*DelegatedHandle, error) {
	fullArgs := append([]string{strconv.Itoa(debugPort), userDataDir}, args...)
	cmd := exec.CommandContext(ctx, launcherCmd, fullArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping launcher stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting delegated launcher: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	var pid int
	if scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		pid, err = strconv.Atoi(line)
		if err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("delegated launcher did not print a PID, got %q: %w", line, err)
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("delegated launcher exited with error: %w", err)
	}
	if pid == 0 {
		return nil, fmt.Errorf("delegated launcher produced no PID")
	}

	createTime, err := captureCreateTime(pid)
	if err != nil {
		createTime = 0
	}

	return &DelegatedHandle{pid: pid, createTime: createTime, debugPort: debugPort}, nil
}

// verifyProcessIdentity reports whether pid still refers to the process
// captured at launch time, guarding a delegated kill against PID reuse
// (spec §4.2/§9). It first compares create_time (allowing 1s of clock/
// rounding slack, per §4.2); if create_time wasn't captured at launch, it
// falls back to checking that pid is still a chrome/chromium process whose
// command line carries this session's --remote-debugging-port flag.
func verifyProcessIdentity(pid int, expectedCreateTime float64, debugPort int) (match bool, err error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, err
	}

	if expectedCreateTime > 0 {
		ms, ctErr := proc.CreateTime()
		if ctErr == nil {
			actual := float64(ms) / 1000.0
			diff := actual - expectedCreateTime
			return diff > -1 && diff < 1, nil
		}
	}

	name, err := proc.Name()
	if err != nil {
		return false, err
	}
	lowerName := strings.ToLower(name)
	if !strings.Contains(lowerName, "chrome") && !strings.Contains(lowerName, "chromium") {
		return false, nil
	}
	cmdline, err := proc.Cmdline()
	if err != nil {
		return false, err
	}
	return strings.Contains(cmdline, fmt.Sprintf("--remote-debugging-port=%d", debugPort)), nil
}

// captureCreateTime reads the process's start time in unix-seconds, used
// later to guard against PID reuse during an aggressive force-kill.
func captureCreateTime(pid int) (float64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	ms, err := proc.CreateTime()
	if err != nil {
		return 0, err
	}
	return float64(ms) / 1000.0, nil
}

// pollByPID reports whether the process has exited. Used only by
// DelegatedHandle: it isn't our child, so there is no ProcessState/wait4 to
// consult, and the exit code it reports for a dead PID is always -1 since
// the OS no longer has a real exit status to hand a non-parent caller.
func pollByPID(pid int) (exited bool, exitCode int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return true, -1
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		return true, -1
	}
	return false, 0
}

// waitForPIDGone polls until the PID no longer exists or the deadline
// passes, backing off from 200ms up to 1s between checks. Mirrors the
// exponential-backoff wait loop in terminate_session.
func waitForPIDGone(pid int, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	interval := 200 * time.Millisecond
	for time.Now().Before(deadline) {
		time.Sleep(interval)
		if exists, _ := process.PidExists(int32(pid)); !exists {
			return true
		}
		interval = time.Duration(float64(interval) * 1.5)
		if interval > time.Second {
			interval = time.Second
		}
	}
	exists, _ := process.PidExists(int32(pid))
	return !exists
}
