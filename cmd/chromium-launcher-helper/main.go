// Command chromium-launcher-helper is the bundled reference implementation
// of the delegated launch_chrome_port(port, bind_ip) helper script named in
// spec §6/§4.2 mode 2. It is invoked by internal/procsupervisor.LaunchDelegated
// when USE_CUSTOM_CHROME_LAUNCHER is set; the core treats it as an external
// collaborator and only requires that it print the Chromium PID as the first
// line of stdout. Adapted from the teacher's own cmd/chromium-launcher, kept
// as a single-purpose launch script rather than a process the caller execs
// into, since the delegated contract needs the PID while the process is
// still running, not a replaced process image.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"
)

func main() {
	port := flag.Int("port", 0, "Chrome remote debugging port")
	bindIP := flag.String("bind-ip", "127.0.0.1", "Address chrome binds its debug port to")
	userDataDir := flag.String("user-data-dir", "", "Chrome user data directory")
	chromiumPath := flag.String("chromium", "chromium", "Chromium binary path")
	flag.Parse()

	if *port == 0 {
		fmt.Fprintln(os.Stderr, "launch_chrome_port: -port is required")
		os.Exit(1)
	}

	cleanupStaleProfileLocks(*userDataDir)
	waitForPort(*port, 5*time.Second)

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", *port),
		fmt.Sprintf("--remote-debugging-address=%s", *bindIP),
		"--user-data-dir=" + *userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--password-store=basic",
	}

	execPath, err := exec.LookPath(*chromiumPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launch_chrome_port: chromium binary not found: %v\n", err)
		os.Exit(1)
	}

	cmd := exec.Command(execPath, args...)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "launch_chrome_port: failed to start chromium: %v\n", err)
		os.Exit(1)
	}

	// The caller (procsupervisor.LaunchDelegated) reads the first stdout line
	// for the PID, per spec §6.
	fmt.Println(cmd.Process.Pid)

	// The session manager supervises the PID directly from here on; this
	// helper's own process does not wait on the child.
	_ = cmd.Process.Release()
}

// cleanupStaleProfileLocks removes the lock files Chromium leaves behind
// when an earlier instance was SIGKILLed, matching the teacher's own
// stale-lock cleanup in cmd/chromium-launcher.
func cleanupStaleProfileLocks(userDataDir string) {
	if userDataDir == "" {
		return
	}
	for _, name := range []string{"SingletonLock", "SingletonSocket", "SingletonCookie"} {
		_ = os.Remove(userDataDir + "/" + name)
	}
}

// waitForPort waits until the given port is free to bind, with SO_REUSEADDR
// disabled so the check accurately reflects whether chromium itself could
// claim it. This handles the delay after a SIGKILL before the kernel
// releases the socket, mirroring the teacher's own waitForPort.
func waitForPort(port int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 0)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	ctx := context.Background()
	for time.Now().Before(deadline) {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			ln.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
