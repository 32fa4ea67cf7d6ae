//go:build windows

package portregistry

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// EnsureWindowsPortRangeAvailable checks whether the Windows IP Helper
// service has excluded any port in [start, end] from dynamic allocation
// (netsh int ipv4 show excludedportrange) and returns a descriptive error if
// so, so the operator can free the range before the registry starts serving
// reservations. Ported from original_source/src/utils/port_manager.py; this
// rewrite only detects and reports the conflict rather than stopping a
// system service itself, which is an operator action, not something a
// long-running worker process should do to its own host on startup.
func EnsureWindowsPortRangeAvailable(start, end int) error {
	out, err := exec.Command("netsh", "int", "ipv4", "show", "excludedportrange", "protocol=tcp").Output()
	if err != nil {
		// netsh unavailable or failed: best-effort only, never block startup.
		return nil
	}

	conflicts := parseExcludedRanges(string(out), start, end)
	if len(conflicts) == 0 {
		return nil
	}
	return fmt.Errorf("IP Helper service has excluded port ranges overlapping %d-%d: %v; "+
		"free them (e.g. `net stop iphlpsvc`) before starting the launcher", start, end, conflicts)
}

func parseExcludedRanges(output string, start, end int) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		rangeStart, err1 := strconv.Atoi(fields[0])
		rangeEnd, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		if rangeStart <= end && rangeEnd >= start {
			conflicts = append(conflicts, fmt.Sprintf("%d-%d", rangeStart, rangeEnd))
		}
	}
	return conflicts
}
