package sessionmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// isTempProfile mirrors the original's heuristic for "this directory was
// created by us and is safe to delete on teardown" vs. a caller-supplied,
// presumably persistent, profile directory.
func isTempProfile(userDataDir string) bool {
	return strings.Contains(userDataDir, "chrome_profile_") || strings.Contains(userDataDir, "Chrome-RDP")
}

// resolveUserDataDir either creates a fresh temp profile directory keyed by
// the debug port, or validates and canonicalizes a caller-supplied path
// against an allow-list of base directories, rejecting path traversal and
// unusual directory names. Grounded on the user_data_dir handling in
// original_source/src/workers/browser_launcher.py:launch_browser_session.
func resolveUserDataDir(requested string, debugPort int, customLauncherBaseDir string) (string, error) {
	if requested == "" {
		base, name := os.TempDir(), fmt.Sprintf("chrome_profile_p%d", debugPort)
		if customLauncherBaseDir != "" {
			// spec §4.5 step 4: a delegated Windows launcher keeps profiles
			// alongside itself rather than in the OS temp directory.
			base, name = customLauncherBaseDir, fmt.Sprintf("p%d", debugPort)
		}
		dir := filepath.Join(base, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating profile directory: %w", err)
		}
		return dir, nil
	}

	resolved, err := filepath.Abs(requested)
	if err != nil {
		return "", fmt.Errorf("invalid user_data_dir path: %w", err)
	}
	resolved, err = filepath.EvalSymlinks(resolved)
	if err != nil {
		// The directory may not exist yet; fall back to the absolute path
		// so a brand-new profile dir can still be created below.
		resolved, err = filepath.Abs(requested)
		if err != nil {
			return "", fmt.Errorf("invalid user_data_dir path: %w", err)
		}
	}

	allowedBases := []string{
		os.TempDir(),
		"/tmp",
		"/var/tmp",
	}
	if home, err := os.UserHomeDir(); err == nil {
		allowedBases = append(allowedBases, filepath.Join(home, "chrome_profiles"))
	}
	if customLauncherBaseDir != "" {
		allowedBases = append(allowedBases, customLauncherBaseDir)
	}

	allowed := false
	for _, base := range allowedBases {
		baseReal, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		if resolved == baseReal || strings.HasPrefix(resolved, baseReal+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("user_data_dir must be within allowed paths: %v", allowedBases)
	}

	name := filepath.Base(resolved)
	for _, c := range name {
		if !(c == '-' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return "", fmt.Errorf("invalid directory name: %s", name)
		}
	}

	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return "", fmt.Errorf("creating profile directory: %w", err)
	}
	return resolved, nil
}
