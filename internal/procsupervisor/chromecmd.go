package procsupervisor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/nimbuscloud/browser-launcher/internal/model"
)

// dangerousChromeArgs blocks caller-supplied chrome_args from overriding
// flags the launcher itself controls or from disabling security boundaries.
// Grounded verbatim on
// original_source/src/workers/browser_launcher.py:_build_chrome_command.
var dangerousChromeArgs = map[string]bool{
	"--disable-web-security":             true,
	"--allow-file-access-from-files":     true,
	"--allow-file-access":                true,
	"--allow-running-insecure-content":   true,
	"--disable-site-isolation-trials":    true,
	"--no-sandbox":                       true,
	"--disable-setuid-sandbox":           true,
	"--disable-namespace-sandbox":        true,
	"--disable-seccomp-filter-sandbox":   true,
	"--allow-sandbox-debugging":          true,
	"--enable-logging":                   true,
	"--log-file":                         true,
	"--enable-dbus":                      true,
	"--remote-debugging-address":         true,
	"--remote-debugging-port":            true,
	"--user-data-dir":                    true,
	"--crash-dumps-dir":                  true,
	"--homedir":                          true,
	"--disk-cache-dir":                   true,
	"--enable-local-file-accesses":       true,
	"--unlimited-storage":                true,
	"--allow-cross-origin-auth-prompt":   true,
	"--password-store":                   true,
	"--enable-automation":                true,
}

var safeArgPattern = regexp.MustCompile(`(?i)^--[a-z0-9\-]+(=[a-z0-9\-_.,:/]+)?$`)

// baseChromeFlags is the fixed hardening flag set applied to every launch,
// independent of caller input.
var baseChromeFlags = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--enable-automation",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-features=TranslateUI",
	"--disable-ipc-flooding-protection",
	"--disable-default-apps",
	"--disable-hang-monitor",
	"--disable-prompt-on-repost",
	"--disable-sync",
	"--metrics-recording-only",
	"--no-service-autorun",
	"--password-store=basic",
	"--disable-extensions",
	"--disable-component-extensions-with-background-pages",
	"--disable-background-networking",
	"--disable-breakpad",
	"--disable-component-update",
	"--disable-domain-reliability",
	"--disable-features=OptimizationHints,MediaRouter",
	"--disable-client-side-phishing-detection",
}

// BuildChromeArgs constructs the full Chrome command-line argument list
// (everything after the executable path) for a launch, applying the same
// safety filtering the original launcher does to proxy settings and
// caller-supplied chrome_args.
func BuildChromeArgs(debugPort int, userDataDir string, proxy *model.ProxyConfig, extensions []string, chromeArgs []string, extensionExists func(string) bool) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", debugPort),
		"--remote-debugging-address=0.0.0.0",
		fmt.Sprintf("--user-data-dir=%s", userDataDir),
	}
	args = append(args, baseChromeFlags...)

	if proxy != nil {
		if proxy.Server != "" {
			if len(proxy.Server) <= 500 {
				safe := sanitizeProxyServer(proxy.Server)
				args = append(args, fmt.Sprintf("--proxy-server=%s", safe))
			}
		}
		bypass := proxy.BypassList
		if bypass == "" {
			bypass = "<-loopback>;*.local"
		}
		if len(bypass) < 1000 {
			args = append(args, fmt.Sprintf("--proxy-bypass-list=%s", bypass))
		}
	}

	if extensionExists == nil {
		extensionExists = fileExists
	}
	present := lo.Filter(extensions, func(ext string, _ int) bool { return extensionExists(ext) })
	args = append(args, lo.Map(present, func(ext string, _ int) string {
		return fmt.Sprintf("--load-extension=%s", ext)
	})...)

	args = append(args, filterSafeChromeArgs(chromeArgs)...)
	return args
}

func sanitizeProxyServer(server string) string {
	r := strings.NewReplacer(`"`, "", `'`, "", ";", "", "&", "")
	return r.Replace(server)
}

// filterSafeChromeArgs drops any caller-supplied flag that could override a
// launcher-controlled flag, escape the safe-character pattern, or reference
// a filesystem path or URL.
func filterSafeChromeArgs(chromeArgs []string) []string {
	return lo.Filter(chromeArgs, func(arg string, _ int) bool {
		if !strings.HasPrefix(arg, "--") {
			return false
		}
		name := strings.ToLower(strings.SplitN(arg, "=", 2)[0])
		if dangerousChromeArgs[name] {
			return false
		}
		if !safeArgPattern.MatchString(arg) {
			return false
		}
		if idx := strings.Index(arg, "="); idx >= 0 {
			key := arg[:idx]
			value := arg[idx+1:]
			if containsAny(key, "dir", "path", "file") {
				return false
			}
			if containsAny(value, "http://", "https://", "file://", "ftp://") {
				return false
			}
		}
		return true
	})
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
