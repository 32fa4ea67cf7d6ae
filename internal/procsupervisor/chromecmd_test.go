package procsupervisor

import (
	"testing"

	"github.com/nimbuscloud/browser-launcher/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestBuildChromeArgsBaseFlags(t *testing.T) {
	args := BuildChromeArgs(9222, "/tmp/profile", nil, nil, nil, func(string) bool { return false })

	assert.Contains(t, args, "--remote-debugging-port=9222")
	assert.Contains(t, args, "--remote-debugging-address=0.0.0.0")
	assert.Contains(t, args, "--user-data-dir=/tmp/profile")
	assert.Contains(t, args, "--no-first-run")
}

func TestBuildChromeArgsProxySanitized(t *testing.T) {
	proxy := &model.ProxyConfig{Server: `1.2.3.4:8080";&`}
	args := BuildChromeArgs(9222, "/tmp/profile", proxy, nil, nil, nil)

	assert.Contains(t, args, "--proxy-server=1.2.3.4:8080")
	assert.Contains(t, args, "--proxy-bypass-list=<-loopback>;*.local")
}

func TestBuildChromeArgsExtensionsOnlyIfPresent(t *testing.T) {
	exists := map[string]bool{"/ext/a": true}
	args := BuildChromeArgs(9222, "/tmp/profile", nil, []string{"/ext/a", "/ext/missing"}, nil,
		func(p string) bool { return exists[p] })

	assert.Contains(t, args, "--load-extension=/ext/a")
	for _, a := range args {
		assert.NotEqual(t, "--load-extension=/ext/missing", a)
	}
}

func TestFilterSafeChromeArgsBlocksDangerous(t *testing.T) {
	filtered := filterSafeChromeArgs([]string{
		"--no-sandbox",
		"--disable-web-security",
		"--user-data-dir=/tmp/other",
	})
	assert.Empty(t, filtered)
}

func TestFilterSafeChromeArgsBlocksPathAndURLValues(t *testing.T) {
	filtered := filterSafeChromeArgs([]string{
		"--some-dir=/etc/passwd",
		"--some-flag=http://evil.example",
	})
	assert.Empty(t, filtered)
}

func TestFilterSafeChromeArgsAllowsSafeFlags(t *testing.T) {
	filtered := filterSafeChromeArgs([]string{
		"--lang=en-us",
		"--window-size=1280,800",
	})
	assert.ElementsMatch(t, []string{"--lang=en-us", "--window-size=1280,800"}, filtered)
}

func TestFilterSafeChromeArgsRejectsMalformed(t *testing.T) {
	filtered := filterSafeChromeArgs([]string{
		"not-a-flag",
		"--HAS SPACE",
	})
	assert.Empty(t, filtered)
}
