// Package netinfo resolves the host's local and public IP addresses, used to
// populate Response.MachineIP and the debug_url/websocket_url returned to
// callers. Grounded on original_source/src/workers/browser_launcher.py's
// _get_machine_ip/_get_public_ip_async (lines 117-190).
package netinfo

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// defaultEchoURL is queried for the public IP when none is configured.
const defaultEchoURL = "https://api.ipify.org"

// MachineIP returns the local address the host would use for outbound
// traffic, found with the original's socket-connect trick (open a UDP
// "connection" to a public address and read the local endpoint it would use,
// without ever sending a packet). If that fails, it returns the first
// non-loopback IPv4 interface address, or 127.0.0.1 when there is none.
func MachineIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return fallbackInterfaceAddr()
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return fallbackInterfaceAddr()
	}
	return addr.IP.String(), nil
}

func fallbackInterfaceAddr() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		return ipNet.IP.String(), nil
	}
	return "127.0.0.1", nil
}

// PublicIPResolver caches the process's public IP for its lifetime: it never
// changes while the worker runs, so there is no reason to re-query it on
// every request.
type PublicIPResolver struct {
	echoURL string
	client  *http.Client

	once   sync.Once
	ip     string
	err    error
}

// NewPublicIPResolver builds a resolver. An empty echoURL falls back to
// api.ipify.org.
func NewPublicIPResolver(echoURL string, timeout time.Duration) *PublicIPResolver {
	if echoURL == "" {
		echoURL = defaultEchoURL
	}
	return &PublicIPResolver{echoURL: echoURL, client: &http.Client{Timeout: timeout}}
}

// Resolve returns the cached public IP, querying the echo service on first
// call. If the query fails, it falls back to localIP (the caller's
// machine IP) exactly as the original does when running off-cloud.
func (r *PublicIPResolver) Resolve(ctx context.Context, localIP string) string {
	r.once.Do(func() {
		r.ip, r.err = r.query(ctx)
	})
	if r.err != nil {
		return localIP
	}
	return r.ip
}

func (r *PublicIPResolver) query(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.echoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
