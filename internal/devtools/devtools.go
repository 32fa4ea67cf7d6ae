// Package devtools probes a launched Chromium's Chrome DevTools Protocol
// debug port (C4): readiness via /json/version, and activity/page
// inspection via /json/list. Grounded on
// original_source/src/workers/browser_launcher.py (_check_chrome_activity)
// for the activity probe, and on other_examples'
// rickcrawford-markdowninthemiddle chrome-launcher.go (waitForChrome) for
// the readiness-polling idiom.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// blankPageURLs mirrors the original's list of "not real content" URLs a
// fresh tab can carry.
var blankPageURLs = map[string]bool{
	"about:blank":          true,
	"chrome://newtab/":     true,
	"chrome://new-tab-page/": true,
	"":                     true,
	"data:":                true,
}

// Prober talks to a single host's Chrome debug ports over HTTP.
type Prober struct {
	httpClient *http.Client
}

// NewProber builds a Prober with a short per-request timeout; the caller
// controls overall deadlines via context and retry attempts.
func NewProber() *Prober {
	return &Prober{httpClient: &http.Client{Timeout: 2 * time.Second}}
}

// WaitReady polls /json/version on the given port with exponential backoff
// (100ms initial, up to 2s, via avast/retry-go) until it responds 200 or ctx
// is done.
func (p *Prober) WaitReady(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := p.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("devtools endpoint returned status %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Attempts(0), // unlimited; bounded by ctx deadline instead
		retry.LastErrorOnly(true),
	)
}

// target is one entry of the /json/list response body.
type target struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Activity reports whether a port's Chromium has any open pages, any
// non-blank page, and any page with a live websocket debugger connection.
// It TCP pre-probes the port before issuing the HTTP request so a dead
// process returns quickly rather than blocking on a connection attempt.
func (p *Prober) Activity(ctx context.Context, port int) (hasPages, hasRealContent, hasWebsocket bool, err error) {
	if !p.tcpReachable(port) {
		return false, false, false, nil
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/json/list", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, false, false, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, false, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, false, false, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return false, false, false, nil
	}

	var targets []target
	if err := json.Unmarshal(body, &targets); err != nil {
		return false, false, false, nil
	}

	pageCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		pageCount++
		if !blankPageURLs[t.URL] {
			hasRealContent = true
		}
		if t.WebSocketDebuggerURL != "" {
			hasWebsocket = true
		}
	}

	return pageCount > 0, hasRealContent, hasWebsocket, nil
}

func (p *Prober) tcpReachable(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
