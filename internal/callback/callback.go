// Package callback optionally POSTs the launch response to an external HTTP
// endpoint (C9). Grounded on
// original_source/src/workers/browser_launcher.py's callback handling, which
// fires the POST in a background task and only logs the outcome.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nimbuscloud/browser-launcher/internal/logging"
	"github.com/nimbuscloud/browser-launcher/internal/model"
)

// Emitter POSTs a Response as JSON to a fixed URL, never blocking or
// propagating failures back to the launch path.
type Emitter struct {
	url     string
	client  *http.Client
	enabled bool
}

// New builds an Emitter. If enabled is false, Send is a no-op.
func New(enabled bool, url string, timeout time.Duration) *Emitter {
	return &Emitter{
		url:     url,
		enabled: enabled,
		client:  &http.Client{Timeout: timeout},
	}
}

// Send fires the callback in the background and returns immediately; the
// launch path never waits on it or observes its outcome.
func (e *Emitter) Send(ctx context.Context, resp model.Response) {
	if !e.enabled || e.url == "" {
		return
	}
	go e.post(context.WithoutCancel(ctx), resp)
}

func (e *Emitter) post(ctx context.Context, resp model.Response) {
	logger := logging.FromContext(ctx)

	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("callback: failed to marshal response", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		logger.Error("callback: failed to build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := e.client.Do(req)
	if err != nil {
		logger.Warn("callback: request failed", "url", e.url, "worker_id", resp.WorkerID, "error", err)
		return
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		logger.Warn("callback: non-2xx response", "url", e.url, "worker_id", resp.WorkerID, "status", httpResp.StatusCode)
		return
	}

	logger.Info("callback: delivered", "url", e.url, "worker_id", resp.WorkerID, "status", fmt.Sprintf("%d", httpResp.StatusCode))
}
