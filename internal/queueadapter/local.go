package queueadapter

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nimbuscloud/browser-launcher/internal/logging"
)

// requestFileName is the file an operator drops into the local-test
// directory to simulate a queue message, matching
// original_source/src/main.py:_run_local_test_mode.
const requestFileName = "test_request.json"

// LocalQueue implements Queue over a directory watched with fsnotify instead
// of a real SQS queue, for running the worker end-to-end without any cloud
// dependency (spec §6, LOCAL_TEST_DIR).
type LocalQueue struct {
	dir     string
	watcher *fsnotify.Watcher
}

// NewLocalQueue creates the watch directory if needed and starts watching
// it for request-file creation events.
func NewLocalQueue(dir string) (*LocalQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &LocalQueue{dir: dir, watcher: watcher}, nil
}

// Close releases the underlying filesystem watch.
func (q *LocalQueue) Close() error {
	return q.watcher.Close()
}

// Receive blocks until the request file appears (via fsnotify event, or a
// fallback poll in case the event was missed) or the context is done, then
// reads and returns it as a single-element batch. maxMessages is ignored: a
// local run only ever has one request file at a time.
func (q *LocalQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	requestPath := filepath.Join(q.dir, requestFileName)

	if body, ok := q.tryRead(requestPath); ok {
		return []Message{{ID: requestFileName, ReceiptHandle: requestPath, Body: body}}, nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-q.watcher.Events:
			if !ok {
				return nil, nil
			}
			if event.Name == requestPath && (event.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				if body, ok := q.tryRead(requestPath); ok {
					return []Message{{ID: requestFileName, ReceiptHandle: requestPath, Body: body}}, nil
				}
			}
		case err, ok := <-q.watcher.Errors:
			if !ok {
				return nil, nil
			}
			logging.FromContext(ctx).Warn("local queue watch error", "error", err)
		case <-ticker.C:
			if body, ok := q.tryRead(requestPath); ok {
				return []Message{{ID: requestFileName, ReceiptHandle: requestPath, Body: body}}, nil
			}
		}
	}
}

func (q *LocalQueue) tryRead(path string) ([]byte, bool) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return body, true
}

// Delete removes the request file, the local-mode equivalent of acking an
// SQS message.
func (q *LocalQueue) Delete(ctx context.Context, receiptHandle string) error {
	err := os.Remove(receiptHandle)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ChangeVisibility has no local-filesystem equivalent; a delayed retry in
// local mode simply means leaving the file in place, which the next poll
// picks up immediately. This is intentionally a no-op.
func (q *LocalQueue) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	return nil
}
