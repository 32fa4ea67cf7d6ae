package devtools

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestWaitReadySucceedsOnFirstGoodResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"Browser":"Chrome"}`))
	}))
	defer srv.Close()

	p := NewProber()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.WaitReady(ctx, testPort(t, srv))
	assert.NoError(t, err)
}

func TestWaitReadyTimesOutWhenNothingListens(t *testing.T) {
	p := NewProber()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := p.WaitReady(ctx, 1) // port 1 should refuse connections
	assert.Error(t, err)
}

func TestActivityNoListenerReturnsAllFalse(t *testing.T) {
	p := NewProber()
	hasPages, hasContent, hasWS, err := p.Activity(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, hasPages)
	assert.False(t, hasContent)
	assert.False(t, hasWS)
}

func TestActivityParsesBlankAndRealPages(t *testing.T) {
	targets := []target{
		{Type: "page", URL: "about:blank"},
		{Type: "page", URL: "https://example.com", WebSocketDebuggerURL: "ws://127.0.0.1/devtools/page/1"},
		{Type: "background_page", URL: "https://extension/bg.html"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(targets)
		w.Write(body)
	}))
	defer srv.Close()

	p := NewProber()
	port := testPort(t, srv)
	hasPages, hasContent, hasWS, err := p.Activity(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, hasPages)
	assert.True(t, hasContent)
	assert.True(t, hasWS)
}

func TestActivityAllBlankPagesIsNotRealContent(t *testing.T) {
	targets := []target{
		{Type: "page", URL: "about:blank"},
		{Type: "page", URL: ""},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(targets)
		w.Write(body)
	}))
	defer srv.Close()

	p := NewProber()
	port := testPort(t, srv)
	hasPages, hasContent, hasWS, err := p.Activity(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, hasPages)
	assert.False(t, hasContent)
	assert.False(t, hasWS)
}
