package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscloud/browser-launcher/internal/model"
)

func TestSendDeliversJSONBody(t *testing.T) {
	var mu sync.Mutex
	var received model.Response
	var gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(true, srv.URL, time.Second)
	e.Send(context.Background(), model.Response{Status: model.StatusCompleted, WorkerID: "w1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received.WorkerID == "w1"
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "application/json", gotContentType)
}

func TestSendDisabledDoesNothing(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e := New(false, srv.URL, time.Second)
	e.Send(context.Background(), model.Response{WorkerID: "w1"})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
}

func TestSendIgnoresServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(true, srv.URL, time.Second)
	assert.NotPanics(t, func() {
		e.Send(context.Background(), model.Response{WorkerID: "w1"})
		time.Sleep(50 * time.Millisecond)
	})
}
