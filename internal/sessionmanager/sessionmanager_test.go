package sessionmanager

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimbuscloud/browser-launcher/internal/clock"
	"github.com/nimbuscloud/browser-launcher/internal/devtools"
	"github.com/nimbuscloud/browser-launcher/internal/model"
	"github.com/nimbuscloud/browser-launcher/internal/portregistry"
	"github.com/nimbuscloud/browser-launcher/internal/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle is an in-memory model.ProcessHandle standing in for a real
// Chrome process: it never actually exits unless told to.
type fakeHandle struct {
	pid         int
	exited      int32
	terminateErr error
}

func (f *fakeHandle) PID() int                    { return f.pid }
func (f *fakeHandle) CreateTime() (float64, error) { return 1000.0, nil }
func (f *fakeHandle) Poll() (bool, int) {
	if atomic.LoadInt32(&f.exited) == 1 {
		return true, 0
	}
	return false, 0
}
func (f *fakeHandle) Terminate() error {
	atomic.StoreInt32(&f.exited, 1)
	return f.terminateErr
}
func (f *fakeHandle) Kill() error { return f.Terminate() }

// fakeDevtoolsServer answers /json/version on 127.0.0.1:port, standing in for
// the DevTools endpoint of a Chrome started on that port.
func fakeDevtoolsServer(t *testing.T, port int) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"Browser":"Chrome/test"}`))
	}))
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

// newTestManager builds a Manager over a one-port registry. The port is left
// unbound until the fake launcher starts the DevTools stand-in on it, so the
// registry's probe finds it free and WaitReady then finds it answering.
func newTestManager(t *testing.T) (*Manager, *fakeHandle, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	devtoolsPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := sessionstore.New(2)
	ports := portregistry.New(devtoolsPort, devtoolsPort, fake, portregistry.ProbeModeDelegated)
	prober := devtools.NewProber()

	cfg := Config{
		MachineIP:         "10.0.0.5",
		PublicIP:          "203.0.113.5",
		DefaultTTLMinutes: 30,
		HardTTLMinutes:    120,
		BrowserTimeoutMs:  5000,
	}

	mgr := New(cfg, store, ports, prober, fake)

	handle := &fakeHandle{pid: 4242}
	mgr.launcher = func(ctx context.Context, port int, userDataDir string, req model.Request) (model.ProcessHandle, error) {
		fakeDevtoolsServer(t, port)
		return handle, nil
	}

	return mgr, handle, devtoolsPort
}

func TestLaunchSucceeds(t *testing.T) {
	mgr, _, devtoolsPort := newTestManager(t)

	resp := mgr.Launch(context.Background(), model.Request{
		ID:          "req-1",
		RequesterID: "tester",
		TTLMinutes:  10,
	})

	require.Equal(t, model.StatusCompleted, resp.Status)
	assert.Equal(t, devtoolsPort, resp.DebugPort)
	assert.Equal(t, 10, resp.TTLMinutes)
	assert.NotEmpty(t, resp.WorkerID)
	assert.Equal(t, 1, mgr.store.Count())
}

func TestLaunchCapsTTLAtHardLimit(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	resp := mgr.Launch(context.Background(), model.Request{
		ID:          "req-1",
		RequesterID: "tester",
		TTLMinutes:  999,
	})

	require.Equal(t, model.StatusCompleted, resp.Status)
	assert.Equal(t, 120, resp.TTLMinutes)
}

func TestLaunchSlotFullWhenPortsExhausted(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	resp1 := mgr.Launch(context.Background(), model.Request{ID: "r1", RequesterID: "t"})
	require.Equal(t, model.StatusCompleted, resp1.Status)

	// The registry only has one port, so the second launch fails at the
	// port-capacity pre-check before it ever touches the store.
	resp2 := mgr.Launch(context.Background(), model.Request{ID: "r2", RequesterID: "t"})
	assert.Equal(t, model.StatusSlotFull, resp2.Status)
}

func TestLaunchRollsBackPortOnChromeStartFailure(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.launcher = func(ctx context.Context, port int, userDataDir string, req model.Request) (model.ProcessHandle, error) {
		return nil, assertError{}
	}

	resp := mgr.Launch(context.Background(), model.Request{ID: "r1", RequesterID: "t"})
	assert.Equal(t, model.StatusFailed, resp.Status)
	assert.True(t, mgr.ports.HasFreeCapacity())
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestLaunchRollsBackWhenChromeExitsImmediately(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.launcher = func(ctx context.Context, port int, userDataDir string, req model.Request) (model.ProcessHandle, error) {
		h := &fakeHandle{pid: 1}
		h.exited = 1
		return h, nil
	}

	resp := mgr.Launch(context.Background(), model.Request{ID: "r1", RequesterID: "t"})
	assert.Equal(t, model.StatusFailed, resp.Status)
	assert.True(t, mgr.ports.HasFreeCapacity())
	assert.Equal(t, 0, mgr.store.Count())
}

func TestTerminateRemovesSessionAndReleasesPort(t *testing.T) {
	mgr, handle, _ := newTestManager(t)

	resp := mgr.Launch(context.Background(), model.Request{ID: "r1", RequesterID: "t"})
	require.Equal(t, model.StatusCompleted, resp.Status)

	err := mgr.Terminate(context.Background(), resp.WorkerID, model.ReasonClosed, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, mgr.store.Count())
	assert.True(t, mgr.ports.HasFreeCapacity())
	exited, _ := handle.Poll()
	assert.True(t, exited)

	history := mgr.TerminatedSessions()
	require.Len(t, history, 1)
	assert.Equal(t, model.ReasonClosed, history[0].TerminationReason)
	require.NotNil(t, history[0].ExitCode)
	assert.Equal(t, 0, *history[0].ExitCode)
}

func TestTerminateUnknownWorkerReturnsNotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	err := mgr.Terminate(context.Background(), "does-not-exist", model.ReasonClosed, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestShutdownTerminatesAllLiveSessions(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	resp := mgr.Launch(context.Background(), model.Request{ID: "r1", RequesterID: "t"})
	require.Equal(t, model.StatusCompleted, resp.Status)

	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Equal(t, 0, mgr.store.Count())
}
