// Package sessionmanager implements the launch pipeline and session
// lifecycle operations (C6): reserve a port, resolve a profile directory,
// start Chrome, wait for DevTools readiness, record the session, and
// activate the port — with full reverse-order rollback on any failure. Grounded
// on original_source/src/workers/browser_launcher.py:launch_browser_session
// and :terminate_session.
package sessionmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nimbuscloud/browser-launcher/internal/clock"
	"github.com/nimbuscloud/browser-launcher/internal/devtools"
	"github.com/nimbuscloud/browser-launcher/internal/logging"
	"github.com/nimbuscloud/browser-launcher/internal/metrics"
	"github.com/nimbuscloud/browser-launcher/internal/model"
	"github.com/nimbuscloud/browser-launcher/internal/portregistry"
	"github.com/nimbuscloud/browser-launcher/internal/procsupervisor"
	"github.com/nimbuscloud/browser-launcher/internal/sessionstore"
)

// Config is the subset of the worker's configuration the session manager
// needs, decoupled from cmd/config so this package stays testable without a
// live environment.
type Config struct {
	MachineIP               string
	PublicIP                string
	DefaultTTLMinutes       int
	HardTTLMinutes          int
	BrowserTimeoutMs        int
	UseCustomChromeLauncher bool
	ChromeLauncherCmd       string
	ProfileReuseEnabled     bool
	CallbackEnabled         bool
}

// chromeLauncherFunc starts Chrome and returns a handle to it; the default
// implementation shells out to procsupervisor, and tests substitute a fake
// to exercise the pipeline without a real Chrome binary.
type chromeLauncherFunc func(ctx context.Context, port int, userDataDir string, req model.Request) (model.ProcessHandle, error)

// Manager owns the session store, port registry, and devtools prober, and
// drives the launch/terminate/shutdown operations against them.
type Manager struct {
	cfg      Config
	store    *sessionstore.Store
	ports    *portregistry.Registry
	prober   *devtools.Prober
	clock    clock.Clock
	launcher chromeLauncherFunc
	metrics  *metrics.Registry
	helpers  procsupervisor.HelperScripts
}

// New constructs a Manager. The caller is responsible for wiring the
// portregistry and sessionstore with matching slot/port limits at startup.
func New(cfg Config, store *sessionstore.Store, ports *portregistry.Registry, prober *devtools.Prober, c clock.Clock) *Manager {
	m := &Manager{cfg: cfg, store: store, ports: ports, prober: prober, clock: c, helpers: procsupervisor.NoopHelperScripts{}}
	m.launcher = m.startChrome
	return m
}

// WithHelperScripts swaps in a delegated helper-script implementation (spec
// §6); by default Manager uses a no-op implementation.
func (m *Manager) WithHelperScripts(h procsupervisor.HelperScripts) *Manager {
	m.helpers = h
	return m
}

// WithMetrics attaches a Prometheus registry; Launch/Terminate record
// against it when set. Metrics are purely observational and never gate an
// operation, so a Manager with no registry attached behaves identically.
func (m *Manager) WithMetrics(reg *metrics.Registry) *Manager {
	m.metrics = reg
	reg.PortsTotal.Set(float64(m.ports.Size()))
	return m
}

// Launch runs the full nine-step pipeline from spec §4.5 and never returns
// an error: every failure mode is represented in the returned Response's
// Status field, matching the original launch_browser_session's contract of
// always producing a BrowserSessionResponse.
func (m *Manager) Launch(ctx context.Context, req model.Request) model.Response {
	logger := logging.FromContext(ctx)
	workerID := model.NewWorkerID()

	if m.metrics != nil {
		m.metrics.LaunchAttempts.Inc()
		start := m.clock.Now()
		defer func() { m.metrics.LaunchDuration.Observe(m.clock.Now().Sub(start).Seconds()) }()
	}

	if !m.ports.HasFreeCapacity() {
		if m.metrics != nil {
			m.metrics.LaunchSlotFull.Inc()
		}
		return m.slotFullResponse(workerID, req, "no free debug ports in range: all ports exhausted")
	}
	if !m.store.HasAvailableSlots() {
		if m.metrics != nil {
			m.metrics.LaunchSlotFull.Inc()
		}
		return m.slotFullResponse(workerID, req, fmt.Sprintf("no available slots on this launcher (%d/%d occupied)", m.store.Count(), m.store.Count()+m.store.AvailableSlots()))
	}

	var (
		reservedPort int
		handle       model.ProcessHandle
		userDataDir  string
	)

	rollback := func(err error) model.Response {
		logger.Error("failed to launch browser session", "worker_id", workerID, "error", err)
		if m.metrics != nil {
			m.metrics.LaunchFailures.Inc()
		}

		if handle != nil {
			if exited, _ := handle.Poll(); !exited {
				_ = handle.Terminate()
			}
		}
		m.store.RemoveAndRecord(workerID, model.TerminatedSessionRecord{}) // no-op if never inserted
		if reservedPort != 0 {
			m.ports.Rollback(workerID, reservedPort)
		}

		if userDataDir != "" && isTempProfile(userDataDir) {
			_ = os.RemoveAll(userDataDir)
		}

		return model.Response{
			Status:       model.StatusFailed,
			WorkerID:     workerID,
			MachineIP:    m.cfg.PublicIP,
			RequesterID:  req.RequesterID,
			SessionID:    req.SessionID,
			ErrorMessage: err.Error(),
			CreatedAt:    m.clock.Now(),
		}
	}

	port, err := m.ports.Reserve(workerID)
	if err != nil {
		return m.slotFullResponse(workerID, req, err.Error())
	}
	reservedPort = port

	userDataDir, err = resolveUserDataDir(req.UserDataDir, port, customLauncherBaseDir(m.cfg))
	if err != nil {
		return rollback(err)
	}

	handle, err = m.launcher(ctx, port, userDataDir, req)
	if err != nil {
		return rollback(err)
	}

	if exited, exitCode := handle.Poll(); exited {
		return rollback(fmt.Errorf("chrome process exited immediately with code %d", exitCode))
	}

	deadline := time.Duration(m.cfg.BrowserTimeoutMs) * time.Millisecond
	if deadline > 90*time.Second {
		deadline = 90 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(context.Background(), deadline)
	readyErr := m.prober.WaitReady(probeCtx, port)
	cancel()

	if readyErr != nil {
		if exited, exitCode := handle.Poll(); exited {
			return rollback(fmt.Errorf("chrome process exited during startup with code %d", exitCode))
		}
		return rollback(fmt.Errorf("devtools not ready on 127.0.0.1:%d within %s: %w", port, deadline, readyErr))
	}

	ttlMinutes := req.TTLMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = m.cfg.DefaultTTLMinutes
	}
	if ttlMinutes > m.cfg.HardTTLMinutes {
		logger.Warn("requested TTL exceeds hard limit, capping", "requested", ttlMinutes, "hard_limit", m.cfg.HardTTLMinutes)
		ttlMinutes = m.cfg.HardTTLMinutes
	}

	createTime, err := handle.CreateTime()
	if err != nil {
		logger.Warn("could not capture process create_time", "pid", handle.PID(), "error", err)
	}

	now := m.clock.Now()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = model.NewSessionID()
	}

	session := &model.Session{
		WorkerID:          workerID,
		SessionID:         sessionID,
		RequestID:         req.ID,
		MachineIP:         m.cfg.MachineIP,
		DebugPort:         port,
		ProcessID:         handle.PID(),
		ProcessCreateTime: createTime,
		UserDataDir:       userDataDir,
		CreatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(ttlMinutes) * time.Minute),
		WebsocketURL:      fmt.Sprintf("ws://%s:%d/devtools/browser", m.cfg.PublicIP, port),
		DebugURL:          fmt.Sprintf("http://%s:%d", m.cfg.PublicIP, port),
		LastActivityAt:    now,
		Process:           handle,
	}

	if err := m.store.InsertIfCapacity(session); err != nil {
		return rollback(fmt.Errorf("maximum browser instances reached during concurrent launch: %w", err))
	}

	if err := m.ports.Activate(workerID, port); err != nil {
		logger.Warn("failed to activate port after successful launch", "worker_id", workerID, "port", port, "error", err)
	}
	reservedPort = 0 // activated: no longer ours to roll back

	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(m.store.Count()))
		m.metrics.PortsInUse.Set(float64(m.ports.ActiveCount()))
	}

	logger.Info("browser launched", "worker_id", workerID, "port", port)

	return model.Response{
		Status:       model.StatusCompleted,
		WorkerID:     workerID,
		MachineIP:    m.cfg.PublicIP,
		DebugPort:    port,
		SessionID:    sessionID,
		RequesterID:  req.RequesterID,
		WebsocketURL: session.WebsocketURL,
		DebugURL:     session.DebugURL,
		ProxyConfig:  req.ProxyConfig,
		TTLMinutes:   ttlMinutes,
		ExpiresAt:    &session.ExpiresAt,
		CreatedAt:    now,
	}
}

func (m *Manager) startChrome(ctx context.Context, port int, userDataDir string, req model.Request) (model.ProcessHandle, error) {
	if m.cfg.UseCustomChromeLauncher {
		handle, err := procsupervisor.LaunchDelegated(ctx, m.cfg.ChromeLauncherCmd, port, userDataDir, nil)
		if err != nil {
			return nil, fmt.Errorf("launching chrome via delegated launcher: %w", err)
		}
		return handle, nil
	}

	execPath, err := procsupervisor.FindExecutable()
	if err != nil {
		return nil, err
	}
	args := procsupervisor.BuildChromeArgs(port, userDataDir, req.ProxyConfig, req.Extensions, req.ChromeArgs, nil)
	handle, err := procsupervisor.LaunchDirect(ctx, execPath, args)
	if err != nil {
		return nil, fmt.Errorf("launching chrome directly: %w", err)
	}
	return handle, nil
}

func customLauncherBaseDir(cfg Config) string {
	if !cfg.UseCustomChromeLauncher || cfg.ChromeLauncherCmd == "" {
		return ""
	}
	return filepath.Dir(cfg.ChromeLauncherCmd)
}

func (m *Manager) slotFullResponse(workerID string, req model.Request, msg string) model.Response {
	return model.Response{
		Status:       model.StatusSlotFull,
		WorkerID:     workerID,
		MachineIP:    m.cfg.PublicIP,
		RequesterID:  req.RequesterID,
		SessionID:    req.SessionID,
		ErrorMessage: msg,
		CreatedAt:    m.clock.Now(),
	}
}

// ErrSessionNotFound is returned by Terminate when workerID names no live
// session; the caller already treats this as "already cleaned up", not a
// hard error.
var ErrSessionNotFound = errors.New("session not found or already cleaned up")

// Terminate kills the session's Chrome process tree, releases its port, and
// appends a terminated-session record. Idempotent: terminating an unknown
// worker ID returns ErrSessionNotFound rather than panicking. exitCode, when
// non-nil, is the already-observed exit code (spec §3's `exit_code`, e.g.
// from the cleanup sweep's crashed/closed detection); when nil, Terminate
// polls the process itself to fill it in, so every termination path -
// including a direct kill of a still-running session - has a chance to
// record a real exit code instead of leaving it unset.
func (m *Manager) Terminate(ctx context.Context, workerID string, reason model.TerminationReason, exitCode *int) error {
	logger := logging.FromContext(ctx)

	session, ok := m.store.Get(workerID)
	if !ok {
		return ErrSessionNotFound
	}

	killed := true
	observedExitCode := exitCode
	if session.Process != nil {
		if alreadyExited, code := session.Process.Poll(); alreadyExited {
			if observedExitCode == nil {
				c := code
				observedExitCode = &c
			}
		} else if err := session.Process.Terminate(); err != nil {
			killed = false
			logger.Warn("failed to cleanly terminate chrome process", "worker_id", workerID, "pid", session.ProcessID, "error", err)
		} else if observedExitCode == nil {
			_, code := session.Process.Poll()
			c := code
			observedExitCode = &c
		}
	}

	duration := m.clock.Now().Sub(session.CreatedAt).Seconds()
	record := model.TerminatedSessionRecord{
		WorkerID:               workerID,
		RequestID:              session.RequestID,
		MachineIP:              session.MachineIP,
		DebugPort:              session.DebugPort,
		ProcessID:              session.ProcessID,
		TerminationTime:        m.clock.Now(),
		TerminationReason:      reason,
		ExitCode:               observedExitCode,
		SessionDurationSeconds: duration,
	}
	m.store.RemoveAndRecord(workerID, record)

	// Always release the port to prevent leaks, even if the process refused
	// to die; it will be reusable once the process eventually exits.
	m.ports.Release(session.DebugPort)
	if !killed {
		logger.Warn("port released despite process still running", "port", session.DebugPort, "pid", session.ProcessID)
	}

	if m.metrics != nil {
		m.metrics.ObserveTermination(reason)
		m.metrics.ActiveSessions.Set(float64(m.store.Count()))
		m.metrics.PortsInUse.Set(float64(m.ports.ActiveCount()))
	}

	if isTempProfile(session.UserDataDir) && !m.cfg.ProfileReuseEnabled {
		if m.cfg.UseCustomChromeLauncher {
			go func() {
				if err := m.helpers.CleanupProfile(context.Background(), session.UserDataDir); err != nil {
					logger.Warn("delegated cleanup_profile failed", "worker_id", workerID, "error", err)
				}
			}()
		} else {
			go func() { _ = os.RemoveAll(session.UserDataDir) }()
		}
	}

	if m.cfg.UseCustomChromeLauncher {
		go func() {
			if err := m.helpers.CleanupPort(context.Background(), session.DebugPort); err != nil {
				logger.Warn("delegated cleanup_port failed", "worker_id", workerID, "error", err)
			}
		}()
		go func() {
			if err := m.helpers.CleanupExpiredSession(context.Background(), session.ProcessID, session.DebugPort, session.UserDataDir); err != nil {
				logger.Warn("delegated cleanup_expired_session failed", "worker_id", workerID, "error", err)
			}
		}()
	}

	logger.Info("browser terminated", "worker_id", workerID, "reason", reason, "duration_seconds", duration)
	return nil
}

// TerminateBySessionID resolves a caller-facing session ID to a worker ID
// and terminates it, supporting the queue's "delete" action (spec §3). The
// exit code is never known ahead of time on this path, so Terminate is left
// to observe it itself.
func (m *Manager) TerminateBySessionID(ctx context.Context, sessionID string, reason model.TerminationReason) error {
	session, ok := m.store.LookupBySessionID(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return m.Terminate(ctx, session.WorkerID, reason, nil)
}

// CleanupOldProfiles invokes the delegated cleanup_old_profiles script
// (spec §4.6) against ProfileBaseDir(), reaping any temp profile directory
// older than maxAgeHours; a no-op unless USE_CUSTOM_CHROME_LAUNCHER is set,
// since this reaper is ungrounded scope for direct launches (whose temp
// profiles are removed by Terminate itself).
func (m *Manager) CleanupOldProfiles(ctx context.Context, maxAgeHours int) error {
	return m.helpers.CleanupOldProfiles(ctx, m.ProfileBaseDir(), maxAgeHours)
}

// ProfileBaseDir reports the directory the periodic profile reaper should
// scan: the delegated launcher's own directory when a custom launcher is
// configured (spec §4.5 step 4's <launcher_basedir>/p<port> layout), or the
// OS temp directory otherwise, matching resolveUserDataDir's default.
func (m *Manager) ProfileBaseDir() string {
	if dir := customLauncherBaseDir(m.cfg); dir != "" {
		return dir
	}
	return os.TempDir()
}

// MarkNavigatedAway records that a session's Chrome instance has loaded
// real content, so the cleanup sweep stops treating it as never-used.
func (m *Manager) MarkNavigatedAway(workerID string) {
	m.store.Touch(workerID, func(s *model.Session) {
		s.HasNavigatedAway = true
		s.LastActivityAt = m.clock.Now()
	})
}

// ActiveSessions returns a snapshot of every live session, for the
// status-query surface supplementing the original's get_active_sessions.
func (m *Manager) ActiveSessions() []model.Session {
	return m.store.SnapshotActive()
}

// TerminatedSessions returns a snapshot of the bounded termination history.
func (m *Manager) TerminatedSessions() []model.TerminatedSessionRecord {
	return m.store.SnapshotTerminated()
}

// Status reports whether workerID is a live session, a recently terminated
// one, or unknown, supplementing the original's get_session_status.
func (m *Manager) Status(workerID string) (session *model.Session, terminated *model.TerminatedSessionRecord, found bool) {
	if sess, ok := m.store.Get(workerID); ok {
		return sess, nil, true
	}
	for _, rec := range m.store.SnapshotTerminated() {
		if rec.WorkerID == workerID {
			return nil, &rec, true
		}
	}
	return nil, nil, false
}

// Shutdown terminates every live session concurrently, bounded to 3 at a
// time (spec §5), so a graceful process exit doesn't leave orphaned
// Chromium instances behind.
func (m *Manager) Shutdown(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	sessions := m.store.SnapshotActive()
	if len(sessions) == 0 {
		return nil
	}

	const maxConcurrentTerminations = 3
	sem := make(chan struct{}, maxConcurrentTerminations)
	done := make(chan error, len(sessions))

	for _, sess := range sessions {
		sess := sess
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			err := m.Terminate(ctx, sess.WorkerID, model.ReasonShutdown, nil)
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				logger.Error("failed to terminate session during shutdown", "worker_id", sess.WorkerID, "error", err)
			}
			done <- err
		}()
	}

	for range sessions {
		<-done
	}
	return nil
}
