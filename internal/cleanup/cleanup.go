// Package cleanup implements the periodic sweep that reaps expired,
// hard-TTL-exceeded, crashed, closed, and never-used sessions (C7).
// Scheduled by robfig/cron/v3 from cmd/launcher. Grounded on
// original_source/src/workers/browser_launcher.py:cleanup_expired_sessions
// and :_check_and_cleanup_session.
package cleanup

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/nimbuscloud/browser-launcher/internal/clock"
	"github.com/nimbuscloud/browser-launcher/internal/devtools"
	"github.com/nimbuscloud/browser-launcher/internal/logging"
	"github.com/nimbuscloud/browser-launcher/internal/model"
	"github.com/nimbuscloud/browser-launcher/internal/sessionmanager"
)

// globalBudget bounds how long one full sweep may run before it starts
// skipping remaining sessions, so a sweep can never pile up behind a slow
// one. perSessionTimeout bounds a single session's check within that
// budget. neverUsedGrace is the about:blank-only grace period before a
// launched-but-unused session is reclaimed.
const (
	globalBudget      = 120 * time.Second
	perSessionTimeout = 10 * time.Second
	neverUsedGrace    = 90 * time.Second
)

// Sweeper runs one cleanup pass over every live session.
type Sweeper struct {
	manager        *sessionmanager.Manager
	prober         *devtools.Prober
	clock          clock.Clock
	hardTTLMinutes int

	running int32 // guards against overlapping sweeps, like _cleanup_running
}

// New constructs a Sweeper.
func New(manager *sessionmanager.Manager, prober *devtools.Prober, c clock.Clock, hardTTLMinutes int) *Sweeper {
	return &Sweeper{manager: manager, prober: prober, clock: c, hardTTLMinutes: hardTTLMinutes}
}

// Run executes one sweep. It is safe to call from a cron tick; an
// already-running sweep causes the new call to return immediately rather
// than overlap.
func (s *Sweeper) Run(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		logging.FromContext(ctx).Warn("cleanup already running, skipping this cycle")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	logger := logging.FromContext(ctx).With("sweep_id", cuid2.Generate())
	ctx = logging.AddToContext(ctx, logger)
	start := time.Now()
	now := s.clock.Now()

	sessions := s.manager.ActiveSessions()
	var terminated, timedOut, skipped int

	for i, session := range sessions {
		if time.Since(start) > globalBudget {
			logger.Warn("cleanup global timeout exceeded, skipping remaining sessions",
				"remaining", len(sessions)-i)
			break
		}

		remaining := globalBudget - time.Since(start)
		sessionTimeout := perSessionTimeout
		if remaining < sessionTimeout {
			sessionTimeout = remaining
		}
		if sessionTimeout <= 0 {
			sessionTimeout = time.Second
		}

		checkCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
		acted, err := s.checkAndCleanupSession(checkCtx, session, now)
		cancel()

		switch {
		case checkCtx.Err() != nil:
			timedOut++
			logger.Warn("session check timed out", "worker_id", session.WorkerID, "port", session.DebugPort)
		case err != nil:
			skipped++
			logger.Error("error checking session", "worker_id", session.WorkerID, "error", err)
		case acted:
			terminated++
		}
	}

	if terminated > 0 || timedOut > 0 || skipped > 0 {
		logger.Info("cleanup complete", "terminated", terminated, "timeouts", timedOut, "skipped", skipped, "active", len(s.manager.ActiveSessions()))
	}
}

// checkAndCleanupSession applies the hard-TTL, expiry, never-used, and
// crashed/closed branches to a single session, returning whether it acted
// (terminated the session).
func (s *Sweeper) checkAndCleanupSession(ctx context.Context, session model.Session, now time.Time) (acted bool, err error) {
	ageMinutes := now.Sub(session.CreatedAt).Minutes()

	if ageMinutes > float64(s.hardTTLMinutes) {
		if err := s.manager.Terminate(ctx, session.WorkerID, model.ReasonHardTTLExceeded, nil); err != nil && err != sessionmanager.ErrSessionNotFound {
			return false, err
		}
		return true, nil
	}

	if session.ExpiresAt.Before(now) {
		if err := s.manager.Terminate(ctx, session.WorkerID, model.ReasonExpired, nil); err != nil && err != sessionmanager.ErrSessionNotFound {
			return false, err
		}
		return true, nil
	}

	if session.ProcessID == 0 {
		return false, nil
	}

	running, exitCode := pollProcess(session)
	if running {
		hasPages, hasRealContent, _, probeErr := s.prober.Activity(ctx, session.DebugPort)
		if probeErr != nil {
			return false, probeErr
		}
		_ = hasPages

		if hasRealContent && !session.HasNavigatedAway {
			s.manager.MarkNavigatedAway(session.WorkerID)
			session.HasNavigatedAway = true
		}

		sessionAge := now.Sub(session.CreatedAt)
		if !session.HasNavigatedAway && sessionAge > neverUsedGrace {
			if err := s.manager.Terminate(ctx, session.WorkerID, model.ReasonNeverUsed, nil); err != nil && err != sessionmanager.ErrSessionNotFound {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}

	reason := model.ReasonClosed
	if exitCode != 0 {
		reason = model.ReasonCrashed
	}
	if err := s.manager.Terminate(ctx, session.WorkerID, reason, &exitCode); err != nil && err != sessionmanager.ErrSessionNotFound {
		return false, err
	}
	return true, nil
}

func pollProcess(session model.Session) (running bool, exitCode int) {
	if session.Process == nil {
		return true, 0
	}
	exited, code := session.Process.Poll()
	return !exited, code
}
