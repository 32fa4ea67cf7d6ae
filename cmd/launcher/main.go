// Command launcher is the browser session launcher worker daemon: it polls
// a request queue, launches and supervises headful Chromium instances, and
// periodically sweeps expired/crashed/never-used sessions. Adapted from the
// teacher's own cmd/api/main.go for the signal-cancellable-context,
// chi-router, and errgroup-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nimbuscloud/browser-launcher/cmd/config"
	"github.com/nimbuscloud/browser-launcher/internal/callback"
	"github.com/nimbuscloud/browser-launcher/internal/clock"
	"github.com/nimbuscloud/browser-launcher/internal/cleanup"
	"github.com/nimbuscloud/browser-launcher/internal/devtools"
	"github.com/nimbuscloud/browser-launcher/internal/logging"
	"github.com/nimbuscloud/browser-launcher/internal/metrics"
	"github.com/nimbuscloud/browser-launcher/internal/model"
	"github.com/nimbuscloud/browser-launcher/internal/netinfo"
	"github.com/nimbuscloud/browser-launcher/internal/portregistry"
	"github.com/nimbuscloud/browser-launcher/internal/procsupervisor"
	"github.com/nimbuscloud/browser-launcher/internal/queueadapter"
	"github.com/nimbuscloud/browser-launcher/internal/sessionmanager"
	"github.com/nimbuscloud/browser-launcher/internal/sessionstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slogger := logging.New(cfg.LogLevel, cfg.LogFile)
	slogger.Info("starting browser session launcher", "environment", cfg.Environment, "local_mode", cfg.IsLocalMode())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.AddToContext(ctx, slogger)

	if err := portregistry.EnsureWindowsPortRangeAvailable(cfg.ChromePortStart, cfg.ChromePortEnd); err != nil {
		slogger.Error("chrome debug port range unavailable", "err", err)
		os.Exit(1)
	}

	machineIP, err := netinfo.MachineIP()
	if err != nil {
		slogger.Warn("failed to resolve machine IP, falling back to loopback", "err", err)
		machineIP = "127.0.0.1"
	}
	publicIPResolver := netinfo.NewPublicIPResolver(cfg.PublicIPEchoURL, 5*time.Second)
	publicIP := publicIPResolver.Resolve(ctx, machineIP)
	slogger.Info("resolved network identity", "machine_ip", machineIP, "public_ip", publicIP)

	realClock := clock.Real{}
	store := sessionstore.New(cfg.MaxBrowserInstances)

	probeMode := portregistry.ProbeModeDirect
	if cfg.UseCustomChromeLauncher {
		probeMode = portregistry.ProbeModeDelegated
	}
	ports := portregistry.New(cfg.ChromePortStart, cfg.ChromePortEnd, realClock, probeMode)
	prober := devtools.NewProber()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metricsRegistry := metrics.New(reg)

	mgrCfg := sessionmanager.Config{
		MachineIP:               machineIP,
		PublicIP:                publicIP,
		DefaultTTLMinutes:       cfg.DefaultTTLMinutes,
		HardTTLMinutes:          cfg.HardTTLMinutes,
		BrowserTimeoutMs:        cfg.BrowserTimeoutMs,
		UseCustomChromeLauncher: cfg.UseCustomChromeLauncher,
		ChromeLauncherCmd:       cfg.ChromeLauncherCmd,
		ProfileReuseEnabled:     cfg.ProfileReuseEnabled,
		CallbackEnabled:         cfg.BrowserAPICallbackEnabled,
	}
	manager := sessionmanager.New(mgrCfg, store, ports, prober, realClock).WithMetrics(metricsRegistry)
	if cfg.UseCustomChromeLauncher {
		manager = manager.WithHelperScripts(procsupervisor.NewScriptHelperScripts(""))
	}

	emitter := callback.New(cfg.BrowserAPICallbackEnabled, cfg.BrowserAPICallbackURL, time.Duration(cfg.BrowserAPICallbackTimeoutSeconds)*time.Second)

	sweeper := cleanup.New(manager, prober, realClock, cfg.HardTTLMinutes)
	cronScheduler := cron.New()
	if _, err := cronScheduler.AddFunc("@every 20s", func() { sweeper.Run(ctx) }); err != nil {
		slogger.Error("failed to schedule cleanup sweep", "err", err)
		os.Exit(1)
	}
	profileReaperSchedule := fmt.Sprintf("@every %ds", cfg.ProfileCleanupIntervalSeconds)
	if _, err := cronScheduler.AddFunc(profileReaperSchedule, func() {
		if err := manager.CleanupOldProfiles(ctx, cfg.ProfileMaxAgeHours); err != nil {
			slogger.Warn("profile reaper failed", "err", err)
		}
	}); err != nil {
		slogger.Error("failed to schedule profile reaper", "err", err)
		os.Exit(1)
	}
	cronScheduler.Start()

	handler := makeHandler(manager, emitter)
	availableSlots := func() int { return store.AvailableSlots() }

	var queue queueadapter.Queue
	if cfg.IsLocalMode() {
		localQueue, err := queueadapter.NewLocalQueue(cfg.LocalTestDir)
		if err != nil {
			slogger.Error("failed to start local-test-mode queue", "err", err)
			os.Exit(1)
		}
		defer localQueue.Close()
		queue = localQueue
		slogger.Info("running in local-test mode", "dir", cfg.LocalTestDir)
	} else {
		sqsQueue, err := queueadapter.NewSQSQueue(ctx, cfg.SQSRequestQueueURL, cfg.AWSRegion, cfg.SQSWaitTimeSeconds)
		if err != nil {
			slogger.Error("failed to create sqs queue client", "err", err)
			os.Exit(1)
		}
		queue = sqsQueue
	}

	dispatcher := queueadapter.New(queue, handler, cfg.SQSMaxBatchSize, availableSlots)

	debugRouter := chi.NewRouter()
	debugRouter.Use(chiMiddleware.Recoverer)
	debugRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	debugRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	debugRouter.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active":     manager.ActiveSessions(),
			"terminated": manager.TerminatedSessions(),
		})
	})
	debugRouter.Get("/status/{worker_id}", func(w http.ResponseWriter, r *http.Request) {
		workerID := chi.URLParam(r, "worker_id")
		session, terminated, found := manager.Status(workerID)
		w.Header().Set("Content-Type", "application/json")
		if !found {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown worker_id"})
			return
		}
		if session != nil {
			_ = json.NewEncoder(w).Encode(session)
			return
		}
		_ = json.NewEncoder(w).Encode(terminated)
	})

	debugServer := &http.Server{Addr: cfg.DebugListenAddr, Handler: debugRouter}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slogger.Info("debug http server starting", "addr", debugServer.Addr)
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("debug server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	<-ctx.Done()
	slogger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cronCtx := cronScheduler.Stop()
	<-cronCtx.Done()

	var shutdownGroup errgroup.Group
	shutdownGroup.Go(func() error { return debugServer.Shutdown(shutdownCtx) })
	shutdownGroup.Go(func() error { return manager.Shutdown(shutdownCtx) })
	if err := shutdownGroup.Wait(); err != nil {
		slogger.Error("error during shutdown", "err", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slogger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

// makeHandler adapts the session manager's launch/terminate operations to
// the queueadapter.Handler contract, mapping each response status to the
// visibility-timeout outcome spec §4.7 describes.
func makeHandler(manager *sessionmanager.Manager, emitter *callback.Emitter) queueadapter.Handler {
	return func(ctx context.Context, req model.Request) (model.Response, queueadapter.Outcome) {
		if req.Action == model.ActionDelete {
			return handleDelete(ctx, manager, req)
		}

		resp := manager.Launch(ctx, req)
		emitter.Send(ctx, resp)

		switch resp.Status {
		case model.StatusCompleted:
			return resp, queueadapter.OutcomeCompleted
		case model.StatusSlotFull:
			return resp, queueadapter.OutcomeSlotFull
		default:
			return resp, queueadapter.OutcomeFailed
		}
	}
}

func handleDelete(ctx context.Context, manager *sessionmanager.Manager, req model.Request) (model.Response, queueadapter.Outcome) {
	if req.SessionID == "" {
		// No session to delete names nothing to retry against; ack-delete
		// the message rather than treating a malformed request as a
		// not-found outcome (spec §4.7).
		return model.Response{
			Status:      model.StatusCompleted,
			RequesterID: req.RequesterID,
		}, queueadapter.OutcomeCompleted
	}

	err := manager.TerminateBySessionID(ctx, req.SessionID, model.ReasonDeleteAction)
	switch {
	case err == nil:
		return model.Response{
			Status:      model.StatusCompleted,
			SessionID:   req.SessionID,
			RequesterID: req.RequesterID,
		}, queueadapter.OutcomeCompleted
	case errors.Is(err, sessionmanager.ErrSessionNotFound):
		return model.Response{
			Status:       model.StatusFailed,
			SessionID:    req.SessionID,
			RequesterID:  req.RequesterID,
			ErrorMessage: err.Error(),
		}, queueadapter.OutcomeDeleteNotFound
	default:
		return model.Response{
			Status:       model.StatusFailed,
			SessionID:    req.SessionID,
			RequesterID:  req.RequesterID,
			ErrorMessage: err.Error(),
		}, queueadapter.OutcomeException
	}
}
