// MeshMini daemon -- mesh community message board gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meshlink/meshmini/internal/bbs"
	"github.com/meshlink/meshmini/internal/bus"
	"github.com/meshlink/meshmini/internal/config"
	"github.com/meshlink/meshmini/internal/mesh"
	gwmetrics "github.com/meshlink/meshmini/internal/metrics"
	"github.com/meshlink/meshmini/internal/radio"
	"github.com/meshlink/meshmini/internal/store"
	appversion "github.com/meshlink/meshmini/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// busQueueLen buffers the secondary receive path.
const busQueueLen = 64

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("meshmini"))
		return 0
	}

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("meshmini starting",
		slog.String("version", appversion.Version),
		slog.String("store", cfg.Store.Path),
		slog.String("device", cfg.Link.Device),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Open the persistence store.
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("failed to open store",
			slog.String("path", cfg.Store.Path),
			slog.String("error", err.Error()),
		)
		return 1
	}
	defer st.Close()

	// 5. Prometheus metrics on a private registry.
	reg := prometheus.NewRegistry()
	collector := gwmetrics.NewCollector(reg)

	// 6. Receive bus (secondary delivery path) and the radio link. The
	// gateway does not exist yet, so the direct callback goes through an
	// atomic forwarder wired up below.
	rxBus := bus.New(busQueueLen)
	defer rxBus.Close()

	var handler atomic.Pointer[bbs.Gateway]
	link, err := radio.Open(radio.Options{
		Device: cfg.Link.Device,
		TXGap:  cfg.Link.TXGap,
		OnPacket: func(pkt mesh.Packet) {
			if g := handler.Load(); g != nil {
				g.HandlePacket(pkt)
			}
		},
		Bus:    rxBus,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to open radio link",
			slog.String("device", cfg.Link.Device),
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 7. Assemble the gateway.
	gw := bbs.New(cfg, st, link, rxBus, collector, logger)
	if err := gw.Seed(); err != nil {
		logger.Error("failed to seed admins/peers",
			slog.String("error", err.Error()),
		)
		link.Close()
		return 1
	}
	handler.Store(gw)

	// 8. Run. The link is closed last so in-flight replies drain.
	if err := runTasks(cfg, gw, reg, logLevel, logger); err != nil {
		logger.Error("meshmini exited with error",
			slog.String("error", err.Error()),
		)
		link.Close()
		return 1
	}

	if err := link.Close(); err != nil {
		logger.Warn("failed to close radio link",
			slog.String("error", err.Error()),
		)
	}
	logger.Info("meshmini stopped")
	return 0
}

// runTasks runs the gateway data plane, the supervisor tickers, and the
// metrics server under an errgroup with signal-aware context.
func runTasks(
	cfg *config.Config,
	gw *bbs.Gateway,
	reg *prometheus.Registry,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(gw.Run(gCtx)) })
	g.Go(func() error { return ignoreCanceled(gw.RunSyncTicker(gCtx)) })
	g.Go(func() error { return ignoreCanceled(gw.RunWatchdog(gCtx)) })

	servers := metricsServers(cfg.Metrics, reg)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", srv.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, srv, srv.Addr)
		})
	}

	g.Go(func() error {
		return runSystemdWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, servers...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run tasks: %w", err)
	}
	return nil
}

// ignoreCanceled maps context cancellation to a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd once initialization is complete.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd at the start of shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runSystemdWatchdog sends periodic keepalives at half the configured
// WatchdogSec. Exits immediately when the watchdog is not configured.
func runSystemdWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload: log level
// -------------------------------------------------------------------------

// handleSIGHUP adjusts the dynamic log level on SIGHUP. Board behavior is
// administered live over the mesh, so the log level is the only setting
// worth reloading. Blocks until ctx is done.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			next := slog.LevelInfo
			if logLevel.Level() != slog.LevelDebug {
				next = slog.LevelDebug
			}
			logLevel.Set(next)
			logger.Info("received SIGHUP, toggled log level",
				slog.String("level", next.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown + Metrics Server
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the metrics server. The
// parent context is already cancelled when this runs.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// listenAndServe creates a TCP listener via ListenConfig and serves until
// shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// metricsServers returns the HTTP servers to run. An empty addr disables
// the metrics endpoint.
func metricsServers(cfg config.MetricsConfig, reg *prometheus.Registry) []*http.Server {
	if cfg.Addr == "" {
		return nil
	}
	return []*http.Server{newMetricsServer(cfg, reg)}
}

// newMetricsServer creates the Prometheus metrics endpoint server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
