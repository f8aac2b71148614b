// Package cmd implements the egress CLI subcommands. The daemon
// subcommand wires the full orchestrator; the rest are thin HTTP
// clients against a running daemon.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/egress/internal/api"
	"grimm.is/egress/internal/audit"
	"grimm.is/egress/internal/brand"
	"grimm.is/egress/internal/config"
	"grimm.is/egress/internal/engine"
	"grimm.is/egress/internal/events"
	"grimm.is/egress/internal/firewall"
	"grimm.is/egress/internal/health"
	"grimm.is/egress/internal/logging"
	"grimm.is/egress/internal/modes"
	"grimm.is/egress/internal/netinfo"
	"grimm.is/egress/internal/netwatch"
	"grimm.is/egress/internal/resolver"
	"grimm.is/egress/internal/services"
	"grimm.is/egress/internal/vpn"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = 24 * time.Hour
)

// RunDaemon runs the orchestrator in the foreground until SIGINT or
// SIGTERM. It owns the PID file for its lifetime.
func RunDaemon(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  parseLevel(cfg.LogLevel),
		Output: os.Stderr,
		JSON:   cfg.LogJSON,
	})
	logging.SetDefault(logger)
	logger.Info("Starting", "version", brand.Version, "config", configFile)

	registry, err := modes.NewRegistry(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	pidFile, err := writePIDFile()
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	// Service control. Modes backed by a WireGuard interface get a
	// handshake-based liveness probe instead of trusting systemd's
	// active state.
	svcOpts := []services.SystemdOption{}
	for _, mc := range cfg.Modes {
		if mc.WGInterface != "" && len(mc.RequireUp) > 0 {
			svcOpts = append(svcOpts, services.WithLivenessProbe(mc.RequireUp[0], vpn.HandshakeProbe(mc.WGInterface)))
		}
	}
	svc := services.NewSystemdController(logger, svcOpts...)

	fw := firewall.NewNftBackend(cfg.Firewall.RulesetDir, logger)
	res := resolver.NewManager(svc, cfg.Resolver.Service, cfg.Resolver.ForwardFile, logger)
	prober := resolver.NewProber(cfg.Resolver.ProbeAddr, cfg.Resolver.ProbeName)
	hub := events.NewHub()

	store, err := openAuditStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.New(registry, fw, res, svc, hub, logger,
		engine.WithRecorder(store),
		engine.WithCheckpoint(func(ctx context.Context) (engine.RestorePoint, error) {
			return fw.Checkpoint(ctx)
		}),
	)

	// Unknown boot state is forced to the Direct baseline before any
	// request is accepted.
	if err := eng.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	policies, ifaces := linkPolicies(cfg, logger)
	dispatcher := engine.NewDispatcher(eng, hub, policies, logger)
	reconciler := engine.NewReconciler(eng, svc, fw, prober, hub,
		cfg.ReconcilerInterval(), cfg.Reconciler.MaxRepairs, logger)

	checker := newHealthChecker(cfg, eng, fw, prober)

	srv := api.NewServer(api.ServerOptions{
		Listen:  cfg.API.Listen,
		Engine:  eng,
		Hub:     hub,
		Checker: checker,
		History: store,
		Lookup:  netinfo.NewLookup(),
		Logger:  logger,
	})

	go dispatcher.Run(ctx)
	go reconciler.Run(ctx)
	if len(ifaces) > 0 {
		watcher := netwatch.NewWatcher(hub, ifaces, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("Link watcher stopped", "error", err)
			}
		}()
	}
	go pruneLoop(ctx, store, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shCtx)
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func openAuditStore(cfg *config.Config) (*audit.Store, error) {
	dbPath := filepath.Join(cfg.StateDir, "transitions.db")
	retention := config.DefaultAuditRetentionDays
	if cfg.Audit != nil {
		if cfg.Audit.DBPath != "" {
			dbPath = cfg.Audit.DBPath
		}
		if cfg.Audit.RetentionDays > 0 {
			retention = cfg.Audit.RetentionDays
		}
	}
	return audit.NewStore(dbPath, retention)
}

// linkPolicies turns watch blocks into dispatcher policies. Watches
// referencing unknown modes were rejected at config validation.
func linkPolicies(cfg *config.Config, logger *logging.Logger) (map[string]engine.LinkPolicy, []string) {
	policies := make(map[string]engine.LinkPolicy)
	var ifaces []string
	for _, w := range cfg.Watches {
		var p engine.LinkPolicy
		if w.OnUp != "" {
			m, err := modes.Parse(w.OnUp)
			if err != nil {
				logger.Warn("Ignoring watch", "interface", w.Interface, "error", err)
				continue
			}
			p.OnUp = m
		}
		if w.OnDown != "" {
			m, err := modes.Parse(w.OnDown)
			if err != nil {
				logger.Warn("Ignoring watch", "interface", w.Interface, "error", err)
				continue
			}
			p.OnDown = m
		}
		policies[w.Interface] = p
		ifaces = append(ifaces, w.Interface)
	}
	return policies, ifaces
}

func newHealthChecker(cfg *config.Config, eng *engine.Engine, fw engine.FirewallBackend, prober engine.ResolverProber) *health.Checker {
	checker := health.NewChecker()
	checker.Register("firewall", health.CheckFirewall(fw))
	checker.Register("resolver", health.CheckResolver(prober))
	checker.Register("services", health.CheckModeServices(eng))
	checker.Register("alarm", health.CheckAlarm(eng))
	if cfg.Uplink != nil && cfg.Uplink.MonitorIP != "" {
		checker.Register("uplink", health.CheckUplink(cfg.Uplink.MonitorIP))
	}
	if cfg.NTP != nil && cfg.NTP.Server != "" {
		checker.Register("clock", health.CheckClockDrift(cfg.NTP.Server, cfg.NTPMaxDrift()))
	}
	return checker
}

func pruneLoop(ctx context.Context, store *audit.Store, logger *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx)
			if err != nil {
				logger.Warn("Audit prune failed", "error", err)
				continue
			}
			if n > 0 {
				kept, _ := store.Count(ctx)
				logger.Info("Pruned transition history", "removed", n, "kept", kept)
			}
		}
	}
}

func pidFilePath() string {
	return filepath.Join(brand.GetRunDir(), brand.LowerName+".pid")
}

func writePIDFile() (string, error) {
	path := pidFilePath()
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(unix.Signal(0)) == nil {
					return "", fmt.Errorf("already running (PID %d)", pid)
				}
			}
		}
		// Stale PID file from a crashed run.
		os.Remove(path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return "", fmt.Errorf("failed to write PID file: %w", err)
	}
	return path, nil
}
