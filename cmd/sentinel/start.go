package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentinel/pkg/adapter"
	"github.com/cuemby/sentinel/pkg/backup"
	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/fixer"
	"github.com/cuemby/sentinel/pkg/impact"
	"github.com/cuemby/sentinel/pkg/ingest"
	"github.com/cuemby/sentinel/pkg/knowledge"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/monitor"
	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/orchestrator"
	"github.com/cuemby/sentinel/pkg/planner"
	"github.com/cuemby/sentinel/pkg/server"
	"github.com/cuemby/sentinel/pkg/service"
	"github.com/cuemby/sentinel/pkg/store"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/cuemby/sentinel/pkg/watcher"
)

// drainTimeout bounds the HTTP server shutdown during stop.
const drainTimeout = 10 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the controller",
	Long: `Start the controller: security-tool watchers, the remediation
pipeline, project health monitoring, the push ingestor, and the HTTP
surface (webhook receiver, control API, /health, /metrics).

The process runs until SIGINT or SIGTERM, then drains: intake stops
first, a batch mid-execution finishes its current phase, pending
batches are persisted, and the stores close last.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runController(cfg)
	},
}

func runController(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// Stores open first so corrupt state stops the process before any
	// loop starts. A corrupt archive is always fatal; a corrupt
	// knowledge base is fatal only when the config requires it.
	st, err := store.NewBoltStore(cfg.ArchivePath())
	if err != nil {
		return err
	}
	kb, err := knowledge.Open(knowledge.Config{
		Path:          cfg.KnowledgeBase.Path,
		RetentionDays: cfg.KnowledgeBase.RetentionDays,
		Required:      cfg.KnowledgeBase.Required,
	})
	if err != nil {
		_ = st.Close()
		return err
	}

	broker := bus.NewBroker()
	broker.Start()

	sinks := []notify.Sink{notify.NewConsoleSink(os.Stdout)}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
	}
	notifier := notify.New(sinks...)
	if err := notifier.EnsureChannels(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("notification channel setup incomplete")
	}
	bridge := notify.NewBridge(broker, notifier, cfg.AutoRemediation.ApprovalMode)
	bridge.Start()

	exec, err := executor.New(executor.Config{
		Mode:           cfg.ExecMode(),
		DefaultTimeout: cfg.Executor.DefaultTimeout.Std(),
		MaxTimeout:     cfg.Executor.MaxTimeout.Std(),
		HistorySize:    cfg.Executor.HistorySize,
		ExtraBlocklist: cfg.Executor.Blocklist,
	})
	if err != nil {
		return &configError{err}
	}
	backups, err := backup.NewManager(backup.Config{
		Root:          cfg.Backup.Root,
		Compression:   cfg.Backup.Compression,
		RetentionDays: cfg.Backup.RetentionDays,
		MaxSizeMB:     cfg.Backup.MaxSizeMB,
	}, st, exec)
	if err != nil {
		return fmt.Errorf("failed to create backup manager: %w", err)
	}

	plnr, err := planner.New(cfg.Planner)
	if err != nil {
		return &configError{err}
	}

	// Detection and the pipeline only exist when remediation is
	// enabled; monitoring and ingest run either way.
	var orch *orchestrator.Orchestrator
	var watch *watcher.Watcher
	var fswatch *adapter.FSWatch
	if cfg.AutoRemediation.Enabled {
		adapters, trivy, fsw, err := buildAdapters(cfg)
		if err != nil {
			return err
		}
		fswatch = fsw

		orch = orchestrator.New(cfg.AutoRemediation, orchestrator.Deps{
			Store:      st,
			Planner:    plnr,
			Notifier:   notifier,
			Impact:     impact.NewAnalyzer(cfg.DomainProjects(), cfg.Impact.ProtectedPaths, cfg.AutoRemediation.ApprovalMode),
			Fixers:     buildFixers(cfg, exec, backups, trivy),
			Backups:    backups,
			Services:   service.NewManager(cfg.Services, exec, broker),
			Knowledge:  kb,
			Broker:     broker,
			Strategies: cfg.Strategies,
		})
		if err := orch.Start(); err != nil {
			return fmt.Errorf("failed to start orchestrator: %w", err)
		}

		seen := watcher.NewSeenCache(cfg.SeenCachePath(), broker)
		if err := seen.Load(); err != nil {
			return err
		}
		watch = watcher.New(adapters, seen, orch, broker, cfg.Sources.PollTimeout.Std())
		watch.Start()
	} else {
		logger.Info().Msg("auto-remediation disabled, detection pipeline idle")
	}

	mon := monitor.New(cfg.Projects, cfg.MonitorStatePath(), monitor.Deps{
		Executor:  exec,
		Notifier:  notifier,
		Knowledge: kb,
		Broker:    broker,
	})
	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start project monitor: %w", err)
	}

	ingDeps := ingest.Deps{Knowledge: kb, Broker: broker}
	if len(cfg.Planner.Providers) > 0 {
		ingDeps.Summarizer = plnr
	}
	ing := ingest.New(cfg.GitHub, cfg.PushStatePath(), ingDeps)
	if err := ing.Start(); err != nil {
		return fmt.Errorf("failed to start ingestor: %w", err)
	}

	var queue metrics.QueueSampler
	if orch != nil {
		queue = orch
	}
	collector := metrics.NewCollector(queue, mon)
	collector.Start()

	srvDeps := server.Deps{
		Health:   mon,
		Learning: kb,
		Commands: exec,
		Archive:  st,
		Inbox:    notifier.Inbox(),
		Webhook:  ing.WebhookHandler(),
	}
	if orch != nil {
		srvDeps.Pipeline = orch
	}
	srv := server.New(cfg.Listen, srvDeps)
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("state_dir", cfg.StateDir).
		Str("mode", string(exec.Mode())).
		Bool("remediation", cfg.AutoRemediation.Enabled).
		Int("projects", len(cfg.Projects)).
		Msg("sentinel started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Intake first, then the pipeline, then the loops, then the HTTP
	// surface; the stores close last so every late write lands.
	if watch != nil {
		watch.Stop()
	}
	if orch != nil {
		orch.Stop()
	}
	mon.Stop()
	ing.Stop()
	if fswatch != nil {
		_ = fswatch.Close()
	}
	collector.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Stop(drainCtx); err != nil {
		logger.Error().Err(err).Msg("http server drain failed")
	}

	bridge.Stop()
	broker.Stop()

	if err := kb.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close knowledge base")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close archive store")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// buildAdapters constructs the enabled security-tool adapters. The
// trivy adapter is returned separately because the vulnerability fixer
// uses it for verification rescans; fswatch is returned for the
// shutdown path, which must close its notification stream.
func buildAdapters(cfg *config.Config) ([]adapter.Adapter, *adapter.Trivy, *adapter.FSWatch, error) {
	runner := adapter.ShellRunner()
	var adapters []adapter.Adapter

	var trivy *adapter.Trivy
	if cfg.Sources.VulnerabilityScan.Enabled {
		trivy = adapter.NewTrivy(cfg.Sources.VulnerabilityScan, runner)
		adapters = append(adapters, trivy)
	}
	if cfg.Sources.HostIPS.Enabled {
		adapters = append(adapters, adapter.NewFail2ban(cfg.Sources.HostIPS, runner))
	}
	if cfg.Sources.NetworkIPS.Enabled {
		adapters = append(adapters, adapter.NewCrowdSec(cfg.Sources.NetworkIPS, runner))
	}
	if cfg.Sources.FileIntegrity.Enabled {
		adapters = append(adapters, adapter.NewAide(cfg.Sources.FileIntegrity, runner))
	}

	var fswatch *adapter.FSWatch
	if cfg.Sources.FSWatch.Enabled {
		fswatch = adapter.NewFSWatch(cfg.Sources.FSWatch, cfg.Sources.FileIntegrity.CriticalPaths)
		if err := fswatch.Start(); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start filesystem watch: %w", err)
		}
		adapters = append(adapters, fswatch)
	}
	return adapters, trivy, fswatch, nil
}

// buildFixers registers one fixer per event source. A disabled trivy
// adapter leaves the vulnerability fixer without rescan verification.
func buildFixers(cfg *config.Config, exec *executor.Executor, backups *backup.Manager, trivy *adapter.Trivy) *fixer.Registry {
	var rescan fixer.Rescanner
	if trivy != nil {
		rescan = trivy
	}
	return fixer.NewRegistry(
		fixer.NewNetworkFixer(exec, cfg.Fixers.Network, cfg.Strategies[string(types.SourceNetworkIPS)]),
		fixer.NewHostFixer(exec, cfg.Fixers.Host, cfg.Strategies[string(types.SourceHostIPS)]),
		fixer.NewFileFixer(exec, backups, cfg.Fixers.File, cfg.DomainProjects(), cfg.Strategies[string(types.SourceFileIntegrity)]),
		fixer.NewVulnerabilityFixer(exec, backups, rescan, cfg.Strategies[string(types.SourceVulnerabilityScan)]),
	)
}
