package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentinel/pkg/adapter"
	"github.com/cuemby/sentinel/pkg/backup"
	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/impact"
	"github.com/cuemby/sentinel/pkg/knowledge"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/orchestrator"
	"github.com/cuemby/sentinel/pkg/planner"
	"github.com/cuemby/sentinel/pkg/service"
	"github.com/cuemby/sentinel/pkg/store"
	"github.com/cuemby/sentinel/pkg/types"
)

var replayCmd = &cobra.Command{
	Use:   "replay BATCH_ID",
	Short: "Re-run an archived batch's plan as a dry-run rehearsal",
	Long: `Load an archived batch from the store and re-execute its plan with
the executor forced to DRY_RUN. Approval is skipped, the circuit
breaker is bypassed, and nothing is recorded to the knowledge base:
every command is validated and echoed, never run.

Useful for auditing what an old remediation would do against the
host's current state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("batch id must be an integer, got %q", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runReplay(cmd.Context(), cfg, batchID)
	},
}

func runReplay(ctx context.Context, cfg *config.Config, batchID int64) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	st, err := store.NewBoltStore(cfg.ArchivePath())
	if err != nil {
		return err
	}
	defer st.Close()

	// The rehearsal never learns, so a broken knowledge base must not
	// stop it: open non-required and accept degraded mode.
	kb, err := knowledge.Open(knowledge.Config{
		Path:          cfg.KnowledgeBase.Path,
		RetentionDays: cfg.KnowledgeBase.RetentionDays,
	})
	if err != nil {
		return err
	}
	defer kb.Close()

	broker := bus.NewBroker()
	broker.Start()
	defer broker.Stop()

	notifier := notify.New(notify.NewConsoleSink(os.Stdout))
	bridge := notify.NewBridge(broker, notifier, types.ApprovalParanoid)
	bridge.Start()
	defer bridge.Stop()

	exec, err := executor.New(executor.Config{
		Mode:           types.ModeDryRun,
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

	// Only the trivy adapter matters here: the vulnerability fixer
	// rescans through it. Detection loops never run during a replay.
	var trivy *adapter.Trivy
	if cfg.Sources.VulnerabilityScan.Enabled {
		trivy = adapter.NewTrivy(cfg.Sources.VulnerabilityScan, adapter.ShellRunner())
	}

	plnr, err := planner.New(cfg.Planner)
	if err != nil {
		return &configError{err}
	}

	orch := orchestrator.New(cfg.AutoRemediation, orchestrator.Deps{
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

	fmt.Printf("Replaying batch #%d (dry-run)...\n\n", batchID)

	batch, err := orch.Replay(ctx, batchID)
	if err != nil {
		return err
	}

	renderReplay(batch)
	if batch.Status == types.BatchFailed {
		return fmt.Errorf("replay of batch %d failed: %s", batch.ID, batch.Reason)
	}
	return nil
}

func renderReplay(batch *types.RemediationBatch) {
	fmt.Printf("Batch #%d  %s  (%d events, %s)\n", batch.ID, batch.Status, len(batch.Events), batch.Severity)
	fmt.Printf("  archived: %s\n", batch.CreatedAt.Format(time.RFC3339))
	if batch.Plan != nil {
		fmt.Printf("  plan:     %s (confidence %.2f)\n", batch.Plan.Description, batch.Plan.Confidence)
		for _, ph := range batch.Plan.Phases {
			fmt.Printf("  phase:    %s\n", ph.Name)
		}
	}
	for _, ev := range batch.Events {
		fmt.Printf("  event:    %s  %s  %s\n", ev.ID, ev.Source, ev.Severity)
	}
	if batch.Reason != "" {
		fmt.Printf("  reason:   %s\n", batch.Reason)
	}
}
