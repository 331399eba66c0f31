package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/sentinel/pkg/client"
	"github.com/cuemby/sentinel/pkg/knowledge"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/server"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show controller status",
	Long: `Query the running controller's /status endpoint and render the
pipeline, project health, learning and executor summaries. When the
controller is not reachable, fall back to reading the knowledge base
directly (read-only) so fix history stays inspectable while the
service is down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: cfg.LogJSON})

		addr := statusAddr
		if addr == "" {
			addr = cfg.Listen
		}
		baseURL := normalizeAddr(addr)

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		cl := client.New(baseURL)
		if err := cl.Healthy(ctx); err != nil {
			fmt.Printf("Controller not reachable at %s (%v)\n", baseURL, err)
			fmt.Println("Reading knowledge base directly.")
			fmt.Println()
			return offlineStatus(ctx, cfg.KnowledgeBase.Path)
		}

		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		renderStatus(baseURL, st)

		approvals, err := cl.Approvals(ctx)
		if err == nil && len(approvals) > 0 {
			fmt.Println()
			fmt.Println("Pending approvals")
			for _, a := range approvals {
				fmt.Printf("  %s  batch #%d  %s  %q  waiting %s\n",
					a.ID, a.BatchID, a.Severity, a.Summary,
					time.Since(a.RequestedAt).Round(time.Second))
			}
			fmt.Printf("\nDecide with: curl -X POST %s/approvals/<id> -d '{\"approved\":true,\"approver\":\"<you>\"}'\n", baseURL)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "",
		"Controller address (defaults to the configured listen address)")
}

// normalizeAddr turns a listen address like ":8080" or "10.0.0.5:8080"
// into a base URL.
func normalizeAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func renderStatus(baseURL string, st *server.StatusResponse) {
	fmt.Printf("Sentinel controller at %s\n", baseURL)

	if p := st.Pipeline; p != nil {
		fmt.Println()
		fmt.Println("Pipeline")
		fmt.Printf("  circuit:     %s\n", p.CircuitState)
		fmt.Printf("  queue depth: %d\n", p.QueueDepth)
		if p.ExecutingBatch != 0 {
			fmt.Printf("  executing:   batch #%d\n", p.ExecutingBatch)
		}
		if b := p.OpenBatch; b != nil {
			fmt.Printf("  open batch:  #%d %s (%d events, %s)\n", b.ID, b.Status, b.Events, b.Severity)
		}
		fmt.Printf("  totals:      %d completed, %d failed, %d rejected\n",
			p.Completed, p.Failed, p.Rejected)
	} else {
		fmt.Println()
		fmt.Println("Pipeline: disabled")
	}

	if pr := st.Projects; pr != nil && len(pr.Projects) > 0 {
		fmt.Println()
		fmt.Println("Projects")
		for _, h := range pr.Projects {
			state := "ONLINE "
			if !h.Online {
				state = "OFFLINE"
			}
			line := fmt.Sprintf("  %-20s %s  uptime %.2f%%  avg %.0fms",
				h.Project, state, h.UptimePercent, h.AverageResponseMS)
			if !h.Online && h.DowntimeSeconds > 0 {
				down := time.Duration(h.DowntimeSeconds * float64(time.Second)).Round(time.Second)
				line += fmt.Sprintf("  down %s", down)
			}
			fmt.Println(line)
			if h.LastError != "" {
				fmt.Printf("  %-20s last error: %s\n", "", h.LastError)
			}
		}
	}

	if l := st.Learning; l != nil {
		fmt.Println()
		renderLearning(l)
	}

	if e := st.Executor; e != nil && e.Total > 0 {
		fmt.Println()
		fmt.Println("Executor")
		fmt.Printf("  commands: %d (%.1f%% success, avg %s)\n",
			e.Total, e.SuccessRate*100, e.AvgDuration.Round(time.Millisecond))
	}
}

func renderLearning(l *knowledge.Summary) {
	title := fmt.Sprintf("Learning (%d days)", l.Days)
	if l.Degraded {
		title += "  [degraded: read-only]"
	}
	fmt.Println(title)
	fmt.Printf("  fixes: %d (%d ok, %d failed, %d partial, %.1f%% success)\n",
		l.TotalFixes, l.Success, l.Failure, l.Partial, l.SuccessRate*100)
	fmt.Printf("  signatures: %d   vulnerabilities: %d   code changes: %d\n",
		l.UniqueSignatures, l.Vulnerabilities, l.CodeChanges)
	for i, s := range l.TopStrategies {
		if i >= 3 {
			break
		}
		fmt.Printf("  strategy %-24s %d ok / %d failed (confidence %.2f)\n",
			s.Name, s.SuccessCount, s.FailureCount, s.AvgConfidence)
	}
}

// offlineStatus renders what can be known without the controller: the
// learning summary straight from the knowledge base.
func offlineStatus(ctx context.Context, kbPath string) error {
	kb, err := knowledge.Open(knowledge.Config{Path: kbPath})
	if err != nil {
		return err
	}
	defer kb.Close()

	summary, err := kb.LearningSummary(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to read learning summary: %w", err)
	}
	renderLearning(&summary)
	return nil
}
