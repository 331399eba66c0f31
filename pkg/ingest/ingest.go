package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/adapter"
	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
)

const (
	// queueSize bounds deliveries accepted but not yet summarized. A
	// full queue refuses the delivery; the sender retries and the
	// poller re-finds missed commits.
	queueSize = 64

	// processTimeout bounds one push end to end, model summary
	// included.
	processTimeout = 3 * time.Minute

	// pollTimeout bounds the git commands for one repository poll.
	pollTimeout = time.Minute

	defaultDedupeTTL = 300 * time.Second
)

// Summarizer produces the prose change summary. Implemented by the
// planner; nil falls back to lexical classification only.
type Summarizer interface {
	Summarize(ctx context.Context, system, user string) (string, error)
}

// ChangeRecorder persists classified pushes for deployment history.
// Implemented by the knowledge base.
type ChangeRecorder interface {
	RecordCodeChange(ctx context.Context, repo, branch, sha, category, summary string, filesChanged int) error
}

// Deps are the ingestor's collaborators. All are optional; missing ones
// degrade to lexical summaries, no history, or no notifications.
type Deps struct {
	Summarizer Summarizer
	Knowledge  ChangeRecorder
	Broker     *bus.Broker

	// Run executes read-only git commands. Defaults to the shared
	// shell runner; tests inject their own.
	Run adapter.RunFunc
}

// pushJob is one deduplicated push on its way to a summary, whether it
// arrived by webhook or was synthesized by the repo poller.
type pushJob struct {
	Repo         string
	Branch       string
	HeadSHA      string
	Pusher       string
	Commits      []commitInfo
	FilesChanged int
	Via          string
}

// Ingestor turns repository activity into change summaries: a webhook
// receiver for pushed deliveries and a polling loop for repositories
// that cannot call back. Both paths meet in one dedup gate and one
// processing queue.
type Ingestor struct {
	cfg        config.GitHub
	secret     []byte
	run        adapter.RunFunc
	summarizer Summarizer
	kb         ChangeRecorder
	broker     *bus.Broker
	dedupe     *dedupe
	queue      chan pushJob
	logger     zerolog.Logger

	running    atomic.Bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New wires the ingestor. statePath is the per-branch commit cursor
// file.
func New(cfg config.GitHub, statePath string, deps Deps) *Ingestor {
	ttl := time.Duration(cfg.DedupeTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	run := deps.Run
	if run == nil {
		run = adapter.ShellRunner()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		cfg:        cfg,
		secret:     []byte(cfg.WebhookSecret),
		run:        run,
		summarizer: deps.Summarizer,
		kb:         deps.Knowledge,
		broker:     deps.Broker,
		dedupe:     newDedupe(statePath, ttl, deps.Broker),
		queue:      make(chan pushJob, queueSize),
		logger:     log.WithComponent("ingest"),
		baseCtx:    ctx,
		baseCancel: cancel,
		stopCh:     make(chan struct{}),
	}
}

// Start loads the cursor state and launches the worker plus, when
// repositories are configured, the polling loop. The webhook handler
// accepts deliveries before Start; they queue until the worker drains
// them.
func (i *Ingestor) Start() error {
	if err := i.dedupe.load(); err != nil {
		return err
	}

	i.wg.Add(1)
	go i.worker()

	if len(i.cfg.Repos) > 0 {
		i.wg.Add(1)
		go i.pollLoop()
	}

	i.running.Store(true)
	i.logger.Info().
		Int("repos", len(i.cfg.Repos)).
		Bool("webhook", len(i.secret) > 0).
		Msg("ingestor started")
	return nil
}

// Stop aborts in-flight git commands and summaries, waits for the
// loops, and flushes the cursor file. Jobs still queued are dropped;
// their cursors were never advanced, so the poller re-finds them and
// webhook senders retry.
func (i *Ingestor) Stop() {
	i.running.Store(false)
	close(i.stopCh)
	i.baseCancel()
	i.wg.Wait()
	if err := i.dedupe.flush(); err != nil {
		i.logger.Error().Err(err).Msg("failed to flush push state on stop")
	}
	i.logger.Info().Msg("ingestor stopped")
}

func (i *Ingestor) worker() {
	defer i.wg.Done()
	for {
		select {
		case <-i.stopCh:
			return
		case job := <-i.queue:
			i.processPush(job)
		}
	}
}

// processPush runs the summary, records it, advances the cursor and
// announces the change. Knowledge-base failures are tolerated; the
// summary still goes out.
func (i *Ingestor) processPush(job pushJob) {
	ctx, cancel := context.WithTimeout(i.baseCtx, processTimeout)
	defer cancel()

	summary, category := i.summarize(ctx, job)

	if i.kb != nil {
		if err := i.kb.RecordCodeChange(ctx, job.Repo, job.Branch, job.HeadSHA, category, summary, job.FilesChanged); err != nil {
			i.logger.Warn().Err(err).Str("repo", job.Repo).Msg("failed to record code change")
		}
	}

	i.dedupe.setCursor(job.Repo, job.Branch, job.HeadSHA)

	if i.broker != nil {
		i.broker.Emit(bus.EventPushSummary, types.SeverityLow,
			fmt.Sprintf("%s@%s: %s", job.Repo, job.Branch, summary),
			map[string]string{
				"repo":          job.Repo,
				"branch":        job.Branch,
				"sha":           shortSHA(job.HeadSHA),
				"category":      category,
				"commits":       strconv.Itoa(len(job.Commits)),
				"files_changed": strconv.Itoa(job.FilesChanged),
				"via":           job.Via,
			})
	}

	metrics.PushesProcessed.WithLabelValues(job.Repo).Inc()
	i.logger.Info().
		Str("repo", job.Repo).
		Str("branch", job.Branch).
		Str("sha", shortSHA(job.HeadSHA)).
		Str("category", category).
		Int("commits", len(job.Commits)).
		Str("via", job.Via).
		Msg("push processed")
}

// summarize prefers the model summary and falls back to the lexical
// one. The category is always lexical: the knowledge base needs a
// deterministic classification, not prose.
func (i *Ingestor) summarize(ctx context.Context, job pushJob) (string, string) {
	summary, category := lexicalSummary(job.Commits)
	if i.summarizer == nil || len(job.Commits) == 0 {
		return summary, category
	}

	out, err := i.summarizer.Summarize(ctx, summarySystemPrompt, buildSummaryPrompt(job))
	if err != nil {
		i.logger.Warn().Err(err).Str("repo", job.Repo).Msg("model summary failed, using lexical fallback")
		return summary, category
	}
	return strings.TrimSpace(out), category
}

// deployBranch reports whether a branch is interesting. An empty
// configured list means every branch.
func (i *Ingestor) deployBranch(branch string) bool {
	if len(i.cfg.DeployBranches) == 0 {
		return true
	}
	for _, b := range i.cfg.DeployBranches {
		if b == branch {
			return true
		}
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
