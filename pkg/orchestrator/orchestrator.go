package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/fixer"
	"github.com/cuemby/sentinel/pkg/impact"
	"github.com/cuemby/sentinel/pkg/knowledge"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/store"
	"github.com/cuemby/sentinel/pkg/types"
)

// circuitRecheckInterval is how often the dispatcher re-examines a held
// queue while the circuit is open. The breaker itself decides when the
// half-open probe is allowed; this only bounds how stale that check is.
const circuitRecheckInterval = 30 * time.Second

// errHalted marks an execution cut short by shutdown. The batch is
// requeued, not failed, and the circuit breaker does not count it.
var errHalted = errors.New("execution halted for shutdown")

// BatchPlanner produces remediation plans for batches and revised
// strategies for retries.
type BatchPlanner interface {
	Plan(ctx context.Context, batch *types.RemediationBatch, attempts []types.RemediationAttempt) (*types.RemediationPlan, error)
	Strategy(ctx context.Context, event *types.SecurityEvent, attempts []types.RemediationAttempt) (*types.FixStrategy, error)
}

// Approver blocks until a human decision, the timeout, or shutdown.
type Approver interface {
	RequestApproval(ctx context.Context, req notify.ApprovalRequest, timeout time.Duration) (types.ApprovalOutcome, error)
}

// Assessor grades the blast radius of a planned remediation.
type Assessor interface {
	Analyze(req impact.Request) *types.ImpactAssessment
}

// BackupRunner is the slice of the backup manager the pipeline uses.
type BackupRunner interface {
	CreateBatchBackup(ctx context.Context, sources []string) map[string]*types.BackupInfo
	RollbackBatch(ctx context.Context, backupIDs []string) bool
}

// ServiceRunner stops and starts managed services around fixes that
// require a restart.
type ServiceRunner interface {
	StopBatch(ctx context.Context, names []string, reverseOrder bool) map[string]bool
	StartBatch(ctx context.Context, names []string, forwardOrder bool) ([]string, error)
}

// Recorder is the slice of the knowledge base the pipeline uses.
type Recorder interface {
	RecordFix(ctx context.Context, event *types.SecurityEvent, attempt types.RemediationAttempt, batchID int64) (int64, error)
	SuccessRate(ctx context.Context, q knowledge.RateQuery) (knowledge.RateSummary, error)
	RetryMultiplier(ctx context.Context, strategy, eventType string) float64
}

// Deps collects everything the orchestrator drives. All fields are
// required; the concrete components in this repo satisfy them directly.
type Deps struct {
	Store      store.Store
	Planner    BatchPlanner
	Notifier   Approver
	Impact     Assessor
	Fixers     *fixer.Registry
	Backups    BackupRunner
	Services   ServiceRunner
	Knowledge  Recorder
	Broker     *bus.Broker
	Strategies map[string][]config.StrategyRule
}

// Orchestrator batches incoming events, plans fixes, gates them on
// approval, and executes them one batch at a time.
type Orchestrator struct {
	cfg        config.AutoRemediation
	store      store.Store
	planner    BatchPlanner
	notifier   Approver
	impact     Assessor
	fixers     *fixer.Registry
	backups    BackupRunner
	services   ServiceRunner
	kb         Recorder
	broker     *bus.Broker
	strategies map[string][]config.StrategyRule
	logger     zerolog.Logger

	breaker *gobreaker.CircuitBreaker

	// execLock serializes batch execution. Replay contends on it too,
	// so a replay can never interleave with a live batch.
	execLock *semaphore.Weighted

	// mu guards the open batch, its timer, the pending queue, and the
	// per-batch job state.
	mu        sync.Mutex
	open      *types.RemediationBatch
	openTimer *time.Timer
	pending   []*types.RemediationBatch
	jobs      map[int64][]*types.RemediationJob

	executing atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc

	recheck   time.Duration
	retryUnit time.Duration
}

// New builds an orchestrator from its dependencies. Start must be
// called before events are submitted.
func New(cfg config.AutoRemediation, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		planner:    deps.Planner,
		notifier:   deps.Notifier,
		impact:     deps.Impact,
		fixers:     deps.Fixers,
		backups:    deps.Backups,
		services:   deps.Services,
		kb:         deps.Knowledge,
		broker:     deps.Broker,
		strategies: deps.Strategies,
		logger:     log.WithComponent("orchestrator"),
		execLock:   semaphore.NewWeighted(1),
		jobs:       make(map[int64][]*types.RemediationJob),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		recheck:    circuitRecheckInterval,
		retryUnit:  time.Second,
	}

	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remediation",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.CircuitBreakerTimeout),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreakerThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errHalted)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			o.onCircuitChange(from, to)
		},
	})

	return o
}

// Start resumes batches persisted by a previous run and launches the
// dispatcher.
func (o *Orchestrator) Start() error {
	o.runCtx, o.cancel = context.WithCancel(context.Background())

	if err := o.resume(); err != nil {
		return err
	}

	o.wg.Add(1)
	go o.dispatch()

	o.logger.Info().
		Str("approval_mode", string(o.cfg.ApprovalMode)).
		Dur("batch_window", time.Duration(o.cfg.BatchWindow)).
		Int("max_batch_size", o.cfg.MaxBatchSize).
		Int("max_attempts", o.cfg.MaxAttempts).
		Float64("min_confidence", o.cfg.MinConfidence).
		Msg("orchestrator started")
	return nil
}

// Stop drains the orchestrator: the open batch is persisted for the
// next run, a batch mid-execution finishes its current phase, and
// blocking waits such as approval are aborted.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.closeBatch("shutdown")
	o.wg.Wait()
	if o.cancel != nil {
		o.cancel()
	}
	o.logger.Info().Msg("orchestrator stopped")
}

// Submit adds an event to the open batch, opening one when none is
// collecting. It satisfies the watcher's Submitter.
func (o *Orchestrator) Submit(event *types.SecurityEvent) error {
	if event == nil {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.open == nil {
		id, err := o.store.NextBatchID()
		if err != nil {
			return fmt.Errorf("failed to allocate batch id: %w", err)
		}
		o.open = &types.RemediationBatch{
			ID:        id,
			Status:    types.BatchCollecting,
			CreatedAt: time.Now(),
		}
		o.openTimer = time.AfterFunc(time.Duration(o.cfg.BatchWindow), func() {
			o.closeBatch("window elapsed")
		})
		o.broker.Emit(bus.EventBatchCreated, event.Severity,
			fmt.Sprintf("batch %d collecting", id),
			map[string]string{"batch_id": strconv.FormatInt(id, 10)})
		o.logger.Debug().Int64("batch_id", id).Msg("batch opened")
	}

	o.open.Events = append(o.open.Events, event)
	o.open.RecomputeSeverity()
	o.logger.Debug().
		Int64("batch_id", o.open.ID).
		Str("event_id", event.ID).
		Str("source", string(event.Source)).
		Int("events", len(o.open.Events)).
		Msg("event batched")

	if len(o.open.Events) >= o.cfg.MaxBatchSize {
		o.closeLocked("batch full")
	}
	return nil
}

// closeBatch closes the open batch, if any, and queues it for
// processing.
func (o *Orchestrator) closeBatch(cause string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked(cause)
}

func (o *Orchestrator) closeLocked(cause string) {
	if o.open == nil {
		return
	}
	if o.openTimer != nil {
		o.openTimer.Stop()
		o.openTimer = nil
	}
	batch := o.open
	o.open = nil

	if len(batch.Events) == 0 {
		return
	}

	batch.ClosedAt = time.Now()
	batch.Status = types.BatchAnalyzing
	o.pending = append(o.pending, batch)
	if err := o.store.SavePending(batch); err != nil {
		o.logger.Error().Err(err).Int64("batch_id", batch.ID).Msg("failed to persist pending batch")
	}

	metrics.BatchEvents.Observe(float64(len(batch.Events)))
	metrics.BatchQueueDepth.Set(float64(len(o.pending)))

	o.broker.Emit(bus.EventBatchStatus, batch.Severity,
		fmt.Sprintf("batch %d queued: %s", batch.ID, cause),
		map[string]string{
			"batch_id": strconv.FormatInt(batch.ID, 10),
			"status":   string(batch.Status),
		})
	o.logger.Info().
		Int64("batch_id", batch.ID).
		Int("events", len(batch.Events)).
		Str("severity", string(batch.Severity)).
		Str("cause", cause).
		Msg("batch closed")

	o.signal()
}

// resume reloads batches a previous run left pending and queues them
// for a fresh pass through the pipeline.
func (o *Orchestrator) resume() error {
	batches, err := o.store.ListPending()
	if err != nil {
		return fmt.Errorf("failed to list pending batches: %w", err)
	}
	if len(batches) == 0 {
		return nil
	}

	o.mu.Lock()
	for _, batch := range batches {
		batch.Status = types.BatchAnalyzing
		o.pending = append(o.pending, batch)
	}
	metrics.BatchQueueDepth.Set(float64(len(o.pending)))
	o.mu.Unlock()

	o.logger.Info().Int("batches", len(batches)).Msg("resumed pending batches")
	o.signal()
	return nil
}

// dispatch is the single consumer of the pending queue. While the
// circuit is open the queue is held; the ticker re-checks so held
// batches run once the breaker allows a probe.
func (o *Orchestrator) dispatch() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.recheck)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-o.wake:
		case <-ticker.C:
		}

		for {
			if o.stopping() {
				return
			}
			if o.breaker.State() == gobreaker.StateOpen {
				break
			}
			batch := o.nextPending()
			if batch == nil {
				break
			}
			o.process(batch)
		}
	}
}

// nextPending pops the highest-severity pending batch; ties go to the
// oldest batch id.
func (o *Orchestrator) nextPending() *types.RemediationBatch {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.pending) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(o.pending); i++ {
		a, b := o.pending[i], o.pending[best]
		if a.Severity.Rank() > b.Severity.Rank() ||
			(a.Severity.Rank() == b.Severity.Rank() && a.ID < b.ID) {
			best = i
		}
	}
	batch := o.pending[best]
	o.pending = append(o.pending[:best], o.pending[best+1:]...)
	metrics.BatchQueueDepth.Set(float64(len(o.pending)))
	return batch
}

// requeue returns a batch to the pending queue, keeping its persisted
// copy current so a restart picks it up.
func (o *Orchestrator) requeue(batch *types.RemediationBatch) {
	batch.Status = types.BatchAnalyzing

	o.mu.Lock()
	o.pending = append(o.pending, batch)
	metrics.BatchQueueDepth.Set(float64(len(o.pending)))
	o.mu.Unlock()

	if err := o.store.SavePending(batch); err != nil {
		o.logger.Warn().Err(err).Int64("batch_id", batch.ID).Msg("failed to persist requeued batch")
	}
	o.logger.Info().Int64("batch_id", batch.ID).Msg("batch requeued")
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// stopScope derives a context that is additionally cancelled when the
// orchestrator stops, so pure waits abort on shutdown while running
// commands keep their own context.
func (o *Orchestrator) stopScope(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-o.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (o *Orchestrator) onCircuitChange(from, to gobreaker.State) {
	metrics.CircuitState.Set(circuitGauge(to))

	severity := types.SeverityLow
	if to == gobreaker.StateOpen {
		severity = types.SeverityHigh
	}
	o.broker.Emit(bus.EventCircuitState, severity,
		fmt.Sprintf("remediation circuit %s (was %s)", to, from),
		map[string]string{"from": from.String(), "to": to.String()})
	o.logger.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("remediation circuit state changed")
}

func circuitGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// BatchSummary is the compact view of a batch served by the control
// API.
type BatchSummary struct {
	ID        int64             `json:"id"`
	Status    types.BatchStatus `json:"status"`
	Severity  types.Severity    `json:"severity"`
	Events    int               `json:"events"`
	CreatedAt time.Time         `json:"created_at"`
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	OpenBatch      *BatchSummary  `json:"open_batch,omitempty"`
	Pending        []BatchSummary `json:"pending,omitempty"`
	QueueDepth     int            `json:"queue_depth"`
	ExecutingBatch int64          `json:"executing_batch,omitempty"`
	CircuitState   string         `json:"circuit_state"`
	Completed      int64          `json:"completed"`
	Failed         int64          `json:"failed"`
	Rejected       int64          `json:"rejected"`
}

func summarize(batch *types.RemediationBatch) BatchSummary {
	return BatchSummary{
		ID:        batch.ID,
		Status:    batch.Status,
		Severity:  batch.Severity,
		Events:    len(batch.Events),
		CreatedAt: batch.CreatedAt,
	}
}

// Snapshot reports the current batching and execution state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		QueueDepth:     len(o.pending),
		ExecutingBatch: o.executing.Load(),
		Completed:      o.completed.Load(),
		Failed:         o.failed.Load(),
		Rejected:       o.rejected.Load(),
	}
	if o.open != nil {
		s := summarize(o.open)
		snap.OpenBatch = &s
	}
	for _, batch := range o.pending {
		snap.Pending = append(snap.Pending, summarize(batch))
	}
	o.mu.Unlock()

	snap.CircuitState = o.CircuitState()
	return snap
}

// QueueDepth reports the number of batches waiting to execute.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// CircuitState reports the breaker state as closed, half-open, or open.
func (o *Orchestrator) CircuitState() string {
	return o.breaker.State().String()
}
