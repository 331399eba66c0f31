package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/sentinel/pkg/bus"
	"github.com/cuemby/sentinel/pkg/fixer"
	"github.com/cuemby/sentinel/pkg/impact"
	"github.com/cuemby/sentinel/pkg/knowledge"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/notify"
	"github.com/cuemby/sentinel/pkg/types"
)

// process runs one batch through plan, approval, and execution. Only
// the execution phase is metered by the circuit breaker: a bad plan or
// a human rejection says nothing about the host's ability to take
// fixes.
func (o *Orchestrator) process(batch *types.RemediationBatch) {
	ctx := o.runCtx
	if err := o.execLock.Acquire(ctx, 1); err != nil {
		o.requeue(batch)
		return
	}
	defer o.execLock.Release(1)

	o.executing.Store(batch.ID)
	defer o.executing.Store(0)

	plan, ok := o.plan(ctx, batch)
	if !ok {
		return
	}

	assessment := o.assess(batch, plan)

	if !o.approve(ctx, batch, plan, assessment) {
		return
	}

	o.transition(batch, types.BatchExecuting, "")
	_, err := o.breaker.Execute(func() (interface{}, error) {
		r := &execution{
			o:       o,
			batch:   batch,
			plan:    plan,
			impact:  assessment,
			jobs:    o.jobsFor(batch),
			record:  true,
			retries: true,
		}
		return nil, r.run(ctx)
	})

	switch {
	case err == nil:
		o.finalize(batch, types.BatchCompleted, "")
	case errors.Is(err, errHalted):
		o.requeue(batch)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		o.requeue(batch)
	default:
		o.finalize(batch, types.BatchFailed, err.Error())
	}
}

// plan asks the planner for a remediation plan and applies the
// confidence gate. A false return means the batch was finalized or
// requeued.
func (o *Orchestrator) plan(ctx context.Context, batch *types.RemediationBatch) (*types.RemediationPlan, bool) {
	o.transition(batch, types.BatchAnalyzing, "")

	plan, err := o.planner.Plan(ctx, batch, o.attemptsFor(batch.ID))
	if err != nil {
		if ctx.Err() != nil || o.stopping() {
			o.requeue(batch)
			return nil, false
		}
		o.finalize(batch, types.BatchFailed, fmt.Sprintf("planning failed: %v", err))
		return nil, false
	}
	if plan == nil || len(plan.Phases) == 0 {
		o.finalize(batch, types.BatchFailed, "planner returned an empty plan")
		return nil, false
	}
	if plan.Confidence < o.cfg.MinConfidence {
		o.finalize(batch, types.BatchFailed,
			fmt.Sprintf("plan confidence %.2f below threshold %.2f", plan.Confidence, o.cfg.MinConfidence))
		return nil, false
	}

	batch.Plan = plan
	o.broker.Emit(bus.EventPlanReady, batch.Severity,
		fmt.Sprintf("plan ready for batch %d: %s", batch.ID, plan.Description),
		map[string]string{
			"batch_id":   strconv.FormatInt(batch.ID, 10),
			"provider":   plan.Provider,
			"confidence": fmt.Sprintf("%.2f", plan.Confidence),
		})
	o.logger.Info().
		Int64("batch_id", batch.ID).
		Str("provider", plan.Provider).
		Float64("confidence", plan.Confidence).
		Int("phases", len(plan.Phases)).
		Msg("plan accepted")
	return plan, true
}

// assess grades the batch's blast radius from its highest-severity
// event and every path the batch touches.
func (o *Orchestrator) assess(batch *types.RemediationBatch, plan *types.RemediationPlan) *types.ImpactAssessment {
	primary := batch.Events[0]
	for _, event := range batch.Events[1:] {
		if event.Severity.Rank() > primary.Severity.Rank() {
			primary = event
		}
	}

	var paths []string
	for _, event := range batch.Events {
		if fc := event.Details.FileChange; fc != nil {
			paths = append(paths, fc.Path)
		}
	}

	return o.impact.Analyze(impact.Request{
		Source:        primary.Source,
		EventType:     primary.Type,
		AffectedPaths: paths,
		Strategy:      plan.Description,
		Confidence:    plan.Confidence,
	})
}

// approve applies the approval policy. A false return means the batch
// was finalized as rejected or requeued for the next run.
func (o *Orchestrator) approve(ctx context.Context, batch *types.RemediationBatch, plan *types.RemediationPlan, assessment *types.ImpactAssessment) bool {
	required, reason := o.approvalRequired(batch, assessment)
	if !required {
		batch.Approval = &types.ApprovalOutcome{
			Approved:  true,
			Approver:  "auto",
			DecidedAt: time.Now(),
		}
		metrics.ApprovalsTotal.WithLabelValues("auto").Inc()
		o.logger.Info().
			Int64("batch_id", batch.ID).
			Str("mode", string(o.cfg.ApprovalMode)).
			Msg("batch cleared for auto-execution")
		return true
	}

	o.transition(batch, types.BatchAwaitingApproval, reason)
	o.broker.Emit(bus.EventApprovalPending, batch.Severity,
		fmt.Sprintf("batch %d awaiting approval: %s", batch.ID, reason),
		map[string]string{"batch_id": strconv.FormatInt(batch.ID, 10)})

	req := notify.NewApprovalRequest(batch.ID, plan.Description, batch.Severity, plan, assessment)
	waitCtx, cancel := o.stopScope(ctx)
	defer cancel()

	outcome, err := o.notifier.RequestApproval(waitCtx, req, time.Duration(o.cfg.ApprovalTimeout))
	if err != nil && !errors.Is(err, types.ErrApprovalTimeout) {
		// Shutdown or cancellation while waiting. The batch stays
		// pending so the next run asks again.
		o.requeue(batch)
		return false
	}

	batch.Approval = &outcome
	o.broker.Emit(bus.EventApprovalDecided, batch.Severity,
		fmt.Sprintf("batch %d approval: %s", batch.ID, approvalLabel(outcome)),
		map[string]string{
			"batch_id": strconv.FormatInt(batch.ID, 10),
			"decision": approvalLabel(outcome),
			"approver": outcome.Approver,
		})

	if outcome.TimedOut {
		o.finalize(batch, types.BatchRejected, "approval timed out")
		return false
	}
	if !outcome.Approved {
		reason := "rejected"
		if outcome.Approver != "" {
			reason = fmt.Sprintf("rejected by %s", outcome.Approver)
		}
		o.finalize(batch, types.BatchRejected, reason)
		return false
	}
	return true
}

// approvalRequired applies the configured mode on top of the impact
// assessment. Paranoid reviews everything; balanced additionally holds
// critical batches; aggressive trusts the assessment alone, including
// for critical work.
func (o *Orchestrator) approvalRequired(batch *types.RemediationBatch, assessment *types.ImpactAssessment) (bool, string) {
	reason := assessment.ApprovalReason

	switch o.cfg.ApprovalMode {
	case types.ApprovalAggressive:
		if assessment.RequiresApproval {
			return true, reason
		}
		if batch.Severity == types.SeverityCritical {
			o.logger.Warn().
				Int64("batch_id", batch.ID).
				Msg("aggressive mode auto-executing a critical batch")
		}
		return false, ""
	case types.ApprovalBalanced:
		if assessment.RequiresApproval {
			return true, reason
		}
		if batch.Severity == types.SeverityCritical {
			return true, "critical severity requires review"
		}
		return false, ""
	default:
		if reason == "" {
			reason = "paranoid mode reviews every batch"
		}
		return true, reason
	}
}

func approvalLabel(outcome types.ApprovalOutcome) string {
	switch {
	case outcome.TimedOut:
		return "timeout"
	case outcome.Approved:
		return "approved"
	default:
		return "rejected"
	}
}

// transition updates and persists a pending batch's status.
func (o *Orchestrator) transition(batch *types.RemediationBatch, status types.BatchStatus, note string) {
	batch.Status = status
	if note != "" {
		batch.Reason = note
	}
	if err := o.store.SavePending(batch); err != nil {
		o.logger.Warn().Err(err).Int64("batch_id", batch.ID).Msg("failed to persist batch status")
	}

	msg := fmt.Sprintf("batch %d %s", batch.ID, status)
	if note != "" {
		msg += ": " + note
	}
	o.broker.Emit(bus.EventBatchStatus, batch.Severity, msg, map[string]string{
		"batch_id": strconv.FormatInt(batch.ID, 10),
		"status":   string(status),
	})
}

// finalize archives a batch in its terminal state and clears its
// pending entry and job bookkeeping.
func (o *Orchestrator) finalize(batch *types.RemediationBatch, status types.BatchStatus, reason string) {
	batch.Status = status
	batch.Reason = reason

	if err := o.store.DeletePending(batch.ID); err != nil {
		o.logger.Warn().Err(err).Int64("batch_id", batch.ID).Msg("failed to clear pending entry")
	}
	if err := o.store.ArchiveBatch(batch); err != nil {
		o.logger.Error().Err(err).Int64("batch_id", batch.ID).Msg("failed to archive batch")
	}

	o.mu.Lock()
	delete(o.jobs, batch.ID)
	o.mu.Unlock()

	switch status {
	case types.BatchCompleted:
		o.completed.Add(1)
	case types.BatchFailed:
		o.failed.Add(1)
	case types.BatchRejected:
		o.rejected.Add(1)
	}
	metrics.BatchesTotal.WithLabelValues(string(status)).Inc()

	msg := fmt.Sprintf("batch %d %s", batch.ID, status)
	if reason != "" {
		msg += ": " + reason
	}
	o.broker.Emit(bus.EventBatchStatus, batch.Severity, msg, map[string]string{
		"batch_id": strconv.FormatInt(batch.ID, 10),
		"status":   string(status),
	})
	o.logger.Info().
		Int64("batch_id", batch.ID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("batch finalized")
}

// jobsFor returns the batch's jobs, building them on first use. Jobs
// survive requeues so attempt budgets span circuit-open holds.
func (o *Orchestrator) jobsFor(batch *types.RemediationBatch) []*types.RemediationJob {
	o.mu.Lock()
	defer o.mu.Unlock()

	if jobs, ok := o.jobs[batch.ID]; ok {
		return jobs
	}
	jobs := buildJobs(batch, o.cfg.MaxAttempts)
	o.jobs[batch.ID] = jobs
	return jobs
}

// attemptsFor flattens every attempt recorded for a batch so the
// planner can see what already failed.
func (o *Orchestrator) attemptsFor(batchID int64) []types.RemediationAttempt {
	o.mu.Lock()
	defer o.mu.Unlock()

	var attempts []types.RemediationAttempt
	for _, job := range o.jobs[batchID] {
		attempts = append(attempts, job.Attempts...)
	}
	return attempts
}

func buildJobs(batch *types.RemediationBatch, maxAttempts int) []*types.RemediationJob {
	jobs := make([]*types.RemediationJob, 0, len(batch.Events))
	for _, event := range batch.Events {
		jobs = append(jobs, &types.RemediationJob{
			Event:       event,
			CreatedAt:   time.Now(),
			Status:      types.JobPending,
			MaxAttempts: maxAttempts,
		})
	}
	return jobs
}

// execution carries the mutable state of one pass over a batch's plan.
type execution struct {
	o      *Orchestrator
	batch  *types.RemediationBatch
	plan   *types.RemediationPlan
	impact *types.ImpactAssessment
	jobs   []*types.RemediationJob

	backupIDs []string
	stopped   []string

	record  bool // persist attempts to the knowledge base
	retries bool // honor each job's attempt budget
}

// run executes every plan phase against every job in order. Any job
// failure rolls the whole batch back; shutdown halts at the next phase
// boundary and leaves the batch requeueable.
func (r *execution) run(ctx context.Context) error {
	o := r.o

	if r.plan.RequiresRestart && len(r.impact.ServiceOrder) > 0 {
		o.services.StopBatch(ctx, r.impact.ServiceOrder, true)
		r.stopped = append(r.stopped, r.impact.ServiceOrder...)
	}

	for i := range r.plan.Phases {
		if o.stopping() {
			r.restartServices(ctx)
			return errHalted
		}
		phase := &r.plan.Phases[i]
		o.logger.Info().
			Int64("batch_id", r.batch.ID).
			Str("phase", phase.Name).
			Int("jobs", len(r.jobs)).
			Msg("phase started")

		for _, job := range r.jobs {
			if err := r.runJob(ctx, phase, job); err != nil {
				if errors.Is(err, errHalted) {
					r.restartServices(ctx)
					return errHalted
				}
				r.rollback(ctx)
				return fmt.Errorf("phase %q, event %s: %w", phase.Name, job.Event.ID, err)
			}
		}
	}

	for _, job := range r.jobs {
		job.Status = types.JobSuccess
	}
	r.restartServices(ctx)
	return nil
}

// runJob drives one event through one phase, retrying with adaptive
// backoff until success, refusal, or an exhausted budget.
func (r *execution) runJob(ctx context.Context, phase *types.PlanPhase, job *types.RemediationJob) error {
	o := r.o
	event := job.Event

	fx, ok := o.fixers.For(event.Source)
	if !ok {
		job.Status = types.JobFailed
		return fmt.Errorf("no fixer registered for source %s", event.Source)
	}
	job.Status = types.JobInProgress

	// Snapshot whatever the event names on disk before mutating it.
	if sources := backupSources(event); len(sources) > 0 {
		for _, info := range o.backups.CreateBatchBackup(ctx, sources) {
			r.backupIDs = append(r.backupIDs, info.ID)
		}
	}

	for {
		if o.stopping() {
			return errHalted
		}

		req := fixer.Request{
			Event: event,
			Peers: peersOf(r.batch, event),
			Plan:  r.plan,
			Phase: phase,
		}
		confidence := r.plan.Confidence

		// Retries ask the planner for a revised approach so the same
		// failed strategy is not repeated blindly.
		if len(job.Attempts) > 0 {
			if fs, err := o.planner.Strategy(ctx, event, job.Attempts); err == nil && fs != nil {
				req.Strategy = fs.Name
				confidence = fs.Confidence
			}
		}

		started := time.Now()
		res, err := fx.Fix(ctx, req)

		attempt := types.RemediationAttempt{
			Number:     job.NextAttemptNumber(),
			Timestamp:  started,
			Strategy:   fixer.StrategyFor(o.strategies[string(event.Source)], req),
			DurationMS: time.Since(started).Milliseconds(),
			Confidence: confidence,
		}
		if res != nil && res.Strategy != "" {
			attempt.Strategy = res.Strategy
		}

		if err == nil {
			attempt.Result = types.ResultSuccess
			r.recordAttempt(ctx, job, attempt)
			metrics.FixesTotal.WithLabelValues(string(event.Source), string(types.ResultSuccess)).Inc()

			r.backupIDs = append(r.backupIDs, res.BackupIDs...)
			r.stopped = append(r.stopped, res.StoppedServices...)
			o.broker.Emit(bus.EventFixApplied, event.Severity,
				fmt.Sprintf("fix applied for %s: %s", event.ID, res.Strategy),
				map[string]string{
					"batch_id": strconv.FormatInt(r.batch.ID, 10),
					"strategy": res.Strategy,
				})
			return nil
		}

		attempt.Result = types.ResultFailure
		attempt.Error = err.Error()
		r.recordAttempt(ctx, job, attempt)
		metrics.FixesTotal.WithLabelValues(string(event.Source), string(types.ResultFailure)).Inc()
		o.broker.Emit(bus.EventFixFailed, event.Severity,
			fmt.Sprintf("fix failed for %s: %v", event.ID, err),
			map[string]string{
				"batch_id": strconv.FormatInt(r.batch.ID, 10),
				"strategy": attempt.Strategy,
				"kind":     failureKind(err),
			})
		o.logger.Warn().
			Err(err).
			Int64("batch_id", r.batch.ID).
			Str("event_id", event.ID).
			Str("strategy", attempt.Strategy).
			Int("attempt", attempt.Number).
			Msg("fix attempt failed")

		if types.IsRefusal(err) {
			job.Status = types.JobFailed
			return fmt.Errorf("fix refused: %w", err)
		}
		if ctx.Err() != nil {
			return errHalted
		}
		if !r.retries || len(job.Attempts) >= job.MaxAttempts {
			job.Status = types.JobFailed
			return fmt.Errorf("no attempts left after %d: %w", len(job.Attempts), err)
		}

		delay := o.retryDelay(ctx, event, attempt.Strategy, len(job.Attempts))
		o.logger.Info().
			Str("event_id", event.ID).
			Dur("delay", delay).
			Int("attempts", len(job.Attempts)).
			Msg("backing off before retry")
		select {
		case <-time.After(delay):
		case <-o.stopCh:
			return errHalted
		case <-ctx.Done():
			return errHalted
		}
	}
}

// failureKind labels an attempt error for notification routing. The
// notify bridge escalates refusals and verification failures ahead of
// transient ones, so the label has to be stable.
func failureKind(err error) string {
	switch {
	case types.IsRefusal(err):
		return "refusal"
	case types.IsVerification(err):
		return "verification"
	case errors.Is(err, types.ErrCommandTimeout):
		return "timeout"
	default:
		return "transient"
	}
}

func (r *execution) recordAttempt(ctx context.Context, job *types.RemediationJob, attempt types.RemediationAttempt) {
	job.Attempts = append(job.Attempts, attempt)
	if !r.record {
		return
	}
	if _, err := r.o.kb.RecordFix(ctx, job.Event, attempt, r.batch.ID); err != nil && !errors.Is(err, types.ErrDegraded) {
		r.o.logger.Warn().Err(err).Str("event_id", job.Event.ID).Msg("failed to record fix attempt")
	}
}

// rollback restores every backup taken during this execution and
// brings stopped services back up.
func (r *execution) rollback(ctx context.Context) {
	o := r.o
	if len(r.backupIDs) > 0 {
		metrics.RollbacksTotal.Inc()
		if !o.backups.RollbackBatch(ctx, r.backupIDs) {
			o.logger.Error().
				Int64("batch_id", r.batch.ID).
				Int("backups", len(r.backupIDs)).
				Msg("batch rollback incomplete")
		}
	}
	r.restartServices(ctx)
}

// restartServices brings every service this execution stopped back up,
// dependencies first.
func (r *execution) restartServices(ctx context.Context) {
	if len(r.stopped) == 0 {
		return
	}
	if _, err := r.o.services.StartBatch(ctx, r.stopped, true); err != nil {
		r.o.logger.Error().Err(err).
			Int64("batch_id", r.batch.ID).
			Msg("failed to restart services after execution")
	}
	r.stopped = nil
}

// retryDelay computes the adaptive backoff before the next attempt:
// exponential in the attempt count, scaled by how well fixes for this
// signature (or failing that, this strategy) have gone historically.
func (o *Orchestrator) retryDelay(ctx context.Context, event *types.SecurityEvent, strategy string, attempts int) time.Duration {
	base := o.retryUnit << uint(attempts)

	multiplier := knowledge.DefaultRetryMultiplier
	if rate, err := o.kb.SuccessRate(ctx, knowledge.RateQuery{Signature: event.Signature()}); err == nil && rate.Total > 0 {
		switch {
		case rate.SuccessRate >= 0.8:
			multiplier = 0.5
		case rate.SuccessRate >= 0.4:
			multiplier = 1.0
		default:
			multiplier = 2.0
		}
	} else if strategy != "" {
		multiplier = o.kb.RetryMultiplier(ctx, strategy, event.Type)
	}

	delay := time.Duration(float64(base) * multiplier)
	floor, ceil := o.retryUnit, 60*o.retryUnit
	if delay < floor {
		delay = floor
	}
	if delay > ceil {
		delay = ceil
	}
	return delay
}

// backupSources lists the on-disk paths a fix for this event may
// mutate. Images and firewall state are snapshotted by the fixers
// themselves.
func backupSources(event *types.SecurityEvent) []string {
	if fc := event.Details.FileChange; fc != nil && fc.Path != "" {
		return []string{fc.Path}
	}
	return nil
}

// peersOf returns the batch's other events, which fixers may fold into
// one action (subnet bans, shared upgrades).
func peersOf(batch *types.RemediationBatch, event *types.SecurityEvent) []*types.SecurityEvent {
	var peers []*types.SecurityEvent
	for _, e := range batch.Events {
		if e != event {
			peers = append(peers, e)
		}
	}
	return peers
}

// Replay re-executes an archived batch's plan as a rehearsal: approval
// is skipped, the circuit breaker is bypassed, nothing is recorded to
// the knowledge base, and each job gets a single attempt. Callers run
// it with the executor in DRY_RUN mode.
func (o *Orchestrator) Replay(ctx context.Context, batchID int64) (*types.RemediationBatch, error) {
	batch, err := o.store.GetBatch(batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %d: %w", batchID, err)
	}
	if batch.Plan == nil {
		return nil, fmt.Errorf("batch %d has no archived plan to replay", batchID)
	}
	if len(batch.Events) == 0 {
		return nil, fmt.Errorf("batch %d has no events to replay", batchID)
	}

	if !o.execLock.TryAcquire(1) {
		return nil, errors.New("another batch is executing")
	}
	defer o.execLock.Release(1)

	replayed := *batch
	replayed.Status = types.BatchExecuting
	replayed.Reason = ""

	r := &execution{
		o:      o,
		batch:  &replayed,
		plan:   replayed.Plan,
		impact: o.assess(&replayed, replayed.Plan),
		jobs:   buildJobs(&replayed, 1),
	}

	o.logger.Info().
		Int64("batch_id", batchID).
		Str("plan", replayed.Plan.Description).
		Msg("replaying archived batch")

	if err := r.run(ctx); err != nil {
		replayed.Status = types.BatchFailed
		replayed.Reason = err.Error()
		return &replayed, nil
	}
	replayed.Status = types.BatchCompleted
	replayed.Reason = ""
	return &replayed, nil
}
