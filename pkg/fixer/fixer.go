package fixer

import (
	"context"
	"strings"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/types"
)

// Request carries one event into a fixer together with the plan
// context it is being fixed under.
type Request struct {
	Event *types.SecurityEvent

	// Peers are the other same-source events in the batch. The network
	// fixer uses them for subnet grouping; others ignore them.
	Peers []*types.SecurityEvent

	// Strategy, when set, pins the approach. Empty lets the fixer
	// select from the plan text.
	Strategy string

	Plan  *types.RemediationPlan
	Phase *types.PlanPhase
}

// Result reports a completed fix. BackupIDs and StoppedServices feed
// the orchestrator's batch-level rollback; a fixer that fails has
// already undone its own partial work before returning the error.
type Result struct {
	Strategy        string   `json:"strategy"`
	BackupIDs       []string `json:"backup_ids,omitempty"`
	StoppedServices []string `json:"stopped_services,omitempty"`
	Verified        bool     `json:"verified"`
	Summary         string   `json:"summary,omitempty"`
}

// Fixer remediates events from one source.
//
// Error contract: *types.RefusalError means validation rejected the
// request before anything ran (never retried); *types.VerificationError
// means the fix ran but did not hold and was rolled back (retryable);
// any other error is an execution failure (retryable).
type Fixer interface {
	Source() types.EventSource
	Fix(ctx context.Context, req Request) (*Result, error)
}

// Commander is the slice of the command executor fixers use.
type Commander interface {
	Execute(ctx context.Context, command string, opts executor.Options) (*types.CommandResult, error)
	Mode() types.ExecMode
}

// Snapshotter is the slice of the backup manager fixers use.
type Snapshotter interface {
	CreateBackup(ctx context.Context, source string, metadata map[string]string) (*types.BackupInfo, error)
	RestoreBackup(ctx context.Context, backupID string) error
	LatestBackup(source string) (*types.BackupInfo, error)
}

// Registry resolves the fixer for an event source.
type Registry struct {
	fixers map[types.EventSource]Fixer
}

func NewRegistry(fixers ...Fixer) *Registry {
	r := &Registry{fixers: make(map[types.EventSource]Fixer, len(fixers))}
	for _, f := range fixers {
		r.fixers[f.Source()] = f
	}
	return r
}

func (r *Registry) For(source types.EventSource) (Fixer, bool) {
	f, ok := r.fixers[source]
	return f, ok
}

// SelectStrategy walks texts in priority order (phase before plan) and
// returns the first rule whose substring occurs in that text. Rules
// with an empty Contains are the table's fallback, consulted only when
// no substring matched anywhere.
func SelectStrategy(rules []config.StrategyRule, texts ...string) string {
	for _, text := range texts {
		t := strings.ToLower(text)
		if t == "" {
			continue
		}
		for _, r := range rules {
			if r.Contains == "" {
				continue
			}
			if strings.Contains(t, strings.ToLower(r.Contains)) {
				return r.Strategy
			}
		}
	}
	for _, r := range rules {
		if r.Contains == "" {
			return r.Strategy
		}
	}
	return ""
}

// phaseText flattens the phase the request runs under for strategy
// matching.
func phaseText(req Request) string {
	if req.Phase == nil {
		return ""
	}
	parts := []string{req.Phase.Name, req.Phase.Description}
	parts = append(parts, req.Phase.Steps...)
	return strings.Join(parts, " ")
}

// planText flattens the plan-level description fields.
func planText(req Request) string {
	if req.Plan == nil {
		return ""
	}
	return req.Plan.Description + " " + req.Plan.RollbackPlan
}

// pickStrategy resolves the request's strategy: a pinned strategy
// wins, then phase text, then plan text, then the table fallback.
func pickStrategy(rules []config.StrategyRule, req Request) string {
	if req.Strategy != "" {
		return req.Strategy
	}
	return SelectStrategy(rules, phaseText(req), planText(req))
}

// StrategyFor previews the strategy a request would resolve to without
// running it. Callers use it to label attempts that errored before the
// fixer could report what it ran.
func StrategyFor(rules []config.StrategyRule, req Request) string {
	return pickStrategy(rules, req)
}
