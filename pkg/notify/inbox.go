package notify

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/sentinel/pkg/types"
)

// ApprovalRequest is one batch waiting on a human decision.
type ApprovalRequest struct {
	ID          string                  `json:"id"`
	BatchID     int64                   `json:"batch_id"`
	Summary     string                  `json:"summary"`
	Severity    types.Severity          `json:"severity"`
	Plan        *types.RemediationPlan  `json:"plan,omitempty"`
	Impact      *types.ImpactAssessment `json:"impact,omitempty"`
	RequestedAt time.Time               `json:"requested_at"`
}

// NewApprovalRequest stamps identity and time onto a request.
func NewApprovalRequest(batchID int64, summary string, severity types.Severity, plan *types.RemediationPlan, impact *types.ImpactAssessment) ApprovalRequest {
	return ApprovalRequest{
		ID:          uuid.NewString(),
		BatchID:     batchID,
		Summary:     summary,
		Severity:    severity,
		Plan:        plan,
		Impact:      impact,
		RequestedAt: time.Now(),
	}
}

type pendingApproval struct {
	request ApprovalRequest
	decided chan types.ApprovalOutcome
}

// Inbox is the registry of approvals awaiting a decision. The notifier
// blocks on entries; the control API and chat sinks resolve them.
type Inbox struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

func NewInbox() *Inbox {
	return &Inbox{pending: make(map[string]*pendingApproval)}
}

// Add registers a request and returns the channel its decision will
// arrive on. The channel is buffered so Decide never blocks.
func (i *Inbox) Add(req ApprovalRequest) <-chan types.ApprovalOutcome {
	i.mu.Lock()
	defer i.mu.Unlock()

	p := &pendingApproval{
		request: req,
		decided: make(chan types.ApprovalOutcome, 1),
	}
	i.pending[req.ID] = p
	return p.decided
}

// Remove withdraws a request, usually after timeout. Idempotent.
func (i *Inbox) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.pending, id)
}

// Decide resolves a pending request. A second decision for the same id
// or a decision for an expired request returns types.ErrNotFound.
func (i *Inbox) Decide(id string, approved bool, approver string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	p, ok := i.pending[id]
	if !ok {
		return fmt.Errorf("approval %s: %w", id, types.ErrNotFound)
	}
	delete(i.pending, id)

	p.decided <- types.ApprovalOutcome{
		Approved:  approved,
		Approver:  approver,
		DecidedAt: time.Now(),
	}
	return nil
}

// Pending lists outstanding requests, oldest first.
func (i *Inbox) Pending() []ApprovalRequest {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(i.pending))
	for _, p := range i.pending {
		out = append(out, p.request)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].RequestedAt.Before(out[b].RequestedAt)
	})
	return out
}
