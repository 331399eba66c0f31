package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
)

// Channel names a logical notification stream. Sinks decide how a
// channel maps onto their medium (a chat channel, a log prefix, a
// webhook field).
type Channel string

const (
	ChannelBotStatus    Channel = "bot-status"
	ChannelCritical     Channel = "critical"
	ChannelAlerts       Channel = "alerts"
	ChannelApprovals    Channel = "approvals"
	ChannelCodeFixes    Channel = "code-fixes"
	ChannelDeployLog    Channel = "deployment-log"
	ChannelOrchestrator Channel = "orchestrator"
	ChannelStats        Channel = "stats"
)

// AllChannels lists every fixed channel, for sinks that pre-create
// their streams.
var AllChannels = []Channel{
	ChannelBotStatus, ChannelCritical, ChannelAlerts, ChannelApprovals,
	ChannelCodeFixes, ChannelDeployLog, ChannelOrchestrator, ChannelStats,
}

// ProjectChannel returns the per-project status channel.
func ProjectChannel(project string) Channel {
	slug := strings.ToLower(strings.ReplaceAll(project, " ", "-"))
	return Channel("status-" + slug)
}

// Message is one notification.
type Message struct {
	Channel   Channel           `json:"channel"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	Severity  types.Severity    `json:"severity,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink delivers messages over one medium. Send must not block beyond
// ctx; delivery is best effort and the Notifier logs failures rather
// than propagating them into the pipeline.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error

	// UpdateLive rewrites a previously posted message identified by
	// handle, or posts fresh when handle is empty, returning the
	// handle for the next update. Dashboards use this to edit in
	// place instead of flooding a channel.
	UpdateLive(ctx context.Context, channel Channel, handle, content string) (string, error)
}

// channelEnsurer is implemented by sinks whose medium has to be told
// about channels up front.
type channelEnsurer interface {
	EnsureChannels(ctx context.Context, channels []Channel) error
}

// Notifier fans messages out to every configured sink and owns the
// approval workflow. All pipeline components talk to this one type;
// sinks stay behind it.
type Notifier struct {
	sinks  []Sink
	inbox  *Inbox
	logger zerolog.Logger
}

// New builds a notifier over the given sinks. With no sinks every Send
// is a no-op and approvals can only resolve by timeout or through the
// control API.
func New(sinks ...Sink) *Notifier {
	return &Notifier{
		sinks:  sinks,
		inbox:  NewInbox(),
		logger: log.WithComponent("notify"),
	}
}

// Inbox exposes the pending-approval registry for the control API.
func (n *Notifier) Inbox() *Inbox { return n.inbox }

// Send delivers msg to every sink. Failures are logged per sink and
// never returned; a broken notification channel must not stall
// remediation.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	for _, s := range n.sinks {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("channel", string(msg.Channel)).
				Msg("notification delivery failed")
		}
	}
}

// UpdateLive edits a live message through the first sink that accepts
// it, returning the new handle.
func (n *Notifier) UpdateLive(ctx context.Context, channel Channel, handle, content string) (string, error) {
	var lastErr error
	for _, s := range n.sinks {
		h, err := s.UpdateLive(ctx, channel, handle, content)
		if err != nil {
			lastErr = err
			continue
		}
		return h, nil
	}
	if lastErr != nil {
		return handle, lastErr
	}
	return handle, nil
}

// EnsureChannels pre-creates channels on sinks that need it.
func (n *Notifier) EnsureChannels(ctx context.Context) error {
	channels := AllChannels
	for _, s := range n.sinks {
		ensurer, ok := s.(channelEnsurer)
		if !ok {
			continue
		}
		if err := ensurer.EnsureChannels(ctx, channels); err != nil {
			return fmt.Errorf("failed to ensure channels on %s: %w", s.Name(), err)
		}
	}
	return nil
}

// RequestApproval announces the request on the approvals channel and
// blocks until a human decides, the timeout lapses, or ctx is
// cancelled. Timeout returns a timed-out rejection wrapping
// types.ErrApprovalTimeout; ctx cancellation returns ctx.Err() with a
// zero outcome so the caller can leave the batch pending.
func (n *Notifier) RequestApproval(ctx context.Context, req ApprovalRequest, timeout time.Duration) (types.ApprovalOutcome, error) {
	decided := n.inbox.Add(req)
	defer n.inbox.Remove(req.ID)

	n.Send(ctx, approvalMessage(req, timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-decided:
		metrics.ApprovalsTotal.WithLabelValues(decisionLabel(outcome)).Inc()
		n.logger.Info().
			Str("approval_id", req.ID).
			Int64("batch_id", req.BatchID).
			Bool("approved", outcome.Approved).
			Str("approver", outcome.Approver).
			Msg("approval decided")
		return outcome, nil

	case <-timer.C:
		outcome := types.ApprovalOutcome{
			Approved:  false,
			DecidedAt: time.Now(),
			TimedOut:  true,
		}
		metrics.ApprovalsTotal.WithLabelValues("timeout").Inc()
		n.logger.Warn().
			Str("approval_id", req.ID).
			Int64("batch_id", req.BatchID).
			Dur("timeout", timeout).
			Msg("approval request timed out")
		return outcome, fmt.Errorf("batch %d: %w", req.BatchID, types.ErrApprovalTimeout)

	case <-ctx.Done():
		return types.ApprovalOutcome{}, ctx.Err()
	}
}

func decisionLabel(outcome types.ApprovalOutcome) string {
	if outcome.Approved {
		return "approved"
	}
	return "rejected"
}

// approvalMessage renders the request for the approvals channel.
func approvalMessage(req ApprovalRequest, timeout time.Duration) Message {
	fields := map[string]string{
		"approval_id": req.ID,
		"batch_id":    fmt.Sprintf("%d", req.BatchID),
		"expires_in":  timeout.String(),
	}
	if req.Plan != nil {
		fields["confidence"] = fmt.Sprintf("%.2f", req.Plan.Confidence)
		fields["phases"] = fmt.Sprintf("%d", len(req.Plan.Phases))
		fields["estimated_minutes"] = fmt.Sprintf("%d", req.Plan.EstimatedMinutes)
	}
	if req.Impact != nil {
		fields["impact"] = string(req.Impact.Severity)
		if req.Impact.ApprovalReason != "" {
			fields["approval_reason"] = req.Impact.ApprovalReason
		}
	}

	var body strings.Builder
	body.WriteString(req.Summary)
	if req.Plan != nil {
		body.WriteString("\n\nPlan: ")
		body.WriteString(req.Plan.Description)
		if req.Plan.RollbackPlan != "" {
			body.WriteString("\nRollback: ")
			body.WriteString(req.Plan.RollbackPlan)
		}
	}

	return Message{
		Channel:  ChannelApprovals,
		Title:    fmt.Sprintf("Approval required for batch %d", req.BatchID),
		Body:     body.String(),
		Severity: req.Severity,
		Fields:   fields,
	}
}
