package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

const defaultFail2banCommand = "fail2ban-client"

// Fail2ban polls the host IPS for currently banned addresses. Bans are
// self-resolving (the tool already blocked the address), so events are
// emitted non-persistent at MEDIUM severity.
type Fail2ban struct {
	cfg    config.Fail2banSource
	run    RunFunc
	logger zerolog.Logger
}

// NewFail2ban builds the host-IPS adapter. With no configured jails the
// adapter discovers them from `fail2ban-client status` on every poll.
func NewFail2ban(cfg config.Fail2banSource, run RunFunc) *Fail2ban {
	if cfg.Command == "" {
		cfg.Command = defaultFail2banCommand
	}
	if run == nil {
		run = ShellRunner()
	}
	return &Fail2ban{
		cfg:    cfg,
		run:    run,
		logger: log.WithComponent("adapter.fail2ban"),
	}
}

func (f *Fail2ban) Name() string { return "fail2ban" }

func (f *Fail2ban) Source() types.EventSource { return types.SourceHostIPS }

func (f *Fail2ban) Interval() time.Duration { return time.Duration(f.cfg.Interval) }

// Poll lists banned IPs across all jails. Every currently banned IP is
// reported each cycle; the watcher's seen cache suppresses repeats.
func (f *Fail2ban) Poll(ctx context.Context) ([]*types.SecurityEvent, error) {
	jails := f.cfg.Jails
	if len(jails) == 0 {
		discovered, err := f.discoverJails(ctx)
		if err != nil {
			return nil, err
		}
		jails = discovered
	}

	var events []*types.SecurityEvent
	for _, jail := range jails {
		out, err := f.run(ctx, fmt.Sprintf("%s status %s", f.cfg.Command, jail))
		if err != nil {
			return nil, fmt.Errorf("failed to query jail %s: %w", jail, err)
		}
		for _, ip := range strings.Fields(labeledValue(out, "Banned IP list:")) {
			events = append(events, types.NewSecurityEvent(
				types.SourceHostIPS,
				"ban",
				types.SeverityMedium,
				types.EventDetails{HostBan: &types.HostBanDetails{IP: ip, Jail: jail}},
				false,
			))
		}
	}
	return events, nil
}

func (f *Fail2ban) discoverJails(ctx context.Context) ([]string, error) {
	out, err := f.run(ctx, f.cfg.Command+" status")
	if err != nil {
		return nil, fmt.Errorf("failed to list jails: %w", err)
	}

	var jails []string
	for _, name := range strings.Split(labeledValue(out, "Jail list:"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			jails = append(jails, name)
		}
	}
	return jails, nil
}

// labeledValue extracts the text after a "Label:" token in
// fail2ban-client's tree-drawn status output.
func labeledValue(out, label string) string {
	for _, line := range strings.Split(out, "\n") {
		if idx := strings.Index(line, label); idx >= 0 {
			return strings.TrimSpace(line[idx+len(label):])
		}
	}
	return ""
}
