package fixer

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// hardened jail settings: week-long bans, three strikes
const (
	hardenedBanTime  = 604800
	hardenedMaxRetry = 3
)

var jailPattern = regexp.MustCompile(`jail\s+([a-zA-Z0-9_-]+)`)

// HostFixer tightens the host IPS: hardening a jail's thresholds or
// making an offender's ban permanent. The jail is taken from the event,
// then from plan text, then from the configured default.
type HostFixer struct {
	exec        Commander
	rules       []config.StrategyRule
	defaultJail string
	logger      zerolog.Logger
}

func NewHostFixer(exec Commander, cfg config.HostFixer, rules []config.StrategyRule) *HostFixer {
	jail := cfg.DefaultJail
	if jail == "" {
		jail = "sshd"
	}
	return &HostFixer{
		exec:        exec,
		rules:       rules,
		defaultJail: jail,
		logger:      log.WithComponent("fixer.host"),
	}
}

func (f *HostFixer) Source() types.EventSource { return types.SourceHostIPS }

func (f *HostFixer) Fix(ctx context.Context, req Request) (*Result, error) {
	ban := req.Event.Details.HostBan
	if ban == nil {
		return nil, fmt.Errorf("event %s carries no host ban details", req.Event.ID)
	}

	jail := f.detectJail(ban, req)
	strategy := pickStrategy(f.rules, req)
	result := &Result{Strategy: strategy}

	var err error
	switch strategy {
	case "permanent_ban":
		err = f.permanentBan(ctx, jail, ban.IP)
	case "combined":
		if err = f.hardenJail(ctx, jail); err == nil {
			err = f.permanentBan(ctx, jail, ban.IP)
		}
	default: // harden_jail
		err = f.hardenJail(ctx, jail)
	}
	if err != nil {
		return nil, err
	}

	if verr := f.verifyJail(ctx, jail); verr != nil {
		return nil, verr
	}

	result.Verified = true
	result.Summary = fmt.Sprintf("%s applied on jail %s", strategy, jail)
	f.logger.Info().
		Str("strategy", strategy).
		Str("jail", jail).
		Str("ip", ban.IP).
		Msg("host fix applied")
	return result, nil
}

// detectJail prefers the event's own jail, then a "jail <name>" mention
// in the phase or plan text, then the configured default.
func (f *HostFixer) detectJail(ban *types.HostBanDetails, req Request) string {
	if ban.Jail != "" {
		return ban.Jail
	}
	for _, text := range []string{phaseText(req), planText(req)} {
		if m := jailPattern.FindStringSubmatch(strings.ToLower(text)); m != nil {
			return m[1]
		}
	}
	return f.defaultJail
}

// hardenJail tightens the jail's live thresholds. fail2ban applies
// these immediately; they do not survive a fail2ban restart, which is
// the accepted tradeoff for not rewriting jail.local here.
func (f *HostFixer) hardenJail(ctx context.Context, jail string) error {
	steps := []string{
		fmt.Sprintf("fail2ban-client set %s bantime %d", jail, hardenedBanTime),
		fmt.Sprintf("fail2ban-client set %s maxretry %d", jail, hardenedMaxRetry),
	}
	for _, cmd := range steps {
		if err := f.runLive(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// permanentBan re-bans the address under the hardened bantime. The
// address must parse; a malformed one refuses rather than handing
// garbage to the shell.
func (f *HostFixer) permanentBan(ctx context.Context, jail, ip string) error {
	if net.ParseIP(ip) == nil {
		return types.Refuse("invalid IP address %q", ip)
	}
	return f.runLive(ctx, fmt.Sprintf("fail2ban-client set %s banip %s", jail, ip))
}

// verifyJail confirms the jail is alive and answering.
func (f *HostFixer) verifyJail(ctx context.Context, jail string) error {
	res, err := f.exec.Execute(ctx, "fail2ban-client status "+jail, executor.Options{Sudo: true})
	if err != nil {
		return &types.VerificationError{Reason: fmt.Sprintf("jail %s status check failed: %v", jail, err)}
	}
	if !res.Success() {
		return &types.VerificationError{Reason: fmt.Sprintf("jail %s is not active (exit %d)", jail, res.ExitCode)}
	}
	return nil
}

func (f *HostFixer) runLive(ctx context.Context, cmd string) error {
	res, err := f.exec.Execute(ctx, cmd, executor.Options{Sudo: true})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("command %q exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
