package fixer

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// NetworkFixer blocks hostile addresses reported by the network IPS.
// Every target is validated against the whitelist and the machine's
// own addresses before any rule is written; a match refuses the whole
// request rather than silently skipping the entry.
type NetworkFixer struct {
	exec      Commander
	rules     []config.StrategyRule
	whitelist map[string]bool
	ownAddrs  func() []string
	logger    zerolog.Logger
}

func NewNetworkFixer(exec Commander, cfg config.NetworkFixer, rules []config.StrategyRule) *NetworkFixer {
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, ip := range cfg.Whitelist {
		wl[strings.TrimSpace(ip)] = true
	}
	return &NetworkFixer{
		exec:      exec,
		rules:     rules,
		whitelist: wl,
		ownAddrs:  interfaceAddrs,
		logger:    log.WithComponent("fixer.network"),
	}
}

func (f *NetworkFixer) Source() types.EventSource { return types.SourceNetworkIPS }

func (f *NetworkFixer) Fix(ctx context.Context, req Request) (*Result, error) {
	threat := req.Event.Details.NetworkThreat
	if threat == nil {
		return nil, fmt.Errorf("event %s carries no network threat details", req.Event.ID)
	}
	if err := f.validateTarget(threat.IP); err != nil {
		return nil, err
	}

	strategy := pickStrategy(f.rules, req)
	result := &Result{Strategy: strategy}

	var (
		blocked []string
		err     error
	)
	switch strategy {
	case "permanent_ban":
		blocked, err = f.blockTargets(ctx, []string{threat.IP})
	case "subnet_block":
		blocked, err = f.blockSubnets(ctx, threat.IP, req.Peers)
	case "combined":
		if err = f.extendDecision(ctx, threat); err == nil {
			blocked, err = f.blockTargets(ctx, []string{threat.IP})
		}
	default: // extend_decision
		err = f.extendDecision(ctx, threat)
	}
	if err != nil {
		f.unblock(ctx, blocked)
		return nil, err
	}

	if verr := f.verifyBlocks(ctx, blocked); verr != nil {
		f.unblock(ctx, blocked)
		return nil, verr
	}

	result.Verified = true
	result.Summary = fmt.Sprintf("%s applied for %s (%s)", strategy, threat.IP, threat.Scenario)
	f.logger.Info().
		Str("strategy", strategy).
		Str("ip", threat.IP).
		Str("scenario", threat.Scenario).
		Strs("blocked", blocked).
		Msg("network fix applied")
	return result, nil
}

// validateTarget refuses unparseable, whitelisted and own addresses.
func (f *NetworkFixer) validateTarget(ip string) error {
	if net.ParseIP(ip) == nil {
		return types.Refuse("invalid IP address %q", ip)
	}
	if f.whitelist[ip] {
		return types.Refuse("IP %s is whitelisted", ip)
	}
	for _, own := range f.ownAddrs() {
		if own == ip {
			return types.Refuse("IP %s is a local address", ip)
		}
	}
	return nil
}

// extendDecision lengthens the IPS's own ban so the threat feed keeps
// the address hot past its default decay.
func (f *NetworkFixer) extendDecision(ctx context.Context, threat *types.NetworkThreatDetails) error {
	cmd := fmt.Sprintf("cscli decisions add --ip %s --duration 24h --reason %q", threat.IP, threat.Scenario)
	res, err := f.exec.Execute(ctx, cmd, executor.Options{Sudo: true})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("failed to extend decision for %s: exit %d: %s", threat.IP, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// blockTargets inserts one DROP rule per target (an address or a
// CIDR), skipping rules already present. Returned targets are those
// added or confirmed, for verification and undo.
func (f *NetworkFixer) blockTargets(ctx context.Context, targets []string) ([]string, error) {
	var blocked []string
	for _, target := range targets {
		if f.ruleExists(ctx, target) {
			blocked = append(blocked, target)
			continue
		}
		cmd := fmt.Sprintf("iptables -I INPUT -s %s -j DROP", target)
		res, err := f.exec.Execute(ctx, cmd, executor.Options{Sudo: true})
		if err != nil {
			return blocked, err
		}
		if !res.Success() {
			return blocked, fmt.Errorf("failed to block %s: exit %d: %s", target, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		blocked = append(blocked, target)
	}
	return blocked, nil
}

// blockSubnets groups the event's address with its batch peers by /24.
// Groups of two or more become one subnet rule; singles are blocked
// individually. A whitelisted or local address inside a candidate /24
// refuses the subnet, because the wide rule would cover it.
func (f *NetworkFixer) blockSubnets(ctx context.Context, primary string, peers []*types.SecurityEvent) ([]string, error) {
	bySubnet := map[string][]string{}
	add := func(ip string) {
		if net.ParseIP(ip) == nil {
			return
		}
		key := subnet24(ip)
		if key == "" {
			return
		}
		for _, existing := range bySubnet[key] {
			if existing == ip {
				return
			}
		}
		bySubnet[key] = append(bySubnet[key], ip)
	}

	add(primary)
	for _, peer := range peers {
		if t := peer.Details.NetworkThreat; t != nil {
			add(t.IP)
		}
	}

	var targets []string
	for cidr, members := range bySubnet {
		if len(members) >= 2 {
			if err := f.validateSubnet(cidr); err != nil {
				return nil, err
			}
			targets = append(targets, cidr)
			continue
		}
		for _, ip := range members {
			if err := f.validateTarget(ip); err != nil {
				return nil, err
			}
			targets = append(targets, ip)
		}
	}
	return f.blockTargets(ctx, targets)
}

// validateSubnet refuses a /24 that contains a whitelisted or local
// address.
func (f *NetworkFixer) validateSubnet(cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return types.Refuse("invalid subnet %q", cidr)
	}
	for wl := range f.whitelist {
		if ip := net.ParseIP(wl); ip != nil && ipnet.Contains(ip) {
			return types.Refuse("subnet %s contains whitelisted address %s", cidr, wl)
		}
	}
	for _, own := range f.ownAddrs() {
		if ip := net.ParseIP(own); ip != nil && ipnet.Contains(ip) {
			return types.Refuse("subnet %s contains local address %s", cidr, own)
		}
	}
	return nil
}

// ruleExists probes for an existing DROP rule; iptables -C exits zero
// when the rule is present.
func (f *NetworkFixer) ruleExists(ctx context.Context, target string) bool {
	cmd := fmt.Sprintf("iptables -C INPUT -s %s -j DROP", target)
	res, err := f.exec.Execute(ctx, cmd, executor.Options{Sudo: true})
	return err == nil && res.Success()
}

// verifyBlocks re-probes every written rule.
func (f *NetworkFixer) verifyBlocks(ctx context.Context, targets []string) error {
	for _, target := range targets {
		if !f.ruleExists(ctx, target) {
			return &types.VerificationError{Reason: fmt.Sprintf("firewall rule for %s not present after fix", target)}
		}
	}
	return nil
}

func (f *NetworkFixer) unblock(ctx context.Context, targets []string) {
	for i := len(targets) - 1; i >= 0; i-- {
		cmd := fmt.Sprintf("iptables -D INPUT -s %s -j DROP", targets[i])
		if _, err := f.exec.Execute(ctx, cmd, executor.Options{Sudo: true}); err != nil {
			f.logger.Error().Err(err).Str("target", targets[i]).Msg("failed to remove rule during undo")
		}
	}
}

// subnet24 maps an IPv4 address to its /24; IPv6 addresses are not
// subnet-grouped.
func subnet24(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
}

// interfaceAddrs enumerates the machine's own addresses.
func interfaceAddrs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			out = append(out, ipnet.IP.String())
		}
	}
	return out
}
