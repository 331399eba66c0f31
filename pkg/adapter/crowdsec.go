package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

const defaultCrowdSecCommand = "cscli decisions list -o json"

// CrowdSec polls the network IPS for active decisions. Decisions are
// already enforced by the bouncer, so events are non-persistent; the
// network-threat severity rule is a flat HIGH.
type CrowdSec struct {
	cfg    config.CrowdSecSource
	run    RunFunc
	logger zerolog.Logger
}

// NewCrowdSec builds the network-IPS adapter.
func NewCrowdSec(cfg config.CrowdSecSource, run RunFunc) *CrowdSec {
	if cfg.Command == "" {
		cfg.Command = defaultCrowdSecCommand
	}
	if run == nil {
		run = ShellRunner()
	}
	return &CrowdSec{
		cfg:    cfg,
		run:    run,
		logger: log.WithComponent("adapter.crowdsec"),
	}
}

func (c *CrowdSec) Name() string { return "crowdsec" }

func (c *CrowdSec) Source() types.EventSource { return types.SourceNetworkIPS }

func (c *CrowdSec) Interval() time.Duration { return time.Duration(c.cfg.Interval) }

// cscli prints alerts with their embedded decisions; only the fields
// the adapter reads are declared.
type crowdsecAlert struct {
	Source struct {
		Cn string `json:"cn"`
	} `json:"source"`
	Decisions []struct {
		Scenario string `json:"scenario"`
		Scope    string `json:"scope"`
		Value    string `json:"value"`
		Type     string `json:"type"`
	} `json:"decisions"`
}

// Poll lists active decisions. Only Ip and Range scopes become events;
// country or AS scoped decisions have no single address to remediate.
func (c *CrowdSec) Poll(ctx context.Context) ([]*types.SecurityEvent, error) {
	out, err := c.run(ctx, c.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}

	trimmed := strings.TrimSpace(out)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var alerts []crowdsecAlert
	if err := json.Unmarshal([]byte(trimmed), &alerts); err != nil {
		return nil, fmt.Errorf("failed to parse decisions: %w", err)
	}

	var events []*types.SecurityEvent
	for _, alert := range alerts {
		for _, d := range alert.Decisions {
			if !strings.EqualFold(d.Scope, "ip") && !strings.EqualFold(d.Scope, "range") {
				c.logger.Debug().Str("scope", d.Scope).Str("value", d.Value).Msg("skipping unsupported decision scope")
				continue
			}
			events = append(events, types.NewSecurityEvent(
				types.SourceNetworkIPS,
				"threat",
				types.SeverityHigh,
				types.EventDetails{NetworkThreat: &types.NetworkThreatDetails{
					IP:       d.Value,
					Scenario: d.Scenario,
					Action:   d.Type,
					Country:  alert.Source.Cn,
				}},
				false,
			))
		}
	}
	return events, nil
}
