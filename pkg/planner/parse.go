package planner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/sentinel/pkg/types"
)

// looseFloat tolerates providers that quote numeric fields. Confidence
// arrives as a JSON number from most models but as "0.9" from some.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = looseFloat(v)
	return nil
}

type wirePlan struct {
	Description      string      `json:"description"`
	Confidence       looseFloat  `json:"confidence"`
	Phases           []wirePhase `json:"phases"`
	EstimatedMinutes int         `json:"estimated_duration_minutes"`
	RequiresRestart  bool        `json:"requires_restart"`
	RollbackPlan     string      `json:"rollback_plan"`
}

type wirePhase struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Steps            []string `json:"steps"`
	EstimatedMinutes int      `json:"estimated_minutes"`
}

type wireStrategy struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Confidence  looseFloat `json:"confidence"`
}

// ParsePlan extracts and validates a remediation plan from raw model
// output. The response may wrap the JSON in markdown fences or prose;
// only the first JSON object is considered.
func ParsePlan(raw string) (*types.RemediationPlan, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var wire wirePlan
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	if strings.TrimSpace(wire.Description) == "" {
		return nil, fmt.Errorf("plan missing description")
	}
	if len(wire.Phases) == 0 {
		return nil, fmt.Errorf("plan has no phases")
	}
	if wire.Confidence < 0 || wire.Confidence > 1 {
		return nil, fmt.Errorf("plan confidence %v out of range", float64(wire.Confidence))
	}

	plan := &types.RemediationPlan{
		Description:      wire.Description,
		Confidence:       float64(wire.Confidence),
		Phases:           make([]types.PlanPhase, 0, len(wire.Phases)),
		EstimatedMinutes: wire.EstimatedMinutes,
		RequiresRestart:  wire.RequiresRestart,
		RollbackPlan:     wire.RollbackPlan,
	}
	for i, ph := range wire.Phases {
		if strings.TrimSpace(ph.Name) == "" {
			return nil, fmt.Errorf("phase %d missing name", i+1)
		}
		plan.Phases = append(plan.Phases, types.PlanPhase{
			Name:             ph.Name,
			Description:      ph.Description,
			Steps:            ph.Steps,
			EstimatedMinutes: ph.EstimatedMinutes,
		})
	}
	return plan, nil
}

// ParseStrategy extracts and validates a single-event fix strategy.
func ParseStrategy(raw string) (*types.FixStrategy, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var wire wireStrategy
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, fmt.Errorf("failed to decode strategy: %w", err)
	}

	if strings.TrimSpace(wire.Name) == "" {
		return nil, fmt.Errorf("strategy missing name")
	}
	if wire.Confidence < 0 || wire.Confidence > 1 {
		return nil, fmt.Errorf("strategy confidence %v out of range", float64(wire.Confidence))
	}

	return &types.FixStrategy{
		Name:        wire.Name,
		Description: wire.Description,
		Confidence:  float64(wire.Confidence),
	}, nil
}

// extractJSON locates the JSON object in a model response. Markdown
// fences are stripped first; otherwise the substring from the first '{'
// to its matching '}' is taken. Brace matching ignores braces inside
// JSON strings.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON object in response")
}
