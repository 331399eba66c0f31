package impact

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// DefaultProtectedPaths are always treated as protected regardless of
// configuration.
var DefaultProtectedPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/ssh",
	"/boot",
}

// downtimeBase is the per-severity floor for downtime estimates, in
// seconds.
var downtimeBase = map[types.ImpactSeverity]int{
	types.ImpactNone:        0,
	types.ImpactMinimal:     30,
	types.ImpactModerate:    120,
	types.ImpactSignificant: 300,
	types.ImpactCritical:    600,
}

// Request carries everything the analyzer grades: where the events
// came from, what the plan intends to touch, and how confident the
// planner was.
type Request struct {
	Source        types.EventSource
	EventType     string
	AffectedPaths []string
	Strategy      string
	Confidence    float64
}

// Analyzer grades planned remediations against the configured project
// inventory and protected-path set.
type Analyzer struct {
	projects  []types.Project
	protected []string
	mode      types.ApprovalMode
	logger    zerolog.Logger
}

// NewAnalyzer builds an analyzer. The configured protected paths
// extend the default set; they can never replace it.
func NewAnalyzer(projects []types.Project, protectedPaths []string, mode types.ApprovalMode) *Analyzer {
	protected := make([]string, 0, len(DefaultProtectedPaths)+len(protectedPaths))
	protected = append(protected, DefaultProtectedPaths...)
	for _, p := range protectedPaths {
		if !containsString(protected, p) {
			protected = append(protected, p)
		}
	}
	return &Analyzer{
		projects:  projects,
		protected: protected,
		mode:      mode,
		logger:    log.WithComponent("impact"),
	}
}

// Analyze maps a planned remediation to a structured assessment:
// affected projects, severity, downtime estimate, risks, service stop
// order, and whether a human must approve.
func (a *Analyzer) Analyze(req Request) *types.ImpactAssessment {
	assessment := &types.ImpactAssessment{}

	affected := a.affectedProjects(req)
	assessment.AffectedProjects = names(affected)

	protectedHits := a.protectedHits(req.AffectedPaths)
	production := anyProduction(affected)

	assessment.Severity = a.grade(req, protectedHits, production, affected)
	assessment.DowntimeSeconds = a.estimateDowntime(req, assessment.Severity, len(affected))
	assessment.Risks = a.risks(req, protectedHits, affected)
	assessment.MitigationSteps = a.mitigations(req, assessment.Severity, protectedHits)
	assessment.ServiceOrder = serviceOrder(affected)

	assessment.RequiresApproval, assessment.ApprovalReason =
		a.approval(req, assessment.Severity, protectedHits, production)

	a.logger.Debug().
		Str("source", string(req.Source)).
		Str("severity", string(assessment.Severity)).
		Int("downtime_s", assessment.DowntimeSeconds).
		Strs("projects", assessment.AffectedProjects).
		Bool("requires_approval", assessment.RequiresApproval).
		Msg("impact assessed")

	return assessment
}

// affectedProjects applies the three matching rules: path overlap with
// project roots and critical paths, source defaults, and textual
// mention in the strategy.
func (a *Analyzer) affectedProjects(req Request) []types.Project {
	var out []types.Project
	strategy := strings.ToLower(req.Strategy)

	for _, p := range a.projects {
		switch {
		case projectTouchesPaths(p, req.AffectedPaths):
			out = append(out, p)
		case req.Source == types.SourceVulnerabilityScan && p.Containerized:
			out = append(out, p)
		case p.Name != "" && strings.Contains(strategy, strings.ToLower(p.Name)):
			out = append(out, p)
		}
	}
	return out
}

func projectTouchesPaths(p types.Project, paths []string) bool {
	for _, path := range paths {
		if p.Path != "" && pathsOverlap(path, p.Path) {
			return true
		}
		for _, critical := range p.CriticalPaths {
			if pathsOverlap(path, critical) {
				return true
			}
		}
	}
	return false
}

// pathsOverlap reports whether one path contains the other. A plan
// touching /etc is treated as touching /etc/ssh, and vice versa.
func pathsOverlap(a, b string) bool {
	a, b = strings.TrimSuffix(a, "/"), strings.TrimSuffix(b, "/")
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func (a *Analyzer) protectedHits(paths []string) []string {
	var hits []string
	for _, path := range paths {
		for _, p := range a.protected {
			if pathsOverlap(path, p) {
				hits = append(hits, p)
				break
			}
		}
	}
	return hits
}

func (a *Analyzer) grade(req Request, protectedHits []string, production bool, affected []types.Project) types.ImpactSeverity {
	switch {
	case len(protectedHits) > 0:
		return types.ImpactCritical
	case production || req.Source == types.SourceFileIntegrity:
		return types.ImpactSignificant
	case req.Source == types.SourceVulnerabilityScan:
		return types.ImpactModerate
	case req.Source == "" && len(req.AffectedPaths) == 0 && req.Strategy == "" && len(affected) == 0:
		return types.ImpactNone
	default:
		return types.ImpactMinimal
	}
}

// estimateDowntime is the severity base plus per-project and
// per-operation costs read out of the strategy text.
func (a *Analyzer) estimateDowntime(req Request, severity types.ImpactSeverity, projects int) int {
	seconds := downtimeBase[severity]
	seconds += 10 * projects

	strategy := strings.ToLower(req.Strategy)
	if strings.Contains(strategy, "rebuild") || strings.Contains(strategy, "base image") {
		seconds += 120
	}
	if mentionsDatabase(strategy) {
		seconds += 60
	}
	seconds += 15 * strings.Count(strategy, "restart")

	return seconds
}

func mentionsDatabase(strategy string) bool {
	for _, kw := range []string{"pg_dump", "psql", "database", "migration"} {
		if strings.Contains(strategy, kw) {
			return true
		}
	}
	return false
}

func (a *Analyzer) risks(req Request, protectedHits []string, affected []types.Project) []string {
	var risks []string
	for _, hit := range protectedHits {
		risks = append(risks, fmt.Sprintf("modifies protected system path %s", hit))
	}
	for _, p := range affected {
		if p.Production {
			risks = append(risks, fmt.Sprintf("production project %s affected", p.Name))
		}
	}
	strategy := strings.ToLower(req.Strategy)
	if strings.Contains(strategy, "restart") {
		risks = append(risks, "service interruption during restart")
	}
	if strings.Contains(strategy, "rebuild") || strings.Contains(strategy, "base image") {
		risks = append(risks, "image rebuild may pull updated dependencies")
	}
	if req.Source == types.SourceNetworkIPS || req.Source == types.SourceHostIPS {
		risks = append(risks, "blocking rules can lock out legitimate traffic")
	}
	return risks
}

func (a *Analyzer) mitigations(req Request, severity types.ImpactSeverity, protectedHits []string) []string {
	steps := []string{"create backups before any mutation"}
	if len(protectedHits) > 0 {
		steps = append(steps, "verify restored hashes after any rollback of protected files")
	}
	if severity == types.ImpactSignificant || severity == types.ImpactCritical {
		steps = append(steps, "validate the plan in dry-run before live execution")
	}
	if strings.Contains(strings.ToLower(req.Strategy), "restart") {
		steps = append(steps, "stop services in reverse priority and verify health after start")
	}
	return steps
}

// serviceOrder lists the affected projects' services in start order:
// highest priority first. The service manager starts forward through
// this list and stops backward, so the most important service is down
// for the shortest window.
func serviceOrder(affected []types.Project) []string {
	sorted := make([]types.Project, len(affected))
	copy(sorted, affected)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	var order []string
	seen := make(map[string]bool)
	for _, p := range sorted {
		for _, svc := range p.Services {
			if !seen[svc] {
				seen[svc] = true
				order = append(order, svc)
			}
		}
	}
	return order
}

func (a *Analyzer) approval(req Request, severity types.ImpactSeverity, protectedHits []string, production bool) (bool, string) {
	switch {
	case len(protectedHits) > 0:
		return true, fmt.Sprintf("Protected system path: %s", protectedHits[0])
	case severity == types.ImpactCritical:
		return true, "Critical impact severity"
	case production:
		return true, "Production project affected"
	case req.Source == types.SourceFileIntegrity:
		return true, "File integrity events require review"
	case req.Confidence > 0 && req.Confidence < 0.85:
		return true, fmt.Sprintf("Plan confidence %.2f below threshold", req.Confidence)
	case a.mode == types.ApprovalParanoid:
		return true, "Paranoid mode approves everything manually"
	default:
		return false, ""
	}
}

func names(projects []types.Project) []string {
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.Name)
	}
	return out
}

func anyProduction(projects []types.Project) bool {
	for _, p := range projects {
		if p.Production {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
