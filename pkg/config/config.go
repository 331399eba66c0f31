package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/sentinel/pkg/types"
)

// Config is the root configuration loaded from a single YAML file.
// Defaults are applied before parsing, so an empty file is a valid
// (if not very useful) configuration.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogJSON  bool   `yaml:"log_json"`

	// StateDir holds every persisted artifact: seen_events.json,
	// project_monitor_state.json, git_push_state.json, archive.db,
	// knowledge.db and the backup root (unless overridden below).
	StateDir string `yaml:"state_dir" validate:"required"`

	// Listen is the address of the single HTTP server carrying the
	// webhook receiver, the control API, /health and /metrics.
	Listen string `yaml:"listen" validate:"required"`

	AutoRemediation AutoRemediation `yaml:"auto_remediation"`
	Planner         Planner         `yaml:"planner"`
	KnowledgeBase   KnowledgeBase   `yaml:"knowledge_base"`
	Backup          Backup          `yaml:"backup"`
	Executor        Executor        `yaml:"executor"`
	Sources         Sources         `yaml:"sources"`
	Fixers          Fixers          `yaml:"fixers"`
	Impact          Impact          `yaml:"impact"`
	GitHub          GitHub          `yaml:"github"`
	Notify          Notify          `yaml:"notify"`

	Projects []Project           `yaml:"projects" validate:"dive"`
	Services []types.ServiceInfo `yaml:"services" validate:"dive"`

	// Strategies maps an event source to an ordered keyword table used
	// to select a fix strategy from plan text. First match wins; an
	// empty or missing table falls back to the built-in defaults.
	Strategies map[string][]StrategyRule `yaml:"strategies"`
}

// AutoRemediation controls the orchestrator pipeline.
type AutoRemediation struct {
	Enabled                 bool               `yaml:"enabled"`
	ApprovalMode            types.ApprovalMode `yaml:"approval_mode" validate:"oneof=paranoid balanced aggressive"`
	DryRun                  bool               `yaml:"dry_run"`
	BatchWindow             Duration           `yaml:"batch_window" validate:"gt=0"`
	MaxBatchSize            int                `yaml:"max_batch_size" validate:"min=1"`
	MaxAttempts             int                `yaml:"max_attempts" validate:"min=1"`
	MinConfidence           float64            `yaml:"min_confidence" validate:"gte=0,lte=1"`
	ApprovalTimeout         Duration           `yaml:"approval_timeout" validate:"gt=0"`
	CircuitBreakerThreshold int                `yaml:"circuit_breaker_threshold" validate:"min=1"`
	CircuitBreakerTimeout   Duration           `yaml:"circuit_breaker_timeout" validate:"gt=0"`
}

// Planner configures the model backends used for plan synthesis.
type Planner struct {
	// Providers are tried in order; the first to return a valid plan
	// wins. An empty list disables planning (and with it remediation).
	Providers []Provider `yaml:"providers" validate:"dive"`

	// MinSpacing is the minimum gap between any two provider requests,
	// shared across all providers and callers.
	MinSpacing  Duration `yaml:"min_spacing" validate:"gt=0"`
	Temperature float64  `yaml:"temperature" validate:"gte=0,lte=0.3"`
}

// Provider describes one model backend.
type Provider struct {
	Name    string `yaml:"name" validate:"required"`
	Kind    string `yaml:"kind" validate:"oneof=openai anthropic"`
	BaseURL string `yaml:"base_url" validate:"required"`
	Model   string `yaml:"model" validate:"required"`

	// APIKeyEnv names the environment variable holding the key so the
	// key itself never lives in the config file.
	APIKeyEnv string   `yaml:"api_key_env"`
	Timeout   Duration `yaml:"timeout" validate:"gt=0"`
	Stream    bool     `yaml:"stream"`
}

// KnowledgeBase configures the embedded learning store.
type KnowledgeBase struct {
	// Path defaults to {state_dir}/knowledge.db.
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days" validate:"min=1"`

	// Required makes KB corruption at startup fatal (exit code 3)
	// instead of degrading to read-only mode.
	Required bool `yaml:"required"`
}

// Backup configures snapshot storage.
type Backup struct {
	// Root defaults to {state_dir}/backups.
	Root          string `yaml:"root"`
	RetentionDays int    `yaml:"retention_days" validate:"min=1"`
	Compression   bool   `yaml:"compression"`
	MaxSizeMB     int    `yaml:"max_size_mb" validate:"min=1"`
}

// Executor configures safe command execution.
type Executor struct {
	DefaultTimeout Duration `yaml:"default_timeout" validate:"gt=0"`
	MaxTimeout     Duration `yaml:"max_timeout" validate:"gt=0"`
	HistorySize    int      `yaml:"history_size" validate:"min=1"`

	// Blocklist adds extra regular expressions to the built-in set of
	// refused command patterns.
	Blocklist []string `yaml:"blocklist"`
}

// Sources configures the security-tool adapters.
type Sources struct {
	// PollTimeout bounds every adapter poll call.
	PollTimeout Duration `yaml:"poll_timeout" validate:"gt=0"`

	VulnerabilityScan TrivySource    `yaml:"vulnerability_scan"`
	HostIPS           Fail2banSource `yaml:"host_ips"`
	NetworkIPS        CrowdSecSource `yaml:"network_ips"`
	FileIntegrity     AideSource     `yaml:"file_integrity"`
	FSWatch           FSWatchSource  `yaml:"fs_watch"`
}

// TrivySource configures the vulnerability-scan adapter.
type TrivySource struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval" validate:"gt=0"`
	Command  string   `yaml:"command"`
	Images   []string `yaml:"images"`

	// FindingCap is the per-scan threshold above which the adapter
	// emits one summary event instead of individual finding events.
	FindingCap int `yaml:"finding_cap" validate:"min=1"`
}

// Fail2banSource configures the host-IPS adapter.
type Fail2banSource struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval" validate:"gt=0"`
	Command  string   `yaml:"command"`
	Jails    []string `yaml:"jails"`
}

// CrowdSecSource configures the network-IPS adapter.
type CrowdSecSource struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval" validate:"gt=0"`
	Command  string   `yaml:"command"`
}

// AideSource configures the report-based file-integrity adapter.
type AideSource struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval" validate:"gt=0"`
	Command  string   `yaml:"command"`

	// CriticalPaths classifies changes under these prefixes CRITICAL;
	// everything else is HIGH.
	CriticalPaths []string `yaml:"critical_paths"`
}

// FSWatchSource configures the realtime file-integrity supplement.
type FSWatchSource struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval" validate:"gt=0"`
	Paths    []string `yaml:"paths"`
}

// Fixers carries per-fixer safety settings.
type Fixers struct {
	Network NetworkFixer `yaml:"network"`
	Host    HostFixer    `yaml:"host"`
	File    FileFixer    `yaml:"file"`
}

// NetworkFixer configures the network-IPS fixer.
type NetworkFixer struct {
	// Whitelist entries are never blocked; attempts are refused.
	Whitelist []string `yaml:"whitelist"`
}

// HostFixer configures the host-IPS fixer.
type HostFixer struct {
	DefaultJail string `yaml:"default_jail" validate:"required"`
}

// FileFixer configures the file-integrity fixer.
type FileFixer struct {
	// CriticalPaths refuse auto-restore without explicit approval text
	// in the plan.
	CriticalPaths []string `yaml:"critical_paths"`

	// QuarantineDir receives suspicious files; defaults under StateDir.
	QuarantineDir string `yaml:"quarantine_dir"`

	// BaselineUpdateCommand re-baselines the integrity database after
	// legitimate changes are approved.
	BaselineUpdateCommand string `yaml:"baseline_update_command"`
}

// Impact configures the impact analyzer.
type Impact struct {
	// ProtectedPaths always force the approval gate.
	ProtectedPaths []string `yaml:"protected_paths"`
}

// GitHub configures the push/change ingestor.
type GitHub struct {
	// WebhookSecret enables the webhook receiver; when empty the
	// /webhook route rejects every delivery.
	WebhookSecret    string   `yaml:"webhook_secret"`
	WebhookPublicURL string   `yaml:"webhook_public_url"`
	DeployBranches   []string `yaml:"deploy_branches"`

	// Repos enables the local polling loop.
	Repos                []Repo   `yaml:"repos" validate:"dive"`
	LocalPollingInterval Duration `yaml:"local_polling_interval" validate:"gt=0"`
	DedupeTTLSeconds     int      `yaml:"dedupe_ttl_seconds" validate:"min=1"`
}

// Repo is one locally polled repository.
type Repo struct {
	Name   string `yaml:"name" validate:"required"`
	Path   string `yaml:"path" validate:"required"`
	Branch string `yaml:"branch"`
}

// Notify configures notification sinks. The console sink is always on;
// the webhook sink activates when a URL is set.
type Notify struct {
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
}

// Project is one monitored project.
type Project struct {
	Name          string   `yaml:"name" validate:"required"`
	Path          string   `yaml:"path"`
	Production    bool     `yaml:"production"`
	Priority      int      `yaml:"priority"`
	Containerized bool     `yaml:"containerized"`
	CriticalPaths []string `yaml:"critical_paths"`
	Services      []string `yaml:"services"`

	Monitor *Monitor `yaml:"monitor"`
}

// Domain strips the monitoring knobs, leaving the shape the impact
// analyzer and fixers consume.
func (p Project) Domain() types.Project {
	return types.Project{
		Name:          p.Name,
		Path:          p.Path,
		Production:    p.Production,
		Priority:      p.Priority,
		Containerized: p.Containerized,
		CriticalPaths: p.CriticalPaths,
		Services:      p.Services,
	}
}

// DomainProjects converts every configured project. Convenience for
// wiring the analyzer and file fixer.
func (c *Config) DomainProjects() []types.Project {
	out := make([]types.Project, 0, len(c.Projects))
	for _, p := range c.Projects {
		out = append(out, p.Domain())
	}
	return out
}

// Monitor is a project's health-check configuration.
type Monitor struct {
	URL                  string   `yaml:"url" validate:"required,url"`
	ExpectedStatus       int      `yaml:"expected_status" validate:"min=100,max=599"`
	CheckInterval        Duration `yaml:"check_interval" validate:"gt=0"`
	Timeout              Duration `yaml:"timeout" validate:"gt=0"`
	RemediationCommand   string   `yaml:"remediation_command"`
	RemediationThreshold int      `yaml:"remediation_threshold" validate:"min=1"`
	LogFile              string   `yaml:"log_file"`
	LogPattern           string   `yaml:"log_pattern"`
}

// StrategyRule maps a plan-text substring to a fix strategy. An empty
// Contains matches everything and serves as the table's fallback row.
type StrategyRule struct {
	Contains string `yaml:"contains"`
	Strategy string `yaml:"strategy"`
}

// Load reads, parses and validates the configuration file at path.
// Any returned error is a configuration error (exit code 2 territory).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every knob at its default.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		StateDir: "/var/lib/sentinel",
		Listen:   ":8080",
		AutoRemediation: AutoRemediation{
			ApprovalMode:            types.ApprovalParanoid,
			BatchWindow:             Duration(10 * time.Second),
			MaxBatchSize:            10,
			MaxAttempts:             3,
			MinConfidence:           0.85,
			ApprovalTimeout:         Duration(30 * time.Minute),
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   Duration(time.Hour),
		},
		Planner: Planner{
			MinSpacing:  Duration(500 * time.Millisecond),
			Temperature: 0.1,
		},
		KnowledgeBase: KnowledgeBase{
			RetentionDays: 90,
		},
		Backup: Backup{
			RetentionDays: 7,
			Compression:   true,
			MaxSizeMB:     500,
		},
		Executor: Executor{
			DefaultTimeout: Duration(5 * time.Minute),
			MaxTimeout:     Duration(time.Hour),
			HistorySize:    1000,
		},
		Sources: Sources{
			PollTimeout: Duration(30 * time.Second),
			VulnerabilityScan: TrivySource{
				Interval:   Duration(6 * time.Hour),
				FindingCap: 5,
			},
			HostIPS: Fail2banSource{
				Interval: Duration(30 * time.Second),
			},
			NetworkIPS: CrowdSecSource{
				Interval: Duration(30 * time.Second),
			},
			FileIntegrity: AideSource{
				Interval:      Duration(15 * time.Minute),
				CriticalPaths: defaultCriticalPaths(),
			},
			FSWatch: FSWatchSource{
				Interval: Duration(30 * time.Second),
			},
		},
		Fixers: Fixers{
			Network: NetworkFixer{
				Whitelist: []string{"127.0.0.1", "::1"},
			},
			Host: HostFixer{
				DefaultJail: "sshd",
			},
			File: FileFixer{
				CriticalPaths:         defaultCriticalPaths(),
				BaselineUpdateCommand: "aide --update && mv /var/lib/aide/aide.db.new /var/lib/aide/aide.db",
			},
		},
		Impact: Impact{
			ProtectedPaths: defaultCriticalPaths(),
		},
		GitHub: GitHub{
			DeployBranches:       []string{"main", "master"},
			LocalPollingInterval: Duration(time.Minute),
			DedupeTTLSeconds:     300,
		},
		Strategies: DefaultStrategies(),
	}
}

func defaultCriticalPaths() []string {
	return []string{"/etc/passwd", "/etc/shadow", "/etc/ssh", "/boot"}
}

// DefaultStrategies returns the built-in plan-text keyword tables.
// Rules are checked in order against the lowercased plan description;
// the first match wins. The last rule of each table has an empty
// Contains and acts as the fallback.
func DefaultStrategies() map[string][]StrategyRule {
	return map[string][]StrategyRule{
		string(types.SourceVulnerabilityScan): {
			{Contains: "combined", Strategy: "combined"},
			{Contains: "both", Strategy: "combined"},
			{Contains: "base image", Strategy: "base_image_update"},
			{Contains: "upgrade", Strategy: "system_upgrade"},
			{Contains: "audit", Strategy: "audit_fix"},
			{Contains: "", Strategy: "audit_fix"},
		},
		string(types.SourceNetworkIPS): {
			{Contains: "combined", Strategy: "combined"},
			{Contains: "both", Strategy: "combined"},
			{Contains: "subnet", Strategy: "subnet_block"},
			{Contains: "permanent", Strategy: "permanent_ban"},
			{Contains: "extend", Strategy: "extend_decision"},
			{Contains: "", Strategy: "extend_decision"},
		},
		string(types.SourceHostIPS): {
			{Contains: "combined", Strategy: "combined"},
			{Contains: "both", Strategy: "combined"},
			{Contains: "permanent", Strategy: "permanent_ban"},
			{Contains: "harden", Strategy: "harden_jail"},
			{Contains: "stricter", Strategy: "harden_jail"},
			{Contains: "", Strategy: "harden_jail"},
		},
		string(types.SourceFileIntegrity): {
			{Contains: "restore", Strategy: "restore"},
			{Contains: "quarantine", Strategy: "quarantine"},
			{Contains: "baseline", Strategy: "update_baseline"},
			{Contains: "approve", Strategy: "update_baseline"},
			{Contains: "", Strategy: "categorize"},
		},
	}
}

// normalize resolves derived values and fills defaults on list entries
// the user provides only partially.
func (c *Config) normalize() {
	if c.KnowledgeBase.Path == "" {
		c.KnowledgeBase.Path = filepath.Join(c.StateDir, "knowledge.db")
	}
	if c.Backup.Root == "" {
		c.Backup.Root = filepath.Join(c.StateDir, "backups")
	}
	if c.Fixers.File.QuarantineDir == "" {
		c.Fixers.File.QuarantineDir = filepath.Join(c.StateDir, "quarantine")
	}
	for i := range c.Planner.Providers {
		p := &c.Planner.Providers[i]
		if p.Kind == "" {
			p.Kind = "openai"
		}
		if p.Timeout == 0 {
			p.Timeout = Duration(2 * time.Minute)
		}
	}
	for i := range c.Projects {
		m := c.Projects[i].Monitor
		if m == nil {
			continue
		}
		if m.ExpectedStatus == 0 {
			m.ExpectedStatus = 200
		}
		if m.CheckInterval == 0 {
			m.CheckInterval = Duration(30 * time.Second)
		}
		if m.Timeout == 0 {
			m.Timeout = Duration(10 * time.Second)
		}
		if m.RemediationThreshold == 0 {
			m.RemediationThreshold = 3
		}
	}
	for i := range c.GitHub.Repos {
		if c.GitHub.Repos[i].Branch == "" {
			c.GitHub.Repos[i].Branch = "main"
		}
	}
	if c.Strategies == nil {
		c.Strategies = make(map[string][]StrategyRule)
	}
	for source, rules := range DefaultStrategies() {
		if len(c.Strategies[source]) == 0 {
			c.Strategies[source] = rules
		}
	}
}

// Validate checks the configuration and returns a configuration error
// describing the first problem found.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.AutoRemediation.Enabled && len(c.Planner.Providers) == 0 {
		return fmt.Errorf("invalid config: auto_remediation.enabled requires at least one planner provider")
	}
	for _, p := range c.Projects {
		if p.Monitor != nil && p.Monitor.LogFile != "" && p.Monitor.LogPattern == "" {
			return fmt.Errorf("invalid config: project %s sets monitor.log_file without monitor.log_pattern", p.Name)
		}
	}
	return nil
}

// ExecMode returns the executor mode implied by the dry-run flag.
func (c *Config) ExecMode() types.ExecMode {
	if c.AutoRemediation.DryRun {
		return types.ModeDryRun
	}
	return types.ModeLive
}

// SeenCachePath is the watcher's dedup cache file.
func (c *Config) SeenCachePath() string {
	return filepath.Join(c.StateDir, "seen_events.json")
}

// MonitorStatePath is the project monitor's stats file.
func (c *Config) MonitorStatePath() string {
	return filepath.Join(c.StateDir, "project_monitor_state.json")
}

// PushStatePath is the ingestor's per-branch commit cursor file.
func (c *Config) PushStatePath() string {
	return filepath.Join(c.StateDir, "git_push_state.json")
}

// ArchivePath is the bbolt archive database.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.StateDir, "archive.db")
}
