package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/sentinel/pkg/types"
)

func TestParseEmptyConfig(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.False(t, cfg.AutoRemediation.Enabled)
	assert.Equal(t, types.ApprovalParanoid, cfg.AutoRemediation.ApprovalMode)
	assert.Equal(t, 10*time.Second, cfg.AutoRemediation.BatchWindow.Std())
	assert.Equal(t, 10, cfg.AutoRemediation.MaxBatchSize)
	assert.Equal(t, 3, cfg.AutoRemediation.MaxAttempts)
	assert.Equal(t, 0.85, cfg.AutoRemediation.MinConfidence)
	assert.Equal(t, 30*time.Minute, cfg.AutoRemediation.ApprovalTimeout.Std())
	assert.Equal(t, 5, cfg.AutoRemediation.CircuitBreakerThreshold)
	assert.Equal(t, time.Hour, cfg.AutoRemediation.CircuitBreakerTimeout.Std())

	assert.Equal(t, 6*time.Hour, cfg.Sources.VulnerabilityScan.Interval.Std())
	assert.Equal(t, 15*time.Minute, cfg.Sources.FileIntegrity.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Sources.HostIPS.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Sources.NetworkIPS.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Sources.PollTimeout.Std())

	assert.Equal(t, filepath.Join(cfg.StateDir, "knowledge.db"), cfg.KnowledgeBase.Path)
	assert.Equal(t, filepath.Join(cfg.StateDir, "backups"), cfg.Backup.Root)
	assert.Equal(t, "sshd", cfg.Fixers.Host.DefaultJail)
	assert.Contains(t, cfg.Impact.ProtectedPaths, "/etc/shadow")
	assert.Equal(t, 300, cfg.GitHub.DedupeTTLSeconds)

	for _, source := range []types.EventSource{
		types.SourceVulnerabilityScan,
		types.SourceNetworkIPS,
		types.SourceHostIPS,
		types.SourceFileIntegrity,
	} {
		assert.NotEmpty(t, cfg.Strategies[string(source)], "strategy table for %s", source)
	}
}

func TestParseOverrides(t *testing.T) {
	raw := `
log_level: debug
log_json: true
state_dir: /tmp/sentinel-test
listen: ":9090"
auto_remediation:
  enabled: true
  approval_mode: balanced
  dry_run: true
  batch_window: 5s
  max_batch_size: 4
  min_confidence: 0.9
planner:
  providers:
    - name: local
      base_url: http://127.0.0.1:11434/v1
      model: llama3
    - name: anthropic
      kind: anthropic
      base_url: https://api.anthropic.com
      model: claude-sonnet-4-5
      api_key_env: ANTHROPIC_API_KEY
      timeout: 90s
sources:
  host_ips:
    enabled: true
    interval: 45s
    jails: [sshd, nginx-botsearch]
  network_ips:
    enabled: true
    interval: 90
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "/tmp/sentinel-test", cfg.StateDir)
	assert.Equal(t, ":9090", cfg.Listen)

	assert.True(t, cfg.AutoRemediation.Enabled)
	assert.Equal(t, types.ApprovalBalanced, cfg.AutoRemediation.ApprovalMode)
	assert.Equal(t, 5*time.Second, cfg.AutoRemediation.BatchWindow.Std())
	assert.Equal(t, 4, cfg.AutoRemediation.MaxBatchSize)
	assert.Equal(t, 0.9, cfg.AutoRemediation.MinConfidence)
	// Unset knobs keep their defaults.
	assert.Equal(t, 3, cfg.AutoRemediation.MaxAttempts)

	require.Len(t, cfg.Planner.Providers, 2)
	assert.Equal(t, "openai", cfg.Planner.Providers[0].Kind)
	assert.Equal(t, 2*time.Minute, cfg.Planner.Providers[0].Timeout.Std())
	assert.Equal(t, "anthropic", cfg.Planner.Providers[1].Kind)
	assert.Equal(t, 90*time.Second, cfg.Planner.Providers[1].Timeout.Std())

	assert.Equal(t, 45*time.Second, cfg.Sources.HostIPS.Interval.Std())
	assert.Equal(t, []string{"sshd", "nginx-botsearch"}, cfg.Sources.HostIPS.Jails)
	// Bare integers are seconds.
	assert.Equal(t, 90*time.Second, cfg.Sources.NetworkIPS.Interval.Std())

	// State paths derive from the overridden state_dir.
	assert.Equal(t, "/tmp/sentinel-test/seen_events.json", cfg.SeenCachePath())
	assert.Equal(t, "/tmp/sentinel-test/archive.db", cfg.ArchivePath())
	assert.Equal(t, "/tmp/sentinel-test/knowledge.db", cfg.KnowledgeBase.Path)
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "duration string", raw: "d: 30s", want: 30 * time.Second},
		{name: "hours", raw: "d: 6h", want: 6 * time.Hour},
		{name: "bare seconds", raw: "d: 90", want: 90 * time.Second},
		{name: "fractional seconds", raw: "d: 1.5", want: 1500 * time.Millisecond},
		{name: "garbage string", raw: "d: quickly", wantErr: true},
		{name: "wrong type", raw: "d: [1, 2]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.raw), &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.D.Std())
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "unknown approval mode",
			raw:  "auto_remediation:\n  approval_mode: yolo\n",
		},
		{
			name: "confidence above one",
			raw:  "auto_remediation:\n  min_confidence: 1.5\n",
		},
		{
			name: "enabled without providers",
			raw:  "auto_remediation:\n  enabled: true\n",
		},
		{
			name: "provider with unknown kind",
			raw: `planner:
  providers:
    - name: local
      kind: carrier-pigeon
      base_url: http://127.0.0.1:11434/v1
      model: llama3
`,
		},
		{
			name: "project without name",
			raw:  "projects:\n  - path: /srv/app\n",
		},
		{
			name: "monitor log file without pattern",
			raw: `projects:
  - name: shop
    monitor:
      url: http://localhost:3000/health
      log_file: /var/log/shop.log
`,
		},
		{
			name: "zero batch window",
			raw:  "auto_remediation:\n  batch_window: 0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestStrategyTableOverride(t *testing.T) {
	raw := `
strategies:
  network_ips:
    - contains: nuke
      strategy: permanent_ban
    - contains: ""
      strategy: monitor_only
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	require.Len(t, cfg.Strategies[string(types.SourceNetworkIPS)], 2)
	assert.Equal(t, "monitor_only", cfg.Strategies[string(types.SourceNetworkIPS)][1].Strategy)

	// Untouched sources keep the built-in tables.
	assert.Equal(t, DefaultStrategies()[string(types.SourceHostIPS)],
		cfg.Strategies[string(types.SourceHostIPS)])
}

func TestMonitorDefaults(t *testing.T) {
	raw := `
projects:
  - name: shop
    path: /srv/shop
    monitor:
      url: http://localhost:3000/health
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	m := cfg.Projects[0].Monitor
	require.NotNil(t, m)
	assert.Equal(t, 200, m.ExpectedStatus)
	assert.Equal(t, 30*time.Second, m.CheckInterval.Std())
	assert.Equal(t, 10*time.Second, m.Timeout.Std())
	assert.Equal(t, 3, m.RemediationThreshold)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestExecMode(t *testing.T) {
	cfg := Default()
	assert.Equal(t, types.ModeLive, cfg.ExecMode())

	cfg.AutoRemediation.DryRun = true
	assert.Equal(t, types.ModeDryRun, cfg.ExecMode())
}
