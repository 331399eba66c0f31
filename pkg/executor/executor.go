package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// maxCaptureBytes bounds each captured stream.
const maxCaptureBytes = 64 * 1024

// defaultBlocklist refuses destructive command shapes regardless of
// mode. Config can only extend this set, never shrink it.
var defaultBlocklist = []string{
	`rm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+/+\s*(\*|$)`,    // recursive delete at /
	`dd\s+[^|;]*of=/dev/(sd|hd|nvme|vd|xvd)`,        // raw writes to block devices
	`mkfs\.?\w*\s+(-\w+\s+)*/dev/`,                  // reformat a device
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,      // fork bomb
	`chmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)+0?777\s+/+$`, // world-writable root
	`>\s*/dev/(sd|hd|nvme|vd|xvd)`,                  // truncate a device
}

// Config tunes an Executor.
type Config struct {
	// Mode is the default execution mode (LIVE or DRY_RUN).
	Mode types.ExecMode

	// DefaultTimeout applies when a call does not set one.
	DefaultTimeout time.Duration

	// MaxTimeout caps every call, including explicit ones.
	MaxTimeout time.Duration

	// HistorySize bounds the retained result ring.
	HistorySize int

	// ExtraBlocklist adds regular expressions to the built-in set.
	ExtraBlocklist []string
}

// Options modify a single Execute call.
type Options struct {
	// Timeout overrides the default; it is still capped at MaxTimeout.
	Timeout time.Duration

	// Mode overrides the executor's default mode for this call.
	Mode types.ExecMode

	// Sudo elevates the whole command line.
	Sudo bool

	// Cwd sets the working directory.
	Cwd string

	// Env entries are appended to the inherited environment.
	Env map[string]string
}

// Stats summarizes the retained history.
type Stats struct {
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	TimedOut    int           `json:"timed_out"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Executor runs shell commands under validation, timeout and mode
// control, and retains a bounded history of results.
type Executor struct {
	mode           types.ExecMode
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	blocklist      []*regexp.Regexp

	mu          sync.Mutex
	history     []*types.CommandResult
	historyNext int
	historyFull bool

	logger zerolog.Logger
}

// New creates an Executor. Invalid extra blocklist patterns are
// rejected so a typo cannot silently disable a guard.
func New(cfg Config) (*Executor, error) {
	if cfg.Mode == "" {
		cfg.Mode = types.ModeLive
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = time.Hour
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}

	patterns := append(append([]string{}, defaultBlocklist...), cfg.ExtraBlocklist...)
	blocklist := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile blocklist pattern %q: %w", p, err)
		}
		blocklist = append(blocklist, re)
	}

	return &Executor{
		mode:           cfg.Mode,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		blocklist:      blocklist,
		history:        make([]*types.CommandResult, cfg.HistorySize),
		logger:         log.WithComponent("executor"),
	}, nil
}

// Mode returns the executor's default mode.
func (e *Executor) Mode() types.ExecMode {
	return e.mode
}

// Execute validates and runs one command line.
//
// Refused commands return a types.RefusalError and no result. Timeouts
// return both a result (exit code -1, TimedOut set) and an error
// wrapping types.ErrCommandTimeout. A command that runs and exits
// nonzero is not an error; callers inspect CommandResult.Success().
func (e *Executor) Execute(ctx context.Context, command string, opts Options) (*types.CommandResult, error) {
	if err := e.validate(command); err != nil {
		e.logger.Warn().Str("command", command).Err(err).Msg("command refused")
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = e.mode
	}
	// A dry-run executor cannot be escalated to LIVE per call; the
	// global flag wins.
	if e.mode == types.ModeDryRun && mode == types.ModeLive {
		mode = types.ModeDryRun
	}

	switch mode {
	case types.ModeValidate:
		return e.validateOnly(command)
	case types.ModeDryRun:
		return e.dryRun(command)
	}

	return e.run(ctx, command, opts)
}

// ExecuteBatch runs commands in order. With stopOnError, the first
// refused, failed or timed-out command halts the batch; the partial
// results are returned either way.
func (e *Executor) ExecuteBatch(ctx context.Context, commands []string, stopOnError bool, opts Options) ([]*types.CommandResult, error) {
	results := make([]*types.CommandResult, 0, len(commands))
	for _, command := range commands {
		result, err := e.Execute(ctx, command, opts)
		if result != nil {
			results = append(results, result)
		}
		if err != nil {
			if stopOnError {
				return results, err
			}
			continue
		}
		if stopOnError && !result.Success() {
			return results, fmt.Errorf("command failed with exit code %d: %s", result.ExitCode, command)
		}
	}
	return results, nil
}

// History returns up to n retained results, oldest first. n <= 0
// returns everything retained.
func (e *Executor) History(n int) []*types.CommandResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	ordered := e.orderedLocked()
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	out := make([]*types.CommandResult, len(ordered))
	copy(out, ordered)
	return out
}

// Stats summarizes the retained history.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stats Stats
	var total time.Duration
	for _, r := range e.orderedLocked() {
		stats.Total++
		total += r.Duration
		switch {
		case r.TimedOut:
			stats.TimedOut++
			stats.Failed++
		case r.Success():
			stats.Succeeded++
		default:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
		stats.AvgDuration = total / time.Duration(stats.Total)
	}
	return stats
}

func (e *Executor) validate(command string) error {
	if strings.TrimSpace(command) == "" {
		return types.Refuse("empty command")
	}
	if strings.ContainsRune(command, 0) {
		return types.Refuse("command contains null byte")
	}
	for _, re := range e.blocklist {
		if re.MatchString(command) {
			return types.Refuse("command matches blocked pattern %q", re.String())
		}
	}
	return nil
}

func (e *Executor) validateOnly(command string) (*types.CommandResult, error) {
	start := time.Now()
	if _, err := shellwords.Parse(command); err != nil {
		return nil, types.Refuse("syntax error: %v", err)
	}
	result := &types.CommandResult{
		Command:   command,
		ExitCode:  0,
		Mode:      types.ModeValidate,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	e.record(result)
	return result, nil
}

func (e *Executor) dryRun(command string) (*types.CommandResult, error) {
	start := time.Now()
	e.logger.Info().Str("command", command).Msg("dry-run: would execute")
	result := &types.CommandResult{
		Command:   command,
		ExitCode:  0,
		Stdout:    fmt.Sprintf("[dry-run] %s", command),
		Mode:      types.ModeDryRun,
		StartedAt: start,
		Duration:  time.Since(start),
	}
	e.record(result)
	return result, nil
}

func (e *Executor) run(ctx context.Context, command string, opts Options) (*types.CommandResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := []string{"/bin/sh", "-c", command}
	if opts.Sudo {
		argv = append([]string{"sudo"}, argv...)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	// SIGTERM on cancellation, SIGKILL 2s later if it lingers.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr boundedBuffer
	stdout.limit = maxCaptureBytes
	stderr.limit = maxCaptureBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &types.CommandResult{
		Command:   command,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Mode:      types.ModeLive,
		StartedAt: start,
		Duration:  duration,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.TimedOut = true
		e.record(result)
		e.logger.Warn().Str("command", command).Dur("timeout", timeout).Msg("command timed out")
		return result, fmt.Errorf("command timed out after %s: %w", timeout, types.ErrCommandTimeout)
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		e.record(result)
		return result, fmt.Errorf("command canceled: %w", ctx.Err())
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// The command never ran (spawn failure).
			result.ExitCode = -1
			e.record(result)
			return result, fmt.Errorf("failed to start command: %w", runErr)
		}
	}

	e.record(result)
	e.logger.Debug().
		Str("command", command).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("command finished")
	return result, nil
}

func (e *Executor) record(result *types.CommandResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history[e.historyNext] = result
	e.historyNext = (e.historyNext + 1) % len(e.history)
	if e.historyNext == 0 {
		e.historyFull = true
	}
}

// orderedLocked returns retained results oldest first. Caller holds mu.
func (e *Executor) orderedLocked() []*types.CommandResult {
	if !e.historyFull {
		return e.history[:e.historyNext]
	}
	ordered := make([]*types.CommandResult, 0, len(e.history))
	ordered = append(ordered, e.history[e.historyNext:]...)
	ordered = append(ordered, e.history[:e.historyNext]...)
	return ordered
}

// boundedBuffer captures up to limit bytes and drops the rest, keeping
// runaway output from exhausting memory. Content is sanitized to valid
// UTF-8 when read.
type boundedBuffer struct {
	buf   []byte
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remain := b.limit - len(b.buf)
	if remain > 0 {
		if len(p) <= remain {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:remain]...)
		}
	}
	// Report full consumption so the child never blocks on a pipe.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return strings.ToValidUTF8(string(b.buf), "�")
}
