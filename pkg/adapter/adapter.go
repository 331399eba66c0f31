package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/sentinel/pkg/types"
)

// Adapter is one security tool the event watcher polls. Poll returns
// every event observed since the previous call; it never deduplicates
// (the watcher's seen cache owns that) and it must come back within
// the caller's context deadline or fail.
type Adapter interface {
	// Name identifies the adapter in logs and failure counters.
	Name() string

	// Source is the event source every emitted event carries.
	Source() types.EventSource

	// Interval is the poll cadence the watcher schedules this adapter at.
	Interval() time.Duration

	// Poll returns the events observed since the previous call.
	Poll(ctx context.Context) ([]*types.SecurityEvent, error)
}

// RunFunc executes one read-only tool command and returns its captured
// stdout. On a nonzero exit the stdout collected so far is returned
// alongside the error; some tools (aide) report findings through their
// exit code and their output must still be parsed.
type RunFunc func(ctx context.Context, command string) (string, error)

// ShellRunner returns the default RunFunc. Tool polls are reads, so
// they run outside the command executor: executor history stays a
// record of mutations, and detection keeps working in dry-run mode.
func ShellRunner() RunFunc {
	return func(ctx context.Context, command string) (string, error) {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				msg := strings.TrimSpace(stderr.String())
				if msg == "" {
					msg = err.Error()
				}
				return stdout.String(), fmt.Errorf("command exited %d: %s", exitErr.ExitCode(), msg)
			}
			return "", fmt.Errorf("failed to run poll command: %w", err)
		}
		return stdout.String(), nil
	}
}

// parseSeverity maps a tool-reported severity string onto the shared
// scale. Anything unrecognized is UNKNOWN rather than an error; a scan
// result must never be dropped because a tool invented a level.
func parseSeverity(s string) types.Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return types.SeverityCritical
	case "HIGH":
		return types.SeverityHigh
	case "MEDIUM":
		return types.SeverityMedium
	case "LOW":
		return types.SeverityLow
	default:
		return types.SeverityUnknown
	}
}

// criticalPath reports whether path falls under any of the configured
// critical prefixes. A prefix matches itself and everything below it.
func criticalPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
