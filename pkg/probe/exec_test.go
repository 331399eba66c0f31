package probe

import (
	"context"
	"testing"
	"time"
)

func TestExecChecker_Success(t *testing.T) {
	checker := NewExecChecker([]string{"true"})

	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("Expected healthy for exit 0, got unhealthy: %s", result.Message)
	}
}

func TestExecChecker_Failure(t *testing.T) {
	checker := NewExecChecker([]string{"false"})

	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("Expected unhealthy for nonzero exit")
	}
}

func TestExecChecker_ShellCommand(t *testing.T) {
	checker := NewShellChecker("echo up | grep -q up")

	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Errorf("Expected healthy shell pipeline, got unhealthy: %s", result.Message)
	}
}

func TestExecChecker_Timeout(t *testing.T) {
	checker := NewExecChecker([]string{"sleep", "5"}).WithTimeout(100 * time.Millisecond)

	start := time.Now()
	result := checker.Check(context.Background())
	elapsed := time.Since(start)

	if result.Healthy {
		t.Error("Expected unhealthy due to timeout")
	}
	if elapsed > 3*time.Second {
		t.Errorf("Expected timeout to kill the command quickly, took %v", elapsed)
	}
}

func TestExecChecker_EmptyCommand(t *testing.T) {
	checker := NewExecChecker(nil)

	result := checker.Check(context.Background())
	if result.Healthy {
		t.Error("Expected unhealthy for empty command")
	}
}
