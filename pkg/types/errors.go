package types

import (
	"errors"
	"fmt"
)

// RefusalError is a contract-level refusal: the operation was rejected
// by a safety rule (executor blocklist, fixer whitelist, protected-path
// rule). Refusals are never retried and do not consume retry budget;
// a different plan is needed.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("refused unsafe operation: %s", e.Reason)
}

// Refuse builds a RefusalError with a formatted reason
func Refuse(format string, args ...any) *RefusalError {
	return &RefusalError{Reason: fmt.Sprintf(format, args...)}
}

// IsRefusal reports whether err is (or wraps) a RefusalError
func IsRefusal(err error) bool {
	var r *RefusalError
	return errors.As(err, &r)
}

// VerificationError means a fix ran but the tool-specific verification
// did not confirm success. The attempt is rolled back and may be retried.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %s", e.Reason)
}

// IsVerification reports whether err is (or wraps) a VerificationError
func IsVerification(err error) bool {
	var v *VerificationError
	return errors.As(err, &v)
}

// CorruptStateError means a persisted state file or database could not
// be read. The owner quarantines the file and continues fresh; stores
// marked required abort startup with exit code 3.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state at %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// IsCorruptState reports whether err is (or wraps) a CorruptStateError
func IsCorruptState(err error) bool {
	var c *CorruptStateError
	return errors.As(err, &c)
}

var (
	// ErrApprovalTimeout means no approval decision arrived within the
	// configured window; treated as rejection.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrCircuitOpen means the circuit breaker is refusing new work.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrDegraded means the knowledge base is in read-only degraded mode
	// and cannot record.
	ErrDegraded = errors.New("knowledge base degraded to read-only")

	// ErrCommandTimeout marks an executor timeout; reported with exit
	// code -1 and counted against the retry budget.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrNotFound is returned by stores for missing keys.
	ErrNotFound = errors.New("not found")
)
