package monitor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// tailChunkLimit caps how much appended log a single scan reads, so a
// runaway writer cannot stall the check loop.
const tailChunkLimit = 256 * 1024

// logTail follows one log file for a configured substring. Only bytes
// appended since the previous scan are read, so a stale matching line
// cannot re-trigger on every check; truncation or rotation resets the
// cursor to the start of the new file.
type logTail struct {
	path    string
	pattern string
	offset  int64
	primed  bool
}

func newLogTail(path, pattern string) *logTail {
	return &logTail{path: path, pattern: pattern}
}

// scan reports whether the pattern appeared in content appended since
// the last call. The first call on an existing file only records the
// current end of file; history from before the monitor started is not
// re-alerted.
func (t *logTail) scan() (bool, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Not created yet. Keep waiting without failing the check.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat log file: %w", err)
	}
	size := info.Size()

	if !t.primed {
		t.offset = size
		t.primed = true
		return false, nil
	}
	if size < t.offset {
		t.offset = 0
	}
	if size == t.offset {
		return false, nil
	}

	start := t.offset
	length := size - start
	if length > tailChunkLimit {
		start = size - tailChunkLimit
		length = tailChunkLimit
	}

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read log file: %w", err)
	}
	t.offset = size

	return strings.Contains(string(buf), t.pattern), nil
}
