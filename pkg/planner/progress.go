package planner

import (
	"sync"
	"time"
)

// Progress is the live view of an in-flight provider call. The planner
// writes it as tokens stream in; the notifier and the status surface
// read snapshots at their own cadence, decoupled from token rate.
type Progress struct {
	mu          sync.RWMutex
	active      bool
	provider    string
	startedAt   time.Time
	tokens      int
	lastSnippet string
}

// ProgressSnapshot is one immutable read of the streaming state.
type ProgressSnapshot struct {
	Active          bool          `json:"active"`
	Provider        string        `json:"provider,omitempty"`
	TokensGenerated int           `json:"tokens_generated"`
	LastSnippet     string        `json:"last_snippet,omitempty"`
	Elapsed         time.Duration `json:"elapsed"`
}

// snippetMax bounds the retained tail of streamed content.
const snippetMax = 120

// Snapshot returns the current streaming state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := ProgressSnapshot{
		Active:          p.active,
		Provider:        p.provider,
		TokensGenerated: p.tokens,
		LastSnippet:     p.lastSnippet,
	}
	if p.active {
		snap.Elapsed = time.Since(p.startedAt)
	}
	return snap
}

func (p *Progress) begin(provider string) {
	p.mu.Lock()
	p.active = true
	p.provider = provider
	p.startedAt = time.Now()
	p.tokens = 0
	p.lastSnippet = ""
	p.mu.Unlock()
}

// observe folds one streamed fragment into the record, keeping only
// the tail of the accumulated text.
func (p *Progress) observe(token string) {
	p.mu.Lock()
	p.tokens++
	p.lastSnippet += token
	if len(p.lastSnippet) > snippetMax {
		p.lastSnippet = p.lastSnippet[len(p.lastSnippet)-snippetMax:]
	}
	p.mu.Unlock()
}

func (p *Progress) end() {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
}
