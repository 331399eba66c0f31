package ingest

import (
	"fmt"
	"strings"
)

const summarySystemPrompt = `You are writing release notes for an operations channel.
You receive the commits of one git push and respond with a 2-3 sentence
plain-text summary of what changed and why it matters to operators.

Rules:
- No markdown, no bullet points, no headings.
- Name concrete components and behaviors, not commit hashes.
- If the push is routine (version bumps, formatting), say so in one
  sentence instead of inflating it.`

// buildSummaryPrompt renders the push for the model. Subjects only;
// full commit bodies routinely blow past what a summary needs.
func buildSummaryPrompt(job pushJob) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Push to %s branch %s, %d commit(s)", job.Repo, job.Branch, len(job.Commits))
	if job.FilesChanged > 0 {
		fmt.Fprintf(&b, ", %d file(s) changed", job.FilesChanged)
	}
	b.WriteString(":\n\n")

	for _, c := range job.Commits {
		subject := c.Message
		if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
			subject = subject[:idx]
		}
		fmt.Fprintf(&b, "- %s", strings.TrimSpace(subject))
		if c.Author.Name != "" {
			fmt.Fprintf(&b, " (%s)", c.Author.Name)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nWrite the summary.")
	return b.String()
}

// classifyCommit buckets one commit by the prefix conventions most
// repos already follow. Inputs that follow none land in "other".
func classifyCommit(message string) string {
	subject := strings.ToLower(message)
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}
	subject = strings.TrimSpace(subject)

	class := func(keywords ...string) bool {
		for _, kw := range keywords {
			if strings.HasPrefix(subject, kw) || strings.Contains(subject, " "+kw) {
				return true
			}
		}
		return false
	}

	switch {
	case class("feat", "add", "new", "implement"):
		return "features"
	case class("fix", "bug", "hotfix", "patch", "revert"):
		return "fixes"
	case class("improve", "refactor", "perf", "optimi", "chore", "upgrade", "update", "clean"):
		return "improvements"
	default:
		return "other"
	}
}

// lexicalSummary renders the push without a model: commits bucketed by
// category, empty buckets skipped. The second return is the dominant
// category; ties break toward the more newsworthy bucket.
func lexicalSummary(commits []commitInfo) (string, string) {
	if len(commits) == 0 {
		return "no commit details available", "other"
	}

	order := []string{"features", "fixes", "improvements", "other"}
	buckets := map[string][]string{}
	for _, c := range commits {
		subject := c.Message
		if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
			subject = subject[:idx]
		}
		subject = strings.TrimSpace(subject)
		if subject == "" {
			continue
		}
		cat := classifyCommit(subject)
		buckets[cat] = append(buckets[cat], subject)
	}

	dominant := "other"
	best := 0
	var parts []string
	for _, cat := range order {
		entries := buckets[cat]
		if len(entries) == 0 {
			continue
		}
		if len(entries) > best {
			best = len(entries)
			dominant = cat
		}
		parts = append(parts, fmt.Sprintf("%s: %s", cat, strings.Join(entries, "; ")))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d commit(s)", len(commits)), "other"
	}
	return strings.Join(parts, " | "), dominant
}
