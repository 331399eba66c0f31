package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/sentinel/pkg/config"
)

// maxPollCommits caps how much history a single poll cycle turns into
// one summary. A branch that moved further than this gets summarized
// from its most recent commits only.
const maxPollCommits = 100

// pollLoop watches the configured local clones for pushes that never
// arrived as webhook deliveries (firewalled runners, manual pushes
// from the box itself). It reuses the same dedupe gate as the webhook
// path, so a push seen by both produces one summary.
func (i *Ingestor) pollLoop() {
	defer i.wg.Done()

	interval := i.cfg.LocalPollingInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}

	i.pollRepos()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-i.stopCh:
			return
		case <-ticker.C:
			i.pollRepos()
		}
	}
}

func (i *Ingestor) pollRepos() {
	for _, repo := range i.cfg.Repos {
		select {
		case <-i.stopCh:
			return
		default:
		}
		i.pollRepo(repo)
	}
}

func (i *Ingestor) pollRepo(repo config.Repo) {
	ctx, cancel := context.WithTimeout(i.baseCtx, pollTimeout)
	defer cancel()

	branch := repo.Branch
	if branch == "" {
		branch = "main"
	}

	if _, err := i.run(ctx, fmt.Sprintf("git -C %s fetch --quiet origin", repo.Path)); err != nil {
		i.logger.Warn().Err(err).Str("repo", repo.Name).Msg("fetch failed")
		return
	}

	out, err := i.run(ctx, fmt.Sprintf("git -C %s rev-parse origin/%s", repo.Path, branch))
	if err != nil {
		i.logger.Warn().Err(err).Str("repo", repo.Name).Str("branch", branch).Msg("rev-parse failed")
		return
	}
	head := strings.TrimSpace(out)
	if head == "" {
		return
	}

	last, known := i.dedupe.cursor(repo.Name, branch)
	if !known {
		// First sighting. Baseline without replaying history; the
		// poller reports pushes from now on, not the repo's past.
		i.dedupe.setCursor(repo.Name, branch, head)
		i.logger.Debug().Str("repo", repo.Name).Str("branch", branch).
			Str("sha", shortSHA(head)).Msg("poll cursor baselined")
		return
	}
	if last == head {
		return
	}

	if !i.dedupe.claim(repo.Name, branch, head) {
		// The webhook path got there first.
		return
	}

	job, err := i.synthesizePush(ctx, repo, branch, last, head)
	if err != nil {
		i.dedupe.release(repo.Name, branch, head)
		i.logger.Warn().Err(err).Str("repo", repo.Name).Str("branch", branch).Msg("failed to read pushed commits")
		return
	}
	i.processPush(job)
}

// synthesizePush reconstructs the webhook push a local repo never
// received by reading the old..new range from git itself.
func (i *Ingestor) synthesizePush(ctx context.Context, repo config.Repo, branch, old, head string) (pushJob, error) {
	logFmt := "--pretty=format:%H%x1f%an%x1f%s"

	out, err := i.run(ctx, fmt.Sprintf("git -C %s log %s --max-count=%d %s..%s",
		repo.Path, logFmt, maxPollCommits, old, head))
	if err != nil {
		// A force push orphans the old cursor and the range log dies
		// with it. Summarize the new head on its own.
		out, err = i.run(ctx, fmt.Sprintf("git -C %s log %s --max-count=1 %s",
			repo.Path, logFmt, head))
		if err != nil {
			return pushJob{}, fmt.Errorf("failed to read commit log: %w", err)
		}
	}

	var commits []commitInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimRight(line, "\r"), "\x1f", 3)
		if len(parts) != 3 || parts[0] == "" {
			continue
		}
		commits = append(commits, commitInfo{
			ID:      parts[0],
			Message: parts[2],
			Author:  authorRef{Name: parts[1]},
		})
	}
	if len(commits) == 0 {
		return pushJob{}, fmt.Errorf("no commits found in %s..%s", shortSHA(old), shortSHA(head))
	}

	files := 0
	if out, err := i.run(ctx, fmt.Sprintf("git -C %s diff --name-only %s..%s", repo.Path, old, head)); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.TrimSpace(line) != "" {
				files++
			}
		}
	}

	return pushJob{
		Repo:         repo.Name,
		Branch:       branch,
		HeadSHA:      head,
		Pusher:       commits[0].Author.Name,
		Commits:      commits,
		FilesChanged: files,
		Via:          "poll",
	}, nil
}
