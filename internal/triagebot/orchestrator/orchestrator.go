// Package orchestrator drives triage passes: it lists candidate issues per
// repository over GraphQL, runs the per-issue pipeline (fetch, history,
// facts, reconcile, execute), and survives per-issue failures. Partitioned
// workers split the number space and share the sqlite budget underneath.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/triagekit/triagebot/internal/triagebot/facts"
	"github.com/triagekit/triagebot/internal/triagebot/github"
	"github.com/triagekit/triagebot/internal/triagebot/history"
	"github.com/triagekit/triagebot/internal/triagebot/reconcile"
)

// IssueAPI is the REST surface the orchestrator reads single issues from.
type IssueAPI interface {
	FetchIssue(ctx context.Context, owner, repo string, number int) (github.Issue, error)
}

// Lister is the bulk listing surface.
type Lister interface {
	FetchSummaries(ctx context.Context, owner, repo string) (map[int]github.Summary, error)
}

// CollectionFetcher serves the per-issue collections, cached.
type CollectionFetcher interface {
	Comments(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Comment, error)
	Events(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.IssueEvent, error)
	Timeline(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.TimelineEvent, error)
	Reviews(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Review, error)
	ReviewComments(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Comment, error)
	Commits(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Commit, error)
	Files(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.CommitFile, error)
}

// Evaluator computes the desired state for one issue.
type Evaluator interface {
	Evaluate(ctx context.Context, in facts.Input) (*facts.DesiredState, error)
}

// ActionExecutor applies a reconciled action set.
type ActionExecutor interface {
	Execute(ctx context.Context, repo string, number int, actions reconcile.ActionSet) error
}

// Config scopes one orchestrator instance.
type Config struct {
	// Repos are "owner/name" slugs to iterate, in order.
	Repos []string
	// Number restricts a pass to a single issue; 0 processes all.
	Number int
	// Workers and WorkerIndex partition the number space: this instance
	// only touches numbers where number % Workers == WorkerIndex. Workers
	// <= 1 disables partitioning.
	Workers     int
	WorkerIndex int
	// Force reprocesses issues that have not changed since the last pass.
	Force bool
	// ResumePath, when set, persists pass progress so an interrupted pass
	// restarts where it stopped.
	ResumePath string
	// BotLogins are passed through to history construction.
	BotLogins []string
}

// Orchestrator runs triage passes over the configured repositories.
type Orchestrator struct {
	api      IssueAPI
	lister   Lister
	fetcher  CollectionFetcher
	engine   Evaluator
	executor ActionExecutor
	cfg      Config
	logger   *slog.Logger

	// since filters candidates to those updated after the previous
	// completed pass; zero means no filtering.
	since time.Time
}

// New creates an Orchestrator.
func New(api IssueAPI, lister Lister, fetcher CollectionFetcher, engine Evaluator, executor ActionExecutor, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		api:      api,
		lister:   lister,
		fetcher:  fetcher,
		engine:   engine,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

type resumePoint struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// RunPass processes every candidate issue once. Per-issue failures are
// logged and skipped; only context cancellation aborts the pass. Successive
// passes only revisit issues updated since the previous completed pass
// unless Force is set.
func (o *Orchestrator) RunPass(ctx context.Context) error {
	start := time.Now().UTC()
	resume := o.loadResume()
	if resume != nil && !containsRepo(o.cfg.Repos, resume.Repo) {
		resume = nil
	}
	skipping := resume != nil

	for _, repo := range o.cfg.Repos {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("triage pass: %w", err)
		}
		// Repos finished before the interruption stay finished.
		if skipping && repo != resume.Repo {
			continue
		}
		skipping = false
		if err := o.runRepo(ctx, repo, resume); err != nil {
			return err
		}
		// A finished repo invalidates any resume point inside it.
		if resume != nil && resume.Repo == repo {
			resume = nil
		}
	}

	o.clearResume()
	if !o.cfg.Force {
		o.since = start
	}
	return nil
}

func (o *Orchestrator) runRepo(ctx context.Context, repo string, resume *resumePoint) error {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return fmt.Errorf("invalid repo slug %q", repo)
	}

	summaries, err := o.lister.FetchSummaries(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("listing %s: %w", repo, err)
	}

	numbers := o.candidates(summaries, repo, resume)
	o.logger.Info("repo pass", "repo", repo, "candidates", len(numbers))

	for _, number := range numbers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("triage pass: %w", err)
		}
		if err := o.processIssue(ctx, repo, number, summaries[number]); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			o.logger.Warn("issue failed, continuing", "repo", repo, "number", number, "error", err)
		}
		o.saveResume(resumePoint{Repo: repo, Number: number})
	}
	return nil
}

// candidates filters and orders the summary listing: open items only,
// optional single-number targeting, worker partition, since-filtering, and
// resume skipping. Numbers come back descending, newest first, matching the
// resume semantics.
func (o *Orchestrator) candidates(summaries map[int]github.Summary, repo string, resume *resumePoint) []int {
	var numbers []int
	for number, s := range summaries {
		if s.State != "open" {
			continue
		}
		if o.cfg.Number != 0 && number != o.cfg.Number {
			continue
		}
		if o.cfg.Workers > 1 && number%o.cfg.Workers != o.cfg.WorkerIndex {
			continue
		}
		if !o.cfg.Force && !o.since.IsZero() && !s.UpdatedAt.After(o.since) {
			continue
		}
		if resume != nil && resume.Repo == repo && number > resume.Number {
			continue
		}
		numbers = append(numbers, number)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(numbers)))
	return numbers
}

func (o *Orchestrator) processIssue(ctx context.Context, repo string, number int, summary github.Summary) error {
	owner, name, _ := strings.Cut(repo, "/")

	issue, err := o.api.FetchIssue(ctx, owner, name, number)
	if err != nil {
		return fmt.Errorf("fetching issue: %w", err)
	}
	if issue.State == "closed" {
		o.logger.Debug("skipping closed issue", "repo", repo, "number", number)
		return nil
	}

	updatedAt := issue.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = summary.UpdatedAt
	}

	in := history.Input{BotLogins: o.cfg.BotLogins}
	if in.Comments, err = o.fetcher.Comments(ctx, repo, number, updatedAt); err != nil {
		return fmt.Errorf("fetching comments: %w", err)
	}
	if in.Events, err = o.fetcher.Events(ctx, repo, number, updatedAt); err != nil {
		return fmt.Errorf("fetching events: %w", err)
	}
	if in.Timeline, err = o.fetcher.Timeline(ctx, repo, number, updatedAt); err != nil {
		return fmt.Errorf("fetching timeline: %w", err)
	}

	var files []github.CommitFile
	if issue.IsPR {
		if in.Reviews, err = o.fetcher.Reviews(ctx, repo, number, updatedAt); err != nil {
			return fmt.Errorf("fetching reviews: %w", err)
		}
		reviewComments, err := o.fetcher.ReviewComments(ctx, repo, number, updatedAt)
		if err != nil {
			return fmt.Errorf("fetching review comments: %w", err)
		}
		in.Comments = append(in.Comments, reviewComments...)
		if in.Commits, err = o.fetcher.Commits(ctx, repo, number, updatedAt); err != nil {
			return fmt.Errorf("fetching commits: %w", err)
		}
		if files, err = o.fetcher.Files(ctx, repo, number, updatedAt); err != nil {
			return fmt.Errorf("fetching files: %w", err)
		}
	}

	h := history.Build(in)
	desired, err := o.engine.Evaluate(ctx, facts.Input{Issue: &issue, History: h, Files: files})
	if err != nil {
		return fmt.Errorf("evaluating facts: %w", err)
	}

	actions := reconcile.Reconcile(reconcile.Current(&issue, h), desired)
	if actions.Count() == 0 {
		o.logger.Debug("nothing to do", "repo", repo, "number", number)
		return nil
	}
	o.logger.Info("reconciled", "repo", repo, "number", number, "actions", actions.Count())
	return o.executor.Execute(ctx, repo, number, actions)
}

func containsRepo(repos []string, repo string) bool {
	for _, r := range repos {
		if r == repo {
			return true
		}
	}
	return false
}

func (o *Orchestrator) loadResume() *resumePoint {
	if o.cfg.ResumePath == "" {
		return nil
	}
	data, err := os.ReadFile(o.cfg.ResumePath)
	if err != nil {
		return nil
	}
	var rp resumePoint
	if err := json.Unmarshal(data, &rp); err != nil || rp.Repo == "" {
		return nil
	}
	o.logger.Info("resuming", "repo", rp.Repo, "number", rp.Number)
	return &rp
}

func (o *Orchestrator) saveResume(rp resumePoint) {
	if o.cfg.ResumePath == "" {
		return
	}
	data, err := json.Marshal(rp)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(o.cfg.ResumePath), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(o.cfg.ResumePath, data, 0o644); err != nil {
		o.logger.Warn("writing resume point", "path", o.cfg.ResumePath, "error", err)
	}
}

func (o *Orchestrator) clearResume() {
	if o.cfg.ResumePath == "" {
		return
	}
	if err := os.Remove(o.cfg.ResumePath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("clearing resume point", "path", o.cfg.ResumePath, "error", err)
	}
}
