// Package executor applies an ActionSet to the live issue in a fixed order:
// stale comment deletions, then new comments, then the label and state
// mutations. A closing pass applies the scheduled labels from the closing
// set, removes the scheduled ones, closes, and stops; nothing else runs
// after a close.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/triagekit/triagebot/internal/triagebot/github"
	"github.com/triagekit/triagebot/internal/triagebot/reconcile"
)

// ApprovalPolicy decides whether mutations are applied or only logged.
type ApprovalPolicy int

const (
	// Apply performs every mutation.
	Apply ApprovalPolicy = iota
	// DryRun logs what would happen and touches nothing.
	DryRun
)

func (p ApprovalPolicy) String() string {
	if p == DryRun {
		return "dry-run"
	}
	return "apply"
}

// APIClient is the slice of the GitHub client the executor mutates through.
type APIClient interface {
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	PostComment(ctx context.Context, owner, repo string, number int, body string) (github.Comment, error)
	DeleteComment(ctx context.Context, owner, repo string, commentID int64) error
	CloseIssue(ctx context.Context, owner, repo string, number int) error
	MergePR(ctx context.Context, owner, repo string, number int) error
}

// ActionLog records applied mutations for post-hoc inspection.
type ActionLog interface {
	LogAction(id, repo string, number int, action, detail string) error
}

// Executor applies action sets.
type Executor struct {
	client        APIClient
	policy        ApprovalPolicy
	log           ActionLog
	closingLabels []string
	logger        *slog.Logger
}

// New creates an Executor. log may be nil when no action persistence is
// wanted.
func New(client APIClient, policy ApprovalPolicy, log ActionLog, closingLabels []string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:        client,
		policy:        policy,
		log:           log,
		closingLabels: closingLabels,
		logger:        logger,
	}
}

// Execute applies actions to the issue identified by repo ("owner/name") and
// number. The first failing mutation aborts the set; already-applied
// mutations stand, and the next pass reconciles from the new state.
func (e *Executor) Execute(ctx context.Context, repo string, number int, actions reconcile.ActionSet) error {
	owner, name, _ := strings.Cut(repo, "/")

	for _, id := range actions.DeleteCommentIDs {
		if err := e.apply(ctx, repo, number, "delete_comment", fmt.Sprint(id), func() error {
			return e.client.DeleteComment(ctx, owner, name, id)
		}); err != nil {
			return err
		}
	}
	for _, c := range actions.Comments {
		if err := e.apply(ctx, repo, number, "comment", c.Key, func() error {
			_, err := e.client.PostComment(ctx, owner, name, number, c.Body)
			return err
		}); err != nil {
			return err
		}
	}

	if actions.Close {
		// Only the scheduled labels that belong to the closing set land on
		// a closing pass.
		for _, label := range actions.AddLabels {
			if !contains(e.closingLabels, label) {
				continue
			}
			if err := e.apply(ctx, repo, number, "add_label", label, func() error {
				return e.client.AddLabel(ctx, owner, name, number, label)
			}); err != nil {
				return err
			}
		}
		for _, label := range actions.RemoveLabels {
			if err := e.apply(ctx, repo, number, "remove_label", label, func() error {
				return e.client.RemoveLabel(ctx, owner, name, number, label)
			}); err != nil {
				return err
			}
		}
		return e.apply(ctx, repo, number, "close", "", func() error {
			return e.client.CloseIssue(ctx, owner, name, number)
		})
	}

	for _, label := range actions.RemoveLabels {
		if err := e.apply(ctx, repo, number, "remove_label", label, func() error {
			return e.client.RemoveLabel(ctx, owner, name, number, label)
		}); err != nil {
			return err
		}
	}
	for _, label := range actions.AddLabels {
		if err := e.apply(ctx, repo, number, "add_label", label, func() error {
			return e.client.AddLabel(ctx, owner, name, number, label)
		}); err != nil {
			return err
		}
	}
	if actions.Merge {
		return e.apply(ctx, repo, number, "merge", "", func() error {
			return e.client.MergePR(ctx, owner, name, number)
		})
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (e *Executor) apply(ctx context.Context, repo string, number int, action, detail string, fn func() error) error {
	if e.policy == DryRun {
		e.logger.Info("dry-run, skipping mutation",
			"repo", repo, "number", number, "action", action, "detail", detail)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("applying %s: %w", action, err)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("applying %s to %s#%d: %w", action, repo, number, err)
	}
	e.logger.Info("applied", "repo", repo, "number", number, "action", action, "detail", detail)
	if e.log != nil {
		if err := e.log.LogAction(uuid.New().String(), repo, number, action, detail); err != nil {
			e.logger.Warn("recording action", "repo", repo, "number", number, "action", action, "error", err)
		}
	}
	return nil
}
