// Package fetch layers the on-disk freshness cache over the rate-limited API
// client. A cached collection is served without a network call as long as it
// was fetched at or after the issue's own last-modification instant.
package fetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/triagekit/triagebot/internal/triagebot/cache"
	"github.com/triagekit/triagebot/internal/triagebot/github"
)

// APIClient is the slice of the GitHub client the fetcher needs.
type APIClient interface {
	FetchComments(ctx context.Context, owner, repo string, number int) ([]github.Comment, error)
	FetchEvents(ctx context.Context, owner, repo string, number int) ([]github.IssueEvent, error)
	FetchTimeline(ctx context.Context, owner, repo string, number int) ([]github.TimelineEvent, error)
	FetchReviews(ctx context.Context, owner, repo string, number int) ([]github.Review, error)
	FetchReviewComments(ctx context.Context, owner, repo string, number int) ([]github.Comment, error)
	FetchCommits(ctx context.Context, owner, repo string, number int) ([]github.Commit, error)
	FetchFiles(ctx context.Context, owner, repo string, number int) ([]github.CommitFile, error)
}

// Fetcher serves issue collection properties from cache when fresh, the
// network otherwise.
type Fetcher struct {
	client APIClient
	store  *cache.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Fetcher.
func New(client APIClient, store *cache.Store, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, store: store, logger: logger, now: time.Now}
}

// Comments returns the issue's comments.
func (f *Fetcher) Comments(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Comment, error) {
	return fetchProperty(ctx, f, repo, number, updatedAt, "comments", f.client.FetchComments)
}

// Events returns the issue's events.
func (f *Fetcher) Events(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.IssueEvent, error) {
	return fetchProperty(ctx, f, repo, number, updatedAt, "events", f.client.FetchEvents)
}

// Timeline returns the issue's timeline entries.
func (f *Fetcher) Timeline(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.TimelineEvent, error) {
	return fetchProperty(ctx, f, repo, number, updatedAt, "timeline", f.client.FetchTimeline)
}

// Reviews returns the PR's reviews.
func (f *Fetcher) Reviews(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Review, error) {
	return fetchProperty(ctx, f, repo, number, updatedAt, "reviews", f.client.FetchReviews)
}

// ReviewComments returns the PR's inline review comments.
func (f *Fetcher) ReviewComments(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Comment, error) {
	return fetchProperty(ctx, f, repo, number, updatedAt, "review_comments", f.client.FetchReviewComments)
}

// Commits returns the PR's commits.
func (f *Fetcher) Commits(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.Commit, error) {
	return fetchProperty(ctx, f, repo, number, updatedAt, "commits", f.client.FetchCommits)
}

// Files returns the PR's changed files.
func (f *Fetcher) Files(ctx context.Context, repo string, number int, updatedAt time.Time) ([]github.CommitFile, error) {
	return fetchProperty(ctx, f, repo, number, updatedAt, "files", f.client.FetchFiles)
}

// fetchProperty implements the cache-or-network decision for one collection.
// A cached entry is valid iff it was fetched at or after updatedAt and decodes
// cleanly; anything else falls through to the network. Fresh results are
// persisted only after a successful fetch.
func fetchProperty[T any](
	ctx context.Context,
	f *Fetcher,
	repo string,
	number int,
	updatedAt time.Time,
	property string,
	fetch func(ctx context.Context, owner, name string, number int) ([]T, error),
) ([]T, error) {
	if entry, ok := f.store.Get(repo, number, property); ok && !entry.FetchedAt.Before(updatedAt) {
		var out []T
		if err := json.Unmarshal(entry.Payload, &out); err == nil {
			return out, nil
		}
		f.logger.Warn("undecodable cache payload, refetching",
			"repo", repo, "number", number, "property", property)
	}

	owner, name, _ := strings.Cut(repo, "/")
	fresh, err := fetch(ctx, owner, name, number)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(fresh)
	if err == nil {
		if perr := f.store.Put(repo, number, property, cache.Entry{FetchedAt: f.now(), Payload: payload}); perr != nil {
			f.logger.Warn("writing cache entry", "repo", repo, "number", number, "property", property, "error", perr)
		}
	}
	return fresh, nil
}
