package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/triagekit/triagebot/internal/triagebot/db"
	"github.com/triagekit/triagebot/internal/triagebot/retry"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
)

// Issue is the subset of issue/PR state the triage pipeline needs.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	HTMLURL   string
	Author    string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
	IsPR      bool
	Merged    bool
}

// Comment is an issue comment.
type Comment struct {
	ID        int64
	Actor     string
	Body      string
	CreatedAt time.Time
}

// IssueEvent is one entry from the issue events API.
type IssueEvent struct {
	ID        int64
	Event     string
	Actor     string
	Label     string
	CommitID  string
	Assignee  string
	Assigner  string
	CreatedAt time.Time
}

// TimelineEvent is one entry from the issue timeline API.
type TimelineEvent struct {
	Event     string
	Actor     string
	Label     string
	CommitID  string
	SourceURL string
	CreatedAt time.Time
}

// Review is a pull request review.
type Review struct {
	ID          int64
	Actor       string
	State       string
	Body        string
	CommitID    string
	SubmittedAt time.Time
}

// Commit is one commit on a pull request.
type Commit struct {
	SHA         string
	Actor       string
	Message     string
	CommittedAt time.Time
}

// CommitFile is one file changed by a pull request.
type CommitFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
}

// BudgetStore is the persisted, cross-process rate-limit budget.
type BudgetStore interface {
	GetBudget() (db.Budget, bool, error)
	SetBudget(remaining, limit int, resetAt time.Time) error
	IncrementQueryCounter() (int, error)
}

// Client is a rate-limited GitHub REST client wrapping go-github. Every
// operation consults the shared budget before calling out and retries
// transient failures; rate-limit exhaustion surfaces as a typed signal the
// retry wrapper sleeps on.
type Client struct {
	gh           *gh.Client
	budget       BudgetStore
	budgetFloor  int
	staleAfter   int
	retryBackoff []time.Duration
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
	budget       BudgetStore
	budgetFloor  int
	staleAfter   int
	logger       *slog.Logger
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// WithBudget attaches the shared budget store. floor is the remaining-calls
// safety margin; staleAfter is the call count past which the stored snapshot
// must be refreshed from the server.
func WithBudget(store BudgetStore, floor, staleAfter int) Option {
	return func(c *clientConfig) {
		c.budget = store
		c.budgetFloor = floor
		c.staleAfter = staleAfter
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// New creates a GitHub API client. When WithAppAuth is provided, the client
// authenticates as a GitHub App installation (token parameter is ignored).
// Otherwise it authenticates with the given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		budgetFloor: 50,
		staleAfter:  100,
	}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		gh:           client,
		budget:       cfg.budget,
		budgetFloor:  cfg.budgetFloor,
		staleAfter:   cfg.staleAfter,
		retryBackoff: cfg.retryBackoff,
		logger:       logger,
	}, nil
}

// AppHTTPClient builds an http.Client carrying the GitHub App installation
// transport, for callers that need their own client over the same auth
// (the GraphQL endpoint).
func AppHTTPClient(app AppCredentials, baseURL string) (*http.Client, error) {
	return newAppHTTPClient(&app, baseURL)
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused, the signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}

	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// checkBudget gates one outbound call against the shared budget. It bumps the
// query counter, refreshes the snapshot when it has gone stale, and returns a
// RateLimitedError when the adjusted remaining budget is below the floor.
func (c *Client) checkBudget(ctx context.Context) error {
	if c.budget == nil {
		return nil
	}

	counter, err := c.budget.IncrementQueryCounter()
	if err != nil {
		return fmt.Errorf("incrementing query counter: %w", err)
	}

	b, ok, err := c.budget.GetBudget()
	if err != nil {
		return fmt.Errorf("reading budget: %w", err)
	}

	// The stored remaining count is only trusted for staleAfter calls past
	// its last true refresh.
	if !ok || counter >= c.staleAfter || b.Remaining-b.QueryCounter < c.budgetFloor {
		b, err = c.refreshBudget(ctx)
		if err != nil {
			return err
		}
	}

	if b.Remaining-b.QueryCounter < c.budgetFloor {
		c.logger.Warn("rate limit budget below floor",
			"remaining", b.Remaining, "floor", c.budgetFloor, "reset_at", b.ResetAt)
		return retry.RateLimited(b.ResetAt)
	}
	return nil
}

// refreshBudget pulls a fresh snapshot from the server and persists it.
func (c *Client) refreshBudget(ctx context.Context) (db.Budget, error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return db.Budget{}, fmt.Errorf("fetching rate limit: %w", err)
	}
	core := limits.GetCore()
	if core == nil {
		return db.Budget{}, fmt.Errorf("rate limit response missing core resource")
	}
	if err := c.budget.SetBudget(core.Remaining, core.Limit, core.Reset.Time); err != nil {
		return db.Budget{}, err
	}
	return db.Budget{
		Remaining: core.Remaining,
		Limit:     core.Limit,
		ResetAt:   core.Reset.Time,
	}, nil
}

// FetchIssue fetches a single issue (or PR) by number.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	return retry.DoVal(ctx, func() (Issue, error) {
		if err := c.checkBudget(ctx); err != nil {
			return Issue{}, err
		}
		issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return Issue{}, classifyErr(fmt.Errorf("fetching issue: %w", err))
		}
		out := issueFromGH(issue)
		if out.IsPR {
			if err := c.checkBudget(ctx); err != nil {
				return Issue{}, err
			}
			merged, _, err := c.gh.PullRequests.IsMerged(ctx, owner, repo, number)
			if err != nil {
				// Merged state is advisory; a failed lookup must not lose
				// the issue itself.
				c.logger.Warn("fetching merged state",
					"repo", owner+"/"+repo, "number", number, "error", err)
			} else {
				out.Merged = merged
			}
		}
		return out, nil
	}, c.retryOpts()...)
}

// FetchComments returns all comments on the given issue.
func (c *Client) FetchComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	return retry.DoVal(ctx, func() ([]Comment, error) {
		if err := c.checkBudget(ctx); err != nil {
			return nil, err
		}
		var all []Comment
		opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching comments: %w", err))
			}
			for _, cm := range comments {
				all = append(all, Comment{
					ID:        cm.GetID(),
					Actor:     cm.GetUser().GetLogin(),
					Body:      cm.GetBody(),
					CreatedAt: cm.GetCreatedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchEvents returns all issue events for the given issue.
func (c *Client) FetchEvents(ctx context.Context, owner, repo string, number int) ([]IssueEvent, error) {
	return retry.DoVal(ctx, func() ([]IssueEvent, error) {
		if err := c.checkBudget(ctx); err != nil {
			return nil, err
		}
		var all []IssueEvent
		opts := &gh.ListOptions{PerPage: 100}
		for {
			events, resp, err := c.gh.Issues.ListIssueEvents(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching issue events: %w", err))
			}
			for _, ev := range events {
				e := IssueEvent{
					ID:        ev.GetID(),
					Event:     ev.GetEvent(),
					Actor:     ev.GetActor().GetLogin(),
					Label:     ev.GetLabel().GetName(),
					CommitID:  ev.GetCommitID(),
					CreatedAt: ev.GetCreatedAt().Time,
				}
				if ev.Assignee != nil {
					e.Assignee = ev.GetAssignee().GetLogin()
				}
				if ev.Assigner != nil {
					e.Assigner = ev.GetAssigner().GetLogin()
				}
				all = append(all, e)
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchTimeline returns all timeline entries for the given issue.
func (c *Client) FetchTimeline(ctx context.Context, owner, repo string, number int) ([]TimelineEvent, error) {
	return retry.DoVal(ctx, func() ([]TimelineEvent, error) {
		if err := c.checkBudget(ctx); err != nil {
			return nil, err
		}
		var all []TimelineEvent
		opts := &gh.ListOptions{PerPage: 100}
		for {
			events, resp, err := c.gh.Issues.ListIssueTimeline(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching timeline: %w", err))
			}
			for _, ev := range events {
				e := TimelineEvent{
					Event:     ev.GetEvent(),
					Actor:     ev.GetActor().GetLogin(),
					Label:     ev.GetLabel().GetName(),
					CommitID:  ev.GetCommitID(),
					CreatedAt: ev.GetCreatedAt().Time,
				}
				if ev.Source != nil && ev.Source.Issue != nil {
					e.SourceURL = ev.Source.Issue.GetHTMLURL()
				}
				all = append(all, e)
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchReviews returns all reviews on the given pull request.
func (c *Client) FetchReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	return retry.DoVal(ctx, func() ([]Review, error) {
		if err := c.checkBudget(ctx); err != nil {
			return nil, err
		}
		var all []Review
		opts := &gh.ListOptions{PerPage: 100}
		for {
			reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching reviews: %w", err))
			}
			for _, r := range reviews {
				// Deleted ("ghost") reviewers come back without a user.
				if r.User == nil {
					continue
				}
				all = append(all, Review{
					ID:          r.GetID(),
					Actor:       r.GetUser().GetLogin(),
					State:       r.GetState(),
					Body:        r.GetBody(),
					CommitID:    r.GetCommitID(),
					SubmittedAt: r.GetSubmittedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchReviewComments returns all inline review comments on the given pull
// request, as plain comments.
func (c *Client) FetchReviewComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	return retry.DoVal(ctx, func() ([]Comment, error) {
		if err := c.checkBudget(ctx); err != nil {
			return nil, err
		}
		var all []Comment
		opts := &gh.PullRequestListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
		for {
			comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching review comments: %w", err))
			}
			for _, rc := range comments {
				all = append(all, Comment{
					ID:        rc.GetID(),
					Actor:     rc.GetUser().GetLogin(),
					Body:      rc.GetBody(),
					CreatedAt: rc.GetCreatedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchCommits returns all commits on the given pull request.
func (c *Client) FetchCommits(ctx context.Context, owner, repo string, number int) ([]Commit, error) {
	return retry.DoVal(ctx, func() ([]Commit, error) {
		if err := c.checkBudget(ctx); err != nil {
			return nil, err
		}
		var all []Commit
		opts := &gh.ListOptions{PerPage: 100}
		for {
			commits, resp, err := c.gh.PullRequests.ListCommits(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching commits: %w", err))
			}
			for _, cm := range commits {
				entry := Commit{
					SHA:   cm.GetSHA(),
					Actor: cm.GetCommitter().GetLogin(),
				}
				if cm.Commit != nil {
					entry.Message = cm.Commit.GetMessage()
					if cm.Commit.Committer != nil {
						entry.CommittedAt = cm.Commit.Committer.GetDate().Time
					}
				}
				all = append(all, entry)
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchFiles returns all changed files on the given pull request.
func (c *Client) FetchFiles(ctx context.Context, owner, repo string, number int) ([]CommitFile, error) {
	return retry.DoVal(ctx, func() ([]CommitFile, error) {
		if err := c.checkBudget(ctx); err != nil {
			return nil, err
		}
		var all []CommitFile
		opts := &gh.ListOptions{PerPage: 100}
		for {
			files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching files: %w", err))
			}
			for _, f := range files {
				all = append(all, CommitFile{
					Filename:  f.GetFilename(),
					Status:    f.GetStatus(),
					Additions: f.GetAdditions(),
					Deletions: f.GetDeletions(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// AddLabel applies a label to the issue.
func (c *Client) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return retry.Do(ctx, func() error {
		if err := c.checkBudget(ctx); err != nil {
			return err
		}
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{label})
		if err != nil {
			return classifyErr(fmt.Errorf("adding label %q: %w", label, err))
		}
		return nil
	}, c.retryOpts()...)
}

// RemoveLabel removes a label from the issue. A label that is already absent
// is not an error.
func (c *Client) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	return retry.Do(ctx, func() error {
		if err := c.checkBudget(ctx); err != nil {
			return err
		}
		resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil
			}
			return classifyErr(fmt.Errorf("removing label %q: %w", label, err))
		}
		return nil
	}, c.retryOpts()...)
}

// PostComment posts a comment on the issue.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) (Comment, error) {
	return retry.DoVal(ctx, func() (Comment, error) {
		if err := c.checkBudget(ctx); err != nil {
			return Comment{}, err
		}
		ic, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return Comment{}, classifyErr(fmt.Errorf("posting comment: %w", err))
		}
		return Comment{
			ID:        ic.GetID(),
			Actor:     ic.GetUser().GetLogin(),
			Body:      ic.GetBody(),
			CreatedAt: ic.GetCreatedAt().Time,
		}, nil
	}, c.retryOpts()...)
}

// DeleteComment deletes a comment by id.
func (c *Client) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	return retry.Do(ctx, func() error {
		if err := c.checkBudget(ctx); err != nil {
			return err
		}
		_, err := c.gh.Issues.DeleteComment(ctx, owner, repo, commentID)
		if err != nil {
			return classifyErr(fmt.Errorf("deleting comment %d: %w", commentID, err))
		}
		return nil
	}, c.retryOpts()...)
}

// CloseIssue closes the issue.
func (c *Client) CloseIssue(ctx context.Context, owner, repo string, number int) error {
	return retry.Do(ctx, func() error {
		if err := c.checkBudget(ctx); err != nil {
			return err
		}
		_, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, &gh.IssueRequest{
			State: gh.Ptr("closed"),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("closing issue: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// MergePR merges the pull request.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int) error {
	return retry.Do(ctx, func() error {
		if err := c.checkBudget(ctx); err != nil {
			return err
		}
		_, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", nil)
		if err != nil {
			return classifyErr(fmt.Errorf("merging pull request: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

func issueFromGH(issue *gh.Issue) Issue {
	out := Issue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		HTMLURL:   issue.GetHTMLURL(),
		Author:    issue.GetUser().GetLogin(),
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
		IsPR:      issue.IsPullRequest(),
	}
	for _, l := range issue.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr decides the retry category once, at the boundary where the raw
// response is parsed. Rate-limit errors (primary and secondary) become typed
// RateLimited signals, 4xx-class errors become permanent, and everything else
// stays retryable.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		return retry.RateLimited(rle.Rate.Reset.Time)
	}
	var arle *gh.AbuseRateLimitError
	if errors.As(err, &arle) {
		retryAfter := time.Minute
		if arle.RetryAfter != nil {
			retryAfter = *arle.RetryAfter
		}
		return retry.RateLimited(time.Now().Add(retryAfter))
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
