package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Summary is one issue or PR row from the GraphQL listing surface: just
// enough to decide whether the full issue is worth fetching.
type Summary struct {
	ID        string
	Number    int
	State     string
	URL       string
	Type      string // "issue" or "pullrequest"
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BlameRange is one authorship range from a blame query.
type BlameRange struct {
	CommitOID string
	Email     string
	Login     string
}

// GraphQLClient is a thin wrapper over the forge's GraphQL endpoint, used for
// the cheap bulk listing queries the REST API would need many calls for.
type GraphQLClient struct {
	client *githubv4.Client
}

// NewGraphQLClient creates a GraphQL client authenticated with the token.
// baseURL overrides the endpoint for testing; empty means api.github.com.
func NewGraphQLClient(token, baseURL string) *GraphQLClient {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), src)
	if baseURL != "" {
		return &GraphQLClient{client: githubv4.NewEnterpriseClient(strings.TrimSuffix(baseURL, "/")+"/graphql", httpClient)}
	}
	return &GraphQLClient{client: githubv4.NewClient(httpClient)}
}

// NewGraphQLClientFromHTTP builds a client over a caller-provided HTTP
// client, used with GitHub App installation transports.
func NewGraphQLClientFromHTTP(httpClient *http.Client, baseURL string) *GraphQLClient {
	if baseURL != "" {
		return &GraphQLClient{client: githubv4.NewEnterpriseClient(strings.TrimSuffix(baseURL, "/")+"/graphql", httpClient)}
	}
	return &GraphQLClient{client: githubv4.NewClient(httpClient)}
}

type summaryNode struct {
	ID        githubv4.ID
	Number    githubv4.Int
	State     githubv4.String
	URL       githubv4.URI
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
}

func summaryFromNode(n summaryNode, typ string) Summary {
	return Summary{
		ID:        fmt.Sprintf("%v", n.ID),
		Number:    int(n.Number),
		State:     strings.ToLower(string(n.State)),
		URL:       n.URL.String(),
		Type:      typ,
		CreatedAt: n.CreatedAt.Time,
		UpdatedAt: n.UpdatedAt.Time,
	}
}

// FetchSummaries returns summaries for all issues and pull requests in the
// repository, keyed by number. Pagination is followed to exhaustion.
func (c *GraphQLClient) FetchSummaries(ctx context.Context, owner, repo string) (map[int]Summary, error) {
	out := map[int]Summary{}

	if err := c.fetchIssueSummaries(ctx, owner, repo, out); err != nil {
		return nil, err
	}
	if err := c.fetchPRSummaries(ctx, owner, repo, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GraphQLClient) fetchIssueSummaries(ctx context.Context, owner, repo string, out map[int]Summary) error {
	var query struct {
		Repository struct {
			Issues struct {
				Nodes    []summaryNode
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"issues(first: 100, after: $cursor)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"cursor": (*githubv4.String)(nil),
	}

	for {
		if err := c.client.Query(ctx, &query, variables); err != nil {
			return fmt.Errorf("querying issue summaries: %w", err)
		}
		for _, n := range query.Repository.Issues.Nodes {
			out[int(n.Number)] = summaryFromNode(n, "issue")
		}
		if !query.Repository.Issues.PageInfo.HasNextPage {
			return nil
		}
		variables["cursor"] = githubv4.NewString(query.Repository.Issues.PageInfo.EndCursor)
	}
}

func (c *GraphQLClient) fetchPRSummaries(ctx context.Context, owner, repo string, out map[int]Summary) error {
	var query struct {
		Repository struct {
			PullRequests struct {
				Nodes    []summaryNode
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"pullRequests(first: 100, after: $cursor)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"cursor": (*githubv4.String)(nil),
	}

	for {
		if err := c.client.Query(ctx, &query, variables); err != nil {
			return fmt.Errorf("querying pull request summaries: %w", err)
		}
		for _, n := range query.Repository.PullRequests.Nodes {
			out[int(n.Number)] = summaryFromNode(n, "pullrequest")
		}
		if !query.Repository.PullRequests.PageInfo.HasNextPage {
			return nil
		}
		variables["cursor"] = githubv4.NewString(query.Repository.PullRequests.PageInfo.EndCursor)
	}
}

// FetchSummary looks up one issue or PR by number. Returns ok=false when the
// number exists as neither.
func (c *GraphQLClient) FetchSummary(ctx context.Context, owner, repo string, number int) (Summary, bool, error) {
	var issueQuery struct {
		Repository struct {
			Issue summaryNode `graphql:"issue(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}

	if err := c.client.Query(ctx, &issueQuery, variables); err == nil {
		return summaryFromNode(issueQuery.Repository.Issue, "issue"), true, nil
	}

	var prQuery struct {
		Repository struct {
			PullRequest summaryNode `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	if err := c.client.Query(ctx, &prQuery, variables); err != nil {
		if isNotFoundGraphQL(err) {
			return Summary{}, false, nil
		}
		return Summary{}, false, fmt.Errorf("querying summary for #%d: %w", number, err)
	}
	return summaryFromNode(prQuery.Repository.PullRequest, "pullrequest"), true, nil
}

// FetchBlame returns authorship ranges for a file on a branch.
func (c *GraphQLClient) FetchBlame(ctx context.Context, owner, repo, branch, path string) ([]BlameRange, error) {
	var query struct {
		Repository struct {
			Ref struct {
				Target struct {
					Commit struct {
						Blame struct {
							Ranges []struct {
								Commit struct {
									OID    githubv4.GitObjectID
									Author struct {
										Email githubv4.String
										User  struct {
											Login githubv4.String
										}
									}
								}
							}
						} `graphql:"blame(path: $path)"`
					} `graphql:"... on Commit"`
				}
			} `graphql:"ref(qualifiedName: $branch)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"branch": githubv4.String(branch),
		"path":   githubv4.String(path),
	}

	if err := c.client.Query(ctx, &query, variables); err != nil {
		return nil, fmt.Errorf("querying blame for %s: %w", path, err)
	}

	var out []BlameRange
	for _, r := range query.Repository.Ref.Target.Commit.Blame.Ranges {
		out = append(out, BlameRange{
			CommitOID: string(r.Commit.OID),
			Email:     string(r.Commit.Author.Email),
			Login:     string(r.Commit.Author.User.Login),
		})
	}
	return out, nil
}

// isNotFoundGraphQL reports whether a githubv4 error is a NOT_FOUND from the
// errors array of an otherwise-200 response.
//
// githubv4 flattens the errors array into a plain error and exposes no typed
// error or code field, so the NOT_FOUND condition is only observable through
// the server's message text. Keep any such matching confined to this helper;
// every other error category in the module is typed.
func isNotFoundGraphQL(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Could not resolve")
}
