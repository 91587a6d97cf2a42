package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/triagekit/triagebot/internal/triagebot/facts"
	"github.com/triagekit/triagebot/internal/triagebot/github"
	"github.com/triagekit/triagebot/internal/triagebot/reconcile"
)

func ts(min int) time.Time {
	return time.Date(2025, 6, 1, 12, min, 0, 0, time.UTC)
}

type fakeAPI struct {
	issues map[int]github.Issue
	calls  []int
	fail   map[int]error
}

func (f *fakeAPI) FetchIssue(_ context.Context, _, _ string, number int) (github.Issue, error) {
	f.calls = append(f.calls, number)
	if err := f.fail[number]; err != nil {
		return github.Issue{}, err
	}
	return f.issues[number], nil
}

type fakeLister struct {
	summaries map[int]github.Summary
}

func (f *fakeLister) FetchSummaries(context.Context, string, string) (map[int]github.Summary, error) {
	return f.summaries, nil
}

type fakeFetcher struct {
	comments map[int][]github.Comment
}

func (f *fakeFetcher) Comments(_ context.Context, _ string, number int, _ time.Time) ([]github.Comment, error) {
	return f.comments[number], nil
}

func (f *fakeFetcher) Events(context.Context, string, int, time.Time) ([]github.IssueEvent, error) {
	return nil, nil
}

func (f *fakeFetcher) Timeline(context.Context, string, int, time.Time) ([]github.TimelineEvent, error) {
	return nil, nil
}

func (f *fakeFetcher) Reviews(context.Context, string, int, time.Time) ([]github.Review, error) {
	return nil, nil
}

func (f *fakeFetcher) ReviewComments(context.Context, string, int, time.Time) ([]github.Comment, error) {
	return nil, nil
}

func (f *fakeFetcher) Commits(context.Context, string, int, time.Time) ([]github.Commit, error) {
	return nil, nil
}

func (f *fakeFetcher) Files(context.Context, string, int, time.Time) ([]github.CommitFile, error) {
	return nil, nil
}

type executed struct {
	number  int
	actions reconcile.ActionSet
}

type fakeExecutor struct {
	applied []executed
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, number int, actions reconcile.ActionSet) error {
	f.applied = append(f.applied, executed{number: number, actions: actions})
	return nil
}

func openSummary(number int, updated time.Time) github.Summary {
	return github.Summary{Number: number, State: "open", Type: "issue", UpdatedAt: updated}
}

func newTestOrchestrator(t *testing.T, api *fakeAPI, lister *fakeLister, fetcher *fakeFetcher, exec *fakeExecutor, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Repos == nil {
		cfg.Repos = []string{"acme/widgets"}
	}
	engine := facts.NewEngine(facts.Settings{Maintainers: []string{"maintainer"}}, nil)
	return New(api, lister, fetcher, engine, exec, cfg, nil)
}

func TestRunPass_PipelineAppliesActions(t *testing.T) {
	api := &fakeAPI{issues: map[int]github.Issue{
		7: {Number: 7, State: "open", Author: "alice",
			Body:      "##### ISSUE TYPE\nBug Report",
			UpdatedAt: ts(1)},
	}}
	lister := &fakeLister{summaries: map[int]github.Summary{7: openSummary(7, ts(1))}}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(t, api, lister, &fakeFetcher{}, exec, Config{})

	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(exec.applied) != 1 || exec.applied[0].number != 7 {
		t.Fatalf("applied = %+v", exec.applied)
	}
	adds := exec.applied[0].actions.AddLabels
	if len(adds) != 1 || adds[0] != "bug_report" {
		t.Fatalf("adds = %v", adds)
	}
}

func TestRunPass_SkipsClosedAndNoopIssues(t *testing.T) {
	api := &fakeAPI{issues: map[int]github.Issue{
		1: {Number: 1, State: "closed", Author: "alice", UpdatedAt: ts(1)},
		2: {Number: 2, State: "open", Author: "alice", UpdatedAt: ts(1)}, // nothing desired
	}}
	lister := &fakeLister{summaries: map[int]github.Summary{
		1: openSummary(1, ts(1)), // listing can lag the live state
		2: openSummary(2, ts(1)),
	}}
	exec := &fakeExecutor{}
	o := newTestOrchestrator(t, api, lister, &fakeFetcher{}, exec, Config{})

	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(exec.applied) != 0 {
		t.Fatalf("expected no actions, got %+v", exec.applied)
	}
}

func TestRunPass_WorkerPartitioning(t *testing.T) {
	issues := map[int]github.Issue{}
	summaries := map[int]github.Summary{}
	for n := 1; n <= 6; n++ {
		issues[n] = github.Issue{Number: n, State: "open", Author: "alice", UpdatedAt: ts(1)}
		summaries[n] = openSummary(n, ts(1))
	}
	api := &fakeAPI{issues: issues}
	o := newTestOrchestrator(t, api, &fakeLister{summaries: summaries}, &fakeFetcher{}, &fakeExecutor{},
		Config{Workers: 3, WorkerIndex: 1})

	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Only numbers ≡ 1 mod 3, descending.
	want := []int{4, 1}
	if len(api.calls) != len(want) || api.calls[0] != want[0] || api.calls[1] != want[1] {
		t.Fatalf("fetched %v, want %v", api.calls, want)
	}
}

func TestRunPass_SingleNumberTargeting(t *testing.T) {
	api := &fakeAPI{issues: map[int]github.Issue{
		1: {Number: 1, State: "open", Author: "alice", UpdatedAt: ts(1)},
		2: {Number: 2, State: "open", Author: "alice", UpdatedAt: ts(1)},
	}}
	lister := &fakeLister{summaries: map[int]github.Summary{
		1: openSummary(1, ts(1)),
		2: openSummary(2, ts(1)),
	}}
	o := newTestOrchestrator(t, api, lister, &fakeFetcher{}, &fakeExecutor{}, Config{Number: 2})

	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(api.calls) != 1 || api.calls[0] != 2 {
		t.Fatalf("fetched %v, want [2]", api.calls)
	}
}

func TestRunPass_IssueFailureContinues(t *testing.T) {
	api := &fakeAPI{
		issues: map[int]github.Issue{
			1: {Number: 1, State: "open", Author: "alice", UpdatedAt: ts(1)},
			2: {Number: 2, State: "open", Author: "alice", UpdatedAt: ts(1)},
		},
		fail: map[int]error{2: errors.New("boom")},
	}
	lister := &fakeLister{summaries: map[int]github.Summary{
		1: openSummary(1, ts(1)),
		2: openSummary(2, ts(1)),
	}}
	o := newTestOrchestrator(t, api, lister, &fakeFetcher{}, &fakeExecutor{}, Config{})

	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Both were attempted despite the failure on 2 (descending order).
	if len(api.calls) != 2 || api.calls[0] != 2 || api.calls[1] != 1 {
		t.Fatalf("fetched %v", api.calls)
	}
}

func TestRunPass_SecondPassOnlyRevisitsUpdated(t *testing.T) {
	api := &fakeAPI{issues: map[int]github.Issue{
		1: {Number: 1, State: "open", Author: "alice", UpdatedAt: ts(1)},
	}}
	lister := &fakeLister{summaries: map[int]github.Summary{1: openSummary(1, ts(1))}}
	o := newTestOrchestrator(t, api, lister, &fakeFetcher{}, &fakeExecutor{}, Config{})

	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(api.calls) != 1 {
		t.Fatalf("unchanged issue revisited: %v", api.calls)
	}

	// A newer update makes it a candidate again.
	lister.summaries[1] = openSummary(1, time.Now().UTC().Add(time.Hour))
	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(api.calls) != 2 {
		t.Fatalf("updated issue not revisited: %v", api.calls)
	}
}

func TestRunPass_ForceIgnoresSinceFilter(t *testing.T) {
	api := &fakeAPI{issues: map[int]github.Issue{
		1: {Number: 1, State: "open", Author: "alice", UpdatedAt: ts(1)},
	}}
	lister := &fakeLister{summaries: map[int]github.Summary{1: openSummary(1, ts(1))}}
	o := newTestOrchestrator(t, api, lister, &fakeFetcher{}, &fakeExecutor{}, Config{Force: true})

	for i := 0; i < 2; i++ {
		if err := o.RunPass(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(api.calls) != 2 {
		t.Fatalf("force pass skipped issues: %v", api.calls)
	}
}

func TestRunPass_ResumeSkipsAlreadyProcessed(t *testing.T) {
	resumePath := filepath.Join(t.TempDir(), "resume.json")
	if err := os.WriteFile(resumePath, []byte(`{"repo":"acme/widgets","number":5}`), 0o644); err != nil {
		t.Fatal(err)
	}

	issues := map[int]github.Issue{}
	summaries := map[int]github.Summary{}
	for n := 1; n <= 9; n++ {
		issues[n] = github.Issue{Number: n, State: "open", Author: "alice", UpdatedAt: ts(1)}
		summaries[n] = openSummary(n, ts(1))
	}
	api := &fakeAPI{issues: issues}
	o := newTestOrchestrator(t, api, &fakeLister{summaries: summaries}, &fakeFetcher{}, &fakeExecutor{},
		Config{ResumePath: resumePath})

	if err := o.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Descending iteration resumes at 5: numbers above it were done.
	want := []int{5, 4, 3, 2, 1}
	if len(api.calls) != len(want) {
		t.Fatalf("fetched %v, want %v", api.calls, want)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Fatalf("fetched %v, want %v", api.calls, want)
		}
	}
	// A completed pass clears the resume point.
	if _, err := os.Stat(resumePath); !os.IsNotExist(err) {
		t.Fatalf("resume point not cleared: %v", err)
	}
}

func TestRunPass_CancelledContextAborts(t *testing.T) {
	api := &fakeAPI{issues: map[int]github.Issue{
		1: {Number: 1, State: "open", Author: "alice", UpdatedAt: ts(1)},
	}}
	lister := &fakeLister{summaries: map[int]github.Summary{1: openSummary(1, ts(1))}}
	o := newTestOrchestrator(t, api, lister, &fakeFetcher{}, &fakeExecutor{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.RunPass(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
