package facts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/triagekit/triagebot/internal/triagebot/github"
	"github.com/triagekit/triagebot/internal/triagebot/history"
)

func ts(min int) time.Time {
	return time.Date(2025, 6, 1, 12, min, 0, 0, time.UTC)
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Settings{
		Maintainers: []string{"maintainer"},
		BotLogins:   []string{"triagebot"},
		WaffleLimit: 5,
		FileRules: []Rule{
			{Pattern: "docs/**", Labels: []string{"docs"}},
			{Pattern: "lib/**/*.go", Labels: []string{"core"}},
		},
		ExclusiveGroups: [][]string{{"bug_report", "feature_idea", "docs_report"}},
	}, nil)
}

func buildHistory(in history.Input) *history.History {
	in.BotLogins = []string{"triagebot"}
	return history.Build(in)
}

func TestDesiredState_MutualExclusionEvictsOlder(t *testing.T) {
	ds := NewDesiredState([][]string{{"bug_report", "feature_idea"}})
	ds.AddLabel("bug_report")
	ds.AddLabel("needs_triage")
	ds.AddLabel("feature_idea")

	if ds.WantsLabel("bug_report") {
		t.Fatal("older group member was not evicted")
	}
	got := ds.Labels()
	if len(got) != 2 || got[0] != "needs_triage" || got[1] != "feature_idea" {
		t.Fatalf("labels = %v", got)
	}
}

func TestDesiredState_AddAndRemoveAreDisjoint(t *testing.T) {
	ds := NewDesiredState(nil)
	ds.AddLabel("needs_info")
	ds.RemoveLabel("needs_info")
	if ds.WantsLabel("needs_info") || !ds.WantsRemoval("needs_info") {
		t.Fatal("removal did not cancel the add")
	}
	ds.AddLabel("needs_info")
	if ds.WantsRemoval("needs_info") || !ds.WantsLabel("needs_info") {
		t.Fatal("add did not cancel the removal")
	}
}

func TestDesiredState_CommentKeyNotDuplicated(t *testing.T) {
	ds := NewDesiredState(nil)
	ds.AddComment("needs_info", "first")
	ds.AddComment("needs_info", "second")
	if len(ds.Comments) != 1 || ds.Comments[0].Body != "first" {
		t.Fatalf("comments = %+v", ds.Comments)
	}
}

func TestIssueTypePlugin(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{
		Number: 1,
		Author: "alice",
		Body:   "##### ISSUE TYPE\n- Bug Report\n\n##### SUMMARY\nit breaks",
	}
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: buildHistory(history.Input{})})
	if err != nil {
		t.Fatal(err)
	}
	if !ds.WantsLabel("bug_report") {
		t.Fatalf("expected bug_report, got %v", ds.Labels())
	}
}

func TestNeedsInfoLifecycle(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{Number: 2, Author: "alice"}

	h := buildHistory(history.Input{
		Comments: []github.Comment{
			{ID: 1, Actor: "maintainer", Body: "needs_info", CreatedAt: ts(1)},
		},
	})
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if !ds.WantsLabel("needs_info") {
		t.Fatal("maintainer command did not set needs_info")
	}
	if len(ds.Comments) != 1 || ds.Comments[0].Key != "needs_info" {
		t.Fatalf("expected needs_info boilerplate, got %+v", ds.Comments)
	}

	// Submitter responds after the label landed: the label clears.
	h = buildHistory(history.Input{
		Comments: []github.Comment{
			{ID: 1, Actor: "maintainer", Body: "needs_info", CreatedAt: ts(1)},
			{ID: 2, Actor: "alice", Body: "here are the details", CreatedAt: ts(3)},
		},
		Events: []github.IssueEvent{
			{Event: "labeled", Actor: "triagebot", Label: "needs_info", CreatedAt: ts(2)},
		},
	})
	ds, err = e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if ds.WantsLabel("needs_info") || !ds.WantsRemoval("needs_info") {
		t.Fatal("submitter response did not clear needs_info")
	}
}

func TestLabelCommands_WafflingSuppressionAndOverride(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{Number: 3, Author: "alice"}

	var toggles []github.IssueEvent
	for i := 0; i < 6; i++ {
		kind := "labeled"
		if i%2 == 1 {
			kind = "unlabeled"
		}
		toggles = append(toggles, github.IssueEvent{Event: kind, Actor: "x", Label: "flaky", CreatedAt: ts(i)})
	}

	h := buildHistory(history.Input{
		Events: toggles,
		Comments: []github.Comment{
			{ID: 1, Actor: "maintainer", Body: "+label flaky +label reviewed", CreatedAt: ts(10)},
		},
	})
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if ds.WantsLabel("flaky") {
		t.Fatal("waffling label was applied without an override")
	}
	if !ds.WantsLabel("reviewed") {
		t.Fatal("non-waffling label was suppressed")
	}

	h = buildHistory(history.Input{
		Events: toggles,
		Comments: []github.Comment{
			{ID: 1, Actor: "maintainer", Body: "!waffling flaky", CreatedAt: ts(9)},
			{ID: 2, Actor: "maintainer", Body: "+label flaky", CreatedAt: ts(10)},
		},
	})
	ds, err = e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if !ds.WantsLabel("flaky") {
		t.Fatal("override did not lift waffling suppression")
	}
}

func TestEvaluate_WafflingSuppressionCoversAllPlugins(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{Number: 11, Author: "alice"}

	var toggles []github.IssueEvent
	for i := 0; i < 6; i++ {
		kind := "labeled"
		if i%2 == 1 {
			kind = "unlabeled"
		}
		toggles = append(toggles, github.IssueEvent{Event: kind, Actor: "x", Label: "needs_info", CreatedAt: ts(i)})
	}

	// The needs_info lifecycle, not a label command, desires the label.
	h := buildHistory(history.Input{
		Events: toggles,
		Comments: []github.Comment{
			{ID: 1, Actor: "maintainer", Body: "needs_info", CreatedAt: ts(10)},
		},
	})
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if ds.WantsLabel("needs_info") || ds.WantsRemoval("needs_info") {
		t.Fatalf("waffling label survived the fold: labels=%v removals=%v", ds.Labels(), ds.Removals())
	}

	// An override lifts the suppression for every plugin.
	h = buildHistory(history.Input{
		Events: toggles,
		Comments: []github.Comment{
			{ID: 1, Actor: "maintainer", Body: "!waffling needs_info", CreatedAt: ts(9)},
			{ID: 2, Actor: "maintainer", Body: "needs_info", CreatedAt: ts(10)},
		},
	})
	ds, err = e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if !ds.WantsLabel("needs_info") {
		t.Fatalf("override ignored: labels=%v", ds.Labels())
	}
}

func TestLabelCommands_RemovalAndNonMaintainerIgnored(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{Number: 4, Author: "alice"}
	h := buildHistory(history.Input{
		Comments: []github.Comment{
			{ID: 1, Actor: "mallory", Body: "+label admin", CreatedAt: ts(1)},
			{ID: 2, Actor: "maintainer", Body: "-label needs_triage", CreatedAt: ts(2)},
		},
	})
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if ds.WantsLabel("admin") {
		t.Fatal("non-maintainer command was honored")
	}
	if !ds.WantsRemoval("needs_triage") {
		t.Fatal("maintainer removal was ignored")
	}
}

func TestFilePatternLabels(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{Number: 5, Author: "alice", IsPR: true}
	in := Input{
		Issue:   issue,
		History: buildHistory(history.Input{}),
		Files: []github.CommitFile{
			{Filename: "docs/guide/intro.md"},
			{Filename: "lib/core/runner.go"},
			{Filename: "unrelated.txt"},
		},
	}
	ds, err := e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !ds.WantsLabel("docs") || !ds.WantsLabel("core") {
		t.Fatalf("expected docs and core, got %v", ds.Labels())
	}

	in.Issue = &github.Issue{Number: 6, Author: "alice"} // not a PR
	ds, err = e.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if ds.WantsLabel("docs") {
		t.Fatal("file rules applied to a plain issue")
	}
}

func TestStaleReview(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{Number: 7, Author: "alice", IsPR: true}

	h := buildHistory(history.Input{
		Reviews: []github.Review{
			{ID: 1, Actor: "maintainer", State: "CHANGES_REQUESTED", SubmittedAt: ts(1)},
		},
		Commits: []github.Commit{{SHA: "aaa", Actor: "alice", CommittedAt: ts(2)}},
	})
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if !ds.WantsLabel("stale_review") {
		t.Fatal("commit after changes-requested review not flagged")
	}

	h = buildHistory(history.Input{
		Reviews: []github.Review{
			{ID: 1, Actor: "maintainer", State: "CHANGES_REQUESTED", SubmittedAt: ts(1)},
			{ID: 2, Actor: "maintainer", State: "APPROVED", SubmittedAt: ts(3)},
		},
		Commits: []github.Commit{{SHA: "aaa", Actor: "alice", CommittedAt: ts(2)}},
	})
	ds, err = e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if ds.WantsLabel("stale_review") || !ds.WantsRemoval("stale_review") {
		t.Fatal("newer review did not clear stale_review")
	}
}

func TestBotBrokenPrecedence(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{
		Number: 8,
		Author: "alice",
		Body:   "##### ISSUE TYPE\nBug Report",
	}
	h := buildHistory(history.Input{
		Comments: []github.Comment{
			{ID: 1, Actor: "alice", Body: "bot_broken", CreatedAt: ts(1)},
		},
	})
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if got := ds.Labels(); len(got) != 1 || got[0] != "bot_broken" {
		t.Fatalf("expected only bot_broken, got %v", got)
	}
	if len(ds.Comments) != 0 {
		t.Fatalf("bot_broken state must not comment, got %+v", ds.Comments)
	}
}

func TestBotSkipYieldsEmptyState(t *testing.T) {
	e := testEngine(t)
	issue := &github.Issue{
		Number: 9,
		Author: "alice",
		Body:   "##### ISSUE TYPE\nBug Report",
	}
	h := buildHistory(history.Input{
		Comments: []github.Comment{
			{ID: 1, Actor: "maintainer", Body: "bot_skip", CreatedAt: ts(1)},
		},
	})
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: h})
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Labels()) != 0 || len(ds.Removals()) != 0 || len(ds.Comments) != 0 {
		t.Fatalf("expected empty state, got labels=%v removals=%v", ds.Labels(), ds.Removals())
	}
}

func TestEvaluate_PluginErrorIsSkipped(t *testing.T) {
	e := testEngine(t)
	e.Register(Plugin{Name: "boom", Run: func(context.Context, Input, *DesiredState) error {
		return errors.New("boom")
	}})
	e.Register(Plugin{Name: "after", Run: func(_ context.Context, _ Input, ds *DesiredState) error {
		ds.AddLabel("after")
		return nil
	}})
	issue := &github.Issue{Number: 10, Author: "alice"}
	ds, err := e.Evaluate(context.Background(), Input{Issue: issue, History: buildHistory(history.Input{})})
	if err != nil {
		t.Fatal(err)
	}
	if !ds.WantsLabel("after") {
		t.Fatal("plugin after the failing one did not run")
	}
}
