// Package facts computes what an issue's state ought to be. Independent
// plugins each contribute labels, comments, or lifecycle decisions to a
// shared DesiredState; the engine folds them in a fixed order so later
// plugins see (and may override) earlier contributions.
package facts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/triagekit/triagebot/internal/triagebot/github"
	"github.com/triagekit/triagebot/internal/triagebot/history"
)

// Comment is one desired boilerplate comment, identified by its template key.
type Comment struct {
	Key  string
	Body string
}

// DesiredState accumulates plugin contributions. Labels are kept disjoint:
// desiring a label cancels a pending removal and vice versa, and adding a
// member of a mutually-exclusive group evicts any previously desired peer.
type DesiredState struct {
	addOrder []string
	adds     map[string]bool
	removes  map[string]bool
	groups   [][]string

	Comments []Comment
	Close    bool
	Merge    bool
}

// NewDesiredState returns an empty state enforcing the given
// mutually-exclusive label groups.
func NewDesiredState(groups [][]string) *DesiredState {
	return &DesiredState{
		adds:    make(map[string]bool),
		removes: make(map[string]bool),
		groups:  groups,
	}
}

// AddLabel marks label as desired. The newest member of a mutual-exclusion
// group wins: any previously desired peer is evicted.
func (d *DesiredState) AddLabel(label string) {
	label = strings.TrimSpace(label)
	if label == "" || d.adds[label] {
		return
	}
	delete(d.removes, label)
	for _, group := range d.groups {
		if !contains(group, label) {
			continue
		}
		for _, peer := range group {
			if peer != label && d.adds[peer] {
				d.dropAdd(peer)
			}
		}
	}
	d.adds[label] = true
	d.addOrder = append(d.addOrder, label)
}

// RemoveLabel marks label for removal, cancelling a pending add.
func (d *DesiredState) RemoveLabel(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	if d.adds[label] {
		d.dropAdd(label)
	}
	d.removes[label] = true
}

func (d *DesiredState) dropAdd(label string) {
	delete(d.adds, label)
	for i, l := range d.addOrder {
		if l == label {
			d.addOrder = append(d.addOrder[:i], d.addOrder[i+1:]...)
			break
		}
	}
}

// Discard drops label from both the desired adds and the removals.
func (d *DesiredState) Discard(label string) {
	if d.adds[label] {
		d.dropAdd(label)
	}
	delete(d.removes, label)
}

// Labels returns the desired labels in the order they were (last) added.
func (d *DesiredState) Labels() []string {
	out := make([]string, len(d.addOrder))
	copy(out, d.addOrder)
	return out
}

// Removals returns the labels marked for removal, in no particular order.
func (d *DesiredState) Removals() []string {
	out := make([]string, 0, len(d.removes))
	for l := range d.removes {
		out = append(out, l)
	}
	return out
}

// WantsLabel reports whether label is currently desired.
func (d *DesiredState) WantsLabel(label string) bool { return d.adds[label] }

// WantsRemoval reports whether label is currently marked for removal.
func (d *DesiredState) WantsRemoval(label string) bool { return d.removes[label] }

// AddComment records a desired boilerplate comment. A key already desired
// this pass is not duplicated.
func (d *DesiredState) AddComment(key, body string) {
	for _, c := range d.Comments {
		if c.Key == key {
			return
		}
	}
	d.Comments = append(d.Comments, Comment{Key: key, Body: body})
}

// Input is the evaluated view of one issue handed to every plugin.
type Input struct {
	Issue   *github.Issue
	History *history.History
	// Files are the changed files of a pull request; nil for issues.
	Files []github.CommitFile
}

// Rule maps a changed-file glob pattern to the labels it implies.
type Rule struct {
	Pattern string
	Labels  []string
}

// Settings carries the repository policy the built-in plugins consult.
type Settings struct {
	Maintainers []string
	BotLogins   []string
	WaffleLimit int
	FileRules   []Rule
	// ExclusiveGroups are label sets of which at most one may be desired.
	ExclusiveGroups [][]string
}

// Plugin computes one independent fact about an issue and records its
// conclusions on the desired state. Plugins must be pure with respect to
// the input: all their effects go through ds.
type Plugin struct {
	Name string
	Run  func(ctx context.Context, in Input, ds *DesiredState) error
}

// Engine evaluates the registered plugins in order.
type Engine struct {
	settings Settings
	plugins  []Plugin
	logger   *slog.Logger
}

// NewEngine returns an engine with the built-in plugin set registered.
func NewEngine(settings Settings, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.WaffleLimit <= 0 {
		settings.WaffleLimit = 5
	}
	e := &Engine{settings: settings, logger: logger}
	e.plugins = []Plugin{
		{Name: "issue_type", Run: e.issueTypeLabels},
		{Name: "needs_info", Run: e.needsInfo},
		{Name: "label_commands", Run: e.labelCommands},
		{Name: "file_patterns", Run: e.filePatternLabels},
		{Name: "stale_review", Run: e.staleReview},
	}
	return e
}

// Register appends an additional plugin after the built-in set.
func (e *Engine) Register(p Plugin) { e.plugins = append(e.plugins, p) }

// Evaluate folds every plugin over a fresh DesiredState. A failing plugin
// is skipped with a warning; it never aborts the pass.
//
// bot_broken and bot_skip take precedence over everything else: bot_broken
// yields only the bot_broken label, bot_skip yields an empty state.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*DesiredState, error) {
	ds := NewDesiredState(e.settings.ExclusiveGroups)

	issuers := e.commandIssuers(in.Issue)
	if broken, ok := in.History.CommandStatus("bot_broken", issuers); ok && broken {
		ds.AddLabel("bot_broken")
		return ds, nil
	}
	ds.RemoveLabel("bot_broken")
	if skip, ok := in.History.CommandStatus("bot_skip", issuers); ok && skip {
		return NewDesiredState(e.settings.ExclusiveGroups), nil
	}

	for _, p := range e.plugins {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluating facts: %w", err)
		}
		if err := p.Run(ctx, in, ds); err != nil {
			e.logger.Warn("fact plugin failed, skipping",
				"plugin", p.Name, "issue", in.Issue.Number, "error", err)
		}
	}
	e.suppressWaffling(in, ds)
	return ds, nil
}

// suppressWaffling runs after the plugin fold: any add or removal of a label
// that has churned past the waffle limit is discarded, no matter which
// plugin desired it, unless a maintainer issued a "!waffling" override for
// that label.
func (e *Engine) suppressWaffling(in Input, ds *DesiredState) {
	overrides := wafflingOverrides(in.History, e.settings.Maintainers)
	for _, label := range append(ds.Labels(), ds.Removals()...) {
		if overrides[label] || !in.History.IsLabelWaffling(label, e.settings.WaffleLimit) {
			continue
		}
		e.logger.Warn("suppressing waffling label",
			"issue", in.Issue.Number, "label", label)
		ds.Discard(label)
	}
}

// commandIssuers returns who may issue lifecycle commands on an issue: the
// configured maintainers plus the issue author.
func (e *Engine) commandIssuers(issue *github.Issue) []string {
	issuers := make([]string, 0, len(e.settings.Maintainers)+1)
	issuers = append(issuers, e.settings.Maintainers...)
	if issue.Author != "" && !contains(issuers, issue.Author) {
		issuers = append(issuers, issue.Author)
	}
	return issuers
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
