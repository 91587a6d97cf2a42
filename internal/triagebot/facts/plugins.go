package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/triagekit/triagebot/internal/triagebot/history"
)

// Issue-type labels recognized in template bodies. They form a natural
// mutual-exclusion group when configured as one.
var issueTypePhrases = map[string]string{
	"bug report":           "bug_report",
	"bugfix pull request":  "bug_report",
	"feature idea":         "feature_idea",
	"feature pull request": "feature_idea",
	"documentation report": "docs_report",
	"docs pull request":    "docs_report",
}

const needsInfoTemplate = "Waiting on information from the submitter. " +
	"Please provide the requested details so triage can continue.\n" +
	"<!--- boilerplate: needs_info --->"

// issueTypeLabels reads the ISSUE TYPE template section of the body and
// desires the matching type label.
func (e *Engine) issueTypeLabels(_ context.Context, in Input, ds *DesiredState) error {
	section := templateSection(in.Issue.Body, "issue type")
	if section == "" {
		return nil
	}
	section = strings.ToLower(section)
	for phrase, label := range issueTypePhrases {
		if strings.Contains(section, phrase) {
			ds.AddLabel(label)
		}
	}
	return nil
}

// templateSection returns the body text between the heading matching name
// (case-insensitive) and the next heading.
func templateSection(body, name string) string {
	lines := strings.Split(body, "\n")
	var out []string
	in := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			if in {
				break
			}
			in = heading == strings.ToLower(name)
			continue
		}
		if in {
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// needsInfo runs the needs_info lifecycle: maintainers toggle it by command,
// and a submitter comment after the label was applied clears it.
func (e *Engine) needsInfo(_ context.Context, in Input, ds *DesiredState) error {
	h := in.History
	active, issued := h.CommandStatus("needs_info", e.settings.Maintainers)
	if !issued {
		return nil
	}
	if active {
		// A submitter response after the label landed answers the request.
		if labeledAt, ok := h.LastLabeledAt("needs_info"); ok {
			if commentedAt, ok := h.LastCommentedAt(in.Issue.Author); ok && commentedAt.After(labeledAt) {
				active = false
			}
		}
	}
	if active {
		ds.AddLabel("needs_info")
		ds.AddComment("needs_info", needsInfoTemplate)
	} else {
		ds.RemoveLabel("needs_info")
	}
	return nil
}

// labelCommands applies maintainer "+label <name>" / "-label <name>"
// directives. Waffling suppression happens centrally after the plugin fold.
func (e *Engine) labelCommands(_ context.Context, in Input, ds *DesiredState) error {
	h := in.History

	for _, ev := range h.CommentsBy(func(actor string) bool {
		return contains(e.settings.Maintainers, actor) && !h.IsBot(actor)
	}) {
		if strings.HasPrefix(strings.TrimSpace(ev.Body), "_From @") {
			continue
		}
		tokens := strings.Fields(ev.Body)
		for i := 0; i+1 < len(tokens); i++ {
			var add bool
			switch tokens[i] {
			case "+label":
				add = true
			case "-label":
				add = false
			default:
				continue
			}
			label := tokens[i+1]
			if add {
				ds.AddLabel(label)
			} else {
				ds.RemoveLabel(label)
			}
		}
	}
	return nil
}

// wafflingOverrides collects labels a maintainer exempted from waffling
// suppression with "!waffling <label>".
func wafflingOverrides(h *history.History, maintainers []string) map[string]bool {
	overrides := make(map[string]bool)
	for _, ev := range h.CommentsBy(func(actor string) bool {
		return contains(maintainers, actor)
	}) {
		tokens := strings.Fields(ev.Body)
		for i := 0; i+1 < len(tokens); i++ {
			if tokens[i] == "!waffling" {
				overrides[tokens[i+1]] = true
			}
		}
	}
	return overrides
}

// filePatternLabels maps a pull request's changed files onto labels via the
// configured glob rules.
func (e *Engine) filePatternLabels(_ context.Context, in Input, ds *DesiredState) error {
	if !in.Issue.IsPR || len(in.Files) == 0 {
		return nil
	}
	for _, rule := range e.settings.FileRules {
		for _, f := range in.Files {
			ok, err := doublestar.Match(rule.Pattern, f.Filename)
			if err != nil {
				return fmt.Errorf("matching pattern %q: %w", rule.Pattern, err)
			}
			if !ok {
				continue
			}
			for _, label := range rule.Labels {
				ds.AddLabel(label)
			}
			break
		}
	}
	return nil
}

// staleReview marks a pull request whose last changes-requested review
// predates the newest commit, and clears the mark once a newer review
// arrives.
func (e *Engine) staleReview(_ context.Context, in Input, ds *DesiredState) error {
	if !in.Issue.IsPR {
		return nil
	}
	h := in.History
	requestedAt, ok := h.LastTimestampFor(func(ev history.Event) bool {
		return ev.Kind == history.KindReviewed && ev.ReviewState == history.ReviewChangesRequested
	})
	if !ok {
		return nil
	}
	commitAt, ok := h.LastCommitTimestamp()
	if !ok {
		return nil
	}
	reviewedAt, _ := h.LastTimestampFor(func(ev history.Event) bool {
		return ev.Kind == history.KindReviewed
	})

	switch {
	case commitAt.After(requestedAt) && commitAt.After(reviewedAt):
		ds.AddLabel("stale_review")
	case reviewedAt.After(commitAt):
		ds.RemoveLabel("stale_review")
	}
	return nil
}
