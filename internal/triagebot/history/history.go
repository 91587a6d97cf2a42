// Package history merges the per-surface API collections of a single issue
// into one normalized, chronologically ordered event stream and answers the
// questions the fact plugins ask of it. A History is immutable after Build;
// every query is safe on an empty history.
package history

import (
	"sort"
	"strings"
	"time"

	"github.com/triagekit/triagebot/internal/triagebot/github"
)

// BoilerplateMarker is the HTML comment prefix that tags bot-authored
// template comments. The template key follows the colon:
//
//	<!--- boilerplate: needs_info --->
const BoilerplateMarker = "boilerplate:"

// History is the merged event stream of one issue or pull request.
type History struct {
	events    []Event
	botLogins map[string]bool
}

// Input carries the raw per-surface collections for one issue.
type Input struct {
	Comments []github.Comment
	Events   []github.IssueEvent
	Timeline []github.TimelineEvent
	Reviews  []github.Review
	Commits  []github.Commit

	// BotLogins are treated as the bot itself: their comments are scanned
	// for boilerplate markers and ignored by the command scanner.
	BotLogins []string
}

// Build normalizes the collections into a single sorted stream. Timestamps
// are converted to UTC; entries without a timestamp are dropped. Label,
// state and assignment changes come from the events collection; the
// timeline contributes only cross-references, so overlapping surfaces never
// produce duplicate events.
func Build(in Input) *History {
	h := &History{botLogins: make(map[string]bool, len(in.BotLogins))}
	for _, login := range in.BotLogins {
		h.botLogins[login] = true
	}

	for _, c := range in.Comments {
		h.add(Event{
			Kind:      KindCommented,
			Actor:     c.Actor,
			CreatedAt: c.CreatedAt,
			Body:      c.Body,
			CommentID: c.ID,
		})
	}
	for _, ev := range in.Events {
		kind, ok := eventKind(ev.Event)
		if !ok {
			continue
		}
		h.add(Event{
			Kind:      kind,
			Actor:     ev.Actor,
			CreatedAt: ev.CreatedAt,
			Label:     ev.Label,
			CommitID:  ev.CommitID,
			Assignee:  ev.Assignee,
			Assigner:  ev.Assigner,
		})
	}
	for _, ev := range in.Timeline {
		if ev.Event != "cross-referenced" {
			continue
		}
		h.add(Event{
			Kind:      KindCrossReferenced,
			Actor:     ev.Actor,
			CreatedAt: ev.CreatedAt,
			SourceURL: ev.SourceURL,
		})
	}
	for _, r := range in.Reviews {
		h.add(Event{
			Kind:        KindReviewed,
			Actor:       r.Actor,
			CreatedAt:   r.SubmittedAt,
			Body:        r.Body,
			ReviewState: strings.ToLower(r.State),
			CommitID:    r.CommitID,
		})
	}
	for _, c := range in.Commits {
		h.add(Event{
			Kind:      KindCommitted,
			Actor:     c.Actor,
			CreatedAt: c.CommittedAt,
			SHA:       c.SHA,
			Message:   c.Message,
		})
	}

	sort.SliceStable(h.events, func(i, j int) bool {
		a, b := h.events[i], h.events[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
	return h
}

func (h *History) add(ev Event) {
	if ev.CreatedAt.IsZero() {
		return
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.seq = len(h.events)
	h.events = append(h.events, ev)
}

func eventKind(name string) (Kind, bool) {
	switch name {
	case "labeled":
		return KindLabeled, true
	case "unlabeled":
		return KindUnlabeled, true
	case "closed":
		return KindClosed, true
	case "reopened":
		return KindReopened, true
	case "merged":
		return KindMerged, true
	case "referenced":
		return KindReferenced, true
	case "assigned":
		return KindAssigned, true
	case "mentioned":
		return KindMentioned, true
	case "subscribed":
		return KindSubscribed, true
	}
	return "", false
}

// Events returns the full ordered stream.
func (h *History) Events() []Event { return h.events }

// Len reports the number of events.
func (h *History) Len() int { return len(h.events) }

// IsBot reports whether login is one of the configured bot accounts.
func (h *History) IsBot(login string) bool { return h.botLogins[login] }

// EventsOfKind returns every event matching one of the given kinds, in order.
func (h *History) EventsOfKind(kinds ...Kind) []Event {
	var out []Event
	for _, ev := range h.events {
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// LastTimestampFor returns the timestamp of the most recent event satisfying
// pred, or ok=false if no event matches.
func (h *History) LastTimestampFor(pred func(Event) bool) (time.Time, bool) {
	for i := len(h.events) - 1; i >= 0; i-- {
		if pred(h.events[i]) {
			return h.events[i].CreatedAt, true
		}
	}
	return time.Time{}, false
}

// CommentsBy returns the comments whose actor satisfies pred, in order.
func (h *History) CommentsBy(pred func(actor string) bool) []Event {
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == KindCommented && pred(ev.Actor) {
			out = append(out, ev)
		}
	}
	return out
}

// HasCommented reports whether actor has ever commented.
func (h *History) HasCommented(actor string) bool {
	_, ok := h.LastCommentedAt(actor)
	return ok
}

// LastCommentedAt returns the timestamp of actor's most recent comment.
func (h *History) LastCommentedAt(actor string) (time.Time, bool) {
	return h.LastTimestampFor(func(ev Event) bool {
		return ev.Kind == KindCommented && ev.Actor == actor
	})
}

// LastCommitTimestamp returns the timestamp of the most recent commit.
func (h *History) LastCommitTimestamp() (time.Time, bool) {
	return h.LastTimestampFor(func(ev Event) bool { return ev.Kind == KindCommitted })
}

// WasLabeled reports whether label was ever applied.
func (h *History) WasLabeled(label string) bool {
	_, ok := h.LastLabeledAt(label)
	return ok
}

// WasUnlabeled reports whether label was ever removed.
func (h *History) WasUnlabeled(label string) bool {
	_, ok := h.LastUnlabeledAt(label)
	return ok
}

// LastLabeledAt returns when label was most recently applied.
func (h *History) LastLabeledAt(label string) (time.Time, bool) {
	return h.LastTimestampFor(func(ev Event) bool {
		return ev.Kind == KindLabeled && ev.Label == label
	})
}

// LastUnlabeledAt returns when label was most recently removed.
func (h *History) LastUnlabeledAt(label string) (time.Time, bool) {
	return h.LastTimestampFor(func(ev Event) bool {
		return ev.Kind == KindUnlabeled && ev.Label == label
	})
}

// ChangedLabels returns every label that was ever applied or removed, in
// first-touched order, without duplicates.
func (h *History) ChangedLabels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ev := range h.events {
		if ev.Kind != KindLabeled && ev.Kind != KindUnlabeled {
			continue
		}
		if seen[ev.Label] {
			continue
		}
		seen[ev.Label] = true
		out = append(out, ev.Label)
	}
	return out
}

// LabelToggleCount counts how many times label was applied or removed.
func (h *History) LabelToggleCount(label string) int {
	n := 0
	for _, ev := range h.events {
		if (ev.Kind == KindLabeled || ev.Kind == KindUnlabeled) && ev.Label == label {
			n++
		}
	}
	return n
}

// IsLabelWaffling reports whether label has churned past the tolerated
// number of toggle events. Exactly limit toggles is still acceptable; only
// strictly more trips the check.
func (h *History) IsLabelWaffling(label string, limit int) bool {
	if limit <= 0 {
		return false
	}
	return h.LabelToggleCount(label) > limit
}

// Boilerplate is one bot template comment identified by its marker key.
type Boilerplate struct {
	Key       string
	Body      string
	CommentID int64
	CreatedAt time.Time
}

// BoilerplateComments returns every bot comment carrying a boilerplate
// marker, in chronological order.
func (h *History) BoilerplateComments() []Boilerplate {
	var out []Boilerplate
	for _, ev := range h.events {
		if ev.Kind != KindCommented || !h.botLogins[ev.Actor] {
			continue
		}
		key, ok := BoilerplateKey(ev.Body)
		if !ok {
			continue
		}
		out = append(out, Boilerplate{
			Key:       key,
			Body:      ev.Body,
			CommentID: ev.CommentID,
			CreatedAt: ev.CreatedAt,
		})
	}
	return out
}

// LastBoilerplate returns the most recent bot comment for the given
// template key.
func (h *History) LastBoilerplate(key string) (Boilerplate, bool) {
	bps := h.BoilerplateComments()
	for i := len(bps) - 1; i >= 0; i-- {
		if bps[i].Key == key {
			return bps[i], true
		}
	}
	return Boilerplate{}, false
}

// LastBoilerplateDate returns when the given template was last posted.
func (h *History) LastBoilerplateDate(key string) (time.Time, bool) {
	bp, ok := h.LastBoilerplate(key)
	if !ok {
		return time.Time{}, false
	}
	return bp.CreatedAt, true
}

// BoilerplateKey extracts the template key from a comment body, looking for
// the first marker line of the form "<!--- boilerplate: <key> --->".
func BoilerplateKey(body string) (string, bool) {
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(line, BoilerplateMarker) {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == BoilerplateMarker && i+1 < len(fields) {
				return fields[i+1], true
			}
		}
	}
	return "", false
}

// Command is one recognized bot directive issued in a comment or via a
// direct label change.
type Command struct {
	Name      string
	Negated   bool
	Actor     string
	CreatedAt time.Time
}

// CommandsBy scans the stream for directives issued by the given actors.
// Comment bodies contribute a command when they contain the bare command
// token without its "!"-prefixed negation, and the negation when they
// contain only that. Quoted reply bodies (starting with "_From @") and bot
// comments are skipped. Label events by those actors whose label names a
// command count as the command (labeled) or its negation (unlabeled).
// Results are in chronological order.
func (h *History) CommandsBy(actors []string, commands []string) []Command {
	actorSet := make(map[string]bool, len(actors))
	for _, a := range actors {
		actorSet[a] = true
	}
	var out []Command
	for _, ev := range h.events {
		switch ev.Kind {
		case KindCommented:
			if !actorSet[ev.Actor] || h.botLogins[ev.Actor] {
				continue
			}
			if strings.HasPrefix(strings.TrimSpace(ev.Body), "_From @") {
				continue
			}
			tokens := make(map[string]bool)
			for _, tok := range strings.Fields(ev.Body) {
				tokens[tok] = true
			}
			for _, cmd := range commands {
				switch {
				case tokens[cmd] && !tokens["!"+cmd]:
					out = append(out, Command{Name: cmd, Actor: ev.Actor, CreatedAt: ev.CreatedAt})
				case tokens["!"+cmd] && !tokens[cmd]:
					out = append(out, Command{Name: cmd, Negated: true, Actor: ev.Actor, CreatedAt: ev.CreatedAt})
				}
			}
		case KindLabeled, KindUnlabeled:
			if !actorSet[ev.Actor] {
				continue
			}
			for _, cmd := range commands {
				if ev.Label != cmd {
					continue
				}
				out = append(out, Command{
					Name:      cmd,
					Negated:   ev.Kind == KindUnlabeled,
					Actor:     ev.Actor,
					CreatedAt: ev.CreatedAt,
				})
			}
		}
	}
	return out
}

// CommandStatus resolves the final state of a command: the last occurrence
// wins, with a negation turning it off. ok=false means the command was
// never issued.
func (h *History) CommandStatus(name string, actors []string) (active bool, ok bool) {
	for _, cmd := range h.CommandsBy(actors, []string{name}) {
		active, ok = !cmd.Negated, true
	}
	return active, ok
}
