// Package reconcile diffs an issue's observed state against the desired
// state computed by the fact plugins and emits the minimal set of actions
// closing the gap. Reconciling a state that already matches yields an empty
// ActionSet, so repeated passes are idempotent.
package reconcile

import (
	"sort"
	"strings"

	"github.com/triagekit/triagebot/internal/triagebot/facts"
	"github.com/triagekit/triagebot/internal/triagebot/github"
	"github.com/triagekit/triagebot/internal/triagebot/history"
)

// BotComment is one bot boilerplate comment currently on the issue.
type BotComment struct {
	ID   int64
	Key  string
	Body string
}

// CurrentState is the observed state an ActionSet is computed against.
type CurrentState struct {
	Labels []string
	// Comments are the bot's boilerplate comments in chronological order.
	Comments []BotComment
	State    string
	Merged   bool
}

// Current builds the observed state from the fetched issue and its history.
func Current(issue *github.Issue, h *history.History) CurrentState {
	cur := CurrentState{
		Labels: issue.Labels,
		State:  issue.State,
		Merged: issue.Merged,
	}
	for _, bp := range h.BoilerplateComments() {
		cur.Comments = append(cur.Comments, BotComment{ID: bp.CommentID, Key: bp.Key, Body: bp.Body})
	}
	return cur
}

// ActionSet is the ordered work a pass must apply to one issue.
type ActionSet struct {
	AddLabels        []string
	RemoveLabels     []string
	Comments         []facts.Comment
	DeleteCommentIDs []int64
	Close            bool
	Merge            bool
}

// Count reports how many individual mutations the set carries.
func (a ActionSet) Count() int {
	n := len(a.AddLabels) + len(a.RemoveLabels) + len(a.Comments) + len(a.DeleteCommentIDs)
	if a.Close {
		n++
	}
	if a.Merge {
		n++
	}
	return n
}

// Reconcile computes the actions turning current into desired. Label names
// are compared after whitespace trimming, case-sensitively. A desired
// boilerplate comment is emitted only when it is not already the most
// recent occurrence of its key with identical content; older duplicates of
// a key are scheduled for deletion.
func Reconcile(current CurrentState, desired *facts.DesiredState) ActionSet {
	var actions ActionSet

	have := make(map[string]bool, len(current.Labels))
	for _, l := range current.Labels {
		have[strings.TrimSpace(l)] = true
	}
	for _, l := range desired.Labels() {
		if !have[strings.TrimSpace(l)] {
			actions.AddLabels = append(actions.AddLabels, l)
		}
	}
	for _, l := range desired.Removals() {
		if have[strings.TrimSpace(l)] {
			actions.RemoveLabels = append(actions.RemoveLabels, l)
		}
	}
	sort.Strings(actions.RemoveLabels)

	last := make(map[string]BotComment, len(current.Comments))
	for _, c := range current.Comments {
		if prev, ok := last[c.Key]; ok && strings.TrimSpace(prev.Body) == strings.TrimSpace(c.Body) {
			actions.DeleteCommentIDs = append(actions.DeleteCommentIDs, prev.ID)
		}
		last[c.Key] = c
	}
	for _, want := range desired.Comments {
		cur, ok := last[want.Key]
		if ok && strings.TrimSpace(cur.Body) == strings.TrimSpace(want.Body) {
			continue
		}
		actions.Comments = append(actions.Comments, want)
	}

	if desired.Close && current.State != "closed" {
		actions.Close = true
	}
	if desired.Merge && !actions.Close && current.State != "closed" && !current.Merged {
		actions.Merge = true
	}
	return actions
}
