package history

import "time"

// Kind is the closed set of timeline event variants. Raw API payloads are
// mapped onto this set once, at build time, so downstream code never probes
// loose event dicts.
type Kind string

const (
	KindCommented       Kind = "commented"
	KindLabeled         Kind = "labeled"
	KindUnlabeled       Kind = "unlabeled"
	KindCommitted       Kind = "committed"
	KindReviewed        Kind = "reviewed"
	KindCrossReferenced Kind = "cross-referenced"
	KindReacted         Kind = "reacted"
	KindMerged          Kind = "merged"
	KindClosed          Kind = "closed"
	KindReopened        Kind = "reopened"
	KindAssigned        Kind = "assigned"
	KindMentioned       Kind = "mentioned"
	KindSubscribed      Kind = "subscribed"
	KindReferenced      Kind = "referenced"
)

// Review states carried by KindReviewed events.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewCommented        = "commented"
	ReviewDismissed        = "dismissed"
)

// Event is one normalized timeline occurrence. Only the fields relevant to
// the Kind are populated. Events are immutable once built.
type Event struct {
	Kind      Kind
	Actor     string // empty for system events
	CreatedAt time.Time

	// seq preserves the arrival order of the source pages; it breaks ties
	// deterministically when timestamps collide.
	seq int

	// Kind-specific payload.
	Label       string // labeled, unlabeled
	Body        string // commented, reviewed
	CommentID   int64  // commented
	SHA         string // committed
	Message     string // committed
	ReviewState string // reviewed
	CommitID    string // reviewed, referenced
	Reaction    string // reacted
	SourceURL   string // cross-referenced
	Assignee    string // assigned
	Assigner    string // assigned
}
