// Package agent defines the collaborators the run engine drives but does not implement:
// the page agent that finds and acts on work items, the feature gate, and the comment
// generator. Page structure, selectors and scripts live entirely behind PageAgent.
package agent

import (
	"context"
	"time"
)

// Metrics are the engagement numbers observed on an item.
type Metrics struct {
	Likes    int `json:"likes" yaml:"likes"`
	Comments int `json:"comments" yaml:"comments"`
}

// WorkItem is one discovered candidate (a post or a profile). It is never persisted
// beyond the run that found it, except as an outcome record in the session.
type WorkItem struct {
	ID      string  `json:"id" yaml:"id"` // dedupe key
	URL     string  `json:"url,omitempty" yaml:"url"`
	Author  string  `json:"author,omitempty" yaml:"author"`
	Text    string  `json:"text,omitempty" yaml:"text"`
	Metrics Metrics `json:"metrics" yaml:"metrics"`
}

// ActionKind is one engagement action.
type ActionKind string

const (
	ActionLike    ActionKind = "like"
	ActionComment ActionKind = "comment"
	ActionShare   ActionKind = "share"
	ActionFollow  ActionKind = "follow"
	ActionConnect ActionKind = "connect"
)

// ActionOrder is the fixed order actions are attempted on an item,
// regardless of the order they were configured in.
var ActionOrder = []ActionKind{ActionLike, ActionComment, ActionShare, ActionFollow, ActionConnect}

// ActionParams carries per-action input. Only Comment uses Text today.
type ActionParams struct {
	Text string `json:"text,omitempty"`
}

// ActionResult reports what an action did.
// NoOp means the agent ran but found nothing to do (button absent, already liked).
type ActionResult struct {
	Success bool   `json:"success"`
	NoOp    bool   `json:"no_op,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// DiscoverRequest describes one discovery attempt.
type DiscoverRequest struct {
	Source  string `json:"source"`            // keyword, feed or url
	Keyword string `json:"keyword,omitempty"` // set when Source is keyword
	URL     string `json:"url,omitempty"`     // set when Source is url
	Page    int    `json:"page"`              // 0-based attempt counter for this target
}

// DiscoverResult is what one scroll or page attempt produced.
type DiscoverResult struct {
	Items []WorkItem `json:"items"`
	// Exhausted reports the source has nothing further to give for this target.
	Exhausted bool `json:"exhausted"`
}

// Handle identifies an opened item. Agents choose what it holds.
type Handle struct {
	ItemID   string
	OpenedAt time.Time
	Ref      any
}

// PageAgent is the capability that touches the social network.
// Calls for one family are strictly sequential.
type PageAgent interface {
	// Discover performs one scroll/page attempt. It may be called repeatedly for the
	// same target and returns a finite batch each time.
	Discover(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error)
	Open(ctx context.Context, item WorkItem) (Handle, error)
	Perform(ctx context.Context, h Handle, kind ActionKind, params ActionParams) (ActionResult, error)
	// Close releases the item. Errors are logged by the caller, never propagated.
	Close(ctx context.Context, h Handle) error
}

// FeatureGate answers plan and permission questions such as "run.keyword"
// or "schedule.people_search".
type FeatureGate interface {
	Allowed(ctx context.Context, feature string) bool
}

// CommentContext is what a generator knows about the post it is replying to.
type CommentContext struct {
	Author  string `json:"author"`
	Text    string `json:"text"`
	Keyword string `json:"keyword,omitempty"`
	URL     string `json:"url,omitempty"`
}

// CommentGenerator writes comment text. Failures fall back to a template at the call site.
type CommentGenerator interface {
	Generate(ctx context.Context, c CommentContext) (string, error)
}
