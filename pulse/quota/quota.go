// Package quota keeps per-category daily action counters and answers whether
// another action is allowed today.
//
// Counters are keyed by local calendar date. Counts for a date other than
// today are never incremented, and the first read on a new day resets the
// counters before any check is honored. A configured limit whose counters
// cannot be read denies the action (fail-closed); a category with no limit
// is always allowed without touching storage.
package quota

import (
	"github.com/teranos/engage/agent"
)

// Category is an action type tracked against a daily limit.
type Category string

const (
	Likes       Category = "likes"
	Comments    Category = "comments"
	Shares      Category = "shares"
	Follows     Category = "follows"
	Connections Category = "connections"
)

// Categories lists every tracked category in display order.
var Categories = []Category{Likes, Comments, Shares, Follows, Connections}

// CategoryFor maps an engagement action to the quota it consumes.
func CategoryFor(kind agent.ActionKind) Category {
	switch kind {
	case agent.ActionLike:
		return Likes
	case agent.ActionComment:
		return Comments
	case agent.ActionShare:
		return Shares
	case agent.ActionFollow:
		return Follows
	case agent.ActionConnect:
		return Connections
	}
	return Category(kind)
}

// Valid reports whether c is one of the tracked categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Counts holds one day's counters.
type Counts map[Category]int

// Limits maps categories to their daily limit. An absent category is
// unlimited; a limit of 0 allows nothing.
type Limits map[Category]int

// ExceededPolicy decides the terminal status of a run that discovers
// mid-run that a category went over its limit.
type ExceededPolicy string

const (
	PolicyStop ExceededPolicy = "stopped"
	PolicyFail ExceededPolicy = "failed"
)

// DateLayout is the calendar-date format used in keys and records.
const DateLayout = "2006-01-02"
