package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/internal/util"
)

// Family is an automation family. Each family has its own executor,
// scheduler and live-state records, and families run independently.
type Family string

const (
	FamilyKeyword       Family = "keyword"
	FamilyPeopleSearch  Family = "people_search"
	FamilyProfileImport Family = "profile_import"
)

// Families lists every family in display order.
var Families = []Family{FamilyKeyword, FamilyPeopleSearch, FamilyProfileImport}

// ParseFamily validates a family name.
func ParseFamily(s string) (Family, error) {
	for _, f := range Families {
		if string(f) == s {
			return f, nil
		}
	}
	return "", errors.NewInvalidRequestError("unknown family %q (want keyword, people_search or profile_import)", s)
}

// Source says where a run finds its work items.
type Source string

const (
	SourceKeyword Source = "keyword"
	SourceFeed    Source = "feed"
	SourceURL     Source = "url"
)

// Qualification decides which discovered items are worth acting on.
type Qualification struct {
	MinLikes    int      `json:"min_likes,omitempty" yaml:"min_likes,omitempty" validate:"min=0"`
	MinComments int      `json:"min_comments,omitempty" yaml:"min_comments,omitempty" validate:"min=0"`
	IgnoreTerms []string `json:"ignore_terms,omitempty" yaml:"ignore_terms,omitempty"`
}

// IsZero reports an unset qualification.
func (q Qualification) IsZero() bool {
	return q.MinLikes == 0 && q.MinComments == 0 && len(q.IgnoreTerms) == 0
}

// Evaluate reports whether item meets the thresholds and mentions no ignore term
// in its text or author (case-insensitive).
func (q Qualification) Evaluate(item agent.WorkItem) bool {
	if item.Metrics.Likes < q.MinLikes || item.Metrics.Comments < q.MinComments {
		return false
	}
	for _, term := range q.IgnoreTerms {
		term = strings.TrimSpace(term)
		if util.ContainsFold(item.Text, term) || util.ContainsFold(item.Author, term) {
			return false
		}
	}
	return true
}

// Actions is the set of actions applied to each item. Order of execution is
// always agent.ActionOrder regardless of which are set.
type Actions struct {
	Like    bool `json:"like,omitempty" yaml:"like,omitempty"`
	Comment bool `json:"comment,omitempty" yaml:"comment,omitempty"`
	Share   bool `json:"share,omitempty" yaml:"share,omitempty"`
	Follow  bool `json:"follow,omitempty" yaml:"follow,omitempty"`
	Connect bool `json:"connect,omitempty" yaml:"connect,omitempty"`
}

// Enabled reports whether kind is in the set.
func (a Actions) Enabled(kind agent.ActionKind) bool {
	switch kind {
	case agent.ActionLike:
		return a.Like
	case agent.ActionComment:
		return a.Comment
	case agent.ActionShare:
		return a.Share
	case agent.ActionFollow:
		return a.Follow
	case agent.ActionConnect:
		return a.Connect
	}
	return false
}

// Kinds returns the enabled actions in execution order.
func (a Actions) Kinds() []agent.ActionKind {
	var kinds []agent.ActionKind
	for _, k := range agent.ActionOrder {
		if a.Enabled(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Any reports whether at least one action is enabled.
func (a Actions) Any() bool { return len(a.Kinds()) > 0 }

// Delays are the pauses that pace a run. Every one of them is interruptible.
type Delays struct {
	Start           Duration                   `json:"start,omitempty" yaml:"start,omitempty"`
	BetweenKeywords Range                      `json:"between_keywords,omitempty" yaml:"between_keywords,omitempty"`
	BetweenItems    Range                      `json:"between_items,omitempty" yaml:"between_items,omitempty"`
	CommentCooldown Range                      `json:"comment_cooldown,omitempty" yaml:"comment_cooldown,omitempty"`
	PerAction       map[agent.ActionKind]Range `json:"per_action,omitempty" yaml:"per_action,omitempty"`
}

// Settings are the parameters of one run: what to look for, how many, and what to do.
type Settings struct {
	Source        Source        `json:"source" yaml:"source" validate:"required,oneof=keyword feed url"`
	Keywords      []string      `json:"keywords,omitempty" yaml:"keywords,omitempty" validate:"required_if=Source keyword,dive,required"`
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty" validate:"required_if=Source url,dive,url"`
	Quota         int           `json:"quota" yaml:"quota" validate:"min=1,max=1000"`
	Qualification Qualification `json:"qualification,omitempty" yaml:"qualification,omitempty"`
	Actions       Actions       `json:"actions" yaml:"actions"`
	Delays        Delays        `json:"delays,omitempty" yaml:"delays,omitempty"`
	// CommentTemplates are used when the generator fails; one is picked at random.
	CommentTemplates []string `json:"comment_templates,omitempty" yaml:"comment_templates,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the preconditions a run needs before any side effect:
// a known source, keywords for keyword runs, URLs for url runs, a positive
// quota and at least one action.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return errors.WithHint(
				errors.Wrap(errors.ErrInvalidRequest, strings.Join(msgs, "; ")),
				"check the schedule's settings or the family defaults",
			)
		}
		return errors.Wrap(err, "failed to validate settings")
	}
	if s.Source == SourceKeyword && len(s.Keywords) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "keywords is required")
	}
	if s.Source == SourceURL && len(s.URLs) == 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "urls is required")
	}
	if !s.Actions.Any() {
		return errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "no action enabled"),
			"enable at least one of like, comment, share, follow, connect",
		)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL, got %v", field, fe.Value())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

// Merge returns s with every unset field taken from defaults.
// Actions are taken from defaults only when s enables none.
func (s Settings) Merge(defaults Settings) Settings {
	out := s
	if out.Source == "" {
		out.Source = defaults.Source
	}
	if len(out.Keywords) == 0 {
		out.Keywords = defaults.Keywords
	}
	if len(out.URLs) == 0 {
		out.URLs = defaults.URLs
	}
	if out.Quota == 0 {
		out.Quota = defaults.Quota
	}
	if out.Qualification.IsZero() {
		out.Qualification = defaults.Qualification
	}
	if !out.Actions.Any() {
		out.Actions = defaults.Actions
	}
	if out.Delays.Start == 0 {
		out.Delays.Start = defaults.Delays.Start
	}
	if out.Delays.BetweenKeywords.IsZero() {
		out.Delays.BetweenKeywords = defaults.Delays.BetweenKeywords
	}
	if out.Delays.BetweenItems.IsZero() {
		out.Delays.BetweenItems = defaults.Delays.BetweenItems
	}
	if out.Delays.CommentCooldown.IsZero() {
		out.Delays.CommentCooldown = defaults.Delays.CommentCooldown
	}
	if len(defaults.Delays.PerAction) > 0 {
		merged := make(map[agent.ActionKind]Range, len(defaults.Delays.PerAction))
		for k, v := range defaults.Delays.PerAction {
			merged[k] = v
		}
		for k, v := range out.Delays.PerAction {
			merged[k] = v
		}
		out.Delays.PerAction = merged
	}
	if len(out.CommentTemplates) == 0 {
		out.CommentTemplates = defaults.CommentTemplates
	}
	return out
}

// Describe is the human-readable target used as a session's query.
func (s Settings) Describe() string {
	switch s.Source {
	case SourceKeyword:
		return "keywords: " + strings.Join(s.Keywords, ", ")
	case SourceFeed:
		return "feed"
	case SourceURL:
		if len(s.URLs) == 1 {
			return "url: " + s.URLs[0]
		}
		return fmt.Sprintf("urls: %d", len(s.URLs))
	}
	return string(s.Source)
}

// Targets expands the settings into one discovery request per target.
func (s Settings) Targets() []agent.DiscoverRequest {
	switch s.Source {
	case SourceKeyword:
		reqs := make([]agent.DiscoverRequest, 0, len(s.Keywords))
		for _, kw := range s.Keywords {
			reqs = append(reqs, agent.DiscoverRequest{Source: string(SourceKeyword), Keyword: kw})
		}
		return reqs
	case SourceURL:
		reqs := make([]agent.DiscoverRequest, 0, len(s.URLs))
		for _, u := range s.URLs {
			reqs = append(reqs, agent.DiscoverRequest{Source: string(SourceURL), URL: u})
		}
		return reqs
	case SourceFeed:
		return []agent.DiscoverRequest{{Source: string(SourceFeed)}}
	}
	return nil
}

// DefaultSettings are a family's built-in defaults, used until the user saves their own.
func DefaultSettings(family Family) Settings {
	s := Settings{
		Quota: 10,
		Delays: Delays{
			BetweenKeywords: Range{Min: Duration(20 * time.Second), Max: Duration(45 * time.Second)},
			BetweenItems:    Range{Min: Duration(30 * time.Second), Max: Duration(90 * time.Second)},
			CommentCooldown: Range{Min: Duration(2 * time.Minute), Max: Duration(4 * time.Minute)},
			PerAction: map[agent.ActionKind]Range{
				agent.ActionLike:    {Min: Duration(2 * time.Second), Max: Duration(5 * time.Second)},
				agent.ActionComment: {Min: Duration(5 * time.Second), Max: Duration(10 * time.Second)},
			},
		},
	}
	switch family {
	case FamilyPeopleSearch:
		s.Source = SourceKeyword
		s.Actions = Actions{Connect: true}
	case FamilyProfileImport:
		s.Source = SourceURL
		s.Actions = Actions{Follow: true}
	default:
		s.Source = SourceKeyword
		s.Actions = Actions{Like: true}
		s.Qualification = Qualification{MinLikes: 5}
	}
	return s
}
