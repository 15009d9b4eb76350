package run

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
	testdb "github.com/teranos/engage/internal/testing"
	"github.com/teranos/engage/store"
)

func hiringSettings() Settings {
	return Settings{
		Source:   SourceKeyword,
		Keywords: []string{"hiring"},
		Quota:    3,
		Actions:  Actions{Like: true},
	}
}

func TestQualificationEvaluate(t *testing.T) {
	q := Qualification{MinLikes: 10, MinComments: 2, IgnoreTerms: []string{"crypto", " Spam Bot "}}

	cases := []struct {
		name string
		item agent.WorkItem
		want bool
	}{
		{"meets thresholds", agent.WorkItem{Text: "We are hiring", Metrics: agent.Metrics{Likes: 10, Comments: 2}}, true},
		{"too few likes", agent.WorkItem{Metrics: agent.Metrics{Likes: 9, Comments: 5}}, false},
		{"too few comments", agent.WorkItem{Metrics: agent.Metrics{Likes: 50, Comments: 1}}, false},
		{"ignore term in text", agent.WorkItem{Text: "Join our CRYPTO team", Metrics: agent.Metrics{Likes: 50, Comments: 5}}, false},
		{"ignore term in author", agent.WorkItem{Author: "the spam bot", Metrics: agent.Metrics{Likes: 50, Comments: 5}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, q.Evaluate(tc.item))
		})
	}

	assert.True(t, Qualification{}.Evaluate(agent.WorkItem{}), "no thresholds qualifies everything")
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, hiringSettings().Validate())

	noKeywords := hiringSettings()
	noKeywords.Keywords = []string{}
	err := noKeywords.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "keywords is required")

	feed := Settings{Source: SourceFeed, Quota: 5, Actions: Actions{Comment: true}}
	assert.NoError(t, feed.Validate(), "feed runs need no keywords")

	noURL := Settings{Source: SourceURL, Quota: 1, Actions: Actions{Connect: true}}
	assert.Error(t, noURL.Validate())

	badURL := Settings{Source: SourceURL, URLs: []string{"not a url"}, Quota: 1, Actions: Actions{Connect: true}}
	err = badURL.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a URL")

	zeroQuota := hiringSettings()
	zeroQuota.Quota = 0
	err = zeroQuota.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota must be at least 1")

	noActions := hiringSettings()
	noActions.Actions = Actions{}
	err = noActions.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no action enabled")

	badSource := hiringSettings()
	badSource.Source = "inbox"
	assert.Error(t, badSource.Validate())
}

func TestActionsKindsFollowFixedOrder(t *testing.T) {
	a := Actions{Follow: true, Like: true, Connect: true}
	assert.Equal(t, []agent.ActionKind{agent.ActionLike, agent.ActionFollow, agent.ActionConnect}, a.Kinds())
	assert.False(t, Actions{}.Any())
}

func TestSettingsMerge(t *testing.T) {
	defaults := Settings{
		Source:        SourceKeyword,
		Keywords:      []string{"golang"},
		Quota:         10,
		Qualification: Qualification{MinLikes: 5},
		Actions:       Actions{Like: true, Comment: true},
		Delays: Delays{
			BetweenItems: Range{Min: Duration(30 * time.Second), Max: Duration(60 * time.Second)},
			PerAction:    map[agent.ActionKind]Range{agent.ActionLike: Fixed(time.Second), agent.ActionComment: Fixed(2 * time.Second)},
		},
		CommentTemplates: []string{"Great post!"},
	}
	entry := Settings{
		Keywords: []string{"hiring"},
		Quota:    3,
		Delays:   Delays{PerAction: map[agent.ActionKind]Range{agent.ActionLike: Fixed(5 * time.Second)}},
	}

	merged := entry.Merge(defaults)

	assert.Equal(t, SourceKeyword, merged.Source)
	assert.Equal(t, []string{"hiring"}, merged.Keywords)
	assert.Equal(t, 3, merged.Quota)
	assert.Equal(t, 5, merged.Qualification.MinLikes)
	assert.Equal(t, Actions{Like: true, Comment: true}, merged.Actions)
	assert.Equal(t, defaults.Delays.BetweenItems, merged.Delays.BetweenItems)
	assert.Equal(t, Fixed(5*time.Second), merged.Delays.PerAction[agent.ActionLike], "entry overrides default")
	assert.Equal(t, Fixed(2*time.Second), merged.Delays.PerAction[agent.ActionComment])
	assert.Equal(t, []string{"Great post!"}, merged.CommentTemplates)
	assert.Equal(t, Fixed(time.Second), defaults.Delays.PerAction[agent.ActionLike], "defaults not mutated")
}

func TestSettingsDescribeAndTargets(t *testing.T) {
	s := Settings{Source: SourceKeyword, Keywords: []string{"hiring", "golang"}}
	assert.Equal(t, "keywords: hiring, golang", s.Describe())
	require.Len(t, s.Targets(), 2)
	assert.Equal(t, "golang", s.Targets()[1].Keyword)

	assert.Equal(t, "feed", Settings{Source: SourceFeed}.Describe())
	assert.Len(t, Settings{Source: SourceFeed}.Targets(), 1)
	assert.Equal(t, "url: https://example.com/in/ada", Settings{Source: SourceURL, URLs: []string{"https://example.com/in/ada"}}.Describe())
}

func TestDurationEncoding(t *testing.T) {
	var r Range
	require.NoError(t, json.Unmarshal([]byte(`{"min":"30s","max":90}`), &r))
	assert.Equal(t, 30*time.Second, r.Min.Std())
	assert.Equal(t, 90*time.Second, r.Max.Std())

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"min":"30s","max":"1m30s"}`, string(out))

	var y struct {
		Start Duration `yaml:"start"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("start: 2m\n"), &y))
	assert.Equal(t, 2*time.Minute, y.Start.Std())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), new(Duration)))
}

func TestRangePick(t *testing.T) {
	r := Range{Min: Duration(time.Second), Max: Duration(3 * time.Second)}
	for i := 0; i < 50; i++ {
		d := r.Pick()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Equal(t, 2*time.Second, Range{Min: Duration(2 * time.Second)}.Pick(), "max below min is min")
	assert.Equal(t, time.Duration(0), Range{}.Pick())
}

func TestSessionFinalizeOnce(t *testing.T) {
	start := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s := NewSession(FamilyKeyword, hiringSettings(), TriggerSchedule, start)
	require.Equal(t, StatusStarted, s.Status)
	assert.Equal(t, "keywords: hiring", s.Query)
	assert.Equal(t, 3, s.Target)

	assert.True(t, s.Finalize(StatusCompleted, "", start.Add(90*time.Second)))
	assert.False(t, s.Finalize(StatusFailed, "late", start.Add(2*time.Minute)), "second finalize is refused")

	assert.Equal(t, StatusCompleted, s.Status)
	assert.Empty(t, s.Error)
	assert.Equal(t, 90*time.Second, s.Duration.Std())
}

func TestSessionClone(t *testing.T) {
	s := NewSession(FamilyKeyword, hiringSettings(), TriggerManual, time.Now())
	s.Items = []ItemOutcome{{ItemID: "a", Actions: []ActionOutcome{{Kind: agent.ActionLike, Success: true}}}}

	c := s.Clone()
	c.Items[0].Actions[0].Success = false
	c.Processed = 9

	assert.True(t, s.Items[0].Actions[0].Success)
	assert.Equal(t, 0, s.Processed)
}

func newHistory(t *testing.T, limit int) *History {
	return NewHistory(store.NewSQLiteStore(testdb.CreateTestDB(t), nil), limit)
}

func TestHistoryIsBoundedMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t, 0)
	require.Equal(t, DefaultHistoryLimit, h.Limit())

	// Given: 105 sessions inserted oldest to newest
	var ids []string
	for i := 0; i < 105; i++ {
		s := NewSession(FamilyKeyword, hiringSettings(), TriggerManual, time.Now())
		s.Query = fmt.Sprintf("run %d", i)
		ids = append(ids, s.ID)
		require.NoError(t, h.Upsert(ctx, s))
	}

	// Then: exactly 100 remain, newest first, the 5 oldest evicted
	list, err := h.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 100)
	assert.Equal(t, ids[104], list[0].ID)
	assert.Equal(t, ids[5], list[99].ID)
	_, err = h.Get(ctx, ids[4])
	assert.True(t, errors.IsNotFoundError(err))
}

func TestHistoryUpsertUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t, 10)

	first := NewSession(FamilyKeyword, hiringSettings(), TriggerManual, time.Now())
	second := NewSession(FamilyPeopleSearch, hiringSettings(), TriggerManual, time.Now())
	require.NoError(t, h.Upsert(ctx, first))
	require.NoError(t, h.Upsert(ctx, second))

	first.Processed = 2
	first.Finalize(StatusStopped, "", time.Now())
	require.NoError(t, h.Upsert(ctx, first))

	list, err := h.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 2, "update does not duplicate")
	assert.Equal(t, second.ID, list[0].ID, "update keeps position")
	assert.Equal(t, StatusStopped, list[1].Status)
	assert.Equal(t, 2, list[1].Processed)

	onlyPeople, err := h.List(ctx, FamilyPeopleSearch, 0)
	require.NoError(t, err)
	require.Len(t, onlyPeople, 1)
	assert.Equal(t, second.ID, onlyPeople[0].ID)
}

func TestHistoryEmpty(t *testing.T) {
	list, err := newHistory(t, 5).List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("people_search")
	require.NoError(t, err)
	assert.Equal(t, FamilyPeopleSearch, f)

	_, err = ParseFamily("bulk")
	assert.True(t, errors.IsInvalidRequestError(err))
}
