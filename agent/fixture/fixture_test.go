package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/engage/agent"
)

const sample = `
page_size: 2
items:
  - id: p1
    author: ada
    text: go schedulers
    metrics: {likes: 12, comments: 3}
    keywords: [golang]
  - id: p2
    author: bob
    text: rust async
    metrics: {likes: 4}
    keywords: [rust]
  - id: p3
    author: cy
    text: generic post
  - id: p4
    url: https://example.com/in/dana
    sources: [url]
fail:
  p3: [comment]
noop:
  p1: [like]
`

func TestParse_Discover(t *testing.T) {
	a, err := Parse([]byte(sample))
	require.NoError(t, err)
	ctx := context.Background()

	// Given a keyword search for golang
	page0, err := a.Discover(ctx, agent.DiscoverRequest{Source: "keyword", Keyword: "GoLang"})
	require.NoError(t, err)

	// Then keyword-tagged and untagged items match, url-only items do not
	require.Len(t, page0.Items, 2)
	assert.Equal(t, "p1", page0.Items[0].ID)
	assert.Equal(t, 12, page0.Items[0].Metrics.Likes)
	assert.Equal(t, "p3", page0.Items[1].ID)
	assert.True(t, page0.Exhausted)

	// And the feed pages through everything not restricted by source
	feed0, err := a.Discover(ctx, agent.DiscoverRequest{Source: "feed"})
	require.NoError(t, err)
	assert.Len(t, feed0.Items, 2)
	assert.False(t, feed0.Exhausted)
	feed1, err := a.Discover(ctx, agent.DiscoverRequest{Source: "feed", Page: 1})
	require.NoError(t, err)
	assert.Len(t, feed1.Items, 1)
	assert.True(t, feed1.Exhausted)
	feed2, err := a.Discover(ctx, agent.DiscoverRequest{Source: "feed", Page: 2})
	require.NoError(t, err)
	assert.Empty(t, feed2.Items)
	assert.True(t, feed2.Exhausted)

	// And url discovery finds the profile
	byURL, err := a.Discover(ctx, agent.DiscoverRequest{Source: "url", URL: "https://example.com/in/dana"})
	require.NoError(t, err)
	require.Len(t, byURL.Items, 1)
	assert.Equal(t, "p4", byURL.Items[0].ID)
}

func TestPerform(t *testing.T) {
	a, err := Parse([]byte(sample))
	require.NoError(t, err)
	ctx := context.Background()

	h1, err := a.Open(ctx, agent.WorkItem{ID: "p1"})
	require.NoError(t, err)
	h3, err := a.Open(ctx, agent.WorkItem{ID: "p3"})
	require.NoError(t, err)
	assert.Equal(t, 2, a.OpenCount())

	res, err := a.Perform(ctx, h1, agent.ActionLike, agent.ActionParams{})
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	res, err = a.Perform(ctx, h1, agent.ActionComment, agent.ActionParams{Text: "nice"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.NoOp)

	_, err = a.Perform(ctx, h3, agent.ActionComment, agent.ActionParams{Text: "x"})
	assert.Error(t, err)

	require.NoError(t, a.Close(ctx, h1))
	require.NoError(t, a.Close(ctx, h3))
	assert.Error(t, a.Close(ctx, h3), "double close")
	assert.Zero(t, a.OpenCount())

	_, err = a.Perform(ctx, h1, agent.ActionLike, agent.ActionParams{})
	assert.Error(t, err, "closed item")

	assert.Equal(t, []Performed{{ItemID: "p1", Kind: agent.ActionComment, Text: "nice"}}, a.Performed())
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("items:\n  - text: no id\n"))
	assert.ErrorContains(t, err, "no id")

	_, err = Parse([]byte("items:\n  - id: a\n  - id: a\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte("items: [oops"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	a, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, a.file.Items, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDiscover_Cancelled(t *testing.T) {
	a := New(File{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Discover(ctx, agent.DiscoverRequest{Source: "feed"})
	assert.ErrorIs(t, err, context.Canceled)
}
