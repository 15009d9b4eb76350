package comment

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/ai/openrouter"
	"github.com/teranos/engage/errors"
)

type fakeClient struct {
	reply string
	err   error
	got   openrouter.ChatRequest
	wait  bool
}

func (f *fakeClient) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	f.got = req
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &openrouter.ChatResponse{Content: f.reply}, nil
}

func TestGenerate_BuildsPromptsAndCleansReply(t *testing.T) {
	// Given a model that wraps its reply in quotes
	client := &fakeClient{reply: `"Really useful breakdown of the rollout steps."`}
	g := New(client, Config{Persona: "a platform engineer"}, zap.NewNop().Sugar())

	// When generating for a post
	text, err := g.Generate(context.Background(), agent.CommentContext{
		Author:  "ada",
		Text:    "How we migrated 40 services to Go",
		Keyword: "golang",
	})

	// Then the reply is clean and the prompts carry the context
	require.NoError(t, err)
	assert.Equal(t, "Really useful breakdown of the rollout steps.", text)
	assert.Contains(t, client.got.SystemPrompt, "a platform engineer")
	assert.Contains(t, client.got.SystemPrompt, "At most 280 characters")
	assert.Contains(t, client.got.UserPrompt, "Author: ada")
	assert.Contains(t, client.got.UserPrompt, "Found by searching: golang")
	assert.Contains(t, client.got.UserPrompt, "40 services")
}

func TestGenerate_Errors(t *testing.T) {
	post := agent.CommentContext{Text: "hello"}

	t.Run("no client", func(t *testing.T) {
		_, err := New(nil, Config{}, nil).Generate(context.Background(), post)
		assert.ErrorContains(t, err, "no AI provider")
	})

	t.Run("empty post", func(t *testing.T) {
		_, err := New(&fakeClient{reply: "x"}, Config{}, nil).Generate(context.Background(), agent.CommentContext{Text: "  "})
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("provider failure", func(t *testing.T) {
		_, err := New(&fakeClient{err: errors.New("boom")}, Config{}, nil).Generate(context.Background(), post)
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("blank reply", func(t *testing.T) {
		_, err := New(&fakeClient{reply: ` "" `}, Config{}, nil).Generate(context.Background(), post)
		assert.ErrorContains(t, err, "empty comment")
	})

	t.Run("timeout", func(t *testing.T) {
		g := New(&fakeClient{wait: true}, Config{Timeout: 20 * time.Millisecond}, nil)
		_, err := g.Generate(context.Background(), post)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "Nice one", 280, "Nice one"},
		{"label and quotes", `Reply: "Great thread"`, 280, "Great thread"},
		{"collapses whitespace", "Great\n\n  thread", 280, "Great thread"},
		{"cuts at word boundary", "alpha beta gamma delta", 13, "alpha beta"},
		{"hard cut without spaces", strings.Repeat("x", 20), 5, "xxxxx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in, tt.max))
		})
	}
}

func TestUserPrompt_TruncatesLongPosts(t *testing.T) {
	p := UserPrompt(agent.CommentContext{Text: strings.Repeat("a", maxPostChars+50)})
	assert.Contains(t, p, "...")
	assert.NotContains(t, p, "Author:")
}
