// Package comment writes reply text for the comment action with an LLM.
// When it fails the executor falls back to a canned template.
package comment

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/ai/openrouter"
	"github.com/teranos/engage/ai/provider"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
)

// DefaultPersona is used when comment.persona is empty.
const DefaultPersona = "a friendly professional who reads carefully and replies with one specific, genuine observation"

// maxPostChars bounds how much of the post goes into the prompt.
const maxPostChars = 2000

// Config controls generation.
type Config struct {
	Persona   string
	MaxLength int           // runes; 0 means 280
	Timeout   time.Duration // per generation; 0 means 30s
}

// Generator implements agent.CommentGenerator on top of an AI client.
type Generator struct {
	client provider.AIClient
	cfg    Config
	log    *zap.SugaredLogger
}

// New builds a generator. A nil client is allowed; Generate then always
// errors and callers use templates.
func New(client provider.AIClient, cfg Config, log *zap.SugaredLogger) *Generator {
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 280
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.ComponentLogger("comment")
	}
	return &Generator{client: client, cfg: cfg, log: log}
}

var _ agent.CommentGenerator = (*Generator)(nil)

// Generate asks the model for a reply to c.
func (g *Generator) Generate(ctx context.Context, c agent.CommentContext) (string, error) {
	if g.client == nil {
		return "", errors.New("no AI provider configured")
	}
	if strings.TrimSpace(c.Text) == "" {
		return "", errors.NewInvalidRequestError("post has no text to reply to")
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Chat(ctx, openrouter.ChatRequest{
		SystemPrompt: SystemPrompt(g.cfg.Persona, g.cfg.MaxLength),
		UserPrompt:   UserPrompt(c),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to generate comment")
	}

	text := Clean(resp.Content, g.cfg.MaxLength)
	if text == "" {
		return "", errors.New("model returned an empty comment")
	}
	g.log.Debugw("Comment generated",
		"author", c.Author,
		"chars", utf8.RuneCountInString(text),
		"tokens", resp.Usage.TotalTokens,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return text, nil
}

// SystemPrompt describes the persona and the output rules.
func SystemPrompt(persona string, maxLength int) string {
	var sb strings.Builder
	sb.WriteString("You write short replies to social media posts.\n\n")
	sb.WriteString(fmt.Sprintf("Write as %s.\n\n", persona))
	sb.WriteString("## Rules\n")
	sb.WriteString(fmt.Sprintf("- At most %d characters.\n", maxLength))
	sb.WriteString("- Respond to something the post actually says.\n")
	sb.WriteString("- No hashtags, no links, no emojis, no quotation marks.\n")
	sb.WriteString("- Never mention that you are an assistant or a bot.\n")
	sb.WriteString("- Output only the reply text.\n")
	return sb.String()
}

// UserPrompt presents the post being replied to.
func UserPrompt(c agent.CommentContext) string {
	var sb strings.Builder
	sb.WriteString("## Post\n")
	if c.Author != "" {
		sb.WriteString(fmt.Sprintf("Author: %s\n", c.Author))
	}
	if c.Keyword != "" {
		sb.WriteString(fmt.Sprintf("Found by searching: %s\n", c.Keyword))
	}
	sb.WriteString(fmt.Sprintf("Content: %s\n\n", truncate(strings.TrimSpace(c.Text), maxPostChars)))
	sb.WriteString("Write the reply.")
	return sb.String()
}

// Clean strips wrapping quotes, a leading "Reply:" label and surrounding
// whitespace, then cuts the text to maxLength runes at a word boundary.
func Clean(text string, maxLength int) string {
	text = strings.TrimSpace(text)
	for _, label := range []string{"Reply:", "Comment:"} {
		if len(text) >= len(label) && strings.EqualFold(text[:len(label)], label) {
			text = strings.TrimSpace(text[len(label):])
		}
	}
	for len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			text = strings.TrimSpace(text[1 : len(text)-1])
			continue
		}
		break
	}
	text = strings.Join(strings.Fields(text), " ")

	if utf8.RuneCountInString(text) <= maxLength {
		return text
	}
	cut := []rune(text)[:maxLength]
	if i := strings.LastIndexByte(string(cut), ' '); i > maxLength/2 {
		return strings.TrimRight(string(cut)[:i], " ,;:-")
	}
	return string(cut)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
