// Package provider picks the LLM client used for comment generation.
package provider

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/engage/ai/anthropic"
	"github.com/teranos/engage/ai/openrouter"
	"github.com/teranos/engage/am"
	"github.com/teranos/engage/errors"
)

// Provider represents an LLM provider type
type Provider string

const (
	// ProviderOpenRouter uses OpenRouter.ai API
	ProviderOpenRouter Provider = "openrouter"
	// ProviderAnthropic uses direct Anthropic API
	ProviderAnthropic Provider = "anthropic"
	// ProviderAuto picks whichever provider has a key, Anthropic first
	ProviderAuto Provider = "auto"
	// ProviderNone disables AI; comments use templates only
	ProviderNone Provider = "none"
)

// AIClient is what every provider implements.
type AIClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// New returns the client configured by comment.provider. A nil client with
// ProviderNone means comments fall back to templates; that is not an error
// for auto, only for an explicit provider whose key is missing.
func New(cfg *am.Config, logger *zap.SugaredLogger) (AIClient, Provider, error) {
	p, err := ParseProvider(cfg.Comment.Provider)
	if err != nil {
		return nil, ProviderNone, err
	}

	switch p {
	case ProviderNone:
		return nil, ProviderNone, nil
	case ProviderAnthropic:
		if cfg.Anthropic.APIKey == "" {
			return nil, ProviderNone, errors.WithHint(errors.New("comment.provider is anthropic but no API key is set"),
				"set ENGAGE_ANTHROPIC_API_KEY")
		}
		return newAnthropicClient(cfg, logger), ProviderAnthropic, nil
	case ProviderOpenRouter:
		if cfg.OpenRouter.APIKey == "" {
			return nil, ProviderNone, errors.WithHint(errors.New("comment.provider is openrouter but no API key is set"),
				"set ENGAGE_OPENROUTER_API_KEY")
		}
		return newOpenRouterClient(cfg, logger), ProviderOpenRouter, nil
	}

	// auto
	if cfg.Anthropic.APIKey != "" {
		return newAnthropicClient(cfg, logger), ProviderAnthropic, nil
	}
	if cfg.OpenRouter.APIKey != "" {
		return newOpenRouterClient(cfg, logger), ProviderOpenRouter, nil
	}
	return nil, ProviderNone, nil
}

func newAnthropicClient(cfg *am.Config, logger *zap.SugaredLogger) AIClient {
	return anthropic.NewClient(anthropic.Config{
		APIKey:      cfg.Anthropic.APIKey,
		Model:       cfg.Anthropic.Model,
		Temperature: cfg.Anthropic.Temperature,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Logger:      logger,
	})
}

func newOpenRouterClient(cfg *am.Config, logger *zap.SugaredLogger) AIClient {
	return openrouter.NewClient(openrouter.Config{
		APIKey:      cfg.OpenRouter.APIKey,
		Model:       cfg.OpenRouter.Model,
		Temperature: cfg.OpenRouter.Temperature,
		MaxTokens:   cfg.OpenRouter.MaxTokens,
		Logger:      logger,
	})
}

// Available lists providers that have credentials.
func Available(cfg *am.Config) []Provider {
	var providers []Provider
	if cfg.Anthropic.APIKey != "" {
		providers = append(providers, ProviderAnthropic)
	}
	if cfg.OpenRouter.APIKey != "" {
		providers = append(providers, ProviderOpenRouter)
	}
	return providers
}

// ParseProvider converts a string to a Provider type
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openrouter", "or":
		return ProviderOpenRouter, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "auto", "":
		return ProviderAuto, nil
	case "none", "off", "templates":
		return ProviderNone, nil
	default:
		return "", errors.NewInvalidRequestError("unknown provider: %s (valid: openrouter, anthropic, auto, none)", s)
	}
}

var _ AIClient = (*openrouter.Client)(nil)
var _ AIClient = (*anthropic.Client)(nil)
