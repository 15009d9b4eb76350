package agent

import (
	"context"
	"strings"
	"sync"
)

// StaticGate is a FeatureGate backed by a map loaded from configuration.
// Features not listed fall back to Default. A listed prefix ("schedule")
// applies to every feature below it ("schedule.keyword") unless the exact
// feature is listed too.
type StaticGate struct {
	mu       sync.RWMutex
	features map[string]bool
	Default  bool
}

// NewStaticGate builds a gate from explicit feature flags.
func NewStaticGate(features map[string]bool, def bool) *StaticGate {
	g := &StaticGate{Default: def}
	g.Set(features)
	return g
}

// Set replaces the feature map; used on config reload.
func (g *StaticGate) Set(features map[string]bool) {
	copied := make(map[string]bool, len(features))
	for k, v := range features {
		copied[k] = v
	}
	g.mu.Lock()
	g.features = copied
	g.mu.Unlock()
}

func (g *StaticGate) Allowed(_ context.Context, feature string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for f := feature; f != ""; {
		if v, ok := g.features[f]; ok {
			return v
		}
		i := strings.LastIndexByte(f, '.')
		if i < 0 {
			break
		}
		f = f[:i]
	}
	return g.Default
}

// AllowAll permits every feature.
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, string) bool { return true }
