package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticGate(t *testing.T) {
	ctx := context.Background()
	g := NewStaticGate(map[string]bool{
		"schedule":               true,
		"schedule.people_search": false,
		"run.profile_import":     false,
	}, true)

	assert.True(t, g.Allowed(ctx, "schedule.keyword"), "prefix grants children")
	assert.False(t, g.Allowed(ctx, "schedule.people_search"), "exact entry wins over prefix")
	assert.False(t, g.Allowed(ctx, "run.profile_import"))
	assert.True(t, g.Allowed(ctx, "run.keyword"), "unlisted falls back to default")

	g.Set(map[string]bool{"run": false})
	assert.False(t, g.Allowed(ctx, "run.keyword"), "reload replaces the map")
	assert.True(t, g.Allowed(ctx, "schedule.people_search"))
}

func TestStaticGateDefaultDeny(t *testing.T) {
	g := NewStaticGate(nil, false)
	assert.False(t, g.Allowed(context.Background(), "run.keyword"))
	assert.True(t, AllowAll{}.Allowed(context.Background(), "anything"))
}

func TestActionOrderIsFixed(t *testing.T) {
	assert.Equal(t, []ActionKind{ActionLike, ActionComment, ActionShare, ActionFollow, ActionConnect}, ActionOrder)
}
