package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
	testdb "github.com/teranos/engage/internal/testing"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
)

// fakeAgent serves canned discovery pages and records every call.
type fakeAgent struct {
	mu sync.Mutex

	// pages per target label; a page past the end is an exhausted empty result
	pages map[string][]agent.DiscoverResult
	// endless makes discovery return unqualified filler forever
	endless bool

	openErr   map[string]error
	openPanic bool
	// blockOpen makes Open wait for the context
	blockOpen bool
	// hold makes Open wait until closed, ignoring the context
	hold   chan struct{}
	opened chan string

	result    func(kind agent.ActionKind, itemID string) (agent.ActionResult, error)
	onPerform func(kind agent.ActionKind, itemID string)

	discoverCalls int
	performed     []string
	params        []agent.ActionParams
	closed        int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		pages:   make(map[string][]agent.DiscoverResult),
		openErr: make(map[string]error),
		opened:  make(chan string, 100),
	}
}

func (f *fakeAgent) Discover(_ context.Context, req agent.DiscoverRequest) (*agent.DiscoverResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverCalls++
	if f.endless {
		return &agent.DiscoverResult{Items: []agent.WorkItem{
			{ID: fmt.Sprintf("filler-%d", req.Page), Metrics: agent.Metrics{Likes: 0}},
		}}, nil
	}
	pages := f.pages[targetLabel(req)]
	if req.Page >= len(pages) {
		return &agent.DiscoverResult{Exhausted: true}, nil
	}
	res := pages[req.Page]
	return &res, nil
}

func (f *fakeAgent) Open(ctx context.Context, item agent.WorkItem) (agent.Handle, error) {
	f.mu.Lock()
	err := f.openErr[item.ID]
	panicking := f.openPanic
	blocking := f.blockOpen
	hold := f.hold
	f.mu.Unlock()

	f.opened <- item.ID
	if panicking {
		panic("browser tab vanished")
	}
	if hold != nil {
		<-hold
	}
	if blocking {
		<-ctx.Done()
		return agent.Handle{}, ctx.Err()
	}
	if err != nil {
		return agent.Handle{}, err
	}
	return agent.Handle{ItemID: item.ID, OpenedAt: time.Now()}, nil
}

func (f *fakeAgent) Perform(_ context.Context, h agent.Handle, kind agent.ActionKind, params agent.ActionParams) (agent.ActionResult, error) {
	f.mu.Lock()
	result := f.result
	hook := f.onPerform
	f.mu.Unlock()

	res := agent.ActionResult{Success: true}
	var err error
	if result != nil {
		res, err = result(kind, h.ItemID)
	}
	if err == nil && (res.Success || res.NoOp) {
		f.mu.Lock()
		f.performed = append(f.performed, string(kind)+":"+h.ItemID)
		f.params = append(f.params, params)
		f.mu.Unlock()
	}
	if hook != nil {
		hook(kind, h.ItemID)
	}
	return res, err
}

func (f *fakeAgent) Close(context.Context, agent.Handle) error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) Performed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.performed...)
}

func (f *fakeAgent) DiscoverCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoverCalls
}

// recordingEmitter keeps every state transition.
type recordingEmitter struct {
	mu       sync.Mutex
	states   []State
	progress []Progress
}

func (r *recordingEmitter) EmitProgress(_ run.Family, p Progress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recordingEmitter) EmitState(_ run.Family, s State, _ *run.Session) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordingEmitter) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recordingEmitter) Steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := make([]string, len(r.progress))
	for i, p := range r.progress {
		steps[i] = p.Step
	}
	return steps
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, agent.CommentContext) (string, error) {
	return "", errors.New("model unavailable")
}

type denyGate struct{}

func (denyGate) Allowed(context.Context, string) bool { return false }

// harness wires an executor to a migrated in-memory database.
type harness struct {
	store   store.Store
	tracker *quota.Tracker
	agent   *fakeAgent
	emitter *recordingEmitter
}

func newHarness(t *testing.T, limits quota.Limits) *harness {
	t.Helper()
	s := store.NewSQLiteStore(testdb.CreateTestDB(t), nil)
	return &harness{
		store:   s,
		tracker: quota.NewTracker(quota.NewKVBackend(s, quota.ModeReset), limits, nil),
		agent:   newFakeAgent(),
		emitter: &recordingEmitter{},
	}
}

func (h *harness) executor(family run.Family, mods ...func(*Deps)) *Executor {
	deps := Deps{
		Store:   h.store,
		Quota:   h.tracker,
		Agent:   h.agent,
		Emitter: h.emitter,
	}
	for _, m := range mods {
		m(&deps)
	}
	return New(family, testConfig(), deps)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func likeSettings(quotaN int, keywords ...string) run.Settings {
	return run.Settings{
		Source:   run.SourceKeyword,
		Keywords: keywords,
		Quota:    quotaN,
		Actions:  run.Actions{Like: true},
	}
}

func item(id string, likes int) agent.WorkItem {
	return agent.WorkItem{
		ID:      id,
		URL:     "https://example.com/posts/" + id,
		Author:  "author-" + id,
		Text:    "post " + id + " about golang",
		Metrics: agent.Metrics{Likes: likes},
	}
}

func requireNoLiveState(t *testing.T, s store.Store, family run.Family) {
	t.Helper()
	active, progress, err := LoadLive(context.Background(), s, family)
	require.NoError(t, err)
	require.Nil(t, active, "active flag must be cleared")
	require.Nil(t, progress, "progress must be cleared")
}
