// Package fixture is a PageAgent that serves work items from a YAML file.
// It backs dry runs (engage run --fixture items.yaml) and end-to-end tests,
// and never touches the network.
package fixture

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
)

// Item is a work item plus the targets that discover it.
type Item struct {
	agent.WorkItem `yaml:",inline"`
	// Keywords limits keyword discovery to these searches; empty matches any keyword.
	Keywords []string `yaml:"keywords,omitempty"`
	// Sources limits which sources return the item (keyword, feed, url); empty means all.
	Sources []string `yaml:"sources,omitempty"`
}

// File is the on-disk fixture format.
//
//	page_size: 5
//	items:
//	  - id: post-1
//	    author: ada
//	    text: shipping a scheduler in Go
//	    metrics: {likes: 12, comments: 3}
//	    keywords: [golang]
//	fail:
//	  post-1: [comment]
//	noop:
//	  post-2: [like]
type File struct {
	PageSize int                 `yaml:"page_size"`
	Items    []Item              `yaml:"items"`
	Fail     map[string][]string `yaml:"fail,omitempty"` // item id -> actions that error
	NoOp     map[string][]string `yaml:"noop,omitempty"` // item id -> actions with nothing to do
	// ActionDelay simulates page latency on every Perform.
	ActionDelay time.Duration `yaml:"action_delay,omitempty"`
}

// Performed is one action the agent was asked to do.
type Performed struct {
	ItemID string
	Kind   agent.ActionKind
	Text   string
}

// Agent implements agent.PageAgent over a File.
type Agent struct {
	file File

	mu        sync.Mutex
	performed []Performed
	open      map[string]bool
}

var _ agent.PageAgent = (*Agent)(nil)

// Load reads a fixture file from disk.
func Load(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read fixture %s", path)
	}
	return Parse(data)
}

// Parse decodes a fixture and validates item ids.
func Parse(data []byte) (*Agent, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse fixture")
	}
	seen := make(map[string]bool, len(f.Items))
	for i, it := range f.Items {
		if it.ID == "" {
			return nil, errors.NewInvalidRequestError("fixture item %d has no id", i)
		}
		if seen[it.ID] {
			return nil, errors.NewInvalidRequestError("duplicate fixture item %q", it.ID)
		}
		seen[it.ID] = true
	}
	return New(f), nil
}

// New builds an agent from an in-memory fixture.
func New(f File) *Agent {
	if f.PageSize <= 0 {
		f.PageSize = 10
	}
	return &Agent{file: f, open: make(map[string]bool)}
}

// Discover returns page req.Page of the items matching the request.
func (a *Agent) Discover(ctx context.Context, req agent.DiscoverRequest) (*agent.DiscoverResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matched []agent.WorkItem
	for _, it := range a.file.Items {
		if it.matches(req) {
			matched = append(matched, it.WorkItem)
		}
	}

	start := req.Page * a.file.PageSize
	if start >= len(matched) {
		return &agent.DiscoverResult{Exhausted: true}, nil
	}
	end := min(start+a.file.PageSize, len(matched))
	return &agent.DiscoverResult{
		Items:     slices.Clone(matched[start:end]),
		Exhausted: end == len(matched),
	}, nil
}

func (it Item) matches(req agent.DiscoverRequest) bool {
	if len(it.Sources) > 0 && !slices.Contains(it.Sources, req.Source) {
		return false
	}
	switch req.Source {
	case "keyword":
		if len(it.Keywords) == 0 {
			return true
		}
		return slices.ContainsFunc(it.Keywords, func(k string) bool { return strings.EqualFold(k, req.Keyword) })
	case "url":
		return req.URL == "" || it.URL == req.URL
	}
	return true
}

func (a *Agent) Open(ctx context.Context, item agent.WorkItem) (agent.Handle, error) {
	if err := ctx.Err(); err != nil {
		return agent.Handle{}, err
	}
	a.mu.Lock()
	a.open[item.ID] = true
	a.mu.Unlock()
	return agent.Handle{ItemID: item.ID, OpenedAt: time.Now(), Ref: item}, nil
}

func (a *Agent) Perform(ctx context.Context, h agent.Handle, kind agent.ActionKind, params agent.ActionParams) (agent.ActionResult, error) {
	if a.file.ActionDelay > 0 {
		select {
		case <-time.After(a.file.ActionDelay):
		case <-ctx.Done():
			return agent.ActionResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return agent.ActionResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open[h.ItemID] {
		return agent.ActionResult{}, errors.Newf("item %s is not open", h.ItemID)
	}
	if slices.Contains(a.file.Fail[h.ItemID], string(kind)) {
		return agent.ActionResult{}, errors.Newf("fixture: %s on %s failed", kind, h.ItemID)
	}
	if slices.Contains(a.file.NoOp[h.ItemID], string(kind)) {
		return agent.ActionResult{Success: true, NoOp: true, Detail: "nothing to do"}, nil
	}
	a.performed = append(a.performed, Performed{ItemID: h.ItemID, Kind: kind, Text: params.Text})
	return agent.ActionResult{Success: true}, nil
}

func (a *Agent) Close(_ context.Context, h agent.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open[h.ItemID] {
		return errors.Newf("item %s is not open", h.ItemID)
	}
	delete(a.open, h.ItemID)
	return nil
}

// Performed returns every successful, non-noop action so far.
func (a *Agent) Performed() []Performed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.performed)
}

// OpenCount reports items opened but not yet closed.
func (a *Agent) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}
