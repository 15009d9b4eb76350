// Package chrome is a PageAgent that drives a real Chrome through chromedp.
// It knows nothing about any particular site: discovery, scrolling and every
// action are JavaScript snippets supplied by configuration.
package chrome

import (
	"context"
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
)

// DefaultUserAgent is a realistic desktop Chrome user agent
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config describes the browser and the site scripts.
type Config struct {
	UserDataDir string // persistent profile, keeps the login session
	Headless    bool
	ExecPath    string
	// SearchURL is the keyword search page; {keyword} is replaced by the escaped keyword.
	SearchURL string
	FeedURL   string

	NavigationsPerMinute int
	MinAvailableMemoryMB int
	PageLoadTimeout      time.Duration

	// ExtractScript evaluates to an array of {id, url, author, text, likes, comments}.
	// likes and comments may be numbers or display strings like "1.2K".
	ExtractScript string
	// ScrollScript loads the next batch; it may evaluate to false when nothing more can load.
	ScrollScript string
	// ActionScripts maps action kind to a function expression called with
	// {item, text} and returning {success, noop, detail}.
	ActionScripts map[string]string
}

// Agent implements agent.PageAgent with one browser tab.
type Agent struct {
	cfg     Config
	log     *zap.SugaredLogger
	limiter *rate.Limiter

	// availableMemory is swapped in tests.
	availableMemory func() (uint64, error)

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	seen          map[string]map[string]bool // target -> ids returned so far
}

var _ agent.PageAgent = (*Agent)(nil)

// New validates cfg and returns an agent. The browser starts on first use.
func New(cfg Config, log *zap.SugaredLogger) (*Agent, error) {
	if cfg.ExtractScript == "" {
		return nil, errors.WithHint(errors.New("chrome agent needs an extract script"),
			"set agent.chrome.extract_script in am.toml")
	}
	if cfg.NavigationsPerMinute <= 0 {
		cfg.NavigationsPerMinute = 6
	}
	if cfg.PageLoadTimeout <= 0 {
		cfg.PageLoadTimeout = 45 * time.Second
	}
	if log == nil {
		log = logger.ComponentLogger("agent.chrome")
	}
	return &Agent{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.NavigationsPerMinute)), 1),
		availableMemory: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		seen: make(map[string]map[string]bool),
	}, nil
}

// allocatorOptions returns chromedp flags that keep the automated browser close to a normal one.
func (a *Agent) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(DefaultUserAgent),
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if a.cfg.Headless {
		opts = append(opts, chromedp.Flag("disable-gpu", true))
	}
	if a.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(a.cfg.UserDataDir))
	}
	if a.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(a.cfg.ExecPath))
	}
	return opts
}

// checkMemory refuses to launch a browser when the host is short on memory.
func (a *Agent) checkMemory() error {
	if a.cfg.MinAvailableMemoryMB <= 0 {
		return nil
	}
	avail, err := a.availableMemory()
	if err != nil {
		a.log.Warnw("Could not read available memory, launching anyway", logger.FieldError, err)
		return nil
	}
	availMB := avail / (1024 * 1024)
	if availMB < uint64(a.cfg.MinAvailableMemoryMB) {
		return errors.WithHintf(
			errors.Newf("only %d MB memory available, %d MB required to start Chrome", availMB, a.cfg.MinAvailableMemoryMB),
			"close other applications or lower agent.chrome.min_available_memory_mb")
	}
	return nil
}

// browser starts Chrome if needed and returns the long-lived tab context.
func (a *Agent) browser() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.browserCtx != nil && a.browserCtx.Err() == nil {
		return a.browserCtx, nil
	}
	if err := a.checkMemory(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), a.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, errors.Wrap(err, "failed to start Chrome")
	}
	a.allocCancel, a.browserCtx, a.browserCancel = allocCancel, browserCtx, browserCancel
	a.log.Infow("Chrome started", "headless", a.cfg.Headless, "profile", a.cfg.UserDataDir)
	return browserCtx, nil
}

// run executes actions on the tab, bounded by the page-load timeout and the caller's ctx.
func (a *Agent) run(ctx context.Context, actions ...chromedp.Action) error {
	bctx, err := a.browser()
	if err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(bctx, a.cfg.PageLoadTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tctx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (a *Agent) navigate(ctx context.Context, target string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	a.log.Debugw("Navigating", "url", target)
	return a.run(ctx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// TargetURL resolves the page a discovery request starts from.
func (a *Agent) TargetURL(req agent.DiscoverRequest) (string, error) {
	switch req.Source {
	case "keyword":
		if a.cfg.SearchURL == "" {
			return "", errors.NewInvalidRequestError("agent.chrome.search_url is not set")
		}
		return strings.ReplaceAll(a.cfg.SearchURL, "{keyword}", url.QueryEscape(req.Keyword)), nil
	case "feed":
		if a.cfg.FeedURL == "" {
			return "", errors.NewInvalidRequestError("agent.chrome.feed_url is not set")
		}
		return a.cfg.FeedURL, nil
	case "url":
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", errors.NewInvalidRequestError("invalid target url %q", req.URL)
		}
		return u.String(), nil
	}
	return "", errors.NewInvalidRequestError("unknown source %q", req.Source)
}

type rawItem struct {
	ID       string          `json:"id"`
	URL      string          `json:"url"`
	Author   string          `json:"author"`
	Text     string          `json:"text"`
	Likes    json.RawMessage `json:"likes"`
	Comments json.RawMessage `json:"comments"`
}

// Discover loads the target on page 0 and scrolls on later pages. A page
// that yields no id not seen before for this target ends the target.
func (a *Agent) Discover(ctx context.Context, req agent.DiscoverRequest) (*agent.DiscoverResult, error) {
	target, err := a.TargetURL(req)
	if err != nil {
		return nil, err
	}

	if req.Page == 0 {
		a.mu.Lock()
		a.seen[target] = make(map[string]bool)
		a.mu.Unlock()
		if err := a.navigate(ctx, target); err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", target)
		}
	} else if a.cfg.ScrollScript != "" {
		var more any
		if err := a.run(ctx, chromedp.Evaluate(a.cfg.ScrollScript, &more)); err != nil {
			return nil, errors.Wrap(err, "scroll script failed")
		}
		if b, ok := more.(bool); ok && !b {
			return &agent.DiscoverResult{Exhausted: true}, nil
		}
	}

	var raw []rawItem
	if err := a.run(ctx, chromedp.Evaluate(a.cfg.ExtractScript, &raw)); err != nil {
		return nil, errors.Wrap(err, "extract script failed")
	}

	a.mu.Lock()
	seen := a.seen[target]
	if seen == nil {
		seen = make(map[string]bool)
		a.seen[target] = seen
	}
	items := make([]agent.WorkItem, 0, len(raw))
	fresh := 0
	for _, r := range raw {
		if r.ID == "" {
			continue
		}
		if !seen[r.ID] {
			fresh++
			seen[r.ID] = true
		}
		items = append(items, agent.WorkItem{
			ID:     r.ID,
			URL:    r.URL,
			Author: r.Author,
			Text:   strings.TrimSpace(r.Text),
			Metrics: agent.Metrics{
				Likes:    ParseMetric(r.Likes),
				Comments: ParseMetric(r.Comments),
			},
		})
	}
	a.mu.Unlock()

	return &agent.DiscoverResult{
		Items:     items,
		Exhausted: req.Page > 0 && fresh == 0,
	}, nil
}

// Open navigates to the item when it has its own page; otherwise the action
// runs against the list the item was discovered on.
func (a *Agent) Open(ctx context.Context, item agent.WorkItem) (agent.Handle, error) {
	if item.URL != "" {
		if err := a.navigate(ctx, item.URL); err != nil {
			return agent.Handle{}, errors.Wrapf(err, "failed to open %s", item.ID)
		}
	}
	return agent.Handle{ItemID: item.ID, OpenedAt: time.Now(), Ref: item}, nil
}

type actionResult struct {
	Success bool   `json:"success"`
	NoOp    bool   `json:"noop"`
	Detail  string `json:"detail"`
}

func (a *Agent) Perform(ctx context.Context, h agent.Handle, kind agent.ActionKind, params agent.ActionParams) (agent.ActionResult, error) {
	script, ok := a.cfg.ActionScripts[string(kind)]
	if !ok || strings.TrimSpace(script) == "" {
		return agent.ActionResult{}, errors.WithHintf(errors.Newf("no script for action %s", kind),
			"set agent.chrome.action_scripts.%s in am.toml", kind)
	}
	item, _ := h.Ref.(agent.WorkItem)
	if item.ID == "" {
		item.ID = h.ItemID
	}
	expr, err := CallExpression(script, item, params)
	if err != nil {
		return agent.ActionResult{}, err
	}

	var res actionResult
	if err := a.run(ctx, chromedp.Evaluate(expr, &res, awaitPromise)); err != nil {
		return agent.ActionResult{}, errors.Wrapf(err, "%s on %s failed", kind, h.ItemID)
	}
	return agent.ActionResult{Success: res.Success, NoOp: res.NoOp, Detail: res.Detail}, nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// Close is a no-op: the tab is reused and the next navigation replaces the item page.
func (a *Agent) Close(context.Context, agent.Handle) error { return nil }

// Shutdown closes the browser.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.browserCancel != nil {
		a.browserCancel()
		a.allocCancel()
		a.browserCtx, a.browserCancel, a.allocCancel = nil, nil, nil
		a.log.Infow("Chrome stopped")
	}
}

// CallExpression wraps an action script so it is invoked with the item and params as JSON.
func CallExpression(script string, item agent.WorkItem, params agent.ActionParams) (string, error) {
	arg, err := json.Marshal(map[string]any{"item": item, "text": params.Text})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode action arguments")
	}
	return "(" + strings.TrimSpace(script) + ")(" + string(arg) + ")", nil
}

// ParseMetric reads a count that is either a JSON number or a display string
// such as "1,234", "1.2K" or "3M". Anything unreadable is 0.
func ParseMetric(raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	return parseDisplayCount(s)
}

func parseDisplayCount(s string) int {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1_000
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1_000_000
		s = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(math.Round(f * mult))
}
