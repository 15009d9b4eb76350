package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/internal/util"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/store"
)

// haltError ends a run early with a specific terminal status.
type haltError struct {
	status run.Status
	err    error
}

func (h *haltError) Error() string { return h.err.Error() }
func (h *haltError) Unwrap() error { return h.err }

func halt(status run.Status, err error) error {
	return &haltError{status: status, err: err}
}

// candidate is a qualifying item plus the target that found it.
type candidate struct {
	item    agent.WorkItem
	keyword string
}

// execute drives one run to its terminal status. Panics are recovered here so
// the live records are always cleared.
func (e *Executor) execute(ctx context.Context, ar *activeRun, settings run.Settings) {
	w := waiter{stop: ar.stop}
	ctx = logger.WithRunID(ctx, ar.session.ID)

	// A stop also cancels agent calls in flight.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ar.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("Run panicked", logger.FieldRunID, ar.session.ID, "panic", r)
			e.finish(ctx, ar, run.StatusFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	status, msg := e.conclude(runCtx, w, e.phases(runCtx, ar, w, settings))
	e.finish(ctx, ar, status, msg)
}

// conclude maps the error that ended the phases to a terminal status.
func (e *Executor) conclude(ctx context.Context, w waiter, err error) (run.Status, string) {
	var h *haltError
	switch {
	case err == nil:
		return run.StatusCompleted, ""
	case errors.As(err, &h):
		return h.status, userMessage(h.err)
	case w.check(ctx) != nil:
		return run.StatusStopped, ""
	default:
		return run.StatusFailed, userMessage(err)
	}
}

// userMessage is the session error text: the error plus any hints.
func userMessage(err error) string {
	msg := err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}

func (e *Executor) phases(ctx context.Context, ar *activeRun, w waiter, settings run.Settings) error {
	feature := "run." + string(e.family)
	if !e.gate.Allowed(ctx, feature) {
		return halt(run.StatusFailed, errors.WithHintf(
			errors.Wrapf(errors.ErrFeatureDenied, "%s", feature),
			"enable features.%s or upgrade the plan", feature))
	}
	if err := settings.Validate(); err != nil {
		return halt(run.StatusFailed, err)
	}

	if d := settings.Delays.Start.Std(); d > 0 {
		e.report(ctx, ar, 0, settings.Quota, fmt.Sprintf("Starting in %ds", int(d.Seconds())))
		if err := w.sleep(ctx, d); err != nil {
			return err
		}
	}

	candidates, err := e.discover(ctx, ar, w, settings)
	if err != nil {
		return err
	}
	e.log.Pulse("Discovery finished",
		logger.FieldRunID, ar.session.ID,
		"qualifying", len(candidates),
		logger.FieldLimit, settings.Quota,
	)

	return e.process(ctx, ar, w, settings, candidates)
}

// discover collects up to settings.Quota qualifying items across every
// target, deduplicated by item ID, in discovery order.
func (e *Executor) discover(ctx context.Context, ar *activeRun, w waiter, settings run.Settings) ([]candidate, error) {
	seen := make(map[string]bool)
	var found []candidate

	for i, target := range settings.Targets() {
		if len(found) >= settings.Quota {
			break
		}
		if err := w.check(ctx); err != nil {
			return nil, err
		}
		if i > 0 {
			if err := w.sleep(ctx, settings.Delays.BetweenKeywords.Pick()); err != nil {
				return nil, err
			}
		}
		e.report(ctx, ar, 0, settings.Quota, "Discovering "+targetLabel(target))

		var err error
		found, err = e.discoverTarget(ctx, w, target, settings, seen, found)
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// discoverTarget pages through one target until the quota is reached, the
// source is exhausted, or a ceiling fires. Only a stop is returned as an
// error; a target whose discovery keeps failing is logged and abandoned.
func (e *Executor) discoverTarget(ctx context.Context, w waiter, target agent.DiscoverRequest, settings run.Settings, seen map[string]bool, found []candidate) ([]candidate, error) {
	label := targetLabel(target)
	started := e.timeNow()
	lastNew := started

	for page := 0; page < e.cfg.MaxPagesPerTarget; page++ {
		if err := w.check(ctx); err != nil {
			return found, err
		}
		now := e.timeNow()
		if e.cfg.DiscoveryTimeout > 0 && now.Sub(started) >= e.cfg.DiscoveryTimeout {
			e.log.Pulse("Discovery time limit reached", logger.FieldKeyword, label, "pages", page)
			return found, nil
		}
		if e.cfg.DiscoveryIdleTimeout > 0 && now.Sub(lastNew) >= e.cfg.DiscoveryIdleTimeout {
			e.log.Pulse("No new items, moving on", logger.FieldKeyword, label, "pages", page)
			return found, nil
		}

		req := target
		req.Page = page
		var res *agent.DiscoverResult
		_, err := e.cfg.Retry.do(ctx, w,
			func(attempt int, err error) {
				e.log.Warnw("Discovery attempt failed", logger.FieldKeyword, label, logger.FieldAttempt, attempt, logger.FieldError, err)
			},
			func(int) error {
				r, err := e.agent.Discover(ctx, req)
				if err != nil {
					return err
				}
				res = r
				return nil
			})
		if err != nil {
			if stop := w.check(ctx); stop != nil {
				return found, stop
			}
			e.log.Errorw("Discovery failed, skipping target", logger.FieldKeyword, label, logger.FieldError, err)
			return found, nil
		}
		if res == nil {
			return found, nil
		}

		for _, item := range res.Items {
			if item.ID == "" || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			if !settings.Qualification.Evaluate(item) {
				e.log.Debugw("Item did not qualify", logger.FieldItemID, item.ID, "likes", item.Metrics.Likes, "comments", item.Metrics.Comments)
				continue
			}
			found = append(found, candidate{item: item, keyword: target.Keyword})
			lastNew = e.timeNow()
			if len(found) >= settings.Quota {
				return found, nil
			}
		}
		if res.Exhausted {
			return found, nil
		}
	}
	e.log.Pulse("Discovery page limit reached", logger.FieldKeyword, label, logger.FieldLimit, e.cfg.MaxPagesPerTarget)
	return found, nil
}

func targetLabel(t agent.DiscoverRequest) string {
	switch {
	case t.Keyword != "":
		return t.Keyword
	case t.URL != "":
		return t.URL
	}
	return t.Source
}

// process runs the actions on each candidate in order.
func (e *Executor) process(ctx context.Context, ar *activeRun, w waiter, settings run.Settings, candidates []candidate) error {
	total := len(candidates)
	for i, c := range candidates {
		if err := w.check(ctx); err != nil {
			return err
		}
		e.report(ctx, ar, i, total, fmt.Sprintf("Processing item %d of %d", i+1, total))

		outcome, commented, err := e.processItem(ctx, w, settings, c)

		var h *haltError
		counted := outcome.Skipped == "" && (err == nil || (errors.As(err, &h) && len(outcome.Actions) > 0))
		e.mu.Lock()
		ar.session.Items = append(ar.session.Items, outcome)
		if counted {
			ar.session.Processed++
			if outcome.Succeeded() {
				ar.session.Successful++
			}
		}
		snapshot := ar.session.Clone()
		e.mu.Unlock()
		if perr := e.history.Upsert(context.WithoutCancel(ctx), snapshot); perr != nil {
			e.log.Errorw("Failed to persist session", logger.FieldRunID, snapshot.ID, logger.FieldError, perr)
		}
		if err != nil {
			return err
		}

		if i == total-1 {
			break
		}
		if commented && !settings.Delays.CommentCooldown.IsZero() {
			cooldown := settings.Delays.CommentCooldown.Pick()
			err = w.countdown(ctx, cooldown, e.cfg.PollInterval, func(remaining time.Duration) {
				e.report(ctx, ar, i+1, total, waitingStep(remaining))
			})
		} else {
			err = w.sleep(ctx, settings.Delays.BetweenItems.Pick())
		}
		if err != nil {
			return err
		}
	}
	e.report(ctx, ar, total, total, "Done")
	return nil
}

// processItem opens c, performs each enabled action and closes it. The
// returned error ends the run: a stop, or a haltError for quota conditions.
func (e *Executor) processItem(ctx context.Context, w waiter, settings run.Settings, c candidate) (run.ItemOutcome, bool, error) {
	item := c.item
	outcome := run.ItemOutcome{
		ItemID:  item.ID,
		URL:     item.URL,
		Author:  item.Author,
		Excerpt: excerpt(item.Text, 120),
	}
	log := e.log.With(logger.FieldItemID, item.ID)

	var h agent.Handle
	_, err := e.cfg.Retry.do(ctx, w,
		func(attempt int, err error) {
			log.Warnw("Open attempt failed", logger.FieldAttempt, attempt, logger.FieldError, err)
		},
		func(int) error {
			opened, err := e.agent.Open(ctx, item)
			if err != nil {
				return err
			}
			h = opened
			return nil
		})
	if err != nil {
		if stop := w.check(ctx); stop != nil {
			return outcome, false, stop
		}
		log.Warnw("Skipping item, could not open it", logger.FieldError, err)
		outcome.Skipped = "open failed: " + err.Error()
		return outcome, false, nil
	}
	defer func() {
		if err := e.agent.Close(context.WithoutCancel(ctx), h); err != nil {
			log.Warnw("Failed to close item", logger.FieldError, err)
		}
	}()

	commented := false
	for _, kind := range settings.Actions.Kinds() {
		if err := w.check(ctx); err != nil {
			return outcome, commented, err
		}
		if d, ok := settings.Delays.PerAction[kind]; ok {
			if err := w.sleep(ctx, d.Pick()); err != nil {
				return outcome, commented, err
			}
		}

		cat := quota.CategoryFor(kind)
		allowed, err := e.quota.CheckAndReserve(ctx, cat)
		if err != nil {
			return outcome, commented, halt(run.StatusFailed, errors.WithHint(
				errors.Wrap(err, "quota state unreadable"),
				"check the database; actions are refused while counters cannot be read"))
		}
		if !allowed {
			return outcome, commented, halt(run.StatusFailed, e.quota.DenialError(cat))
		}

		var params agent.ActionParams
		if kind == agent.ActionComment {
			params.Text = e.commentText(ctx, settings, c)
		}

		ao, err := e.perform(ctx, w, h, kind, params)
		if err != nil {
			if stop := w.check(ctx); stop != nil {
				return outcome, commented, stop
			}
			ao.Error = err.Error()
			outcome.Actions = append(outcome.Actions, ao)
			log.Warnw("Action failed, skipping it", logger.FieldAction, kind, logger.FieldAttempt, ao.Attempts, logger.FieldError, err)
			continue
		}

		actionLog := logger.AddActionSymbol(log, string(kind))
		if ao.NoOp {
			outcome.Actions = append(outcome.Actions, ao)
			actionLog.Infow("Action already in place, not counted", logger.FieldAction, kind, "detail", ao.Detail)
			continue
		}

		if kind == agent.ActionComment {
			commented = true
		}
		// The action happened; count it even when a stop is racing in.
		inc, err := e.quota.Increment(context.WithoutCancel(ctx), cat)
		if err != nil {
			outcome.Actions = append(outcome.Actions, ao)
			actionLog.Errorw("Action performed but not counted", logger.FieldAction, kind, logger.FieldError, err)
			continue
		}
		ao.Counted = true
		outcome.Actions = append(outcome.Actions, ao)
		actionLog.Infow("Action performed",
			logger.FieldAction, kind,
			logger.FieldCount, inc.Count,
			logger.FieldLimit, inc.Limit,
		)

		if inc.Exceeded {
			policy := e.quota.Policy(cat)
			status := run.StatusStopped
			if policy == quota.PolicyFail {
				status = run.StatusFailed
			}
			return outcome, commented, halt(status, errors.WithHintf(
				errors.Wrapf(errors.ErrQuotaExceeded, "daily %s limit of %d exceeded (count %d)", cat, inc.Limit, inc.Count),
				"another run used the last %s slot", cat))
		}
	}
	return outcome, commented, nil
}

// perform runs one action with the retry budget. An agent result that is
// neither a success nor a no-op counts as a failed attempt.
func (e *Executor) perform(ctx context.Context, w waiter, h agent.Handle, kind agent.ActionKind, params agent.ActionParams) (run.ActionOutcome, error) {
	ao := run.ActionOutcome{Kind: kind, Text: params.Text}
	var res agent.ActionResult
	attempts, err := e.cfg.Retry.do(ctx, w,
		func(attempt int, err error) {
			e.log.Warnw("Action attempt failed", logger.FieldItemID, h.ItemID, logger.FieldAction, kind, logger.FieldAttempt, attempt, logger.FieldError, err)
		},
		func(int) error {
			r, err := e.agent.Perform(ctx, h, kind, params)
			if err != nil {
				return err
			}
			if !r.Success && !r.NoOp {
				return errors.Newf("%s reported failure: %s", kind, r.Detail)
			}
			res = r
			return nil
		})
	ao.Attempts = attempts
	if err != nil {
		return ao, err
	}
	ao.Success = res.Success && !res.NoOp
	ao.NoOp = res.NoOp
	ao.Detail = res.Detail
	return ao, nil
}

// commentText asks the generator first and falls back to a random template.
func (e *Executor) commentText(ctx context.Context, settings run.Settings, c candidate) string {
	if e.comments != nil {
		text, err := e.comments.Generate(ctx, agent.CommentContext{
			Author:  c.item.Author,
			Text:    c.item.Text,
			Keyword: c.keyword,
			URL:     c.item.URL,
		})
		if text = strings.TrimSpace(text); err == nil && text != "" {
			return text
		}
		e.log.Warnw("Comment generation failed, using a template", logger.FieldItemID, c.item.ID, logger.FieldError, err)
	}
	templates := settings.CommentTemplates
	if len(templates) == 0 {
		templates = e.cfg.DefaultCommentTemplates
	}
	return templates[rand.IntN(len(templates))]
}

// report records a progress snapshot in memory, in the store and on the emitter.
func (e *Executor) report(ctx context.Context, ar *activeRun, current, total int, step string) {
	p := Progress{
		SessionID:  ar.session.ID,
		Current:    current,
		Total:      total,
		Percentage: util.Percentage(current, total),
		Step:       step,
		UpdatedAt:  e.timeNow(),
	}
	e.mu.Lock()
	e.progress = &p
	e.mu.Unlock()

	if err := store.SetJSON(ctx, e.store, ProgressKey(e.family), p); err != nil {
		e.log.Warnw("Failed to persist progress", logger.FieldRunID, ar.session.ID, logger.FieldError, err)
	}
	e.emitter.EmitProgress(e.family, p)
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
