package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/engage/agent"
	"github.com/teranos/engage/agent/chrome"
	"github.com/teranos/engage/agent/fixture"
	"github.com/teranos/engage/ai/provider"
	"github.com/teranos/engage/am"
	"github.com/teranos/engage/comment"
	"github.com/teranos/engage/db"
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/logger"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/pulse/run"
	"github.com/teranos/engage/pulse/schedule"
	"github.com/teranos/engage/store"
)

// engine is every long-lived component of one engage process, wired from config.
type engine struct {
	cfg        *am.Config
	db         *sql.DB
	store      store.Store
	redis      *redis.Client
	tracker    *quota.Tracker
	gate       *agent.StaticGate
	history    *run.History
	executions *schedule.ExecutionLog
	agent      agent.PageAgent
	comments   agent.CommentGenerator
	executors  map[run.Family]*executor.Executor
	schedulers map[run.Family]*schedule.Scheduler
	log        *zap.SugaredLogger
}

// engineOptions override parts of the configured wiring.
type engineOptions struct {
	// FixturePath replaces the configured agent with a fixture agent.
	FixturePath string
	Emitter     executor.ProgressEmitter
	Notifier    schedule.Notifier
	// Schedulers builds a scheduler per family, backed by the executors.
	Schedulers bool
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// openStore opens the database and the KV store over it.
func openStore(cfg *am.Config) (*sql.DB, store.Store, error) {
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return database, store.NewSQLiteStore(database, logger.Logger), nil
}

// newQuotaBackend picks the counter storage for quota.mode.
func newQuotaBackend(ctx context.Context, cfg *am.Config, s store.Store) (quota.Backend, *redis.Client, error) {
	mode := cfg.QuotaMode()
	if mode != quota.ModeRedis {
		return quota.NewKVBackend(s, mode), nil, nil
	}
	client, err := quota.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, errors.WithHint(err, "start Redis or set quota.mode = \"reset\"")
	}
	return quota.NewRedisBackend(client, cfg.Redis.KeyPrefix), client, nil
}

// newPageAgent builds the configured PageAgent, or a fixture agent when a path is given.
func newPageAgent(cfg *am.Config, fixturePath string) (agent.PageAgent, error) {
	if fixturePath == "" && cfg.Agent.Kind == "fixture" {
		fixturePath = cfg.Agent.Fixture
	}
	if fixturePath != "" {
		return fixture.Load(fixturePath)
	}

	c := cfg.Agent.Chrome
	return chrome.New(chrome.Config{
		UserDataDir:          c.UserDataDir,
		Headless:             c.Headless,
		ExecPath:             c.ExecPath,
		SearchURL:            c.SearchURL,
		FeedURL:              c.FeedURL,
		NavigationsPerMinute: c.NavigationsPerMinute,
		MinAvailableMemoryMB: c.MinAvailableMemoryMB,
		PageLoadTimeout:      time.Duration(c.PageLoadTimeoutSeconds) * time.Second,
		ExtractScript:        c.ExtractScript,
		ScrollScript:         c.ScrollScript,
		ActionScripts:        c.ActionScripts,
	}, logger.ComponentLogger("agent.chrome"))
}

// newCommentGenerator returns nil when no AI provider is configured, which
// makes executors fall back to templates.
func newCommentGenerator(cfg *am.Config, log *zap.SugaredLogger) (agent.CommentGenerator, error) {
	client, p, err := provider.New(cfg, logger.ComponentLogger("ai"))
	if err != nil {
		return nil, err
	}
	if client == nil {
		log.Infow("No AI provider configured, comments use templates")
		return nil, nil
	}
	log.Infow("Comment generation enabled", "provider", p)
	return comment.New(client, comment.Config{
		Persona:   cfg.Comment.Persona,
		MaxLength: cfg.Comment.MaxLength,
		Timeout:   time.Duration(cfg.Comment.TimeoutSeconds) * time.Second,
	}, logger.ComponentLogger("comment")), nil
}

// newEngine wires every component. Close releases what it opened.
func newEngine(ctx context.Context, cfg *am.Config, opts engineOptions) (*engine, error) {
	e := &engine{cfg: cfg, log: logger.AddPulseSymbol(logger.ComponentLogger("engage"))}

	var err error
	e.db, e.store, err = openStore(cfg)
	if err != nil {
		return nil, err
	}

	backend, redisClient, err := newQuotaBackend(ctx, cfg, e.store)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.redis = redisClient
	e.tracker = quota.NewTracker(backend, cfg.QuotaLimits(), logger.ComponentLogger("pulse.quota"))
	e.tracker.SetPolicies(cfg.ExceededPolicies())

	flags, err := cfg.FeatureFlags()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.gate = agent.NewStaticGate(flags, true)

	e.history = run.NewHistory(e.store, cfg.Executor.HistoryLimit)
	e.executions = schedule.NewExecutionLog(e.store, cfg.Scheduler.HistoryLimit)

	if e.agent, err = newPageAgent(cfg, opts.FixturePath); err != nil {
		e.Close()
		return nil, err
	}
	if e.comments, err = newCommentGenerator(cfg, e.log); err != nil {
		e.Close()
		return nil, err
	}

	execCfg := cfg.ExecutorConfig()
	e.executors = make(map[run.Family]*executor.Executor, len(run.Families))
	for _, family := range run.Families {
		e.executors[family] = executor.New(family, execCfg, executor.Deps{
			Store:    e.store,
			History:  e.history,
			Quota:    e.tracker,
			Agent:    e.agent,
			Gate:     e.gate,
			Comments: e.comments,
			Emitter:  opts.Emitter,
			Logger:   logger.ComponentLogger("pulse.executor"),
		})
	}

	if opts.Schedulers {
		schedCfg := cfg.SchedulerConfig()
		e.schedulers = make(map[run.Family]*schedule.Scheduler, len(run.Families))
		for _, family := range run.Families {
			e.schedulers[family] = schedule.New(family, run.DefaultSettings(family), schedCfg, schedule.Deps{
				Store:      e.store,
				Runner:     e.executors[family],
				Gate:       e.gate,
				Notifier:   opts.Notifier,
				Executions: e.executions,
				Logger:     logger.ComponentLogger("pulse.schedule"),
			})
		}
	}
	return e, nil
}

// recoverInterrupted finalizes runs a previous process left behind.
func (e *engine) recoverInterrupted(ctx context.Context) {
	for _, family := range run.Families {
		sess, err := e.executors[family].RecoverInterrupted(ctx)
		if err != nil {
			e.log.Warnw("Failed to recover interrupted run", logger.FieldFamily, family, logger.FieldError, err)
			continue
		}
		if sess != nil {
			e.log.Infow("Marked interrupted run as failed", logger.FieldFamily, family, logger.FieldRunID, sess.ID)
		}
	}
}

// applyConfig pushes hot-reloadable settings into running components.
func (e *engine) applyConfig(cfg *am.Config) error {
	e.tracker.SetLimits(cfg.QuotaLimits())
	e.tracker.SetPolicies(cfg.ExceededPolicies())

	flags, err := cfg.FeatureFlags()
	if err != nil {
		return err
	}
	e.gate.Set(flags)

	bh, err := cfg.BusinessHoursConfig()
	if err != nil {
		return err
	}
	for _, sc := range e.schedulers {
		sc.SetBusinessHours(bh)
	}
	e.cfg = cfg
	e.log.Infow("Configuration reloaded", "quota_limits", len(cfg.QuotaLimits()), "business_hours", bh.Enabled)
	return nil
}

// Close releases the browser, Redis and the database.
func (e *engine) Close() {
	if a, ok := e.agent.(*chrome.Agent); ok {
		a.Shutdown()
	}
	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}
