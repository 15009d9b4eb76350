package am

import (
	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/hours"
	"github.com/teranos/engage/pulse/quota"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d (omit for default port %d)", *c.Server.Port, DefaultServerPort)
	}

	switch quota.Mode(c.Quota.Mode) {
	case "", quota.ModeReset, quota.ModePerDate:
	case quota.ModeRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr cannot be empty when quota.mode = \"redis\"")
		}
	default:
		return errors.Newf("quota.mode must be reset, per_date or redis, got %q", c.Quota.Mode)
	}
	for name := range c.Quota.Limits {
		if !quota.Category(name).Valid() {
			return errors.Newf("quota.limits.%s is not a known category", name)
		}
	}
	for name, policy := range c.Quota.ExceededPolicy {
		if !quota.Category(name).Valid() {
			return errors.Newf("quota.exceeded_policy.%s is not a known category", name)
		}
		if p := quota.ExceededPolicy(policy); p != quota.PolicyStop && p != quota.PolicyFail {
			return errors.Newf("quota.exceeded_policy.%s must be stopped or failed, got %q", name, policy)
		}
	}

	if _, err := c.BusinessHoursConfig(); err != nil {
		return err
	}

	// Executor tuning: 0 = use default, negative = invalid
	if c.Executor.RetryAttempts < 0 || c.Executor.RetryBaseDelayMS < 0 {
		return errors.New("executor.retry_attempts and executor.retry_base_delay_ms must be >= 0")
	}
	if c.Executor.DiscoveryTimeoutSeconds < 0 || c.Executor.DiscoveryIdleTimeoutSeconds < 0 {
		return errors.New("executor discovery timeouts must be >= 0")
	}
	if c.Executor.HistoryLimit < 0 || c.Scheduler.HistoryLimit < 0 {
		return errors.New("history limits must be >= 0")
	}
	if c.Scheduler.ToleranceSeconds < 0 {
		return errors.Newf("scheduler.tolerance_seconds must be >= 0, got %d", c.Scheduler.ToleranceSeconds)
	}

	switch c.Agent.Kind {
	case "", "chrome":
	case "fixture":
		if c.Agent.Fixture == "" {
			return errors.New("agent.fixture cannot be empty when agent.kind = \"fixture\"")
		}
	default:
		return errors.Newf("agent.kind must be chrome or fixture, got %q", c.Agent.Kind)
	}

	switch c.Comment.Provider {
	case "", "auto", "openrouter", "anthropic", "none":
	default:
		return errors.Newf("comment.provider must be auto, openrouter, anthropic or none, got %q", c.Comment.Provider)
	}

	if _, err := c.FeatureFlags(); err != nil {
		return err
	}
	return nil
}

// BusinessHoursConfig converts the business_hours section, validating it.
func (c *Config) BusinessHoursConfig() (hours.Config, error) {
	b := c.BusinessHours
	if b.StartHour < 0 || b.StartHour > 23 || b.EndHour < 0 || b.EndHour > 23 {
		return hours.Config{}, errors.Newf("business_hours hours must be 0-23, got %d-%d", b.StartHour, b.EndHour)
	}
	cfg := hours.Config{Enabled: b.Enabled, StartHour: b.StartHour, EndHour: b.EndHour}
	for _, d := range b.WorkDays {
		wd, err := hours.ParseWeekday(d)
		if err != nil {
			return hours.Config{}, errors.Wrap(err, "business_hours.work_days")
		}
		cfg.WorkDays = append(cfg.WorkDays, wd)
	}
	return cfg, nil
}
