package am

import (
	"strings"
	"time"

	"github.com/teranos/engage/errors"
	"github.com/teranos/engage/pulse/executor"
	"github.com/teranos/engage/pulse/quota"
	"github.com/teranos/engage/pulse/schedule"
)

// QuotaLimits converts quota.limits. A negative limit means unlimited and is omitted.
func (c *Config) QuotaLimits() quota.Limits {
	limits := quota.Limits{}
	for name, n := range c.Quota.Limits {
		if n < 0 {
			continue
		}
		limits[quota.Category(name)] = n
	}
	return limits
}

// ExceededPolicies converts quota.exceeded_policy.
func (c *Config) ExceededPolicies() map[quota.Category]quota.ExceededPolicy {
	out := make(map[quota.Category]quota.ExceededPolicy, len(c.Quota.ExceededPolicy))
	for name, p := range c.Quota.ExceededPolicy {
		out[quota.Category(name)] = quota.ExceededPolicy(p)
	}
	return out
}

// QuotaMode is quota.mode with the default applied.
func (c *Config) QuotaMode() quota.Mode {
	if c.Quota.Mode == "" {
		return quota.ModeReset
	}
	return quota.Mode(c.Quota.Mode)
}

// FeatureFlags flattens the features tables into gate keys.
func (c *Config) FeatureFlags() (map[string]bool, error) {
	flags := map[string]bool{}
	if err := flattenFeatures(c.Features, "", flags); err != nil {
		return nil, err
	}
	return flags, nil
}

func flattenFeatures(m map[string]any, prefix string, out map[string]bool) error {
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch val := v.(type) {
		case bool:
			out[key] = val
		case map[string]any:
			if err := flattenFeatures(val, key, out); err != nil {
				return err
			}
		default:
			return errors.Newf("features.%s must be true or false, got %v", key, v)
		}
	}
	return nil
}

// ExecutorConfig builds executor tuning, keeping defaults for unset values.
func (c *Config) ExecutorConfig() executor.Config {
	cfg := executor.DefaultConfig()
	e := c.Executor
	if e.RetryAttempts > 0 {
		cfg.Retry.MaxAttempts = e.RetryAttempts
	}
	if e.RetryBaseDelayMS > 0 {
		cfg.Retry.BaseDelay = time.Duration(e.RetryBaseDelayMS) * time.Millisecond
	}
	if e.DiscoveryTimeoutSeconds > 0 {
		cfg.DiscoveryTimeout = time.Duration(e.DiscoveryTimeoutSeconds) * time.Second
	}
	if e.DiscoveryIdleTimeoutSeconds > 0 {
		cfg.DiscoveryIdleTimeout = time.Duration(e.DiscoveryIdleTimeoutSeconds) * time.Second
	}
	if e.MaxPagesPerTarget > 0 {
		cfg.MaxPagesPerTarget = e.MaxPagesPerTarget
	}
	if e.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(e.PollIntervalSeconds) * time.Second
	}
	if len(e.CommentTemplates) > 0 {
		cfg.DefaultCommentTemplates = e.CommentTemplates
	}
	return cfg
}

// SchedulerConfig builds scheduler tuning. Business hours must already have
// passed Validate.
func (c *Config) SchedulerConfig() schedule.Config {
	cfg := schedule.DefaultConfig()
	if c.Scheduler.ToleranceSeconds > 0 {
		cfg.Tolerance = time.Duration(c.Scheduler.ToleranceSeconds) * time.Second
	}
	if c.Scheduler.ResyncIntervalSeconds > 0 {
		cfg.ResyncInterval = time.Duration(c.Scheduler.ResyncIntervalSeconds) * time.Second
	}
	if bh, err := c.BusinessHoursConfig(); err == nil {
		cfg.BusinessHours = bh
	}
	return cfg
}
