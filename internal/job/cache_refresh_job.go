package job

import (
	"context"
	"errors"
	"time"

	"xray-control/internal/logger"
)

type ConfigRefresher interface {
	Refresh(ctx context.Context) (bool, error)
}

type LimitChecker interface {
	CheckLimits(ctx context.Context) error
}

// CacheRefreshJob reloads the stored core config and re-applies node data
// limits. onChange runs when a newer config version was loaded.
type CacheRefreshJob struct {
	configs  ConfigRefresher
	limits   LimitChecker
	onChange func(ctx context.Context) error
	timeout  time.Duration
}

func NewCacheRefreshJob(configs ConfigRefresher, limits LimitChecker, onChange func(ctx context.Context) error, timeout time.Duration) *CacheRefreshJob {
	return &CacheRefreshJob{configs: configs, limits: limits, onChange: onChange, timeout: timeout}
}

func (j *CacheRefreshJob) Run() {
	run("CacheRefreshJob", j.timeout, j.refresh)
}

func (j *CacheRefreshJob) refresh(ctx context.Context) error {
	var errs []error
	changed, err := j.configs.Refresh(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if changed && j.onChange != nil {
		logger.Info("core config changed, restarting cores")
		errs = append(errs, j.onChange(ctx))
	}
	errs = append(errs, j.limits.CheckLimits(ctx))
	return errors.Join(errs...)
}
