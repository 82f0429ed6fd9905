package job

import (
	"context"
	"time"
)

type UsageRecorder interface {
	Run(ctx context.Context) error
	Flush(ctx context.Context) error
}

// UsageJob collects traffic from every core.
type UsageJob struct {
	usage   UsageRecorder
	timeout time.Duration
}

func NewUsageJob(usage UsageRecorder, timeout time.Duration) *UsageJob {
	return &UsageJob{usage: usage, timeout: timeout}
}

func (j *UsageJob) Run() {
	run("UsageJob", j.timeout, j.usage.Run)
}

// UsageFlushJob commits usage buffered in Redis.
type UsageFlushJob struct {
	usage   UsageRecorder
	timeout time.Duration
}

func NewUsageFlushJob(usage UsageRecorder, timeout time.Duration) *UsageFlushJob {
	return &UsageFlushJob{usage: usage, timeout: timeout}
}

func (j *UsageFlushJob) Run() {
	run("UsageFlushJob", j.timeout, j.usage.Flush)
}
