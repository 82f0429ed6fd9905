// Package job holds the periodic tasks scheduled by the master.
package job

import (
	"context"
	"time"

	"xray-control/internal/logger"
)

// run bounds fn by timeout and logs its failure under name.
func run(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	started := time.Now()
	if err := fn(ctx); err != nil {
		logger.Warningf("%s: %v", name, err)
		return
	}
	logger.Debugf("%s: done in %s", name, time.Since(started).Round(time.Millisecond))
}
