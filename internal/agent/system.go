package agent

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleSystemUsage returns host CPU and memory usage in percent. Failed
// samples read as zero.
func sampleSystemUsage(ctx context.Context) (float64, float64) {
	var cpuUsage, memUsage float64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		values, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
		if err == nil && len(values) > 0 {
			cpuUsage = values[0]
		}
	}()

	go func() {
		defer wg.Done()
		info, err := mem.VirtualMemoryWithContext(ctx)
		if err == nil {
			memUsage = info.UsedPercent
		}
	}()

	wg.Wait()
	return cpuUsage, memUsage
}
