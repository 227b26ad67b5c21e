package scheduler

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// sample records one host load reading. Probe failures degrade to zero
// values rather than skipping the sample; active-task and queue-depth
// counts are still useful without host metrics.
func (s *Scheduler) sample() {
	var cpuPct, memPct float64

	if pcts, err := cpu.Percent(0, false); err != nil {
		s.logger.Debug("cpu sample failed", zap.Error(err))
	} else if len(pcts) > 0 {
		cpuPct = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		s.logger.Debug("memory sample failed", zap.Error(err))
	} else {
		memPct = vm.UsedPercent
	}

	s.ObserveLoad(Load{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		ActiveTasks:   s.probeActive(),
		QueueDepth:    s.probeDepth(),
		Timestamp:     s.now(),
	})
}
