// Package gpu polls GPU memory and utilization through vendor
// command-line tools and normalizes the output to a common reading.
package gpu

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// commandRunner executes a probe tool and returns its stdout. Injected
// in tests to avoid a hardware dependency.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type probe struct {
	vendor string
	run    func(ctx context.Context, runner commandRunner) (models.GPUReading, error)
}

// Monitor produces GPU readings on demand or on a timer.
type Monitor struct {
	runner       commandRunner
	probeTimeout time.Duration
	probes       []probe
	logger       *slog.Logger
	now          func() time.Time
}

// NewMonitor builds a monitor probing NVIDIA, then AMD, then Intel
// tools, each bounded by probeTimeout.
func NewMonitor(probeTimeout time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		runner:       execRunner,
		probeTimeout: probeTimeout,
		probes: []probe{
			{vendor: "nvidia", run: probeNvidia},
			{vendor: "amd", run: probeAMD},
			{vendor: "intel", run: probeIntel},
		},
		logger: logger.With("component", "gpu"),
		now:    time.Now,
	}
}

// Snapshot attempts the vendor probes in order and returns the first
// success. When every probe fails the reading is marked unavailable;
// callers must then assume conservative scaling behavior.
func (m *Monitor) Snapshot(ctx context.Context) models.GPUReading {
	for _, p := range m.probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		reading, err := p.run(probeCtx, m.runner)
		cancel()
		if err != nil {
			m.logger.Debug("GPU probe failed", "vendor", p.vendor, "error", err)
			continue
		}
		reading.Available = true
		reading.Vendor = p.vendor
		reading.Timestamp = m.now()
		return reading
	}
	return models.GPUReading{Available: false, Timestamp: m.now()}
}

// Watch invokes callback with a fresh snapshot at the given cadence
// until the context is cancelled.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, callback func(models.GPUReading)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callback(m.Snapshot(ctx))
		}
	}
}
