package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// WorkerLister exposes the live fleet; the agent manager implements it.
type WorkerLister interface {
	Workers() []models.WorkerInfo
}

// QueueSource exposes dispatch queue pressure; the coordinator
// implements it.
type QueueSource interface {
	QueueStats(now time.Time) (pending int, byPriority map[int]int, avgWait, maxWait time.Duration)
}

// GPUSource exposes the latest GPU reading; the GPU monitor implements
// it.
type GPUSource interface {
	Snapshot(ctx context.Context) models.GPUReading
}

// Fleet composes the manager, the coordinator, and the GPU monitor
// into the autoscaler's FleetSource.
type Fleet struct {
	workers WorkerLister
	gpu     GPUSource

	mu    sync.Mutex
	queue QueueSource
}

// NewFleet builds the composed fleet source. queue and gpu may be nil
// before a session or monitor exists; their sections read as zero.
func NewFleet(workers WorkerLister, queue QueueSource, gpu GPUSource) *Fleet {
	return &Fleet{workers: workers, queue: queue, gpu: gpu}
}

// SetQueue swaps the queue source; sessions come and go while the
// scaler keeps running.
func (f *Fleet) SetQueue(queue QueueSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = queue
}

// FleetSnapshot assembles the autoscaler input.
func (f *Fleet) FleetSnapshot(ctx context.Context) models.FleetSnapshot {
	now := time.Now()
	snap := models.FleetSnapshot{
		Workers: f.workers.Workers(),
		Taken:   now,
	}
	for _, w := range snap.Workers {
		if w.State != models.AgentStateActive {
			continue
		}
		snap.ActiveWorkers++
		if w.Busy {
			snap.BusyWorkers++
		}
	}
	f.mu.Lock()
	queue := f.queue
	f.mu.Unlock()
	if queue != nil {
		snap.PendingSubtasks, snap.PendingByPriority, snap.AvgWait, snap.MaxWait = queue.QueueStats(now)
	}
	if f.gpu != nil {
		snap.GPU = f.gpu.Snapshot(ctx)
	}
	return snap
}
