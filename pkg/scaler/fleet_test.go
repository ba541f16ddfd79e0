package scaler

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/manager"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/msglog"
)

// fakeQueue is a settable QueueSource.
type fakeQueue struct {
	mu      sync.Mutex
	pending int
	avgWait time.Duration
}

func (q *fakeQueue) set(pending int, avgWait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = pending
	q.avgWait = avgWait
}

func (q *fakeQueue) QueueStats(time.Time) (int, map[int]int, time.Duration, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, map[int]int{0: q.pending}, q.avgWait, q.avgWait
}

// fakeGPU is a settable GPUSource.
type fakeGPU struct {
	mu      sync.Mutex
	reading models.GPUReading
}

func (g *fakeGPU) set(reading models.GPUReading) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reading = reading
}

func (g *fakeGPU) Snapshot(context.Context) models.GPUReading {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reading
}

func newFleetManager(t *testing.T) *manager.Manager {
	t.Helper()
	dbCfg := config.DefaultDatabaseConfig()
	dbCfg.Path = filepath.Join(t.TempDir(), "test.db")
	dbClient, err := database.NewClient(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbClient.Close() })

	log, err := msglog.New(context.Background(), dbClient, slog.Default())
	require.NoError(t, err)
	t.Cleanup(log.Close)

	b := bus.New(log, config.DefaultDispatchConfig(), slog.Default())
	workerCfg := config.DefaultWorkerConfig()
	workerCfg.PollInterval = 10 * time.Millisecond
	workerCfg.GracefulShutdownTimeout = 2 * time.Second

	mgr := manager.New(b, nil, llm.NewScripted("ok"), "mock-model", workerCfg, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	t.Cleanup(func() { mgr.StopAll(context.Background()) })
	return mgr
}

func awaitWorkers(t *testing.T, mgr *manager.Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(mgr.Workers()) == n },
		5*time.Second, 10*time.Millisecond, "fleet never reached %d workers", n)
}

func TestFleetSnapshotComposesSources(t *testing.T) {
	mgr := newFleetManager(t)
	_, err := mgr.CreateBatch(context.Background(), 2, models.RoleGeneric)
	require.NoError(t, err)

	queue := &fakeQueue{}
	queue.set(7, 12*time.Second)
	gpuSrc := &fakeGPU{}
	gpuSrc.set(models.GPUReading{Available: true, Vendor: "nvidia", TotalMB: 24576, FreeMB: 16384, UsedMB: 8192})

	fleet := NewFleet(mgr, queue, gpuSrc)
	snap := fleet.FleetSnapshot(context.Background())

	assert.Equal(t, 2, snap.ActiveWorkers)
	assert.Equal(t, 0, snap.BusyWorkers)
	assert.Equal(t, 7, snap.PendingSubtasks)
	assert.Equal(t, 12*time.Second, snap.AvgWait)
	assert.True(t, snap.GPU.Available)
	assert.Len(t, snap.Workers, 2)
}

func TestFleetSnapshotNilSourcesReadZero(t *testing.T) {
	mgr := newFleetManager(t)
	fleet := NewFleet(mgr, nil, nil)

	snap := fleet.FleetSnapshot(context.Background())
	assert.Zero(t, snap.PendingSubtasks)
	assert.False(t, snap.GPU.Available)
}

// Queue pressure grows the fleet, then sustained idleness shrinks it
// back, with the manager applying the decisions.
func TestScaleUpThenDownAgainstLiveFleet(t *testing.T) {
	mgr := newFleetManager(t)
	_, err := mgr.CreateBatch(context.Background(), 1, models.RoleGeneric)
	require.NoError(t, err)

	queue := &fakeQueue{}
	gpuSrc := &fakeGPU{}
	gpuSrc.set(models.GPUReading{Available: true, Vendor: "nvidia", TotalMB: 49152, FreeMB: 40960, UsedMB: 8192})
	fleet := NewFleet(mgr, queue, gpuSrc)

	cfg := config.DefaultScalerConfig()
	cfg.Enabled = true
	cfg.Strategy = config.StrategyWorkload
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 4
	s := New(cfg, "llama3.1:8b", fleet, mgr, slog.Default())

	now := time.Now()

	// Deep queue: scale up by one.
	queue.set(cfg.QueueDepthThreshold+3, 0)
	decision := s.Decide(fleet.FleetSnapshot(context.Background()), now)
	require.Equal(t, models.ScaleUp, decision.Action)
	assert.Equal(t, models.ReasonQueueDepth, decision.Reason)
	require.NoError(t, mgr.Apply(context.Background(), decision))
	awaitWorkers(t, mgr, 2)

	// Queue drained, fleet idle: two consecutive idle cycles past the
	// down cooldown shrink the fleet.
	queue.set(0, 0)
	now = now.Add(cfg.ScaleDownCooldown + time.Second)
	first := s.Decide(fleet.FleetSnapshot(context.Background()), now)
	assert.Equal(t, models.ScaleHold, first.Action)

	now = now.Add(cfg.Cadence)
	second := s.Decide(fleet.FleetSnapshot(context.Background()), now)
	require.Equal(t, models.ScaleDown, second.Action)
	assert.Equal(t, models.ReasonIdleWorkers, second.Reason)
	require.NoError(t, mgr.Apply(context.Background(), second))
	awaitWorkers(t, mgr, 1)
}

// A saturated GPU blocks scale-up no matter how deep the queue is.
func TestScaleUpVetoedBySaturatedGPU(t *testing.T) {
	mgr := newFleetManager(t)
	_, err := mgr.CreateBatch(context.Background(), 1, models.RoleGeneric)
	require.NoError(t, err)

	queue := &fakeQueue{}
	queue.set(50, time.Minute)
	gpuSrc := &fakeGPU{}
	// 5 GB free on a mistral:7b profile leaves no headroom past the
	// buffer and safety margin.
	gpuSrc.set(models.GPUReading{Available: true, Vendor: "nvidia", TotalMB: 8192, FreeMB: 5120, UsedMB: 3072})
	fleet := NewFleet(mgr, queue, gpuSrc)

	cfg := config.DefaultScalerConfig()
	cfg.Enabled = true
	cfg.Strategy = config.StrategyHybrid
	cfg.MinWorkers = 1
	s := New(cfg, "mistral:7b", fleet, mgr, slog.Default())

	for i := 0; i < 5; i++ {
		decision := s.Decide(fleet.FleetSnapshot(context.Background()), time.Now().Add(time.Duration(i)*cfg.Cadence))
		assert.NotEqual(t, models.ScaleUp, decision.Action)
	}
	assert.Len(t, mgr.Workers(), 1)
}
