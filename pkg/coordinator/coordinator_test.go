package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/pkg/bus"
	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/manager"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/msglog"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

type sessionRig struct {
	bus     *bus.Bus
	store   *store.Store
	manager *manager.Manager
	cfg     *config.DispatchConfig
}

func newSessionRig(t *testing.T, client llm.Client, workers int) *sessionRig {
	t.Helper()
	return newSessionRigAt(t, client, workers, filepath.Join(t.TempDir(), "test.db"))
}

// newSessionRigAt builds a rig over an existing database file, as a
// process restart would.
func newSessionRigAt(t *testing.T, client llm.Client, workers int, dbPath string) *sessionRig {
	t.Helper()
	dbCfg := config.DefaultDatabaseConfig()
	dbCfg.Path = dbPath
	dbClient, err := database.NewClient(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbClient.Close() })

	log, err := msglog.New(context.Background(), dbClient, slog.Default())
	require.NoError(t, err)
	t.Cleanup(log.Close)

	dispatchCfg := config.DefaultDispatchConfig()
	dispatchCfg.SchedulerTick = 10 * time.Millisecond
	dispatchCfg.RetryBackoff = 10 * time.Millisecond
	dispatchCfg.RetryBackoffMax = 50 * time.Millisecond

	b := bus.New(log, dispatchCfg, slog.Default())
	st := store.New(dbClient, slog.Default())

	workerCfg := config.DefaultWorkerConfig()
	workerCfg.PollInterval = 10 * time.Millisecond
	workerCfg.GracefulShutdownTimeout = 2 * time.Second

	mgr := manager.New(b, st, client, "mock-model", workerCfg, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	t.Cleanup(func() { mgr.StopAll(context.Background()) })
	_, err = mgr.CreateBatch(context.Background(), workers, models.RoleGeneric)
	require.NoError(t, err)

	return &sessionRig{bus: b, store: st, manager: mgr, cfg: dispatchCfg}
}

func (r *sessionRig) runSession(t *testing.T, client llm.Client, arch models.Architecture) (*models.Session, error) {
	t.Helper()
	session, err := r.store.CreateSession(context.Background(), "the user task", arch)
	require.NoError(t, err)
	r.manager.SetSession(session.ID)

	coord := New(session, r.store, r.bus, client, "mock-model", r.cfg, r.manager, slog.Default())
	runErr := coord.Run(context.Background())

	final, err := r.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	return final, runErr
}

func TestSessionSingleSubtaskCompletes(t *testing.T) {
	client := llm.NewScripted("2024-01-01").
		On("Split the following task", llm.Text(`["print the current date"]`))
	rig := newSessionRig(t, client, 1)

	session, err := rig.runSession(t, client, models.ArchCentralized)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, "2024-01-01", session.Result)
	assert.NotNil(t, session.SealedAt)
	// One subtask skips the synthesis call.
	assert.Zero(t, client.CallCount("Combine them into one coherent"))

	subtasks, err := rig.store.ListSubtasks(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, models.SubtaskStateDone, subtasks[0].State)
	assert.Equal(t, 1, subtasks[0].Attempts)
}

func TestSessionDependencyChainRunsInOrder(t *testing.T) {
	client := llm.NewScripted("").
		On("Split the following task", llm.Text(`["collect sales figures", "then summarize the figures"]`)).
		On("collect sales figures", llm.Text("FIGURES")).
		On("then summarize the figures", llm.Text("SUMMARY")).
		On("Combine them into one coherent", llm.Text("FINAL"))
	rig := newSessionRig(t, client, 2)

	session, err := rig.runSession(t, client, models.ArchCentralized)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, "FINAL", session.Result)

	// The dependent subtask must not start before its dependency ends.
	collectAt, summarizeAt := -1, -1
	for i, call := range client.Calls() {
		prompt := call.Messages[len(call.Messages)-1].Content
		if strings.Contains(prompt, "collect sales figures") {
			collectAt = i
		}
		if strings.Contains(prompt, "then summarize the figures") {
			summarizeAt = i
		}
	}
	require.NotEqual(t, -1, collectAt)
	require.NotEqual(t, -1, summarizeAt)
	assert.Less(t, collectAt, summarizeAt)
}

func TestSessionRetryThenSucceed(t *testing.T) {
	client := llm.NewScripted("").
		On("Split the following task", llm.Text(`["do the flaky thing"]`)).
		On("do the flaky thing", llm.Fail(errors.New("transient backend hiccup")), llm.Text("recovered"))
	rig := newSessionRig(t, client, 2)

	session, err := rig.runSession(t, client, models.ArchCentralized)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, "recovered", session.Result)

	subtasks, err := rig.store.ListSubtasks(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, models.SubtaskStateDone, subtasks[0].State)
	assert.Equal(t, 2, subtasks[0].Attempts)
}

func TestSessionFailsAfterRetryBudget(t *testing.T) {
	boom := errors.New("backend permanently broken")
	client := llm.NewScripted("").
		On("Split the following task", llm.Text(`["doomed work"]`)).
		On("doomed work", llm.Fail(boom), llm.Fail(boom), llm.Fail(boom), llm.Fail(boom))
	rig := newSessionRig(t, client, 1)

	session, err := rig.runSession(t, client, models.ArchCentralized)
	require.Error(t, err)

	assert.Equal(t, models.SessionStatusFailed, session.Status)
	assert.Contains(t, session.Error, "subtask 0")
	assert.Contains(t, session.Error, "failed subtasks: [0]")
}

func TestSessionDependentFailsWithDependency(t *testing.T) {
	boom := errors.New("no data today")
	client := llm.NewScripted("").
		On("Split the following task", llm.Text(`["fetch the data", "then chart the data"]`)).
		On("fetch the data", llm.Fail(boom), llm.Fail(boom), llm.Fail(boom), llm.Fail(boom))
	rig := newSessionRig(t, client, 2)

	session, err := rig.runSession(t, client, models.ArchCentralized)
	require.Error(t, err)

	assert.Equal(t, models.SessionStatusFailed, session.Status)

	subtasks, err := rig.store.ListSubtasks(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, models.SubtaskStateFailed, subtasks[0].State)
	assert.Equal(t, models.SubtaskStateFailed, subtasks[1].State)
	assert.Contains(t, subtasks[1].Error, "dependency failed")
	// The dependent never reached a worker.
	assert.Zero(t, client.CallCount("then chart the data"))
}

func TestSessionWorkerDeathReassignsSubtask(t *testing.T) {
	client := llm.NewScripted("recovered after reassignment")
	gate := make(chan struct{})
	client.Block(gate)
	rig := newSessionRig(t, client, 2)

	// Pre-seeded graph; reactivation skips the decomposition call so
	// the gate only holds worker calls.
	session, err := rig.store.CreateSession(context.Background(), "long running work", models.ArchCentralized)
	require.NoError(t, err)
	rig.manager.SetSession(session.ID)
	require.NoError(t, rig.store.SaveSubtask(context.Background(), &models.Subtask{
		ID:          0,
		SessionID:   session.ID,
		Text:        "long running work",
		Role:        models.RoleGeneric,
		State:       models.SubtaskStatePending,
		Correlation: uuid.NewString(),
	}))

	coord := New(session, rig.store, rig.bus, client, "mock-model", rig.cfg, rig.manager, slog.Default())
	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(context.Background()) }()

	var victim string
	require.Eventually(t, func() bool {
		for _, w := range rig.manager.Workers() {
			if w.Busy {
				victim = w.ID
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no worker picked up the subtask")

	require.NoError(t, rig.manager.Terminate(context.Background(), victim))
	close(gate)

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish after reassignment")
	}

	final, err := rig.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, final.Status)
	assert.Equal(t, "recovered after reassignment", final.Result)

	subtasks, err := rig.store.ListSubtasks(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, 2, subtasks[0].Attempts)
	assert.NotEqual(t, victim, subtasks[0].AssignedTo)
}

func TestSessionCancellationSealsCancelled(t *testing.T) {
	client := llm.NewScripted("never delivered")
	gate := make(chan struct{})
	client.Block(gate)
	defer close(gate)
	rig := newSessionRig(t, client, 1)

	session, err := rig.store.CreateSession(context.Background(), "work to cancel", models.ArchCentralized)
	require.NoError(t, err)
	require.NoError(t, rig.store.SaveSubtask(context.Background(), &models.Subtask{
		ID:          0,
		SessionID:   session.ID,
		Text:        "work to cancel",
		Role:        models.RoleGeneric,
		State:       models.SubtaskStatePending,
		Correlation: uuid.NewString(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	coord := New(session, rig.store, rig.bus, client, "mock-model", rig.cfg, rig.manager, slog.Default())
	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, w := range rig.manager.Workers() {
			if w.Busy {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation did not stop the session")
	}

	final, err := rig.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCancelled, final.Status)
}

func TestSessionHierarchicalArchitecture(t *testing.T) {
	client := llm.NewScripted("leaf result").
		On("Split the following task", llm.Text(`["research topic A", "research topic B"]`),
			llm.Text(`["dig into the details"]`)).
		On("Combine them into one coherent", llm.Text("WOVEN TOGETHER"))
	rig := newSessionRig(t, client, 4)

	session, err := rig.runSession(t, client, models.ArchHierarchical)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, "WOVEN TOGETHER", session.Result)
	// The root decomposition plus one re-decomposition per root subtask.
	assert.GreaterOrEqual(t, client.CallCount("Split the following task"), 3)
}

func TestSessionMeshSharesResults(t *testing.T) {
	client := llm.NewScripted("peer result").
		On("Split the following task", llm.Text(`["examine part one", "examine part two"]`)).
		On("Combine them into one coherent", llm.Text("MERGED"))
	rig := newSessionRig(t, client, 2)

	session, err := rig.runSession(t, client, models.ArchMesh)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, "MERGED", session.Result)
}

func TestSessionDecompositionFallbackWarns(t *testing.T) {
	client := llm.NewScripted("no json here, sorry")
	rig := newSessionRig(t, client, 1)

	session, err := rig.runSession(t, client, models.ArchCentralized)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	require.NotEmpty(t, session.Warnings)
	assert.Contains(t, session.Warnings[0], "single subtask")
}

func TestSessionSynthesisFailureFallsBackToConcatenation(t *testing.T) {
	client := llm.NewScripted("part done").
		On("Split the following task", llm.Text(`["part one", "part two"]`)).
		On("Combine them into one coherent", llm.Fail(errors.New("synthesis backend down")))
	rig := newSessionRig(t, client, 2)

	session, err := rig.runSession(t, client, models.ArchCentralized)
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Contains(t, session.Result, "part done")
	require.NotEmpty(t, session.Warnings)
	assert.Contains(t, session.Warnings[len(session.Warnings)-1], "synthesis failed")
}

func TestSessionReactivationRedispatchesInFlight(t *testing.T) {
	client := llm.NewScripted("picked up again")
	rig := newSessionRig(t, client, 1)

	// A crashed process left the subtask in flight, assigned to an id
	// the fresh fleet happens to hand out again. The reactivated
	// coordinator must not wait for a reply that will never come.
	session, err := rig.store.CreateSession(context.Background(), "interrupted work", models.ArchCentralized)
	require.NoError(t, err)
	rig.manager.SetSession(session.ID)
	require.NoError(t, rig.store.SaveSubtask(context.Background(), &models.Subtask{
		ID:          0,
		SessionID:   session.ID,
		Text:        "interrupted work",
		Role:        models.RoleGeneric,
		State:       models.SubtaskStateInFlight,
		AssignedTo:  "worker-0",
		Attempts:    1,
		Correlation: uuid.NewString(),
	}))

	coord := New(session, rig.store, rig.bus, client, "mock-model", rig.cfg, rig.manager, slog.Default())
	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(context.Background()) }()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("reactivated session never finished")
	}

	final, err := rig.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, final.Status)
	assert.Equal(t, "picked up again", final.Result)

	subtasks, err := rig.store.ListSubtasks(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, models.SubtaskStateDone, subtasks[0].State)
	assert.Equal(t, 2, subtasks[0].Attempts)
}

func TestSessionRestartCompletesCrashedSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	// State a crashed process left behind: one subtask done, one in
	// flight on a now-dead worker, one pending behind it.
	seedCfg := config.DefaultDatabaseConfig()
	seedCfg.Path = dbPath
	seedClient, err := database.NewClient(context.Background(), seedCfg)
	require.NoError(t, err)
	seedStore := store.New(seedClient, slog.Default())

	session, err := seedStore.CreateSession(context.Background(), "the user task", models.ArchCentralized)
	require.NoError(t, err)
	seeded := []*models.Subtask{
		{ID: 0, SessionID: session.ID, Text: "gather the inputs", Role: models.RoleGeneric,
			State: models.SubtaskStateDone, Result: "INPUTS", Attempts: 1, Correlation: uuid.NewString()},
		{ID: 1, SessionID: session.ID, Text: "then process the inputs", Role: models.RoleGeneric,
			State: models.SubtaskStateInFlight, AssignedTo: "worker-0", Deps: []int{0}, Attempts: 1, Correlation: uuid.NewString()},
		{ID: 2, SessionID: session.ID, Text: "then write the report", Role: models.RoleGeneric,
			State: models.SubtaskStatePending, Deps: []int{1}, Correlation: uuid.NewString()},
	}
	for _, st := range seeded {
		require.NoError(t, seedStore.SaveSubtask(context.Background(), st))
	}
	require.NoError(t, seedStore.SaveAgent(context.Background(), models.AgentRecord{
		ID:        "worker-0",
		SessionID: session.ID,
		Role:      models.RoleGeneric,
		State:     models.AgentStateActive,
		CreatedAt: time.Now().UnixNano(),
	}))
	require.NoError(t, seedClient.Close())

	client := llm.NewScripted("").
		On("then process the inputs", llm.Text("PROCESSED")).
		On("then write the report", llm.Text("REPORT")).
		On("Combine them into one coherent", llm.Text("RECOVERED FINAL"))
	rig := newSessionRigAt(t, client, 2, dbPath)

	// The dead worker's id is never reissued.
	for _, w := range rig.manager.Workers() {
		assert.NotEqual(t, "worker-0", w.ID)
	}

	// Mirror process startup: release work held by workers that did
	// not come back, then drive the persisted graph to completion.
	live := map[string]bool{}
	for _, w := range rig.manager.Workers() {
		live[w.ID] = true
	}
	released, err := rig.store.ReleaseOrphanedSubtasks(context.Background(), session.ID, live)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	session, err = rig.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	rig.manager.SetSession(session.ID)
	coord := New(session, rig.store, rig.bus, client, "mock-model", rig.cfg, rig.manager, slog.Default())
	require.NoError(t, coord.Run(context.Background()))

	final, err := rig.store.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, final.Status)
	assert.Equal(t, "RECOVERED FINAL", final.Result)

	reloaded, err := rig.store.ListSubtasks(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, reloaded, 3)
	// The finished subtask kept its result and was not re-executed.
	assert.Equal(t, "INPUTS", reloaded[0].Result)
	assert.Equal(t, 1, reloaded[0].Attempts)
	assert.Equal(t, models.SubtaskStateDone, reloaded[1].State)
	assert.Equal(t, 2, reloaded[1].Attempts)
	assert.Equal(t, models.SubtaskStateDone, reloaded[2].State)
	// Two resumed subtasks plus the synthesis call.
	assert.Len(t, client.Calls(), 3)
}
