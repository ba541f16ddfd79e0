package msglog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/pkg/config"
	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/models"
)

func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestLog(t *testing.T, client *database.Client) *Log {
	t.Helper()
	l, err := New(context.Background(), client, slog.Default())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAppendAssignsMonotoneSequence(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		seq, err := l.Append(ctx, models.Message{
			Sender:   "queen",
			Receiver: "worker-0",
			Type:     models.MessageTypeSubtask,
			Payload:  fmt.Sprintf("payload-%d", i),
		})
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestConcurrentAppendsProduceDistinctSequences(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	const n = 20
	seqs := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := l.Append(ctx, models.Message{
				Sender:   fmt.Sprintf("worker-%d", i),
				Receiver: "queen",
				Type:     models.MessageTypeResponse,
			})
			assert.NoError(t, err)
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
}

func TestReadFilters(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		receiver := "worker-0"
		if i%2 == 1 {
			receiver = "worker-1"
		}
		_, err := l.Append(ctx, models.Message{
			Sender:      "queen",
			Receiver:    receiver,
			Type:        models.MessageTypeSubtask,
			Correlation: fmt.Sprintf("corr-%d", i%2),
		})
		require.NoError(t, err)
	}

	byReceiver, err := l.Read(ctx, Filter{Receiver: "worker-0"})
	require.NoError(t, err)
	assert.Len(t, byReceiver, 3)
	for _, m := range byReceiver {
		assert.Equal(t, "worker-0", m.Receiver)
	}

	byCorrelation, err := l.Read(ctx, Filter{Correlation: "corr-1"})
	require.NoError(t, err)
	assert.Len(t, byCorrelation, 3)

	limited, err := l.Read(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Less(t, limited[0].Seq, limited[1].Seq)

	after, err := l.Read(ctx, Filter{FromSeq: limited[1].Seq})
	require.NoError(t, err)
	assert.Len(t, after, 4)
}

func TestWatermarkIsMonotone(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	wm, err := l.Watermark(ctx, "worker-0")
	require.NoError(t, err)
	assert.Zero(t, wm)

	require.NoError(t, l.Ack(ctx, "worker-0", 5))
	require.NoError(t, l.Ack(ctx, "worker-0", 3)) // regression ignored

	wm, err = l.Watermark(ctx, "worker-0")
	require.NoError(t, err)
	assert.Equal(t, int64(5), wm)
}

func TestPendingForReturnsUnacknowledged(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 4; i++ {
		seq, err := l.Append(ctx, models.Message{
			Sender:   "queen",
			Receiver: "worker-0",
			Type:     models.MessageTypeSubtask,
		})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	require.NoError(t, l.Ack(ctx, "worker-0", seqs[1]))

	pending, err := l.PendingFor(ctx, "worker-0")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, seqs[2], pending[0].Seq)
	assert.Equal(t, seqs[3], pending[1].Seq)
}

func TestPruneRemovesBelowBound(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, models.Message{Sender: "queen", Receiver: "worker-0", Type: models.MessageTypeSubtask})
		require.NoError(t, err)
	}

	removed, err := l.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	remaining, err := l.Read(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, int64(4), remaining[0].Seq)
}

func TestSequenceContinuesAfterRestart(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	l1, err := New(ctx, client, slog.Default())
	require.NoError(t, err)
	seq, err := l1.Append(ctx, models.Message{Sender: "queen", Receiver: "worker-0", Type: models.MessageTypeTask})
	require.NoError(t, err)
	l1.Close()

	l2, err := New(ctx, client, slog.Default())
	require.NoError(t, err)
	defer l2.Close()
	next, err := l2.Append(ctx, models.Message{Sender: "queen", Receiver: "worker-0", Type: models.MessageTypeTask})
	require.NoError(t, err)
	assert.Equal(t, seq+1, next)
}

func TestAppendAfterCloseFails(t *testing.T) {
	client := newTestClient(t)
	l, err := New(context.Background(), client, slog.Default())
	require.NoError(t, err)
	l.Close()

	_, err = l.Append(context.Background(), models.Message{Sender: "a", Receiver: "b"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMinWatermark(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	min, err := l.MinWatermark(ctx)
	require.NoError(t, err)
	assert.Zero(t, min)

	require.NoError(t, l.Ack(ctx, "worker-0", 7))
	require.NoError(t, l.Ack(ctx, "worker-1", 4))

	min, err = l.MinWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), min)
}

func TestDropWatermarkUnpinsMinimum(t *testing.T) {
	l := newTestLog(t, newTestClient(t))
	ctx := context.Background()

	require.NoError(t, l.Ack(ctx, "worker-0", 7))
	require.NoError(t, l.Ack(ctx, "subqueen-0", 2))

	min, err := l.MinWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), min)

	// Retiring the lagging receiver lets the prune bound advance.
	require.NoError(t, l.DropWatermark(ctx, "subqueen-0"))
	min, err = l.MinWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), min)
}
