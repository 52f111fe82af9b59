package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// pressuredCfg enables dispatch backpressure with fast defer cycles.
// Capacity is passed to New separately; a reported length of 9 against
// capacity 10 is over the 0.8 threshold.
func pressuredCfg(policy types.OverflowPolicy) config.WorkerConfig {
	cfg := workerCfg(types.RouteByAgent)
	cfg.DispatchBackpressure = true
	cfg.DispatchBackpressureThreshold = 0.8
	cfg.OverflowPolicy = policy
	cfg.MinPriorityWhenBackpressured = 5
	cfg.DeferDelay = time.Millisecond
	cfg.DeferMaxAttempts = 3
	cfg.PressureCacheTTL = time.Hour
	return cfg
}

func TestAdmissionDropsUnderPressure(t *testing.T) {
	q := newFakeQueue()
	q.lengthSeq = []int64{9}
	d := New(q, pressuredCfg(types.OverflowDrop), 10)

	id, err := d.Dispatch(context.Background(), testAgent("classifier"), testEvent("t1", nil))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, q.items("mongoclaw:agent:classifier"))
}

func TestAdmissionPriorityBypass(t *testing.T) {
	q := newFakeQueue()
	q.lengthSeq = []int64{9}
	d := New(q, pressuredCfg(types.OverflowDrop), 10)

	a := testAgent("classifier")
	a.Execution.Priority = 5

	id, err := d.Dispatch(context.Background(), a, testEvent("t1", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, q.items("mongoclaw:agent:classifier"), 1)
}

func TestAdmissionBelowThresholdAdmits(t *testing.T) {
	q := newFakeQueue()
	q.lengthSeq = []int64{7}
	d := New(q, pressuredCfg(types.OverflowDrop), 10)

	id, err := d.Dispatch(context.Background(), testAgent("classifier"), testEvent("t1", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestAdmissionDeadLettersUnderPressure(t *testing.T) {
	q := newFakeQueue()
	q.lengthSeq = []int64{9}
	d := New(q, pressuredCfg(types.OverflowDLQ), 10)

	id, err := d.Dispatch(context.Background(), testAgent("classifier"), testEvent("t1", nil))
	require.NoError(t, err)
	assert.Empty(t, id)

	assert.Empty(t, q.items("mongoclaw:agent:classifier"))
	require.Len(t, q.items(queue.DLQStream), 1)
	require.Len(t, q.dlqErrs, 1)

	var overflow *OverflowError
	require.ErrorAs(t, q.dlqErrs[0], &overflow)
	assert.Equal(t, "mongoclaw:agent:classifier", overflow.Stream)
}

func TestAdmissionDeferThenAdmit(t *testing.T) {
	q := newFakeQueue()
	// Pressured on the first sample, clear on the re-sample.
	q.lengthSeq = []int64{9, 2}
	d := New(q, pressuredCfg(types.OverflowDefer), 10)

	id, err := d.Dispatch(context.Background(), testAgent("classifier"), testEvent("t1", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, q.items("mongoclaw:agent:classifier"), 1)
	assert.Equal(t, 2, q.lengthCalls)
}

func TestAdmissionDeferForcesEnqueue(t *testing.T) {
	q := newFakeQueue()
	q.lengthSeq = []int64{9}
	cfg := pressuredCfg(types.OverflowDefer)
	cfg.DeferMaxAttempts = 2
	d := New(q, cfg, 10)

	id, err := d.Dispatch(context.Background(), testAgent("classifier"), testEvent("t1", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, q.items("mongoclaw:agent:classifier"), 1)

	// Initial sample plus one fresh sample per defer attempt.
	assert.Equal(t, 3, q.lengthCalls)
}

func TestAdmissionDeferCancelled(t *testing.T) {
	q := newFakeQueue()
	q.lengthSeq = []int64{9}
	cfg := pressuredCfg(types.OverflowDefer)
	cfg.DeferDelay = time.Minute
	d := New(q, cfg, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, testAgent("classifier"), testEvent("t1", nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, q.items("mongoclaw:agent:classifier"))
}

func TestAdmissionPressureSampleCached(t *testing.T) {
	q := newFakeQueue()
	q.lengthSeq = []int64{9}
	d := New(q, pressuredCfg(types.OverflowDrop), 10)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, testAgent("classifier"), testEvent("t1", nil))
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, testAgent("classifier"), testEvent("t2", nil))
	require.NoError(t, err)

	assert.Equal(t, 1, q.lengthCalls)
}

func TestAdmissionFailsOpenOnSampleError(t *testing.T) {
	q := newFakeQueue()
	q.lengthErr = errors.New("broker down")
	d := New(q, pressuredCfg(types.OverflowDrop), 10)

	id, err := d.Dispatch(context.Background(), testAgent("classifier"), testEvent("t1", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
