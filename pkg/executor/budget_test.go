package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/config"
)

func budgetExecutor(window time.Duration, maxFailures int, cooldown time.Duration) *Executor {
	cfg := config.Default().Worker
	cfg.AgentFailureWindow = window
	cfg.AgentFailureMax = maxFailures
	cfg.QuarantineDuration = cooldown
	return New(nil, nil, nil, nil, cfg)
}

func TestSemaphoreForUncapped(t *testing.T) {
	e := budgetExecutor(time.Minute, 5, time.Minute)
	assert.Nil(t, e.semaphoreFor("classifier", 0))
	assert.Nil(t, e.semaphoreFor("classifier", -1))
}

func TestSemaphoreForReused(t *testing.T) {
	e := budgetExecutor(time.Minute, 5, time.Minute)
	first := e.semaphoreFor("classifier", 2)
	second := e.semaphoreFor("classifier", 2)
	require.NotNil(t, first)
	assert.Same(t, first, second)
}

func TestSemaphoreForRebuiltOnResize(t *testing.T) {
	e := budgetExecutor(time.Minute, 5, time.Minute)
	first := e.semaphoreFor("classifier", 2)
	second := e.semaphoreFor("classifier", 4)
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, 4, e.semaphores["classifier"].size)
}

func TestRecordOutcomeIgnoresSuccess(t *testing.T) {
	e := budgetExecutor(time.Minute, 2, time.Minute)
	e.recordOutcome("classifier", true)
	e.recordOutcome("classifier", true)
	assert.Empty(t, e.failures)
	assert.Empty(t, e.quarantine)
}

func TestRecordOutcomeTripsAfterWindowFills(t *testing.T) {
	e := budgetExecutor(time.Minute, 3, time.Minute)

	e.recordOutcome("classifier", false)
	e.recordOutcome("classifier", false)
	assert.False(t, e.isQuarantined("classifier"))
	assert.Len(t, e.failures["classifier"], 2)

	e.recordOutcome("classifier", false)
	assert.True(t, e.isQuarantined("classifier"))
	assert.Empty(t, e.failures["classifier"])
}

func TestRecordOutcomeAgesOutOldFailures(t *testing.T) {
	e := budgetExecutor(time.Minute, 3, time.Minute)
	stale := time.Now().Add(-2 * time.Minute)
	e.failures["classifier"] = []time.Time{stale, stale}

	e.recordOutcome("classifier", false)

	assert.False(t, e.isQuarantined("classifier"))
	assert.Len(t, e.failures["classifier"], 1)
}

func TestRecordOutcomeDisabledWhenUnconfigured(t *testing.T) {
	e := budgetExecutor(0, 0, 0)
	for i := 0; i < 10; i++ {
		e.recordOutcome("classifier", false)
	}
	assert.Empty(t, e.failures)
	assert.Empty(t, e.quarantine)
}

func TestIsQuarantinedExpires(t *testing.T) {
	e := budgetExecutor(time.Minute, 2, time.Minute)
	e.quarantine["classifier"] = time.Now().Add(-time.Second)

	assert.False(t, e.isQuarantined("classifier"))
	assert.NotContains(t, e.quarantine, "classifier")
}

func TestCheckLatencySLOToleratesMissingAgent(t *testing.T) {
	e := budgetExecutor(time.Minute, 2, time.Minute)
	e.cfg.LatencySLO = 10 * time.Millisecond
	e.checkLatencySLO("classifier", nil, 20*time.Millisecond)
	e.checkLatencySLO("classifier", nil, 5*time.Millisecond)
}
