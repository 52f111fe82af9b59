package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerSaturation(t *testing.T) {
	tr := newStreamTracker("pool-test", 0)
	stream := "mongoclaw:agent:classifier"

	assert.False(t, tr.saturated(stream, 2))

	tr.acquire(stream)
	assert.False(t, tr.saturated(stream, 2))

	tr.acquire(stream)
	assert.True(t, tr.saturated(stream, 2))

	tr.release(stream)
	assert.False(t, tr.saturated(stream, 2))
}

func TestTrackerSaturationUncapped(t *testing.T) {
	tr := newStreamTracker("pool-test", 0)
	stream := "mongoclaw:agent:classifier"

	for i := 0; i < 100; i++ {
		tr.acquire(stream)
	}
	assert.False(t, tr.saturated(stream, 0))
	assert.False(t, tr.saturated(stream, -1))
}

func TestTrackerReleaseNeverGoesNegative(t *testing.T) {
	tr := newStreamTracker("pool-test", 0)
	stream := "mongoclaw:agent:classifier"

	tr.release(stream)
	tr.acquire(stream)
	assert.True(t, tr.saturated(stream, 1))
}

func TestTrackerStarvationCrossesOnce(t *testing.T) {
	tr := newStreamTracker("pool-test", 3)
	stream := "mongoclaw:agent:quiet"

	assert.False(t, tr.noteEmpty(stream))
	assert.False(t, tr.noteEmpty(stream))
	assert.True(t, tr.noteEmpty(stream))
	assert.Equal(t, 1, tr.starvedCount())

	// Further empty cycles stay starved without re-signalling.
	assert.False(t, tr.noteEmpty(stream))
	assert.Equal(t, 1, tr.starvedCount())
}

func TestTrackerStarvationRecovers(t *testing.T) {
	tr := newStreamTracker("pool-test", 2)
	stream := "mongoclaw:agent:quiet"

	tr.noteEmpty(stream)
	assert.True(t, tr.noteEmpty(stream))
	assert.Equal(t, 1, tr.starvedCount())

	tr.noteWork(stream)
	assert.Equal(t, 0, tr.starvedCount())

	// The counter restarts from zero after work arrives.
	assert.False(t, tr.noteEmpty(stream))
	assert.True(t, tr.noteEmpty(stream))
}

func TestTrackerStarvationDisabled(t *testing.T) {
	tr := newStreamTracker("pool-test", 0)
	stream := "mongoclaw:agent:quiet"

	for i := 0; i < 10; i++ {
		assert.False(t, tr.noteEmpty(stream))
	}
	assert.Equal(t, 0, tr.starvedCount())
}

func TestTrackerShouldSample(t *testing.T) {
	tr := newStreamTracker("pool-test", 0)
	stream := "mongoclaw:agent:classifier"

	assert.True(t, tr.shouldSample(stream, time.Hour))
	assert.False(t, tr.shouldSample(stream, time.Hour))

	// A second stream has its own clock.
	assert.True(t, tr.shouldSample("mongoclaw:agent:other", time.Hour))
}

func TestTrackerShouldSampleDisabled(t *testing.T) {
	tr := newStreamTracker("pool-test", 0)
	assert.False(t, tr.shouldSample("mongoclaw:agent:classifier", 0))
}

func TestTrackerPrune(t *testing.T) {
	tr := newStreamTracker("pool-test", 1)
	kept := "mongoclaw:agent:kept"
	dropped := "mongoclaw:agent:dropped"

	tr.noteEmpty(kept)
	tr.noteEmpty(dropped)
	assert.Equal(t, 2, tr.starvedCount())

	tr.acquire(dropped)
	tr.release(dropped)

	tr.prune([]string{kept})
	assert.Equal(t, 1, tr.starvedCount())

	_, hasDropped := tr.inflight[dropped]
	assert.False(t, hasDropped)
	_, hasKept := tr.empties[kept]
	assert.True(t, hasKept)
}

func TestTrackerPruneKeepsBusyStream(t *testing.T) {
	tr := newStreamTracker("pool-test", 0)
	busy := "mongoclaw:agent:busy"

	tr.acquire(busy)
	tr.prune([]string{})

	// The in-flight item still counts until released.
	assert.True(t, tr.saturated(busy, 1))
}
