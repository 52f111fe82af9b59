package election

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaults(t *testing.T) {
	e := New(nil, "", 0, 0)

	assert.Equal(t, DefaultLockName, e.lockName)
	assert.Equal(t, DefaultLeaseDuration, e.leaseDuration)
	assert.Equal(t, DefaultRenewInterval, e.renewInterval)

	parts := strings.Split(e.InstanceID(), "-")
	assert.GreaterOrEqual(t, len(parts), 2)
	assert.Len(t, parts[len(parts)-1], 8)
}

func TestNewCustomSettings(t *testing.T) {
	e := New(nil, "my-lock", time.Minute, 15*time.Second)

	assert.Equal(t, "my-lock", e.lockName)
	assert.Equal(t, time.Minute, e.leaseDuration)
	assert.Equal(t, 15*time.Second, e.renewInterval)
}

func TestLeadershipTransitions(t *testing.T) {
	e := New(nil, "", 0, 0)

	var elected, demoted int
	e.OnElected(func() { elected++ })
	e.OnDemoted(func() { demoted++ })

	assert.False(t, e.IsLeader())

	e.becomeLeader()
	assert.True(t, e.IsLeader())
	assert.Equal(t, 1, elected)

	// Holding an already-held lease fires nothing.
	e.becomeLeader()
	assert.Equal(t, 1, elected)

	e.demote()
	assert.False(t, e.IsLeader())
	assert.Equal(t, 1, demoted)

	e.demote()
	assert.Equal(t, 1, demoted)
}

func TestRequireLeader(t *testing.T) {
	e := New(nil, "", 0, 0)

	assert.ErrorIs(t, e.RequireLeader(), ErrNotLeader)

	e.becomeLeader()
	assert.NoError(t, e.RequireLeader())
}
