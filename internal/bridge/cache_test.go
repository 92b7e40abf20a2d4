package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheRetainedLifecycle(t *testing.T) {
	cache := NewCache()

	// Fresh process: first batch must be retained
	assert.True(t, cache.NeedsRetainedPublish())

	cache.Commit(TopicSet{"powerwall/system/solar_power": "250.00"})
	assert.False(t, cache.NeedsRetainedPublish())

	// Connection loss forces a full retained republish on the next success
	cache.MarkDisconnected()
	assert.True(t, cache.NeedsRetainedPublish())

	cache.Commit(TopicSet{"powerwall/system/solar_power": "251.00"})
	assert.False(t, cache.NeedsRetainedPublish())
}

func TestCacheCommitCopies(t *testing.T) {
	cache := NewCache()

	set := TopicSet{"powerwall/system/solar_power": "250.00"}
	cache.Commit(set)

	// Caller mutations after Commit must not leak into the cache
	set["powerwall/system/solar_power"] = "0.00"
	assert.Equal(t, "250.00", cache.Last()["powerwall/system/solar_power"])

	// Nor may mutations of the returned copy
	last := cache.Last()
	last["powerwall/system/solar_power"] = "0.00"
	assert.Equal(t, "250.00", cache.Last()["powerwall/system/solar_power"])
}

func TestCacheLastEmptyBeforeCommit(t *testing.T) {
	cache := NewCache()
	assert.Empty(t, cache.Last())
}
