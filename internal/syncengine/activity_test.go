package syncengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestProfiles(t *testing.T) {
	assert.Equal(t, Profile{Active: 20 * time.Second, Idle: 45 * time.Second, IdleThreshold: 3 * time.Minute}, ThreadProfile)
	assert.Equal(t, Profile{Active: 30 * time.Second, Idle: 60 * time.Second, IdleThreshold: 5 * time.Minute}, ListProfile)
	for _, p := range []Profile{ThreadProfile, ListProfile} {
		assert.Greater(t, p.Idle, p.Active)
	}
}

func TestProfileNormalizedKeepsIdleLonger(t *testing.T) {
	assert.Equal(t, ThreadProfile, Profile{}.normalized(ThreadProfile))
	got := Profile{Active: time.Minute, Idle: time.Second}.normalized(ThreadProfile)
	assert.Equal(t, 2*time.Minute, got.Idle)
	assert.Equal(t, ThreadProfile.IdleThreshold, got.IdleThreshold)
}

func TestActivityIntervalFollowsSignalsAndVisibility(t *testing.T) {
	clock := &manualClock{now: t0}
	a := NewActivity(ThreadProfile, clock.Now)
	assert.True(t, a.Visible())
	assert.Equal(t, 20*time.Second, a.Interval(), "fresh surfaces start active")

	clock.Advance(3 * time.Minute)
	assert.Equal(t, 20*time.Second, a.Interval(), "threshold is inclusive")
	clock.Advance(time.Second)
	assert.Equal(t, 45*time.Second, a.Interval())

	assert.True(t, a.Record(SignalKeyDown))
	assert.Equal(t, 20*time.Second, a.Interval())

	assert.False(t, a.SetVisible(false))
	assert.Equal(t, 45*time.Second, a.Interval(), "hidden surfaces are never active")
	assert.True(t, a.SetVisible(true))
	assert.False(t, a.SetVisible(true))
	assert.Equal(t, 20*time.Second, a.Interval())
}

func TestActivityIgnoresNonQualifyingSignals(t *testing.T) {
	clock := &manualClock{now: t0}
	a := NewActivity(ListProfile, clock.Now)
	clock.Advance(6 * time.Minute)
	assert.False(t, a.Record(Signal("mouse-move")))
	assert.Equal(t, 60*time.Second, a.Interval())
	for _, sig := range []Signal{SignalPointerDown, SignalKeyDown, SignalScroll, SignalTouch} {
		clock.Advance(6 * time.Minute)
		assert.True(t, a.Record(sig))
		assert.Equal(t, 30*time.Second, a.Interval(), string(sig))
	}
}

func TestClampJitterRatio(t *testing.T) {
	assert.Zero(t, clampJitterRatio(-0.1))
	assert.Equal(t, 1.0, clampJitterRatio(1.5))
	assert.Equal(t, 0.4, clampJitterRatio(0.4))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 20 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 16*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 20*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 24*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, time.Millisecond, jitteredIntervalWithSample(base, 1, 0))
	assert.Zero(t, jitteredIntervalWithSample(0, 0.2, 0.5))
}
