package syncengine

import (
	"sync"
	"time"
)

// Profile sets how often a surface polls.
type Profile struct {
	Active        time.Duration
	Idle          time.Duration
	IdleThreshold time.Duration
}

var (
	// ThreadProfile drives an open conversation.
	ThreadProfile = Profile{Active: 20 * time.Second, Idle: 45 * time.Second, IdleThreshold: 3 * time.Minute}
	// ListProfile drives the inbox, which changes less urgently.
	ListProfile = Profile{Active: 30 * time.Second, Idle: 60 * time.Second, IdleThreshold: 5 * time.Minute}
)

func (p Profile) normalized(fallback Profile) Profile {
	if p.Active <= 0 {
		p.Active = fallback.Active
	}
	if p.Idle <= p.Active {
		p.Idle = fallback.Idle
		if p.Idle <= p.Active {
			p.Idle = 2 * p.Active
		}
	}
	if p.IdleThreshold <= 0 {
		p.IdleThreshold = fallback.IdleThreshold
	}
	return p
}

type Signal string

const (
	SignalPointerDown Signal = "pointer-down"
	SignalKeyDown     Signal = "key-down"
	SignalScroll      Signal = "scroll"
	SignalTouch       Signal = "touch"
)

func (s Signal) qualifies() bool {
	switch s {
	case SignalPointerDown, SignalKeyDown, SignalScroll, SignalTouch:
		return true
	}
	return false
}

// Activity tracks surface visibility and the last user signal.
type Activity struct {
	profile Profile
	now     func() time.Time

	mu      sync.Mutex
	visible bool
	last    time.Time
}

// NewActivity starts visible and active, as a surface that was just opened.
func NewActivity(profile Profile, now func() time.Time) *Activity {
	if now == nil {
		now = time.Now
	}
	return &Activity{
		profile: profile,
		now:     now,
		visible: true,
		last:    now(),
	}
}

// Record notes a user signal. Anything but the qualifying signals is ignored.
func (a *Activity) Record(sig Signal) bool {
	if !sig.qualifies() {
		return false
	}
	a.mu.Lock()
	a.last = a.now()
	a.mu.Unlock()
	return true
}

// SetVisible reports whether the surface just became visible.
func (a *Activity) SetVisible(visible bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	became := visible && !a.visible
	a.visible = visible
	return became
}

func (a *Activity) Visible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible
}

// Active reports whether the surface is visible and saw a signal within
// the idle threshold.
func (a *Activity) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible && a.now().Sub(a.last) <= a.profile.IdleThreshold
}

// Interval is the delay until the next poll.
func (a *Activity) Interval() time.Duration {
	if a.Active() {
		return a.profile.Active
	}
	return a.profile.Idle
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
