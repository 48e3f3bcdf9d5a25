package syncengine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// poller owns the timer goroutine shared by the thread and inbox engines.
// refresh must log and swallow its own errors.
type poller struct {
	activity *Activity
	jitter   float64
	now      func() time.Time
	limiter  *rate.Limiter
	refresh  func(ctx context.Context, source Source)

	visibleCh chan struct{}
	pushCh    chan struct{}

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      sync.WaitGroup
}

func newPoller(activity *Activity, jitter float64, now func() time.Time, limiter *rate.Limiter, refresh func(context.Context, Source)) *poller {
	return &poller{
		activity:  activity,
		jitter:    clampJitterRatio(jitter),
		now:       now,
		limiter:   limiter,
		refresh:   refresh,
		visibleCh: make(chan struct{}, 1),
		pushCh:    make(chan struct{}, 1),
	}
}

// start runs the loop plus any workers until stop. Calling it while
// running does nothing.
func (p *poller) start(ctx context.Context, workers ...func(context.Context)) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done.Add(1 + len(workers))
	go func() {
		defer p.done.Done()
		p.run(runCtx)
	}()
	for _, worker := range workers {
		go func(worker func(context.Context)) {
			defer p.done.Done()
			worker(runCtx)
		}(worker)
	}
}

// stop reports whether the poller was running.
func (p *poller) stop() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.cancel == nil {
		return false
	}
	p.cancel()
	p.cancel = nil
	p.done.Wait()
	return true
}

func (p *poller) running() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.cancel != nil
}

func (p *poller) setVisible(visible bool) {
	if p.activity.SetVisible(visible) {
		select {
		case p.visibleCh <- struct{}{}:
		default:
		}
	}
}

// nudge asks for a push-triggered refresh. Bursts collapse into one.
func (p *poller) nudge() {
	select {
	case p.pushCh <- struct{}{}:
	default:
	}
}

func (p *poller) run(ctx context.Context) {
	rng := rand.New(rand.NewSource(p.now().UnixNano()))
	next := func() time.Duration {
		return jitteredIntervalWithSample(p.activity.Interval(), p.jitter, rng.Float64())
	}
	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !p.activity.Visible() {
				// Parked until the surface is visible again.
				continue
			}
			p.refresh(ctx, SourcePoll)
			timer.Reset(next())
		case <-p.visibleCh:
			p.refresh(ctx, SourceVisibility)
			resetTimer(timer, next())
		case <-p.pushCh:
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return
				}
			}
			if !p.activity.Visible() {
				continue
			}
			p.refresh(ctx, SourcePush)
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
