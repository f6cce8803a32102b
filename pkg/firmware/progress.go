package firmware

import "time"

// Progress is the aggregated state of an update
type Progress struct {
	Installing string  `json:"installing,omitempty"`
	Progress   float64 `json:"progress"`
}

// aggregator folds step transitions and bulk progress into Progress values,
// dropping repeats and emitting at most once per interval. Step transitions
// are always emitted and the latest state is flushed at the end.
type aggregator struct {
	emit     func(Progress)
	interval time.Duration
	now      func() time.Time

	state   Progress
	last    Progress
	lastAt  time.Time
	emitted bool
	pending bool
}

func newAggregator(emit func(Progress), interval time.Duration, now func() time.Time) *aggregator {
	if emit == nil {
		emit = func(Progress) {}
	}
	if now == nil {
		now = time.Now
	}
	return &aggregator{emit: emit, interval: interval, now: now}
}

func (a *aggregator) step(name string) {
	a.state = Progress{Installing: name}
	a.push(true)
}

func (a *aggregator) progress(p float64) {
	a.state.Progress = p
	a.push(false)
}

func (a *aggregator) push(force bool) {
	if a.emitted && a.state == a.last {
		a.pending = false
		return
	}
	if !force && a.emitted && a.now().Sub(a.lastAt) < a.interval {
		a.pending = true
		return
	}
	a.send()
}

func (a *aggregator) flush() {
	if a.pending && a.state != a.last {
		a.send()
	}
}

func (a *aggregator) send() {
	a.last = a.state
	a.lastAt = a.now()
	a.emitted = true
	a.pending = false
	a.emit(a.state)
}
