package logging

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type aggregateKey struct {
	component string
	event     string
}

type aggregateEntry struct {
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	fields    []slog.Attr
}

// Aggregator batches high-frequency events (keystrokes typed before a session
// exists, output from sessions that are no longer current) and emits one
// event_summary per event type and interval instead of a record per
// occurrence.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// With a nil logger recorded events are counted and then discarded.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop emits whatever is pending and stops the flush goroutine. It may be
// called more than once, and on an aggregator that was never started.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.flush()
	})
}

// Pending returns the count recorded for an event since the last flush.
func (a *Aggregator) Pending(component, event string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[aggregateKey{component, event}]; ok {
		return e.count
	}
	return 0
}

// Record counts one occurrence. The fields of the latest call are the ones
// reported with the summary.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{component, event}
	e, ok := a.entries[key]
	if !ok {
		e = &aggregateEntry{firstSeen: now}
		a.entries[key] = e
	}
	e.count++
	e.lastSeen = now
	if len(fields) > 0 {
		e.fields = fields
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	pending := a.entries
	if len(pending) > 0 {
		a.entries = make(map[aggregateKey]*aggregateEntry)
	}
	a.mu.Unlock()

	if len(pending) == 0 || a.logger == nil {
		return
	}

	keys := make([]aggregateKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y aggregateKey) int {
		return cmp.Or(cmp.Compare(x.component, y.component), cmp.Compare(x.event, y.event))
	})

	for _, k := range keys {
		e := pending[k]
		attrs := make([]any, 0, 5+len(e.fields))
		attrs = append(attrs,
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", e.count),
			slog.Time("first_seen", e.firstSeen),
			slog.Duration("span", e.lastSeen.Sub(e.firstSeen)),
		)
		for _, f := range e.fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}
