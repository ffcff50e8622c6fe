// Package debounce coalesces bursts of inbound messages per counterpart into
// a single flush once a quiet window passes without new messages.
package debounce

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"convpipe/internal/domain"
	"convpipe/internal/metrics"
)

const defaultQuietWindow = 15 * time.Second

// FlushFunc receives a completed burst. It runs on the timer goroutine.
type FlushFunc func(key string, msgs []domain.Message)

// Debouncer is a registry of pending bursts keyed by counterpart. Entries are
// created on the first message after a flush and removed when their timer fires.
type Debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	pending  map[string]*burst
	flushing map[string]bool
	stopped  bool
	wg       sync.WaitGroup

	flush  FlushFunc
	logger *slog.Logger
}

type burst struct {
	msgs  []domain.Message
	timer *time.Timer
	gen   uint64
	ready bool // timer fired while a previous flush for the key was running
}

// Config configures a Debouncer.
type Config struct {
	QuietWindow time.Duration
	Flush       FlushFunc
	Logger      *slog.Logger
}

// New creates a Debouncer.
func New(cfg Config) *Debouncer {
	window := cfg.QuietWindow
	if window <= 0 {
		window = defaultQuietWindow
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Debouncer{
		window:   window,
		pending:  make(map[string]*burst),
		flushing: make(map[string]bool),
		flush:    cfg.Flush,
		logger:   lgr,
	}
}

// Add appends msg to the pending burst for key and (re)arms its quiet window.
func (d *Debouncer) Add(key string, msg domain.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	b, ok := d.pending[key]
	if !ok {
		b = &burst{}
		d.pending[key] = b
		metrics.PendingBursts.Set(int64(len(d.pending)))
	} else if b.timer != nil {
		b.timer.Stop()
	}
	b.msgs = append(b.msgs, msg)
	b.gen++
	b.ready = false
	gen := b.gen
	b.timer = time.AfterFunc(d.window, func() { d.fire(key, gen) })
}

// fire runs when a burst's timer expires. A stale generation means the burst
// was re-armed after this timer was scheduled.
func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	b, ok := d.pending[key]
	if !ok || b.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	if d.flushing[key] {
		b.ready = true
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.flushing[key] = true
	d.wg.Add(1)
	metrics.PendingBursts.Set(int64(len(d.pending)))
	d.mu.Unlock()

	defer d.wg.Done()
	msgs := b.msgs
	for {
		d.runFlush(key, msgs)

		// A burst that completed during the flush goes next, in order.
		d.mu.Lock()
		next, ok := d.pending[key]
		if !ok || !next.ready || d.stopped {
			delete(d.flushing, key)
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		metrics.PendingBursts.Set(int64(len(d.pending)))
		msgs = next.msgs
		d.mu.Unlock()
	}
}

func (d *Debouncer) runFlush(key string, msgs []domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("debounce flush panicked",
				"key", key,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	if d.flush != nil {
		d.flush(key, msgs)
	}
}

// Pending returns the number of buffered messages for key.
func (d *Debouncer) Pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.pending[key]; ok {
		return len(b.msgs)
	}
	return 0
}

// Len returns the number of keys with a pending burst.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending timer and discards unflushed bursts, then waits
// for in-flight flushes. The messages themselves are already stored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	dropped := 0
	for key, b := range d.pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		dropped += len(b.msgs)
		delete(d.pending, key)
	}
	metrics.PendingBursts.Set(0)
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Info("debouncer stopped with unflushed messages", "messages", dropped)
	}
	d.wg.Wait()
}
