package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDebounceWindow is the minimum spacing between broadcasts for one
// activity.
const DefaultDebounceWindow = time.Second

// DebouncerConfig describes the dependencies of the broadcast debouncer.
type DebouncerConfig struct {
	Dispatcher *Dispatcher
	Window     time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Debouncer rate-limits statistics pushes to at most one per activity per
// rolling window. An envelope arriving inside the window replaces any
// envelope already waiting (last write wins) and is flushed exactly when the
// window since the previous broadcast elapses; nothing is silently dropped.
type Debouncer struct {
	dispatcher *Dispatcher
	window     time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	mu     sync.Mutex
	states map[string]*debounceState
}

type debounceState struct {
	lastSent     time.Time
	pending      *Envelope
	flushPending bool
}

// NewDebouncer constructs the debouncer.
func NewDebouncer(cfg DebouncerConfig) *Debouncer {
	window := cfg.Window
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		dispatcher: cfg.Dispatcher,
		window:     window,
		clock:      clock,
		logger:     logger,
		states:     make(map[string]*debounceState),
	}
}

// Send broadcasts the envelope for its activity, immediately when the
// activity is outside its debounce window, otherwise coalesced into one
// delayed broadcast at the window boundary.
func (d *Debouncer) Send(envelope Envelope) {
	if envelope.ActivityID == "" {
		return
	}
	d.mu.Lock()
	state, ok := d.states[envelope.ActivityID]
	if !ok {
		state = &debounceState{}
		d.states[envelope.ActivityID] = state
	}

	now := d.clock()
	elapsed := now.Sub(state.lastSent)
	if !state.flushPending && (state.lastSent.IsZero() || elapsed >= d.window) {
		state.lastSent = now
		d.mu.Unlock()
		d.publish(envelope)
		return
	}

	state.pending = &envelope
	if !state.flushPending {
		state.flushPending = true
		delay := d.window - elapsed
		if delay < 0 {
			delay = 0
		}
		time.AfterFunc(delay, func() {
			d.flush(envelope.ActivityID)
		})
	}
	d.mu.Unlock()
}

func (d *Debouncer) flush(activityID string) {
	d.mu.Lock()
	state := d.states[activityID]
	if state == nil {
		d.mu.Unlock()
		return
	}
	envelope := state.pending
	state.pending = nil
	state.flushPending = false
	if envelope != nil {
		state.lastSent = d.clock()
	}
	d.mu.Unlock()
	if envelope != nil {
		d.publish(*envelope)
	}
}

func (d *Debouncer) publish(envelope Envelope) {
	if d.dispatcher == nil {
		d.logger.Warn("broadcast skipped, no dispatcher configured",
			zap.String("activity_id", envelope.ActivityID))
		return
	}
	d.dispatcher.Publish(envelope)
	d.logger.Debug("statistics broadcast",
		zap.String("activity_id", envelope.ActivityID),
		zap.String("type", envelope.Type))
}
