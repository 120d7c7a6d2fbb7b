package broadcast

import (
	"context"
	"sync"
	"time"
)

// Event types pushed to big-screen display clients.
const (
	EventVoteUpdate       = "vote_update"
	EventStatisticsUpdate = "statistics_update"
	EventDebateChange     = "debate_change"
	EventDebateStatus     = "debate_status"
)

// Envelope is the wire shape of one push to display clients.
type Envelope struct {
	Type       string      `json:"type"`
	ActivityID string      `json:"activity_id"`
	DebateID   string      `json:"debate_id,omitempty"`
	Data       interface{} `json:"data"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Dispatcher fans envelopes out to the display clients subscribed to an
// activity. Sends never block: a subscriber that cannot keep up drops
// messages rather than stalling the vote path.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Envelope
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a display client for an activity's events. The stream
// closes when the context ends or the cleanup function is called.
func (d *Dispatcher) Subscribe(ctx context.Context, activityID string) (<-chan Envelope, func()) {
	if activityID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Envelope, d.bufferSize),
	}
	d.register(activityID, sub)
	cleanup := func() {
		d.unregister(activityID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the envelope to every subscriber of its activity.
func (d *Dispatcher) Publish(envelope Envelope) {
	if envelope.ActivityID == "" || envelope.Type == "" {
		return
	}
	d.mu.RLock()
	room := d.subscribers[envelope.ActivityID]
	if len(room) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(room))
	for _, sub := range room {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- envelope:
		default:
		}
	}
}

// SubscriberCount reports how many display clients watch an activity.
func (d *Dispatcher) SubscriberCount(activityID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[activityID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(activityID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[activityID]; !ok {
		d.subscribers[activityID] = make(map[int64]*subscriber)
	}
	d.subscribers[activityID][sub.id] = sub
}

func (d *Dispatcher) unregister(activityID string, subscriberID int64) {
	d.mu.Lock()
	room := d.subscribers[activityID]
	if room != nil {
		delete(room, subscriberID)
		if len(room) == 0 {
			delete(d.subscribers, activityID)
		}
	}
	d.mu.Unlock()
}
