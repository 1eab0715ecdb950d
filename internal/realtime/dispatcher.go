// Package realtime fans table change events out to per-table subscribers.
package realtime

import (
	"context"
	"sync"
	"time"
)

// Kind labels what produced an event.
type Kind string

const (
	KindMerge  Kind = "merge"
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindReload Kind = "reload"

	// EventHeartbeat is the SSE event name used for keep-alives.
	EventHeartbeat = "heartbeat"
	// EventTableChanged is the SSE event name used for table events.
	EventTableChanged = "table-change"
)

const defaultBufferSize = 16

// Event describes one change applied to a cached table.
type Event struct {
	TableID   int64     `json:"tableId"`
	Kind      Kind      `json:"kind"`
	Added     int       `json:"added"`
	Updated   int       `json:"updated"`
	Removed   int       `json:"removed"`
	RecordIDs []string  `json:"recordIds"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher delivers events to subscribers of a table. Slow subscribers lose events
// rather than block publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs a dispatcher; a non-positive bufferSize uses the default.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[int64]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers for events on tableID until ctx ends or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, tableID int64) (<-chan Event, func()) {
	if tableID <= 0 {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(tableID, sub)
	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			d.unregister(tableID, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish implements the orchestration layer's publisher.
func (d *Dispatcher) Publish(event Event) {
	if event.TableID <= 0 || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.TableID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers watch tableID.
func (d *Dispatcher) SubscriberCount(tableID int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tableID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(tableID int64, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tableID]; !ok {
		d.subscribers[tableID] = make(map[int64]*subscriber)
	}
	d.subscribers[tableID][sub.id] = sub
}

func (d *Dispatcher) unregister(tableID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tableID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tableID)
		}
	}
	d.mu.Unlock()
}
