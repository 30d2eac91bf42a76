package docstore

import (
	"context"
	"sync"
	"time"
)

// ChangeNotice tells subscribers that a collection changed. It carries no data;
// subscribers re-read the ordered snapshot.
type ChangeNotice struct {
	Collection string
	Timestamp  time.Time
}

// Dispatcher fans change notices out to in-process subscribers of a collection.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*noticeSubscriber
	nextID      int64
	bufferSize  int
	onCount     func(active int)
}

type noticeSubscriber struct {
	id     int64
	stream chan ChangeNotice
}

// NewDispatcher constructs a Dispatcher. onCount, when set, receives the
// number of active subscribers after every change.
func NewDispatcher(onCount func(active int)) *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*noticeSubscriber),
		bufferSize:  1,
		onCount:     onCount,
	}
}

// Subscribe registers for notices on collection until ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, collection string) (<-chan ChangeNotice, func()) {
	if collection == "" {
		ch := make(chan ChangeNotice)
		close(ch)
		return ch, func() {}
	}
	subscriber := &noticeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeNotice, d.bufferSize),
	}
	d.registerSubscriber(collection, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(collection, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish notifies every subscriber of the notice's collection. A subscriber with a
// pending notice is skipped; it will re-read the latest state anyway.
func (d *Dispatcher) Publish(notice ChangeNotice) {
	if notice.Collection == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[notice.Collection]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*noticeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notice:
		default:
		}
	}
}

// Active returns the number of registered subscribers across all collections.
func (d *Dispatcher) Active() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.countLocked()
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(collection string, subscriber *noticeSubscriber) {
	d.mu.Lock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*noticeSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
	active := d.countLocked()
	d.mu.Unlock()
	d.report(active)
}

func (d *Dispatcher) unregisterSubscriber(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	active := d.countLocked()
	d.mu.Unlock()
	d.report(active)
}

func (d *Dispatcher) countLocked() int {
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *Dispatcher) report(active int) {
	if d.onCount != nil {
		d.onCount(active)
	}
}
