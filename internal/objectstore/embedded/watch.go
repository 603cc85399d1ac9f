package embedded

import (
	"sync"

	"github.com/cuemby/nvmeof-gw/internal/metrics"
	"github.com/cuemby/nvmeof-gw/internal/objectstore"
)

// watchBufferSize bounds each subscriber's channel. Adapted from the
// teacher's events.Broker, which drops the newest event on a full buffer;
// the state map's watch() contract instead requires drop-oldest with a
// resnapshot signal, so the send path here differs from the teacher's.
const watchBufferSize = 256

type subscriber struct {
	id uint64
	ch chan objectstore.ChangeEvent
}

type broker struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]*subscriber
}

func newBroker() *broker {
	return &broker{listeners: make(map[uint64]*subscriber)}
}

func (b *broker) subscribe() *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan objectstore.ChangeEvent, watchBufferSize)}
	b.listeners[sub.id] = sub
	return sub
}

func (b *broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.listeners[id]; ok {
		close(sub.ch)
		delete(b.listeners, id)
	}
}

// publish delivers ev to every subscriber, dropping the oldest buffered
// event (not ev itself) when a subscriber's channel is full, and flagging
// the delivered event as Overflowed so the state map layer knows it must
// resnapshot to recover whatever was dropped.
func (b *broker) publish(ev objectstore.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.listeners {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
				metrics.StateMapWatchDroppedTotal.Inc()
			default:
			}
			overflowed := ev
			overflowed.Overflowed = true
			select {
			case sub.ch <- overflowed:
			default:
				// subscriber is catastrophically behind; nothing more we
				// can do without blocking the publisher.
			}
		}
		metrics.StateMapWatchLag.Set(float64(len(sub.ch)))
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.listeners {
		close(sub.ch)
		delete(b.listeners, id)
	}
}
