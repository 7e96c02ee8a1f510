// Package bus implements in-process many-to-many dispatch of trade events.
// Publishers never block: each subscriber owns a bounded mailbox, and when a
// mailbox is full the oldest undelivered trade is dropped for that subscriber.
// Delivery is FIFO per subscriber with respect to Publish calls.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"pmfeed/internal/model"
)

const (
	defaultPublishBuffer = 10000
	defaultMailboxSize   = 1000
)

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	name    string
	ch      chan model.Trade
	dropped atomic.Uint64
}

// C returns the subscriber's mailbox. It is closed when the bus shuts down.
func (s *Subscription) C() <-chan model.Trade { return s.ch }

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Dropped returns the number of trades dropped for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus fans trades out from many publishers to many subscribers. A single
// dispatch goroutine owns the send side of every mailbox, so drop-oldest is
// race-free and per-subscriber ordering follows publish order.
type Bus struct {
	in          chan model.Trade
	mailboxSize int

	mu   sync.RWMutex
	subs []*Subscription

	droppedPublish atomic.Uint64

	// OnDrop is called with the subscriber name when a trade is dropped for
	// that subscriber. Optional.
	OnDrop func(subscriber string)
}

// New creates a Bus. Zero sizes select defaults.
func New(publishBuffer, mailboxSize int) *Bus {
	if publishBuffer <= 0 {
		publishBuffer = defaultPublishBuffer
	}
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	return &Bus{
		in:          make(chan model.Trade, publishBuffer),
		mailboxSize: mailboxSize,
	}
}

// Subscribe registers a named subscriber. Must be called before Run.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name: name,
		ch:   make(chan model.Trade, b.mailboxSize),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Publish offers a trade to the bus without blocking. Returns false (and
// counts the drop) if the bus input buffer is full; a trade accepted here is
// either delivered to each subscriber or counted against that subscriber.
func (b *Bus) Publish(t model.Trade) bool {
	select {
	case b.in <- t:
		return true
	default:
		b.droppedPublish.Add(1)
		log.Printf("[bus] input buffer full, dropping trade %s", t.DedupeKey)
		return false
	}
}

// DroppedPublishes returns the number of trades rejected at Publish.
func (b *Bus) DroppedPublishes() uint64 { return b.droppedPublish.Load() }

// Run dispatches trades until ctx is cancelled, then drains whatever is left
// in the input buffer and closes all subscriber mailboxes.
func (b *Bus) Run(ctx context.Context) {
	defer func() {
		// Drain buffered publishes so a shutdown doesn't silently lose
		// trades that were already accepted.
		for {
			select {
			case t := <-b.in:
				b.dispatch(t)
			default:
				b.mu.RLock()
				for _, sub := range b.subs {
					close(sub.ch)
				}
				b.mu.RUnlock()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-b.in:
			b.dispatch(t)
		}
	}
}

func (b *Bus) dispatch(t model.Trade) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- t:
			continue
		default:
		}
		// Mailbox full: drop the oldest undelivered trade for this
		// subscriber. Only the dispatcher sends on sub.ch, so after one
		// receive the send cannot block.
		select {
		case <-sub.ch:
		default:
		}
		sub.dropped.Add(1)
		if b.OnDrop != nil {
			b.OnDrop(sub.name)
		}
		select {
		case sub.ch <- t:
		default:
		}
	}
}
