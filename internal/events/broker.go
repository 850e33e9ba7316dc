package events

import (
	"sync"

	"interlock/internal/domain"
)

const subscriberBuffer = 64

// Broker fans out committed changes to in-process subscribers. Delivery is
// at-least-once and best-effort per subscriber: when a subscriber's buffer is
// full the change is replaced by a Lagged marker, which tells the consumer to
// re-fetch from its durable cursor instead of trusting the stream.
type Broker struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
	perOwnr map[string]map[int]struct{}
}

// Lagged marks a gap: the subscriber fell behind and must resync via the
// changes cursor. EntityID and Version are zero values.
var Lagged = domain.Change{ChangeType: "lagged"}

type subscriber struct {
	ownerID string
	ch      chan domain.Change
	lagged  bool
}

func NewBroker() *Broker {
	return &Broker{
		subs:    map[int]*subscriber{},
		perOwnr: map[string]map[int]struct{}{},
	}
}

// Subscribe registers a listener for one owner scope. The returned cancel
// must be called to release the subscription; the channel is closed by it.
func (b *Broker) Subscribe(ownerID string) (<-chan domain.Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ownerID: ownerID, ch: make(chan domain.Change, subscriberBuffer)}
	b.subs[id] = sub
	if b.perOwnr[ownerID] == nil {
		b.perOwnr[ownerID] = map[int]struct{}{}
	}
	b.perOwnr[ownerID][id] = struct{}{}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			delete(b.perOwnr[ownerID], id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers a committed change to every subscriber of its owner.
// Callers must only publish after the corresponding store tx commits.
func (b *Broker) Publish(c domain.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.perOwnr[c.OwnerID] {
		sub := b.subs[id]
		select {
		case sub.ch <- c:
			sub.lagged = false
		default:
			if !sub.lagged {
				// Buffer full: drop the oldest pending change to make room
				// for a single gap marker until the consumer drains.
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- Lagged:
					sub.lagged = true
				default:
				}
			}
		}
	}
}

// PublishAll publishes a batch in order.
func (b *Broker) PublishAll(changes []domain.Change) {
	for _, c := range changes {
		b.Publish(c)
	}
}
