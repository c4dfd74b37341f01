// SPDX-License-Identifier: MIT

// Package bus is the in-process pub/sub fabric for per-job transcription
// events. Delivery is ordered per job; a slow or gone subscriber is dropped
// rather than allowed to block the publishing engine.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/metrics"
	"github.com/scribeapp/scribed/internal/types"
)

// subscriberBuffer is the per-subscriber inbox capacity. A consumer that
// falls this far behind a live job is considered gone and gets dropped.
const subscriberBuffer = 256

// Bus fans out job events to live subscribers, keyed by job id.
//
// Publishing a terminal event closes every remaining subscription for that
// job and forgets the topic; end-of-stream is the closed channel. Subscribers
// that join after that point receive nothing from the bus and must be served
// by replay from the store.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]*Subscription
	logger zerolog.Logger
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		topics: make(map[string][]*Subscription),
		logger: log.WithComponent("bus"),
	}
}

// Subscription is one subscriber's attachment to a job's event stream.
type Subscription struct {
	bus   *Bus
	jobID string
	ch    chan types.Event
	once  sync.Once
}

// C returns the event channel. It is closed on end-of-stream, on Close,
// and when the bus drops the subscriber for falling behind.
func (s *Subscription) C() <-chan types.Event {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once and
// after the bus has already dropped or finished the stream.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s)
}

// Subscribe attaches a new subscriber to jobID's live stream. The caller
// owns the returned subscription and must Close it unless the channel is
// closed first.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		bus:   b,
		jobID: jobID,
		ch:    make(chan types.Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.topics[jobID] = append(b.topics[jobID], sub)
	b.mu.Unlock()

	metrics.BusSubscribers.Inc()
	return sub
}

// Publish delivers ev to every live subscriber of ev.JobID, in publish
// order. A subscriber whose inbox is full is dropped. If ev carries a
// terminal status the stream ends: all remaining subscriptions are closed
// and the topic is removed.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Snapshot: dropping a slow subscriber compacts the topic slice in place.
	subs := append([]*Subscription(nil), b.topics[ev.JobID]...)
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn().
				Str(log.FieldJobID, ev.JobID).
				Int("buffer", subscriberBuffer).
				Msg("dropping slow event subscriber")
			metrics.IncBusDrop("slow_subscriber")
			b.removeLocked(sub)
		}
	}
	metrics.BusPublishedTotal.Inc()

	if ev.Status.IsTerminal() {
		for _, sub := range b.topics[ev.JobID] {
			sub.closeOnce()
			metrics.BusSubscribers.Dec()
		}
		delete(b.topics, ev.JobID)
	}
}

// Subscribers reports the number of live subscribers for jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[jobID])
}

// removeLocked detaches sub from its topic and closes its channel.
// Caller holds b.mu. No-op if the subscription is already gone.
func (b *Bus) removeLocked(sub *Subscription) {
	lst, ok := b.topics[sub.jobID]
	if !ok {
		return
	}
	out := lst[:0]
	found := false
	for _, s := range lst {
		if s == sub {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return
	}
	if len(out) == 0 {
		delete(b.topics, sub.jobID)
	} else {
		b.topics[sub.jobID] = out
	}
	sub.closeOnce()
	metrics.BusSubscribers.Dec()
}

func (s *Subscription) closeOnce() {
	s.once.Do(func() { close(s.ch) })
}
