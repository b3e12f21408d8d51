// Package broadcast fans terminal execution events out to live subscribers.
//
// A single goroutine owns the subscriber set. Subscribe, Unsubscribe, Publish
// and Close are requests to that goroutine, so registration and fan-out never
// race. Publish returns after the event was offered to every subscriber
// registered at that moment.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dukex/stepflow/pkg/events"
)

const DefaultBufferSize = 64

var ErrHubClosed = errors.New("broadcast hub closed")

// Subscription receives events published after it was registered.
// Its channel is closed when the subscriber is evicted, unsubscribed or the hub closes.
type Subscription struct {
	events chan events.ExecutionEvent
	hub    *Hub
}

// Events returns the subscriber's event stream.
func (s *Subscription) Events() <-chan events.ExecutionEvent {
	return s.events
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	select {
	case s.hub.unsubscribe <- s:
	case <-s.hub.done:
	}
}

type subscribeRequest struct {
	sub   *Subscription
	ready chan struct{}
}

type publishRequest struct {
	event     events.ExecutionEvent
	delivered chan int
}

// Hub is the broadcaster.
type Hub struct {
	bufferSize  int
	logger      *slog.Logger
	subscribe   chan subscribeRequest
	unsubscribe chan *Subscription
	publish     chan publishRequest
	count       chan chan int
	quit        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// NewHub starts a hub whose subscribers buffer up to bufferSize events.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	hub := &Hub{
		bufferSize:  bufferSize,
		logger:      logger.With("module", "broadcast"),
		subscribe:   make(chan subscribeRequest),
		unsubscribe: make(chan *Subscription),
		publish:     make(chan publishRequest),
		count:       make(chan chan int),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	go hub.run()

	return hub
}

func (h *Hub) run() {
	subscribers := make(map[*Subscription]struct{})

	defer close(h.done)

	for {
		select {
		case req := <-h.subscribe:
			subscribers[req.sub] = struct{}{}
			close(req.ready)

		case sub := <-h.unsubscribe:
			if _, ok := subscribers[sub]; ok {
				delete(subscribers, sub)
				close(sub.events)
			}

		case req := <-h.publish:
			delivered := 0

			for sub := range subscribers {
				select {
				case sub.events <- req.event:
					delivered++
				default:
					delete(subscribers, sub)
					close(sub.events)
					h.logger.Warn("Evicted slow subscriber", "execution_id", req.event.ExecutionID)
				}
			}

			req.delivered <- delivered

		case reply := <-h.count:
			reply <- len(subscribers)

		case <-h.quit:
			for sub := range subscribers {
				close(sub.events)
			}

			return
		}
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() (*Subscription, error) {
	sub := &Subscription{
		events: make(chan events.ExecutionEvent, h.bufferSize),
		hub:    h,
	}
	req := subscribeRequest{sub: sub, ready: make(chan struct{})}

	select {
	case h.subscribe <- req:
		<-req.ready

		return sub, nil
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Publish offers event to every current subscriber and returns after the fan-out.
func (h *Hub) Publish(ctx context.Context, event events.ExecutionEvent) {
	req := publishRequest{event: event, delivered: make(chan int, 1)}

	select {
	case h.publish <- req:
		delivered := <-req.delivered
		h.logger.DebugContext(ctx, "Event broadcast", "event_type", event.Type, "subscribers", delivered)
	case <-h.done:
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)

	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the hub and closes every subscriber channel.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	<-h.done
}
