// Package notify pushes payment outcomes to clients waiting on a payment.
// Delivery is best effort: no acknowledgement and no retry.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const subscriptionBuffer = 8

type Event struct {
	Status    string `json:"status"`
	Gateway   string `json:"gateway"`
	PaymentID uint   `json:"paymentId"`
}

type Notifier interface {
	Notify(ctx context.Context, paymentID uint, ev Event) error
}

// Hub groups subscribers into rooms keyed by payment id. Membership lives only
// as long as the process.
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]map[*Subscription]struct{}
	log   *zap.Logger

	origins []string
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[uint]map[*Subscription]struct{}),
		log:   log,
	}
}

type Subscription struct {
	PaymentID uint
	C         <-chan Event

	c    chan Event
	hub  *Hub
	once sync.Once
}

func (h *Hub) Subscribe(paymentID uint) *Subscription {
	c := make(chan Event, subscriptionBuffer)
	sub := &Subscription{PaymentID: paymentID, C: c, c: c, hub: h}

	h.mu.Lock()
	room, ok := h.rooms[paymentID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[paymentID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Close leaves the room and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if room, ok := h.rooms[s.PaymentID]; ok {
			delete(room, s)
			if len(room) == 0 {
				delete(h.rooms, s.PaymentID)
			}
		}
		close(s.c)
		h.mu.Unlock()
	})
}

// Notify delivers ev to every subscriber of the payment's room. A subscriber
// whose buffer is full misses the event.
func (h *Hub) Notify(_ context.Context, paymentID uint, ev Event) error {
	ev.PaymentID = paymentID

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[paymentID] {
		select {
		case sub.c <- ev:
		default:
			h.log.Warn("dropping payment event for slow subscriber", zap.Uint("payment_id", paymentID))
		}
	}
	return nil
}

func (h *Hub) RoomSize(paymentID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[paymentID])
}
