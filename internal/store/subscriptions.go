package store

import (
	"sync"

	"go.uber.org/zap"
)

type subscriber struct {
	id      int64
	path    string
	handler Handler
}

type subscriptionRegistry struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	logger      *zap.Logger
}

func newSubscriptionRegistry(logger *zap.Logger) *subscriptionRegistry {
	return &subscriptionRegistry{
		subscribers: make(map[int64]*subscriber),
		logger:      logger,
	}
}

func (r *subscriptionRegistry) add(path string, handler Handler) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subscribers[r.nextID] = &subscriber{id: r.nextID, path: path, handler: handler}
	return r.nextID
}

func (r *subscriptionRegistry) remove(id int64) {
	r.mu.Lock()
	delete(r.subscribers, id)
	r.mu.Unlock()
}

func (r *subscriptionRegistry) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	if len(r.subscribers) == 0 {
		r.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		copies = append(copies, sub)
	}
	r.mu.RUnlock()

	for _, event := range events {
		for _, sub := range copies {
			if covers(sub.path, event.Path) {
				r.safeCall(sub, event)
			}
		}
	}
}

func (r *subscriptionRegistry) safeCall(sub *subscriber, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("store subscriber panicked",
				zap.Int64("subscription_id", sub.id),
				zap.String("path", event.Path),
				zap.Any("panic", recovered))
		}
	}()
	sub.handler(event)
}
