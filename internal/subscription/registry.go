// Package subscription tracks which connections listen on which topics.
package subscription

import (
	"sync"

	"github.com/google/uuid"
)

// Registry indexes subscriptions by id, topic and owning socket.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Subscription
	byTopic  map[string]map[string]*Subscription
	bySocket map[string]map[string]*Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Subscription),
		byTopic:  make(map[string]map[string]*Subscription),
		bySocket: make(map[string]map[string]*Subscription),
	}
}

// Add registers a subscription with a fresh id. Non-legacy subscriptions start
// with replay pending; the caller replays and then calls Activate.
func (r *Registry) Add(topic, socketID, method string, legacy bool) *Subscription {
	sub := newSubscription(uuid.NewString(), topic, socketID, method, legacy)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[sub.ID] = sub
	index(r.byTopic, topic, sub)
	index(r.bySocket, socketID, sub)
	return sub
}

// Get returns the subscription with id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Remove deletes a subscription. Unknown ids are ignored.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// Lookup returns the fan-out targets for a message on topic published from
// excludeSocketID. The publisher's own subscriptions are left out; pass an
// empty id to get every subscriber.
func (r *Registry) Lookup(topic, excludeSocketID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byTopic[topic]
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if excludeSocketID != "" && sub.SocketID == excludeSocketID {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// RemoveAllForSocket reaps every subscription owned by socketID.
func (r *Registry) RemoveAllForSocket(socketID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySocket[socketID]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.removeLocked(id)
	}
	return len(ids)
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Topics returns the number of topics with at least one subscriber.
func (r *Registry) Topics() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTopic)
}

func (r *Registry) removeLocked(id string) bool {
	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	unindex(r.byTopic, sub.Topic, id)
	unindex(r.bySocket, sub.SocketID, id)
	return true
}

func index(m map[string]map[string]*Subscription, key string, sub *Subscription) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]*Subscription)
		m[key] = set
	}
	set[sub.ID] = sub
}

func unindex(m map[string]map[string]*Subscription, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
