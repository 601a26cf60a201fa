package subscription

import (
	"sync"
)

// Message is what a subscription hands to its push function.
type Message struct {
	ID          string
	Topic       string
	Payload     string
	Tag         int64
	PublishedAt int64
}

// PushFunc writes one message to the subscriber's connection. It returns false
// when the connection is gone.
type PushFunc func(sub *Subscription, msg Message) bool

// Subscription ties a topic to a connection.
//
// A subscription created with replay pending buffers live deliveries until
// Activate is called, so cached messages reach the client ahead of anything
// published after it subscribed.
type Subscription struct {
	ID       string
	Topic    string
	SocketID string
	Method   string
	Legacy   bool

	mu       sync.Mutex
	pending  bool
	buffer   []Message
	replayed map[string]struct{}
}

func newSubscription(id, topic, socketID, method string, legacy bool) *Subscription {
	return &Subscription{
		ID:       id,
		Topic:    topic,
		SocketID: socketID,
		Method:   method,
		Legacy:   legacy,
		pending:  !legacy,
	}
}

// Pending reports whether the subscription still waits for its replay.
func (s *Subscription) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Deliver pushes a live message, or queues it while replay is pending.
func (s *Subscription) Deliver(msg Message, push PushFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending {
		s.buffer = append(s.buffer, msg)
		return true
	}
	return push(s, msg)
}

// Replay pushes one cached message and remembers its id so the same message
// arriving live during replay is not pushed twice.
func (s *Subscription) Replay(msg Message, push PushFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.replayed == nil {
		s.replayed = make(map[string]struct{})
	}
	if msg.ID != "" {
		s.replayed[msg.ID] = struct{}{}
	}
	return push(s, msg)
}

// Activate ends replay: buffered live messages go out in arrival order,
// skipping any already pushed by Replay. It returns how many were flushed.
func (s *Subscription) Activate(push PushFunc) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		return 0
	}
	flushed := 0
	for _, msg := range s.buffer {
		if _, seen := s.replayed[msg.ID]; seen && msg.ID != "" {
			continue
		}
		if !push(s, msg) {
			break
		}
		flushed++
	}
	s.buffer = nil
	s.replayed = nil
	s.pending = false
	return flushed
}
