package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

const memoryNotifyBuffer = 1024

// MemoryStore is a single-process Store for development and tests.
// Notifications are delivered asynchronously, one at a time, in put order.
type MemoryStore struct {
	maxTTL int64
	nodeID string
	now    func() time.Time

	mu     sync.Mutex
	topics map[string][]Message
	acks   map[string]time.Time

	handlersMu sync.RWMutex
	handlers   map[int]NotificationHandler
	nextID     int

	notify    chan Notification
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemoryStore starts an empty in-process store.
func NewMemoryStore(opts Options) *MemoryStore {
	s := &MemoryStore{
		maxTTL:   opts.MaxTTL,
		nodeID:   opts.NodeID,
		now:      opts.clock(),
		topics:   make(map[string][]Message),
		acks:     make(map[string]time.Time),
		handlers: make(map[int]NotificationHandler),
		notify:   make(chan Notification, memoryNotifyBuffer),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

func (s *MemoryStore) Put(ctx context.Context, msg Message, socketID string) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrClosed
	}
	msg, err := stamp(msg, s.maxTTL, s.now(), uuid.NewString)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	s.topics[msg.Topic] = append(s.topics[msg.Topic], msg)
	s.mu.Unlock()
	observe("put", nil)

	select {
	case s.notify <- Notification{Message: msg, SocketID: socketID, NodeID: s.nodeID}:
	case <-ctx.Done():
		return msg, ctx.Err()
	case <-s.done:
		return msg, ErrClosed
	}
	return msg, nil
}

func (s *MemoryStore) Get(_ context.Context, topic string) ([]Message, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.topics[topic]
	live := stored[:0]
	for _, msg := range stored {
		if !msg.Expired(now) {
			live = append(live, msg)
		}
	}
	if len(live) == 0 {
		delete(s.topics, topic)
	} else {
		s.topics[topic] = live
	}

	out := make([]Message, len(live))
	copy(out, live)
	observe("get", nil)
	return out, nil
}

func (s *MemoryStore) OnPublish(ctx context.Context, fn NotificationHandler) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.handlersMu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	s.handlersMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.handlersMu.Lock()
		delete(s.handlers, id)
		s.handlersMu.Unlock()
	}()
	return nil
}

func (s *MemoryStore) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	s.acks[id] = s.now()
	s.mu.Unlock()
	observe("ack", nil)
	return nil
}

// Acked reports whether id has been acknowledged.
func (s *MemoryStore) Acked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.acks[id]
	return ok
}

func (s *MemoryStore) Ping(context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *MemoryStore) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case n := <-s.notify:
			metrics.StoreNotifications.Inc()
			s.handlersMu.RLock()
			for _, fn := range s.handlers {
				s.deliver(fn, n)
			}
			s.handlersMu.RUnlock()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) deliver(fn NotificationHandler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Notification handler panicked", zap.Any("panic", r), zap.String("topic", n.Message.Topic))
		}
	}()
	fn(n)
}
