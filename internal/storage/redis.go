package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps each topic in a sorted set scored by a global sequence and
// fans notifications out over a pub/sub channel.
type RedisStore struct {
	client *redis.Client
	prefix string
	maxTTL int64
	nodeID string
	now    func() time.Time
	log    *zap.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	wg      sync.WaitGroup
}

// NewRedisStore connects to the redis:// or rediss:// URL in opts.
func NewRedisStore(ctx context.Context, opts Options) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.Username != "" {
		redisOpts.Username = opts.Username
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", redisOpts.Addr, err)
	}

	s := &RedisStore{
		client: client,
		prefix: opts.prefix(),
		maxTTL: opts.MaxTTL,
		nodeID: opts.NodeID,
		now:    opts.clock(),
		log:    logger.New("store.redis"),
	}
	s.log.Info("Connected to redis", zap.String("addr", redisOpts.Addr), zap.Int("db", redisOpts.DB))
	return s, nil
}

func (s *RedisStore) topicKey(topic string) string { return s.prefix + ":messages:" + topic }
func (s *RedisStore) seqKey() string               { return s.prefix + ":messages:seq" }
func (s *RedisStore) channel() string              { return s.prefix + ":messages:added" }
func (s *RedisStore) ackKey(id string) string      { return s.prefix + ":acks:" + id }

func (s *RedisStore) Put(ctx context.Context, msg Message, socketID string) (Message, error) {
	msg, err := stamp(msg, s.maxTTL, s.now(), uuid.NewString)
	if err != nil {
		return Message{}, err
	}

	member, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		observe("put", err)
		return Message{}, fmt.Errorf("allocate sequence: %w", err)
	}

	key := s.topicKey(msg.Topic)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(seq), Member: member})
	pipe.Expire(ctx, key, time.Duration(s.maxTTLOr(msg.TTL))*time.Second)
	_, err = pipe.Exec(ctx)
	observe("put", err)
	if err != nil {
		return Message{}, fmt.Errorf("store message: %w", err)
	}

	note, err := json.Marshal(Notification{Message: msg, SocketID: socketID, NodeID: s.nodeID})
	if err != nil {
		return msg, fmt.Errorf("encode notification: %w", err)
	}
	err = s.client.Publish(ctx, s.channel(), note).Err()
	observe("notify", err)
	if err != nil {
		return msg, fmt.Errorf("publish notification: %w", err)
	}
	return msg, nil
}

// maxTTLOr keeps the topic key alive for the longest ttl a message can have.
func (s *RedisStore) maxTTLOr(ttl int64) int64 {
	if s.maxTTL > 0 {
		return s.maxTTL
	}
	return ttl
}

func (s *RedisStore) Get(ctx context.Context, topic string) ([]Message, error) {
	key := s.topicKey(topic)
	members, err := s.client.ZRange(ctx, key, 0, -1).Result()
	observe("get", err)
	if err != nil {
		return nil, fmt.Errorf("read topic: %w", err)
	}

	now := s.now()
	out := make([]Message, 0, len(members))
	var stale []interface{}
	for _, member := range members {
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			s.log.Warn("Dropping undecodable message", zap.String("topic", topic), zap.Error(err))
			stale = append(stale, member)
			continue
		}
		if msg.Expired(now) {
			stale = append(stale, member)
			continue
		}
		out = append(out, msg)
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, key, stale...).Err(); err != nil {
			s.log.Debug("Failed to prune expired messages", zap.String("topic", topic), zap.Error(err))
		}
	}
	return out, nil
}

func (s *RedisStore) OnPublish(ctx context.Context, fn NotificationHandler) error {
	pubsub := s.client.Subscribe(ctx, s.channel())
	// wait for the subscription to be confirmed so no put after this call is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", s.channel(), err)
	}

	s.mu.Lock()
	s.pubsubs = append(s.pubsubs, pubsub)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					s.log.Warn("Undecodable notification", zap.Error(err))
					continue
				}
				metrics.StoreNotifications.Inc()
				fn(n)
			}
		}
	}()

	s.log.Info("Listening for publish notifications", zap.String("channel", s.channel()))
	return nil
}

func (s *RedisStore) Ack(ctx context.Context, id string) error {
	err := s.client.Set(ctx, s.ackKey(id), s.now().UnixMilli(), time.Duration(s.maxTTLOr(1))*time.Second).Err()
	observe("ack", err)
	return err
}

// Acked reports whether id has been acknowledged.
func (s *RedisStore) Acked(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.ackKey(id)).Result()
	return n == 1, err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	pubsubs := s.pubsubs
	s.pubsubs = nil
	s.mu.Unlock()

	// listeners whose context already ended have closed their own pubsub
	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	s.wg.Wait()
	return s.client.Close()
}
