package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/constants"
	"github.com/Shugur-Network/pubsub-relay/internal/domain"
	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/Shugur-Network/pubsub-relay/internal/jsonrpc"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"github.com/Shugur-Network/pubsub-relay/internal/storage"
	"github.com/Shugur-Network/pubsub-relay/internal/subscription"
	"github.com/Shugur-Network/pubsub-relay/internal/workers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fetchConcurrency bounds the store reads of one batchFetchMessages call.
const fetchConcurrency = 8

// Dispatcher runs the JSON-RPC method families against the registry and the
// shared store, and fans store notifications out to local subscribers.
type Dispatcher struct {
	store    storage.Store
	registry *subscription.Registry
	sender   domain.Sender
	pool     *workers.WorkerPool
	log      *zap.Logger
}

var _ domain.PayloadHandler = (*Dispatcher)(nil)

// NewDispatcher wires a dispatcher. Acks run on pool so a slow store never
// holds up a socket's read loop.
func NewDispatcher(store storage.Store, registry *subscription.Registry, sender domain.Sender, pool *workers.WorkerPool) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		sender:   sender,
		pool:     pool,
		log:      logger.New("rpc"),
	}
}

// call carries the state of one request. Replays are deferred until the
// response has been queued, so the client sees its subscription id first.
type call struct {
	ctx      context.Context
	socketID string
	dialect  jsonrpc.Dialect
	replays  []*subscription.Subscription
}

// Handle processes one payload from socketID. Requests are answered on the
// same socket; responses to our pushes are recorded as acks.
func (d *Dispatcher) Handle(ctx context.Context, socketID string, payload *jsonrpc.Payload) {
	if !payload.IsRequest() {
		d.ack(payload)
		return
	}

	c := &call{ctx: ctx, socketID: socketID}
	result, err := d.invoke(c, payload)

	var resp *jsonrpc.Response
	if err != nil {
		rpcErr := jsonrpc.ErrorFrom(err)
		metrics.RPCErrors.WithLabelValues(strconv.Itoa(rpcErr.Code)).Inc()
		if appErr, ok := relayErrors.As(err); ok {
			metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()
		}
		// the socket's logger already carries its id
		logger.FromContext(ctx).Debug("Request failed",
			zap.String("method", payload.Method),
			zap.Error(err))
		resp = jsonrpc.NewError(payload.ID, rpcErr.Code, rpcErr.Message)
		resp.Error = rpcErr
	} else {
		resp = jsonrpc.NewResult(payload.ID, result)
	}

	if !d.sender.Send(socketID, resp) {
		return
	}
	for _, sub := range c.replays {
		d.replay(ctx, sub)
	}
}

// invoke resolves the method and runs it, turning panics into errors.
func (d *Dispatcher) invoke(c *call, payload *jsonrpc.Payload) (result interface{}, err error) {
	dialect, name, ok := jsonrpc.ParseMethod(payload.Method)
	if !ok {
		return nil, relayErrors.MethodNotFound(payload.Method)
	}
	c.dialect = dialect

	defer metrics.ObserveRPC(name, time.Now())
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Recovered from panic in request handler",
				zap.String("method", payload.Method),
				zap.Any("panic", r))
			result, err = nil, relayErrors.Recovered(r)
		}
	}()

	switch name {
	case jsonrpc.MethodPublish:
		var p jsonrpc.PublishParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		return d.publish(c, p)

	case jsonrpc.MethodBatchPublish:
		var p jsonrpc.BatchPublishParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		for _, msg := range p.Messages {
			if _, err := d.publish(c, msg); err != nil {
				return nil, err
			}
		}
		return true, nil

	case jsonrpc.MethodSubscribe:
		var p jsonrpc.SubscribeParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		sub, err := d.subscribe(c, p.Topic)
		if err != nil {
			return nil, err
		}
		return sub.ID, nil

	case jsonrpc.MethodBatchSubscribe:
		var p jsonrpc.BatchSubscribeParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		return d.batchSubscribe(c, p.Topics)

	case jsonrpc.MethodUnsubscribe:
		var p jsonrpc.UnsubscribeParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		d.unsubscribe(c, p)
		return true, nil

	case jsonrpc.MethodBatchUnsubscribe:
		var p jsonrpc.BatchUnsubscribeParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		for _, u := range p.Subscriptions {
			d.unsubscribe(c, u)
		}
		return true, nil

	case jsonrpc.MethodFetchMessages:
		var p jsonrpc.FetchMessagesParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		msgs, err := d.fetch(c.ctx, p.Topic)
		if err != nil {
			return nil, err
		}
		return jsonrpc.FetchMessagesResult{Messages: payloads(msgs), HasMore: false}, nil

	case jsonrpc.MethodBatchFetchMessages:
		var p jsonrpc.BatchFetchMessagesParams
		if err := jsonrpc.DecodeParams(payload.Params, &p); err != nil {
			return nil, err
		}
		return d.batchFetch(c.ctx, p.Topics)

	case jsonrpc.MethodSubscription:
		return nil, relayErrors.InvalidRequest(payload.Method + " is a server to client method")

	default:
		return nil, relayErrors.MethodNotFound(payload.Method)
	}
}

// storeContext detaches store calls from the socket: a closed socket must not
// abort a write other nodes may already be fanning out.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), constants.StoreOpTimeout)
}

func (d *Dispatcher) publish(c *call, p jsonrpc.PublishParams) (bool, error) {
	ctx, cancel := storeContext(c.ctx)
	defer cancel()

	msg, err := d.store.Put(ctx, storage.Message{
		Topic:   p.Topic,
		Payload: p.Message,
		TTL:     p.TTL,
		Tag:     p.Tag,
	}, c.socketID)
	if err != nil {
		if _, ok := relayErrors.As(err); ok {
			return false, err
		}
		return false, relayErrors.StoreError("put", err)
	}

	metrics.MessagesPublished.Inc()
	d.log.Debug("Message published",
		zap.String("socket_id", c.socketID),
		zap.String("topic", msg.Topic),
		zap.String("message_id", msg.ID),
		zap.Int64("ttl", msg.TTL))
	return true, nil
}

func (d *Dispatcher) subscribe(c *call, topic string) (*subscription.Subscription, error) {
	// a socket that is already closing gets no new subscriptions; its reaping
	// may have run already
	if c.ctx.Err() != nil || !d.sender.IsConnected(c.socketID) {
		return nil, relayErrors.SocketClosed()
	}

	legacy := c.dialect.Legacy()
	sub := d.registry.Add(topic, c.socketID, c.dialect.Method(jsonrpc.MethodSubscription), legacy)
	metrics.AddActiveSubscriptions(1)
	if !legacy {
		c.replays = append(c.replays, sub)
	}
	d.log.Debug("Subscription added",
		zap.String("socket_id", c.socketID),
		zap.String("topic", topic),
		zap.String("subscription_id", sub.ID),
		zap.Bool("legacy", legacy))
	return sub, nil
}

// batchSubscribe returns one id per input topic; a topic repeated in the
// batch resolves to the id created for its first occurrence.
func (d *Dispatcher) batchSubscribe(c *call, topics []string) ([]string, error) {
	ids := make([]string, len(topics))
	seen := make(map[string]string, len(topics))
	for i, topic := range topics {
		if id, ok := seen[topic]; ok {
			ids[i] = id
			continue
		}
		sub, err := d.subscribe(c, topic)
		if err != nil {
			return nil, err
		}
		seen[topic] = sub.ID
		ids[i] = sub.ID
	}
	return ids, nil
}

// unsubscribe only removes subscriptions owned by the calling socket. Unknown
// ids are ignored.
func (d *Dispatcher) unsubscribe(c *call, p jsonrpc.UnsubscribeParams) {
	sub, ok := d.registry.Get(p.ID)
	if !ok || sub.SocketID != c.socketID {
		return
	}
	if d.registry.Remove(p.ID) {
		metrics.AddActiveSubscriptions(-1)
	}
}

func (d *Dispatcher) fetch(ctx context.Context, topic string) ([]storage.Message, error) {
	ctx, cancel := storeContext(ctx)
	defer cancel()

	msgs, err := d.store.Get(ctx, topic)
	if err != nil {
		return nil, relayErrors.StoreError("get", err)
	}
	return msgs, nil
}

// batchFetch reads the de-duplicated topics concurrently; the result keeps
// first-occurrence order.
func (d *Dispatcher) batchFetch(ctx context.Context, topics []string) (jsonrpc.BatchFetchMessagesResult, error) {
	unique := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		unique = append(unique, topic)
	}

	results := make([][]string, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, topic := range unique {
		g.Go(func() error {
			msgs, err := d.fetch(gctx, topic)
			if err != nil {
				return err
			}
			results[i] = payloads(msgs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return jsonrpc.BatchFetchMessagesResult{}, err
	}
	return jsonrpc.BatchFetchMessagesResult{Messages: results, HasMore: false}, nil
}

func payloads(msgs []storage.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload)
	}
	return out
}

// replay pushes every cached message of the topic to a new subscription and
// then releases the live messages it buffered meanwhile. The subscription is
// activated even when the store read fails.
func (d *Dispatcher) replay(ctx context.Context, sub *subscription.Subscription) {
	defer func() {
		flushed := sub.Activate(d.pushLive)
		if ce := d.log.Check(zap.DebugLevel, "Subscription activated"); ce != nil {
			ce.Write(zap.String("subscription_id", sub.ID), zap.Int("buffered", flushed))
		}
	}()

	msgs, err := d.fetch(ctx, sub.Topic)
	if err != nil {
		d.log.Warn("Replay failed",
			zap.String("subscription_id", sub.ID),
			zap.String("topic", sub.Topic),
			zap.Error(err))
		return
	}
	for _, m := range msgs {
		if !sub.Replay(toSubscriptionMessage(m), d.pushReplay) {
			return
		}
	}
}

// OnNotification fans a stored message out to local subscribers of its topic.
// The publishing socket never receives its own message.
func (d *Dispatcher) OnNotification(n storage.Notification) {
	msg := toSubscriptionMessage(n.Message)
	for _, sub := range d.registry.Lookup(n.Message.Topic, n.SocketID) {
		sub.Deliver(msg, d.pushLive)
	}
}

func toSubscriptionMessage(m storage.Message) subscription.Message {
	return subscription.Message{
		ID:          m.ID,
		Topic:       m.Topic,
		Payload:     m.Payload,
		Tag:         m.Tag,
		PublishedAt: m.ReceivedAt.UnixMilli(),
	}
}

func (d *Dispatcher) pushLive(sub *subscription.Subscription, msg subscription.Message) bool {
	return d.push(sub, msg, "live")
}

func (d *Dispatcher) pushReplay(sub *subscription.Subscription, msg subscription.Message) bool {
	return d.push(sub, msg, "replay")
}

func (d *Dispatcher) push(sub *subscription.Subscription, msg subscription.Message, origin string) bool {
	req := jsonrpc.NewRequest(sub.Method, jsonrpc.SubscriptionParams{
		ID: sub.ID,
		Data: jsonrpc.SubscriptionData{
			Topic:       msg.Topic,
			Message:     msg.Payload,
			PublishedAt: msg.PublishedAt,
			Tag:         msg.Tag,
		},
	})
	if !d.sender.Send(sub.SocketID, req) {
		return false
	}
	metrics.MessagesDelivered.WithLabelValues(origin).Inc()
	return true
}

// ack records a client response to one of our pushes.
func (d *Dispatcher) ack(payload *jsonrpc.Payload) {
	id := ackID(payload.ID)
	if id == "" {
		return
	}
	queued := d.pool.AddJob(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, constants.StoreOpTimeout)
		defer cancel()
		if err := d.store.Ack(ctx, id); err != nil {
			d.log.Debug("Ack failed", zap.String("payload_id", id), zap.Error(err))
			return
		}
		metrics.MessagesAcked.Inc()
	})
	if !queued {
		d.log.Debug("Ack dropped, worker queue full", zap.String("payload_id", id))
	}
}

// ackID returns the echoed payload id as a plain string.
func ackID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	id := strings.TrimSpace(string(raw))
	if id == "null" {
		return ""
	}
	return id
}
