package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/skelly-jelly/core/internal/errs"
	"github.com/skelly-jelly/core/internal/logging"
	"github.com/skelly-jelly/core/internal/pool"
	"github.com/skelly-jelly/core/internal/schema"
	"github.com/skelly-jelly/core/internal/telemetry"
)

// MemoryBus is an in-memory implementation of Bus.
type MemoryBus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	pools  *pool.PoolManager

	mu                sync.RWMutex
	subscribers       map[schema.MessageKind]map[SubscriptionID]*subscriber
	byID              map[SubscriptionID]*subscriber
	pendingByConsumer map[string]map[MessageID]pendingMessage
	shutdownOnce      sync.Once
	nextSubID         uint64
	nextMsgID         atomic.Uint64
	workers           int

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	redeliverCounter metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
	publishDuration  metric.Float64Histogram
}

type subscriber struct {
	id         SubscriptionID
	consumerID string
	kind       schema.MessageKind
	filter     Filter
	mode       Mode
	capacity   int
	highWater  int

	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *envelopeMessage
	once   sync.Once

	mu              sync.Mutex
	pending         map[MessageID]pendingMessage
	dropped         atomic.Uint64
	redelivered     atomic.Uint64
	lag             atomic.Int64
	laggingNotified atomic.Bool
}

type pendingMessage struct {
	sentAt time.Time
	msg    *envelopeMessage
	resent bool
}

type envelopeMessage struct {
	id  MessageID
	env *schema.Envelope
}

// NewMemoryBus constructs a memory-backed message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:               cfg,
		ctx:               ctx,
		cancel:            cancel,
		pools:             cfg.Pools,
		subscribers:       make(map[schema.MessageKind]map[SubscriptionID]*subscriber),
		byID:              make(map[SubscriptionID]*subscriber),
		pendingByConsumer: make(map[string]map[MessageID]pendingMessage),
		workers:           cfg.FanoutWorkers,
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.messages.published",
		metric.WithDescription("Number of envelopes published to the bus"), metric.WithUnit("{message}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"), metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Number of envelopes dropped due to backpressure"), metric.WithUnit("{message}"))
	bus.redeliverCounter, _ = meter.Int64Counter("eventbus.delivery.redelivered",
		metric.WithDescription("Number of reliable-mode redeliveries"), metric.WithUnit("{message}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"), metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of publish operations"), metric.WithUnit("ms"))

	go bus.sweepAcks()
	return bus
}

// Publish fans the envelope out to every subscriber of its kind whose filter matches.
func (b *MemoryBus) Publish(ctx context.Context, kind schema.MessageKind, env *schema.Envelope) (MessageID, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-b.ctx.Done():
		return 0, errs.New("eventbus", errs.CodeBusClosed, errs.WithMessage("bus closed"))
	default:
	}
	if env == nil {
		return 0, errs.New("eventbus", errs.CodeConfigInvalid, errs.WithMessage("nil envelope"))
	}
	env.Kind = kind

	start := time.Now()
	msgID := MessageID(b.nextMsgID.Add(1))

	b.mu.RLock()
	subMap := b.subscribers[kind]
	matched := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		if sub.filter == nil || sub.filter(env) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(matched)), metric.WithAttributes(
			telemetry.TopicAttributes(telemetry.Environment(), string(kind), "")...))
	}

	if len(matched) == 0 {
		b.recordPublish(ctx, kind, start, "no_subscribers")
		return msgID, nil
	}

	if err := b.dispatch(ctx, matched, msgID, env); err != nil {
		b.recordPublish(ctx, kind, start, "dispatch_failed")
		return msgID, err
	}

	b.recordPublish(ctx, kind, start, "success")
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(kind), "")...))
	}
	return msgID, nil
}

func (b *MemoryBus) recordPublish(ctx context.Context, kind schema.MessageKind, start time.Time, result string) {
	if b.publishDuration == nil {
		return
	}
	b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(kind), result)...))
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, msgID MessageID, env *schema.Envelope) error {
	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}
	p := concpool.New().WithMaxGoroutines(workerLimit)
	errCh := make(chan error, len(subs))

	for _, sub := range subs {
		s := sub
		p.Go(func() {
			if err := b.deliver(ctx, s, msgID, env); err != nil {
				errCh <- err
			}
		})
	}
	p.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, msgID MessageID, env *schema.Envelope) error {
	if sub.ctx.Err() != nil {
		return nil
	}
	msg := &envelopeMessage{id: msgID, env: env}

	if sub.mode == Reliable {
		return b.deliverReliable(ctx, sub, msg)
	}
	return b.deliverBestEffort(ctx, sub, msg)
}

func (b *MemoryBus) deliverBestEffort(ctx context.Context, sub *subscriber, msg *envelopeMessage) error {
	select {
	case <-b.ctx.Done():
		return errs.New("eventbus", errs.CodeBusClosed, errs.WithMessage("bus closed"))
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- msg:
		b.checkHighWater(sub)
		return nil
	default:
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- msg:
			b.checkHighWater(sub)
			return nil
		default:
			sub.dropped.Add(1)
			if b.droppedCounter != nil {
				b.droppedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(sub.kind), "queue_full")...))
			}
			return nil
		}
	}
}

func (b *MemoryBus) deliverReliable(ctx context.Context, sub *subscriber, msg *envelopeMessage) error {
	timeout := b.cfg.PublishTimeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-b.ctx.Done():
		return errs.New("eventbus", errs.CodeBusClosed, errs.WithMessage("bus closed"))
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- msg:
		sub.mu.Lock()
		sub.pending[msg.id] = pendingMessage{sentAt: time.Now(), msg: msg}
		sub.mu.Unlock()
		b.checkHighWater(sub)
		return nil
	case <-deadline.C:
		return errs.New("eventbus", errs.CodeQueueFull, errs.WithMessage(fmt.Sprintf("subscriber %s queue full", sub.consumerID)))
	case <-ctx.Done():
		return ctx.Err()
	}
}

const controlTopicSubscriberLagging = "control.subscriber_lagging"

func (b *MemoryBus) checkHighWater(sub *subscriber) {
	sub.lag.Store(int64(len(sub.ch)))
	if sub.capacity <= 0 {
		return
	}
	depth := len(sub.ch)
	if depth*100/sub.capacity < sub.highWater {
		sub.laggingNotified.Store(false)
		return
	}
	logging.L().Warn("subscriber approaching capacity",
		logging.String("consumer_id", sub.consumerID),
		logging.Int("depth", depth),
		logging.Int("capacity", sub.capacity))

	if !sub.laggingNotified.CompareAndSwap(false, true) {
		return
	}
	env := &schema.Envelope{
		Kind:  schema.MessageKindSubscriberLagging,
		Topic: controlTopicSubscriberLagging,
		SubscriberLagging: &schema.SubscriberLaggingEvent{
			ConsumerID: sub.consumerID,
			Kind:       string(sub.kind),
			Depth:      depth,
			Capacity:   sub.capacity,
			Timestamp:  time.Now(),
		},
	}
	go func() {
		if _, err := b.Publish(context.Background(), schema.MessageKindSubscriberLagging, env); err != nil {
			logging.L().Warn("failed to publish subscriber lagging event", logging.Err(err))
		}
	}()
}

// pendingConsumerKey identifies a consumer's reliable-mode pending set across
// resubscription, scoped by message kind since one consumer_id may maintain
// independent subscriptions per kind.
func pendingConsumerKey(consumerID string, kind schema.MessageKind) string {
	return consumerID + "|" + string(kind)
}

// Subscribe registers a subscriber for the given message kind. When mode is
// Reliable and a prior subscription under the same consumerID left unacked
// messages behind (e.g. after a crash), those messages are transferred to
// the replacement subscription and redelivered at most once.
func (b *MemoryBus) Subscribe(ctx context.Context, consumerID string, kind schema.MessageKind, filter Filter, capacity int, mode Mode) (SubscriptionID, <-chan *schema.Envelope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if capacity <= 0 {
		capacity = b.cfg.DefaultCapacity
	}
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscriber{
		id:         SubscriptionID(fmt.Sprintf("sub-%s-%d", consumerID, atomic.AddUint64(&b.nextSubID, 1))),
		consumerID: consumerID,
		kind:       kind,
		filter:     filter,
		mode:       mode,
		capacity:   capacity,
		highWater:  80,
		ctx:        subCtx,
		cancel:     cancel,
		ch:         make(chan *envelopeMessage, capacity),
		pending:    make(map[MessageID]pendingMessage),
	}

	var toRedeliver []pendingMessage
	b.mu.Lock()
	if _, ok := b.subscribers[kind]; !ok {
		b.subscribers[kind] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[kind][sub.id] = sub
	b.byID[sub.id] = sub
	if mode == Reliable {
		key := pendingConsumerKey(consumerID, kind)
		if carried, ok := b.pendingByConsumer[key]; ok {
			for id, pm := range carried {
				pm.resent = true
				pm.sentAt = time.Now()
				sub.pending[id] = pm
				toRedeliver = append(toRedeliver, pm)
			}
			delete(b.pendingByConsumer, key)
		}
	}
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(kind), "")...))
	}

	out := make(chan *schema.Envelope, capacity)
	go b.pump(sub, out)
	go b.observe(kind, sub)

	for _, pm := range toRedeliver {
		select {
		case sub.ch <- pm.msg:
			sub.redelivered.Add(1)
			if b.redeliverCounter != nil {
				b.redeliverCounter.Add(ctx, 1,
					metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(kind), "resubscribe")...))
			}
		default:
			sub.mu.Lock()
			delete(sub.pending, pm.msg.id)
			sub.mu.Unlock()
			sub.dropped.Add(1)
		}
	}

	return sub.id, out, nil
}

func (b *MemoryBus) pump(sub *subscriber, out chan<- *schema.Envelope) {
	defer close(out)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			select {
			case out <- msg.env:
			case <-sub.ctx.Done():
				return
			}
		}
	}
}

func (b *MemoryBus) observe(kind schema.MessageKind, sub *subscriber) {
	<-sub.ctx.Done()

	var carry map[MessageID]pendingMessage
	if sub.mode == Reliable {
		sub.mu.Lock()
		if len(sub.pending) > 0 {
			carry = sub.pending
			sub.pending = make(map[MessageID]pendingMessage)
		}
		sub.mu.Unlock()
	}

	b.mu.Lock()
	subs := b.subscribers[kind]
	if subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscribers, kind)
		}
	}
	delete(b.byID, sub.id)
	if carry != nil {
		b.pendingByConsumer[pendingConsumerKey(sub.consumerID, kind)] = carry
	}
	b.mu.Unlock()
	sub.close()
}

// Ack acknowledges delivery of msgID for a reliable-mode subscription.
func (b *MemoryBus) Ack(id SubscriptionID, msgID MessageID) error {
	b.mu.RLock()
	sub, ok := b.byID[id]
	b.mu.RUnlock()
	if !ok {
		return errs.New("eventbus", errs.CodeNotFound, errs.WithMessage("unknown subscription"))
	}
	sub.mu.Lock()
	delete(sub.pending, msgID)
	sub.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.RLock()
	sub, ok := b.byID[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.cancel()
}

// Metrics returns per-subscriber lag, drop, and redelivery counts.
func (b *MemoryBus) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := Metrics{Subscribers: make(map[SubscriptionID]SubscriberMetrics, len(b.byID))}
	for id, sub := range b.byID {
		out.Subscribers[id] = SubscriberMetrics{
			Lag:         int(sub.lag.Load()),
			Dropped:     sub.dropped.Load(),
			Redelivered: sub.redelivered.Load(),
		}
	}
	return out
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for id, sub := range b.byID {
			sub.close()
			delete(b.byID, id)
		}
		b.subscribers = make(map[schema.MessageKind]map[SubscriptionID]*subscriber)
		b.pendingByConsumer = make(map[string]map[MessageID]pendingMessage)
		b.mu.Unlock()
	})
}

// sweepAcks redelivers once, then drops, reliable-mode messages whose ack
// deadline has passed.
func (b *MemoryBus) sweepAcks() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.mu.RLock()
			subs := make([]*subscriber, 0, len(b.byID))
			for _, sub := range b.byID {
				if sub.mode == Reliable {
					subs = append(subs, sub)
				}
			}
			b.mu.RUnlock()

			for _, sub := range subs {
				b.sweepSubscriber(sub)
			}
		}
	}
}

func (b *MemoryBus) sweepSubscriber(sub *subscriber) {
	deadline := time.Now().Add(-b.cfg.AckTimeout)
	sub.mu.Lock()
	var toRedeliver, toDrop []MessageID
	for id, pm := range sub.pending {
		if !pm.sentAt.Before(deadline) {
			continue
		}
		if pm.resent {
			toDrop = append(toDrop, id)
			continue
		}
		toRedeliver = append(toRedeliver, id)
	}
	redeliverMsgs := make([]*envelopeMessage, 0, len(toRedeliver))
	for _, id := range toRedeliver {
		pm := sub.pending[id]
		pm.resent = true
		pm.sentAt = time.Now()
		sub.pending[id] = pm
		redeliverMsgs = append(redeliverMsgs, pm.msg)
	}
	for _, id := range toDrop {
		delete(sub.pending, id)
	}
	sub.mu.Unlock()

	for _, id := range toDrop {
		_ = id
		sub.dropped.Add(1)
		if b.droppedCounter != nil {
			b.droppedCounter.Add(context.Background(), 1,
				metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(sub.kind), "ack_timeout_exhausted")...))
		}
	}

	for _, msg := range redeliverMsgs {
		select {
		case sub.ch <- msg:
			sub.redelivered.Add(1)
			if b.redeliverCounter != nil {
				b.redeliverCounter.Add(context.Background(), 1,
					metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), string(sub.kind), "ack_timeout")...))
			}
		default:
			sub.mu.Lock()
			delete(sub.pending, msg.id)
			sub.mu.Unlock()
			sub.dropped.Add(1)
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
