// Package feed publishes game events to Redis so other processes can follow
// the market: Pub/Sub for live listeners and a capped stream for replay.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/fxsim/internal/model"
)

// streamMaxLen is the approximate maximum length of the event stream,
// enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// Publisher implements game.Notifier on Redis. Notify only enqueues; Run
// performs the network writes.
type Publisher struct {
	rdb     *redis.Client
	channel string
	stream  string
	queue   chan model.Event
	logger  *slog.Logger
}

// NewPublisher creates a publisher writing to channel and to the stream
// channel+":stream".
func NewPublisher(rdb *redis.Client, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		rdb:     rdb,
		channel: channel,
		stream:  channel + ":stream",
		queue:   make(chan model.Event, 512),
		logger:  logger,
	}
}

// Notify queues ev. Events are dropped when the queue is full.
func (p *Publisher) Notify(_ context.Context, ev model.Event) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("feed queue full, dropping event", "type", ev.Type)
	}
}

// Run drains the queue until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			if err := p.Publish(ctx, ev); err != nil {
				p.logger.Error("feed publish failed", "type", ev.Type, "err", err)
			}
		}
	}
}

// Publish writes ev to the Pub/Sub channel and appends it to the stream.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: encode event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", p.channel, err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"type": ev.Type, "payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", p.stream, err)
	}
	return nil
}

// Subscribe streams events from channel until ctx is done. The returned
// channel is closed when the subscription ends.
func Subscribe(ctx context.Context, rdb *redis.Client, channel string) (<-chan model.Event, error) {
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan model.Event, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
