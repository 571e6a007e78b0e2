package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/RLAsoftware/category-of-one/internal/logging"
	"github.com/RLAsoftware/category-of-one/internal/reliability"
)

// RedisBus shares events between service replicas over one pub/sub channel
// and delivers them locally through a Hub.
type RedisBus struct {
	log     *logging.Logger
	rdb     *goredis.Client
	channel string
	hub     *Hub
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRedisBus(log *logging.Logger, addr, channel string) (*RedisBus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "category_of_one:events"
	}
	if log == nil {
		log = logging.Nop()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	b := &RedisBus{
		log:     log.With("component", "redis_events"),
		rdb:     rdb,
		channel: channel,
		hub:     NewHub(),
		cancel:  runCancel,
		done:    make(chan struct{}),
	}
	go b.forward(runCtx)
	return b, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(clientID string) (<-chan Event, func()) {
	return b.hub.Subscribe(clientID)
}

// forward relays the redis channel into the local hub, resubscribing with
// backoff whenever the subscription drops.
func (b *RedisBus) forward(ctx context.Context) {
	defer close(b.done)
	attempt := 0
	for ctx.Err() == nil {
		err := b.forwardOnce(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}
		wait := reliability.ExponentialBackoff(attempt, 250*time.Millisecond, 10*time.Second)
		attempt++
		b.log.Warn("redis events subscription dropped", "error", err, "retry_in", wait.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (b *RedisBus) forwardOnce(ctx context.Context, onSubscribed func()) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription confirmation before reading.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	onSubscribed()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok || m == nil {
				return fmt.Errorf("redis channel closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				b.log.Warn("bad redis event payload", "error", err)
				continue
			}
			b.hub.deliver(ev)
		}
	}
}

func (b *RedisBus) Close() error {
	b.cancel()
	<-b.done
	_ = b.hub.Close()
	return b.rdb.Close()
}
