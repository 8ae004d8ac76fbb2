package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	eventsChannel = "acadeveia:events"
	onlineKey     = "acadeveia:online"
)

// busMessage wraps an envelope with the publishing instance so it can skip its own events
type busMessage struct {
	Origin string   `json:"origin"`
	Event  Envelope `json:"event"`
}

// RedisBroker shares events and presence between instances through Redis pub/sub and a set
type RedisBroker struct {
	rdb      *redis.Client
	instance string
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to redisURL (redis:// or rediss://) and checks the connection
func NewRedisBroker(ctx context.Context, redisURL string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	opt.PoolSize = 100
	opt.MinIdleConns = 10
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolTimeout = 4 * time.Second

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Println("Redis connected successfully")
	return NewRedisBrokerWithClient(rdb), nil
}

// NewRedisBrokerWithClient wraps an existing client
func NewRedisBrokerWithClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, instance: uuid.NewString()}
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(busMessage{Origin: b.instance, Event: env})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, eventsChannel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	pubsub := b.rdb.Subscribe(ctx, eventsChannel)
	// wait for the subscription to be confirmed so no event published after this returns is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", eventsChannel, err)
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		log.Println("Listening for Redis Pub/Sub messages...")
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var incoming busMessage
				if err := json.Unmarshal([]byte(msg.Payload), &incoming); err != nil {
					log.Printf("Error unmarshaling Redis message: %v", err)
					continue
				}
				if incoming.Origin == b.instance {
					continue
				}
				select {
				case out <- incoming.Event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) SetOnline(ctx context.Context, userID string, online bool) error {
	if online {
		return b.rdb.SAdd(ctx, onlineKey, userID).Err()
	}
	return b.rdb.SRem(ctx, onlineKey, userID).Err()
}

func (b *RedisBroker) Online(ctx context.Context) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
