package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// RedisConfig describes the Redis transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// InboundKey is the list BRPOP'd for work (default "clawworker:inbound").
	InboundKey string
	// EventPrefix prefixes PUBLISH channels: <prefix>:<event name>.
	EventPrefix string
	BlockWait   time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.InboundKey == "" {
		c.InboundKey = "clawworker:inbound"
	}
	if c.EventPrefix == "" {
		c.EventPrefix = "clawworker:events"
	}
	if c.BlockWait <= 0 {
		c.BlockWait = 5 * time.Second
	}
	return c
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisPublisher fans bus events out over Redis PUBLISH. Publish failures
// are logged at debug level and otherwise ignored.
type RedisPublisher struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisPublisher(client redis.UniversalClient, cfg RedisConfig) *RedisPublisher {
	cfg = cfg.withDefaults()
	return &RedisPublisher{client: client, prefix: cfg.EventPrefix, timeout: 2 * time.Second}
}

// Channel returns the PUBLISH channel for an event name.
func (p *RedisPublisher) Channel(name string) string {
	return p.prefix + ":" + name
}

// Broadcast publishes the event without blocking the caller.
func (p *RedisPublisher) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Debug("bus: redis event encode failed", "event", event.Name, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.client.Publish(ctx, p.Channel(event.Name), data).Err(); err != nil {
			slog.Debug("bus: redis publish failed", "event", event.Name, "error", err)
		}
	}()
}

// Attach subscribes the publisher to a MessageBus.
func (p *RedisPublisher) Attach(mb *MessageBus) {
	mb.Subscribe("redis-publisher", p.Broadcast)
}

// RedisConsumer pops inbound envelopes from a Redis list.
type RedisConsumer struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
	dedupe *DedupeCache
}

func NewRedisConsumer(client redis.UniversalClient, cfg RedisConfig) *RedisConsumer {
	cfg = cfg.withDefaults()
	return &RedisConsumer{
		client: client,
		key:    cfg.InboundKey,
		wait:   cfg.BlockWait,
		dedupe: NewDedupeCache(DefaultDedupeTTL, DefaultDedupeSize),
	}
}

// Push enqueues an envelope (used by the CLI and tests).
func (c *RedisConsumer) Push(ctx context.Context, env protocol.InboundEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.client.LPush(ctx, c.key, data).Err(); err != nil {
		return fmt.Errorf("redis push: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled, handing each decoded envelope to h.
func (c *RedisConsumer) Run(ctx context.Context, h InboundHandler) error {
	slog.Info("bus: redis consumer started", "key", c.key)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		values, err := c.client.BRPop(ctx, c.wait, c.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redis brpop: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		handleRaw(c.dedupe, []byte(values[1]), h)
	}
}

// handleRaw decodes, validates and dedupes one inbound payload.
func handleRaw(dedupe *DedupeCache, raw []byte, h InboundHandler) bool {
	env, err := DecodeInbound(raw)
	if err != nil {
		slog.Warn("bus: dropping malformed inbound", "error", err)
		return false
	}
	if env.Kind == protocol.InboundTask && dedupe != nil && dedupe.IsDuplicate(env.Task.AgentID+"/"+env.Task.TaskID) {
		slog.Info("bus: duplicate task assignment dropped", "task", env.Task.TaskID, "agent", env.Task.AgentID)
		return false
	}
	h(env)
	return true
}

// DecodeInbound parses and validates an envelope.
func DecodeInbound(raw []byte) (protocol.InboundEnvelope, error) {
	var env protocol.InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case protocol.InboundTask:
		if env.Task == nil || env.Task.TaskID == "" {
			return env, errors.New("task envelope without task id")
		}
	case protocol.InboundChat:
		if env.Chat == nil || env.Chat.Message == "" {
			return env, errors.New("chat envelope without message")
		}
	default:
		return env, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return env, nil
}
