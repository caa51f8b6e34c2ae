package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

// Keys look like vk:<kind>:<scope>:<id>.
const (
	keyNamespace   = "vk"
	kindIdempotent = "idempotency"
	kindLock       = "lock"
)

var errNotInitialized = errors.New("redis client not initialized")

// releaseIfOwner deletes KEYS[1] only while it still holds ARGV[1], so a
// holder whose TTL lapsed cannot free a lock someone else now owns.
const releaseIfOwner = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`

// commands is the slice of go-redis used here; tests swap in a map-backed fake.
type commands interface {
	Ping(context.Context) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// IdempotencyStore backs the cooldown guard in pkg/outbox/idempotency.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	Del(context.Context, ...string) error
	IdempotencyKey(scope, id string) string
}

// LockStore backs token-owned locks for products and cron jobs.
type LockStore interface {
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	LockKey(scope, id string) string
}

// Client is the shared redis handle for locks and notification cooldowns.
type Client struct {
	cmds commands
	conn *redis.Client
}

// New dials redis and fails fast when the server does not answer PING.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	conn := redis.NewClient(opts)
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"addr": opts.Addr, "db": opts.DB}), "redis connection established")
	}
	return &Client{cmds: conn, conn: conn}, nil
}

// optionsFromConfig prefers VAULTKEYS_REDIS_URL. Pool and timeout settings
// from config fill whatever the URL leaves unset.
func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	url, addr := strings.TrimSpace(cfg.URL), strings.TrimSpace(cfg.Address)
	var opts *redis.Options
	switch {
	case url != "":
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	case addr != "":
		opts = &redis.Options{Addr: addr, Password: cfg.Password}
	default:
		return nil, errors.New("redis url or address is required")
	}

	fill := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	fillDur := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	fill(&opts.DB, cfg.DB)
	fill(&opts.PoolSize, cfg.PoolSize)
	fill(&opts.MinIdleConns, cfg.MinIdleConns)
	fillDur(&opts.DialTimeout, cfg.DialTimeout)
	fillDur(&opts.ReadTimeout, cfg.ReadTimeout)
	fillDur(&opts.WriteTimeout, cfg.WriteTimeout)
	return opts, nil
}

func (c *Client) ready() (commands, error) {
	if c == nil || c.cmds == nil {
		return nil, errNotInitialized
	}
	return c.cmds, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	cmds, err := c.ready()
	if err != nil {
		return "", err
	}
	return cmds.Get(ctx, key).Result()
}

// SetNX writes value only when key is absent and reports whether it did.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	cmds, err := c.ready()
	if err != nil {
		return false, err
	}
	return cmds.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	cmds, err := c.ready()
	if err != nil {
		return err
	}
	return cmds.Del(ctx, keys...).Err()
}

// CompareAndDelete removes key only when it still holds token.
func (c *Client) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	cmds, err := c.ready()
	if err != nil {
		return false, err
	}
	n, err := cmds.Eval(ctx, releaseIfOwner, []string{key}, token).Int64()
	return n == 1, err
}

func (c *Client) Ping(ctx context.Context) error {
	cmds, err := c.ready()
	if err != nil {
		return err
	}
	return cmds.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) IdempotencyKey(scope, id string) string { return key(kindIdempotent, scope, id) }

func (c *Client) LockKey(scope, id string) string { return key(kindLock, scope, id) }

func key(parts ...string) string {
	out := keyNamespace
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out += ":" + p
		}
	}
	return out
}
