package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/sua-org/camfeed/internal/logging"
)

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	// FrameTTL expira o último frame de câmeras que pararam de transmitir.
	FrameTTL time.Duration
	Logger   *slog.Logger
}

// Redis guarda <prefix>:<camera>:streaming e <prefix>:<camera>:frame, e avisa
// mudanças de streaming no canal <prefix>:events.
type Redis struct {
	client   *redis.Client
	prefix   string
	frameTTL time.Duration
	logger   *slog.Logger
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "camfeed"
	}
	if cfg.FrameTTL <= 0 {
		cfg.FrameTTL = time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Username:   strings.TrimSpace(cfg.Username),
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 2,
	})
	return &Redis{
		client:   client,
		prefix:   prefix,
		frameTTL: cfg.FrameTTL,
		logger:   logging.WithComponent(cfg.Logger, "state"),
	}, nil
}

func (r *Redis) key(camera, field string) string {
	return r.prefix + ":" + camera + ":" + field
}

func (r *Redis) SetStreaming(ctx context.Context, camera string, on bool) error {
	value := boolString(on)
	if err := r.client.Set(ctx, r.key(camera, "streaming"), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set streaming: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+":events", camera+"="+value).Err(); err != nil {
		r.logger.Warn("redis publish streaming event failed", "camera", camera, "error", err)
	}
	return nil
}

func (r *Redis) PublishFrame(ctx context.Context, camera string, frame []byte) error {
	if err := r.client.Set(ctx, r.key(camera, "frame"), frame, r.frameTTL).Err(); err != nil {
		return fmt.Errorf("redis set frame: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return strings.TrimSpace(value), nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
