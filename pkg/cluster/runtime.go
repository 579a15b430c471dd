package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/getmockd/faultd/pkg/logging"
)

// DefaultRuntimeHash is the Redis hash holding runtime overrides.
const DefaultRuntimeHash = "faultd:runtime"

// DefaultRefreshInterval is how often RuntimeSync polls Redis.
const DefaultRefreshInterval = 5 * time.Second

// RemoteLayer receives the runtime values read from Redis.
// runtime.Loader implements it.
type RemoteLayer interface {
	ReplaceRemote(values map[string]uint64) (rejected []string)
}

// RuntimeSync copies a Redis hash of runtime overrides into a RemoteLayer.
// Every field is a runtime key and every value an unsigned integer.
type RuntimeSync struct {
	client   redis.Cmdable
	hash     string
	interval time.Duration
	layer    RemoteLayer
	log      *slog.Logger
}

// NewRuntimeSync creates a poller. An empty hash or non-positive interval
// selects the defaults.
func NewRuntimeSync(client redis.Cmdable, hash string, interval time.Duration, layer RemoteLayer, log *slog.Logger) *RuntimeSync {
	if hash == "" {
		hash = DefaultRuntimeHash
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if log == nil {
		log = logging.Nop()
	}
	return &RuntimeSync{
		client:   client,
		hash:     hash,
		interval: interval,
		layer:    layer,
		log:      log.With("component", "cluster", "hash", hash),
	}
}

// Refresh reads the hash once and replaces the remote layer. Fields that
// are not numbers are skipped with a warning.
func (s *RuntimeSync) Refresh(ctx context.Context) error {
	raw, err := s.client.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return fmt.Errorf("reading runtime hash %s: %w", s.hash, err)
	}

	values := make(map[string]uint64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.log.Warn("ignoring non-numeric runtime value", "key", k, "value", v)
			continue
		}
		values[k] = n
	}

	for _, k := range s.layer.ReplaceRemote(values) {
		s.log.Warn("ignoring unknown runtime key", "key", k)
	}
	return nil
}

// Run refreshes until ctx is done. Failed refreshes keep the previous
// layer. It returns ctx.Err().
func (s *RuntimeSync) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("runtime refresh failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn("runtime refresh failed", "error", err)
			}
		}
	}
}

// Set writes a runtime value to the shared hash.
func (s *RuntimeSync) Set(ctx context.Context, key string, value uint64) error {
	return s.client.HSet(ctx, s.hash, key, strconv.FormatUint(value, 10)).Err()
}

// Unset removes a runtime value from the shared hash.
func (s *RuntimeSync) Unset(ctx context.Context, key string) error {
	return s.client.HDel(ctx, s.hash, key).Err()
}
