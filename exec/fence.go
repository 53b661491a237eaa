package exec

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"go.elspeth.dev/audit"
)

// Fence is the optional distributed lock AggregationExecutor takes around a
// draft batch's flush, keyed by batch_id (spec.md §2.2 domain stack:
// "optional accelerator; the Postgres audit store remains the durable source
// of truth"). It is best-effort: when the key is already held the flush still
// proceeds, and the Postgres batch status transition is what rejects a second
// flush of the same batch. A nil Fence
// disables fencing entirely — the in-process mutex in AggregationExecutor
// already excludes concurrent flushes of the same node within one process.
type Fence interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
}

// RedisFence adapts *redis.Client to Fence, grounded on
// queue/redis/queue.go's NewQueue/redis.ParseURL connection shape.
type RedisFence struct {
	Client *redis.Client
}

// NewRedisFence connects to redisURL (e.g. "redis://localhost:6379/0") the
// same way queue/redis/queue.go's NewQueue parses its connection string.
func NewRedisFence(ctx context.Context, redisURL string) (*RedisFence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisFence{Client: client}, nil
}

func (f *RedisFence) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return f.Client.SetNX(ctx, key, value, ttl).Result()
}

func (f *RedisFence) Del(ctx context.Context, keys ...string) (int64, error) {
	return f.Client.Del(ctx, keys...).Result()
}

func (f *RedisFence) Close() error { return f.Client.Close() }

// fenceKey is the key a batch's flush fence is held under.
func fenceKey(batchID audit.ID) string {
	return "elspeth:batch-fence:" + string(batchID)
}
