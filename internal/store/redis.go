package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the redis client used for the signature cache and the
// notification queue.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts; the scan path must never
// stall on the cache. db selects the logical database, letting one instance
// host separate cache and queue namespaces.
func NewRedis(addr string, db int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}
