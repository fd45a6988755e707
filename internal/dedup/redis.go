// Package dedup claims gateway message ids so redelivered messages are not
// relayed twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "crmsync:gw:msg:"

type Redis struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	return &Redis{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		TTL: ttl,
	}
}

// Claim records id with SET NX. It returns true when this caller is the
// first to see the id within the TTL.
func (r *Redis) Claim(ctx context.Context, instance, id string) (bool, error) {
	ok, err := r.Client.SetNX(ctx, keyPrefix+instance+":"+id, time.Now().Unix(), r.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	return ok, nil
}

// Release drops a claim so a failed relay can be retried on redelivery.
func (r *Redis) Release(ctx context.Context, instance, id string) error {
	return r.Client.Del(ctx, keyPrefix+instance+":"+id).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
