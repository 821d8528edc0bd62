package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each object as a string under "blob:{key}".
type Redis struct {
	rdb  *redis.Client
	addr string
	ttl  time.Duration
}

// NewRedis creates an uploader for the Redis server at addr. Objects expire
// after ttl; zero keeps them.
func NewRedis(addr string, ttl time.Duration) *Redis {
	return &Redis{
		rdb:  redis.NewClient(&redis.Options{Addr: addr}),
		addr: addr,
		ttl:  ttl,
	}
}

// Upload reads r fully and stores it. The location is redis://{addr}/blob:{key}.
func (s *Redis) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	redisKey := fmt.Sprintf("blob:%s", key)
	if err := s.rdb.Set(ctx, redisKey, data, s.ttl).Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("redis://%s/%s", s.addr, redisKey), nil
}

// Close closes the client.
func (s *Redis) Close() error {
	return s.rdb.Close()
}
