package cache

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("redis cache: nil client")

const maxPutRetries = 10

// RedisCache stores caches in Redis.
//
// Layout, for prefix "ocache" and cache "v1":
//
//	ocache:caches           sorted set of cache names, scored by creation time
//	ocache:cache:v1         hash of key => bytes
//	ocache:cache:v1:keys    sorted set of keys, scored by store time
type RedisCache struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

type RedisConfig struct {
	Client goredis.UniversalClient
	// Prefix for all Redis keys. Defaults to "ocache".
	Prefix string
	// Set true only if this provider exclusively owns the client.
	CloseClient bool
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "ocache"
	}
	return &RedisCache{rdb: cfg.Client, prefix: prefix, closeClient: cfg.CloseClient}, nil
}

func (r *RedisCache) namesKey() string {
	return r.prefix + ":caches"
}

func (r *RedisCache) entriesKey(name string) string {
	return fmt.Sprintf("%s:cache:%s", r.prefix, name)
}

func (r *RedisCache) indexKey(name string) string {
	return r.entriesKey(name) + ":keys"
}

func (r *RedisCache) CreateCache(ctx context.Context, name string) error {
	return r.rdb.ZAddNX(ctx, r.namesKey(), goredis.Z{
		Score:  float64(now().UnixMicro()),
		Member: name,
	}).Err()
}

func (r *RedisCache) HasCache(ctx context.Context, name string) (bool, error) {
	err := r.rdb.ZScore(ctx, r.namesKey(), name).Err()
	if err == goredis.Nil {
		return false, nil
	}
	return err == nil, err
}

func (r *RedisCache) CacheNames(ctx context.Context) ([]string, error) {
	return r.rdb.ZRange(ctx, r.namesKey(), 0, -1).Result()
}

func (r *RedisCache) DeleteCache(ctx context.Context, name string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.namesKey(), name)
		pipe.Del(ctx, r.entriesKey(name), r.indexKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *RedisCache) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	b, err := r.rdb.HGet(ctx, r.entriesKey(name), key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// PutCE stores the entry only if the cache exists when the write commits.
// The name set is watched, so a put racing a DeleteCache either lands before the delete or fails.
func (r *RedisCache) PutCE(ctx context.Context, name string, ce CacheEntry) error {
	put := func(tx *goredis.Tx) error {
		err := tx.ZScore(ctx, r.namesKey(), name).Err()
		if err == goredis.Nil {
			return ErrNoSuchCache
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, r.entriesKey(name), ce.Key, ce.Bytes)
			pipe.ZAdd(ctx, r.indexKey(name), goredis.Z{
				Score:  float64(ce.StoredAt.UnixMicro()),
				Member: ce.Key,
			})
			return nil
		})
		return err
	}
	for i := 0; i < maxPutRetries; i++ {
		err := r.rdb.Watch(ctx, put, r.namesKey())
		if err != goredis.TxFailedErr {
			return err
		}
		// the name set changed, e.g. another cache was created: check again
	}
	return fmt.Errorf("put %s into cache %s: %w", ce.Key, name, goredis.TxFailedErr)
}

func (r *RedisCache) Purge(ctx context.Context, name, key string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.HDel(ctx, r.entriesKey(name), key)
		pipe.ZRem(ctx, r.indexKey(name), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *RedisCache) Keys(ctx context.Context, name string) ([]string, error) {
	return r.rdb.ZRange(ctx, r.indexKey(name), 0, -1).Result()
}

// Close releases the underlying redis client only when this provider owns it.
func (r *RedisCache) Close() error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
