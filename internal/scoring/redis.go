package scoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"nemtdispatch/internal/model"
)

// Redis stores one key per driver and updates it inside a WATCH/MULTI
// transaction, retrying when another writer got there first.
type Redis struct {
	rdb        *redis.Client
	prefix     string
	maxRetries int
}

func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisClient(redis.NewClient(opt)), nil
}

func NewRedisClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, prefix: "ids:score:", maxRetries: 50}
}

func (r *Redis) key(p model.Partition, driverID string) string {
	return r.prefix + p.Key() + ":" + driverID
}

func (r *Redis) Scores(ctx context.Context, p model.Partition, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(p, id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out[ids[i]] = f
	}
	return out, nil
}

func (r *Redis) Update(ctx context.Context, p model.Partition, driverID string, fn func(float64, bool) float64) error {
	key := r.key(p, driverID)
	txf := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Float64()
		known := true
		if errors.Is(err, redis.Nil) {
			known, err = false, nil
		}
		if err != nil {
			return err
		}
		v := fn(old, known)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, strconv.FormatFloat(v, 'f', -1, 64), 0)
			return nil
		})
		return err
	}
	for i := 0; i < r.maxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("score update for %s: too much contention", driverID)
}

func (r *Redis) Close() error { return r.rdb.Close() }
