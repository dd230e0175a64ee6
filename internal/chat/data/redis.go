package data

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	pkgredis "github.com/lk2023060901/ai-chat-stream/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRepo keeps each thread as a JSON string plus a sorted-set index
// scored by updatedAt
type RedisRepo struct {
	client *pkgredis.Client
	log    *zap.Logger
}

var _ biz.ThreadRepo = (*RedisRepo)(nil)

// NewRedisRepo creates a redis-backed thread store
func NewRedisRepo(client *pkgredis.Client, log *zap.Logger) *RedisRepo {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisRepo{client: client, log: log}
}

func (r *RedisRepo) threadKey(id string) string {
	return r.client.Key("thread", id)
}

func (r *RedisRepo) indexKey() string {
	return r.client.Key("threads")
}

// Save implements biz.ThreadRepo
func (r *RedisRepo) Save(ctx context.Context, thread *types.Thread) error {
	raw, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", thread.ID, err)
	}
	_, err = r.client.Universal().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.threadKey(thread.ID), raw, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(thread.UpdatedAt), Member: thread.ID})
		return nil
	})
	return err
}

// Get implements biz.ThreadRepo
func (r *RedisRepo) Get(ctx context.Context, id string) (*types.Thread, error) {
	raw, err := r.client.Universal().Get(ctx, r.threadKey(id)).Bytes()
	if pkgredis.IsNil(err) {
		return nil, apperrors.NewThreadNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	var t types.Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", id, err)
	}
	return &t, nil
}

// List implements biz.ThreadRepo. Index entries whose value is gone are skipped.
func (r *RedisRepo) List(ctx context.Context) ([]*types.Thread, error) {
	rdb := r.client.Universal()
	ids, err := rdb.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.threadKey(id)
	}
	values, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	threads := make([]*types.Thread, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			r.log.Warn("thread index points at a missing value", zap.String("thread_id", ids[i]))
			continue
		}
		var t types.Thread
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			r.log.Warn("skipping unreadable thread", zap.String("thread_id", ids[i]), zap.Error(err))
			continue
		}
		threads = append(threads, &t)
	}
	sortByUpdated(threads)
	return threads, nil
}

// Delete implements biz.ThreadRepo
func (r *RedisRepo) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.Universal().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.threadKey(id))
		pipe.ZRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return apperrors.NewThreadNotFound(id)
	}
	return nil
}
