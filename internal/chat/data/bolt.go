package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/lk2023060901/ai-chat-stream/internal/conf"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const threadKeyPrefix = "thread:"

// BoltRepo keeps threads as JSON values in a single bbolt bucket
type BoltRepo struct {
	db     *bbolt.DB
	bucket []byte
	log    *zap.Logger
}

var _ biz.ThreadRepo = (*BoltRepo)(nil)

// NewBoltRepo opens (or creates) the database file and its bucket
func NewBoltRepo(cfg conf.BoltConfig, log *zap.Logger) (*BoltRepo, error) {
	if cfg.Path == "" {
		cfg.Path = "data/chat.db"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "threads"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", cfg.Path, err)
	}

	bucket := []byte(cfg.Bucket)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}

	log.Info("bolt thread store opened", zap.String("path", cfg.Path))
	return &BoltRepo{db: db, bucket: bucket, log: log}, nil
}

func boltKey(id string) []byte {
	return []byte(threadKeyPrefix + id)
}

// Save implements biz.ThreadRepo
func (r *BoltRepo) Save(_ context.Context, thread *types.Thread) error {
	raw, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", thread.ID, err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(r.bucket).Put(boltKey(thread.ID), raw)
	})
}

// Get implements biz.ThreadRepo
func (r *BoltRepo) Get(_ context.Context, id string) (*types.Thread, error) {
	var thread *types.Thread
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(r.bucket).Get(boltKey(id))
		if raw == nil {
			return apperrors.NewThreadNotFound(id)
		}
		var t types.Thread
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("decode thread %s: %w", id, err)
		}
		thread = &t
		return nil
	})
	return thread, err
}

// List implements biz.ThreadRepo. Undecodable records are skipped.
func (r *BoltRepo) List(_ context.Context) ([]*types.Thread, error) {
	var threads []*types.Thread
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(r.bucket).Cursor()
		prefix := []byte(threadKeyPrefix)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var t types.Thread
			if err := json.Unmarshal(v, &t); err != nil {
				r.log.Warn("skipping unreadable thread", zap.ByteString("key", k), zap.Error(err))
				continue
			}
			threads = append(threads, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByUpdated(threads)
	return threads, nil
}

// Delete implements biz.ThreadRepo
func (r *BoltRepo) Delete(_ context.Context, id string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b.Get(boltKey(id)) == nil {
			return apperrors.NewThreadNotFound(id)
		}
		return b.Delete(boltKey(id))
	})
}

// Close releases the database file lock
func (r *BoltRepo) Close() error {
	return r.db.Close()
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
