package data

import (
	"fmt"
	"sort"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/lk2023060901/ai-chat-stream/internal/conf"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/database"
	pkgredis "github.com/lk2023060901/ai-chat-stream/internal/pkg/redis"
	"go.uber.org/zap"
)

// Storage drivers
const (
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// NewThreadRepo opens the thread store selected by cfg.Driver. The returned
// cleanup releases its connections.
func NewThreadRepo(cfg *conf.StorageConfig, log *zap.Logger) (biz.ThreadRepo, func(), error) {
	log = log.Named("storage")

	switch cfg.Driver {
	case "", DriverBolt:
		repo, err := NewBoltRepo(cfg.Bolt, log)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				log.Warn("failed to close bolt store", zap.Error(err))
			}
		}, nil

	case DriverRedis:
		client, err := pkgredis.New(cfg.Redis, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return NewRedisRepo(client, log), func() {
			if err := client.Close(); err != nil {
				log.Warn("failed to close redis client", zap.Error(err))
			}
		}, nil

	case DriverPostgres:
		db, err := database.New(cfg.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init database: %w", err)
		}
		repo, err := NewPostgresRepo(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return repo, func() {
			if err := db.Close(); err != nil {
				log.Warn("failed to close database", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// sortByUpdated orders threads most recently updated first
func sortByUpdated(threads []*types.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].UpdatedAt == threads[j].UpdatedAt {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].UpdatedAt > threads[j].UpdatedAt
	})
}
