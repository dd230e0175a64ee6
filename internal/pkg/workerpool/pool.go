package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool is full")
)

// Config Worker Pool 配置
type Config struct {
	Workers     int  // worker 数量
	MaxBlocking int  // 最多阻塞等待的提交数, 0 表示不限制
	NonBlocking bool // 池满时立即返回 ErrPoolFull
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Workers:     4,
		MaxBlocking: 64,
	}
}

// Statistics 统计信息
type Statistics struct {
	Submitted int64 // 已提交
	Completed int64 // 已完成
	Failed    int64 // panic 或提交失败
	Running   int64 // 运行中
}

// Pool 基于 ants 的任务池, 用于后台生成标题等短任务
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	running   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建 Worker Pool
func New(config *Config, logger *zap.Logger) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		return nil, fmt.Errorf("invalid worker count: %d", config.Workers)
	}

	p := &Pool{logger: logger}

	antsPool, err := ants.NewPool(config.Workers,
		ants.WithNonblocking(config.NonBlocking),
		ants.WithMaxBlockingTasks(config.MaxBlocking),
		ants.WithPanicHandler(func(err interface{}) {
			p.failed.Add(1)
			logger.Error("worker panic", zap.Any("error", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}
	p.pool = antsPool
	p.ctx, p.cancel = context.WithCancel(context.Background())

	return p, nil
}

// Context 在 Shutdown 时取消, 任务可以据此提前退出
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit 提交任务
func (p *Pool) Submit(task func()) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
	}

	p.submitted.Add(1)
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		p.running.Add(1)
		defer func() {
			p.running.Add(-1)
			p.completed.Add(1)
			p.wg.Done()
		}()
		task()
	})
	if err != nil {
		p.wg.Done()
		p.failed.Add(1)
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrPoolFull
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrPoolClosed
		}
		return fmt.Errorf("failed to submit task: %w", err)
	}
	return nil
}

// Stats 获取统计信息
func (p *Pool) Stats() Statistics {
	return Statistics{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Running:   p.running.Load(),
	}
}

// Wait 等待已提交的任务完成
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown 关闭, 等待进行中的任务结束
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
	p.pool.Release()
}
