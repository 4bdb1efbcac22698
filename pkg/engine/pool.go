package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/soft_sfu/pkg/metrics"
	"github.com/arzzra/soft_sfu/pkg/ortc"
)

// WorkerFactory создает воркер с порядковым номером index
type WorkerFactory func(ctx context.Context, index int) (Worker, error)

// PoolConfig параметры пула воркеров
type PoolConfig struct {
	Size    int
	Factory WorkerFactory
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// WorkerPool фиксированный набор воркеров, выбираемых по кругу.
// Погибший воркер исключается из ротации и не пересоздается.
type WorkerPool struct {
	mu      sync.RWMutex
	workers []Worker
	subs    map[string]Subscription
	index   atomic.Uint64

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewWorkerPool параллельно запускает Size воркеров
func NewWorkerPool(ctx context.Context, cfg PoolConfig) (*WorkerPool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("размер пула должен быть больше 0: %d", cfg.Size)
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("не задана фабрика воркеров")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := make([]Worker, cfg.Size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		i := i
		g.Go(func() error {
			w, err := cfg.Factory(gctx, i)
			if err != nil {
				return fmt.Errorf("запуск воркера %d: %w", i, err)
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				w.Close()
			}
		}
		return nil, err
	}

	p := &WorkerPool{
		workers: workers,
		subs:    make(map[string]Subscription, len(workers)),
		logger:  logger.With(zap.String("component", "worker_pool")),
		metrics: cfg.Metrics,
	}
	for _, w := range workers {
		w := w
		p.subs[w.ID()] = w.OnDied(func(err error) {
			p.drop(w, err)
		})
	}
	p.metrics.SetWorkersAlive(len(workers))
	p.logger.Info("пул воркеров запущен", zap.Int("workers", len(workers)))
	return p, nil
}

func (p *WorkerPool) drop(w Worker, cause error) {
	p.mu.Lock()
	for i, candidate := range p.workers {
		if candidate == w {
			p.workers = append(p.workers[:i:i], p.workers[i+1:]...)
			break
		}
	}
	delete(p.subs, w.ID())
	alive := len(p.workers)
	p.mu.Unlock()

	p.metrics.SetWorkersAlive(alive)
	p.logger.Error("воркер погиб, исключен из ротации",
		zap.String("worker_id", w.ID()),
		zap.Int("alive", alive),
		zap.Error(cause))
}

// Next возвращает следующий воркер по кругу
func (p *WorkerPool) Next() (Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.workers) == 0 {
		return nil, ErrNoWorkers
	}
	n := p.index.Add(1) - 1
	return p.workers[n%uint64(len(p.workers))], nil
}

// CreateRouter создает роутер на следующем воркере
func (p *WorkerPool) CreateRouter(ctx context.Context, mediaCodecs []ortc.RtpCodecCapability) (Router, error) {
	w, err := p.Next()
	if err != nil {
		return nil, err
	}
	router, err := w.CreateRouter(ctx, mediaCodecs)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("создан роутер",
		zap.String("worker_id", w.ID()),
		zap.String("router_id", router.ID()))
	return router, nil
}

// Len возвращает число живых воркеров
func (p *WorkerPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Close закрывает все воркеры
func (p *WorkerPool) Close() {
	p.mu.Lock()
	workers := p.workers
	subs := p.subs
	p.workers = nil
	p.subs = make(map[string]Subscription)
	p.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, w := range workers {
		w.Close()
	}
	p.metrics.SetWorkersAlive(0)
}
