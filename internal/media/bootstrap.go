package media

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediastore/pkg/config"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/angelmondragon/mediastore/pkg/metrics"
	"github.com/angelmondragon/mediastore/pkg/redis"
)

// StackParams configure Bootstrap. Redis is required when the lock backend is
// redis. Workers starts the derivative pool; without it new images stay
// uploaded until the reconcile job picks them up.
type StackParams struct {
	Config     *config.Config
	DB         *gorm.DB
	Redis      *redis.Client
	Logger     *logger.Logger
	Registerer prometheus.Registerer
	Workers    bool
}

// Stack is the media store wired for one process.
type Stack struct {
	Repo    *Repository
	Locks   PathLocker
	Service Service
	Auditor DerivativeAuditor
	Pool    *Pool
	Metrics *metrics.MediaMetrics
}

// Bootstrap builds the repository, lock table, generator, pool and service
// from configuration.
func Bootstrap(ctx context.Context, params StackParams) (*Stack, error) {
	cfg := params.Config
	if cfg == nil || params.DB == nil || params.Logger == nil {
		return nil, fmt.Errorf("config, db and logger required")
	}

	layout, err := NewLayout(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	var locks PathLocker
	switch cfg.Media.LockBackend {
	case config.LockBackendRedis:
		if params.Redis == nil {
			return nil, fmt.Errorf("redis lock backend requires a redis client")
		}
		locks, err = NewRedisLocker(params.Redis, cfg.Media.LockTTL)
		if err != nil {
			return nil, err
		}
	default:
		locks = NewMemoryLocker()
	}

	mm := metrics.NewMediaMetrics(params.Registerer)
	retrier := NewRetrier(cfg.Media.RetryCeiling, cfg.Media.RetryBaseDelay,
		WithRetryHook(func(int, error) { mm.IncLockRetry() }))
	repo := NewRepository(params.DB)

	gen, err := NewGenerator(GeneratorParams{
		Repo:    repo,
		Layout:  layout,
		Locks:   locks,
		Retrier: retrier,
		Widths:  cfg.Media.SortedWidths(),
		Format:  cfg.Media.DerivativeFormat,
		Quality: cfg.Media.ImageQuality,
		Logger:  params.Logger,
		Metrics: mm,
	})
	if err != nil {
		return nil, fmt.Errorf("derivative generator: %w", err)
	}

	stack := &Stack{Repo: repo, Locks: locks, Metrics: mm}
	svcParams := ServiceParams{
		Repo:      repo,
		Layout:    layout,
		Locks:     locks,
		Retrier:   retrier,
		Generator: gen,
		Logger:    params.Logger,
		Metrics:   mm,
	}
	if params.Workers {
		stack.Pool = NewPool(ctx, cfg.Media.Workers, cfg.Media.QueueSize, params.Logger)
		svcParams.Pool = stack.Pool
	}

	stack.Service, err = NewService(svcParams)
	if err != nil {
		return nil, fmt.Errorf("media service: %w", err)
	}
	stack.Auditor, err = NewDerivativeAuditor(repo, layout, locks, retrier, params.Logger)
	if err != nil {
		return nil, fmt.Errorf("derivative auditor: %w", err)
	}
	return stack, nil
}

// Close drains the derivative pool, if one was started.
func (s *Stack) Close(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return nil
	}
	return s.Pool.Close(ctx)
}
