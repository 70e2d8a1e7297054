package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	defaultStuckAfter = 30 * time.Minute
	defaultBatchSize  = 100
)

type DerivativeReconcileJobParams struct {
	Logger      *logger.Logger
	Repo        stuckAssetLister
	Regenerator regenerator
	StuckAfter  time.Duration
	BatchSize   int
}

type stuckAssetLister interface {
	ListByStatusBefore(ctx context.Context, statuses []enums.AssetStatus, cutoff time.Time, limit int) ([]models.Asset, error)
}

type regenerator interface {
	Regenerate(ctx context.Context, id uuid.UUID) (*models.Asset, error)
}

// NewDerivativeReconcileJob builds the job that regenerates images left in
// uploaded or processing, e.g. after a full queue or a crash mid-generation.
func NewDerivativeReconcileJob(params DerivativeReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("asset repository required")
	}
	if params.Regenerator == nil {
		return nil, fmt.Errorf("regenerator required")
	}
	stuckAfter := params.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &derivativeReconcileJob{
		logg:       params.Logger,
		repo:       params.Repo,
		regen:      params.Regenerator,
		stuckAfter: stuckAfter,
		batchSize:  batch,
		now:        time.Now,
	}, nil
}

type derivativeReconcileJob struct {
	logg       *logger.Logger
	repo       stuckAssetLister
	regen      regenerator
	stuckAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func (j *derivativeReconcileJob) Name() string { return "derivative-reconcile" }

func (j *derivativeReconcileJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.stuckAfter)
	rows, err := j.repo.ListByStatusBefore(ctx,
		[]enums.AssetStatus{enums.AssetStatusUploaded, enums.AssetStatusProcessing}, cutoff, j.batchSize)
	if err != nil {
		return fmt.Errorf("query stuck assets: %w", err)
	}

	var (
		errs        error
		regenerated int
	)
	for _, row := range rows {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if _, err := j.regen.Regenerate(ctx, row.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("regenerate %s: %w", row.ID, err))
			continue
		}
		regenerated++
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":      cutoff,
		"candidates":  len(rows),
		"regenerated": regenerated,
		"failed":      len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "derivative reconcile complete")
	return errs
}
