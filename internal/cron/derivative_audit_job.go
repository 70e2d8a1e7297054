package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/mediastore/internal/media"
	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

type DerivativeAuditJobParams struct {
	Logger    *logger.Logger
	Repo      optimizedAssetLister
	Auditor   media.DerivativeAuditor
	BatchSize int
}

type optimizedAssetLister interface {
	ListOptimized(ctx context.Context, after uuid.UUID, limit int) ([]models.Asset, error)
}

// NewDerivativeAuditJob builds the job that walks every optimized image and
// repairs derivative_widths against the files on disk.
func NewDerivativeAuditJob(params DerivativeAuditJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("asset repository required")
	}
	if params.Auditor == nil {
		return nil, fmt.Errorf("auditor required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &derivativeAuditJob{
		logg:      params.Logger,
		repo:      params.Repo,
		auditor:   params.Auditor,
		batchSize: batch,
	}, nil
}

type derivativeAuditJob struct {
	logg      *logger.Logger
	repo      optimizedAssetLister
	auditor   media.DerivativeAuditor
	batchSize int
}

func (j *derivativeAuditJob) Name() string { return "derivative-audit" }

func (j *derivativeAuditJob) Run(ctx context.Context) error {
	var (
		errs     error
		scanned  int
		repaired int
		after    uuid.UUID
	)
	for {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		rows, err := j.repo.ListOptimized(ctx, after, j.batchSize)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list optimized assets: %w", err))
		}
		for i := range rows {
			scanned++
			res, err := j.auditor.Audit(ctx, &rows[i])
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("audit %s: %w", rows[i].ID, err))
				continue
			}
			if res.Repaired {
				repaired++
			}
		}
		if len(rows) < j.batchSize {
			break
		}
		after = rows[len(rows)-1].ID
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"scanned":  scanned,
		"repaired": repaired,
		"failed":   len(multierr.Errors(errs)),
	})
	j.logg.Info(logCtx, "derivative audit complete")
	return errs
}
