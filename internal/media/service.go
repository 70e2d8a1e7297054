package media

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/mediastore/pkg/db"
	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/angelmondragon/mediastore/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type catalogRepository interface {
	FindByHash(ctx context.Context, hash string) (*models.Asset, error)
	BaseNameInShard(ctx context.Context, shard, base string) (bool, error)
	Create(ctx context.Context, asset *models.Asset) (*models.Asset, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*models.Asset, error)
	DeleteByID(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	CountByKind(ctx context.Context) (map[enums.AssetKind]int64, error)
	List(ctx context.Context, q listQuery) ([]models.Asset, error)
}

// Service is the media store's operation surface.
type Service interface {
	Ingest(ctx context.Context, upload StagedUpload) (*models.Asset, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	List(ctx context.Context, params ListParams) (*ListResult, error)
	Stats(ctx context.Context) (*Stats, error)
	Regenerate(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	DeleteOne(ctx context.Context, id uuid.UUID) (*DeleteResult, error)
	DeleteMany(ctx context.Context, ids []uuid.UUID) (*BatchDeleteResult, error)
	ResolveDerivativePath(asset *models.Asset, requestedWidth int) (string, error)
}

// ServiceParams wires the media service. Pool may be nil, in which case new
// images wait for the reconcile job.
type ServiceParams struct {
	Repo      catalogRepository
	Layout    Layout
	Locks     PathLocker
	Retrier   *Retrier
	Generator *Generator
	Pool      submitter
	Logger    *logger.Logger
	Metrics   *metrics.MediaMetrics
}

type service struct {
	repo      catalogRepository
	layout    Layout
	locks     PathLocker
	guard     guard
	generator *Generator
	pool      submitter
	validate  *validator.Validate
	logg      *logger.Logger
	metrics   *metrics.MediaMetrics

	now       func() time.Time
	move      func(src, dst string) error
	remove    func(path string) error
	removeDir func(dir string) error
}

// NewService constructs the media service.
func NewService(params ServiceParams) (Service, error) {
	svc, err := newService(params)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newService(params ServiceParams) (*service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("asset repository required")
	}
	if params.Layout.Root() == "" {
		return nil, fmt.Errorf("storage layout required")
	}
	if params.Locks == nil {
		return nil, fmt.Errorf("path locker required")
	}
	if params.Retrier == nil {
		return nil, fmt.Errorf("retrier required")
	}
	if params.Generator == nil {
		return nil, fmt.Errorf("derivative generator required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:      params.Repo,
		layout:    params.Layout,
		locks:     params.Locks,
		guard:     guard{locks: params.Locks, retrier: params.Retrier},
		generator: params.Generator,
		pool:      params.Pool,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       time.Now,
		move:      moveNoClobber,
		remove:    removeFile,
		removeDir: removeDirIfEmpty,
	}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	asset, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("asset %s not found", id))
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load asset")
	}
	return asset, nil
}

// Stats counts the catalog per kind.
type Stats struct {
	Total  int64                     `json:"total"`
	ByKind map[enums.AssetKind]int64 `json:"by_kind"`
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.repo.CountByKind(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count assets")
	}
	out := &Stats{ByKind: make(map[enums.AssetKind]int64, len(counts))}
	for _, kind := range enums.AssetKinds() {
		out.ByKind[kind] = counts[kind]
		out.Total += counts[kind]
	}
	return out, nil
}

// Regenerate re-runs derivative generation for an image synchronously.
func (s *service) Regenerate(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asset.IsImage() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "only images have derivatives")
	}
	return s.generator.Generate(ctx, asset)
}
