package media

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strconv"

	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DerivativeAuditor repairs derivative_widths so it names exactly the width
// files present on disk.
type DerivativeAuditor interface {
	Audit(ctx context.Context, asset *models.Asset) (*AuditResult, error)
}

// AuditResult describes the drift found for one asset.
type AuditResult struct {
	ID       uuid.UUID `json:"id"`
	Missing  []int     `json:"missing,omitempty"`
	Orphaned []int     `json:"orphaned,omitempty"`
	Repaired bool      `json:"repaired"`
}

// Drifted reports whether the catalog and the disk disagreed.
func (r *AuditResult) Drifted() bool {
	return len(r.Missing) > 0 || len(r.Orphaned) > 0
}

type auditRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*models.Asset, error)
}

type derivativeAuditor struct {
	repo   auditRepository
	layout Layout
	guard  guard
	logg   *logger.Logger
}

// NewDerivativeAuditor constructs the auditor used by the audit cron job.
func NewDerivativeAuditor(repo auditRepository, layout Layout, locks PathLocker, retrier *Retrier, logg *logger.Logger) (DerivativeAuditor, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "asset repository required")
	}
	if layout.Root() == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "storage layout required")
	}
	if locks == nil || retrier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "path locks and retrier required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "logger required")
	}
	return &derivativeAuditor{
		repo:   repo,
		layout: layout,
		guard:  guard{locks: locks, retrier: retrier},
		logg:   logg,
	}, nil
}

func (a *derivativeAuditor) Audit(ctx context.Context, asset *models.Asset) (*AuditResult, error) {
	if asset == nil || asset.ID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "asset required")
	}
	result := &AuditResult{ID: asset.ID}
	if !asset.IsImage() || asset.DerivativeFormat == "" {
		return result, nil
	}

	// The audit holds the asset's hash lock so it never races a deletion of
	// the same content.
	err := a.guard.do(ctx, hashLockKey(asset.ContentHash), func() error {
		current, err := a.repo.FindByID(ctx, asset.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload asset")
		}
		if current.Status == nil || *current.Status != enums.AssetStatusOptimized {
			return nil
		}

		onDisk, err := a.widthsOnDisk(current)
		if err != nil {
			return err
		}
		recorded := widthSet(current.DerivativeWidths)
		result.Missing = sortedWidths(difference(recorded, onDisk))
		result.Orphaned = sortedWidths(difference(onDisk, recorded))
		if !result.Drifted() {
			return nil
		}

		if _, err := a.repo.UpdateFields(ctx, current.ID, map[string]any{
			"derivative_widths": datatypes.JSONSlice[int](sortedWidths(onDisk)),
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "repair derivative widths")
		}
		result.Repaired = true
		return nil
	})
	if err != nil {
		return nil, busyError(err, "content "+asset.ContentHash)
	}
	if result.Drifted() {
		a.logg.Warn(a.logg.WithFields(a.logg.WithAssetID(ctx, asset.ID.String()), map[string]any{
			"missing":  result.Missing,
			"orphaned": result.Orphaned,
		}), "derivative widths repaired")
	}
	return result, nil
}

// widthsOnDisk lists the numeric directories of the asset's shard that hold
// this asset's derivative file.
func (a *derivativeAuditor) widthsOnDisk(asset *models.Asset) (map[int]struct{}, error) {
	entries, err := os.ReadDir(a.layout.ShardDir(asset.ContentHash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[int]struct{}{}, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "read shard directory")
	}
	set := make(map[int]struct{})
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		width, err := strconv.Atoi(entry.Name())
		if err != nil || width <= 0 {
			continue
		}
		info, err := os.Stat(a.layout.DerivativePath(asset, width, asset.DerivativeFormat))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "stat derivative")
		}
		if info.Mode().IsRegular() {
			set[width] = struct{}{}
		}
	}
	return set, nil
}

func widthSet(widths []int) map[int]struct{} {
	set := make(map[int]struct{}, len(widths))
	for _, w := range widths {
		if w <= 0 {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

func difference(a, b map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{})
	for w := range a {
		if _, ok := b[w]; !ok {
			out[w] = struct{}{}
		}
	}
	return out
}

func sortedWidths(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}
