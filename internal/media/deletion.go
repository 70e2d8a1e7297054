package media

import (
	"context"
	"fmt"

	"github.com/angelmondragon/mediastore/pkg/db"
	"github.com/angelmondragon/mediastore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/metrics"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BatchStatus summarizes a multi-asset delete.
type BatchStatus string

const (
	BatchAllSucceeded BatchStatus = "all_succeeded"
	BatchPartial      BatchStatus = "partial_success"
	BatchAllFailed    BatchStatus = "all_failed"
)

// DeleteResult describes a single delete. When Deleted is false the asset
// still exists and Undeleted lists the derivative files left on disk.
type DeleteResult struct {
	ID        uuid.UUID `json:"id"`
	Deleted   bool      `json:"deleted"`
	Undeleted []string  `json:"undeleted,omitempty"`
}

// DeleteFailure is one id of a batch that was not fully deleted.
type DeleteFailure struct {
	ID        uuid.UUID      `json:"id"`
	Code      pkgerrors.Code `json:"code"`
	Message   string         `json:"message"`
	Undeleted []string       `json:"undeleted,omitempty"`
}

// BatchDeleteResult aggregates DeleteMany.
type BatchDeleteResult struct {
	Status  BatchStatus     `json:"status"`
	Deleted []uuid.UUID     `json:"deleted"`
	Failed  []DeleteFailure `json:"failed"`
}

// DeleteOne removes an asset's derivatives, then its primary file and record.
// If any derivative survives, nothing else is touched and the record's
// derivative_widths is cut down to the survivors.
func (s *service) DeleteOne(ctx context.Context, id uuid.UUID) (*DeleteResult, error) {
	ctx = s.logg.WithAssetID(ctx, id.String())
	res, err := s.deleteOne(ctx, id)
	switch {
	case err == nil:
		s.metrics.IncDelete(metrics.DeleteSucceeded)
	case pkgerrors.IsCode(err, pkgerrors.CodePartialFailure):
		s.metrics.IncDelete(metrics.DeletePartial)
	default:
		s.metrics.IncDelete(metrics.DeleteFailed)
	}
	return res, err
}

func (s *service) deleteOne(ctx context.Context, id uuid.UUID) (*DeleteResult, error) {
	asset, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("asset %s not found", id))
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load asset")
	}

	var res *DeleteResult
	err = s.guard.do(ctx, hashLockKey(asset.ContentHash), func() error {
		var delErr error
		res, delErr = s.deleteLocked(ctx, asset)
		return delErr
	})
	if err != nil {
		return res, busyError(err, "content "+asset.ContentHash)
	}
	return res, nil
}

func (s *service) deleteLocked(ctx context.Context, asset *models.Asset) (*DeleteResult, error) {
	id := asset.ID
	var (
		failedWidths []int
		undeleted    []string
		firstErr     error
	)
	for _, width := range asset.DerivativeWidths {
		path := s.layout.DerivativePath(asset, width, asset.DerivativeFormat)
		err := s.guard.do(ctx, path, func() error { return s.remove(path) })
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failedWidths = append(failedWidths, width)
			undeleted = append(undeleted, path)
			continue
		}
		if err := s.removeDir(s.layout.WidthDir(asset.ContentHash, width)); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "width", width), "could not remove empty width directory")
		}
	}

	if len(failedWidths) > 0 {
		if _, err := s.repo.UpdateFields(ctx, id, map[string]any{
			"derivative_widths": datatypes.JSONSlice[int](failedWidths),
		}); err != nil {
			s.logg.Error(ctx, "failed to record surviving derivatives", err)
		}
		s.logg.Warn(s.logg.WithField(ctx, "undeleted", undeleted), "asset partially deleted")
		return &DeleteResult{ID: id, Deleted: false, Undeleted: undeleted},
			pkgerrors.Wrap(pkgerrors.CodePartialFailure, firstErr, fmt.Sprintf("%d derivative(s) could not be deleted", len(undeleted))).
				WithDetails(map[string]any{"id": id, "undeleted": undeleted})
	}

	primary := s.layout.PrimaryPath(asset)
	if err := s.guard.do(ctx, primary, func() error { return s.remove(primary) }); err != nil {
		if _, upErr := s.repo.UpdateFields(ctx, id, map[string]any{
			"derivative_widths": datatypes.JSONSlice[int]{},
		}); upErr != nil {
			s.logg.Error(ctx, "failed to clear derivative widths", upErr)
		}
		if IsContention(err) {
			return nil, busyError(err, "primary file "+primary)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "delete primary file")
	}

	if _, err := s.repo.DeleteByID(ctx, id); err != nil && !db.IsNotFound(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete asset record")
	}
	if err := s.removeDir(s.layout.ShardDir(asset.ContentHash)); err != nil {
		s.logg.Warn(ctx, "could not remove empty shard directory")
	}

	s.logg.Info(ctx, "asset deleted")
	return &DeleteResult{ID: id, Deleted: true}, nil
}

// DeleteMany deletes each distinct id independently; one failure never stops
// the others.
func (s *service) DeleteMany(ctx context.Context, ids []uuid.UUID) (*BatchDeleteResult, error) {
	if len(ids) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one id is required")
	}

	result := &BatchDeleteResult{Deleted: []uuid.UUID{}, Failed: []DeleteFailure{}}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		res, err := s.DeleteOne(ctx, id)
		if err == nil {
			result.Deleted = append(result.Deleted, id)
			continue
		}
		failure := DeleteFailure{ID: id, Code: pkgerrors.CodeOf(err), Message: err.Error()}
		if typed := pkgerrors.As(err); typed != nil {
			failure.Message = typed.Message()
		}
		if res != nil {
			failure.Undeleted = res.Undeleted
		}
		result.Failed = append(result.Failed, failure)
	}

	switch {
	case len(result.Failed) == 0:
		result.Status = BatchAllSucceeded
	case len(result.Deleted) == 0:
		result.Status = BatchAllFailed
	default:
		result.Status = BatchPartial
	}
	return result, nil
}

// ResolveDerivativePath picks the file to serve for a requested display
// width: the closest derivative, or the primary file when there are none.
func (s *service) ResolveDerivativePath(asset *models.Asset, requestedWidth int) (string, error) {
	if asset == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "asset required")
	}
	if !asset.IsImage() || len(asset.DerivativeWidths) == 0 || requestedWidth <= 0 {
		return s.layout.PrimaryPath(asset), nil
	}
	width, err := Closest(requestedWidth, asset.DerivativeWidths)
	if err != nil {
		return "", err
	}
	return s.layout.DerivativePath(asset, width, asset.DerivativeFormat), nil
}
