package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/angelmondragon/mediastore/pkg/db"
	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/metrics"
)

// maxNameAttempts bounds basename disambiguation on repeated collisions.
const maxNameAttempts = 8

// StagedUpload is a file fully written to a staging location by the upload
// layer, plus what the client declared about it.
type StagedUpload struct {
	TempPath          string   `validate:"required"`
	OriginalName      string   `validate:"required"`
	MimeType          string   `validate:"required"`
	DeclaredWidth     *int     `validate:"omitempty,gt=0"`
	DeclaredHeight    *int     `validate:"omitempty,gt=0"`
	DeclaredDuration  *float64 `validate:"omitempty,gte=0"`
	DeclaredFrameRate *float64 `validate:"omitempty,gt=0"`
}

// Ingest hashes a staged upload, rejects duplicate content, moves the bytes
// into the sharded tree and records the asset. Images are queued for
// derivative generation without waiting for it.
func (s *service) Ingest(ctx context.Context, upload StagedUpload) (*models.Asset, error) {
	if err := s.validate.Struct(upload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid staged upload")
	}
	mimeType, kind, err := kindForMime(upload.MimeType)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported media type")
	}

	stagedPath := canonicalPath(upload.TempPath)
	info, err := os.Stat(stagedPath)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "stat staged upload")
	}
	if !info.Mode().IsRegular() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "staged upload is not a regular file")
	}

	hash, err := HashFile(stagedPath)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"content_hash": hash, "original_name": upload.OriginalName})

	// Same-content uploads serialize on the hash so the lookup below and the
	// create that follows are never interleaved.
	var asset *models.Asset
	err = s.guard.do(ctx, hashLockKey(hash), func() error {
		var ingestErr error
		asset, ingestErr = s.ingestLocked(ctx, upload, stagedPath, hash, mimeType, kind, info.Size())
		return ingestErr
	})
	if err != nil {
		err = busyError(err, "content "+hash)
		s.metrics.IncIngest(ingestOutcome(err))
		return nil, err
	}
	s.metrics.IncIngest(metrics.IngestCreated)

	if asset.IsImage() {
		s.enqueueDerivatives(ctx, asset)
	}
	return asset, nil
}

func (s *service) ingestLocked(ctx context.Context, upload StagedUpload, stagedPath, hash, mimeType string, kind enums.AssetKind, size int64) (*models.Asset, error) {
	existing, err := s.repo.FindByHash(ctx, hash)
	switch {
	case err == nil:
		if rmErr := removeFile(stagedPath); rmErr != nil {
			s.logg.Error(ctx, "failed to remove duplicate staged upload", rmErr)
		}
		return nil, duplicateError(upload.OriginalName, existing)
	case !db.IsNotFound(err):
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup content hash")
	}

	ok, err := s.locks.TryAcquire(ctx, stagedPath)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock staged upload")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeResourceBusy, "staged upload "+contentionMarker)
	}
	defer func() {
		if relErr := s.locks.Release(context.WithoutCancel(ctx), stagedPath); relErr != nil {
			s.logg.Error(ctx, "failed to release staged upload lock", relErr)
		}
	}()

	shardDir := s.layout.ShardDir(hash)
	if err := ensureDir(shardDir); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "create shard directory")
	}

	asset := &models.Asset{
		Kind:             kind,
		OriginalName:     upload.OriginalName,
		MimeType:         mimeType,
		ByteSize:         size,
		ContentHash:      hash,
		Width:            upload.DeclaredWidth,
		Height:           upload.DeclaredHeight,
		DerivativeWidths: []int{},
	}
	switch kind {
	case enums.AssetKindImage:
		asset.Status = enums.AssetStatusUploaded.Ptr()
	case enums.AssetKindVideo:
		asset.DurationSeconds = upload.DeclaredDuration
		asset.FrameRate = upload.DeclaredFrameRate
	default:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unhandled asset kind %q", kind))
	}

	origBase, ext := splitUploadName(upload.OriginalName)
	asset.BaseName, asset.Extension = origBase, ext
	for attempt := 0; ; attempt++ {
		if attempt == maxNameAttempts {
			return nil, pkgerrors.New(pkgerrors.CodeStorage, "could not find a free file name in shard "+shardOf(hash))
		}
		var created *models.Asset
		err := s.guard.do(ctx, nameLockKey(hash, asset.BaseName), func() error {
			var placeErr error
			created, placeErr = s.place(ctx, stagedPath, asset)
			return placeErr
		})
		switch {
		case err == nil:
			s.logg.Info(s.logg.WithAssetID(ctx, created.ID.String()), "asset ingested")
			return created, nil
		case errors.Is(err, errNameTaken):
			asset.BaseName = disambiguate(origBase, s.now())
		case IsContention(err):
			return nil, busyError(err, "file name "+asset.BaseName)
		default:
			return nil, err
		}
	}
}

// errNameTaken means another asset of the shard already owns the stem.
var errNameTaken = errors.New("base name taken in shard")

// place moves the staged bytes to the asset's primary path and records it.
// It runs under the stem's name lock, so the stem checks and the create are
// never interleaved with another upload into the same shard.
func (s *service) place(ctx context.Context, stagedPath string, asset *models.Asset) (*models.Asset, error) {
	taken, err := s.stemTaken(ctx, asset.ContentHash, asset.BaseName)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errNameTaken
	}

	dest := filepath.Join(s.layout.ShardDir(asset.ContentHash), asset.FileName())
	err = s.guard.do(ctx, dest, func() error { return s.move(stagedPath, dest) })
	switch {
	case errors.Is(err, fs.ErrExist):
		return nil, errNameTaken
	case IsContention(err):
		return nil, busyError(err, "destination "+dest)
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "move staged upload into storage")
	}

	record := *asset
	created, err := s.repo.Create(ctx, &record)
	if err != nil {
		if mvErr := s.move(dest, stagedPath); mvErr != nil {
			s.logg.Error(s.logg.WithField(ctx, "stored_path", dest), "failed to return file to staging after catalog error", mvErr)
		}
		if pkgerrors.IsUniqueViolation(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDuplicateContent, err, fmt.Sprintf("%q has the same content as an existing asset", asset.OriginalName))
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create asset record")
	}
	return created, nil
}

// stemTaken reports whether base already names an asset of the shard or a
// derivative file in one of its width directories. Derivative paths drop the
// extension, so the stem alone has to be unique per shard.
func (s *service) stemTaken(ctx context.Context, hash, base string) (bool, error) {
	taken, err := s.repo.BaseNameInShard(ctx, shardOf(hash), base)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check file name")
	}
	if taken {
		return true, nil
	}
	entries, err := os.ReadDir(s.layout.ShardDir(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "read shard directory")
	}
	for _, entry := range entries {
		if !entry.IsDir() || !isWidthDir(entry.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.layout.ShardDir(hash), entry.Name()))
		if err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "scan derivatives")
		}
		for _, f := range files {
			if strings.TrimSuffix(f.Name(), filepath.Ext(f.Name())) == base {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *service) enqueueDerivatives(ctx context.Context, asset *models.Asset) {
	logCtx := s.logg.WithAssetID(ctx, asset.ID.String())
	if s.pool == nil {
		s.logg.Warn(logCtx, "no derivative pool configured; asset left for reconciliation")
		return
	}
	snapshot := *asset
	job := Job{
		Name:    "generate-derivatives",
		AssetID: asset.ID,
		Run: func(ctx context.Context) error {
			_, err := s.generator.Generate(ctx, &snapshot)
			return err
		},
	}
	if !s.pool.Submit(job) {
		s.metrics.IncQueueRejected()
		s.logg.Warn(logCtx, "derivative queue full; asset left for reconciliation")
	}
}

func duplicateError(uploaded string, existing *models.Asset) error {
	msg := fmt.Sprintf("%q has the same content as existing asset %q", uploaded, existing.OriginalName)
	return pkgerrors.New(pkgerrors.CodeDuplicateContent, msg).WithDetails(map[string]any{
		"existing_id":   existing.ID,
		"existing_name": existing.OriginalName,
	})
}

func ingestOutcome(err error) string {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeDuplicateContent:
		return metrics.IngestDuplicate
	case pkgerrors.CodeResourceBusy:
		return metrics.IngestBusy
	default:
		return metrics.IngestFailed
	}
}
