package controllers

import (
	"errors"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/mediastore/api/responses"
	"github.com/angelmondragon/mediastore/api/validators"
	"github.com/angelmondragon/mediastore/internal/media"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/angelmondragon/mediastore/pkg/pagination"
)

const (
	uploadFormField  = "file"
	multipartMemory  = 8 << 20
	multipartOverrun = 1 << 20
	sniffLen         = 512
	maxDisplayWidth  = 20000
)

// UploadOptions bounds and places multipart uploads before ingestion.
type UploadOptions struct {
	StagingDir     string
	MaxUploadBytes int64
}

type mediaDeleteBatchRequest struct {
	IDs []uuid.UUID `json:"ids" validate:"required,min=1,max=500"`
}

func mediaUnavailable(w http.ResponseWriter, r *http.Request, logg *logger.Logger) {
	responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "media service unavailable"))
}

// MediaList returns one cursor page of assets filtered by kind and status.
func MediaList(svc media.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cursor, err := validators.QueryToken(r, "cursor")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		kind, err := validators.ParseQueryEnum(r, "kind", enums.ParseAssetKind)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := validators.ParseQueryEnum(r, "status", enums.ParseAssetStatus)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params := media.ListParams{Limit: limit, Cursor: cursor, Kind: kind, Status: status}
		result, err := svc.List(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WritePage(w, result.Items, result.Cursor)
	}
}

// MediaUpload stages a multipart file and ingests it.
func MediaUpload(svc media.Service, opts UploadOptions, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, opts.MaxUploadBytes+multipartOverrun)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			responses.WriteError(r.Context(), logg, w, uploadFormError(err))
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile(uploadFormField)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "file part required").WithDetails(map[string]any{"field": uploadFormField}))
			return
		}
		defer file.Close()

		if header.Size > opts.MaxUploadBytes {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "upload too large").WithDetails(map[string]any{"max_bytes": opts.MaxUploadBytes}))
			return
		}

		upload, err := stagedUploadFromForm(r, header)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		stagedPath, sniffed, err := stageUpload(opts.StagingDir, file)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		upload.TempPath = stagedPath
		if upload.MimeType == "" {
			upload.MimeType = sniffed
		}

		asset, err := svc.Ingest(r.Context(), upload)
		if err != nil {
			// Ingest leaves the staged file in place on failure.
			if rmErr := os.Remove(stagedPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && logg != nil {
				logg.Warn(logg.WithField(r.Context(), "staged_path", stagedPath), "upload.staged_cleanup_failed")
			}
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, asset)
	}
}

func uploadFormError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "upload too large").WithDetails(map[string]any{"max_bytes": tooLarge.Limit})
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid multipart form")
}

func stagedUploadFromForm(r *http.Request, header *multipart.FileHeader) (media.StagedUpload, error) {
	upload := media.StagedUpload{
		OriginalName: validators.SanitizeFileName(header.Filename, validators.MaxFileNameBytes),
		MimeType:     declaredMimeType(header),
	}
	if name := validators.SanitizeFileName(r.FormValue("original_name"), validators.MaxFileNameBytes); name != "" {
		upload.OriginalName = name
	}

	var err error
	if upload.DeclaredWidth, err = validators.OptionalInt(r.FormValue("width"), "width"); err != nil {
		return upload, err
	}
	if upload.DeclaredHeight, err = validators.OptionalInt(r.FormValue("height"), "height"); err != nil {
		return upload, err
	}
	if upload.DeclaredDuration, err = validators.OptionalFloat(r.FormValue("duration_seconds"), "duration_seconds"); err != nil {
		return upload, err
	}
	if upload.DeclaredFrameRate, err = validators.OptionalFloat(r.FormValue("frame_rate"), "frame_rate"); err != nil {
		return upload, err
	}
	return upload, nil
}

// declaredMimeType trusts the part header unless it is missing or generic.
func declaredMimeType(header *multipart.FileHeader) string {
	value := strings.TrimSpace(header.Header.Get("Content-Type"))
	if value == "" || strings.HasPrefix(value, "application/octet-stream") {
		return ""
	}
	return value
}

// stageUpload copies the part into the staging directory and sniffs its
// content type from the leading bytes.
func stageUpload(dir string, src io.Reader) (path, sniffed string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "prepare staging dir")
	}
	dst, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "create staged file")
	}
	path = dst.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	head := make([]byte, sniffLen)
	n, readErr := io.ReadFull(src, head)
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		dst.Close()
		return "", "", pkgerrors.Wrap(pkgerrors.CodeValidation, readErr, "read upload")
	}
	head = head[:n]
	if n == 0 {
		dst.Close()
		return "", "", pkgerrors.New(pkgerrors.CodeValidation, "upload is empty")
	}

	if _, err = dst.Write(head); err == nil {
		_, err = io.Copy(dst, src)
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "write staged file")
	}
	return filepath.Clean(path), http.DetectContentType(head), nil
}

// MediaStats returns asset counts by kind.
func MediaStats(svc media.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}
		stats, err := svc.Stats(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stats)
	}
}

func MediaGet(svc media.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}
		id, err := validators.ParseUUIDParam(r, "mediaId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, asset)
	}
}

// MediaFile streams the primary file or the derivative closest to ?width=.
func MediaFile(svc media.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}
		id, err := validators.ParseUUIDParam(r, "mediaId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		width, err := validators.ParseQueryInt(r, "width", 0, 1, maxDisplayWidth)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		path, err := svc.ResolveDerivativePath(asset, width)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "media file missing"))
				return
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "open media file"))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "stat media file"))
			return
		}
		if info.IsDir() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "media file missing"))
			return
		}
		http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	}
}

// MediaRegenerate rebuilds an image's derivatives synchronously.
func MediaRegenerate(svc media.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}
		id, err := validators.ParseUUIDParam(r, "mediaId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		asset, err := svc.Regenerate(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, asset)
	}
}

func MediaDelete(svc media.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}
		id, err := validators.ParseUUIDParam(r, "mediaId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.DeleteOne(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// MediaDeleteBatch deletes several assets and reports the per-id outcome.
func MediaDeleteBatch(svc media.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			mediaUnavailable(w, r, logg)
			return
		}
		var payload mediaDeleteBatchRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.DeleteMany(r.Context(), payload.IDs)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
