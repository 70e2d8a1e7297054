package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"time"

	_ "image/gif"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/angelmondragon/mediastore/pkg/db"
	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/angelmondragon/mediastore/pkg/metrics"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"

	defaultJPEGQuality = 82
)

// DefaultWidths is the derivative ladder used when none is configured.
var DefaultWidths = []int{150, 300, 600, 1024, 1500, 2048, 2560}

type generatorRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) (*models.Asset, error)
}

// GeneratorParams wires a Generator.
type GeneratorParams struct {
	Repo    generatorRepository
	Layout  Layout
	Locks   PathLocker
	Retrier *Retrier
	Widths  []int
	Format  string
	Quality int
	Logger  *logger.Logger
	Metrics *metrics.MediaMetrics
}

// Generator produces the width ladder of an image asset.
type Generator struct {
	repo    generatorRepository
	layout  Layout
	guard   guard
	widths  []int
	format  string
	quality int
	logg    *logger.Logger
	metrics *metrics.MediaMetrics
}

func NewGenerator(params GeneratorParams) (*Generator, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("asset repository required")
	}
	if params.Layout.Root() == "" {
		return nil, fmt.Errorf("storage layout required")
	}
	if params.Locks == nil || params.Retrier == nil {
		return nil, fmt.Errorf("path locks and retrier required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	widths := params.Widths
	if len(widths) == 0 {
		widths = DefaultWidths
	}
	format := params.Format
	switch format {
	case "":
		format = FormatJPEG
	case FormatJPEG, FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported derivative format %q", format)
	}
	quality := params.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	return &Generator{
		repo:    params.Repo,
		layout:  params.Layout,
		guard:   guard{locks: params.Locks, retrier: params.Retrier},
		widths:  append([]int(nil), widths...),
		format:  format,
		quality: quality,
		logg:    params.Logger,
		metrics: params.Metrics,
	}, nil
}

// Format is the encoding every derivative is written in.
func (g *Generator) Format() string { return g.format }

// Generate writes every ladder width up to the original width, then marks the
// asset optimized. It holds the asset's hash lock throughout, so a delete of
// the same content waits for it or reports busy. On failure the status stays
// where it last got to and the files this run added are removed.
// Re-running it rewrites the same file set.
func (g *Generator) Generate(ctx context.Context, asset *models.Asset) (*models.Asset, error) {
	if !asset.IsImage() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "derivatives only apply to images")
	}
	ctx = g.logg.WithAssetID(ctx, asset.ID.String())
	started := time.Now()

	var updated *models.Asset
	err := g.guard.do(ctx, hashLockKey(asset.ContentHash), func() error {
		var genErr error
		updated, genErr = g.generate(ctx, asset.ID)
		return genErr
	})
	g.metrics.ObserveGeneration(err == nil, time.Since(started))
	if err != nil {
		err = busyError(err, "content "+asset.ContentHash)
		g.logg.Error(ctx, "derivative generation failed", err)
		return nil, err
	}
	g.metrics.AddDerivatives(len(updated.DerivativeWidths))
	g.logg.Info(g.logg.WithField(ctx, "widths", []int(updated.DerivativeWidths)), "derivatives generated")
	return updated, nil
}

func (g *Generator) generate(ctx context.Context, id uuid.UUID) (updated *models.Asset, err error) {
	current, err := g.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("asset %s no longer exists", id))
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload asset")
	}

	status := enums.AssetStatusUploaded
	if current.Status != nil {
		status = *current.Status
	}
	if ok, err := status.CanTransitionTo(enums.AssetStatusProcessing); err != nil || !ok {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot start generation from status %q", status))
	}
	if _, err := g.repo.UpdateFields(ctx, current.ID, map[string]any{"status": enums.AssetStatusProcessing}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark asset processing")
	}

	src := g.layout.PrimaryPath(current)
	cfg, srcFormat, err := decodeConfig(src)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "read original image")
	}

	var decoded image.Image
	decode := func() (image.Image, error) {
		if decoded != nil {
			return decoded, nil
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode original image")
		}
		decoded = img
		return img, nil
	}

	written := make([]int, 0, len(g.widths)+1)
	defer func() {
		if err != nil {
			g.discard(ctx, current, written)
		}
	}()
	for _, width := range targetWidths(g.widths, cfg.Width) {
		if width > cfg.Width {
			continue
		}
		var data []byte
		if width == cfg.Width && srcFormat == g.format {
			data = raw
		} else {
			img, err := decode()
			if err != nil {
				return nil, err
			}
			height := scaledHeight(cfg.Width, cfg.Height, width)
			if data, err = g.encode(resize(img, width, height, g.format == FormatJPEG)); err != nil {
				return nil, err
			}
		}
		if err := g.write(ctx, current, width, data); err != nil {
			return nil, err
		}
		written = append(written, width)
	}

	updated, err = g.repo.UpdateFields(ctx, current.ID, map[string]any{
		"status":            enums.AssetStatusOptimized,
		"derivative_widths": datatypes.JSONSlice[int](written),
		"derivative_format": g.format,
		"width":             cfg.Width,
		"height":            cfg.Height,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record generated derivatives")
	}
	g.pruneStale(ctx, current, written)
	return updated, nil
}

func (g *Generator) write(ctx context.Context, asset *models.Asset, width int, data []byte) error {
	if err := ensureDir(g.layout.WidthDir(asset.ContentHash, width)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorage, err, "create width directory")
	}
	dest := g.layout.DerivativePath(asset, width, g.format)
	err := g.guard.do(ctx, dest, func() error { return writeFileAtomic(dest, data) })
	if err != nil {
		_ = removeDirIfEmpty(g.layout.WidthDir(asset.ContentHash, width))
		if IsContention(err) {
			return busyError(err, "derivative "+dest)
		}
		return pkgerrors.Wrap(pkgerrors.CodeStorage, err, fmt.Sprintf("write %dpx derivative", width))
	}
	return nil
}

// pruneStale removes derivatives recorded by an earlier run that this run
// did not produce, such as widths dropped from the ladder or files left in a
// previous format.
func (g *Generator) pruneStale(ctx context.Context, previous *models.Asset, generated []int) {
	keep := map[int]struct{}{}
	if previous.DerivativeFormat == "" || previous.DerivativeFormat == g.format {
		keep = widthSet(generated)
	}
	format := previous.DerivativeFormat
	if format == "" {
		format = g.format
	}
	for _, w := range previous.DerivativeWidths {
		if _, ok := keep[w]; ok {
			continue
		}
		g.removeDerivative(ctx, previous, w, format, "could not prune stale derivative")
	}
}

// discard removes the files a failed run wrote that the catalog does not
// already list.
func (g *Generator) discard(ctx context.Context, current *models.Asset, written []int) {
	recorded := map[int]struct{}{}
	if current.DerivativeFormat == g.format {
		recorded = widthSet(current.DerivativeWidths)
	}
	for _, w := range written {
		if _, ok := recorded[w]; ok {
			continue
		}
		g.removeDerivative(ctx, current, w, g.format, "could not discard unrecorded derivative")
	}
}

func (g *Generator) removeDerivative(ctx context.Context, asset *models.Asset, width int, format, warning string) {
	path := g.layout.DerivativePath(asset, width, format)
	if err := g.guard.do(context.WithoutCancel(ctx), path, func() error { return removeFile(path) }); err != nil {
		g.logg.Warn(g.logg.WithField(ctx, "path", path), warning)
		return
	}
	_ = removeDirIfEmpty(g.layout.WidthDir(asset.ContentHash, width))
}

func (g *Generator) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch g.format {
	case FormatJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: g.quality})
	case FormatPNG:
		err = png.Encode(&buf, img)
	default:
		err = fmt.Errorf("unsupported derivative format %q", g.format)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode derivative")
	}
	return buf.Bytes(), nil
}

func decodeConfig(path string) (image.Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", pkgerrors.Wrap(pkgerrors.CodeStorage, err, "open original image")
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read image header")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", pkgerrors.New(pkgerrors.CodeValidation, "image has no pixels")
	}
	return cfg, format, nil
}

func scaledHeight(origW, origH, width int) int {
	h := int(math.Round(float64(origH) * float64(width) / float64(origW)))
	if h < 1 {
		return 1
	}
	return h
}

// resize scales src into a width x height RGBA canvas. Opaque output is
// flattened onto white.
func resize(src image.Image, width, height int, opaque bool) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if opaque {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	b := src.Bounds()
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
