package media

import (
	"bytes"
	"context"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
)

func derivativeDirs(t *testing.T, layout Layout, asset *models.Asset) []int {
	t.Helper()
	entries, err := os.ReadDir(layout.ShardDir(asset.ContentHash))
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	var widths []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		w, err := strconv.Atoi(e.Name())
		if err != nil {
			t.Fatalf("unexpected directory %q in shard", e.Name())
		}
		widths = append(widths, w)
	}
	sort.Ints(widths)
	return widths
}

func expectWidths(t *testing.T, got []int, want ...int) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("widths %v, want %v", got, want)
	}
}

func TestGenerateNeverUpscales(t *testing.T) {
	env := newTestEnv(t, 100, 200, 400, 800)
	asset := env.ingestPNG(t, "wide.png", 300, 150, 1)

	updated := env.regenerate(t, asset.ID)

	expectWidths(t, updated.DerivativeWidths, 100, 200, 300)
	if updated.DerivativeFormat != FormatJPEG || *updated.Status != enums.AssetStatusOptimized {
		t.Fatalf("unexpected format/status: %s %s", updated.DerivativeFormat, *updated.Status)
	}
	if *updated.Width != 300 || *updated.Height != 150 {
		t.Fatalf("dimensions %dx%d, want 300x150", *updated.Width, *updated.Height)
	}
	expectWidths(t, derivativeDirs(t, env.layout, updated), 100, 200, 300)

	for _, w := range updated.DerivativeWidths {
		cfg, format, err := image.DecodeConfig(bytes.NewReader([]byte(readTestFile(t, env.layout.DerivativePath(updated, w, FormatJPEG)))))
		if err != nil {
			t.Fatalf("decode %dpx: %v", w, err)
		}
		if format != "jpeg" || cfg.Width != w || cfg.Height != w/2 {
			t.Fatalf("%dpx derivative is %s %dx%d", w, format, cfg.Width, cfg.Height)
		}
	}
}

func TestGenerateIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 64, 128)
	asset := env.ingestPNG(t, "again.png", 200, 100, 2)

	first := env.regenerate(t, asset.ID)
	second := env.regenerate(t, asset.ID)

	expectWidths(t, second.DerivativeWidths, first.DerivativeWidths...)
	expectWidths(t, derivativeDirs(t, env.layout, second), derivativeDirs(t, env.layout, first)...)
	for _, w := range second.DerivativeWidths {
		entries, err := os.ReadDir(env.layout.WidthDir(second.ContentHash, w))
		if err != nil {
			t.Fatalf("read %dpx dir: %v", w, err)
		}
		if len(entries) != 1 {
			t.Fatalf("leftover files in %dpx: %d entries", w, len(entries))
		}
	}
}

func TestGeneratePrunesWidthsDroppedFromLadder(t *testing.T) {
	env := newTestEnv(t, 50, 100)
	asset := env.ingestPNG(t, "ladder.png", 120, 60, 3)
	first := env.regenerate(t, asset.ID)
	expectWidths(t, first.DerivativeWidths, 50, 100, 120)

	gen, err := NewGenerator(GeneratorParams{
		Repo: env.repo, Layout: env.layout, Locks: env.locks, Retrier: newTestRetrier(),
		Widths: []int{50}, Logger: newTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	second, err := gen.Generate(context.Background(), first)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	expectWidths(t, second.DerivativeWidths, 50, 120)
	expectWidths(t, derivativeDirs(t, env.layout, second), 50, 120)
}

func TestGeneratePrunesPreviousFormat(t *testing.T) {
	env := newTestEnv(t, 10)
	asset := env.ingestPNG(t, "switch.png", 20, 20, 7)
	asJPEG := env.regenerate(t, asset.ID)

	gen, err := NewGenerator(GeneratorParams{
		Repo: env.repo, Layout: env.layout, Locks: env.locks, Retrier: newTestRetrier(),
		Widths: []int{10}, Format: FormatPNG, Logger: newTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	asPNG, err := gen.Generate(context.Background(), asJPEG)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, w := range asPNG.DerivativeWidths {
		if fileExists(env.layout.DerivativePath(asJPEG, w, FormatJPEG)) {
			t.Fatalf("stale jpeg derivative kept at %dpx", w)
		}
		if !fileExists(env.layout.DerivativePath(asPNG, w, FormatPNG)) {
			t.Fatalf("png derivative missing at %dpx", w)
		}
	}
}

func TestGenerateCopiesOriginalWhenFormatsMatch(t *testing.T) {
	env := newTestEnv(t)
	gen, err := NewGenerator(GeneratorParams{
		Repo: env.repo, Layout: env.layout, Locks: env.locks, Retrier: newTestRetrier(),
		Widths: []int{10}, Format: FormatPNG, Logger: newTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	asset := env.ingestPNG(t, "same.png", 40, 40, 4)

	updated, err := gen.Generate(context.Background(), asset)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	expectWidths(t, updated.DerivativeWidths, 10, 40)
	if readTestFile(t, env.layout.PrimaryPath(updated)) != readTestFile(t, env.layout.DerivativePath(updated, 40, FormatPNG)) {
		t.Fatalf("full-width png derivative should be a byte copy of the original")
	}
}

func TestGenerateLeavesStatusOnFailure(t *testing.T) {
	env := newTestEnv(t)
	asset := env.ingestPNG(t, "broken.png", 20, 20, 5)
	writeTestFile(t, env.layout.PrimaryPath(asset), "not an image")

	_, err := env.svc.Regenerate(context.Background(), asset.ID)
	expectCode(t, err, pkgerrors.CodeValidation)

	stored := env.get(t, asset.ID)
	if *stored.Status != enums.AssetStatusProcessing {
		t.Fatalf("expected processing, got %s", *stored.Status)
	}
	expectWidths(t, stored.DerivativeWidths)
}

func TestGenerateDiscardsUnrecordedWidthsOnFailure(t *testing.T) {
	env := newTestEnv(t, 10, 20)
	asset := env.ingestPNG(t, "halfway.png", 40, 40, 8)
	blocked := env.layout.DerivativePath(asset, 20, FormatJPEG)
	_, _ = env.locks.TryAcquire(context.Background(), blocked)

	_, err := env.svc.Regenerate(context.Background(), asset.ID)
	expectCode(t, err, pkgerrors.CodeResourceBusy)
	if fileExists(env.layout.DerivativePath(asset, 10, FormatJPEG)) {
		t.Fatalf("10px derivative written by the failed run was kept")
	}
	if fileExists(env.layout.WidthDir(asset.ContentHash, 10)) {
		t.Fatalf("empty 10px directory was kept")
	}
	expectWidths(t, env.get(t, asset.ID).DerivativeWidths)

	if err := env.locks.Release(context.Background(), blocked); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := env.svc.DeleteOne(context.Background(), asset.ID); err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	if fileExists(env.layout.ShardDir(asset.ContentHash)) {
		t.Fatalf("files outlived the catalog record")
	}
}

// deleteOnLock runs onFirst the first time key is requested, before the
// request reaches the wrapped table.
type deleteOnLock struct {
	*MemoryLocker
	key     string
	once    sync.Once
	onFirst func()
}

func (d *deleteOnLock) TryAcquire(ctx context.Context, path string) (bool, error) {
	if path == d.key {
		d.once.Do(d.onFirst)
	}
	return d.MemoryLocker.TryAcquire(ctx, path)
}

func TestDeleteDuringGenerationReportsBusy(t *testing.T) {
	var (
		hook     *deleteOnLock
		env      *testEnv
		deleteID string
		delErr   error
	)
	env = newTestEnvWith(t, testEnvOptions{wrapLocks: func(m *MemoryLocker) PathLocker {
		hook = &deleteOnLock{MemoryLocker: m}
		return hook
	}}, 4, 8)
	asset := env.ingestPNG(t, "race.png", 16, 16, 9)
	hook.key = env.layout.DerivativePath(asset, 4, FormatJPEG)
	hook.onFirst = func() {
		deleteID = asset.ID.String()
		_, delErr = env.svc.DeleteOne(context.Background(), asset.ID)
	}

	updated := env.regenerate(t, asset.ID)
	if deleteID == "" {
		t.Fatalf("delete was never attempted during generation")
	}
	expectCode(t, delErr, pkgerrors.CodeResourceBusy)
	expectWidths(t, updated.DerivativeWidths, 4, 8, 16)
	for _, w := range updated.DerivativeWidths {
		if !fileExists(env.layout.DerivativePath(updated, w, FormatJPEG)) {
			t.Fatalf("%dpx derivative missing", w)
		}
	}

	if _, err := env.svc.DeleteOne(context.Background(), asset.ID); err != nil {
		t.Fatalf("DeleteOne after generation: %v", err)
	}
	if fileExists(env.layout.ShardDir(asset.ContentHash)) {
		t.Fatalf("derivatives outlived the catalog record")
	}
}

func TestGenerateSkipsDeletedAsset(t *testing.T) {
	env := newTestEnv(t, 4)
	asset := env.ingestPNG(t, "gone.png", 8, 8, 10)
	if _, err := env.svc.DeleteOne(context.Background(), asset.ID); err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}

	_, err := env.gen.Generate(context.Background(), asset)
	expectCode(t, err, pkgerrors.CodeNotFound)
	if fileExists(env.layout.ShardDir(asset.ContentHash)) {
		t.Fatalf("generation recreated files for a deleted asset")
	}
}

func TestGenerateWaitsOnHeldDerivativePath(t *testing.T) {
	env := newTestEnv(t, 10)
	asset := env.ingestPNG(t, "held.png", 20, 20, 6)
	held := env.layout.DerivativePath(asset, 10, FormatJPEG)
	_, _ = env.locks.TryAcquire(context.Background(), held)

	_, err := env.svc.Regenerate(context.Background(), asset.ID)
	expectCode(t, err, pkgerrors.CodeResourceBusy)
	if fileExists(held) {
		t.Fatalf("derivative written while its path was locked")
	}
}

func TestGenerateBusyWhileContentLocked(t *testing.T) {
	env := newTestEnv(t, 10)
	asset := env.ingestPNG(t, "locked.png", 20, 20, 11)
	_, _ = env.locks.TryAcquire(context.Background(), hashLockKey(asset.ContentHash))

	_, err := env.svc.Regenerate(context.Background(), asset.ID)
	expectCode(t, err, pkgerrors.CodeResourceBusy)
	if stored := env.get(t, asset.ID); *stored.Status != enums.AssetStatusUploaded {
		t.Fatalf("status changed without the content lock: %s", *stored.Status)
	}
}

func TestRegenerateRejectsVideo(t *testing.T) {
	env := newTestEnv(t)
	asset, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: env.stage(t, "v.mp4", []byte("mp4")), OriginalName: "v.mp4", MimeType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	_, err = env.svc.Regenerate(context.Background(), asset.ID)
	expectCode(t, err, pkgerrors.CodeValidation)
	if fileExists(filepath.Join(env.layout.ShardDir(asset.ContentHash), "150")) {
		t.Fatalf("width directory created for a video")
	}
}

func TestNewGeneratorRejectsUnknownFormat(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewGenerator(GeneratorParams{
		Repo: env.repo, Layout: env.layout, Locks: env.locks, Retrier: newTestRetrier(),
		Format: "heic", Logger: newTestLogger(),
	})
	if err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
