package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
)

func TestIngestStoresUnderShard(t *testing.T) {
	env := newTestEnv(t)
	data := pngBytes(t, 40, 20, 1)
	staged := env.stage(t, "Holiday Photo.PNG", data)
	hash, err := HashFile(staged)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	width := 40
	asset, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath:      staged,
		OriginalName:  "Holiday Photo.PNG",
		MimeType:      "image/png",
		DeclaredWidth: &width,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if asset.ContentHash != hash {
		t.Fatalf("content hash %s, want %s", asset.ContentHash, hash)
	}
	if asset.Kind != enums.AssetKindImage || asset.BaseName != "Holiday-Photo" || asset.Extension != "png" {
		t.Fatalf("unexpected naming: kind=%s base=%s ext=%s", asset.Kind, asset.BaseName, asset.Extension)
	}
	if asset.ByteSize != int64(len(data)) {
		t.Fatalf("byte size %d, want %d", asset.ByteSize, len(data))
	}
	if asset.Status == nil || *asset.Status != enums.AssetStatusUploaded {
		t.Fatalf("expected uploaded status, got %v", asset.Status)
	}
	if len(asset.DerivativeWidths) != 0 {
		t.Fatalf("expected no derivatives yet, got %v", asset.DerivativeWidths)
	}

	want := filepath.Join(env.layout.Root(), hash[:2], "Holiday-Photo.png")
	if got := env.layout.PrimaryPath(asset); got != want {
		t.Fatalf("primary path %s, want %s", got, want)
	}
	if !fileExists(want) {
		t.Fatalf("primary file missing")
	}
	if fileExists(staged) {
		t.Fatalf("staged file should be moved, not copied")
	}
}

func TestIngestRejectsDuplicateContent(t *testing.T) {
	env := newTestEnv(t)
	data := pngBytes(t, 16, 16, 7)
	first, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: env.stage(t, "original.png", data), OriginalName: "original.png", MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("Ingest original: %v", err)
	}

	dup := env.stage(t, "copy.png", data)
	_, err = env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: dup, OriginalName: "copy.png", MimeType: "image/png",
	})
	expectCode(t, err, pkgerrors.CodeDuplicateContent)
	if !strings.Contains(err.Error(), "copy.png") || !strings.Contains(err.Error(), "original.png") {
		t.Fatalf("expected both names in %q", err.Error())
	}
	if fileExists(dup) {
		t.Fatalf("duplicate staged file should be discarded")
	}

	stats, err := env.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected one asset, got %d", stats.Total)
	}
	if !fileExists(env.layout.PrimaryPath(first)) {
		t.Fatalf("original primary file missing")
	}
}

func TestIngestConcurrentIdenticalUploadsStoreOnce(t *testing.T) {
	env := newTestEnvWith(t, testEnvOptions{retrier: NewRetrier(8, time.Millisecond)})
	data := pngBytes(t, 24, 24, 42)

	const uploads = 6
	staged := make([]string, uploads)
	for i := range staged {
		staged[i] = env.stage(t, "same.png", data)
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, uploads)
		got   = make([]*models.Asset, uploads)
	)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i], errs[i] = env.svc.Ingest(context.Background(), StagedUpload{
				TempPath: staged[i], OriginalName: "same.png", MimeType: "image/png",
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var created *models.Asset
	for i, err := range errs {
		switch {
		case err == nil:
			if created != nil {
				t.Fatalf("content stored twice: %s and %s", created.ID, got[i].ID)
			}
			created = got[i]
		case pkgerrors.IsCode(err, pkgerrors.CodeDuplicateContent), pkgerrors.IsCode(err, pkgerrors.CodeResourceBusy):
		default:
			t.Fatalf("upload %d: unexpected error %v", i, err)
		}
	}
	if created == nil {
		t.Fatalf("no upload succeeded: %v", errs)
	}

	stats, err := env.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected one catalog record, got %d", stats.Total)
	}
	entries, err := os.ReadDir(env.layout.ShardDir(created.ContentHash))
	if err != nil {
		t.Fatalf("read shard: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != created.FileName() {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only %s in the shard, found %v", created.FileName(), names)
	}
}

func TestIngestDisambiguatesNameCollision(t *testing.T) {
	env := newTestEnv(t)
	data := pngBytes(t, 16, 16, 3)
	staged := env.stage(t, "photo.png", data)
	hash, err := HashFile(staged)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	occupied := filepath.Join(env.layout.ShardDir(hash), "photo.png")
	writeTestFile(t, occupied, "someone else")

	asset, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: staged, OriginalName: "photo.png", MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !strings.HasPrefix(asset.BaseName, "photo-") {
		t.Fatalf("expected a disambiguated name, got %q", asset.BaseName)
	}
	if !fileExists(env.layout.PrimaryPath(asset)) {
		t.Fatalf("primary file missing")
	}
	if got := readTestFile(t, occupied); got != "someone else" {
		t.Fatalf("existing file overwritten: %q", got)
	}
}

func TestIngestKeepsStemsUniqueAcrossExtensions(t *testing.T) {
	env := newTestEnv(t, 4, 8)
	first := env.stage(t, "photo.png", pngBytes(t, 16, 16, 1))
	hash, err := HashFile(first)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	shard := hash[:2]

	a, err := env.svc.Ingest(context.Background(), StagedUpload{TempPath: first, OriginalName: "photo.png", MimeType: "image/png"})
	if err != nil {
		t.Fatalf("Ingest photo.png: %v", err)
	}
	b, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath:     env.stage(t, "photo", pngInShard(t, shard, 16, 16, 2)),
		OriginalName: "photo",
		MimeType:     "image/png",
	})
	if err != nil {
		t.Fatalf("Ingest photo: %v", err)
	}
	if shardOf(b.ContentHash) != shard {
		t.Fatalf("expected both assets in shard %s", shard)
	}
	if a.BaseName != "photo" || b.BaseName == a.BaseName {
		t.Fatalf("expected distinct stems, got %q and %q", a.BaseName, b.BaseName)
	}

	a = env.regenerate(t, a.ID)
	b = env.regenerate(t, b.ID)
	for _, w := range []int{4, 8} {
		if env.layout.DerivativePath(a, w, a.DerivativeFormat) == env.layout.DerivativePath(b, w, b.DerivativeFormat) {
			t.Fatalf("assets share the %dpx derivative path", w)
		}
	}

	if _, err := env.svc.DeleteOne(context.Background(), a.ID); err != nil {
		t.Fatalf("DeleteOne: %v", err)
	}
	stored := env.get(t, b.ID)
	for _, w := range stored.DerivativeWidths {
		if path := env.layout.DerivativePath(stored, w, stored.DerivativeFormat); !fileExists(path) {
			t.Fatalf("deleting the neighbour removed %s", path)
		}
	}
	if !fileExists(env.layout.PrimaryPath(stored)) {
		t.Fatalf("deleting the neighbour removed the primary file")
	}
}

func TestIngestAvoidsStemOfOrphanedDerivative(t *testing.T) {
	env := newTestEnv(t)
	staged := env.stage(t, "banner.webp", pngBytes(t, 8, 8, 5))
	hash, err := HashFile(staged)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	orphan := filepath.Join(env.layout.WidthDir(hash, 150), "banner.jpeg")
	writeTestFile(t, orphan, "left behind")

	asset, err := env.svc.Ingest(context.Background(), StagedUpload{TempPath: staged, OriginalName: "banner.webp", MimeType: "image/png"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if asset.BaseName == "banner" {
		t.Fatalf("stem of an existing derivative was reused")
	}
	if got := readTestFile(t, orphan); got != "left behind" {
		t.Fatalf("orphaned derivative changed: %q", got)
	}
}

func TestIngestNumericNameDoesNotShadowWidthDir(t *testing.T) {
	env := newTestEnv(t, 8)
	asset, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: env.stage(t, "8", pngBytes(t, 16, 16, 6)), OriginalName: "8", MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if asset.BaseName != "upload-8" {
		t.Fatalf("expected prefixed stem, got %q", asset.BaseName)
	}
	updated := env.regenerate(t, asset.ID)
	if len(updated.DerivativeWidths) == 0 || updated.DerivativeWidths[0] != 8 {
		t.Fatalf("expected an 8px derivative, got %v", updated.DerivativeWidths)
	}
}

func TestIngestFailsFastOnBusyStagedPath(t *testing.T) {
	env := newTestEnv(t)
	staged := env.stage(t, "busy.png", pngBytes(t, 8, 8, 1))
	_, _ = env.locks.TryAcquire(context.Background(), canonicalPath(staged))

	_, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: staged, OriginalName: "busy.png", MimeType: "image/png",
	})
	expectCode(t, err, pkgerrors.CodeResourceBusy)
	if !strings.Contains(err.Error(), contentionMarker) {
		t.Fatalf("expected contention marker in %q", err.Error())
	}
	if !fileExists(staged) {
		t.Fatalf("staged file removed")
	}
}

func TestIngestBusyAfterHashLockRetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	staged := env.stage(t, "same.png", pngBytes(t, 8, 8, 9))
	hash, err := HashFile(staged)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	_, _ = env.locks.TryAcquire(context.Background(), hashLockKey(hash))

	_, err = env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: staged, OriginalName: "same.png", MimeType: "image/png",
	})
	expectCode(t, err, pkgerrors.CodeResourceBusy)
	if !fileExists(staged) {
		t.Fatalf("staged file should stay for the caller to retry")
	}

	stats, err := env.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected empty catalog, got %d", stats.Total)
	}
}

func TestIngestRejectsUnsupportedMime(t *testing.T) {
	env := newTestEnv(t)
	staged := env.stage(t, "doc.pdf", []byte("%PDF-1.4"))
	_, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: staged, OriginalName: "doc.pdf", MimeType: "application/pdf",
	})
	expectCode(t, err, pkgerrors.CodeValidation)
}

func TestIngestRequiresFields(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Ingest(context.Background(), StagedUpload{MimeType: "image/png"})
	expectCode(t, err, pkgerrors.CodeValidation)
}

func TestIngestVideoKeepsDeclaredMetadata(t *testing.T) {
	env := newTestEnv(t)
	duration, fps := 12.5, 29.97
	staged := env.stage(t, "clip.mp4", []byte("not really an mp4"))

	asset, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath:          staged,
		OriginalName:      "clip.mp4",
		MimeType:          "video/mp4",
		DeclaredDuration:  &duration,
		DeclaredFrameRate: &fps,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if asset.Kind != enums.AssetKindVideo {
		t.Fatalf("expected video, got %s", asset.Kind)
	}
	if asset.Status != nil {
		t.Fatalf("videos have no processing lifecycle, got %v", *asset.Status)
	}
	if *asset.DurationSeconds != duration || *asset.FrameRate != fps {
		t.Fatalf("declared metadata lost: %v %v", *asset.DurationSeconds, *asset.FrameRate)
	}
}

type failingCreateRepo struct {
	*Repository
}

func (failingCreateRepo) Create(context.Context, *models.Asset) (*models.Asset, error) {
	return nil, errors.New("catalog unavailable")
}

func TestIngestReturnsFileToStagingWhenCatalogFails(t *testing.T) {
	env := newTestEnv(t)
	env.svc.repo = failingCreateRepo{env.repo}
	staged := env.stage(t, "lost.png", pngBytes(t, 8, 8, 2))
	hash, err := HashFile(staged)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	_, err = env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: staged, OriginalName: "lost.png", MimeType: "image/png",
	})
	expectCode(t, err, pkgerrors.CodeDependency)
	if !fileExists(staged) {
		t.Fatalf("file should be moved back on catalog failure")
	}
	if fileExists(filepath.Join(env.layout.ShardDir(hash), "lost.png")) {
		t.Fatalf("file left in storage after catalog failure")
	}
}

type recordingSubmitter struct {
	jobs []Job
	full bool
}

func (r *recordingSubmitter) Submit(job Job) bool {
	if r.full {
		return false
	}
	r.jobs = append(r.jobs, job)
	return true
}

func TestIngestQueuesImagesOnly(t *testing.T) {
	env := newTestEnv(t)
	sub := &recordingSubmitter{}
	env.svc.pool = sub

	img := env.ingestPNG(t, "queued.png", 8, 8, 4)
	if _, err := env.svc.Ingest(context.Background(), StagedUpload{
		TempPath: env.stage(t, "v.webm", []byte("webm")), OriginalName: "v.webm", MimeType: "video/webm",
	}); err != nil {
		t.Fatalf("Ingest video: %v", err)
	}

	if len(sub.jobs) != 1 || sub.jobs[0].AssetID != img.ID {
		t.Fatalf("expected one job for %s, got %+v", img.ID, sub.jobs)
	}
	if err := sub.jobs[0].Run(context.Background()); err != nil {
		t.Fatalf("job run: %v", err)
	}
	if stored := env.get(t, img.ID); *stored.Status != enums.AssetStatusOptimized {
		t.Fatalf("expected optimized, got %s", *stored.Status)
	}
}

func TestIngestSucceedsWhenQueueIsFull(t *testing.T) {
	env := newTestEnv(t)
	env.svc.pool = &recordingSubmitter{full: true}

	asset := env.ingestPNG(t, "later.png", 8, 8, 5)
	if *asset.Status != enums.AssetStatusUploaded {
		t.Fatalf("expected uploaded, got %s", *asset.Status)
	}
}
