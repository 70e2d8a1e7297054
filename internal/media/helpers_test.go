package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/angelmondragon/mediastore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := conn.AutoMigrate(&models.Asset{}); err != nil {
		t.Fatalf("migrate assets: %v", err)
	}
	return conn
}

func newTestLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "media-test", Level: zerolog.DebugLevel, Output: io.Discard})
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestRetrier() *Retrier {
	return NewRetrier(5, time.Millisecond, WithSleeper(noSleep))
}

type testEnv struct {
	svc     *service
	gen     *Generator
	repo    *Repository
	locks   *MemoryLocker
	layout  Layout
	staging string
}

// testEnvOptions customizes newTestEnvWith. wrapLocks lets a test observe or
// intercept lock traffic while env.locks stays the underlying table.
type testEnvOptions struct {
	wrapLocks func(*MemoryLocker) PathLocker
	retrier   *Retrier
}

func newTestEnv(t *testing.T, widths ...int) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testEnvOptions{}, widths...)
}

func newTestEnvWith(t *testing.T, opts testEnvOptions, widths ...int) *testEnv {
	t.Helper()
	root := t.TempDir()
	layout, err := NewLayout(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	staging := filepath.Join(root, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}

	repo := NewRepository(newTestDB(t))
	memory := NewMemoryLocker()
	var locks PathLocker = memory
	if opts.wrapLocks != nil {
		locks = opts.wrapLocks(memory)
	}
	retrier := opts.retrier
	if retrier == nil {
		retrier = newTestRetrier()
	}
	logg := newTestLogger()
	gen, err := NewGenerator(GeneratorParams{
		Repo:    repo,
		Layout:  layout,
		Locks:   locks,
		Retrier: retrier,
		Widths:  widths,
		Logger:  logg,
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	svc, err := newService(ServiceParams{
		Repo:      repo,
		Layout:    layout,
		Locks:     locks,
		Retrier:   retrier,
		Generator: gen,
		Logger:    logg,
	})
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	return &testEnv{svc: svc, gen: gen, repo: repo, locks: memory, layout: layout, staging: staging}
}

// stage writes data under the staging directory and returns its path.
func (e *testEnv) stage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(e.staging, uuid.NewString()+"-"+name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write staged file: %v", err)
	}
	return path
}

// ingestPNG stages and ingests a generated PNG of the given size.
func (e *testEnv) ingestPNG(t *testing.T, name string, width, height int, seed uint8) *models.Asset {
	t.Helper()
	path := e.stage(t, name, pngBytes(t, width, height, seed))
	asset, err := e.svc.Ingest(context.Background(), StagedUpload{
		TempPath:     path,
		OriginalName: name,
		MimeType:     "image/png",
	})
	if err != nil {
		t.Fatalf("Ingest %s: %v", name, err)
	}
	return asset
}

func pngBytes(t *testing.T, width, height int, seed uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x) + seed, G: uint8(y), B: seed, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "src.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create png: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close png: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	return data
}

// regenerate runs derivative generation for id and fails the test on error.
func (e *testEnv) regenerate(t *testing.T, id uuid.UUID) *models.Asset {
	t.Helper()
	asset, err := e.svc.Regenerate(context.Background(), id)
	if err != nil {
		t.Fatalf("Regenerate %s: %v", id, err)
	}
	return asset
}

func (e *testEnv) get(t *testing.T, id uuid.UUID) *models.Asset {
	t.Helper()
	asset, err := e.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return asset
}

// pngInShard returns a decodable PNG whose content hash falls in shard.
// Bytes after IEND are ignored by decoders, so a counter there moves the
// hash without changing the image.
func pngInShard(t *testing.T, shard string, width, height int, seed uint8) []byte {
	t.Helper()
	img := pngBytes(t, width, height, seed)
	for i := 0; i < 1<<16; i++ {
		data := append(append([]byte(nil), img...), []byte(strconv.Itoa(i))...)
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:])[:2] == shard {
			return data
		}
	}
	t.Fatalf("no png variant hashed into shard %s", shard)
	return nil
}

func expectCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	if !pkgerrors.IsCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
