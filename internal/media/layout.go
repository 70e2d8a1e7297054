package media

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/angelmondragon/mediastore/pkg/db/models"
)

// Layout maps assets onto the sharded storage tree:
//
//	<root>/<hash[0:2]>/<base_name>.<extension>
//	<root>/<hash[0:2]>/<width>/<base_name>.<derivative_format>
type Layout struct {
	root string
}

// NewLayout anchors the tree at the absolute form of root.
func NewLayout(root string) (Layout, error) {
	if strings.TrimSpace(root) == "" {
		return Layout{}, fmt.Errorf("storage root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve storage root: %w", err)
	}
	return Layout{root: abs}, nil
}

func (l Layout) Root() string { return l.root }

// ShardDir returns <root>/<hash[0:2]>.
func (l Layout) ShardDir(hash string) string {
	return filepath.Join(l.root, shardOf(hash))
}

// PrimaryPath returns where the asset's original bytes live.
func (l Layout) PrimaryPath(a *models.Asset) string {
	return filepath.Join(l.ShardDir(a.ContentHash), a.FileName())
}

// WidthDir returns the directory holding derivatives of one width for a shard.
func (l Layout) WidthDir(hash string, width int) string {
	return filepath.Join(l.ShardDir(hash), strconv.Itoa(width))
}

// DerivativePath returns the derivative file of a at width using format.
func (l Layout) DerivativePath(a *models.Asset, width int, format string) string {
	return filepath.Join(l.WidthDir(a.ContentHash, width), a.BaseName+"."+format)
}

func shardOf(hash string) string {
	if len(hash) < 2 {
		return "00"
	}
	return strings.ToLower(hash[:2])
}

// Upload name caps keep a disambiguated stem plus its extension under NAME_MAX.
const (
	maxBaseBytes = 200
	maxExtBytes  = 16
)

// splitUploadName derives the on-disk basename and lowercase extension from an
// upload's original filename. A bare numeric name is prefixed so it can never
// shadow a width directory.
func splitUploadName(original string) (string, string) {
	clean := sanitizeFileName(original)
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(clean), "."))
	base := strings.TrimSuffix(clean, path.Ext(clean))
	if len(ext) > maxExtBytes {
		ext, base = "", clean
	}
	base = strings.Trim(truncateBytes(base, maxBaseBytes), "-_.")
	if base == "" {
		base = "upload"
	}
	if ext == "" && isWidthDir(base) {
		base = "upload-" + base
	}
	return base, ext
}

// isWidthDir reports whether name has the shape of a derivative width
// directory.
func isWidthDir(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sanitizeFileName(name string) string {
	if name == "" {
		return ""
	}
	clean := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if clean == "." || clean == "/" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(clean))
	for _, r := range clean {
		switch {
		case r == '/' || unicode.IsControl(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-_")
}

// disambiguate appends a suffix built from the clock and 3 random bytes.
func disambiguate(base string, now time.Time) string {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// clock alone still separates retries
		return fmt.Sprintf("%s-%s", base, strconv.FormatInt(now.UnixNano(), 36))
	}
	return fmt.Sprintf("%s-%s%s", base, strconv.FormatInt(now.UnixNano(), 36), hex.EncodeToString(buf[:]))
}
