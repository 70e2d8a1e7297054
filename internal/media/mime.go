package media

import (
	"fmt"
	"mime"
	"sort"
	"strings"

	"github.com/angelmondragon/mediastore/pkg/enums"
)

type mimeGroup string

const (
	mimeGroupImages mimeGroup = "images"
	mimeGroupVideos mimeGroup = "videos"
)

var mimeGroupNames = map[mimeGroup]string{
	mimeGroupImages: "images",
	mimeGroupVideos: "videos",
}

var mimeGroupTypes = map[mimeGroup][]string{
	mimeGroupImages: {"image/png", "image/jpeg", "image/webp", "image/gif", "image/bmp", "image/tiff"},
	mimeGroupVideos: {"video/mp4", "video/webm", "video/quicktime", "video/x-matroska"},
}

var kindByMimeGroup = map[mimeGroup]enums.AssetKind{
	mimeGroupImages: enums.AssetKindImage,
	mimeGroupVideos: enums.AssetKindVideo,
}

var kindByMimeType = buildKindByMimeType()

func buildKindByMimeType() map[string]enums.AssetKind {
	out := make(map[string]enums.AssetKind)
	for group, types := range mimeGroupTypes {
		for _, value := range types {
			out[value] = kindByMimeGroup[group]
		}
	}
	return out
}

// kindForMime normalizes the declared mime type and maps it to an asset kind.
func kindForMime(value string) (string, enums.AssetKind, error) {
	mediaType, err := sniffMimeType(value)
	if err != nil {
		return "", "", err
	}
	kind, ok := kindByMimeType[mediaType]
	if !ok {
		return "", "", fmt.Errorf("mime type %q not allowed; expected %s", mediaType, allowedMimeDescription())
	}
	return mediaType, kind, nil
}

// AllowedMimeTypes lists every accepted mime type, sorted.
func AllowedMimeTypes() []string {
	list := make([]string, 0, len(kindByMimeType))
	for value := range kindByMimeType {
		list = append(list, value)
	}
	sort.Strings(list)
	return list
}

func humanReadableList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return fmt.Sprintf("%s or %s", items[0], items[1])
	default:
		return fmt.Sprintf("%s, or %s", strings.Join(items[:len(items)-1], ", "), items[len(items)-1])
	}
}

func sniffMimeType(value string) (string, error) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return "", fmt.Errorf("mime type required")
	}
	mediaType, _, err := mime.ParseMediaType(clean)
	if err != nil {
		return "", fmt.Errorf("mime type invalid: %w", err)
	}
	if mediaType == "" {
		return "", fmt.Errorf("mime type missing")
	}
	return strings.ToLower(mediaType), nil
}

func allowedMimeDescription() string {
	names := make([]string, 0, len(mimeGroupNames))
	for _, group := range []mimeGroup{mimeGroupImages, mimeGroupVideos} {
		names = append(names, mimeGroupNames[group])
	}
	return humanReadableList(names)
}
