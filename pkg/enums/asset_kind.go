package enums

import (
	"fmt"
	"strings"
)

// AssetKind separates assets that get derivatives from those stored verbatim.
type AssetKind string

const (
	AssetKindImage AssetKind = "image"
	AssetKindVideo AssetKind = "video"
)

var validAssetKinds = []AssetKind{
	AssetKindImage,
	AssetKindVideo,
}

// AssetKinds returns every known kind.
func AssetKinds() []AssetKind {
	out := make([]AssetKind, len(validAssetKinds))
	copy(out, validAssetKinds)
	return out
}

// String returns the literal string for the kind.
func (k AssetKind) String() string {
	return string(k)
}

// IsValid reports whether the kind is known.
func (k AssetKind) IsValid() bool {
	for _, candidate := range validAssetKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseAssetKind converts raw input into an AssetKind.
func ParseAssetKind(value string) (AssetKind, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validAssetKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid asset kind %q", value)
}
