package enums

import (
	"fmt"
	"strings"
)

// AssetStatus tracks derivative generation for image assets. Videos carry no
// status at all.
type AssetStatus string

const (
	AssetStatusUploaded   AssetStatus = "uploaded"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusOptimized  AssetStatus = "optimized"
)

var validAssetStatuses = []AssetStatus{
	AssetStatusUploaded,
	AssetStatusProcessing,
	AssetStatusOptimized,
}

// AssetStatuses returns every known status in lifecycle order.
func AssetStatuses() []AssetStatus {
	out := make([]AssetStatus, len(validAssetStatuses))
	copy(out, validAssetStatuses)
	return out
}

// String returns the literal string for the status.
func (s AssetStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s AssetStatus) IsValid() bool {
	for _, candidate := range validAssetStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Ptr returns a pointer to a copy of s.
func (s AssetStatus) Ptr() *AssetStatus {
	return &s
}

// CanTransitionTo reports whether a generation run may move an asset from s
// to next. Regeneration re-enters processing from any state.
func (s AssetStatus) CanTransitionTo(next AssetStatus) (bool, error) {
	switch s {
	case AssetStatusUploaded:
		return next == AssetStatusProcessing, nil
	case AssetStatusProcessing:
		return next == AssetStatusOptimized || next == AssetStatusProcessing, nil
	case AssetStatusOptimized:
		return next == AssetStatusProcessing, nil
	default:
		return false, fmt.Errorf("unknown asset status %q", s)
	}
}

// ParseAssetStatus converts raw input into an AssetStatus.
func ParseAssetStatus(value string) (AssetStatus, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validAssetStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid asset status %q", value)
}
