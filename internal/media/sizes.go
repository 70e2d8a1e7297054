package media

import (
	"sort"

	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
)

// Closest returns the candidate nearest to target by absolute difference.
// Ties keep the earliest candidate in the given order.
func Closest(target int, available []int) (int, error) {
	if len(available) == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "no sizes available to choose from")
	}
	best := available[0]
	bestDiff := absInt(target - best)
	for _, candidate := range available[1:] {
		if d := absInt(target - candidate); d < bestDiff {
			best, bestDiff = candidate, d
		}
	}
	return best, nil
}

// targetWidths is the ladder plus original, ascending and deduplicated.
func targetWidths(ladder []int, original int) []int {
	seen := make(map[int]struct{}, len(ladder)+1)
	out := make([]int, 0, len(ladder)+1)
	for _, w := range append(append([]int(nil), ladder...), original) {
		if w <= 0 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
