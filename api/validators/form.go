package validators

import (
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
)

// OptionalInt parses an optional numeric form value. Blank yields nil.
func OptionalInt(raw, field string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "form value must be an integer").WithDetails(map[string]any{"field": field})
	}
	return &value, nil
}

// OptionalFloat parses an optional decimal form value. Blank yields nil.
func OptionalFloat(raw, field string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "form value must be numeric").WithDetails(map[string]any{"field": field})
	}
	return &value, nil
}
