package media

import (
	"context"
	"time"

	"github.com/angelmondragon/mediastore/pkg/db/models"
	"github.com/angelmondragon/mediastore/pkg/enums"
	pkgerrors "github.com/angelmondragon/mediastore/pkg/errors"
	"github.com/angelmondragon/mediastore/pkg/pagination"
	"github.com/google/uuid"
)

// ListParams configures asset listing filters and pagination.
type ListParams struct {
	Kind   *enums.AssetKind
	Status *enums.AssetStatus
	Limit  int
	Cursor string
}

// ListResult returns one page of assets.
type ListResult struct {
	Items  []ListItem `json:"items"`
	Cursor string     `json:"cursor,omitempty"`
}

// ListItem is the listing projection of an asset.
type ListItem struct {
	ID               uuid.UUID          `json:"id"`
	Kind             enums.AssetKind    `json:"kind"`
	Status           *enums.AssetStatus `json:"status,omitempty"`
	OriginalName     string             `json:"original_name"`
	MimeType         string             `json:"mime_type"`
	ByteSize         int64              `json:"byte_size"`
	Width            *int               `json:"width,omitempty"`
	Height           *int               `json:"height,omitempty"`
	DerivativeWidths []int              `json:"derivative_widths"`
	CreatedAt        time.Time          `json:"created_at"`
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Kind != nil && !params.Kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid kind filter")
	}
	if params.Status != nil && !params.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	rows, err := s.repo.List(ctx, listQuery{
		kind:   params.Kind,
		status: params.Status,
		limit:  pagination.LimitWithBuffer(params.Limit),
		cursor: cursor,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list assets")
	}

	page, more := pagination.Trim(rows, params.Limit)
	result := &ListResult{Items: make([]ListItem, len(page))}
	for i := range page {
		result.Items[i] = toListItem(page[i])
	}
	if more {
		last := page[len(page)-1]
		result.Cursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return result, nil
}

func toListItem(a models.Asset) ListItem {
	widths := []int(a.DerivativeWidths)
	if widths == nil {
		widths = []int{}
	}
	return ListItem{
		ID:               a.ID,
		Kind:             a.Kind,
		Status:           a.Status,
		OriginalName:     a.OriginalName,
		MimeType:         a.MimeType,
		ByteSize:         a.ByteSize,
		Width:            a.Width,
		Height:           a.Height,
		DerivativeWidths: widths,
		CreatedAt:        a.CreatedAt,
	}
}
