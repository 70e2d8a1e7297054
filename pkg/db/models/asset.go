package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/mediastore/pkg/enums"
)

// Asset is the catalog record for one stored upload. The primary file lives at
// <root>/<ContentHash[:2]>/<BaseName>.<Extension>.
type Asset struct {
	ID               uuid.UUID                `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Kind             enums.AssetKind          `gorm:"column:kind;not null" json:"kind"`
	OriginalName     string                   `gorm:"column:original_name;not null" json:"original_name"`
	BaseName         string                   `gorm:"column:base_name;not null" json:"base_name"`
	MimeType         string                   `gorm:"column:mime_type;not null" json:"mime_type"`
	Extension        string                   `gorm:"column:extension;not null" json:"extension"`
	ByteSize         int64                    `gorm:"column:byte_size;not null" json:"byte_size"`
	ContentHash      string                   `gorm:"column:content_hash;not null;uniqueIndex" json:"content_hash"`
	Status           *enums.AssetStatus       `gorm:"column:status" json:"status,omitempty"`
	Width            *int                     `gorm:"column:width" json:"width,omitempty"`
	Height           *int                     `gorm:"column:height" json:"height,omitempty"`
	DurationSeconds  *float64                 `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"`
	FrameRate        *float64                 `gorm:"column:frame_rate" json:"frame_rate,omitempty"`
	DerivativeWidths datatypes.JSONSlice[int] `gorm:"column:derivative_widths;not null" json:"derivative_widths"`
	DerivativeFormat string                   `gorm:"column:derivative_format" json:"derivative_format,omitempty"`
	UseCount         int                      `gorm:"column:use_count;not null;default:0" json:"use_count"`
	CreatedAt        time.Time                `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Asset) TableName() string { return "assets" }

// BeforeCreate assigns an id when the caller left it empty.
func (a *Asset) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// IsImage reports whether derivatives apply to the asset.
func (a *Asset) IsImage() bool {
	return a != nil && a.Kind == enums.AssetKindImage
}

// FileName returns the primary file's basename with extension.
func (a *Asset) FileName() string {
	if a.Extension == "" {
		return a.BaseName
	}
	return a.BaseName + "." + a.Extension
}
