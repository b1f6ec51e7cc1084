package models

import (
	"time"
)

// FreePlanSlug identifies the free tier even when IsFree was not set.
const FreePlanSlug = "free"

// Endpoint names used for per-endpoint flags and counters.
const (
	EndpointRender = "render"
	EndpointImage  = "image"
	EndpointPDF    = "pdf"
)

// Plan is a named bundle of limits. Plans are written by the plan sync and
// only read by the request path.
type Plan struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Slug      string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"slug"`
	Name      string    `json:"name"`

	// MonthlyQuota is a file count per period. Nil means unlimited.
	MonthlyQuota       *int  `json:"monthly_quota"`
	MaxFilesPerRequest int   `gorm:"default:0" json:"max_files_per_request"`
	MaxBytesPerRequest int64 `gorm:"default:0" json:"max_bytes_per_request"`
	MaxDimension       int   `gorm:"default:0" json:"max_dimension"`

	// Allow flags have no column default: gorm would replace an explicit
	// false with the default on insert.
	AllowRender bool `json:"allow_render"`
	AllowImage  bool `json:"allow_image"`
	AllowPDF    bool `gorm:"column:allow_pdf" json:"allow_pdf"`

	TimeoutSeconds int  `gorm:"default:0" json:"timeout_seconds"`
	IsFree         bool `gorm:"default:false" json:"is_free"`
}

// Free reports whether usage for this plan is bucketed by calendar month.
func (p *Plan) Free() bool {
	return p != nil && (p.IsFree || p.Slug == FreePlanSlug)
}

// Allows reports whether the plan grants access to endpoint. Unknown
// endpoints are allowed; a nil plan allows everything.
func (p *Plan) Allows(endpoint string) bool {
	if p == nil {
		return true
	}
	switch endpoint {
	case EndpointRender:
		return p.AllowRender
	case EndpointImage:
		return p.AllowImage
	case EndpointPDF:
		return p.AllowPDF
	}
	return true
}
