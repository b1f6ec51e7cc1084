package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsagePeriod holds cumulative counters for one key in one period. There is
// exactly one row per (APIKeyID, Period); rows are created on first use.
type UsagePeriod struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
	APIKeyID  string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_usage_key_period" json:"api_key_id"`
	Period    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_usage_key_period" json:"period"`

	TotalCalls  int64 `gorm:"not null;default:0" json:"total_calls"`
	TotalFiles  int64 `gorm:"not null;default:0" json:"total_files"`
	RenderCalls int64 `gorm:"not null;default:0" json:"render_calls"`
	RenderFiles int64 `gorm:"not null;default:0" json:"render_files"`
	ImageCalls  int64 `gorm:"not null;default:0" json:"image_calls"`
	ImageFiles  int64 `gorm:"not null;default:0" json:"image_files"`
	PDFCalls    int64 `gorm:"column:pdf_calls;not null;default:0" json:"pdf_calls"`
	PDFFiles    int64 `gorm:"column:pdf_files;not null;default:0" json:"pdf_files"`
	BytesIn     int64 `gorm:"not null;default:0" json:"bytes_in"`
	BytesOut    int64 `gorm:"not null;default:0" json:"bytes_out"`
	ErrorCount  int64 `gorm:"not null;default:0" json:"error_count"`

	LastErrorCode    string     `gorm:"type:varchar(64)" json:"last_error_code,omitempty"`
	LastErrorMessage string     `gorm:"type:varchar(500)" json:"last_error_message,omitempty"`
	LastActivityAt   *time.Time `json:"last_activity_at"`
}

// Request outcome values stored in RequestLog.Status.
const (
	RequestStatusSuccess = "success"
	RequestStatusError   = "error"
)

// RequestLog is an append-only audit row for one customer request.
type RequestLog struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	APIKeyID       string         `gorm:"type:varchar(36);index;not null" json:"api_key_id"`
	Endpoint       string         `gorm:"type:varchar(32)" json:"endpoint"`
	Action         string         `gorm:"type:varchar(64)" json:"action"`
	Status         string         `gorm:"type:varchar(16)" json:"status"`
	HTTPStatus     int            `json:"http_status"`
	ClientIP       string         `gorm:"type:varchar(45)" json:"client_ip"`
	UserAgent      string         `gorm:"type:varchar(500)" json:"user_agent"`
	BytesIn        int64          `json:"bytes_in"`
	BytesOut       int64          `json:"bytes_out"`
	FilesProcessed int            `json:"files_processed"`
	ErrorCode      string         `gorm:"type:varchar(64)" json:"error_code,omitempty"`
	ErrorMessage   string         `gorm:"type:varchar(500)" json:"error_message,omitempty"`
	Params         datatypes.JSON `json:"params,omitempty"`
}

// JobLock is the lock-table fallback for databases without advisory locks.
// A row exists only while a reconciler run holds the named lock.
type JobLock struct {
	Name       string    `gorm:"primaryKey;type:varchar(100)"`
	Holder     string    `gorm:"type:varchar(64);not null"`
	AcquiredAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}
