package models

import (
	"time"
)

// AccessLog is the optional per-request audit record persisted to Postgres.
type AccessLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Method    string    `gorm:"type:varchar(10);not null"`
	Path      string    `gorm:"type:text;not null;index:,length:256"`
	Status    int       `gorm:"not null;index"`
	Duration  time.Duration
	ClientIP  string `gorm:"type:varchar(45);not null"`
	UserAgent string `gorm:"type:text"`
	BytesSent int    `gorm:"not null;default:0"`
	Service   string `gorm:"type:varchar(255);index"`
	UserID    string `gorm:"type:varchar(64);index"`
}

// UsageExport records one snapshot upload to object storage, so billing
// runs can be audited against what was actually shipped.
type UsageExport struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	ExportedAt time.Time `gorm:"index;not null"`
	Key        string    `gorm:"type:varchar(512);not null"`
	Services   int       `gorm:"not null"`
	Requests   uint64    `gorm:"not null"`
}

func (AccessLog) TableName() string {
	return "access_logs"
}

func (UsageExport) TableName() string {
	return "usage_exports"
}
