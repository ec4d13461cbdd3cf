package database

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/usage-proxy/internal/models"
)

// AccessLogPruner deletes access-log rows older than the retention window
// so the audit table does not grow without bound.
type AccessLogPruner struct {
	logger *logrus.Logger
	db     *gorm.DB
	maxAge time.Duration
}

func NewAccessLogPruner(logger *logrus.Logger, db *gorm.DB, maxAge time.Duration) *AccessLogPruner {
	return &AccessLogPruner{
		logger: logger,
		db:     db,
		maxAge: maxAge,
	}
}

func (p *AccessLogPruner) Start(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	logEntry := p.logger.WithField("component", "access_log_pruner")
	logEntry.Info("Starting access log pruner")

	for {
		select {
		case <-ticker.C:
			p.prune(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping access log pruner")
			return
		}
	}
}

func (p *AccessLogPruner) prune(ctx context.Context, log *logrus.Entry) {
	cutoff := time.Now().Add(-p.maxAge)

	result := p.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.AccessLog{})
	if result.Error != nil {
		log.WithError(result.Error).Error("Access log prune failed")
		return
	}
	if result.RowsAffected > 0 {
		log.WithFields(logrus.Fields{
			"rows":   result.RowsAffected,
			"cutoff": cutoff,
		}).Info("Pruned access logs")
	}
}
