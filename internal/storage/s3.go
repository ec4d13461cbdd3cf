package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/usage-proxy/internal/meter"
	"github.com/sdko-org/usage-proxy/internal/models"
)

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// usageRecord is one counter row in an export document.
type usageRecord struct {
	Service  string `json:"service"`
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Requests uint64 `json:"requests"`
}

type exportDocument struct {
	ExportedAt time.Time     `json:"exportedAt"`
	Records    []usageRecord `json:"records"`
}

// Exporter ships usage snapshots to object storage so the marketplace side
// can archive billing evidence. Counters themselves stay in memory; the
// export is write-only and never feeds back into the meter.
type Exporter struct {
	uploader *s3manager.Uploader
	bucket   string
	usage    *meter.Meter
	db       *gorm.DB
	log      *logrus.Entry
}

func NewExporter(logger *logrus.Logger, cfg S3Config, usage *meter.Meter, db *gorm.DB) *Exporter {
	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	sess := session.Must(session.NewSession(awsConfig))

	return &Exporter{
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
		usage:    usage,
		db:       db,
		log:      logger.WithField("component", "usage_exporter"),
	}
}

// Export uploads the current counter table as one JSON document.
func (e *Exporter) Export(ctx context.Context) error {
	now := time.Now().UTC()
	snapshot := e.usage.SnapshotAll()

	doc := exportDocument{
		ExportedAt: now,
		Records:    make([]usageRecord, 0, len(snapshot)),
	}
	services := make(map[string]struct{})
	var total uint64
	for k, v := range snapshot {
		doc.Records = append(doc.Records, usageRecord{
			Service:  k.Service,
			UserID:   k.UserID,
			Endpoint: k.Endpoint,
			Requests: v,
		})
		services[k.Service] = struct{}{}
		total += v
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode usage export: %w", err)
	}

	key := fmt.Sprintf("usage/%s.json", now.Format("2006-01-02T15-04-05Z"))
	_, err = e.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"key":      key,
		"records":  len(doc.Records),
		"requests": total,
	}).Info("Usage snapshot exported")

	if e.db != nil {
		entry := models.UsageExport{
			ExportedAt: now,
			Key:        key,
			Services:   len(services),
			Requests:   total,
		}
		if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
			e.log.WithError(err).Warn("Failed to record usage export")
		}
	}
	return nil
}

// Start exports on a fixed interval until the context is canceled.
func (e *Exporter) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.WithField("interval", interval).Info("Starting usage exporter")
	for {
		select {
		case <-ticker.C:
			exportCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := e.Export(exportCtx); err != nil {
				e.log.WithError(err).Error("Usage export failed")
			}
			cancel()
		case <-ctx.Done():
			e.log.Info("Stopping usage exporter")
			return
		}
	}
}
