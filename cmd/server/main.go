package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/sdko-org/usage-proxy/internal/auth"
	"github.com/sdko-org/usage-proxy/internal/cert"
	"github.com/sdko-org/usage-proxy/internal/config"
	"github.com/sdko-org/usage-proxy/internal/database"
	"github.com/sdko-org/usage-proxy/internal/directory"
	"github.com/sdko-org/usage-proxy/internal/forward"
	"github.com/sdko-org/usage-proxy/internal/listener"
	"github.com/sdko-org/usage-proxy/internal/meter"
	"github.com/sdko-org/usage-proxy/internal/mgmt"
	"github.com/sdko-org/usage-proxy/internal/middleware"
	"github.com/sdko-org/usage-proxy/internal/models"
	"github.com/sdko-org/usage-proxy/internal/registry"
	"github.com/sdko-org/usage-proxy/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	policy, err := forward.ParsePolicy(cfg.CountPolicy)
	if err != nil {
		logger.WithError(err).Fatal("Bad COUNT_POLICY")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *gorm.DB
	if cfg.PostgresEnabled {
		db, err = database.NewPostgresDB(logger, database.PostgresConfig{
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			DBName:   cfg.PostgresDatabase,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			logger.WithError(err).Fatal("Database setup failed")
		}
		pruner := database.NewAccessLogPruner(logger, db, cfg.AccessLogMaxAge)
		go pruner.Start(ctx)
	}

	certs := cert.NewStore(logger)
	dir := directory.New(logger)
	usage := meter.New()
	reg := registry.New(logger, certs)

	engine := forward.New(logger, usage, forward.Options{
		Policy:                policy,
		DialTimeout:           cfg.DialTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		RequestTimeout:        cfg.RequestTimeout,
	})
	authn := auth.New(logger, dir)

	mw := []func(http.Handler) http.Handler{middleware.AccessLog(logger, db)}
	if cfg.RateLimit > 0 {
		rl := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)
		defer rl.Close()
		mw = append(mw, rl.Middleware)
	}

	pipeline := listener.NewPipeline(logger, reg.Snapshot, authn, engine, middleware.Chain(mw...))
	listeners := listener.NewManager(logger, pipeline, reg.Snapshot, cfg.DrainGracePeriod)
	reg.SetReconciler(listeners)

	if cfg.S3ExportEnabled {
		exporter := storage.NewExporter(logger, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, usage, db)
		go exporter.Start(ctx, cfg.ExportInterval)
	}

	var stopOnce sync.Once
	stopCh := make(chan struct{})
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	api := mgmt.New(logger, reg, dir, usage, stop)
	server := &http.Server{
		Addr:         cfg.ManagementAddr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if cfg.ServicesFile != "" {
		if err := loadServices(logger, reg, cfg.ServicesFile); err != nil {
			logger.WithError(err).Fatal("Failed to load service definitions")
		}
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigint:
			logger.WithField("signal", sig).Info("Shutting down")
		case <-stopCh:
			logger.Info("Shutting down")
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainGracePeriod+5*time.Second)
		defer shutdownCancel()

		if err := listeners.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Listener shutdown incomplete")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Management server shutdown error")
		}
	}()

	logger.WithField("addr", cfg.ManagementAddr).Info("Starting management API")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("Management API failed")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// loadServices registers initial definitions from a JSON file through the
// same validation path the management API uses.
func loadServices(logger *logrus.Logger, reg *registry.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []models.CreateService
	if err := json.Unmarshal(data, &defs); err != nil {
		return err
	}
	for _, cs := range defs {
		vs, err := reg.Add(cs)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"service": vs.Name,
			"from":    vs.From,
		}).Info("Service loaded from file")
	}
	return nil
}
