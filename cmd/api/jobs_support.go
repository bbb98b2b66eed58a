package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-press/internal/config"
	"github.com/yourusername/paper-press/internal/jobs"
	"github.com/yourusername/paper-press/internal/pdf"
	"github.com/yourusername/paper-press/internal/storage"
	"github.com/yourusername/paper-press/internal/webhook"
)

// jobsAPI は HTTP ハンドラーが使うジョブ操作です。
type jobsAPI interface {
	pdf.CompressService
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	Metrics() map[string]int64
}

// jobTimeBudget は 1 ジョブが圧縮と通知に使い得る時間の上限です。
func jobTimeBudget(cfg *config.Config) time.Duration {
	return cfg.CompressionTimeout + cfg.WebhookTimeout + time.Minute
}

func jobDrainTimeout(cfg *config.Config) time.Duration {
	return cfg.CompressionTimeout + cfg.WebhookTimeout + 10*time.Second
}

func setupJobs(cfg *config.Config, logger logrus.FieldLogger) (*jobs.Manager, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.WithError(err).Warn("cleanup failed")
			}
		}
	}

	store, closeStore, err := newJobStore(cfg, logger)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, closeStore)

	files, err := storage.NewLocal(cfg.WorkDir, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	engine, err := newEngine(cfg)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	notifier := webhook.NewClient(webhook.Options{
		Timeout:   cfg.WebhookTimeout,
		UserAgent: cfg.WebhookUserAgent,
		Logger:    logger,
	})

	manager, err := jobs.NewManager(store, files, engine, notifier, dispatcher, jobs.ManagerOptions{
		MaxFileSize:          cfg.MaxFileSize,
		RequireHTTPSCallback: cfg.RequireHTTPSCallback,
	}, logger)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	logger.WithFields(logrus.Fields{
		"work_dir": files.Root(),
		"engine":   engine.Name(),
	}).Info("jobs initialized")
	return manager, cleanup, nil
}

func newJobStore(cfg *config.Config, logger logrus.FieldLogger) (jobs.Store, func() error, error) {
	switch cfg.JobStore {
	case config.StoreSQLite:
		store, err := jobs.OpenSQLiteStore(context.Background(), cfg.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opt)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, nil, fmt.Errorf("failed to connect redis: %w", err)
		}
		if cfg.JobRecordTTL > 0 {
			logger.WithField("ttl", cfg.JobRecordTTL).Info("job records expire automatically")
		}
		return jobs.NewRedisStore(redisClient, cfg.JobRecordTTL), redisClient.Close, nil
	}
}

func newEngine(cfg *config.Config) (pdf.Engine, error) {
	switch cfg.CompressionEngine {
	case config.EnginePdfcpu:
		return pdf.NewPdfcpuEngine(cfg.CompressionTimeout)
	default:
		return pdf.NewGhostscriptEngine(cfg.GhostscriptPath, pdf.OptimizePreset(cfg.CompressionPreset), cfg.CompressionTimeout)
	}
}

func newDispatcher(cfg *config.Config, logger logrus.FieldLogger) (jobs.Dispatcher, error) {
	switch cfg.Dispatcher {
	case config.DispatcherAsynq:
		return jobs.NewAsynqDispatcher(jobs.AsynqOptions{
			RedisURL:        cfg.QueueRedisURL,
			Concurrency:     cfg.WorkerConcurrency,
			ShutdownTimeout: jobDrainTimeout(cfg),
			Logger:          logger,
		})
	default:
		return jobs.NewPoolDispatcher(jobs.PoolConfig{
			Workers:     cfg.WorkerConcurrency,
			QueueSize:   cfg.WorkerQueueSize,
			TaskTimeout: jobTimeBudget(cfg),
		}, logger)
	}
}

func jobStatusHandler(app jobsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			pdf.RespondWithError(c, pdf.NewError(pdf.CodeInvalidInput, "jobId を指定してください。", nil))
			return
		}

		job, err := app.Get(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"success": false,
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			pdf.RespondWithError(c, fmt.Errorf("get job: %w", err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"job":     job.View(),
		})
	}
}

func statsHandler(app jobsAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"metrics": app.Metrics(),
		})
	}
}
