// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/paper-press/internal/config"
	"github.com/yourusername/paper-press/internal/logging"
	"github.com/yourusername/paper-press/internal/pdf"
)

const (
	serviceName    = "paper-press-api"
	serviceVersion = "0.1.0"

	httpShutdownTimeout = 30 * time.Second
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	gin.SetMode(cfg.GinMode)

	manager, cleanup, err := setupJobs(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up jobs")
	}
	defer cleanup()

	if err := manager.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start workers")
	}

	router := newRouter(cfg, logger, manager)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":       srv.Addr,
			"mode":       cfg.GinMode,
			"engine":     cfg.CompressionEngine,
			"store":      cfg.JobStore,
			"dispatcher": cfg.Dispatcher,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("API server stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API server")

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown did not complete")
	}

	// 受付済みのジョブは通知まで終わらせてから終了する
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), jobDrainTimeout(cfg))
	defer cancelDrain()
	if err := manager.Shutdown(drainCtx); err != nil {
		logger.WithError(err).Warn("Some jobs were still running at shutdown")
	}
	logger.Info("API server stopped")
}

// newRouter はミドルウェアとルーティングを設定したエンジンを返します。
func newRouter(cfg *config.Config, logger logrus.FieldLogger, app jobsAPI) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger(logger))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := make([]string, 0)
	for _, origin := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, app)
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app jobsAPI) {
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		api.POST("/pdf/compress", pdf.CompressHandler(app, pdf.HandlerOptions{
			MaxFileSize: cfg.MaxFileSize,
		}))
		api.GET("/jobs/:id", jobStatusHandler(app))
		api.GET("/stats", statsHandler(app))
	}
}
