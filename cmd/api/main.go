// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/epub-forge/internal/auth"
	"github.com/yourusername/epub-forge/internal/config"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := setupServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close services", "error", err)
		}
	}()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, routeDeps{
		submitter: svc.manager,
		resolver:  svc.resolver,
		lister:    svc.store,
		sweeper:   svc.sweeper,
		health:    svc.manager,
		auth:      auth.NewManager(cfg.AdminTokenHash),
		logger:    logger,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func corsConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowOrigins = origins
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	return c
}

// requestLogger は gin のアクセスログを slog に流します。
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
		)
	}
}

type routeDeps struct {
	submitter jobSubmitter
	resolver  jobResolver
	lister    ownerJobLister
	sweeper   sweepRunner
	health    healthReporter
	auth      *auth.Manager
	logger    *slog.Logger
}

// setupRoutes はジョブ API と運用エンドポイントを登録します。
func setupRoutes(router *gin.Engine, d routeDeps) {
	router.GET("/health", healthHandler(d.health))

	api := router.Group("/api")
	{
		jobRoutes := api.Group("/jobs")
		jobRoutes.POST("", submitJobHandler(d.submitter, d.logger))
		jobRoutes.GET("", listJobsHandler(d.lister, d.logger))
		jobRoutes.GET("/:id", jobStatusHandler(d.resolver, d.logger))

		admin := api.Group("/admin")
		admin.Use(d.auth.RequireAdmin())
		admin.POST("/sweep", sweepHandler(d.sweeper, d.logger))
	}
}
