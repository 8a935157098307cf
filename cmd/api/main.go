// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/bundle-forge/internal/app"
	"github.com/yourusername/bundle-forge/internal/auth"
	"github.com/yourusername/bundle-forge/internal/collection"
	"github.com/yourusername/bundle-forge/internal/config"
	"github.com/yourusername/bundle-forge/internal/logging"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	flush, err := app.InitSentry(cfg)
	if err != nil {
		logger.WithError(err).Warn("sentry is disabled")
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close(context.Background())

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "Content-Disposition", "X-Collection-Id"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, a)

	// ワーカーは API と同じプロセスで動かす
	a.Jobs.StartWorkers(a.Service)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown failed")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "bundle-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, a *app.App) {
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authManager.RegisterRoutes(api)

		// ジョブ実行サービスからの通知はセッションではなくトークンで認証する
		api.PUT("/internal/jobs/:id", collection.JobReportHandler(a.Service, cfg.JobReportToken))

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			collection.RegisterRoutes(protected, a.Service, collection.HandlerOptions{
				Owner:     auth.CurrentUser,
				Inspector: a.Jobs,
				Logger:    a.Logger.WithField("component", "http"),
			})
			protected.GET("/collections/:id/progress", collectionProgressHandler(a.Service, a.Jobs))
		}
	}
}
