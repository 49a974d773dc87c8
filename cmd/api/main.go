package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/learnhub/enrollment-api/api/swagger"
	"github.com/learnhub/enrollment-api/internal/handler"
	"github.com/learnhub/enrollment-api/internal/middleware"
	"github.com/learnhub/enrollment-api/internal/models"
	"github.com/learnhub/enrollment-api/internal/repository"
	"github.com/learnhub/enrollment-api/internal/service"
	"github.com/learnhub/enrollment-api/pkg/cache"
	"github.com/learnhub/enrollment-api/pkg/config"
	"github.com/learnhub/enrollment-api/pkg/database"
	"github.com/learnhub/enrollment-api/pkg/export"
	"github.com/learnhub/enrollment-api/pkg/jobs"
	"github.com/learnhub/enrollment-api/pkg/logger"
	corsmiddleware "github.com/learnhub/enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/learnhub/enrollment-api/pkg/middleware/requestid"
	"github.com/learnhub/enrollment-api/pkg/storage"
)

// @title LearnHub Enrollment API
// @version 1.0.0
// @description Enrollment and progress tracking service for the LearnHub platform
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}
	defer redisClient.Close() //nolint:errcheck

	certStore, err := storage.NewLocalStorage(cfg.Certificates.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init certificate storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Certificates.SignedURLSecret, cfg.Certificates.SignedURLTTL)

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	courseSvc := service.NewCourseService(courseRepo, logr)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, courseRepo, userRepo, cacheRepo, validate, logr, service.EnrollmentOptions{
		CancellationWindow: cfg.Enrollments.CancellationWindow,
		ProgressCacheTTL:   cfg.Enrollments.ProgressCacheTTL,
	})

	certWorker := service.NewCertificateWorker(enrollmentRepo, userRepo, export.NewCertificateRenderer(), certStore, logr)
	certQueue := jobs.NewQueue("certificates", certWorker.Handle, jobs.QueueConfig{
		Workers:    cfg.Certificates.WorkerConcurrency,
		MaxRetries: cfg.Certificates.WorkerRetries,
		Logger:     logr,
	})
	certificateSvc := service.NewCertificateService(enrollmentRepo, certQueue, signer, certStore, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	certQueue.Start(ctx)
	defer certQueue.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		probeCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(probeCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		if err := redisClient.Ping(probeCtx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	certificateHandler := handler.NewCertificateHandler(certificateSvc)
	serviceHandler := handler.NewServiceEnrollmentHandler(enrollmentSvc)

	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/auth/login", authHandler.Login)

		authed := api.Group("")
		authed.Use(middleware.JWT(authSvc))
		{
			authed.GET("/auth/me", authHandler.Me)
			authed.GET("/courses", courseHandler.List)
			authed.GET("/courses/:id", courseHandler.Get)

			students := authed.Group("")
			students.Use(middleware.RequireRoles(models.RoleStudent, models.RoleAdmin))
			{
				students.POST("/enrollments", enrollmentHandler.Create)
				students.GET("/enrollments", enrollmentHandler.List)
				students.GET("/enrollments/:id", enrollmentHandler.Get)
				students.GET("/enrollments/:id/progress", enrollmentHandler.GetProgress)
				students.PUT("/enrollments/:id/progress", enrollmentHandler.UpdateProgress)
				students.POST("/enrollments/:id/cancel", enrollmentHandler.Cancel)
				students.POST("/enrollments/:id/certificate", certificateHandler.Request)
				students.GET("/enrollments/:id/certificate", certificateHandler.Get)
			}
		}
	}

	internal := r.Group("/internal")
	internal.Use(middleware.ServiceKey(cfg.Service.Header, cfg.Service.APIKey))
	{
		internal.POST("/enrollments", serviceHandler.Create)
		internal.POST("/enrollments/:id/revoke", serviceHandler.Revoke)
	}

	r.GET("/downloads/certificates/:token", certificateHandler.Download)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
