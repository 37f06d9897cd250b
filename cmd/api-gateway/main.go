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
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/maintenance-api/api/swagger"
	"github.com/noah-isme/maintenance-api/internal/handler"
	"github.com/noah-isme/maintenance-api/internal/middleware"
	"github.com/noah-isme/maintenance-api/internal/models"
	"github.com/noah-isme/maintenance-api/internal/repository"
	"github.com/noah-isme/maintenance-api/internal/service"
	"github.com/noah-isme/maintenance-api/migrations"
	"github.com/noah-isme/maintenance-api/pkg/cache"
	"github.com/noah-isme/maintenance-api/pkg/config"
	"github.com/noah-isme/maintenance-api/pkg/database"
	"github.com/noah-isme/maintenance-api/pkg/jobs"
	"github.com/noah-isme/maintenance-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/maintenance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/maintenance-api/pkg/middleware/requestid"
)

// @title Maintenance Request API
// @version 1.0.0
// @description Facility maintenance request workflow
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		opts := database.MigrationOptions{Path: cfg.Database.MigrationsPath}
		if err := database.Migrate(db, migrations.FS, opts, logr.Named("migrate")); err != nil {
			return err
		}
	}

	metrics := service.NewMetricsService()
	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}

	var cacheSvc *service.CacheService
	if cfg.Cache.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, maintenance cache disabled", zap.Error(err))
		} else {
			defer client.Close()
			cacheSvc = service.NewCacheService(repository.NewCacheRepository(client, logr), metrics, cfg.Cache.TTL, logr, true)
			checks["redis"] = redisCheck(client)
		}
	}

	validate := validator.New()
	userRepo := repository.NewUserRepository(db)

	auditSvc := service.NewAuditService(repository.NewAuditRepository(db), metrics, jobs.QueueConfig{
		Workers:    cfg.Audit.Workers,
		BufferSize: cfg.Audit.BufferSize,
		MaxRetries: cfg.Audit.MaxRetries,
	}, logr.Named("audit"))
	auditSvc.Start(context.WithoutCancel(ctx))
	defer auditSvc.Stop()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	}, auditSvc)

	maintenanceSvc := service.NewMaintenanceRequestService(
		repository.NewMaintenanceRequestRepository(db),
		validate,
		logr.Named("maintenance"),
		service.WithMaintenanceCache(cacheSvc, cfg.Cache.TTL),
		service.WithMaintenanceMetrics(metrics),
		service.WithMaintenanceAudit(auditSvc),
		service.WithMaintenanceLimits(cfg.Maintenance.DefaultPageSize, cfg.Maintenance.ExportMaxRows),
	)
	if cfg.Database.AutoMigrate {
		if err := maintenanceSvc.PurgeCache(ctx); err != nil {
			logr.Warn("failed to purge maintenance cache after migrations", zap.Error(err))
		}
	}

	router := newRouter(cfg, logr, routerDeps{
		auth:        handler.NewAuthHandler(authSvc),
		maintenance: handler.NewMaintenanceRequestHandler(maintenanceSvc, cfg.Maintenance.ExportEnabled),
		metrics:     handler.NewMetricsHandler(metrics, checks),
		validator:   authSvc,
		observer:    metrics,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
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

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type routerDeps struct {
	auth        *handler.AuthHandler
	maintenance *handler.MaintenanceRequestHandler
	metrics     *handler.MetricsHandler
	validator   middleware.TokenValidator
	observer    middleware.RequestObserver
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/metrics"))
	r.Use(corsmiddleware.New(corsmiddleware.DefaultOptions(cfg.CORS.AllowedOrigins)))
	r.Use(middleware.Metrics(deps.observer))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", deps.metrics.Health)
	r.GET("/ready", deps.metrics.Ready)
	r.GET("/metrics", deps.metrics.Prometheus)

	if cfg.Env != config.EnvProduction {
		swagger.SwaggerInfo.BasePath = cfg.APIPrefix
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authn := middleware.JWT(deps.validator)
	api := r.Group(cfg.APIPrefix)

	authGroup := api.Group("/auth")
	authGroup.POST("/login", deps.auth.Login)
	authGroup.POST("/refresh", deps.auth.Refresh)
	authGroup.POST("/logout", authn, deps.auth.Logout)
	authGroup.GET("/me", authn, deps.auth.Me)

	api.GET("/metrics/summary", authn, middleware.RequireRoles(models.RoleAdmin), deps.metrics.Summary)

	requests := api.Group("/maintenance-requests", authn)
	requests.GET("", deps.maintenance.List)
	requests.GET("/export", middleware.RequireRoles(models.RoleAdmin, models.RoleManager), deps.maintenance.Export)
	requests.GET("/protocol", deps.maintenance.FindByProtocol)
	requests.GET("/:id", deps.maintenance.Get)
	requests.POST("", deps.maintenance.Create)
	requests.PATCH("/:id", middleware.RequireRoles(models.RoleAdmin, models.RoleManager, models.RoleTechnician), deps.maintenance.Update)
	requests.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), deps.maintenance.Delete)

	return r
}

func redisCheck(client *redis.Client) handler.ReadinessCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
