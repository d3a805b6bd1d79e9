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
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/noah-isme/sma-adp-session/api/swagger"
	"github.com/noah-isme/sma-adp-session/internal/handler"
	"github.com/noah-isme/sma-adp-session/internal/idp"
	internalmiddleware "github.com/noah-isme/sma-adp-session/internal/middleware"
	"github.com/noah-isme/sma-adp-session/internal/models"
	"github.com/noah-isme/sma-adp-session/internal/repository"
	"github.com/noah-isme/sma-adp-session/internal/service"
	"github.com/noah-isme/sma-adp-session/internal/token"
	"github.com/noah-isme/sma-adp-session/pkg/cache"
	"github.com/noah-isme/sma-adp-session/pkg/config"
	"github.com/noah-isme/sma-adp-session/pkg/database"
	"github.com/noah-isme/sma-adp-session/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-adp-session/pkg/middleware/cors"
	"github.com/noah-isme/sma-adp-session/pkg/middleware/ratelimit"
	reqidmiddleware "github.com/noah-isme/sma-adp-session/pkg/middleware/requestid"
)

// @title SMA ADP Session API
// @version 1.0.0
// @description Session issue, refresh and revocation for the SMA ADP platform
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

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

	checks := map[string]handler.Pinger{}
	userRepo := repository.NewUserRepository(db)
	checks["postgres"] = userRepo

	registry, closeRegistry, err := newRegistry(ctx, cfg, db, checks)
	if err != nil {
		return err
	}
	defer closeRegistry()

	codec, err := token.NewCodec(token.Config{
		Secret:    cfg.JWT.Secret,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		ClockSkew: cfg.JWT.ClockSkew,
	})
	if err != nil {
		return fmt.Errorf("init token codec: %w", err)
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	refreshStore := service.NewRefreshTokenStore(repository.NewRefreshTokenRepository(db), logr, service.RefreshTokenStoreConfig{Pepper: cfg.Session.RefreshPepper})
	provisioning := service.NewProvisioningService(userRepo, validate, logr, models.RoleName(cfg.Session.DefaultRole), nil)
	revocation := service.NewRevocationService(registry, refreshStore, userRepo, metrics, logr, nil)
	authenticator := service.NewAuthenticatorService(codec, registry, metrics, logr)
	admin := service.NewUserAdminService(userRepo, revocation, validate, logr, cfg.Session.RevokeOnDeactivate, nil)

	var sessions *service.SessionService
	if cfg.OIDC.Issuer != "" {
		verifier, err := idp.NewVerifier(ctx, cfg.OIDC)
		if err != nil {
			return fmt.Errorf("init oidc verifier: %w", err)
		}
		sessions = service.NewSessionService(verifier, provisioning, codec, refreshStore, userRepo, metrics, validate, logr, cfg.Session)
	} else {
		logr.Warn("OIDC_ISSUER not set, POST /session is disabled")
		sessions = service.NewSessionService(nil, provisioning, codec, refreshStore, userRepo, metrics, validate, logr, cfg.Session)
	}

	refresher, err := service.NewRefreshService(service.RefreshDeps{
		Store:   refreshStore,
		Users:   userRepo,
		Codec:   codec,
		Revoker: revocation,
		Metrics: metrics,
		Logger:  logr,
	}, validate, cfg.Session)
	if err != nil {
		return err
	}
	logr.Info("refresh policy selected", zap.String("policy", refresher.Policy()), zap.String("rotation", cfg.Session.Rotation))

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics, checks, logr)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.Routes{
		Session:          handler.NewSessionHandler(sessions, refresher, revocation),
		Admin:            handler.NewAdminHandler(admin, revocation, validate),
		Authenticate:     internalmiddleware.JWT(authenticator),
		RefreshRateLimit: ratelimit.New(cfg.RateLimit.RefreshRPS, cfg.RateLimit.RefreshBurst).Middleware(),
	}.Register(r.Group(cfg.APIPrefix))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logr.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Cleanup.Enabled {
		cleanup := service.NewCleanupService(registry, refreshStore, metrics, logr, cfg.Cleanup.Interval)
		g.Go(func() error {
			cleanup.Start(gctx)
			return nil
		})
	}

	return g.Wait()
}

// newRegistry builds the configured revocation registry. Point revocations are
// kept until the token's exp plus clock skew and revoked-before marks for one
// token lifetime plus clock skew, after which no token they could match is
// still accepted.
func newRegistry(ctx context.Context, cfg *config.Config, db *sqlx.DB, checks map[string]handler.Pinger) (service.RevocationRegistry, func(), error) {
	retention := cfg.Session.AccessTokenTTL + cfg.JWT.ClockSkew

	switch cfg.Revocation.Backend {
	case config.RevocationBackendRedis:
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		registry := repository.NewRedisRevocationRegistry(client, cfg.Redis.KeyPrefix, retention, cfg.JWT.ClockSkew)
		checks["redis"] = registry
		return registry, func() { _ = client.Close() }, nil
	case config.RevocationBackendPostgres:
		return repository.NewPostgresRevocationRegistry(db, retention, cfg.JWT.ClockSkew), func() {}, nil
	default:
		return repository.NewMemoryRevocationRegistry(retention, cfg.JWT.ClockSkew), func() {}, nil
	}
}
