package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"roomrelay/internal/chat"
	"roomrelay/internal/config"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/registry"
	"roomrelay/internal/server"
	"roomrelay/internal/signaling"
	"roomrelay/internal/token"
	"roomrelay/internal/util"
	"roomrelay/internal/wsauth"
	"roomrelay/pkg/storage"
	"roomrelay/pkg/store"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		util.Fatal("failed to load .env", "err", err)
	}
	cfg, err := config.Load(config.Path())
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}
	util.InitLogger(cfg.LogLevel, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		util.Fatal("relay stopped", "err", err)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
	}

	st, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		return err
	}
	accessTTL, err := config.ParseTTL("accessTokenTTL", cfg.AccessTokenTTL)
	if err != nil {
		return err
	}
	refreshTTL, err := config.ParseTTL("refreshTokenTTL", cfg.RefreshTokenTTL)
	if err != nil {
		return err
	}
	tokens, err := token.NewService(token.Config{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     leeway,
		AccessTTL:  accessTTL,
		RefreshTTL: refreshTTL,
	})
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}
	var refreshStore token.RefreshStore = token.NewMemoryRefreshStore()
	if redisClient != nil {
		refreshStore = token.NewRedisRefreshStore(redisClient, "relay:refresh")
	}
	issuer, err := token.NewIssuer(tokens, refreshStore)
	if err != nil {
		return err
	}
	auth, err := wsauth.NewAuthenticator(tokens, st)
	if err != nil {
		return err
	}

	// Limiters stay nil interfaces without Redis so sessions skip them.
	var chatLimiter, upgradeLimiter ratelimit.Limiter
	if redisClient != nil {
		if cfg.ChatMessagesPerMinute > 0 {
			l, err := ratelimit.NewFixedWindowLimiter(redisClient, "relay:ratelimit:chat", cfg.ChatMessagesPerMinute, time.Minute)
			if err != nil {
				return fmt.Errorf("init chat limiter: %w", err)
			}
			chatLimiter = l
		}
		if cfg.UpgradeRateLimitPerMinute > 0 {
			l, err := ratelimit.NewFixedWindowLimiter(redisClient, "relay:ratelimit:upgrade", cfg.UpgradeRateLimitPerMinute, time.Minute)
			if err != nil {
				return fmt.Errorf("init upgrade limiter: %w", err)
			}
			upgradeLimiter = l
		}
	} else {
		slog.Warn("redis not configured; refresh tokens are in memory and rate limiting is off")
	}

	var objects storage.ObjectStore
	if cfg.Minio.Endpoint != "" {
		minioStore, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init object storage: %w", err)
		}
		objects = minioStore
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trustedProxyCidrs: %w", err)
	}
	origins := util.NewOriginPolicy(cfg.AllowedOrigins)
	reg := registry.New()

	chatHandler, err := chat.NewHandler(chat.Config{
		Store:              st,
		Registry:           reg,
		Auth:               auth,
		Tokens:             issuer,
		Objects:            objects,
		Limiter:            chatLimiter,
		HistoryLimit:       cfg.HistoryLimit,
		MaxFrameBytes:      cfg.MaxFrameBytes,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		CheckOrigin:        origins.CheckOrigin,
	})
	if err != nil {
		return err
	}
	signalingHandler, err := signaling.NewHandler(signaling.Config{
		Store:         st,
		Registry:      reg,
		MaxFrameBytes: cfg.MaxFrameBytes,
		CheckOrigin:   origins.CheckOrigin,
	})
	if err != nil {
		return err
	}
	httpServer, err := server.New(server.Config{
		Store:          st,
		Chat:           chatHandler,
		Signaling:      signalingHandler,
		Objects:        objects,
		UpgradeLimiter: upgradeLimiter,
		Origins:        origins,
		TrustedProxies: trusted,
	})
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(databaseURL string) (store.Store, error) {
	if strings.EqualFold(strings.TrimSpace(databaseURL), config.MemoryDatabaseURL) {
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewGormStore(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}
