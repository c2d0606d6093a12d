package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gpgkd906/auth9-sub008/internal/audit"
	"github.com/gpgkd906/auth9-sub008/internal/config"
	"github.com/gpgkd906/auth9-sub008/internal/exchange"
	"github.com/gpgkd906/auth9-sub008/internal/httpapi"
	"github.com/gpgkd906/auth9-sub008/internal/oauthstate"
	"github.com/gpgkd906/auth9-sub008/internal/obs"
	"github.com/gpgkd906/auth9-sub008/internal/policy"
	"github.com/gpgkd906/auth9-sub008/internal/rbac"
	"github.com/gpgkd906/auth9-sub008/internal/revocation"
	"github.com/gpgkd906/auth9-sub008/internal/store/pg"
	"github.com/gpgkd906/auth9-sub008/internal/token"
)

var version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := obs.NewLogger(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()

	store, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("open postgres", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	if cfg.Postgres.RunMigrations {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.EnsureSchema(ctx); err != nil {
			cancel()
			logger.Fatal("ensure schema", zap.Error(err))
		}
		cancel()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	codec, err := token.NewCodec(
		token.WithIssuer(cfg.Token.Issuer),
		token.WithAudiences(cfg.Token.IdentityAudience, cfg.Token.ServiceAudience),
		token.WithAccessTTL(cfg.Token.AccessTTL()),
		token.WithPrivateKeyPEM(cfg.Token.PrivateKeyPEM, cfg.Token.KeyID),
	)
	if err != nil {
		logger.Fatal("init token codec", zap.Error(err))
	}

	revocations := revocation.NewStore(rdb, logger)
	states := oauthstate.NewStore(rdb)

	resolver, err := rbac.NewResolver(store, logger)
	if err != nil {
		logger.Fatal("init rbac resolver", zap.Error(err))
	}

	engine := policy.NewEngine(cfg.Policy.PlatformAdminEmails, audit.NewLogSink(logger), logger)
	state := store.PolicyState(cfg.Policy.PlatformTenantSlug)

	svc, err := exchange.NewService(exchange.Deps{
		Codec:       codec,
		Directory:   store,
		Memberships: store,
		Refresh:     store,
		Revocations: revocations,
		Roles:       resolver,
	},
		exchange.WithLogger(logger),
		exchange.WithRefreshTTL(cfg.Token.RefreshTTL()),
	)
	if err != nil {
		logger.Fatal("init exchange service", zap.Error(err))
	}

	api := httpapi.New(httpapi.Deps{
		Log:        logger,
		Exchange:   svc,
		Codec:      codec,
		Engine:     engine,
		State:      state,
		Resolver:   resolver,
		Admin:      store,
		States:     states,
		ReadyProbe: httpapi.ReadyProbe{DB: store.DB()},
		RPC:        cfg.RPC,
		Version:    version,
	})

	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(purgeCtx, 30*time.Second)
				if n, err := store.PurgeExpired(ctx); err != nil {
					logger.Warn("purge expired refresh tokens", zap.Error(err))
				} else if n > 0 {
					logger.Info("purged expired refresh tokens", zap.Int64("count", n))
				}
				cancel()
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.App.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting auth9-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("env", cfg.App.Env),
		zap.String("rpc_auth_mode", cfg.RPC.AuthMode))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}
