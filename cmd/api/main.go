package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"sleepplanet.app/internal/audit"
	"sleepplanet.app/internal/auth"
	"sleepplanet.app/internal/config"
	"sleepplanet.app/internal/httpapi"
	"sleepplanet.app/internal/migrate"
	"sleepplanet.app/internal/obs"
	"sleepplanet.app/internal/ratelimit"
	"sleepplanet.app/internal/revoke"
	"sleepplanet.app/internal/store/memory"
	"sleepplanet.app/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const defaultAdminEmail = "admin@sleepplanet.local"

func main() {
	configPath := pflag.String("config", os.Getenv("SLEEPPLANET_CONFIG"), "path to a YAML config file")
	autoMigrate := pflag.Bool("migrate", false, "apply pending migrations and seeds before serving")
	pflag.Parse()

	// Метрики регистрируются до загрузки конфига, чтобы build_info был всегда.
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *autoMigrate); err != nil {
		obs.Error("service_failed", map[string]any{"error": err})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, autoMigrate bool) error {
	var (
		store auth.Store
		probe httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pgStore.Close()
		if autoMigrate {
			mgr := migrate.NewManager(pgStore.DB(), pg.Files, "migrations", "seeds")
			if err := mgr.Up(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := mgr.Seed(ctx); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}
		if missing, unknown, err := pgStore.CatalogDrift(ctx); err != nil {
			obs.Warn("catalog_check_failed", map[string]any{"error": err})
		} else if len(missing)+len(unknown) > 0 {
			obs.Warn("catalog_drift", map[string]any{"missing": missing, "unknown": unknown})
		}
		store = pgStore
		probe.Store = pgStore
	} else {
		obs.Warn("memory_store", map[string]any{"reason": "no database dsn configured; state is lost on exit"})
		store = memory.New()
	}

	var revocations auth.RevocationList
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rl := revoke.NewRedis(client, revoke.WithPrefix(cfg.Redis.Prefix))
		revocations = rl
		probe.Revocations = rl
	} else {
		mem := revoke.NewMemory(nil)
		go mem.Run(ctx, time.Minute)
		revocations = mem
	}

	var auditOpts []audit.Option
	if len(cfg.Kafka.Brokers) > 0 {
		auditOpts = append(auditOpts, audit.WithPublisher(audit.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)))
	}
	auditLog, err := audit.NewLogger(store, auditOpts...)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	tokens, err := auth.NewTokenService([]byte(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTTL(cfg.Auth.TokenTTL),
		auth.WithLeeway(cfg.Auth.Leeway),
		auth.WithRevocationList(revocations),
	)
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(store, auth.WithResolverTimeout(cfg.Database.Timeout))
	if err != nil {
		return err
	}
	authn, err := auth.NewAuthenticator(store, tokens, auditLog, cfg.Database.Timeout)
	if err != nil {
		return err
	}
	admin, err := auth.NewAdminService(store, auditLog, cfg.Database.Timeout)
	if err != nil {
		return err
	}

	if b := cfg.Bootstrap; b.AdminUsername != "" {
		email := b.AdminEmail
		if email == "" {
			email = defaultAdminEmail
		}
		created, err := admin.Bootstrap(ctx, b.AdminUsername, b.AdminPassword, email)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			obs.Info("admin_bootstrapped", map[string]any{"username": b.AdminUsername})
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(ratelimit.Config{
			Rate:    cfg.RateLimit.Rate,
			Burst:   cfg.RateLimit.Burst,
			IdleTTL: cfg.RateLimit.IdleTTL,
		})
		if err != nil {
			return err
		}
		go limiter.Run(ctx, time.Minute, obs.SetRateLimitBuckets)
	}

	api, err := httpapi.New(httpapi.Deps{
		Tokens:        tokens,
		Resolver:      resolver,
		Authenticator: authn,
		Admin:         admin,
		Audit:         auditLog,
		Limiter:       limiter,
		Ready:         probe,
		Version:       version,
		TrustProxy:    cfg.HTTP.TrustProxy,
		CookieSecure:  cfg.Auth.CookieSecure,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	hs := httpapi.NewHealthServer()
	grpcSrv := httpapi.NewGRPCServer(hs)
	go httpapi.WatchHealth(ctx, hs, probe, 10*time.Second)

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	var grpcLis net.Listener
	if cfg.HTTP.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.HTTP.GRPCAddr); err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
	}
	obs.Info("listening", map[string]any{"http": cfg.HTTP.Addr, "grpc": cfg.HTTP.GRPCAddr, "version": version})
	return serve(ctx, srv, httpLis, grpcSrv, grpcLis, cfg.HTTP.ShutdownTimeout)
}

// serve runs the HTTP and gRPC servers until ctx is done or either of them
// fails, then stops both. grpcLis may be nil.
func serve(ctx context.Context, srv *http.Server, httpLis net.Listener, grpcSrv *grpc.Server, grpcLis net.Listener, timeout time.Duration) error {
	errs := make(chan error, 2)
	go func() {
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http: %w", err)
		}
	}()
	if grpcLis != nil {
		go func() {
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errs <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		obs.Error("server_failed", map[string]any{"error": runErr})
	}
	obs.Info("shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	var shutdownErr error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("http shutdown: %w", err)
	}
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	obs.Info("stopped", nil)
	return errors.Join(runErr, shutdownErr)
}
