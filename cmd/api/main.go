package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/config"
	"ez4u.app/internal/httpapi"
	"ez4u.app/internal/migrate"
	"ez4u.app/internal/obs"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/resource"
	"ez4u.app/internal/seed"
	"ez4u.app/internal/sso"
	"ez4u.app/internal/store/memory"
	"ez4u.app/internal/store/pg"
	"ez4u.app/internal/tenancy"
	"ez4u.app/internal/throttle"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is everything the services need from storage.
type backend interface {
	auth.UserStore
	tenancy.Store
	rbac.Store
	resource.Store
	Ping(ctx context.Context) error
}

func main() {
	log := obs.Logger()
	if err := run(); err != nil {
		log.WithError(err).Fatal("api stopped")
	}
	log.Info("stopped")
}

func run() error {
	log := obs.Logger()
	if err := config.LoadDotenv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    "ez4u-api",
		ServiceVersion: version,
		Insecure:       cfg.Dev(),
	})
	if err != nil {
		log.WithError(err).Warn("tracing unavailable")
	}

	key, fallback, err := auth.LoadSigningKey(cfg.AuthSecret, cfg.Dev())
	if err != nil {
		return err
	}
	if fallback {
		log.Warn("EZ4U_AUTH_SECRET not set; using the development signing key")
	}
	tokens, err := auth.NewTokenService(key, auth.WithTokenTTL(cfg.TokenTTL), auth.WithTokenIssuer(cfg.TokenIssuer))
	if err != nil {
		return err
	}

	var (
		store    backend
		inMemory bool
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		pending, err := migrate.NewManager(pgStore.DB()).Pending(ctx)
		if err != nil {
			log.WithError(err).Warn("migration status unavailable")
		} else if len(pending) > 0 {
			log.WithField("pending", pending).Warn("database has pending migrations; run migrate up")
		}
		store = pgStore
	} else {
		log.Warn("EZ4U_PG_DSN not set; using the in-memory store")
		store = memory.New()
		inMemory = true
	}

	limits := throttle.Config{MaxAttempts: cfg.LoginMaxAttempts, Window: cfg.LoginWindow}
	var (
		limiter      auth.AttemptLimiter
		throttlePing httpapi.Pinger
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		rl := throttle.NewRedis(client, limits, "ez4u:login")
		limiter, throttlePing = rl, rl
	} else {
		limiter = throttle.NewLocal(limits)
	}

	authSvc, err := auth.NewService(store, tokens, auth.WithAttemptLimiter(limiter))
	if err != nil {
		return err
	}
	graph, err := tenancy.NewGraph(store)
	if err != nil {
		return err
	}
	admin, err := rbac.NewAdmin(store)
	if err != nil {
		return err
	}
	engine, err := rbac.NewEngine(store)
	if err != nil {
		return err
	}
	enforcer, err := rbac.NewEnforcer(engine)
	if err != nil {
		return err
	}
	directory, err := rbac.NewDirectory(store)
	if err != nil {
		return err
	}
	resources, err := resource.NewService(store)
	if err != nil {
		return err
	}
	if err := admin.EnsureBuiltins(ctx); err != nil {
		return err
	}

	if inMemory {
		if err := seedMemory(ctx, cfg, authSvc, graph, admin, store); err != nil {
			return err
		}
	}

	providers, err := sso.Discover(ctx, cfg.OIDCProviders)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{Store: store, Throttle: throttlePing}
	api, err := httpapi.New(httpapi.Deps{
		Auth:      authSvc,
		Tenants:   graph,
		Enforcer:  enforcer,
		Admin:     admin,
		Directory: directory,
		Resources: resources,
		SSO:       providers,
		Ready:     probe,
	},
		httpapi.WithVersion(version),
		httpapi.WithCookieSecure(cfg.CookieSecure),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithAllowedOrigins(cfg.CORSOrigins...),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(probe).Register(grpcSrv)
		go func() {
			log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracing shutdown")
		}
	}
	return nil
}

// seedMemory loads the demo fixture (or EZ4U_SEED_FIXTURE) into a fresh in-memory store.
func seedMemory(ctx context.Context, cfg config.Config, users *auth.Service, graph *tenancy.Graph, admin *rbac.Admin, store resource.Store) error {
	fixture, err := seed.Load(cfg.SeedFixture)
	if err != nil {
		return err
	}
	seeder, err := seed.New(users, graph, admin, store)
	if err != nil {
		return err
	}
	_, err = seeder.Apply(ctx, fixture)
	return err
}
