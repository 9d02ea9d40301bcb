package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tessera.org/internal/auth"
	"tessera.org/internal/cache/redis"
	"tessera.org/internal/config"
	"tessera.org/internal/httpapi"
	"tessera.org/internal/obs"
	"tessera.org/internal/ratelimit"
	"tessera.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("config: TESSERA_PG_DSN is required")
	}

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	catalog := auth.NewCatalog()
	resolverOpts := []auth.ResolverOption{}
	var cacheCloser interface{ Close() error }
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c, err := redis.New(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		cacheCloser = c
		resolverOpts = append(resolverOpts,
			auth.WithCache(c, cfg.CacheTTL),
			auth.WithCacheObserver(func(hit bool) {
				if hit {
					obs.ObservePermissionCache("hit")
				} else {
					obs.ObservePermissionCache("miss")
				}
			}),
		)
	}
	resolver := auth.NewResolver(store, store, catalog, resolverOpts...)

	limiter := ratelimit.NewLoginLimiter(cfg.LoginRatePerMinute, cfg.LoginBurst)
	defer limiter.Close()

	sink := pg.NewAuditSink(store)

	svc, err := auth.NewService(auth.ServiceConfig{
		Secret:             cfg.TokenSecret,
		Issuer:             cfg.Issuer,
		AccessTTL:          cfg.AccessTTL,
		RefreshTTL:         cfg.RefreshTTL,
		RememberRefreshTTL: cfg.RememberRefreshTTL,
		PasswordCost:       cfg.PasswordCost,
	}, store, store, store, resolver, catalog,
		auth.WithRateLimiter(limiter),
		auth.WithAuditSink(sink),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	guard := auth.NewDelegationGuard(resolver, store, store, auth.WithGuardAudit(sink))

	api := httpapi.New(svc, guard, httpapi.ReadyProbe{DB: store.DB()}, version)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health endpoint for infrastructure probes.
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("tessera.v1.AuthService", healthpb.HealthCheckResponse_SERVING)
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			log.Printf("grpc serve: %v", err)
		}
	}()

	// Periodic cleanup of expired refresh rows.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.SweepExpired(sweepCtx, cfg.SweepGrace)
				if err != nil {
					obs.Event("error", "sweep_failed", map[string]any{"error": err.Error()})
					continue
				}
				if n > 0 {
					obs.Event("info", "sweep_complete", map[string]any{"deleted": n})
				}
			}
		}
	}()

	log.Printf("Starting tessera-api %s on %s (grpc %s)", version, srv.Addr, cfg.GRPCAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	healthSrv.SetServingStatus("tessera.v1.AuthService", healthpb.HealthCheckResponse_NOT_SERVING)
	sweepCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()

	if cacheCloser != nil {
		_ = cacheCloser.Close()
	}
	_ = store.Close()
	log.Println("Stopped")
}
