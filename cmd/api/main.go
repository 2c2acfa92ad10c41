package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/auth"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/httpapi"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/obs"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/permcache"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/store/pg"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/stream"
)

// Overridden at build time via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "1.2.0"
	commit  = "unknown"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("VTAPI_PG_DSN")
	if dsn == "" {
		log.Fatal("missing VTAPI_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Permission cache: Redis when configured, in-process fallback otherwise.
	var cache permcache.Cache
	if addr := os.Getenv("VTAPI_REDIS_ADDR"); addr != "" {
		redisCache, err := permcache.Open(ctx, addr, 5*time.Minute)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		cache = redisCache
	} else {
		cache = permcache.NewMemory(5 * time.Minute)
	}

	events := stream.New()

	store, err := pg.Open(dsn,
		pg.WithPermissionCache(cache),
		pg.WithMutationPublisher(events.Publish),
	)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if err := store.DB().PingContext(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		ReadyProbe:  httpapi.ReadyProbe{DB: store.DB()},
		Version:     version,
		Store:       store,
		Credentials: store,
		Tokens:      auth.NewTokenService(store.RefreshTokens()),
		Roles:       permcache.NewResolver(cache, store.UserOrganizations()),
		Stream:      events,
	})

	handler := httpapi.Logging(
		httpapi.SecurityHeaders(
			httpapi.CORS(
				httpapi.MaxBodyBytes(
					httpapi.RateLimit(api.Handler(), 50, 25),
					1<<20,
				),
			),
		),
	)

	addr := os.Getenv("VTAPI_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long write timeout so SSE subscribers are not cut off
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting vtapi %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
