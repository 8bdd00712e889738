package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"reliefhub/api/internal/app"
	"reliefhub/api/internal/config"
	"reliefhub/api/internal/coordinator"
	"reliefhub/api/internal/geocode"
	"reliefhub/api/internal/notify"
	"reliefhub/api/internal/search"
	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	backend, redisClient := openBackend(ctx, cfg)
	client := store.NewClient(backend, cfg.StoreTimeout)
	defer client.Close()

	var sharedCache geocode.Cache
	if cfg.GeocodeCacheRedis {
		if redisClient == nil {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				log.Fatalf("GEOCODE_CACHE_REDIS needs a valid REDIS_URL: %v", err)
			}
			opts.ContextTimeoutEnabled = true
			redisClient = redis.NewClient(opts)
			defer redisClient.Close()
		}
		log.Printf("Using Redis for the shared geocode cache")
		sharedCache = geocode.NewRedisCache(redisClient)
	}
	geocoder := geocode.NewAdapter(
		geocode.NewNominatim(cfg.GeocoderURL, cfg.GeocoderUserAgent, cfg.GeocodeTimeout),
		sharedCache,
		geocode.Options{
			RatePerSecond:  cfg.GeocodeRPS,
			Burst:          cfg.GeocodeBurst,
			Attempts:       cfg.GeocodeAttempts,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Timeout:        cfg.GeocodeTimeout,
		},
	)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewScan(client))
	defer searchService.Close()

	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		BaseURL:  cfg.PublicBaseURL,
	})
	if !mailer.IsConfigured() {
		log.Printf("SMTP not configured, volunteer notifications disabled")
	}

	aggregator := stats.NewAggregator()
	opts := coordinator.DefaultOptions()
	opts.Retries = cfg.AssignRetries
	opts.Observers = []coordinator.Observer{searchService, mailer}
	coord := coordinator.New(client, geocoder, aggregator, opts)

	service := app.New(coord, searchService)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (statistics start empty): %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		stats.NewCollector(aggregator),
	)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("ReliefHub API listening on %s (store: %s)", cfg.Addr, cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// openBackend selects the record store. The returned Redis client is non-nil
// only for the redis backend so the geocode cache can share the connection.
func openBackend(ctx context.Context, cfg config.Config) (store.Backend, *redis.Client) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		log.Printf("Using PostgreSQL record store")
		return store.NewPostgresStore(db), nil
	case "redis":
		redisStore, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		log.Printf("Using Redis record store")
		return redisStore, redisStore.Client()
	case "memory", "":
		log.Printf("Using in-memory record store (data is lost on restart)")
		return store.NewMemoryBackend(), nil
	default:
		log.Fatalf("unknown STORE_BACKEND %q (memory, postgres, redis)", cfg.StoreBackend)
		return nil, nil
	}
}
