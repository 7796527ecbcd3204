package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/optimizely/optimizely-edge-agent/internal/api"
	"github.com/optimizely/optimizely-edge-agent/internal/config"
	"github.com/optimizely/optimizely-edge-agent/internal/datafile"
	"github.com/optimizely/optimizely-edge-agent/internal/edge"
	"github.com/optimizely/optimizely-edge-agent/internal/engine"
	"github.com/optimizely/optimizely-edge-agent/internal/platform"
	"github.com/optimizely/optimizely-edge-agent/internal/store"
	"github.com/optimizely/optimizely-edge-agent/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	kv, err := store.New(ctx, cfg.KVBackend, store.Options{
		MemoryQuotaMB: cfg.MemoryQuotaMB,
		PostgresDSN:   cfg.PostgresDSN,
		S3: store.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		},
	})
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer kv.Close()

	adapter, err := platform.New(cfg.Platform, kv, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		log.Fatalf("platform: %v", err)
	}
	log.Printf("[server] platform=%s kv=%s", adapter.Name(), cfg.KVBackend)

	datafiles := datafile.NewManager(adapter, cfg.DatafileURLTemplate, cfg.AuthDatafileURLTemplate)
	engines := engine.NewCache(engine.Options{Profiles: engine.NewProfiles(kv)})

	pipeline := edge.NewHandler(adapter, datafiles, engines, edge.NewHooks(), edge.HandlerOptions{
		DefaultSDKKey:       cfg.SDKKey,
		StrictURLMatch:      cfg.StrictURLMatch,
		DefaultCacheTTL:     time.Duration(cfg.DefaultCacheTTL) * time.Second,
		CookieExpiry:        time.Duration(cfg.CookieExpiryDays) * 24 * time.Hour,
		EventsEndpoint:      cfg.EventsEndpoint,
		EventFlushThreshold: cfg.EventFlushThreshold,
	})

	srvAPI := api.NewServer(adapter, datafiles, engines, pipeline, cfg.SDKKey, cfg.ManagementAPIURL, cfg.RateLimitPerIP)

	telemetry.Init()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		log.Printf("[server] metrics on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[server] metrics server: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srvAPI.Router(),
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("[server] listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	adapter.Drain()
	log.Println("stopped")
}
