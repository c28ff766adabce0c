package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radix-relay/bridge-core/internal/bridge"
	"github.com/radix-relay/bridge-core/internal/config"
	"github.com/radix-relay/bridge-core/internal/metrics"
)

func main() {
	cfg := config.Load()

	log.Printf("starting bridge core against %s", cfg.DBPath)

	b, err := bridge.NewWithConfig(cfg)
	if err != nil {
		log.Fatalf("failed to start bridge: %v", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Printf("warning: failed to close bridge: %v", err)
		}
	}()

	b.StartKeyRotationScheduler(cfg.RotationInterval / 4)

	router := http.NewServeMux()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", metrics.Handler())

	addr := os.Getenv("BRIDGE_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("serving metrics on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server failed: %v", err)
		}
	}()

	log.Printf("bridge core ready, fingerprint=%s", b.Fingerprint())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down bridge core")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("warning: metrics server shutdown error: %v", err)
	}
}
