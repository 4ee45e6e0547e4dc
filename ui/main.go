package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hemant/titanbroker"
	"github.com/hemant/titanbroker/metrics"
)

func main() {
	redisURI := flag.String("redis", "redis://localhost:6379", "Redis server URI")
	namespace := flag.String("namespace", titanbroker.DefaultNamespace, "Broker namespace to monitor")
	port := flag.Int("port", 8080, "HTTP server port")
	flag.Parse()

	opt, err := titanbroker.ParseRedisURI(*redisURI)
	if err != nil {
		log.Fatalf("Invalid Redis URI %q: %v", *redisURI, err)
	}
	inspector := titanbroker.NewInspector(opt, titanbroker.BrokerConfig{Namespace: *namespace})
	defer inspector.Close()

	// Verify Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := inspector.Namespaces(ctx); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", *redisURI, err)
	}
	cancel()
	log.Printf("Connected to Redis at %s", *redisURI)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewQueueMetricsCollector(inspector),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Setup routes
	mux := http.NewServeMux()
	NewHandler(inspector).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := inspector.Namespaces(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf(":%d", *port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("TitanBroker Monitor starting on http://localhost%s", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
