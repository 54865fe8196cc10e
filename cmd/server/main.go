/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the booking engine server: configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment configuration
  2. Initialize tracing (no-op without an OTLP endpoint)
  3. Open the shared SQLite store
  4. Connect the CRM adapter (or the in-memory fake with -dev)
  5. Wire capacity cache, credit ledger, idempotency guard, events
  6. Start the HTTP server; stop on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH; ":memory:" works)
  -dev     use the in-memory CRM fake instead of CRM_BASE_URL

ENVIRONMENT:
  See config/config.go for the full list (CRM_BASE_URL, CRM_TOKEN,
  AMQP_URL, COUNTER_TTL, CLAIM_TTL, RECONCILE_INTERVAL, ...).

SEE ALSO:
  - api/server.go: router configuration
  - store/sqlite/sqlite.go: shared storage
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/booking-engine/api"
	"github.com/warp/booking-engine/booking"
	"github.com/warp/booking-engine/capacity"
	"github.com/warp/booking-engine/config"
	"github.com/warp/booking-engine/credits"
	"github.com/warp/booking-engine/crm"
	"github.com/warp/booking-engine/idempotency"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/obs"
	"github.com/warp/booking-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	dev := flag.Bool("dev", false, "use the in-memory CRM fake")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := obs.InitTracer(ctx, "booking-engine", cfg.OTLPEndpoint, cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracer(context.Background())

	// Shared storage
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// System of record
	var source booking.SourceOfRecord
	var capSource capacity.Source
	if *dev || cfg.CRMBaseURL == "" {
		if !*dev {
			log.Println("CRM_BASE_URL not set; falling back to the in-memory CRM fake")
		}
		fake := crm.NewFake()
		source, capSource = fake, fake
	} else {
		client := crm.NewClient(cfg.CRMBaseURL, cfg.CRMToken, cfg.CRMTimeout)
		source, capSource = client, client
	}

	// Events
	var events booking.Publisher
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("Failed to connect AMQP: %v", err)
		}
		defer publisher.Close()
		events = publisher
	} else {
		events = notify.NewBus()
	}

	// Kernel
	cache := capacity.NewCache(store, capSource, cfg.CounterTTL)
	if cfg.ReconcileInterval > 0 {
		cache.StartReconciler(ctx, cfg.ReconcileInterval)
	}
	ledger := credits.NewLedger(store, credits.DefaultPoolPolicy())
	guard := idempotency.NewGuard(store, cfg.ClaimTTL)
	coordinator := booking.NewCoordinator(guard, cache, ledger, source, store, events)

	// HTTP
	router := api.NewRouter(api.NewHandler(coordinator))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
