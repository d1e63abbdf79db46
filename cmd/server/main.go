/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load the policy table (TOML, optional)
  3. Initialize SQLite store
  4. Wire the engine and API handler
  5. Start the sweep scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: 8080)
  -db        SQLite database path (default: credits.db)
             Use ":memory:" for in-memory database
  -policies  Policy table TOML path (default: built-in policy)
  -sweep     Sweep interval (default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/credits.db"

  # Run with custom policies
  ./server -policies="./config/policies.toml"

SEE ALSO:
  - api/server.go: Router configuration
  - factory/policy.go: Policy table loading
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/factory"
	"github.com/warp/credit-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "credits.db", "SQLite database path")
	policyPath := flag.String("policies", "", "Policy table TOML path (empty = built-in defaults)")
	sweepEvery := flag.Duration("sweep", time.Hour, "Expiration sweep interval")
	flag.Parse()

	// Load policy table
	policy, err := factory.LoadPolicyTable(*policyPath)
	if err != nil {
		log.Fatalf("Failed to load policy table: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the engine
	engine, err := credit.NewEngine(store, policy)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	engine.Bus().Subscribe(func(e credit.Event) {
		log.Printf("[Events] %s user=%s amount=%d balance=%d", e.Type, e.UserID, e.Amount, e.Balance)
	})

	// Create router
	handler := api.NewHandler(engine)
	router := api.NewRouter(handler)

	// Start the sweep scheduler
	scheduler := api.NewSweepScheduler(engine)
	scheduler.CheckInterval = *sweepEvery
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
