package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/streamledger/chatstream/internal/archive"
	archivepg "github.com/streamledger/chatstream/internal/archive/postgres"
	archivesql "github.com/streamledger/chatstream/internal/archive/sqlite"
	"github.com/streamledger/chatstream/internal/codec"
	"github.com/streamledger/chatstream/internal/config"
	"github.com/streamledger/chatstream/internal/coordinator"
	"github.com/streamledger/chatstream/internal/httpserver"
	"github.com/streamledger/chatstream/internal/hub"
	"github.com/streamledger/chatstream/internal/ledger"
	"github.com/streamledger/chatstream/internal/logging"
	"github.com/streamledger/chatstream/internal/metrics"
	"github.com/streamledger/chatstream/internal/provider"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Initialize rotating file logging (default enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	logTarget := strings.TrimSpace(cfg.LogFile)
	if logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[chatstreamd] ")

	rates := ledger.DefaultRateTable()
	if cfg.RatesFile != "" {
		if loaded, err := ledger.LoadRateTable(cfg.RatesFile); err == nil {
			rates = loaded
		} else if errors.Is(err, os.ErrNotExist) {
			log.Printf("rates file %s missing, charging 1 credit/token", cfg.RatesFile)
		} else {
			log.Fatalf("load rate table: %v", err)
		}
	}
	log.Printf("rate table ready: default=%.2f credits/token", rates.Rate(""))

	ledgerClient, err := ledger.NewClient(cfg.LedgerBaseURL, nil)
	if err != nil {
		log.Fatalf("ledger client: %v", err)
	}
	ledgerClient.SetLogger(log.New(log.Writer(), "[chatstreamd/ledger] ", log.LstdFlags|log.Lmicroseconds))
	if cfg.LedgerAuthToken != "" {
		ledgerClient.SetAuthToken(cfg.LedgerAuthToken)
	}

	providerClient, err := provider.New(provider.Config{
		APIKey:         cfg.ProviderAPIKey,
		BaseURL:        cfg.ProviderBaseURL,
		RequestTimeout: cfg.ProviderRequestTimeout,
	})
	if err != nil {
		log.Fatalf("provider client: %v", err)
	}

	var store archive.Store
	switch cfg.ArchiveDriver {
	case "postgres":
		store, err = archivepg.New(cfg.ArchiveDSN, cfg.ArchiveMaxOpen, cfg.ArchiveMaxIdle, cfg.ArchiveConnLife, cfg.ArchiveConnIdle)
	default:
		store, err = archivesql.New(cfg.ArchivePath)
	}
	if err != nil {
		log.Fatalf("open archive (%s): %v", cfg.ArchiveDriver, err)
	}
	defer store.Close()

	collector := metrics.NewCollector()
	sessionHub := hub.New(log.New(log.Writer(), "[chatstreamd/hub] ", log.LstdFlags|log.Lmicroseconds))
	sessionHub.SetObserverDropHook(collector.RecordObserverDropped)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	coord := coordinator.New(baseCtx, ledgerClient, providerClient, codec.NewRegistry(), sessionHub, coordinator.Config{
		MaxStreamDuration:       cfg.MaxStreamDuration,
		ConnectRetries:          cfg.ConnectRetries,
		RetryBackoff:            cfg.RetryBackoff,
		ResponseTokenAssumption: int64(cfg.ResponseTokenAssumption),
		ContinueForObservers:    cfg.ContinueForObservers,
	})
	coord.SetLogger(log.New(log.Writer(), "[chatstreamd/coord] ", log.LstdFlags|log.Lmicroseconds))
	coord.SetArchiver(store)
	coord.SetMetrics(collector)

	httpSrv := httpserver.New(coord, sessionHub)
	httpSrv.SetArchive(store)
	httpSrv.SetCollector(collector)
	httpSrv.SetObserverQueueSize(cfg.ObserverQueueSize)
	httpSrv.SetLogger(log.New(log.Writer(), "[chatstreamd/http] ", log.LstdFlags|log.Lmicroseconds))

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE streams stay open for the full session.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("chatstream server listening on %s env=%s archive=%s", srv.Addr, cfg.Environment, cfg.ArchiveDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	log.Printf("shutdown signal received")

	// Stop accepting new work, then cancel live sessions so each settles
	// through its abort path.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coord.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
