// Policy document retrieval core server
// Provides the HTTP JSON API plus metrics and profiling endpoints
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nainya/policycore/internal/config"
	"github.com/nainya/policycore/internal/logger"
	"github.com/nainya/policycore/internal/metrics"
	"github.com/nainya/policycore/internal/server"
	"github.com/nainya/policycore/pkg/embedding"
	"github.com/nainya/policycore/pkg/family"
	"github.com/nainya/policycore/pkg/ingest"
	"github.com/nainya/policycore/pkg/retrieval"
	"github.com/nainya/policycore/pkg/store"
)

var (
	httpPort = flag.Int("port", 0, "API port (overrides POLICYCORE_HTTP_PORT)")
	obsPort  = flag.Int("obs-port", 0, "Observability port (overrides POLICYCORE_OBS_PORT)")
	dbPath   = flag.String("db", "", "Database file path (overrides POLICYCORE_DB)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.GetGlobalLogger().Fatal("Invalid configuration").Err(err).Send()
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if *obsPort != 0 {
		cfg.ObsPort = *obsPort
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger.InitGlobalLogger(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	log := logger.GetGlobalLogger()
	log.LogServerStart(cfg.HTTPPort, cfg.DBPath)

	met := metrics.NewMetrics()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open store").Err(err).Send()
	}
	defer st.Close()

	var embedder embedding.Embedder
	if cfg.EmbeddingAPIBase != "" {
		embedder = embedding.NewHTTPEmbedder(cfg.EmbeddingAPIBase, cfg.EmbeddingAPIKey,
			cfg.EmbeddingModel, cfg.EmbeddingDims)
		log.Info("Using remote embedder").
			Str("api_base", cfg.EmbeddingAPIBase).
			Str("model", cfg.EmbeddingModel).
			Send()
	} else {
		embedder = embedding.NewHashingEmbedder(cfg.EmbeddingDims)
		log.Info("Using local hashing embedder").
			Int("dims", cfg.EmbeddingDims).
			Send()
	}

	fam := family.NewManager(st, cfg.FamilyJoinThreshold, log)
	coord := embedding.NewCoordinator(st, embedder, embedding.NewParagraphChunker(), fam,
		embedding.Config{
			Concurrency: cfg.EmbedConcurrency,
			MaxAttempts: cfg.EmbedMaxAttempts,
			BackoffBase: cfg.EmbedBackoffBase,
		}, log, met)
	eng := retrieval.NewEngine(st, coord, embedder, retrieval.Config{
		TopK:             cfg.TopK,
		LatestBoost:      cfg.LatestBoost,
		FamilyResultCap:  cfg.FamilyResultCap,
		MaxEmbedPerQuery: cfg.MaxEmbedPerQuery,
		QueryTimeout:     cfg.QueryTimeout,
	}, log, met)
	ing := ingest.NewService(st, fam, log, met)

	apiServer := server.NewServer(cfg.HTTPPort, st, ing, coord, eng, fam, log, met)
	obsServer := server.NewObservabilityServer(cfg.ObsPort, st, log)

	go func() {
		if err := obsServer.Start(); err != nil {
			log.Error("Observability server error").Err(err).Send()
		}
	}()

	go func() {
		log.LogServerReady(cfg.HTTPPort)
		if err := apiServer.Start(); err != nil {
			log.Fatal("API server error").Err(err).Send()
		}
	}()

	// Periodic maintenance: store-size gauges and family assignment
	// retries for documents left unassigned at ingestion.
	statsDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if docs, families, chunks, err := st.Stats(); err == nil {
					met.UpdateStoreStats(docs, families, chunks)
				}
				if assigned, err := ing.RetryUnassigned(); err != nil {
					log.Warn("Family assignment retry failed").Err(err).Send()
				} else if assigned > 0 {
					log.Info("Assigned orphaned documents to families").
						Int("count", assigned).
						Send()
				}
			case <-statsDone:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.LogServerShutdown()
	close(statsDone)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Error("API server shutdown error").Err(err).Send()
	}
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Error("Observability server shutdown error").Err(err).Send()
	}
}
