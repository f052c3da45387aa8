package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/ecommerce-ingest/internal/admin"
	"github.com/ignite/ecommerce-ingest/internal/checkpoint"
	"github.com/ignite/ecommerce-ingest/internal/config"
	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/metrics"
	"github.com/ignite/ecommerce-ingest/internal/pipeline"
	"github.com/ignite/ecommerce-ingest/internal/pkg/distlock"
	"github.com/ignite/ecommerce-ingest/internal/pkg/logger"
	"github.com/ignite/ecommerce-ingest/internal/pkg/retry"
	"github.com/ignite/ecommerce-ingest/internal/quality"
	"github.com/ignite/ecommerce-ingest/internal/rollup"
	"github.com/ignite/ecommerce-ingest/internal/schema"
	"github.com/ignite/ecommerce-ingest/internal/sink"
	"github.com/ignite/ecommerce-ingest/internal/source"
	"github.com/ignite/ecommerce-ingest/internal/validate"
)

func main() {
	log.Println("Starting Ecommerce Ingest Pipeline...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(!cfg.Log.DisableEmailRedaction)

	// Database connection
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	// Verify connection
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	schema.Ensure(db, schema.Tables{
		Events:  cfg.Sink.Table,
		Quality: cfg.Quality.Table,
		Rollups: cfg.Rollup.Table,
	})

	// Redis is optional; without it the writer lease falls back to a PG
	// advisory lock.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v, falling back to PG advisory lock", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	} else {
		log.Println("Redis not configured, using PG advisory lock for the writer lease")
	}

	// Writer lease: exactly one process may advance this pipeline's
	// checkpoint. A second start exits instead of forking the lineage.
	lease := distlock.New(redisClient, db, cfg.Lease.Key, cfg.Lease.TTL())
	keeper, err := distlock.Hold(context.Background(), lease, cfg.Lease.TTL())
	if err != nil {
		log.Fatalf("Failed to acquire writer lease %q: %v", cfg.Lease.Key, err)
	}
	metrics.LeaseHeld.Set(1)
	log.Printf("Writer lease %q acquired (ttl=%s)", cfg.Lease.Key, cfg.Lease.TTL())

	policy := retry.Policy{
		MaxAttempts: cfg.Sink.Retry.MaxAttempts,
		Initial:     cfg.Sink.Retry.Initial(),
		Max:         cfg.Sink.Retry.Max(),
	}

	// Resume point
	cpStore := checkpoint.NewStore(db, policy)
	cp, err := cpStore.Load(context.Background(), cfg.Pipeline.Name)
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}
	if cp.IsZero() {
		log.Printf("No checkpoint for pipeline %s, starting from the beginning", cfg.Pipeline.Name)
	} else {
		log.Printf("Resuming pipeline %s after %q (seq %d)", cfg.Pipeline.Name, cp.LastSource, cp.Seq)
		metrics.CheckpointSeq.Set(float64(cp.Seq))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := newWatcher(ctx, cfg, cp)
	if err != nil {
		log.Fatalf("Failed to open %s source: %v", cfg.Source.Type, err)
	}
	defer watcher.Close()
	log.Printf("Watching %s source (poll=%s, max_files=%d)", cfg.Source.Type, cfg.Source.Poll(), cfg.Source.MaxBatchFiles)

	// Quality reports ride behind the hot path
	emitter := quality.NewEmitter(quality.NewStore(db, cfg.Quality.Table, cfg.Pipeline.Name), cfg.Quality.BufferSize)
	emitter.Start()

	// Rollup refresher (optional)
	if cfg.Rollup.Enabled {
		refresher := rollup.NewRefresher(db, newRollupStore(db, cfg), cfg.Sink.Table, cfg.Rollup.Interval())
		go refresher.Start(ctx)
		log.Printf("Rollup refresher started (every %s into %s)", cfg.Rollup.Interval(), cfg.Rollup.Table)
	}

	// Admin endpoints
	adminSrv := admin.New(cfg.Admin.GetHost(), cfg.Admin.Port, func(ctx context.Context) (any, error) {
		latest, err := cpStore.Load(ctx, cfg.Pipeline.Name)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"pipeline":   cfg.Pipeline.Name,
			"checkpoint": latest,
			"lease_held": keeper.Err() == nil,
		}, nil
	})
	adminSrv.Start()
	log.Printf("Admin server on %s:%d (/healthz, /metrics, /status)", cfg.Admin.GetHost(), cfg.Admin.Port)

	// The batch loop
	writer := sink.NewWriter(db, cfg.Sink.Table, cfg.Sink.ChunkSize, policy)
	validator := validate.New(cfg.Pipeline.MaxPrice, cfg.Pipeline.FutureSkew())
	runner := pipeline.New(pipeline.Config{
		Pipeline:          cfg.Pipeline.Name,
		Workers:           cfg.Pipeline.ValidationWorkers,
		ContinueOnFailure: cfg.Pipeline.ContinueOnFailure,
		SummaryEvery:      cfg.Pipeline.SummaryEveryBatches,
	}, watcher, validator, writer, cpStore, emitter, keeper.Lost())

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()
	log.Println("Pipeline running...")

	// Wait for interrupt signal or the runner stopping on its own
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var exitErr error
	select {
	case sig := <-quit:
		log.Printf("Received %s, shutting down...", sig)
		cancel()
		// An in-flight batch finishes its commit and checkpoint first.
		exitErr = <-runErr
	case exitErr = <-runErr:
		cancel()
	}

	log.Println("Draining quality reports...")
	emitter.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: admin server shutdown: %v", err)
	}
	metrics.LeaseHeld.Set(0)
	if err := keeper.Release(shutdownCtx); err != nil {
		log.Printf("Warning: lease release failed: %v", err)
	}
	shutdownCancel()

	if exitErr != nil {
		log.Fatalf("Pipeline stopped with error: %v", exitErr)
	}
	log.Println("Pipeline stopped")
}

// newWatcher builds the configured source backend, resuming after the
// checkpoint's cursor.
func newWatcher(ctx context.Context, cfg *config.Config, cp domain.Checkpoint) (source.Watcher, error) {
	startSeq := cp.Seq + 1
	switch cfg.Source.Type {
	case "fs":
		return source.NewFS(source.FSConfig{
			Dir:      cfg.Source.FS.Dir,
			Pattern:  cfg.Source.FS.Pattern,
			Poll:     cfg.Source.Poll(),
			MaxFiles: cfg.Source.MaxBatchFiles,
			MaxBytes: cfg.Source.MaxBatchBytes,
			After:    cp.LastSource,
			StartSeq: startSeq,
		}), nil
	case "s3":
		return source.NewS3(ctx, source.S3Config{
			Bucket:     cfg.Source.S3.Bucket,
			Prefix:     cfg.Source.S3.Prefix,
			Region:     cfg.Source.S3.Region,
			AWSProfile: cfg.Source.S3.GetAWSProfile(),
			Poll:       cfg.Source.Poll(),
			MaxFiles:   cfg.Source.MaxBatchFiles,
			MaxBytes:   cfg.Source.MaxBatchBytes,
			After:      cp.LastSource,
			StartSeq:   startSeq,
		})
	case "amqp":
		return source.NewAMQP(source.AMQPConfig{
			URL:        cfg.Source.AMQP.URL,
			Queue:      cfg.Source.AMQP.Queue,
			Prefetch:   cfg.Source.AMQP.Prefetch,
			MaxRecords: cfg.Source.MaxBatchRecords,
			StartSeq:   startSeq,
		})
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

// newRollupStore picks the aggregate backend. A ClickHouse mirror that
// cannot be reached degrades to Postgres with a warning rather than
// holding up ingestion.
func newRollupStore(db *sql.DB, cfg *config.Config) rollup.Store {
	if cfg.Rollup.Store == "clickhouse" {
		ch, err := rollup.NewClickHouseStore(rollup.ClickHouseConfig{
			Host:     cfg.Rollup.ClickHouse.Host,
			Port:     cfg.Rollup.ClickHouse.Port,
			Database: cfg.Rollup.ClickHouse.Database,
			Username: cfg.Rollup.ClickHouse.Username,
			Password: cfg.Rollup.ClickHouse.Password,
			Table:    cfg.Rollup.Table,
		})
		if err != nil {
			log.Printf("Warning: ClickHouse rollup store unavailable: %v, using Postgres", err)
		} else {
			return ch
		}
	}
	return rollup.NewPostgresStore(db, cfg.Rollup.Table)
}
