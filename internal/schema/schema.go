// Package schema bootstraps the pipeline's tables on start. All statements
// are idempotent, so running Ensure against a provisioned database is a
// no-op.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Tables carries the config-driven table names. The checkpoint table name
// is fixed; one row per pipeline lives there regardless of config.
type Tables struct {
	Events  string
	Quality string
	Rollups string
}

// Ensure creates the pipeline's tables and indexes if missing. Failures are
// logged rather than fatal: a locked-down database role may not hold DDL
// rights, and the first commit surfaces anything actually broken.
func Ensure(db *sql.DB, t Tables) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		// Durable event store. event_id is the idempotency key; the upsert
		// path depends on this primary key for ON CONFLICT.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id         VARCHAR(100) PRIMARY KEY,
			event_type       VARCHAR(50) NOT NULL,
			product_id       VARCHAR(100) NOT NULL,
			product_name     VARCHAR(500) NOT NULL,
			category         VARCHAR(100) NOT NULL,
			brand            VARCHAR(100),
			sku              VARCHAR(100),
			price            NUMERIC(12,2) NOT NULL,
			customer_id      VARCHAR(100) NOT NULL,
			customer_email   VARCHAR(320),
			customer_name    VARCHAR(200),
			customer_address TEXT,
			session_id       VARCHAR(100) NOT NULL,
			user_agent       TEXT,
			ip_address       VARCHAR(45),
			price_category   VARCHAR(20),
			device_type      VARCHAR(20),
			event_timestamp  TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at       TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at       TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(event_timestamp)`, t.Events, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_type ON %s(event_type)`, t.Events, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_customer ON %s(customer_id)`, t.Events, t.Events),

		// One checkpoint row per pipeline. batch_seq only ever moves forward;
		// the advance statement enforces that, not the schema.
		`CREATE TABLE IF NOT EXISTS pipeline_checkpoints (
			pipeline     VARCHAR(100) PRIMARY KEY,
			batch_seq    BIGINT NOT NULL,
			batch_id     VARCHAR(64) NOT NULL,
			last_source  VARCHAR(500),
			committed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		// Append-only quality reports. Replays add rows; readers take the
		// latest per (batch_id, status).
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id                 UUID PRIMARY KEY,
			pipeline           VARCHAR(100) NOT NULL,
			batch_id           VARCHAR(64) NOT NULL,
			batch_seq          BIGINT NOT NULL,
			status             VARCHAR(20) NOT NULL,
			total_records      INT DEFAULT 0,
			valid_records      INT DEFAULT 0,
			invalid_records    INT DEFAULT 0,
			duplicate_records  INT DEFAULT 0,
			null_field_records INT DEFAULT 0,
			dup_in_batch       INT DEFAULT 0,
			dup_in_store       INT DEFAULT 0,
			sources_skipped    INT DEFAULT 0,
			rule_breakdown     JSONB,
			event_type_counts  JSONB,
			price_min          NUMERIC(12,2),
			price_max          NUMERIC(12,2),
			price_avg          NUMERIC(12,2),
			started_at         TIMESTAMP WITH TIME ZONE,
			duration_ms        BIGINT,
			created_at         TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`, t.Quality),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_batch ON %s(batch_id)`, t.Quality, t.Quality),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at DESC)`, t.Quality, t.Quality),

		// Hourly aggregates, fully rewritten each refresh.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			bucket           TIMESTAMP WITH TIME ZONE NOT NULL,
			event_type       VARCHAR(50) NOT NULL,
			category         VARCHAR(100) NOT NULL,
			event_count      BIGINT DEFAULT 0,
			unique_customers BIGINT DEFAULT 0,
			unique_sessions  BIGINT DEFAULT 0,
			avg_price        NUMERIC(12,2),
			revenue          NUMERIC(14,2) DEFAULT 0,
			first_event      TIMESTAMP WITH TIME ZONE,
			last_event       TIMESTAMP WITH TIME ZONE,
			refreshed_at     TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (bucket, event_type, category)
		)`, t.Rollups),
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Printf("[Schema] ensure warning: %v", err)
		}
	}
}
