package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig locates the optional analytics mirror.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouseStore mirrors the rollup snapshot into ClickHouse. ClickHouse
// has no multi-statement transactions, so a refresh is truncate-then-load;
// analytics readers tolerate the brief gap.
type ClickHouseStore struct {
	conn     driver.Conn
	database string
	table    string
}

func NewClickHouseStore(cfg ClickHouseConfig) (*ClickHouseStore, error) {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		DialTimeout:  time.Second * 30,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseStore{conn: conn, database: cfg.Database, table: cfg.Table}, nil
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func (s *ClickHouseStore) Replace(ctx context.Context, rows []Row) error {
	if err := s.conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE IF EXISTS %s.%s", s.database, s.table)); err != nil {
		return fmt.Errorf("truncate %s: %w", s.table, err)
	}
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s.%s (
			bucket, event_type, category, event_count, unique_customers, unique_sessions,
			avg_price, revenue, first_event, last_event, refreshed_at
		)
	`, s.database, s.table)

	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare rollup batch: %w", err)
	}
	refreshedAt := time.Now()
	for _, row := range rows {
		if err := batch.Append(
			row.Bucket, row.EventType, row.Category,
			row.EventCount, row.UniqueCustomers, row.UniqueSessions,
			row.AvgPrice, row.Revenue, row.FirstEvent, row.LastEvent,
			refreshedAt,
		); err != nil {
			return fmt.Errorf("append rollup row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send rollup batch: %w", err)
	}
	return nil
}
