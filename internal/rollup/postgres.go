package rollup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const insertChunkSize = 500

// PostgresStore keeps the rollups next to the events. DELETE plus INSERT in
// one transaction: readers see either the previous snapshot or the new one,
// never a half-replaced table.
type PostgresStore struct {
	db    *sql.DB
	table string
}

func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: table}
}

func (s *PostgresStore) Replace(ctx context.Context, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}

	for i := 0; i < len(rows); i += insertChunkSize {
		end := i + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertChunk(ctx, tx, rows[i:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertChunk(ctx context.Context, tx *sql.Tx, rows []Row) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (
		bucket, event_type, category, event_count, unique_customers, unique_sessions,
		avg_price, revenue, first_event, last_event, refreshed_at
	) VALUES `, s.table)

	const paramsPerRow = 10
	args := make([]interface{}, 0, len(rows)*paramsPerRow)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * paramsPerRow
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, NOW())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args,
			row.Bucket, row.EventType, row.Category,
			row.EventCount, row.UniqueCustomers, row.UniqueSessions,
			row.AvgPrice, row.Revenue, row.FirstEvent, row.LastEvent)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert rollup chunk: %w", err)
	}
	return nil
}
