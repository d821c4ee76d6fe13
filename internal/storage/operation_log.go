package storage

import (
	"context"
	"fmt"

	"github.com/defi-lever/internal/types"
)

// operationLogSchema is the append-only audit table. ClickHouse fits this
// workload: writes dominate, rows are immutable, and queries are time-ranged.
const operationLogSchema = `
CREATE TABLE IF NOT EXISTS operation_log (
    id           String,
    market       LowCardinality(String),
    kind         LowCardinality(String),
    owner        String,
    asset_id     String,
    amount       String,
    multiplier   Float64,
    success      UInt8,
    dry_run      UInt8,
    tx_id        String,
    error        String,
    created_at   DateTime64(3, 'UTC')
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(created_at)
ORDER BY (market, owner, created_at)
TTL toDateTime(created_at) + INTERVAL 1 YEAR
`

// OperationLog records every build, preview and execution attempt to
// ClickHouse. It implements client.OperationRecorder.
type OperationLog struct {
	db *ClickHouseDB
}

// NewOperationLog creates the operation log and ensures its table exists
func NewOperationLog(ctx context.Context, db *ClickHouseDB) (*OperationLog, error) {
	if db == nil {
		return nil, fmt.Errorf("clickhouse connection is required")
	}
	if err := db.Exec(ctx, operationLogSchema); err != nil {
		return nil, fmt.Errorf("failed to create operation_log table: %w", err)
	}
	return &OperationLog{db: db}, nil
}

// RecordOperation appends one audit row
func (l *OperationLog) RecordOperation(ctx context.Context, record *types.OperationRecord) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	return l.db.Exec(ctx, `
		INSERT INTO operation_log
			(id, market, kind, owner, asset_id, amount, multiplier, success, dry_run, tx_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		string(record.Market),
		record.Kind,
		record.Owner,
		record.AssetID,
		record.Amount,
		record.Multiplier,
		boolToUInt8(record.Success),
		boolToUInt8(record.DryRun),
		record.TxID,
		record.Error,
		record.CreatedAt,
	)
}

// RecentOperations returns the latest audit rows for an owner, newest first
func (l *OperationLog) RecentOperations(ctx context.Context, owner string, limit int) ([]*types.OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Conn().Query(ctx, `
		SELECT id, market, kind, owner, asset_id, amount, multiplier, success, dry_run, tx_id, error, created_at
		FROM operation_log
		WHERE owner = ?
		ORDER BY created_at DESC
		LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation_log: %w", err)
	}
	defer rows.Close()

	var records []*types.OperationRecord
	for rows.Next() {
		var (
			rec             types.OperationRecord
			market          string
			success, dryRun uint8
		)
		if err := rows.Scan(
			&rec.ID, &market, &rec.Kind, &rec.Owner, &rec.AssetID, &rec.Amount,
			&rec.Multiplier, &success, &dryRun, &rec.TxID, &rec.Error, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan operation_log row: %w", err)
		}
		rec.Market = types.MarketID(market)
		rec.Success = success != 0
		rec.DryRun = dryRun != 0
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
