package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent Record calls across all daemon
// instances sharing the database. The value is arbitrary but must be stable.
const advisoryLockKey = int64(7_421_553_901)

// PostgresLog persists the hash-chained audit log to PostgreSQL.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given connection pool.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Init creates the audit table if needed and seeds the chain anchor entry.
func (l *PostgresLog) Init(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			idx         INTEGER PRIMARY KEY,
			timestamp   TIMESTAMPTZ NOT NULL,
			kind        TEXT NOT NULL,
			root_id     TEXT NOT NULL DEFAULT '',
			device_id   TEXT NOT NULL DEFAULT '',
			witness_ids TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			data_hash   TEXT NOT NULL,
			prev_hash   TEXT NOT NULL,
			hash        TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create audit_log table: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_log (idx, timestamp, kind, data_hash, prev_hash, hash)
		VALUES (0, $1, 'chain_init', $2, $2, $2)
		ON CONFLICT (idx) DO NOTHING`,
		time.Now().UTC(), ChainAnchor,
	)
	if err != nil {
		return fmt.Errorf("seed audit_log chain anchor: %w", err)
	}
	return nil
}

// Record implements Sink. It acquires a transaction-scoped advisory lock,
// reads the chain tail, computes the new entry hash, and inserts it.
func (l *PostgresLog) Record(ctx context.Context, ev Event) (*Entry, error) {
	detailJSON, err := json.Marshal(ev.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshal event detail: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM audit_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read audit log tail: %w", err)
	}

	entry := &Entry{
		Index:      prevIdx + 1,
		Timestamp:  time.Now().UTC(),
		Kind:       ev.Kind,
		RootID:     ev.RootID,
		DeviceID:   ev.DeviceID,
		WitnessIDs: append([]string(nil), ev.WitnessIDs...),
		Reason:     ev.Reason,
		DataHash:   sha256Sum(detailJSON),
		PrevHash:   prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_log (idx, timestamp, kind, root_id, device_id, witness_ids, reason, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.Index, entry.Timestamp, entry.Kind, entry.RootID, entry.DeviceID,
		strings.Join(entry.WitnessIDs, ","), entry.Reason,
		entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}

	l.logger.Debug("audit entry recorded",
		zap.Int("idx", entry.Index),
		zap.String("kind", entry.Kind),
		zap.String("root_id", entry.RootID),
	)
	return entry, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	var witnessIDs string
	if err := l.pool.QueryRow(ctx,
		`SELECT idx, timestamp, kind, root_id, device_id, witness_ids, reason, data_hash, prev_hash, hash
		 FROM audit_log WHERE idx = $1`, index,
	).Scan(
		&entry.Index, &entry.Timestamp, &entry.Kind, &entry.RootID, &entry.DeviceID,
		&witnessIDs, &entry.Reason, &entry.DataHash, &entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	if witnessIDs != "" {
		entry.WitnessIDs = strings.Split(witnessIDs, ",")
	}
	return entry, nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams all rows ordered by idx and validates
// the hash chain. O(n) in log length.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		`SELECT idx, timestamp, kind, root_id, device_id, witness_ids, reason, data_hash, prev_hash, hash
		 FROM audit_log ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		var witnessIDs string
		if err := rows.Scan(
			&curr.Index, &curr.Timestamp, &curr.Kind, &curr.RootID, &curr.DeviceID,
			&witnessIDs, &curr.Reason, &curr.DataHash, &curr.PrevHash, &curr.Hash,
		); err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if witnessIDs != "" {
			curr.WitnessIDs = strings.Split(witnessIDs, ",")
		}

		if prev == nil {
			if curr.Hash != ChainAnchor {
				return fmt.Errorf("seed entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}

		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get audit root: %w", err)
	}
	return hash, nil
}
