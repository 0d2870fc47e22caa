package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"mqtt-capture/internal/capture"
)

// SQLiteWriter stores records in a "captures" table. Records written
// between flushes share one transaction.
type SQLiteWriter struct {
	db      *sql.DB
	tx      *sql.Tx
	pending int // records in the open transaction
}

var _ BufferedWriter = (*SQLiteWriter)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	w := &SQLiteWriter{db: db}
	if err := w.initTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS captures (
            sequence INTEGER PRIMARY KEY,
            timestamp TEXT NOT NULL,
            broker_id TEXT NOT NULL,
            topic TEXT NOT NULL,
            payload BLOB,
            payload_size INTEGER NOT NULL,
            qos INTEGER NOT NULL,
            retain INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS captures_broker_topic ON captures (broker_id, topic);`,
	}

	for _, query := range queries {
		if _, err := w.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to initialize sqlite schema: %w", err)
		}
	}
	return nil
}

func (w *SQLiteWriter) Write(ctx context.Context, rec capture.Record) error {
	w.pending++
	if w.tx == nil {
		tx, err := w.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		w.tx = tx
	}

	_, err := w.tx.ExecContext(ctx,
		`INSERT INTO captures (sequence, timestamp, broker_id, topic, payload, payload_size, qos, retain)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.Sequence),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.BrokerID,
		rec.Topic,
		rec.Payload,
		rec.PayloadSize,
		int(rec.QoS),
		rec.Retain,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %d: %w", rec.Sequence, err)
	}
	return nil
}

func (w *SQLiteWriter) Flush(context.Context) error {
	if w.tx == nil {
		return nil
	}
	tx := w.tx
	w.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	w.pending = 0
	return nil
}

// Buffered returns how many records are in the uncommitted transaction.
func (w *SQLiteWriter) Buffered() int { return w.pending }

// Discard rolls back the open transaction.
func (w *SQLiteWriter) Discard() {
	if w.tx != nil {
		_ = w.tx.Rollback()
		w.tx = nil
	}
	w.pending = 0
}

func (w *SQLiteWriter) LastSequence(ctx context.Context) (uint64, error) {
	var last int64
	err := w.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM captures`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to query last sequence: %w", err)
	}
	return uint64(last), nil
}

func (w *SQLiteWriter) Close(ctx context.Context) error {
	flushErr := w.Flush(ctx)
	if err := w.db.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}

// Records returns the stored records in sequence order. Pending records
// must be flushed first.
func (w *SQLiteWriter) Records(ctx context.Context) ([]capture.Record, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT sequence, timestamp, broker_id, topic, payload, payload_size, qos, retain
         FROM captures ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capture.Record
	for rows.Next() {
		var (
			rec capture.Record
			seq int64
			ts  string
			qos int
		)
		if err := rows.Scan(&seq, &ts, &rec.BrokerID, &rec.Topic, &rec.Payload, &rec.PayloadSize, &qos, &rec.Retain); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		rec.Sequence = uint64(seq)
		rec.QoS = byte(qos)
		out = append(out, rec)
	}
	return out, rows.Err()
}
