// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/flume-telemetry/flume/lib/chunk"
	"github.com/flume-telemetry/flume/lib/clock"
	"github.com/flume-telemetry/flume/lib/codec"
	"github.com/flume-telemetry/flume/lib/sqlitepool"
)

// DurableQueue is the sensor's crash-safe outbound chunk queue,
// backed by SQLite. Sequences come from AUTOINCREMENT, so they are
// strictly increasing and never reused even across deletes and
// process restarts. A chunk stays in the queue until the collector's
// committed position covers its sequence; delivery attempts only
// update metadata.
//
// One logical writer (the ingest handler enqueues, the dispatcher
// acks); reads may run concurrently on other pool connections.
type DurableQueue struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// QueuedChunk is one queue entry: the chunk plus its durable identity
// and delivery metadata.
type QueuedChunk struct {
	Sequence     int64
	EnqueuedAtMS int64
	AttemptCount int
	Chunk        chunk.Chunk
}

// QueueConfig holds the parameters for opening a durable queue.
type QueueConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize defaults to 4 if zero or negative.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

const queueSchema = `
	CREATE TABLE IF NOT EXISTS chunks (
		sequence        INTEGER PRIMARY KEY AUTOINCREMENT,
		chunk           BLOB NOT NULL,
		payload_bytes   INTEGER NOT NULL,
		enqueued_at_ms  INTEGER NOT NULL,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		last_attempt_ms INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_enqueued ON chunks(enqueued_at_ms);
`

// OpenQueue opens (creating if needed) the durable queue at the
// configured path.
func OpenQueue(cfg QueueConfig) (*DurableQueue, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("durable queue: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("durable queue: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("durable queue: %w", err)
	}

	queue := &DurableQueue{pool: pool, clock: cfg.Clock, logger: cfg.Logger}
	if err := queue.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("durable queue: schema: %w", err)
	}
	return queue, nil
}

func (q *DurableQueue) initSchema() error {
	conn, err := q.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer q.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, queueSchema, nil)
}

// Close closes the underlying connection pool.
func (q *DurableQueue) Close() error {
	return q.pool.Close()
}

// Enqueue appends chunks to the queue in a single transaction and
// returns their assigned sequences in order. Either every chunk is
// durable or none is.
func (q *DurableQueue) Enqueue(ctx context.Context, chunks []chunk.Chunk) (sequences []int64, err error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable queue: enqueue: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("durable queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	nowMS := q.clock.Now().UnixMilli()
	sequences = make([]int64, 0, len(chunks))

	for i := range chunks {
		encoded, err := codec.Marshal(&chunks[i])
		if err != nil {
			return nil, fmt.Errorf("durable queue: encode chunk %d: %w", i, err)
		}
		err = sqlitex.Execute(conn,
			"INSERT INTO chunks (chunk, payload_bytes, enqueued_at_ms) VALUES (?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{encoded, len(chunks[i].Payload), nowMS},
			})
		if err != nil {
			return nil, fmt.Errorf("durable queue: insert chunk %d: %w", i, err)
		}
		sequences = append(sequences, conn.LastInsertRowID())
	}

	return sequences, nil
}

// PeekWindow returns up to maxChunks pending chunks with sequence >
// since, in sequence order, stopping before the chunk that would push
// the running encoded-payload total past maxBytes. The first eligible
// chunk is always included even when it alone exceeds maxBytes, so an
// oversized chunk cannot wedge the queue.
func (q *DurableQueue) PeekWindow(ctx context.Context, since int64, maxChunks, maxBytes int) ([]QueuedChunk, error) {
	if maxChunks <= 0 {
		return nil, nil
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable queue: peek: %w", err)
	}
	defer q.pool.Put(conn)

	var window []QueuedChunk
	var totalBytes int
	var full bool

	err = sqlitex.Execute(conn,
		"SELECT sequence, chunk, payload_bytes, enqueued_at_ms, attempt_count "+
			"FROM chunks WHERE sequence > ? ORDER BY sequence LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{since, maxChunks},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				// Once the budget is hit, no later row may be taken
				// either: a window must be a contiguous sequence run.
				if full {
					return nil
				}
				payloadBytes := stmt.ColumnInt(2)
				if len(window) > 0 && maxBytes > 0 && totalBytes+payloadBytes > maxBytes {
					full = true
					return nil
				}

				encoded := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, encoded)

				entry := QueuedChunk{
					Sequence:     stmt.ColumnInt64(0),
					EnqueuedAtMS: stmt.ColumnInt64(3),
					AttemptCount: stmt.ColumnInt(4),
				}
				if err := codec.Unmarshal(encoded, &entry.Chunk); err != nil {
					return fmt.Errorf("decode chunk at sequence %d: %w", entry.Sequence, err)
				}

				window = append(window, entry)
				totalBytes += payloadBytes
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("durable queue: peek: %w", err)
	}
	return window, nil
}

// AckUpTo deletes every chunk with sequence <= committed and returns
// the number deleted. Idempotent: acking an already-pruned position
// deletes nothing.
func (q *DurableQueue) AckUpTo(ctx context.Context, committed int64) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable queue: ack: %w", err)
	}
	defer q.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM chunks WHERE sequence <= ?",
		&sqlitex.ExecOptions{Args: []any{committed}})
	if err != nil {
		return 0, fmt.Errorf("durable queue: ack up to %d: %w", committed, err)
	}
	return int64(conn.Changes()), nil
}

// MarkAttempt records a delivery attempt for the given sequences.
func (q *DurableQueue) MarkAttempt(ctx context.Context, sequences []int64, at time.Time) (err error) {
	if len(sequences) == 0 {
		return nil
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("durable queue: mark attempt: %w", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("durable queue: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	atMS := at.UnixMilli()
	for _, sequence := range sequences {
		err = sqlitex.Execute(conn,
			"UPDATE chunks SET attempt_count = attempt_count + 1, last_attempt_ms = ? WHERE sequence = ?",
			&sqlitex.ExecOptions{Args: []any{atMS, sequence}})
		if err != nil {
			return fmt.Errorf("durable queue: mark attempt %d: %w", sequence, err)
		}
	}
	return nil
}

// Depth returns the number of pending chunks.
func (q *DurableQueue) Depth(ctx context.Context) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable queue: depth: %w", err)
	}
	defer q.pool.Put(conn)

	var depth int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM chunks", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			depth = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("durable queue: depth: %w", err)
	}
	return depth, nil
}

// LastSequence returns the highest sequence ever assigned, including
// sequences already acked and deleted. Zero for a fresh queue.
func (q *DurableQueue) LastSequence(ctx context.Context) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable queue: last sequence: %w", err)
	}
	defer q.pool.Put(conn)

	// AUTOINCREMENT tracks the high-water mark in sqlite_sequence
	// even after rows are deleted.
	var last int64
	err = sqlitex.Execute(conn,
		"SELECT seq FROM sqlite_sequence WHERE name = 'chunks'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("durable queue: last sequence: %w", err)
	}
	return last, nil
}

// OldestAge returns how long the oldest pending chunk has been
// queued, or zero when the queue is empty.
func (q *DurableQueue) OldestAge(ctx context.Context) (time.Duration, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable queue: oldest age: %w", err)
	}
	defer q.pool.Put(conn)

	var oldestMS int64 = -1
	err = sqlitex.Execute(conn, "SELECT MIN(enqueued_at_ms) FROM chunks", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if !stmt.ColumnIsNull(0) {
				oldestMS = stmt.ColumnInt64(0)
			}
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("durable queue: oldest age: %w", err)
	}
	if oldestMS < 0 {
		return 0, nil
	}

	age := q.clock.Now().Sub(time.UnixMilli(oldestMS))
	if age < 0 {
		age = 0
	}
	return age, nil
}

// ExpireOlderThan deletes pending chunks enqueued more than retention
// ago and returns the number expired. Expiry is deliberate bounded
// loss: a sensor cut off from the collector longer than the retention
// window sheds its oldest data rather than filling the disk.
func (q *DurableQueue) ExpireOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable queue: expire: %w", err)
	}
	defer q.pool.Put(conn)

	cutoffMS := q.clock.Now().Add(-retention).UnixMilli()
	err = sqlitex.Execute(conn, "DELETE FROM chunks WHERE enqueued_at_ms < ?",
		&sqlitex.ExecOptions{Args: []any{cutoffMS}})
	if err != nil {
		return 0, fmt.Errorf("durable queue: expire: %w", err)
	}

	expired := int64(conn.Changes())
	if expired > 0 {
		q.logger.Warn("expired undelivered chunks past retention",
			"expired", expired,
			"retention", retention,
		)
	}
	return expired, nil
}
