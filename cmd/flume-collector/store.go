// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
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
	"github.com/flume-telemetry/flume/lib/wire"
)

// WriteStatus is the outcome of storing one chunk.
type WriteStatus int

const (
	// WriteAccepted: the chunk is newly stored.
	WriteAccepted WriteStatus = iota

	// WriteDuplicate: an identical chunk already held this
	// (sensor, sequence) slot. Not an error.
	WriteDuplicate

	// WriteRejected: the chunk failed verification. The returned
	// error is a *chunk.IntegrityError.
	WriteRejected
)

// Event states in the events table.
const (
	eventPending  = "pending"
	eventComplete = "complete"
	eventFailed   = "failed"
)

// CompletedEvent is produced when a write supplies the last missing
// chunk of an event and whole-payload verification succeeds.
type CompletedEvent struct {
	SensorID    string
	EventID     string
	TimestampMS int64
	Payload     []byte
	Attributes  map[string]string
}

// ChunkStore is the collector's durable, deduplicating chunk storage.
// Writes are idempotent on (sensor_id, sequence): replays of
// identical chunks are absorbed silently, while a replay carrying
// different bytes is an integrity failure. After every accepted write
// the store attempts reassembly of the chunk's event; events whose
// whole-payload hash fails verification are marked failed and pin the
// committed offset below their chunks.
type ChunkStore struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// StoreConfig holds the parameters for opening a chunk store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize defaults to 4 if zero or negative.
	PoolSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

const storeSchema = `
	CREATE TABLE IF NOT EXISTS chunks (
		sensor_id      TEXT NOT NULL,
		sequence       INTEGER NOT NULL,
		event_id       TEXT NOT NULL,
		chunk_index    INTEGER NOT NULL,
		chunk_count    INTEGER NOT NULL,
		compression    TEXT NOT NULL,
		payload        BLOB NOT NULL,
		chunk_sha256   BLOB NOT NULL,
		event_sha256   BLOB NOT NULL,
		timestamp_ms   INTEGER NOT NULL,
		clock_skew_ms  REAL NOT NULL DEFAULT 0,
		attributes     BLOB,
		created_at_ms  INTEGER NOT NULL,
		received_at_ms INTEGER NOT NULL,
		PRIMARY KEY (sensor_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_event ON chunks(sensor_id, event_id);

	CREATE TABLE IF NOT EXISTS events (
		sensor_id       TEXT NOT NULL,
		event_id        TEXT NOT NULL,
		chunk_count     INTEGER NOT NULL,
		event_sha256    BLOB NOT NULL,
		received        INTEGER NOT NULL DEFAULT 0,
		state           TEXT NOT NULL DEFAULT 'pending',
		timestamp_ms    INTEGER NOT NULL,
		completed_at_ms INTEGER,
		PRIMARY KEY (sensor_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_completed ON events(state, completed_at_ms);

	CREATE TABLE IF NOT EXISTS sensors (
		sensor_id       TEXT PRIMARY KEY,
		committed_floor INTEGER NOT NULL DEFAULT 0
	);
`

// OpenStore opens (creating if needed) the chunk store at the
// configured path.
func OpenStore(cfg StoreConfig) (*ChunkStore, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("chunk store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("chunk store: Logger is required")
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
		return nil, fmt.Errorf("chunk store: %w", err)
	}

	store := &ChunkStore{pool: pool, clock: cfg.Clock, logger: cfg.Logger}
	if err := store.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chunk store: schema: %w", err)
	}
	return store, nil
}

func (s *ChunkStore) initSchema() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteScript(conn, storeSchema, nil)
}

// Close closes the underlying connection pool.
func (s *ChunkStore) Close() error {
	return s.pool.Close()
}

// Write stores one chunk. It verifies the chunk hash before
// accepting, absorbs identical replays as duplicates, and rejects
// conflicting replays and metadata inconsistencies as integrity
// errors. When the write completes its event, the reassembled payload
// is returned for publication.
func (s *ChunkStore) Write(ctx context.Context, dataChunk *wire.DataChunk) (status WriteStatus, completed *CompletedEvent, err error) {
	if err := dataChunk.Chunk.Verify(); err != nil {
		return WriteRejected, nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return WriteRejected, nil, fmt.Errorf("chunk store: write: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return WriteRejected, nil, fmt.Errorf("chunk store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	// Idempotency on (sensor_id, sequence): an identical replay is a
	// no-op, a conflicting one is corruption.
	existingHash, found, err := s.storedChunkHash(conn, dataChunk.SensorID, dataChunk.Sequence)
	if err != nil {
		return WriteRejected, nil, err
	}
	if found {
		if bytes.Equal(existingHash, dataChunk.ChunkSHA256) {
			return WriteDuplicate, nil, nil
		}
		return WriteRejected, nil, &chunk.IntegrityError{
			EventID: dataChunk.EventID,
			Index:   dataChunk.Index,
			Reason:  "chunk hash mismatch",
		}
	}

	// The event's metadata must be consistent across its chunks.
	if err := s.checkEventConsistency(conn, dataChunk); err != nil {
		return WriteRejected, nil, err
	}

	if err := s.insertChunk(conn, dataChunk); err != nil {
		return WriteRejected, nil, err
	}
	if err := s.upsertEvent(conn, dataChunk); err != nil {
		return WriteRejected, nil, err
	}

	completed, err = s.tryAssemble(conn, dataChunk.SensorID, dataChunk.EventID)
	if err != nil {
		return WriteRejected, nil, err
	}
	return WriteAccepted, completed, nil
}

func (s *ChunkStore) storedChunkHash(conn *sqlite.Conn, sensorID string, sequence int64) (hash []byte, found bool, err error) {
	err = sqlitex.Execute(conn,
		"SELECT chunk_sha256 FROM chunks WHERE sensor_id = ? AND sequence = ?",
		&sqlitex.ExecOptions{
			Args: []any{sensorID, sequence},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hash = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, hash)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("chunk store: lookup sequence %d: %w", sequence, err)
	}
	return hash, found, nil
}

// checkEventConsistency rejects chunks whose event metadata conflicts
// with what earlier chunks of the same event declared.
func (s *ChunkStore) checkEventConsistency(conn *sqlite.Conn, dataChunk *wire.DataChunk) error {
	var storedCount int
	var storedHash []byte
	var found bool

	err := sqlitex.Execute(conn,
		"SELECT chunk_count, event_sha256 FROM events WHERE sensor_id = ? AND event_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{dataChunk.SensorID, dataChunk.EventID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				storedCount = stmt.ColumnInt(0)
				storedHash = make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, storedHash)
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("chunk store: lookup event %s: %w", dataChunk.EventID, err)
	}
	if !found {
		return nil
	}

	if storedCount != dataChunk.Count {
		return &chunk.IntegrityError{
			EventID: dataChunk.EventID,
			Index:   dataChunk.Index,
			Reason:  "chunk count mismatch",
		}
	}
	if !bytes.Equal(storedHash, dataChunk.EventSHA256) {
		return &chunk.IntegrityError{
			EventID: dataChunk.EventID,
			Index:   dataChunk.Index,
			Reason:  "event hash mismatch",
		}
	}
	return nil
}

func (s *ChunkStore) insertChunk(conn *sqlite.Conn, dataChunk *wire.DataChunk) error {
	var attributesBlob any
	if len(dataChunk.Attributes) > 0 {
		encoded, err := codec.Marshal(dataChunk.Attributes)
		if err != nil {
			return fmt.Errorf("chunk store: encode attributes: %w", err)
		}
		attributesBlob = encoded
	}

	err := sqlitex.Execute(conn,
		`INSERT INTO chunks
			(sensor_id, sequence, event_id, chunk_index, chunk_count,
			 compression, payload, chunk_sha256, event_sha256,
			 timestamp_ms, clock_skew_ms, attributes, created_at_ms,
			 received_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				dataChunk.SensorID,
				dataChunk.Sequence,
				dataChunk.EventID,
				dataChunk.Index,
				dataChunk.Count,
				dataChunk.Compression,
				dataChunk.Payload,
				dataChunk.ChunkSHA256,
				dataChunk.EventSHA256,
				dataChunk.TimestampMS,
				dataChunk.ClockSkewMS,
				attributesBlob,
				dataChunk.CreatedAtMS,
				s.clock.Now().UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("chunk store: insert chunk %d: %w", dataChunk.Sequence, err)
	}
	return nil
}

func (s *ChunkStore) upsertEvent(conn *sqlite.Conn, dataChunk *wire.DataChunk) error {
	err := sqlitex.Execute(conn,
		`INSERT INTO events (sensor_id, event_id, chunk_count, event_sha256, received, timestamp_ms)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT (sensor_id, event_id)
			DO UPDATE SET received = received + 1`,
		&sqlitex.ExecOptions{
			Args: []any{
				dataChunk.SensorID,
				dataChunk.EventID,
				dataChunk.Count,
				dataChunk.EventSHA256,
				dataChunk.TimestampMS,
			},
		})
	if err != nil {
		return fmt.Errorf("chunk store: upsert event %s: %w", dataChunk.EventID, err)
	}
	return nil
}

// tryAssemble checks whether every chunk of the event is present and,
// if so, reassembles and verifies the payload. A verification failure
// marks the event failed; that is recorded, not returned as an error,
// because the write itself succeeded.
func (s *ChunkStore) tryAssemble(conn *sqlite.Conn, sensorID, eventID string) (*CompletedEvent, error) {
	var chunks []chunk.Chunk
	var timestampMS int64
	var attributes map[string]string

	err := sqlitex.Execute(conn,
		`SELECT chunk_index, chunk_count, compression, payload,
			chunk_sha256, event_sha256, timestamp_ms, attributes
			FROM chunks WHERE sensor_id = ? AND event_id = ?
			ORDER BY chunk_index`,
		&sqlitex.ExecOptions{
			Args: []any{sensorID, eventID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, payload)
				chunkHash := make([]byte, stmt.ColumnLen(4))
				stmt.ColumnBytes(4, chunkHash)
				eventHash := make([]byte, stmt.ColumnLen(5))
				stmt.ColumnBytes(5, eventHash)

				timestampMS = stmt.ColumnInt64(6)
				if !stmt.ColumnIsNull(7) && attributes == nil {
					encoded := make([]byte, stmt.ColumnLen(7))
					stmt.ColumnBytes(7, encoded)
					if err := codec.Unmarshal(encoded, &attributes); err != nil {
						return fmt.Errorf("decode attributes: %w", err)
					}
				}

				chunks = append(chunks, chunk.Chunk{
					EventID:     eventID,
					Index:       stmt.ColumnInt(0),
					Count:       stmt.ColumnInt(1),
					Compression: stmt.ColumnText(2),
					Payload:     payload,
					ChunkSHA256: chunkHash,
					EventSHA256: eventHash,
					TimestampMS: timestampMS,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("chunk store: load event %s: %w", eventID, err)
	}

	if len(chunks) == 0 || len(chunks) < chunks[0].Count {
		return nil, nil
	}

	payload, err := chunk.Assemble(chunks)
	if err != nil {
		// Whole-payload verification failed: the event is
		// unrecoverable from these chunks. Mark it failed so the
		// committed offset stays pinned below them and the gap is
		// eventually re-requested.
		s.logger.Error("event reassembly failed",
			"sensor_id", sensorID,
			"event_id", eventID,
			"error", err,
		)
		if err := s.setEventState(conn, sensorID, eventID, eventFailed); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := s.setEventState(conn, sensorID, eventID, eventComplete); err != nil {
		return nil, err
	}

	return &CompletedEvent{
		SensorID:    sensorID,
		EventID:     eventID,
		TimestampMS: timestampMS,
		Payload:     payload,
		Attributes:  attributes,
	}, nil
}

func (s *ChunkStore) setEventState(conn *sqlite.Conn, sensorID, eventID, state string) error {
	err := sqlitex.Execute(conn,
		"UPDATE events SET state = ?, completed_at_ms = ? WHERE sensor_id = ? AND event_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{state, s.clock.Now().UnixMilli(), sensorID, eventID},
		})
	if err != nil {
		return fmt.Errorf("chunk store: mark event %s %s: %w", eventID, state, err)
	}
	return nil
}

// ContiguousFrom walks stored sequences upward from committed and
// returns the largest sequence reachable without crossing a hole or a
// chunk of a failed event. Returns committed unchanged when the next
// sequence is absent.
func (s *ChunkStore) ContiguousFrom(ctx context.Context, sensorID string, committed int64) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return committed, fmt.Errorf("chunk store: contiguous: %w", err)
	}
	defer s.pool.Put(conn)

	result := committed
	expected := committed + 1

	err = sqlitex.Execute(conn,
		`SELECT c.sequence, e.state
			FROM chunks c
			JOIN events e ON e.sensor_id = c.sensor_id AND e.event_id = c.event_id
			WHERE c.sensor_id = ? AND c.sequence > ?
			ORDER BY c.sequence`,
		&sqlitex.ExecOptions{
			Args: []any{sensorID, committed},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sequence := stmt.ColumnInt64(0)
				state := stmt.ColumnText(1)
				if sequence != expected || state == eventFailed {
					// Hole or poisoned chunk: stop extending. Later
					// rows cannot help, but ResultFunc has no early
					// exit, so just keep result frozen.
					expected = -1
					return nil
				}
				result = sequence
				expected = sequence + 1
				return nil
			},
		})
	if err != nil {
		return committed, fmt.Errorf("chunk store: contiguous from %d: %w", committed, err)
	}
	return result, nil
}

// Sensors returns every sensor ID with stored state, with its
// persisted committed floor.
func (s *ChunkStore) Sensors(ctx context.Context) (map[string]int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunk store: sensors: %w", err)
	}
	defer s.pool.Put(conn)

	floors := make(map[string]int64)
	err = sqlitex.Execute(conn, "SELECT sensor_id, committed_floor FROM sensors", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			floors[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chunk store: sensors: %w", err)
	}

	// Sensors with chunks but no floor row yet start at zero.
	err = sqlitex.Execute(conn, "SELECT DISTINCT sensor_id FROM chunks", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sensorID := stmt.ColumnText(0)
			if _, ok := floors[sensorID]; !ok {
				floors[sensorID] = 0
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chunk store: sensors: %w", err)
	}
	return floors, nil
}

// RecordCommittedFloor persists a sensor's committed position so the
// offset tracker can reseed after pruned chunks are gone.
func (s *ChunkStore) RecordCommittedFloor(ctx context.Context, sensorID string, committed int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("chunk store: record floor: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sensors (sensor_id, committed_floor) VALUES (?, ?)
			ON CONFLICT (sensor_id)
			DO UPDATE SET committed_floor = MAX(committed_floor, excluded.committed_floor)`,
		&sqlitex.ExecOptions{Args: []any{sensorID, committed}})
	if err != nil {
		return fmt.Errorf("chunk store: record floor: %w", err)
	}
	return nil
}

// PruneCompleted removes chunks and event rows of completed events
// older than retention, provided their sequences sit at or below the
// sensor's committed position. Returns the number of events pruned.
func (s *ChunkStore) PruneCompleted(ctx context.Context, retention time.Duration, committedFor func(sensorID string) int64) (pruned int64, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("chunk store: prune: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("chunk store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	cutoffMS := s.clock.Now().Add(-retention).UnixMilli()

	type candidate struct {
		sensorID string
		eventID  string
		maxSeq   int64
	}
	var candidates []candidate

	err = sqlitex.Execute(conn,
		`SELECT e.sensor_id, e.event_id, MAX(c.sequence)
			FROM events e
			JOIN chunks c ON c.sensor_id = e.sensor_id AND c.event_id = e.event_id
			WHERE e.state = ? AND e.completed_at_ms < ?
			GROUP BY e.sensor_id, e.event_id`,
		&sqlitex.ExecOptions{
			Args: []any{eventComplete, cutoffMS},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				candidates = append(candidates, candidate{
					sensorID: stmt.ColumnText(0),
					eventID:  stmt.ColumnText(1),
					maxSeq:   stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("chunk store: prune scan: %w", err)
	}

	for _, c := range candidates {
		// Never prune ahead of the committed offset: the sequences
		// must stay reconstructable until the sensor has been told
		// about them.
		if c.maxSeq > committedFor(c.sensorID) {
			continue
		}
		err = sqlitex.Execute(conn,
			"DELETE FROM chunks WHERE sensor_id = ? AND event_id = ?",
			&sqlitex.ExecOptions{Args: []any{c.sensorID, c.eventID}})
		if err != nil {
			return pruned, fmt.Errorf("chunk store: prune chunks of %s: %w", c.eventID, err)
		}
		err = sqlitex.Execute(conn,
			"DELETE FROM events WHERE sensor_id = ? AND event_id = ?",
			&sqlitex.ExecOptions{Args: []any{c.sensorID, c.eventID}})
		if err != nil {
			return pruned, fmt.Errorf("chunk store: prune event %s: %w", c.eventID, err)
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO sensors (sensor_id, committed_floor) VALUES (?, ?)
				ON CONFLICT (sensor_id)
				DO UPDATE SET committed_floor = MAX(committed_floor, excluded.committed_floor)`,
			&sqlitex.ExecOptions{Args: []any{c.sensorID, c.maxSeq}})
		if err != nil {
			return pruned, fmt.Errorf("chunk store: prune floor of %s: %w", c.sensorID, err)
		}
		pruned++
	}

	if pruned > 0 {
		s.logger.Info("pruned completed events", "events", pruned, "retention", retention)
	}
	return pruned, nil
}

// StoreStats summarizes stored state for the status action.
type StoreStats struct {
	ChunkCount        int64 `cbor:"chunk_count"`
	PendingEvents     int64 `cbor:"pending_events"`
	CompleteEvents    int64 `cbor:"complete_events"`
	FailedEvents      int64 `cbor:"failed_events"`
	DatabaseSizeBytes int64 `cbor:"database_size_bytes"`
}

// Stats returns current storage statistics.
func (s *ChunkStore) Stats(ctx context.Context) (StoreStats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return StoreStats{}, fmt.Errorf("chunk store: stats: %w", err)
	}
	defer s.pool.Put(conn)

	var stats StoreStats
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM chunks", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.ChunkCount = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return stats, fmt.Errorf("chunk store: stats: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT state, COUNT(*) FROM events GROUP BY state",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count := stmt.ColumnInt64(1)
				switch stmt.ColumnText(0) {
				case eventPending:
					stats.PendingEvents = count
				case eventComplete:
					stats.CompleteEvents = count
				case eventFailed:
					stats.FailedEvents = count
				}
				return nil
			},
		})
	if err != nil {
		return stats, fmt.Errorf("chunk store: stats: %w", err)
	}

	err = sqlitex.Execute(conn,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.DatabaseSizeBytes = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return stats, fmt.Errorf("chunk store: stats: %w", err)
	}
	return stats, nil
}
