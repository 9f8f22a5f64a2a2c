// Package storage provides the node's durable state: a sqlite-backed config
// store for tunables, the telemetry sequence counter and the backlog read
// offset, plus the append-only per-sample audit log.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known config keys.
const (
	KeySamplingIntervalS = "sampling_interval_s"
	KeyCalRawDry         = "cal_raw_dry"
	KeyCalRawWet         = "cal_raw_wet"
	KeyTelemetrySeq      = "telemetry_seq"
	KeyBacklogOffset     = "backlog_offset"
)

// SeqPersistEvery is the batch size for sequence counter persistence. The
// counter is written once per batch to limit storage wear; on boot the loaded
// value is advanced by a full batch so ids stay monotonic after a crash.
const SeqPersistEvery = 16

// ConfigStore wraps the sqlite database holding durable node state.
type ConfigStore struct {
	path string

	mu       sync.Mutex
	conn     *sql.DB
	seq      uint32
	seqDirty uint32 // increments since last persist
}

// Open opens or creates the config database.
func Open(path string) (*ConfigStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cs := &ConfigStore{path: path, conn: conn}
	if err := cs.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := cs.loadSequence(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to load sequence counter: %w", err)
	}

	return cs, nil
}

// Close flushes the sequence counter and closes the database.
func (cs *ConfigStore) Close() error {
	cs.mu.Lock()
	if cs.seqDirty > 0 {
		if err := cs.setInt64Locked(KeyTelemetrySeq, int64(cs.seq)); err == nil {
			cs.seqDirty = 0
		}
	}
	cs.mu.Unlock()
	return cs.conn.Close()
}

// migrate creates the database schema
func (cs *ConfigStore) migrate() error {
	schema := `
	-- Durable tunables and counters
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := cs.conn.Exec(schema)
	return err
}

// GetInt64 returns the value for key, or def when the key is unset.
func (cs *ConfigStore) GetInt64(key string, def int64) (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.getInt64Locked(key, def)
}

func (cs *ConfigStore) getInt64Locked(key string, def int64) (int64, error) {
	var v int64
	err := cs.conn.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// SetInt64 durably stores an integer value for key.
func (cs *ConfigStore) SetInt64(key string, v int64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.setInt64Locked(key, v)
}

func (cs *ConfigStore) setInt64Locked(key string, v int64) error {
	query := `INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err := cs.conn.Exec(query, key, v, time.Now())
	return err
}

// loadSequence restores the telemetry sequence counter, skipping ahead one
// full persistence batch past the stored value.
func (cs *ConfigStore) loadSequence() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	stored, err := cs.getInt64Locked(KeyTelemetrySeq, 0)
	if err != nil {
		return err
	}
	cs.seq = uint32(stored)
	if stored > 0 {
		cs.seq += SeqPersistEvery
		if err := cs.setInt64Locked(KeyTelemetrySeq, int64(cs.seq)); err != nil {
			return err
		}
	}
	return nil
}

// NextSequence returns the next telemetry sequence number. The value is
// persisted once every SeqPersistEvery increments.
func (cs *ConfigStore) NextSequence() (uint32, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.seq++
	cs.seqDirty++
	if cs.seqDirty >= SeqPersistEvery {
		if err := cs.setInt64Locked(KeyTelemetrySeq, int64(cs.seq)); err != nil {
			return cs.seq, err
		}
		cs.seqDirty = 0
	}
	return cs.seq, nil
}

// GetBacklogOffset returns the durable backlog read offset.
func (cs *ConfigStore) GetBacklogOffset() (int64, error) {
	return cs.GetInt64(KeyBacklogOffset, 0)
}

// SetBacklogOffset durably stores the backlog read offset.
func (cs *ConfigStore) SetBacklogOffset(off int64) error {
	return cs.SetInt64(KeyBacklogOffset, off)
}

// Calibration returns the soil moisture calibration breakpoints.
func (cs *ConfigStore) Calibration() (rawDry, rawWet int64, err error) {
	rawDry, err = cs.GetInt64(KeyCalRawDry, 3000)
	if err != nil {
		return 0, 0, err
	}
	rawWet, err = cs.GetInt64(KeyCalRawWet, 1200)
	if err != nil {
		return 0, 0, err
	}
	return rawDry, rawWet, nil
}

// SamplingInterval returns the configured sampling interval.
func (cs *ConfigStore) SamplingInterval() (time.Duration, error) {
	s, err := cs.GetInt64(KeySamplingIntervalS, 600)
	if err != nil {
		return 0, err
	}
	if s <= 0 {
		s = 600
	}
	return time.Duration(s) * time.Second, nil
}

// Reinit closes and reopens the underlying database. The in-memory sequence
// counter survives the swap, so ids stay monotonic across a reinit.
func (cs *ConfigStore) Reinit() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.conn.Close()
	conn, err := sql.Open("sqlite3", cs.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	cs.conn = conn
	if err := cs.migrate(); err != nil {
		return fmt.Errorf("failed to migrate reopened database: %w", err)
	}
	return nil
}
