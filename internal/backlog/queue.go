// Package backlog implements the durable store-and-forward queue for
// telemetry records: an append-only file of newline-terminated JSON lines,
// a batched durable read offset, and crash-safe compaction.
package backlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
)

var (
	// ErrRecordTooLarge is returned by Append for oversize records.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
	// ErrBacklogFull is returned by Append once the file cap is reached.
	// The caller drops the newest sample; Append never blocks.
	ErrBacklogFull = errors.New("backlog file full")
	// ErrNoRecord is returned by ReadAt at end of file.
	ErrNoRecord = errors.New("no record at offset")
	// ErrBadOffset is returned for offsets outside [0, size].
	ErrBadOffset = errors.New("offset out of range")
)

// OffsetStore persists the durable read offset across restarts.
// *storage.ConfigStore satisfies it.
type OffsetStore interface {
	GetBacklogOffset() (int64, error)
	SetBacklogOffset(off int64) error
}

// Config holds queue tunables.
type Config struct {
	Path               string
	MaxRecordBytes     int   // largest accepted record, including newline
	MaxFileBytes       int64 // append cap; reaching it rejects writes
	OffsetPersistEvery int   // durable offset write batch size
	CompactChunkBytes  int   // copy chunk size during compaction
}

// DefaultConfig returns default queue configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		MaxRecordBytes:     1024,
		MaxFileBytes:       512 * 1024,
		OffsetPersistEvery: 8,
		CompactChunkBytes:  16 * 1024,
	}
}

// Queue is the durable telemetry backlog. Append, ReadAt and Compact
// mutually exclude each other behind one lock.
type Queue struct {
	config Config
	store  OffsetStore

	mu       sync.Mutex
	file     *os.File // append handle
	size     int64
	offset   int64 // durable read offset, in-memory copy
	advances int   // offset advances since last persist
}

// Open recovers any interrupted compaction, truncates a torn tail left by a
// crash mid-append, and loads the durable offset.
func Open(config Config, store OffsetStore) (*Queue, error) {
	q := &Queue{config: config, store: store}

	if err := q.recoverSwap(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(config.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open backlog: %w", err)
	}
	q.file = f

	if err := q.truncateTornTail(); err != nil {
		f.Close()
		return nil, err
	}

	off, err := store.GetBacklogOffset()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to load backlog offset: %w", err)
	}
	// An offset beyond the file means the last compaction swapped files but
	// crashed before the offset reset was persisted. Replaying from zero is
	// the correct at-least-once recovery.
	if off < 0 || off > q.size {
		off = 0
		if err := store.SetBacklogOffset(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to reset backlog offset: %w", err)
		}
	}
	q.offset = off

	return q, nil
}

// Close persists the offset and closes the backlog file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.advances > 0 {
		if err := q.store.SetBacklogOffset(q.offset); err == nil {
			q.advances = 0
		}
	}
	if q.file == nil {
		return nil
	}
	return q.file.Close()
}

// tempPath and backupPath are the transient files used only during compaction.
func (q *Queue) tempPath() string   { return q.config.Path + ".tmp" }
func (q *Queue) backupPath() string { return q.config.Path + ".bak" }

// recoverSwap completes an interrupted compaction swap. A leftover temp file
// is never a committed state and is always deleted; a backup without a
// current file means the crash hit between the two renames.
func (q *Queue) recoverSwap() error {
	if err := os.Remove(q.tempPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale temp file: %w", err)
	}

	_, curErr := os.Stat(q.config.Path)
	_, bakErr := os.Stat(q.backupPath())
	switch {
	case bakErr == nil && errors.Is(curErr, os.ErrNotExist):
		if err := os.Rename(q.backupPath(), q.config.Path); err != nil {
			return fmt.Errorf("failed to restore backlog backup: %w", err)
		}
	case bakErr == nil:
		// Crash after the temp→current rename; the backup is obsolete.
		if err := os.Remove(q.backupPath()); err != nil {
			return fmt.Errorf("failed to remove stale backup: %w", err)
		}
	}
	return nil
}

// truncateTornTail drops a partially written final record.
func (q *Queue) truncateTornTail() error {
	stat, err := q.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat backlog: %w", err)
	}
	size := stat.Size()
	if size == 0 {
		q.size = 0
		return nil
	}

	buf := make([]byte, 1)
	if _, err := q.file.ReadAt(buf, size-1); err != nil {
		return fmt.Errorf("failed to read backlog tail: %w", err)
	}
	if buf[0] == '\n' {
		q.size = size
		return nil
	}

	// Walk back to the last complete record.
	end := int64(0)
	chunk := make([]byte, q.config.CompactChunkBytes)
	var pos int64
	for pos < size {
		n, err := q.file.ReadAt(chunk, pos)
		if n > 0 {
			if i := bytes.LastIndexByte(chunk[:n], '\n'); i >= 0 {
				end = pos + int64(i) + 1
			}
			pos += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to scan backlog: %w", err)
		}
	}

	if err := q.file.Truncate(end); err != nil {
		return fmt.Errorf("failed to truncate torn backlog tail: %w", err)
	}
	q.size = end
	return nil
}

// reopenLocked reattaches the queue to whichever of the current and backup
// files survived a failed compaction step, applying the same recovery rules
// Open applies at boot. Callers hold q.mu; q.file must be nil.
func (q *Queue) reopenLocked() error {
	if err := q.recoverSwap(); err != nil {
		return err
	}
	f, err := os.OpenFile(q.config.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen backlog: %w", err)
	}
	q.file = f
	if err := q.truncateTornTail(); err != nil {
		f.Close()
		q.file = nil
		return err
	}
	if q.offset > q.size {
		q.offset = 0
		q.advances = 0
		if err := q.store.SetBacklogOffset(0); err != nil {
			return fmt.Errorf("failed to reset backlog offset: %w", err)
		}
	}
	return nil
}

// Append adds one record to the backlog. The trailing newline is added here;
// rec must not contain one.
func (q *Queue) Append(rec []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.file == nil {
		if err := q.reopenLocked(); err != nil {
			return err
		}
	}
	if len(rec)+1 > q.config.MaxRecordBytes {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(rec))
	}
	if q.size+int64(len(rec))+1 > q.config.MaxFileBytes {
		return ErrBacklogFull
	}

	line := make([]byte, 0, len(rec)+1)
	line = append(line, rec...)
	line = append(line, '\n')

	n, err := q.file.WriteAt(line, q.size)
	if err != nil {
		// A short write leaves a torn tail; boot recovery truncates it.
		return fmt.Errorf("failed to append record: %w", err)
	}
	q.size += int64(n)
	return nil
}

// ReadAt returns the record at offset (without its newline), the offset of
// the next record, and the current file size. It never mutates queue state.
// ErrNoRecord marks end of file.
func (q *Queue) ReadAt(offset int64) (rec []byte, next int64, size int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.file == nil {
		if err := q.reopenLocked(); err != nil {
			return nil, offset, q.size, err
		}
	}
	if offset < 0 || offset > q.size {
		return nil, offset, q.size, fmt.Errorf("%w: %d (size %d)", ErrBadOffset, offset, q.size)
	}
	if offset == q.size {
		return nil, offset, q.size, ErrNoRecord
	}

	buf := make([]byte, q.config.MaxRecordBytes)
	n, rerr := q.file.ReadAt(buf, offset)
	if n == 0 && rerr != nil && rerr != io.EOF {
		return nil, offset, q.size, fmt.Errorf("failed to read record: %w", rerr)
	}
	i := bytes.IndexByte(buf[:n], '\n')
	if i < 0 {
		// No newline within the size bound: torn or oversize foreign data.
		return nil, offset, q.size, ErrNoRecord
	}

	rec = make([]byte, i)
	copy(rec, buf[:i])
	return rec, offset + int64(i) + 1, q.size, nil
}

// AdvanceOffset moves the durable read offset forward after a record has
// been confirmed delivered. Persistence is batched: a crash can redeliver up
// to OffsetPersistEvery-1 already-sent records.
func (q *Queue) AdvanceOffset(next int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if next <= q.offset {
		return nil
	}
	if next > q.size {
		return fmt.Errorf("%w: %d (size %d)", ErrBadOffset, next, q.size)
	}
	q.offset = next
	q.advances++
	if q.advances >= q.config.OffsetPersistEvery {
		if err := q.store.SetBacklogOffset(q.offset); err != nil {
			return fmt.Errorf("failed to persist backlog offset: %w", err)
		}
		q.advances = 0
	}
	return nil
}

// Offset returns the current durable read offset.
func (q *Queue) Offset() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offset
}

// Size returns the current backlog file size in bytes.
func (q *Queue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// PendingBytes returns the undelivered span of the backlog.
func (q *Queue) PendingBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size - q.offset
}

// Compact rewrites the backlog keeping only [keepFrom, EOF) and resets the
// durable offset to zero. The swap is crash-safe: at every intermediate
// point either the old or the new file is recoverable, never a hybrid.
func (q *Queue) Compact(keepFrom int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.file == nil {
		if err := q.reopenLocked(); err != nil {
			return err
		}
	}
	if keepFrom < 0 || keepFrom > q.size {
		return fmt.Errorf("%w: %d (size %d)", ErrBadOffset, keepFrom, q.size)
	}

	tmp, err := os.OpenFile(q.tempPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	// Chunked copy with yields so a large pass cannot starve peer tasks.
	chunk := make([]byte, q.config.CompactChunkBytes)
	pos := keepFrom
	for pos < q.size {
		n, rerr := q.file.ReadAt(chunk, pos)
		if n > 0 {
			if _, werr := tmp.Write(chunk[:n]); werr != nil {
				tmp.Close()
				os.Remove(q.tempPath())
				return fmt.Errorf("failed to write temp file: %w", werr)
			}
			pos += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			os.Remove(q.tempPath())
			return fmt.Errorf("failed to read backlog during compaction: %w", rerr)
		}
		runtime.Gosched()
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(q.tempPath())
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(q.tempPath())
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Three-step swap: remove stale backup, current→backup, temp→current,
	// remove backup. A failed step reopens whichever file survived so the
	// queue keeps working; the next reopen attempt is lazy if that fails too.
	if err := os.Remove(q.backupPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		os.Remove(q.tempPath())
		return fmt.Errorf("failed to remove stale backup: %w", err)
	}
	q.file.Close()
	q.file = nil
	if err := os.Rename(q.config.Path, q.backupPath()); err != nil {
		if rerr := q.reopenLocked(); rerr != nil {
			log.Printf("Failed to reopen backlog after compaction error: %v", rerr)
		}
		return fmt.Errorf("failed to back up backlog: %w", err)
	}
	if err := os.Rename(q.tempPath(), q.config.Path); err != nil {
		if rerr := q.reopenLocked(); rerr != nil {
			log.Printf("Failed to reopen backlog after compaction error: %v", rerr)
		}
		return fmt.Errorf("failed to commit compacted backlog: %w", err)
	}

	// The swap is committed. A leftover backup is cleaned by the next
	// compaction or at boot; it must not fail this one.
	if err := os.Remove(q.backupPath()); err != nil {
		log.Printf("Failed to remove backlog backup: %v", err)
	}

	q.offset = 0
	q.advances = 0
	if err := q.reopenLocked(); err != nil {
		return err
	}
	if err := q.store.SetBacklogOffset(0); err != nil {
		return fmt.Errorf("failed to reset backlog offset: %w", err)
	}
	return nil
}
