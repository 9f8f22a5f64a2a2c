package backlog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// fakeOffsetStore is an in-memory OffsetStore recording persistence calls.
type fakeOffsetStore struct {
	off    int64
	sets   int
	setErr error
}

func (s *fakeOffsetStore) GetBacklogOffset() (int64, error) { return s.off, nil }
func (s *fakeOffsetStore) SetBacklogOffset(off int64) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.off = off
	s.sets++
	return nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "backlog.jsonl"))
	cfg.OffsetPersistEvery = 3
	return cfg
}

func openTestQueue(t *testing.T, cfg Config, store *fakeOffsetStore) *Queue {
	t.Helper()
	q, err := Open(cfg, store)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return q
}

// drain reads all records sequentially from offset 0.
func drain(t *testing.T, q *Queue) [][]byte {
	t.Helper()
	var recs [][]byte
	off := int64(0)
	for {
		rec, next, _, err := q.ReadAt(off)
		if errors.Is(err, ErrNoRecord) {
			return recs
		}
		if err != nil {
			t.Fatalf("ReadAt(%d) failed: %v", off, err)
		}
		recs = append(recs, rec)
		off = next
	}
}

// TestAppendReadRoundTrip: sequential reads from offset 0 reproduce exactly
// the appended records, in order.
func TestAppendReadRoundTrip(t *testing.T) {
	q := openTestQueue(t, testConfig(t), &fakeOffsetStore{})
	defer q.Close()

	var want [][]byte
	for i := 0; i < 20; i++ {
		rec := []byte(fmt.Sprintf(`{"telemetry_seq":%d,"soil":%d}`, i, i*3))
		want = append(want, rec)
		if err := q.Append(rec); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	got := drain(t, q)
	if len(got) != len(want) {
		t.Fatalf("read %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestReadAtIsPure: ReadAt must not move the durable offset
func TestReadAtIsPure(t *testing.T) {
	q := openTestQueue(t, testConfig(t), &fakeOffsetStore{})
	defer q.Close()

	if err := q.Append([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, _, err := q.ReadAt(0); err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
	}
	if q.Offset() != 0 {
		t.Errorf("offset moved to %d after reads", q.Offset())
	}
}

// TestAppendRejectsOversize tests the per-record bound
func TestAppendRejectsOversize(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRecordBytes = 16
	q := openTestQueue(t, cfg, &fakeOffsetStore{})
	defer q.Close()

	if err := q.Append(make([]byte, 16)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("oversize append error = %v, want ErrRecordTooLarge", err)
	}
	if err := q.Append(make([]byte, 15)); err != nil {
		t.Errorf("boundary append failed: %v", err)
	}
}

// TestAppendRejectsWhenFull: drop-newest backpressure once the cap is hit
func TestAppendRejectsWhenFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFileBytes = 32
	q := openTestQueue(t, cfg, &fakeOffsetStore{})
	defer q.Close()

	rec := []byte("0123456789") // 11 bytes on disk
	if err := q.Append(rec); err != nil {
		t.Fatalf("Append 1 failed: %v", err)
	}
	if err := q.Append(rec); err != nil {
		t.Fatalf("Append 2 failed: %v", err)
	}
	if err := q.Append(rec); !errors.Is(err, ErrBacklogFull) {
		t.Errorf("append past cap error = %v, want ErrBacklogFull", err)
	}
	// Earlier records must be untouched.
	if got := drain(t, q); len(got) != 2 {
		t.Errorf("backlog has %d records after rejected append, want 2", len(got))
	}
}

// TestAdvanceOffsetBatching tests wear-limited offset persistence
func TestAdvanceOffsetBatching(t *testing.T) {
	store := &fakeOffsetStore{}
	q := openTestQueue(t, testConfig(t), store) // OffsetPersistEvery = 3
	for i := 0; i < 5; i++ {
		if err := q.Append([]byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	off := int64(0)
	for i := 0; i < 2; i++ {
		_, next, _, err := q.ReadAt(off)
		if err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		if err := q.AdvanceOffset(next); err != nil {
			t.Fatalf("AdvanceOffset failed: %v", err)
		}
		off = next
	}
	if store.sets != 0 {
		t.Errorf("offset persisted after %d advances (batch is 3)", store.sets)
	}

	_, next, _, err := q.ReadAt(off)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if err := q.AdvanceOffset(next); err != nil {
		t.Fatalf("AdvanceOffset failed: %v", err)
	}
	if store.sets != 1 || store.off != next {
		t.Errorf("after third advance: sets=%d off=%d, want 1 persist at %d", store.sets, store.off, next)
	}

	// Close flushes a partial batch.
	if err := q.AdvanceOffset(next + 1); err != nil {
		t.Fatalf("AdvanceOffset failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if store.off != next+1 {
		t.Errorf("Close did not flush offset: store at %d, want %d", store.off, next+1)
	}
}

// TestCompactKeepsUnreadRecords: compact(offset) followed by a read from 0
// yields exactly the records previously at [offset, size).
func TestCompactKeepsUnreadRecords(t *testing.T) {
	store := &fakeOffsetStore{}
	q := openTestQueue(t, testConfig(t), store)
	defer q.Close()

	var want [][]byte
	off := int64(0)
	for i := 0; i < 6; i++ {
		rec := []byte(fmt.Sprintf(`{"i":%d}`, i))
		if err := q.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if i >= 2 {
			want = append(want, rec)
		}
	}

	// Deliver the first two records.
	for i := 0; i < 2; i++ {
		_, next, _, err := q.ReadAt(off)
		if err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
		off = next
	}
	if err := q.AdvanceOffset(off); err != nil {
		t.Fatalf("AdvanceOffset failed: %v", err)
	}

	if err := q.Compact(off); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	if q.Offset() != 0 {
		t.Errorf("offset after compact = %d, want 0", q.Offset())
	}
	if store.off != 0 {
		t.Errorf("durable offset after compact = %d, want 0", store.off)
	}

	got := drain(t, q)
	if len(got) != len(want) {
		t.Fatalf("read %d records after compact, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Appends keep working against the reopened file.
	if err := q.Append([]byte(`{"i":6}`)); err != nil {
		t.Fatalf("Append after compact failed: %v", err)
	}
	if got := drain(t, q); len(got) != len(want)+1 {
		t.Errorf("read %d records after post-compact append, want %d", len(got), len(want)+1)
	}

	// No transient files left behind.
	if _, err := os.Stat(q.tempPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file left after compact")
	}
	if _, err := os.Stat(q.backupPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("backup file left after compact")
	}
}

// TestCompactionCrashRecovery reconstructs the on-disk state after a crash at
// each step of the swap and verifies boot recovery leaves the backlog in one
// of exactly two states: pre-compaction intact or post-compaction intact.
func TestCompactionCrashRecovery(t *testing.T) {
	pre := []byte("{\"i\":0}\n{\"i\":1}\n{\"i\":2}\n")
	post := []byte("{\"i\":2}\n")

	tests := []struct {
		name  string
		setup func(dir, cur, tmp, bak string)
		want  []byte
	}{
		{
			name: "crash during temp copy",
			setup: func(dir, cur, tmp, bak string) {
				os.WriteFile(cur, pre, 0o644)
				os.WriteFile(tmp, post[:4], 0o644) // partial copy
			},
			want: pre,
		},
		{
			name: "crash after temp complete, before swap",
			setup: func(dir, cur, tmp, bak string) {
				os.WriteFile(cur, pre, 0o644)
				os.WriteFile(tmp, post, 0o644)
			},
			want: pre,
		},
		{
			name: "crash after current renamed to backup",
			setup: func(dir, cur, tmp, bak string) {
				os.WriteFile(bak, pre, 0o644)
				os.WriteFile(tmp, post, 0o644)
			},
			want: pre,
		},
		{
			name: "crash after temp renamed to current",
			setup: func(dir, cur, tmp, bak string) {
				os.WriteFile(bak, pre, 0o644)
				os.WriteFile(cur, post, 0o644)
			},
			want: post,
		},
		{
			name: "crash after backup removed",
			setup: func(dir, cur, tmp, bak string) {
				os.WriteFile(cur, post, 0o644)
			},
			want: post,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := DefaultConfig(filepath.Join(dir, "backlog.jsonl"))
			tt.setup(dir, cfg.Path, cfg.Path+".tmp", cfg.Path+".bak")

			q, err := Open(cfg, &fakeOffsetStore{})
			if err != nil {
				t.Fatalf("Open after crash failed: %v", err)
			}
			defer q.Close()

			data, err := os.ReadFile(cfg.Path)
			if err != nil {
				t.Fatalf("read recovered backlog: %v", err)
			}
			if !bytes.Equal(data, tt.want) {
				t.Errorf("recovered backlog = %q, want %q", data, tt.want)
			}
			if _, err := os.Stat(cfg.Path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("temp file survived recovery")
			}
			if _, err := os.Stat(cfg.Path + ".bak"); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("backup file survived recovery")
			}
		})
	}
}

// TestTornTailTruncated: a crash mid-append leaves a record without its
// newline; boot must drop it and keep everything before it.
func TestTornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "backlog.jsonl"))
	if err := os.WriteFile(cfg.Path, []byte("{\"i\":0}\n{\"i\":1}\n{\"i\":2"), 0o644); err != nil {
		t.Fatalf("seed backlog: %v", err)
	}

	q, err := Open(cfg, &fakeOffsetStore{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	got := drain(t, q)
	if len(got) != 2 {
		t.Fatalf("read %d records, want 2", len(got))
	}
	if string(got[1]) != `{"i":1}` {
		t.Errorf("record 1 = %q", got[1])
	}

	// New appends land after the truncation point.
	if err := q.Append([]byte(`{"i":3}`)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got := drain(t, q); len(got) != 3 || string(got[2]) != `{"i":3}` {
		t.Errorf("records after append = %q", got)
	}
}

// TestStaleOffsetResetOnOpen: a persisted offset beyond the file size (crash
// between compaction swap and offset reset) replays from zero.
func TestStaleOffsetResetOnOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "backlog.jsonl"))
	if err := os.WriteFile(cfg.Path, []byte("{\"i\":9}\n"), 0o644); err != nil {
		t.Fatalf("seed backlog: %v", err)
	}

	store := &fakeOffsetStore{off: 1 << 20}
	q, err := Open(cfg, store)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	if q.Offset() != 0 || store.off != 0 {
		t.Errorf("offset = %d (durable %d), want 0", q.Offset(), store.off)
	}
	if got := drain(t, q); len(got) != 1 {
		t.Errorf("read %d records, want 1", len(got))
	}
}

// TestOperationsRecoverClosedHandle: a failed compaction step can leave the
// queue without an open file; the next operation must reattach instead of
// failing until restart.
func TestOperationsRecoverClosedHandle(t *testing.T) {
	q := openTestQueue(t, testConfig(t), &fakeOffsetStore{})
	defer q.Close()

	for i := 0; i < 3; i++ {
		if err := q.Append([]byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	// Detach the handle the way an interrupted swap does.
	q.mu.Lock()
	q.file.Close()
	q.file = nil
	q.mu.Unlock()

	if got := drain(t, q); len(got) != 3 {
		t.Fatalf("read %d records after reopen, want 3", len(got))
	}

	q.mu.Lock()
	q.file.Close()
	q.file = nil
	q.mu.Unlock()

	if err := q.Append([]byte(`{"i":3}`)); err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}
	if got := drain(t, q); len(got) != 4 || string(got[3]) != `{"i":3}` {
		t.Errorf("records after reopen append = %q", got)
	}
}

// TestReopenCompletesInterruptedSwap: with the handle detached mid-swap
// (current renamed to backup, temp still present), the next operation applies
// the boot recovery rules and reads the original records.
func TestReopenCompletesInterruptedSwap(t *testing.T) {
	cfg := testConfig(t)
	q := openTestQueue(t, cfg, &fakeOffsetStore{})
	defer q.Close()

	for i := 0; i < 2; i++ {
		if err := q.Append([]byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	q.mu.Lock()
	q.file.Close()
	q.file = nil
	q.mu.Unlock()
	if err := os.Rename(cfg.Path, cfg.Path+".bak"); err != nil {
		t.Fatalf("stage backup rename: %v", err)
	}
	if err := os.WriteFile(cfg.Path+".tmp", []byte("{\"i\":1}\n"), 0o644); err != nil {
		t.Fatalf("stage temp file: %v", err)
	}

	got := drain(t, q)
	if len(got) != 2 {
		t.Fatalf("read %d records after recovery, want 2", len(got))
	}
	if string(got[0]) != `{"i":0}` {
		t.Errorf("record 0 = %q", got[0])
	}
	for _, p := range []string{cfg.Path + ".tmp", cfg.Path + ".bak"} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("transient file %s left after recovery", p)
		}
	}
}

// TestCompactSurvivesOffsetPersistFailure: a store failure after the swap
// commits must not kill the queue; the compacted records stay readable and
// appendable.
func TestCompactSurvivesOffsetPersistFailure(t *testing.T) {
	store := &fakeOffsetStore{}
	q := openTestQueue(t, testConfig(t), store)
	defer q.Close()

	var keepFrom int64
	for i := 0; i < 4; i++ {
		if err := q.Append([]byte(fmt.Sprintf(`{"i":%d}`, i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if i == 1 {
			keepFrom = q.Size()
		}
	}

	store.setErr = errors.New("disk full")
	if err := q.Compact(keepFrom); err == nil {
		t.Fatal("Compact succeeded despite offset persist failure")
	}
	store.setErr = nil

	got := drain(t, q)
	if len(got) != 2 || string(got[0]) != `{"i":2}` {
		t.Fatalf("records after failed persist = %q", got)
	}
	if err := q.Append([]byte(`{"i":4}`)); err != nil {
		t.Fatalf("Append after failed persist: %v", err)
	}
	if got := drain(t, q); len(got) != 3 {
		t.Errorf("read %d records, want 3", len(got))
	}
}
