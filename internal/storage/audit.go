package storage

import (
	"fmt"
	"os"
	"sync"
)

// Audit statuses for processed samples.
const (
	AuditSent    = "SENT"
	AuditPending = "PENDING"
	AuditDrop    = "DROP"
)

const auditHeader = "timestamp,telemetry_id,status\n"

// AuditLog is the append-only per-sample diagnostic log. It is not part of
// the delivery-correctness contract; a write failure is logged by the caller
// and otherwise ignored.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// OpenAuditLog opens or creates the audit CSV, writing the header row on
// first creation.
func OpenAuditLog(path string) (*AuditLog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(auditHeader), 0o644); err != nil {
			return nil, fmt.Errorf("failed to create audit log: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat audit log: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Record appends one row for a processed sample.
func (a *AuditLog) Record(timestamp int64, telemetryID, status string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%d,%s,%s\n", timestamp, telemetryID, status)
	return err
}
