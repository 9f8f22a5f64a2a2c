// Package delivery moves telemetry from the sampling task to the broker,
// spilling to the on-disk backlog whenever the broker is unreachable and
// replaying it in order once connectivity returns.
package delivery

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/agrosmart/irrigation-node/internal/backlog"
	"github.com/agrosmart/irrigation-node/internal/protocol"
	"github.com/agrosmart/irrigation-node/internal/storage"
)

// Publisher sends one payload on a topic. Satisfied by the cloud client.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Connectivity reports whether the broker session is up. Satisfied by the
// connectivity manager.
type Connectivity interface {
	Online() bool
}

// Config holds delivery worker configuration
type Config struct {
	FlushMaxItems         int           // records per flush pass
	FlushBudget           time.Duration // wall-clock cap per flush pass
	CompactThresholdBytes int64         // consumed bytes that trigger compaction
}

// DefaultConfig returns default delivery worker configuration
func DefaultConfig() Config {
	return Config{
		FlushMaxItems:         16,
		FlushBudget:           2 * time.Second,
		CompactThresholdBytes: 64 * 1024,
	}
}

// Worker owns the store-and-forward pipeline for one device.
type Worker struct {
	config   Config
	deviceID protocol.DeviceID
	queue    *backlog.Queue
	pub      Publisher
	conn     Connectivity
	audit    *storage.AuditLog
	now      func() time.Time
}

// NewWorker creates a delivery worker. now may be nil for wall clock.
func NewWorker(config Config, deviceID protocol.DeviceID, queue *backlog.Queue, pub Publisher, conn Connectivity, audit *storage.AuditLog, now func() time.Time) *Worker {
	if now == nil {
		now = time.Now
	}
	return &Worker{
		config:   config,
		deviceID: deviceID,
		queue:    queue,
		pub:      pub,
		conn:     conn,
		audit:    audit,
		now:      now,
	}
}

// HandleSample delivers one telemetry sample: publish immediately when the
// session is up, otherwise persist it for later replay. A sample the backlog
// rejects is dropped; the audit row is the only trace it existed.
func (w *Worker) HandleSample(tel *protocol.Telemetry) {
	data, err := json.Marshal(tel)
	if err != nil {
		log.Printf("Failed to marshal telemetry %s: %v", tel.TelemetryID, err)
		return
	}

	if w.conn.Online() {
		err := w.pub.Publish(protocol.TelemetryTopic(w.deviceID.String()), data)
		if err == nil {
			w.recordAudit(tel.Timestamp, tel.TelemetryID, storage.AuditSent)
			return
		}
		log.Printf("Telemetry publish failed, queueing %s: %v", tel.TelemetryID, err)
	}

	if err := w.queue.Append(data); err != nil {
		if errors.Is(err, backlog.ErrBacklogFull) || errors.Is(err, backlog.ErrRecordTooLarge) {
			log.Printf("Dropping telemetry %s: %v", tel.TelemetryID, err)
		} else {
			log.Printf("Failed to queue telemetry %s: %v", tel.TelemetryID, err)
		}
		w.recordAudit(tel.Timestamp, tel.TelemetryID, storage.AuditDrop)
		return
	}
	w.recordAudit(tel.Timestamp, tel.TelemetryID, storage.AuditPending)
}

// FlushTick replays queued telemetry while the session is up. Records go out
// strictly in order; the pass stops at the first failure and is bounded by
// both an item count and a wall-clock budget so it never starves the control
// loop.
func (w *Worker) FlushTick() {
	if !w.conn.Online() {
		return
	}

	deadline := w.now().Add(w.config.FlushBudget)
	topic := protocol.TelemetryTopic(w.deviceID.String())

	for i := 0; i < w.config.FlushMaxItems; i++ {
		if !w.now().Before(deadline) {
			break
		}

		rec, next, _, err := w.queue.ReadAt(w.queue.Offset())
		if errors.Is(err, backlog.ErrNoRecord) {
			break
		}
		if err != nil {
			log.Printf("Backlog read failed: %v", err)
			break
		}

		if err := w.pub.Publish(topic, rec); err != nil {
			log.Printf("Backlog replay publish failed: %v", err)
			break
		}
		// The offset only moves after the publish was confirmed; a crash in
		// between redelivers, never loses.
		if err := w.queue.AdvanceOffset(next); err != nil {
			log.Printf("Failed to advance backlog offset: %v", err)
			break
		}
		w.auditReplay(rec)
	}

	if w.queue.Offset() >= w.config.CompactThresholdBytes {
		if err := w.queue.Compact(w.queue.Offset()); err != nil {
			log.Printf("Backlog compaction failed: %v", err)
		}
	}
}

// auditReplay marks a replayed record SENT, pulling the identifying fields
// back out of the stored payload.
func (w *Worker) auditReplay(rec []byte) {
	var tel struct {
		Timestamp   int64  `json:"timestamp"`
		TelemetryID string `json:"telemetry_id"`
	}
	if err := json.Unmarshal(rec, &tel); err != nil {
		log.Printf("Unparseable backlog record in audit: %v", err)
		return
	}
	w.recordAudit(tel.Timestamp, tel.TelemetryID, storage.AuditSent)
}

func (w *Worker) recordAudit(ts int64, telemetryID, status string) {
	if err := w.audit.Record(ts, telemetryID, status); err != nil {
		log.Printf("Audit write failed: %v", err)
	}
}
