// Package engine wires the irrigation node together: sensor sampling,
// telemetry delivery, valve control and the inbound command path, all
// supervised from one place.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/agrosmart/irrigation-node/internal/backlog"
	"github.com/agrosmart/irrigation-node/internal/cloud"
	"github.com/agrosmart/irrigation-node/internal/command"
	"github.com/agrosmart/irrigation-node/internal/delivery"
	"github.com/agrosmart/irrigation-node/internal/protocol"
	"github.com/agrosmart/irrigation-node/internal/sensors"
	"github.com/agrosmart/irrigation-node/internal/storage"
	"github.com/agrosmart/irrigation-node/internal/valve"
)

// Config holds engine configuration
type Config struct {
	DeviceID        string
	FirmwareVersion string

	DatabasePath string
	BacklogPath  string
	AuditLogPath string

	BrokerURL string
	APIKey    string

	ControlInterval  time.Duration // cadence of the control loop
	SamplingInterval time.Duration // 0 means use the stored value

	StorageReinitCooldown time.Duration
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		FirmwareVersion:       "1.0.0",
		DatabasePath:          "/var/lib/agrosmart/node.db",
		BacklogPath:           "/var/lib/agrosmart/backlog.jsonl",
		AuditLogPath:          "/var/lib/agrosmart/audit.csv",
		ControlInterval:       1 * time.Second,
		StorageReinitCooldown: 30 * time.Second,
	}
}

// Engine is the node supervisor. It owns three tasks: the sampling loop, the
// control loop (connectivity, valve deadline, backlog flush) and the command
// dispatch loop.
type Engine struct {
	config   Config
	deviceID protocol.DeviceID

	store     *storage.ConfigStore
	queue     *backlog.Queue
	audit     *storage.AuditLog
	sampler   *sensors.Sampler
	valve     *valve.Controller
	client    *cloud.Client
	transport cloud.Transport // the client as the manager sees it
	conn      *cloud.Manager
	processor *command.Processor
	delivery  *delivery.Worker

	cmdChan  chan []byte
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  time.Time

	lastReinit time.Time
}

// New creates an engine over the given sensor bus and valve output.
func New(config Config, bus sensors.Bus, out valve.Output) (*Engine, error) {
	deviceID, err := protocol.NewDeviceID(config.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid device id: %w", err)
	}

	store, err := storage.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	queue, err := backlog.Open(backlog.DefaultConfig(config.BacklogPath), store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open backlog: %w", err)
	}

	audit, err := storage.OpenAuditLog(config.AuditLogPath)
	if err != nil {
		queue.Close()
		store.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	rawDry, rawWet, err := store.Calibration()
	if err != nil {
		queue.Close()
		store.Close()
		return nil, fmt.Errorf("failed to load calibration: %w", err)
	}
	sampler := sensors.NewSampler(bus, sensors.Calibration{
		RawDry: int(rawDry),
		RawWet: int(rawWet),
	})

	vc, err := valve.New(out, nil)
	if err != nil {
		queue.Close()
		store.Close()
		return nil, fmt.Errorf("failed to initialize valve: %w", err)
	}

	clientCfg := cloud.DefaultConfig()
	clientCfg.BrokerURL = config.BrokerURL
	clientCfg.DeviceID = config.DeviceID
	clientCfg.APIKey = config.APIKey
	client := cloud.New(clientCfg)

	mgrCfg := cloud.DefaultManagerConfig()
	mgrCfg.Topics = []string{protocol.CommandTopic(config.DeviceID)}
	conn := cloud.NewManager(mgrCfg, client)

	e := &Engine{
		config:    config,
		deviceID:  deviceID,
		store:     store,
		queue:     queue,
		audit:     audit,
		sampler:   sampler,
		valve:     vc,
		client:    client,
		transport: client,
		conn:      conn,
		cmdChan:   make(chan []byte, 16),
		stopChan:  make(chan struct{}),
	}

	acks := command.NewAckPublisher(deviceID, client, e.sysInfo, nil)
	e.processor = command.NewProcessor(deviceID, vc, acks)
	e.delivery = delivery.NewWorker(delivery.DefaultConfig(), deviceID, queue, client, conn, audit, nil)

	return e, nil
}

// Start starts the engine tasks
func (e *Engine) Start(ctx context.Context) error {
	e.started = time.Now()
	e.client.SetMessageHandler(e.handleBrokerMessage)

	interval := e.config.SamplingInterval
	if interval == 0 {
		stored, err := e.store.SamplingInterval()
		if err != nil {
			return fmt.Errorf("failed to load sampling interval: %w", err)
		}
		interval = stored
	}

	e.wg.Add(1)
	go e.samplingLoop(ctx, interval)

	e.wg.Add(1)
	go e.controlLoop(ctx)

	e.wg.Add(1)
	go e.commandLoop(ctx)

	log.Printf("Engine started for device %s", e.deviceID)
	return nil
}

// Stop stops the engine and releases every resource.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()

	if err := e.conn.Close(); err != nil {
		log.Printf("Error closing broker connection: %v", err)
	}
	if err := e.queue.Close(); err != nil {
		log.Printf("Error closing backlog: %v", err)
	}
	if err := e.store.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Engine stopped")
	return nil
}

// handleBrokerMessage routes inbound publishes. It runs on the transport's
// read goroutine, so commands hop onto the dispatch channel instead of being
// executed inline.
func (e *Engine) handleBrokerMessage(topic string, payload []byte) {
	if topic != protocol.CommandTopic(e.deviceID.String()) {
		log.Printf("Ignoring message on unexpected topic %s", topic)
		return
	}
	select {
	case e.cmdChan <- payload:
	default:
		log.Printf("Command queue full, dropping command")
	}
}

// samplingLoop takes one sensor sample per interval and hands it to the
// delivery worker.
func (e *Engine) samplingLoop(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First sample right away; the cloud should hear from a booting node
	// without waiting a full interval.
	e.sampleOnce()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleOnce()
		}
	}
}

// sampleOnce reads the sensors and builds one telemetry record.
func (e *Engine) sampleOnce() {
	now := time.Now()
	sample, err := e.sampler.Sample(now)
	if errors.Is(err, sensors.ErrBusBusy) {
		log.Printf("Sensor bus busy, skipping sampling cycle")
		return
	}
	if err != nil {
		log.Printf("Sampling failed: %v", err)
		return
	}

	seq, err := e.store.NextSequence()
	if err != nil {
		log.Printf("Failed to advance telemetry sequence: %v", err)
		e.maybeReinitStorage()
		return
	}

	tel := &protocol.Telemetry{
		DeviceID:     e.deviceID.String(),
		Timestamp:    sample.Taken.Unix(),
		TelemetrySeq: seq,
		TelemetryID:  protocol.TelemetryID(e.deviceID.String(), sample.Taken.Unix(), seq),
		Sensors:      sample.Values,
		Sys:          e.sysInfo(),
	}
	e.delivery.HandleSample(tel)
}

// maybeReinitStorage reopens the database after persistent storage errors,
// at most once per cooldown.
func (e *Engine) maybeReinitStorage() {
	if time.Since(e.lastReinit) < e.config.StorageReinitCooldown {
		return
	}
	e.lastReinit = time.Now()
	log.Printf("Reinitializing storage")
	if err := e.store.Reinit(); err != nil {
		log.Printf("Storage reinit failed: %v", err)
	}
}

// controlLoop runs connectivity, the valve deadline and the backlog flush on
// a fixed cadence.
func (e *Engine) controlLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.conn.Poll(ctx, time.Now())

			ev, err := e.valve.Tick()
			if err != nil {
				log.Printf("SAFETY: valve tick failed: %v", err)
			}
			if ev != nil {
				e.processor.HandleExpiry(ev)
			}

			e.delivery.FlushTick()
		}
	}
}

// commandLoop executes inbound commands one at a time.
func (e *Engine) commandLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case payload := <-e.cmdChan:
			e.processor.Handle(payload)
		}
	}
}

// sysInfo builds the diagnostic block for telemetry and acks.
func (e *Engine) sysInfo() protocol.SysInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	sys := protocol.SysInfo{
		FWVersion:           e.config.FirmwareVersion,
		SchemaVersion:       protocol.SchemaVersion,
		UptimeS:             int64(time.Since(e.started).Seconds()),
		FreeMemory:          m.HeapIdle,
		PendingBacklogBytes: e.queue.PendingBytes(),
		PendingOffset:       e.queue.Offset(),
	}
	// Signal strength rides along only when the transport can measure it.
	if meter, ok := e.transport.(cloud.SignalMeter); ok {
		if rssi, ok := meter.SignalStrength(); ok {
			sys.SignalStrength = &rssi
		}
	}
	return sys
}
