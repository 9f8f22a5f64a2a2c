package cloud

import (
	"context"
	"log"
	"sync"
	"time"
)

// Transport is the broker connection as the connectivity manager sees it:
// a link to bring up, a session handshake to run on top of it, and a flag
// that goes false when either drops.
type Transport interface {
	Dial(ctx context.Context) error
	Subscribe(ctx context.Context, topics ...string) error
	Connected() bool
	Close() error
}

// SignalMeter is an optional Transport capability reporting link quality.
// Telemetry includes signal strength only when the transport provides it.
type SignalMeter interface {
	SignalStrength() (rssi int, ok bool)
}

// ManagerConfig holds connectivity manager configuration
type ManagerConfig struct {
	Topics []string // session subscriptions

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	JitterPercent     float64

	DialTimeout      time.Duration
	SubscribeTimeout time.Duration
}

// DefaultManagerConfig returns default connectivity manager configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		JitterPercent:     0.25,
		DialTimeout:       10 * time.Second,
		SubscribeTimeout:  10 * time.Second,
	}
}

// layerState tracks retry scheduling for one connectivity layer.
type layerState struct {
	attempts  int
	nextRetry time.Time
}

// Manager drives the transport through link and session establishment with
// independent exponential backoff per layer. Poll never blocks beyond the
// configured dial and subscribe timeouts; it is meant to run on every pass
// of the control loop.
type Manager struct {
	config    ManagerConfig
	transport Transport

	mu     sync.Mutex
	online bool // guarded by mu; Online is called from other goroutines

	// link and session are touched only by the polling goroutine.
	link    layerState
	session layerState

	rnd func() float64 // uniform [0,1), nil means package default
}

// NewManager creates a connectivity manager over the given transport.
func NewManager(config ManagerConfig, transport Transport) *Manager {
	return &Manager{
		config:    config,
		transport: transport,
	}
}

// Online returns whether the session is established. It reflects the last
// Poll; a drop between polls shows up on the next one.
func (m *Manager) Online() bool {
	m.mu.Lock()
	online := m.online
	m.mu.Unlock()
	return online && m.transport.Connected()
}

func (m *Manager) setOnline(v bool) {
	m.mu.Lock()
	m.online = v
	m.mu.Unlock()
}

// Poll advances the connectivity state machine one step. It returns whether
// the session is online after the step.
func (m *Manager) Poll(ctx context.Context, now time.Time) bool {
	m.mu.Lock()
	online := m.online
	m.mu.Unlock()
	if online {
		if m.transport.Connected() {
			return true
		}
		// The link dropped under an established session. Retry immediately
		// on the next poll; backoff starts only if that fails too.
		log.Printf("Broker connection lost, reconnecting")
		m.transport.Close()
		m.setOnline(false)
		m.link = layerState{}
		m.session = layerState{}
		return false
	}

	if !m.transport.Connected() {
		if now.Before(m.link.nextRetry) {
			return false
		}
		dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
		err := m.transport.Dial(dialCtx)
		cancel()
		if err != nil {
			delay := backoffDelay(m.config.InitialRetryDelay, m.config.MaxRetryDelay,
				m.config.JitterPercent, m.link.attempts, m.rnd)
			log.Printf("Failed to connect to broker: %v (retry in %s)", err, delay.Round(time.Millisecond))
			m.link.attempts++
			m.link.nextRetry = now.Add(delay)
			return false
		}
		m.link.attempts = 0
		m.link.nextRetry = time.Time{}
	}

	if now.Before(m.session.nextRetry) {
		return false
	}
	subCtx, cancel := context.WithTimeout(ctx, m.config.SubscribeTimeout)
	err := m.transport.Subscribe(subCtx, m.config.Topics...)
	cancel()
	if err != nil {
		delay := backoffDelay(m.config.InitialRetryDelay, m.config.MaxRetryDelay,
			m.config.JitterPercent, m.session.attempts, m.rnd)
		log.Printf("Subscribe handshake failed: %v (retry in %s)", err, delay.Round(time.Millisecond))
		m.session.attempts++
		m.session.nextRetry = now.Add(delay)
		return false
	}
	m.session.attempts = 0
	m.session.nextRetry = time.Time{}
	m.setOnline(true)
	log.Printf("Broker session established")
	return true
}

// Close shuts down the transport.
func (m *Manager) Close() error {
	m.setOnline(false)
	return m.transport.Close()
}
