// Package hw provides the hardware bindings for the node. The simulated
// implementations here drive the runtime on development machines and soak
// rigs; real sensor and GPIO drivers plug in behind the same interfaces.
package hw

import (
	"math/rand"
	"sync"

	"github.com/agrosmart/irrigation-node/internal/sensors"
)

// SimBus is a sensor bus producing a slow random walk around plausible
// greenhouse conditions.
type SimBus struct {
	mu  sync.Mutex
	rnd *rand.Rand
	cur sensors.Raw
}

// NewSimBus creates a simulated sensor bus.
func NewSimBus(seed int64) *SimBus {
	return &SimBus{
		rnd: rand.New(rand.NewSource(seed)),
		cur: sensors.Raw{
			AirTemp:     22.0,
			AirHumidity: 55.0,
			SoilRaw:     2400,
			LightLevel:  1800,
			RainRaw:     4095,
			UVIndex:     1.5,
		},
	}
}

// Read returns the next simulated reading.
func (b *SimBus) Read() (sensors.Raw, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cur.AirTemp += b.rnd.Float64() - 0.5
	b.cur.AirHumidity = clampF(b.cur.AirHumidity+b.rnd.Float64()*2-1, 0, 100)
	b.cur.SoilRaw = clampI(b.cur.SoilRaw+b.rnd.Intn(41)-20, 0, 4095)
	b.cur.LightLevel = clampI(b.cur.LightLevel+b.rnd.Intn(101)-50, 0, 4095)
	b.cur.RainRaw = clampI(b.cur.RainRaw+b.rnd.Intn(11)-5, 0, 4095)
	b.cur.UVIndex = clampF(b.cur.UVIndex+b.rnd.Float64()*0.2-0.1, 0, 11)
	return b.cur, nil
}

// SimOutput is an in-memory valve line.
type SimOutput struct {
	mu sync.Mutex
	on bool
}

// NewSimOutput creates a simulated valve output, initially off.
func NewSimOutput() *SimOutput {
	return &SimOutput{}
}

// Write sets the simulated line state.
func (o *SimOutput) Write(on bool) error {
	o.mu.Lock()
	o.on = on
	o.mu.Unlock()
	return nil
}

// Read returns the simulated line state.
func (o *SimOutput) Read() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.on, nil
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
