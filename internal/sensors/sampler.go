// Package sensors reads the node's environmental sensors and converts raw
// readings into calibrated telemetry values.
package sensors

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agrosmart/irrigation-node/internal/protocol"
)

// busWait bounds how long a sampling cycle may wait for the sensor bus.
// A busy bus skips the cycle rather than stalling the sampling task.
const busWait = 50 * time.Millisecond

// ErrBusBusy means the sensor bus could not be acquired in time; the caller
// should skip this cycle and try again on the next one.
var ErrBusBusy = errors.New("sensor bus busy")

// Bus reads all physical sensors in one pass. Implementations talk to real
// hardware; tests substitute fakes.
type Bus interface {
	Read() (Raw, error)
}

// Raw holds one uncalibrated reading of every sensor.
type Raw struct {
	AirTemp     float64
	AirHumidity float64
	SoilRaw     int
	LightLevel  int
	RainRaw     int
	UVIndex     float64
}

// Calibration maps the raw soil reading onto a moisture percentage by linear
// interpolation between the two configured breakpoints.
type Calibration struct {
	RawDry int // raw reading in dry soil, maps to 0%
	RawWet int // raw reading in saturated soil, maps to 100%
}

// SoilPercent converts a raw soil reading to a clamped 0-100 percentage.
func (c Calibration) SoilPercent(raw int) int {
	if c.RawDry == c.RawWet {
		return 0
	}
	pct := (raw - c.RawDry) * 100 / (c.RawWet - c.RawDry)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Sample is one calibrated sampling cycle.
type Sample struct {
	Values protocol.SensorValues
	Taken  time.Time
}

// Sampler owns access to the sensor bus and caches the most recent sample
// for status consumers.
type Sampler struct {
	bus Bus
	cal Calibration
	sem chan struct{}

	mu        sync.Mutex
	latest    Sample
	hasLatest bool
}

// NewSampler creates a sampler over the given bus.
func NewSampler(bus Bus, cal Calibration) *Sampler {
	return &Sampler{
		bus: bus,
		cal: cal,
		sem: make(chan struct{}, 1),
	}
}

// Sample reads every sensor and returns the calibrated values. It waits at
// most busWait for the bus; contention returns ErrBusBusy without touching
// the cached sample.
func (s *Sampler) Sample(now time.Time) (Sample, error) {
	select {
	case s.sem <- struct{}{}:
	case <-time.After(busWait):
		return Sample{}, ErrBusBusy
	}
	raw, err := s.bus.Read()
	<-s.sem
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read sensor bus: %w", err)
	}

	sample := Sample{
		Values: protocol.SensorValues{
			AirTemp:      raw.AirTemp,
			AirHumidity:  raw.AirHumidity,
			SoilMoisture: s.cal.SoilPercent(raw.SoilRaw),
			LightLevel:   raw.LightLevel,
			RainRaw:      raw.RainRaw,
			UVIndex:      raw.UVIndex,
		},
		Taken: now,
	}

	s.mu.Lock()
	s.latest = sample
	s.hasLatest = true
	s.mu.Unlock()

	return sample, nil
}

// Latest returns the most recent successful sample, if any.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}
