// Package protocol defines the JSON message formats exchanged between the
// irrigation node and the cloud broker: inbound valve commands, outbound
// telemetry, and outbound command acknowledgements.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command actions
const (
	ActionOn  = "on"
	ActionOff = "off"
)

// Ack lifecycle statuses. Every accepted command produces a received ack
// first and terminates in exactly one done or error.
const (
	StatusReceived = "received"
	StatusStarted  = "started"
	StatusDone     = "done"
	StatusError    = "error"
)

// Ack reasons / machine-readable error codes. Translating these into
// operator-facing text is the status store's job, not the device's.
const (
	ReasonTimeout       = "timeout"
	ReasonAlreadyOff    = "already_off"
	ReasonStopped       = "stopped"
	ReasonMissingAction = "missing_action"
	ReasonUnknownAction = "unknown_action"
	ReasonValveFailed   = "valve_failed_to_start"
	ReasonSafetyForced  = "safety_forced_off"
)

// Identifier length caps, shared with the cloud-side dispatcher.
const (
	MaxDeviceIDLen  = 80
	MaxCommandIDLen = 120
)

// SchemaVersion identifies the telemetry payload layout.
const SchemaVersion = 5

var (
	ErrEmptyID     = errors.New("empty identifier")
	ErrIDTooLong   = errors.New("identifier too long")
	ErrIDBadChar   = errors.New("identifier contains invalid character")
	ErrBadJSON     = errors.New("malformed JSON")
	ErrBadDuration = errors.New("negative duration")
)

// DeviceID is a bounded, charset-checked device identifier.
type DeviceID string

// CommandID is a bounded, charset-checked command correlation identifier.
type CommandID string

// NewDeviceID validates and wraps a device identifier.
func NewDeviceID(s string) (DeviceID, error) {
	if err := checkID(s, MaxDeviceIDLen); err != nil {
		return "", err
	}
	return DeviceID(s), nil
}

// NewCommandID validates and wraps a command identifier.
func NewCommandID(s string) (CommandID, error) {
	if err := checkID(s, MaxCommandIDLen); err != nil {
		return "", err
	}
	return CommandID(s), nil
}

func (d DeviceID) String() string  { return string(d) }
func (c CommandID) String() string { return string(c) }

// checkID enforces the shared identifier grammar [A-Za-z0-9:_-]{1,max}.
func checkID(s string, max int) error {
	if len(s) == 0 {
		return ErrEmptyID
	}
	if len(s) > max {
		return fmt.Errorf("%w: %d > %d", ErrIDTooLong, len(s), max)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == ':' || c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: %q at %d", ErrIDBadChar, c, i)
		}
	}
	return nil
}

// Command is an inbound actuation request from the cloud dispatcher.
type Command struct {
	DeviceID  string `json:"device_id"`
	Action    string `json:"action"`
	Duration  int64  `json:"duration"`
	CommandID string `json:"command_id,omitempty"`
}

// DecodeCommand parses an inbound command payload. It rejects malformed JSON
// and negative durations; action validation is left to the processor so a
// missing action can still be acknowledged with an error.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	if cmd.Duration < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadDuration, cmd.Duration)
	}
	return &cmd, nil
}

// SensorValues holds one sampling cycle's calibrated sensor readings.
type SensorValues struct {
	AirTemp      float64 `json:"air_temp"`
	AirHumidity  float64 `json:"air_humidity"`
	SoilMoisture int     `json:"soil_moisture"`
	LightLevel   int     `json:"light_level"`
	RainRaw      int     `json:"rain_raw"`
	UVIndex      float64 `json:"uv_index"`
}

// SysInfo is the diagnostic block attached to telemetry and acks.
type SysInfo struct {
	FWVersion           string `json:"fw_version"`
	SchemaVersion       int    `json:"schema_version"`
	UptimeS             int64  `json:"uptime_s"`
	FreeMemory          uint64 `json:"free_memory"`
	PendingBacklogBytes int64  `json:"pending_backlog_bytes"`
	PendingOffset       int64  `json:"pending_offset"`
	SignalStrength      *int   `json:"signal_strength,omitempty"`
}

// Telemetry is one outbound sample on the telemetry topic.
type Telemetry struct {
	DeviceID     string       `json:"device_id"`
	Timestamp    int64        `json:"timestamp"`
	TelemetrySeq uint32       `json:"telemetry_seq"`
	TelemetryID  string       `json:"telemetry_id"`
	Sensors      SensorValues `json:"sensors"`
	Sys          SysInfo      `json:"sys"`
}

// TelemetryID builds the stable downstream dedupe key device:timestamp:seq.
func TelemetryID(deviceID string, timestamp int64, seq uint32) string {
	return fmt.Sprintf("%s:%d:%d", deviceID, timestamp, seq)
}

// Ack is one outbound command lifecycle event on the ack topic.
type Ack struct {
	DeviceID  string  `json:"device_id"`
	CommandID string  `json:"command_id"`
	Status    string  `json:"status"`
	TS        int64   `json:"ts"`
	Sys       SysInfo `json:"sys"`
	Action    string  `json:"action,omitempty"`
	Duration  *int64  `json:"duration,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Topic names under the shared broker namespace.
const topicBase = "agrosmart/v5"

// TelemetryTopic returns the publish topic for telemetry samples.
func TelemetryTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/telemetry", topicBase, deviceID)
}

// CommandTopic returns the subscribe topic for inbound commands.
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", topicBase, deviceID)
}

// AckTopic returns the publish topic for command acknowledgements.
func AckTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/ack", topicBase, deviceID)
}
