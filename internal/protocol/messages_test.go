package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestDecodeCommand tests inbound command parsing
func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
		want    Command
	}{
		{
			name:    "full command",
			payload: `{"device_id":"esp32-field-01","action":"on","duration":10,"command_id":"t1"}`,
			want:    Command{DeviceID: "esp32-field-01", Action: "on", Duration: 10, CommandID: "t1"},
		},
		{
			name:    "missing command_id",
			payload: `{"device_id":"esp32-field-01","action":"off","duration":0}`,
			want:    Command{DeviceID: "esp32-field-01", Action: "off"},
		},
		{
			name:    "missing action",
			payload: `{"device_id":"esp32-field-01","duration":5}`,
			want:    Command{DeviceID: "esp32-field-01", Duration: 5},
		},
		{
			name:    "malformed JSON",
			payload: `{"device_id":`,
			wantErr: ErrBadJSON,
		},
		{
			name:    "negative duration",
			payload: `{"device_id":"d","action":"on","duration":-3}`,
			wantErr: ErrBadDuration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeCommand error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeCommand failed: %v", err)
			}
			if *cmd != tt.want {
				t.Errorf("DecodeCommand = %+v, want %+v", *cmd, tt.want)
			}
		})
	}
}

// TestIDValidation tests the bounded identifier types
func TestIDValidation(t *testing.T) {
	if _, err := NewDeviceID("esp32-field_01:a"); err != nil {
		t.Errorf("valid device id rejected: %v", err)
	}
	if _, err := NewDeviceID(""); !errors.Is(err, ErrEmptyID) {
		t.Errorf("empty id error = %v, want ErrEmptyID", err)
	}
	if _, err := NewDeviceID(strings.Repeat("a", MaxDeviceIDLen+1)); !errors.Is(err, ErrIDTooLong) {
		t.Errorf("oversize device id error = %v, want ErrIDTooLong", err)
	}
	if _, err := NewDeviceID("bad id"); !errors.Is(err, ErrIDBadChar) {
		t.Errorf("space in id error = %v, want ErrIDBadChar", err)
	}
	if _, err := NewCommandID(strings.Repeat("x", MaxCommandIDLen)); err != nil {
		t.Errorf("max-length command id rejected: %v", err)
	}
	if _, err := NewCommandID(strings.Repeat("x", MaxCommandIDLen+1)); !errors.Is(err, ErrIDTooLong) {
		t.Errorf("oversize command id error = %v, want ErrIDTooLong", err)
	}
}

// TestTelemetryID tests the dedupe key format
func TestTelemetryID(t *testing.T) {
	got := TelemetryID("esp32-field-01", 1700000000, 42)
	if got != "esp32-field-01:1700000000:42" {
		t.Errorf("TelemetryID = %q", got)
	}
}

// TestTelemetryJSON verifies field names on the wire
func TestTelemetryJSON(t *testing.T) {
	sig := -67
	tel := Telemetry{
		DeviceID:     "esp32-field-01",
		Timestamp:    1700000000,
		TelemetrySeq: 7,
		TelemetryID:  TelemetryID("esp32-field-01", 1700000000, 7),
		Sensors: SensorValues{
			AirTemp: 24.5, AirHumidity: 61, SoilMoisture: 38,
			LightLevel: 80, RainRaw: 4095, UVIndex: 2.1,
		},
		Sys: SysInfo{
			FWVersion: "5.15.0", SchemaVersion: SchemaVersion,
			UptimeS: 120, PendingBacklogBytes: 256, PendingOffset: 128,
			SignalStrength: &sig,
		},
	}

	data, err := json.Marshal(&tel)
	if err != nil {
		t.Fatalf("marshal telemetry: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal telemetry: %v", err)
	}
	for _, key := range []string{"device_id", "timestamp", "telemetry_seq", "telemetry_id", "sensors", "sys"} {
		if _, ok := m[key]; !ok {
			t.Errorf("telemetry JSON missing %q", key)
		}
	}
	sys := m["sys"].(map[string]any)
	if sys["signal_strength"].(float64) != -67 {
		t.Errorf("signal_strength = %v", sys["signal_strength"])
	}
}

// TestAckJSONOmitsEmpty verifies optional ack fields stay off the wire
func TestAckJSONOmitsEmpty(t *testing.T) {
	ack := Ack{
		DeviceID:  "esp32-field-01",
		CommandID: "t1",
		Status:    StatusReceived,
		TS:        1700000000,
	}
	data, err := json.Marshal(&ack)
	if err != nil {
		t.Fatalf("marshal ack: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	for _, key := range []string{"reason", "error", "action", "duration"} {
		if _, ok := m[key]; ok {
			t.Errorf("empty ack field %q should be omitted", key)
		}
	}
}

// TestTopics verifies the broker topic layout
func TestTopics(t *testing.T) {
	if got := TelemetryTopic("d1"); got != "agrosmart/v5/d1/telemetry" {
		t.Errorf("TelemetryTopic = %q", got)
	}
	if got := CommandTopic("d1"); got != "agrosmart/v5/d1/command" {
		t.Errorf("CommandTopic = %q", got)
	}
	if got := AckTopic("d1"); got != "agrosmart/v5/d1/ack" {
		t.Errorf("AckTopic = %q", got)
	}
}
