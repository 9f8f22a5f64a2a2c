// Package command handles inbound valve commands: parsing, validation,
// execution against the valve, and the acknowledgement lifecycle every
// accepted command owes the cloud.
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agrosmart/irrigation-node/internal/protocol"
)

// Publisher sends one payload on a topic. Satisfied by the cloud client.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// SysProvider builds the diagnostic block stamped onto every ack.
type SysProvider func() protocol.SysInfo

// AckPublisher emits command lifecycle acknowledgements on the device's ack
// topic.
type AckPublisher struct {
	deviceID protocol.DeviceID
	pub      Publisher
	sys      SysProvider
	now      func() time.Time
}

// NewAckPublisher creates an ack publisher. now may be nil for wall clock.
func NewAckPublisher(deviceID protocol.DeviceID, pub Publisher, sys SysProvider, now func() time.Time) *AckPublisher {
	if now == nil {
		now = time.Now
	}
	return &AckPublisher{deviceID: deviceID, pub: pub, sys: sys, now: now}
}

// Received acknowledges that a command was accepted for execution.
func (a *AckPublisher) Received(id protocol.CommandID, action string, durationS int64) error {
	ack := a.base(id, protocol.StatusReceived)
	ack.Action = action
	ack.Duration = &durationS
	return a.send(ack)
}

// Started reports that the valve opened for the command.
func (a *AckPublisher) Started(id protocol.CommandID, action string, durationS int64) error {
	ack := a.base(id, protocol.StatusStarted)
	ack.Action = action
	ack.Duration = &durationS
	return a.send(ack)
}

// Done terminates a command's lifecycle. reason may be empty.
func (a *AckPublisher) Done(id protocol.CommandID, reason string) error {
	ack := a.base(id, protocol.StatusDone)
	ack.Reason = reason
	return a.send(ack)
}

// Error terminates a command's lifecycle with a failure.
func (a *AckPublisher) Error(id protocol.CommandID, reason, detail string) error {
	ack := a.base(id, protocol.StatusError)
	ack.Reason = reason
	ack.Error = detail
	return a.send(ack)
}

func (a *AckPublisher) base(id protocol.CommandID, status string) *protocol.Ack {
	return &protocol.Ack{
		DeviceID:  a.deviceID.String(),
		CommandID: id.String(),
		Status:    status,
		TS:        a.now().Unix(),
		Sys:       a.sys(),
	}
}

func (a *AckPublisher) send(ack *protocol.Ack) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	if err := a.pub.Publish(protocol.AckTopic(a.deviceID.String()), data); err != nil {
		return fmt.Errorf("publish ack %s/%s: %w", ack.CommandID, ack.Status, err)
	}
	return nil
}
