package command

import (
	"log"

	"github.com/google/uuid"

	"github.com/agrosmart/irrigation-node/internal/protocol"
	"github.com/agrosmart/irrigation-node/internal/valve"
)

// Valve is the actuator as the processor sees it. Apply returns the id of
// any command whose open interval was interrupted.
type Valve interface {
	Apply(turnOn bool, durationS int64, id protocol.CommandID) (protocol.CommandID, error)
}

// Processor executes inbound command payloads against the valve and drives
// the ack lifecycle. It is not safe for concurrent use; the engine feeds it
// from a single goroutine.
type Processor struct {
	deviceID protocol.DeviceID
	valve    Valve
	acks     *AckPublisher
}

// NewProcessor creates a command processor.
func NewProcessor(deviceID protocol.DeviceID, v Valve, acks *AckPublisher) *Processor {
	return &Processor{deviceID: deviceID, valve: v, acks: acks}
}

// Handle processes one raw command payload from the command topic. Failures
// that cannot be attributed to a command id are logged and dropped; all
// others produce an ack.
func (p *Processor) Handle(payload []byte) {
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		log.Printf("Dropping malformed command: %v", err)
		return
	}

	// Commands for other devices are not ours to answer.
	if cmd.DeviceID != p.deviceID.String() {
		return
	}

	id, err := commandID(cmd, payload)
	if err != nil {
		log.Printf("Dropping command with unusable id %q: %v", cmd.CommandID, err)
		return
	}

	if cmd.Action == "" {
		p.ackErr(id, protocol.ReasonMissingAction, "command has no action")
		return
	}
	if cmd.Action != protocol.ActionOn && cmd.Action != protocol.ActionOff {
		p.ackErr(id, protocol.ReasonUnknownAction, "unknown action "+cmd.Action)
		return
	}

	if err := p.acks.Received(id, cmd.Action, cmd.Duration); err != nil {
		log.Printf("Failed to publish received ack for %s: %v", id, err)
	}

	// on with duration zero is the legacy stop form; it follows the off
	// lifecycle, not the started one.
	if cmd.Action == protocol.ActionOff || cmd.Duration == 0 {
		if cmd.Action == protocol.ActionOn {
			log.Printf("Deprecated on/0 stop form from command %s, treating as off", id)
		}
		p.stop(cmd, id)
		return
	}

	interrupted, err := p.valve.Apply(true, cmd.Duration, id)
	if interrupted != "" {
		p.ackDone(interrupted, protocol.ReasonStopped)
	}
	if err != nil {
		log.Printf("Valve failed to start for %s: %v", id, err)
		p.ackErr(id, protocol.ReasonValveFailed, err.Error())
		return
	}
	if err := p.acks.Started(id, cmd.Action, cmd.Duration); err != nil {
		log.Printf("Failed to publish started ack for %s: %v", id, err)
	}
}

// stop closes the valve for an off (or legacy on/0) command. The interrupted
// opener, if any, gets its terminal ack before the stop command does.
func (p *Processor) stop(cmd *protocol.Command, id protocol.CommandID) {
	interrupted, err := p.valve.Apply(false, 0, id)
	if interrupted != "" {
		p.ackDone(interrupted, protocol.ReasonStopped)
	}
	if err != nil {
		log.Printf("Valve failed to close for %s: %v", id, err)
		p.ackErr(id, protocol.ReasonValveFailed, err.Error())
		return
	}
	if interrupted == "" {
		p.ackDone(id, protocol.ReasonAlreadyOff)
		return
	}
	p.ackDone(id, "")
}

// HandleExpiry publishes the terminal ack for a command whose open interval
// was ended by the control loop.
func (p *Processor) HandleExpiry(ev *valve.Expiry) {
	if ev.Safety {
		p.ackErr(ev.CommandID, ev.Reason, "valve forced closed")
		return
	}
	p.ackDone(ev.CommandID, ev.Reason)
}

func (p *Processor) ackDone(id protocol.CommandID, reason string) {
	if err := p.acks.Done(id, reason); err != nil {
		log.Printf("Failed to publish done ack for %s: %v", id, err)
	}
}

func (p *Processor) ackErr(id protocol.CommandID, reason, detail string) {
	if err := p.acks.Error(id, reason, detail); err != nil {
		log.Printf("Failed to publish error ack for %s: %v", id, err)
	}
}

// commandID returns the command's id, synthesizing a deterministic one from
// the raw payload when the sender omitted it. A resend of the same payload
// maps to the same id, so the cloud can deduplicate acks.
func commandID(cmd *protocol.Command, payload []byte) (protocol.CommandID, error) {
	if cmd.CommandID == "" {
		return protocol.CommandID(uuid.NewSHA1(uuid.NameSpaceOID, payload).String()), nil
	}
	return protocol.NewCommandID(cmd.CommandID)
}
