// Package valve drives the irrigation valve as a fail-safe state machine.
// The valve is only ever open with a deadline attached; every code path that
// cannot prove the valve should be open closes it.
package valve

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agrosmart/irrigation-node/internal/protocol"
)

const (
	// MaxDurationS caps every open interval regardless of what the command
	// asked for.
	MaxDurationS = 900

	// lockWait bounds how long any caller may wait for the valve lock.
	lockWait = 50 * time.Millisecond
)

var (
	// ErrLockTimeout means the valve lock could not be acquired in time. The
	// physical output has already been forced off when this is returned.
	ErrLockTimeout = errors.New("valve lock timed out")

	// ErrReadBack means the physical output did not match what was written.
	ErrReadBack = errors.New("valve read-back mismatch")
)

// Output is the physical valve line. Read must reflect the actual pin state,
// not a cached copy of the last write.
type Output interface {
	Write(on bool) error
	Read() (bool, error)
}

// State is a snapshot of the valve state machine.
type State struct {
	On         bool
	DeadlineMS uint32
	CommandID  protocol.CommandID
}

// Expiry reports a valve that was closed by the control loop rather than by
// a command.
type Expiry struct {
	CommandID protocol.CommandID
	Reason    string
	Safety    bool
}

// Controller owns the valve output and its single open/closed state. All
// mutation goes through one bounded-wait lock; a caller that cannot get the
// lock forces the output off instead of blocking.
type Controller struct {
	out   Output
	nowMS func() uint32

	sem   chan struct{}
	state State
}

// New returns a closed controller. nowMS may be nil, in which case a
// monotonic millisecond clock is used.
func New(out Output, nowMS func() uint32) (*Controller, error) {
	if nowMS == nil {
		start := time.Now()
		nowMS = func() uint32 { return uint32(time.Since(start).Milliseconds()) }
	}
	c := &Controller{
		out:   out,
		nowMS: nowMS,
		sem:   make(chan struct{}, 1),
	}
	// Known-safe starting point: the valve is closed before anything else runs.
	if err := c.writeAndVerify(false); err != nil {
		return nil, fmt.Errorf("failed to close valve at startup: %w", err)
	}
	return c, nil
}

// lock acquires the valve lock within the bounded wait. On timeout the
// physical output is forced off before reporting failure; fail-safe beats
// state consistency here.
func (c *Controller) lock() error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-time.After(lockWait):
		log.Printf("SAFETY: valve lock contention, forcing output off")
		if err := c.out.Write(false); err != nil {
			log.Printf("SAFETY: forced valve close failed: %v", err)
		}
		return ErrLockTimeout
	}
}

func (c *Controller) unlock() { <-c.sem }

// writeAndVerify sets the output and confirms the read-back matches.
func (c *Controller) writeAndVerify(on bool) error {
	if err := c.out.Write(on); err != nil {
		return fmt.Errorf("failed to write valve output: %w", err)
	}
	got, err := c.out.Read()
	if err != nil {
		return fmt.Errorf("failed to read valve output: %w", err)
	}
	if got != on {
		return fmt.Errorf("%w: wrote %v, read %v", ErrReadBack, on, got)
	}
	return nil
}

// Apply executes a validated command against the valve. It returns the id of
// the command whose open interval was interrupted, if any; the caller owes
// that command a terminal ack.
//
// Off closes the valve immediately. On with a duration above the cap is
// clamped. On with duration zero is the legacy stop form and behaves as off.
func (c *Controller) Apply(turnOn bool, durationS int64, id protocol.CommandID) (interrupted protocol.CommandID, err error) {
	if turnOn && durationS == 0 {
		log.Printf("deprecated on/0 stop form from command %s, treating as off", id)
		turnOn = false
	}

	if err := c.lock(); err != nil {
		return "", err
	}
	defer c.unlock()

	if !turnOn {
		if c.state.On {
			interrupted = c.state.CommandID
		}
		c.state = State{}
		if err := c.writeAndVerify(false); err != nil {
			return interrupted, err
		}
		return interrupted, nil
	}

	if durationS > MaxDurationS {
		log.Printf("clamping valve duration %ds to %ds for command %s", durationS, MaxDurationS, id)
		durationS = MaxDurationS
	}

	if c.state.On {
		interrupted = c.state.CommandID
	}
	if err := c.writeAndVerify(true); err != nil {
		// Never leave the valve in an unknown state after a failed start.
		if closeErr := c.out.Write(false); closeErr != nil {
			log.Printf("SAFETY: failed to close valve after bad start: %v", closeErr)
		}
		c.state = State{}
		return interrupted, err
	}

	deadline := c.nowMS() + uint32(durationS)*1000
	if deadline == 0 {
		// Zero is reserved as the corrupted-state marker checked by Tick.
		deadline = 1
	}
	c.state = State{On: true, DeadlineMS: deadline, CommandID: id}
	return interrupted, nil
}

// Tick enforces the open-interval deadline. It must run every control cycle;
// the deadline only fires here, nothing else watches the clock.
func (c *Controller) Tick() (*Expiry, error) {
	if err := c.lock(); err != nil {
		return nil, err
	}
	defer c.unlock()

	if !c.state.On {
		return nil, nil
	}

	if c.state.DeadlineMS == 0 {
		// An open valve without a deadline is a corrupted state, never a
		// reachable one. Close it and report the violation.
		log.Printf("SAFETY: valve open with no deadline, forcing off (command %s)", c.state.CommandID)
		ev := &Expiry{CommandID: c.state.CommandID, Reason: protocol.ReasonSafetyForced, Safety: true}
		c.state = State{}
		if err := c.writeAndVerify(false); err != nil {
			return ev, err
		}
		return ev, nil
	}

	if !timeReached(c.nowMS(), c.state.DeadlineMS) {
		return nil, nil
	}

	ev := &Expiry{CommandID: c.state.CommandID, Reason: protocol.ReasonTimeout}
	c.state = State{}
	if err := c.writeAndVerify(false); err != nil {
		return ev, err
	}
	return ev, nil
}

// State returns a snapshot of the valve state.
func (c *Controller) State() (State, error) {
	if err := c.lock(); err != nil {
		return State{}, err
	}
	defer c.unlock()
	return c.state, nil
}

// timeReached compares wrap-around millisecond timestamps. True once now has
// passed deadline, correct across the uint32 rollover as long as the two are
// within half the counter range of each other.
func timeReached(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}
