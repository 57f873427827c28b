package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ReplaySupervisor provisions instances that replay a recorded event
// trace instead of executing anything. It backs the engine's tests and
// offline detonation of captured traces.
type ReplaySupervisor struct {
	// Trace is the event sequence every provisioned instance replays.
	Trace []Event

	// ExecDuration is the simulated execution time.
	ExecDuration time.Duration

	// ProvisionErr, when set, fails provisioning (fault injection).
	ProvisionErr error

	// ExecuteErr, when set, fails execution after the trace replays.
	ExecuteErr error
}

// Provision returns a replay instance.
func (s *ReplaySupervisor) Provision(_ context.Context, spec Spec) (Instance, error) {
	if s.ProvisionErr != nil {
		return nil, s.ProvisionErr
	}
	inst := &replayInstance{
		id:     spec.SandboxID,
		trace:  s.Trace,
		dur:    s.ExecDuration,
		caps:   spec.Caps,
		err:    s.ExecuteErr,
		events: make(chan Event, 256),
	}
	inst.state.Store(int32(StateReady))
	return inst, nil
}

type replayInstance struct {
	id     string
	trace  []Event
	dur    time.Duration
	caps   Caps
	err    error
	events chan Event
	state  atomic.Int32

	terminateOnce sync.Once
}

func (i *replayInstance) ID() string { return i.id }

func (i *replayInstance) State() State { return State(i.state.Load()) }

func (i *replayInstance) Events() <-chan Event { return i.events }

// Execute replays the trace. Events past the wall-clock cap are dropped
// and execution reports a cap violation, mirroring a real detonation.
func (i *replayInstance) Execute(ctx context.Context) error {
	if State(i.state.Load()) == StateDestroyed {
		return errors.New("instance destroyed")
	}
	i.state.Store(int32(StateRunning))
	defer close(i.events)

	capExceeded := false
	var base time.Time
	if len(i.trace) > 0 {
		base = i.trace[0].Time
	}
	for _, ev := range i.trace {
		if ctx.Err() != nil {
			i.state.Store(int32(StateDraining))
			return ctx.Err()
		}
		if i.caps.WallClock > 0 && ev.Time.Sub(base) > i.caps.WallClock {
			capExceeded = true
			break
		}
		select {
		case <-ctx.Done():
			i.state.Store(int32(StateDraining))
			return ctx.Err()
		case i.events <- ev:
		}
	}

	if i.dur > 0 {
		select {
		case <-ctx.Done():
			i.state.Store(int32(StateDraining))
			return ctx.Err()
		case <-time.After(i.dur):
		}
	}

	i.state.Store(int32(StateDraining))
	if capExceeded {
		return ErrWallClockExceeded
	}
	return i.err
}

// Terminate is idempotent and always reaches Destroyed.
func (i *replayInstance) Terminate(_ context.Context) error {
	i.terminateOnce.Do(func() {
		i.state.Store(int32(StateDestroyed))
	})
	i.state.Store(int32(StateDestroyed))
	return nil
}

// ErrWallClockExceeded reports a detonation cut off at the wall-clock cap.
var ErrWallClockExceeded = errors.New("wall clock cap exceeded")
