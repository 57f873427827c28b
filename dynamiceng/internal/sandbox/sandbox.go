// Package sandbox defines the isolation capability interface the dynamic
// engine drives, and the backends implementing it. The concrete isolation
// mechanism is replaceable: backends target containers, microVMs, or
// process jails without touching the engine.
package sandbox

import (
	"context"
	"time"

	"github.com/stormglass-sec/stormglass/common/models"
)

// State is the sandbox lifecycle position. Terminal on any error is
// Destroyed; instances are never pooled or reused.
type State int32

const (
	StateProvisioning State = iota
	StateReady
	StateRunning
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "Provisioning"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateDestroyed:
		return "Destroyed"
	}
	return "Unknown"
}

// Caps are the per-instance resource limits. The shipped backends enforce
// only WallClock: past it, execution is cut off with ErrWallClockExceeded.
// VCPUs, MemoryBytes and DiskBytes travel on the Spec but are not enforced
// by the procjail or replay backends; any such limit comes from the
// configured jail command.
type Caps struct {
	VCPUs       int
	MemoryBytes int64
	DiskBytes   int64
	WallClock   time.Duration
}

// DefaultCaps returns the standard detonation limits.
func DefaultCaps() Caps {
	return Caps{
		VCPUs:       1,
		MemoryBytes: 2 << 30,
		DiskBytes:   10 << 30,
		WallClock:   300 * time.Second,
	}
}

// Spec describes one detonation job. The artifact is exposed read-only
// inside the instance; writes land in a scratch region only.
type Spec struct {
	SandboxID    string
	TenantID     string
	ArtifactID   string
	ArtifactPath string
	Caps         Caps
}

// EventClass discriminates observed events.
type EventClass string

const (
	ClassFile     EventClass = "file"
	ClassRegistry EventClass = "registry"
	ClassProcess  EventClass = "process"
	ClassNetwork  EventClass = "network"
)

// Event is one observation streamed from the instance while the artifact
// executes. Exactly one of the payload pointers is set, matching Class.
type Event struct {
	Time     time.Time
	Class    EventClass
	File     *models.FileOp
	Registry *models.RegistryOp
	Process  *models.ProcessEvent
	Network  *models.NetworkEvent
}

// Instance is one provisioned sandbox. Every instance must reach
// Destroyed on every exit path; Terminate is idempotent and safe to call
// concurrently with Execute.
type Instance interface {
	// ID identifies the instance for logging and audit.
	ID() string

	// State reports the current lifecycle state.
	State() State

	// Execute runs the artifact until exit, wall-clock cap, or ctx
	// cancellation. Cancellation is honored within one second.
	Execute(ctx context.Context) error

	// Events streams observations. The channel closes when execution
	// finishes and the event backlog is drained.
	Events() <-chan Event

	// Terminate tears the instance down unconditionally: child processes
	// killed, network and filesystem resources released, final state
	// Destroyed. It must succeed even after Execute panicked or the
	// cancellation source has gone away.
	Terminate(ctx context.Context) error
}

// Supervisor provisions instances. One instance per dynamic job; no
// pooling between jobs.
type Supervisor interface {
	Provision(ctx context.Context, spec Spec) (Instance, error)
}
