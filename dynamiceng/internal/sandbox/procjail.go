//go:build unix

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stormglass-sec/stormglass/common/models"
)

// ProcJailSupervisor detonates artifacts as a jailed child process: fresh
// scratch directory as the only writable region, read-only artifact drop,
// process group isolation, wall-clock enforcement, and filesystem
// observation via inotify on the scratch region.
//
// Syscall filtering, MAC confinement, and the network sinkhole are
// delegated to the configured jail command (e.g. an nsjail or bwrap
// profile); the supervisor refuses to run the artifact directly when no
// jail command is configured unless AllowUnjailed is set (tests only).
type ProcJailSupervisor struct {
	// JailCmd is the confinement wrapper invoked as
	// `jailCmd jailArgs... -- artifactPath`.
	JailCmd  string
	JailArgs []string

	// WorkDir is where per-instance scratch regions are created.
	WorkDir string

	// AllowUnjailed permits direct execution with no confinement wrapper.
	AllowUnjailed bool
}

// Provision creates the scratch region, copies the artifact into the
// read-only drop, and wires the filesystem watcher.
func (s *ProcJailSupervisor) Provision(ctx context.Context, spec Spec) (Instance, error) {
	if s.JailCmd == "" && !s.AllowUnjailed {
		return nil, errors.New("no jail command configured")
	}

	inst := &jailInstance{
		id:     spec.SandboxID,
		spec:   spec,
		sup:    s,
		events: make(chan Event, 1024),
	}
	inst.state.Store(int32(StateProvisioning))

	root, err := os.MkdirTemp(s.WorkDir, "sbx-"+spec.SandboxID[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	inst.root = root

	scratch := filepath.Join(root, "scratch")
	drop := filepath.Join(root, "drop")
	for _, dir := range []string{scratch, drop} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			inst.cleanupRoot()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	// Read-only artifact drop: tenant bytes enter the instance exactly
	// once and nothing else is mounted.
	dropPath := filepath.Join(drop, "artifact")
	if err := copyFile(spec.ArtifactPath, dropPath, 0o500); err != nil {
		inst.cleanupRoot()
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	inst.artifact = dropPath
	inst.scratch = scratch

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		inst.cleanupRoot()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(scratch); err != nil {
		watcher.Close()
		inst.cleanupRoot()
		return nil, fmt.Errorf("watch scratch: %w", err)
	}
	inst.watcher = watcher

	inst.state.Store(int32(StateReady))
	return inst, nil
}

type jailInstance struct {
	id       string
	spec     Spec
	sup      *ProcJailSupervisor
	root     string
	scratch  string
	artifact string
	watcher  *fsnotify.Watcher
	events   chan Event
	state    atomic.Int32

	mu  sync.Mutex
	cmd *exec.Cmd

	terminateOnce sync.Once
	closeOnce     sync.Once
}

func (i *jailInstance) ID() string { return i.id }

func (i *jailInstance) State() State { return State(i.state.Load()) }

func (i *jailInstance) Events() <-chan Event { return i.events }

// Execute runs the artifact under the jail until exit or the wall-clock
// cap. Cancellation kills the process group within a second.
func (i *jailInstance) Execute(ctx context.Context) error {
	if State(i.state.Load()) != StateReady {
		return fmt.Errorf("execute in state %s", i.State())
	}

	wall := i.spec.Caps.WallClock
	if wall <= 0 {
		wall = DefaultCaps().WallClock
	}
	execCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	var cmd *exec.Cmd
	if i.sup.JailCmd != "" {
		args := append(append([]string{}, i.sup.JailArgs...), "--", i.artifact)
		cmd = exec.CommandContext(execCtx, i.sup.JailCmd, args...)
	} else {
		cmd = exec.CommandContext(execCtx, i.artifact)
	}
	cmd.Dir = i.scratch
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so children cannot outlive the jail.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	i.mu.Lock()
	i.cmd = cmd
	i.mu.Unlock()

	watchDone := make(chan struct{})
	go i.pumpFileEvents(execCtx, watchDone)

	i.state.Store(int32(StateRunning))
	err := cmd.Run()
	i.state.Store(int32(StateDraining))

	if cmd.Process != nil {
		select {
		case i.events <- Event{
			Time:  time.Now(),
			Class: ClassProcess,
			Process: &models.ProcessEvent{
				Op:    "exit",
				PID:   cmd.Process.Pid,
				Image: i.artifact,
			},
		}:
		default:
		}
	}

	cancel()
	<-watchDone
	i.closeEvents()

	if execCtx.Err() == context.DeadlineExceeded {
		return ErrWallClockExceeded
	}
	return err
}

// pumpFileEvents translates inotify events on the scratch region into
// sandbox file observations.
func (i *jailInstance) pumpFileEvents(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-i.watcher.Events:
			if !ok {
				return
			}
			op := "open"
			switch {
			case ev.Has(fsnotify.Create):
				op = "create"
			case ev.Has(fsnotify.Write):
				op = "write"
			case ev.Has(fsnotify.Rename):
				op = "rename"
			case ev.Has(fsnotify.Remove):
				op = "delete"
			}
			select {
			case i.events <- Event{
				Time:  time.Now(),
				Class: ClassFile,
				File:  &models.FileOp{Op: op, Path: ev.Name},
			}:
			default:
				// Metered: overflow drops rather than blocking the jail.
			}
		case <-i.watcher.Errors:
		}
	}
}

func (i *jailInstance) closeEvents() {
	i.closeOnce.Do(func() { close(i.events) })
}

// Terminate kills anything still running, releases the watcher and the
// scratch region, and reports Destroyed. Safe on every exit path.
func (i *jailInstance) Terminate(_ context.Context) error {
	var err error
	i.terminateOnce.Do(func() {
		i.state.Store(int32(StateDraining))

		i.mu.Lock()
		cmd := i.cmd
		i.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}

		if i.watcher != nil {
			_ = i.watcher.Close()
		}
		i.closeEvents()
		err = i.cleanupRoot()
		i.state.Store(int32(StateDestroyed))
	})
	return err
}

func (i *jailInstance) cleanupRoot() error {
	if i.root == "" {
		return nil
	}
	return os.RemoveAll(i.root)
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, perm)
}
