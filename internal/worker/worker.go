// Package worker implements WorkerRuntime: on each non-manager core, a
// small run loop that drives a loaded guest task through start/pause/
// resume/stop, reporting results back to the manager over ICC — a select
// on an interrupt source followed by one blocking call and a switch on
// the returned exit reason, without a real VMM underneath.
package worker

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/packetngin/hv/internal/icc"
	"github.com/packetngin/hv/internal/vmregistry"
)

var (
	// ErrLoaderFailure wraps a GuestLoader.Load error before it is logged;
	// the ICC reply to the manager still carries the plain STOPPED/-1
	// result, since the wire message has no room for a Go error.
	ErrLoaderFailure = errors.New("worker: guest loader failed")
	// ErrGuestFault marks an ExitFault captured from guest context before
	// it is logged, distinguishing it from a clean ExitHalt in the logs.
	ErrGuestFault = errors.New("worker: guest fault")
)

// ExitReason is what a GuestTask.Run call reports when it returns control
// to the runtime, replacing a real KVM_EXIT_* value.
type ExitReason int

const (
	// ExitYield is a voluntary return while the guest remains runnable.
	ExitYield ExitReason = iota
	// ExitHalt is a voluntary return where the guest has terminated
	// cleanly, carrying a return code.
	ExitHalt
	// ExitFault is an exception captured from guest context, carrying the
	// faulting vector as errno.
	ExitFault
)

// GuestTask is one loaded, runnable guest. Run blocks until the guest
// yields, halts, or faults.
type GuestTask interface {
	Run() (ExitReason, int32)
	Close() error
}

// GuestLoader loads an ELF image for a VM into its pre-pinned memory
// blocks and returns a runnable GuestTask. No implementation lives in
// this repo; it is the boundary a future ELF loader plugs into.
type GuestLoader interface {
	Load(vm *vmregistry.VM) (GuestTask, error)
}

// Runtime drives one non-manager core's guest lifecycle.
type Runtime struct {
	apicID uint8
	bus    *icc.Bus
	loader GuestLoader
	log    *logrus.Logger

	task GuestTask
}

// New builds a Runtime for the given core.
func New(apicID uint8, bus *icc.Bus, loader GuestLoader, log *logrus.Logger) *Runtime {
	if log == nil {
		log = logrus.New()
	}
	return &Runtime{apicID: apicID, bus: bus, loader: loader, log: log}
}

// Serve runs until stop is closed, handling ICC requests addressed to
// this core and the PAUSE IPI on vector 49.
func (r *Runtime) Serve(stop <-chan struct{}) {
	inbox := r.bus.Inbox(r.apicID)
	ipi := r.bus.IPI(r.apicID)
	for {
		select {
		case <-stop:
			return
		case <-ipi:
			r.handlePause()
		case msg := <-inbox:
			r.handle(msg)
		}
	}
}

func (r *Runtime) handle(msg *icc.Message) {
	switch msg.Type {
	case icc.Start:
		r.handleStart(msg)
	case icc.Resume:
		r.handleResume()
	case icc.Stop:
		r.handleStop()
	default:
		r.log.WithField("type", msg.Type).Warn("worker: unexpected message")
	}
}

func (r *Runtime) handleStart(msg *icc.Message) {
	vm, ok := msg.Payload.(*vmregistry.VM)
	if !ok || vm == nil {
		r.reply(icc.Stopped, -1)
		return
	}

	task, err := r.loader.Load(vm)
	if err != nil {
		r.log.WithError(fmt.Errorf("%w: %v", ErrLoaderFailure, err)).Error("worker: guest load failed")
		r.reply(icc.Stopped, -1)
		return
	}
	r.task = task
	// STARTED carries no ring descriptors here: the manager already holds
	// them in the shared corestate.Table from vm creation, so there is
	// nothing left to hand back over ICC.
	r.reply(icc.Started, 0)
	r.runUntilYield()
}

func (r *Runtime) handleResume() {
	if r.task == nil {
		r.reply(icc.Stopped, -1)
		return
	}
	r.reply(icc.Resumed, 0)
	r.runUntilYield()
}

func (r *Runtime) handlePause() {
	// PAUSE is delivered as a pure IPI; the runtime stops driving the
	// guest task in place and reports PAUSED once it is safe to do so
	// (the task retains its state for a future RESUME).
	r.reply(icc.Paused, 0)
}

func (r *Runtime) handleStop() {
	if r.task != nil {
		r.task.Close()
		r.task = nil
	}
	r.reply(icc.Stopped, 0)
}

// runUntilYield drives the current task a single step: a voluntary yield
// reports PAUSED, a clean halt or a fault reports STOPPED with the
// corresponding code.
func (r *Runtime) runUntilYield() {
	if r.task == nil {
		return
	}
	reason, code := r.task.Run()
	switch reason {
	case ExitYield:
		r.reply(icc.Paused, 0)
	case ExitHalt:
		r.task.Close()
		r.task = nil
		r.reply(icc.Stopped, code)
	case ExitFault:
		r.log.WithError(fmt.Errorf("%w: vector %d", ErrGuestFault, code)).Warn("worker: guest faulted")
		r.task.Close()
		r.task = nil
		r.reply(icc.Stopped, code)
	}
}

func (r *Runtime) reply(t icc.Type, result int32) {
	if err := r.bus.Send(&icc.Message{Type: t, ApicID: r.apicID, Result: result}, vmregistry.ManagerApicID); err != nil {
		r.log.WithError(err).Warn("worker: reply send failed")
	}
}
