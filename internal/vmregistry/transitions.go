package vmregistry

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/packetngin/hv/internal/corestate"
	"github.com/packetngin/hv/internal/icc"
)

// legalTransitions is the VM status state graph, keyed by (current,
// target) and valued by the ICC request type it issues to every assigned
// core.
var legalTransitions = map[[2]Status]icc.Type{
	{StatusStop, StatusStart}:  icc.Start,
	{StatusStart, StatusPause}: icc.Pause,
	{StatusPause, StatusStart}: icc.Resume,
	{StatusPause, StatusStop}:  icc.Stop,
	{StatusStart, StatusStop}:  icc.Stop,
}

func replyFor(reqType icc.Type) (icc.Type, int) {
	switch reqType {
	case icc.Start:
		return icc.Started, EventVMStarted
	case icc.Pause:
		return icc.Paused, EventVMPaused
	case icc.Resume:
		return icc.Resumed, EventVMResumed
	case icc.Stop:
		return icc.Stopped, EventVMStopped
	default:
		return 0, 0
	}
}

func coreStatusFor(reqType icc.Type) corestate.Status {
	switch reqType {
	case icc.Start, icc.Resume:
		return corestate.Start
	case icc.Pause:
		return corestate.Pause
	case icc.Stop:
		return corestate.Stop
	default:
		return corestate.Invalid
	}
}

type pendingTransition struct {
	mu        sync.Mutex
	vmid      uint64
	target    Status
	reqType   icc.Type
	replyType icc.Type
	eventID   int
	remaining map[uint8]bool
	failed    bool
	policies  map[uint8]*icc.ResendPolicy
}

// StatusSet validates the requested transition, optionally zeroes memory
// on a cold start, registers a one-shot continuation, and fans the ICC
// request out to every assigned core.
func (r *Registry) StatusSet(vmid uint64, target Status, cb func(ok bool)) error {
	r.mu.Lock()
	vm, ok := r.vms[vmid]
	r.mu.Unlock()
	if !ok {
		return ErrVMNotFound
	}

	current := vm.Status
	// StatusResume and StatusStart both land on corestate.Start; the
	// transition table is keyed by the latter, and a resume request is
	// legal only from PAUSE (PAUSE --resume--> START).
	if target == StatusResume {
		if current != StatusPause {
			cb(false)
			return nil
		}
		target = StatusStart
	}
	reqType, legal := legalTransitions[[2]Status{current, target}]
	if !legal {
		cb(false)
		return nil
	}
	replyType, eventID := replyFor(reqType)

	if reqType == icc.Start {
		r.zeroMemory(vm)
	}

	pt := &pendingTransition{
		vmid: vmid, target: target, reqType: reqType, replyType: replyType, eventID: eventID,
		remaining: make(map[uint8]bool, len(vm.CoreIDs)),
		policies:  make(map[uint8]*icc.ResendPolicy),
	}
	for _, id := range vm.CoreIDs {
		pt.remaining[id] = true
	}

	r.mu.Lock()
	r.pending[vmid] = pt
	r.mu.Unlock()

	r.loop.AddTrigger(eventID, func(eid int, payload any, ctx any) bool {
		ev := payload.(vmEvent)
		if ev.vmid != vmid {
			return true
		}
		cb(ev.actual)
		return false
	}, nil)

	var g errgroup.Group
	for _, id := range vm.CoreIDs {
		id := id
		g.Go(func() error {
			req := &icc.Message{Type: reqType, ApicID: ManagerApicID}
			if reqType == icc.Start {
				req.Payload = vm
			}
			return r.bus.Send(req, id)
		})
	}
	if err := g.Wait(); err != nil {
		r.mu.Lock()
		delete(r.pending, vmid)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Registry) zeroMemory(vm *VM) {
	for _, b := range vm.Memory {
		buf := r.backing(b)
		for i := range buf {
			buf[i] = 0
		}
	}
}

// pollICC is registered as a busy callback: it drains every reply waiting
// in the manager's inbox once per loop iteration, never blocking.
func (r *Registry) pollICC(ctx any) bool {
	for {
		select {
		case msg := <-r.bus.Inbox(ManagerApicID):
			r.handleReply(msg)
		default:
			return true
		}
	}
}

func (r *Registry) handleReply(msg *icc.Message) {
	coreID := msg.ApicID
	core := r.cores.Get(coreID)
	if core == nil {
		return
	}
	vmid := core.VM

	r.mu.Lock()
	pt := r.pending[vmid]
	r.mu.Unlock()
	if pt == nil || msg.Type != pt.replyType {
		return
	}

	if msg.Result == icc.ResultRetry {
		r.resendLater(pt, coreID)
		return
	}

	if msg.Result < 0 {
		pt.mu.Lock()
		pt.failed = true
		pt.mu.Unlock()
	} else if msg.Type == icc.Stopped {
		core.ReturnCode = msg.Result
	}

	pt.mu.Lock()
	delete(pt.remaining, coreID)
	done := len(pt.remaining) == 0
	failed := pt.failed
	pt.mu.Unlock()

	if done {
		r.completeTransition(pt, failed)
	}
}

// resendLater reposts the same request to coreID after a bounded backoff
// delay. Once the policy's elapsed bound is spent, that core is marked
// failed rather than retried forever.
func (r *Registry) resendLater(pt *pendingTransition, coreID uint8) {
	pt.mu.Lock()
	policy, ok := pt.policies[coreID]
	if !ok {
		policy = icc.NewResendPolicy()
		pt.policies[coreID] = policy
	}
	delay, ok := policy.Next()
	pt.mu.Unlock()

	if !ok {
		pt.mu.Lock()
		pt.failed = true
		delete(pt.remaining, coreID)
		done := len(pt.remaining) == 0
		failed := pt.failed
		pt.mu.Unlock()
		if done {
			r.completeTransition(pt, failed)
		}
		return
	}

	time.AfterFunc(delay, func() {
		req := &icc.Message{Type: pt.reqType, ApicID: ManagerApicID}
		if pt.reqType == icc.Start {
			r.mu.Lock()
			req.Payload = r.vms[pt.vmid]
			r.mu.Unlock()
		}
		r.bus.Send(req, coreID)
	})
}

func (r *Registry) completeTransition(pt *pendingTransition, failed bool) {
	r.mu.Lock()
	vm, ok := r.vms[pt.vmid]
	delete(r.pending, pt.vmid)
	r.mu.Unlock()
	if !ok {
		return
	}

	actual := !failed
	if actual {
		for _, id := range vm.CoreIDs {
			r.cores.SetStatus(id, coreStatusFor(pt.reqType))
		}
		vm.Status = pt.target
	} else if pt.reqType == icc.Start {
		// "any core returned STARTED with error" -> aggregate stays STOP.
		for _, id := range vm.CoreIDs {
			r.cores.SetStatus(id, corestate.Stop)
		}
		vm.Status = StatusStop
	}

	r.loop.Fire(pt.eventID, vmEvent{vmid: pt.vmid, actual: actual}, nil, nil)
}
