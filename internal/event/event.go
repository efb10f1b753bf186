// Package event implements the per-core EventLoop: busy, timer, trigger,
// and idle callback queues, drained in that fixed order every iteration.
package event

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Func is a busy/timer/idle callback. Returning false deregisters it.
type Func func(ctx any) bool

// TriggerFunc is a trigger handler for one event id. Returning false
// deregisters it from that event id.
type TriggerFunc func(eventID int, payload any, ctx any) bool

type busyNode struct {
	id   uint64
	fn   Func
	ctx  any
	live bool
}

type timerNode struct {
	id       uint64
	fn       Func
	ctx      any
	deadline time.Time
	period   time.Duration
	seq      uint64
	live     bool
}

func (n *timerNode) Less(than btree.Item) bool {
	o := than.(*timerNode)
	if n.deadline.Equal(o.deadline) {
		return n.seq < o.seq
	}
	return n.deadline.Before(o.deadline)
}

type triggerNode struct {
	id   uint64
	fn   TriggerFunc
	ctx  any
	live bool
}

type pendingTrigger struct {
	eventID int
	payload any
	last    TriggerFunc
	ctx     any
}

type idleNode struct {
	id   uint64
	fn   Func
	ctx  any
	live bool
}

// Loop is one core's independent, single-threaded event loop.
type Loop struct {
	mu sync.Mutex

	now func() time.Time

	nextID uint64
	seq    uint64

	busy  []*busyNode
	timer *btree.BTree

	triggerHandlers map[int][]*triggerNode
	pending         []pendingTrigger

	idle    []*idleNode
	idleRot int
}

// New creates an empty event loop. nowFn defaults to time.Now; tests may
// supply a deterministic clock.
func New(nowFn func() time.Time) *Loop {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Loop{
		now:             nowFn,
		timer:           btree.New(32),
		triggerHandlers: make(map[int][]*triggerNode),
	}
}

func (l *Loop) newID() uint64 {
	l.nextID++
	return l.nextID
}

// AddBusy registers a callback drained every iteration.
func (l *Loop) AddBusy(fn Func, ctx any) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := &busyNode{id: l.newID(), fn: fn, ctx: ctx, live: true}
	l.busy = append(l.busy, n)
	return n.id
}

// RemoveBusy deregisters a busy callback by id.
func (l *Loop) RemoveBusy(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, n := range l.busy {
		if n.id == id {
			n.live = false
			l.busy = append(l.busy[:i], l.busy[i+1:]...)
			return true
		}
	}
	return false
}

// AddTimer schedules fn to run after delay, and every period thereafter as
// long as fn returns true. period == 0 means one-shot.
func (l *Loop) AddTimer(fn Func, ctx any, delay, period time.Duration) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	n := &timerNode{
		id: l.newID(), fn: fn, ctx: ctx,
		deadline: l.now().Add(delay), period: period, seq: l.seq, live: true,
	}
	l.timer.ReplaceOrInsert(n)
	return n.id
}

// RemoveTimer deregisters a timer by id.
func (l *Loop) RemoveTimer(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *timerNode
	l.timer.Ascend(func(item btree.Item) bool {
		n := item.(*timerNode)
		if n.id == id {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return false
	}
	l.timer.Delete(found)
	return true
}

// AddTrigger registers fn as a handler for eventID, in registration order.
func (l *Loop) AddTrigger(eventID int, fn TriggerFunc, ctx any) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := &triggerNode{id: l.newID(), fn: fn, ctx: ctx, live: true}
	l.triggerHandlers[eventID] = append(l.triggerHandlers[eventID], n)
	return n.id
}

// RemoveTrigger deregisters a trigger handler by id.
func (l *Loop) RemoveTrigger(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for eventID, list := range l.triggerHandlers {
		for i, n := range list {
			if n.id == id {
				l.triggerHandlers[eventID] = append(list[:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Fire queues a dispatch of eventID for the loop's next trigger phase
// (the current iteration's, if Run has not reached it yet). last, if
// non-nil, runs when every registered handler has been invoked without a
// Stop call from inside one of them.
func (l *Loop) Fire(eventID int, payload any, last TriggerFunc, ctx any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, pendingTrigger{eventID: eventID, payload: payload, last: last, ctx: ctx})
}

// AddIdle registers fn in the circular idle queue.
func (l *Loop) AddIdle(fn Func, ctx any) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := &idleNode{id: l.newID(), fn: fn, ctx: ctx, live: true}
	l.idle = append(l.idle, n)
	return n.id
}

// RemoveIdle deregisters an idle callback by id.
func (l *Loop) RemoveIdle(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, n := range l.idle {
		if n.id == id {
			l.idle = append(l.idle[:i], l.idle[i+1:]...)
			if l.idleRot > i {
				l.idleRot--
			}
			return true
		}
	}
	return false
}

// dispatchState is carried through ctx-independent state during one Fire
// dispatch; it lets a handler abort delivery to the remaining handlers.
type dispatchState struct{ stopped bool }

// Run executes exactly one loop iteration: busy, then due timers in
// deadline order, then pending trigger dispatches, then one idle callback.
// It returns the number of busy, timer and idle callbacks it invoked plus
// the number of trigger dispatches it drained.
func (l *Loop) Run() int {
	count := 0
	count += l.runBusy()
	count += l.runTimers()
	count += l.runTriggers()
	count += l.runIdle()
	return count
}

func (l *Loop) runBusy() int {
	l.mu.Lock()
	snapshot := append([]*busyNode(nil), l.busy...)
	l.mu.Unlock()

	n := 0
	for _, node := range snapshot {
		if !node.live {
			continue
		}
		if !node.fn(node.ctx) {
			l.RemoveBusy(node.id)
		}
		n++
	}
	return n
}

func (l *Loop) runTimers() int {
	n := 0
	for {
		l.mu.Lock()
		if l.timer.Len() == 0 {
			l.mu.Unlock()
			break
		}
		min := l.timer.Min().(*timerNode)
		now := l.now()
		if min.deadline.After(now) {
			l.mu.Unlock()
			break
		}
		l.timer.Delete(min)
		l.mu.Unlock()

		if min.fn(min.ctx) && min.period > 0 {
			l.mu.Lock()
			l.seq++
			min.deadline = min.deadline.Add(min.period)
			min.seq = l.seq
			l.timer.ReplaceOrInsert(min)
			l.mu.Unlock()
		}
		n++
	}
	return n
}

func (l *Loop) runTriggers() int {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	n := 0
	for _, p := range pending {
		l.fire(p.eventID, p.payload, p.last, p.ctx)
		n++
	}
	return n
}

func (l *Loop) fire(eventID int, payload any, last TriggerFunc, ctx any) {
	l.mu.Lock()
	handlers := append([]*triggerNode(nil), l.triggerHandlers[eventID]...)
	l.mu.Unlock()

	state := &dispatchState{}
	for _, h := range handlers {
		keep := h.fn(eventID, payload, withStop(ctx, state))
		if !keep {
			l.RemoveTrigger(h.id)
		}
		if state.stopped {
			return
		}
	}
	if last != nil {
		last(eventID, payload, ctx)
	}
}

func (l *Loop) runIdle() int {
	l.mu.Lock()
	if len(l.idle) == 0 {
		l.mu.Unlock()
		return 0
	}
	if l.idleRot >= len(l.idle) {
		l.idleRot = 0
	}
	node := l.idle[l.idleRot]
	l.mu.Unlock()

	keep := node.fn(node.ctx)
	if !keep {
		l.RemoveIdle(node.id)
		return 1
	}

	l.mu.Lock()
	if len(l.idle) > 0 {
		l.idleRot = (l.idleRot + 1) % len(l.idle)
	}
	l.mu.Unlock()
	return 1
}

// stopContext wraps a handler's ctx with a Stop function, mirroring the
// original's event_trigger_stop() call available from inside a handler.
type stopContext struct {
	ctx   any
	state *dispatchState
}

func withStop(ctx any, state *dispatchState) any {
	return stopContext{ctx: ctx, state: state}
}

// Stop aborts further delivery of the trigger fire currently in progress,
// if called from inside a handler that received this ctx via withStop.
func Stop(ctx any) {
	if sc, ok := ctx.(stopContext); ok {
		sc.state.stopped = true
	}
}

// Unwrap recovers the original context passed to Fire from a trigger
// handler's ctx argument.
func Unwrap(ctx any) any {
	if sc, ok := ctx.(stopContext); ok {
		return sc.ctx
	}
	return ctx
}
