package patch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Optimistic mutation coordinator. One state machine per entity, all owned
// by one coordinator:
//
//	idle -> dirty -> scheduled -> sending -> idle on success
//	                                      -> reverting -> idle on failure
//
// A local edit applies synchronously to the in-memory value and accumulates
// into the entity's pending batch. The debounce timer flushes the batch into
// a single in-flight send; edits that arrive while sending queue into the
// next batch. No two sends for the same entity ever overlap; sends for
// distinct entities may be in flight concurrently.
//
// The in-memory values table is the single shared resource every optimistic
// apply writes to. Any other code path that wants to mutate an entity must
// route through the coordinator, or risk being overwritten by a rollback.

// the send capability the coordinator consumes from its environment.
// The outcome is the authoritative peer's single acknowledgement for the
// whole batch.
type SendFunction func(ctx context.Context, batch []*GraphInstruction) (*SendResult, error)

// acknowledgement callback for one batch. err is nil on success, a
// *RejectionError or *TransportError otherwise.
type AckFunction func(err error)

type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	send     SendFunction
	settings *CoordinatorSettings

	observers   *ObserverRegistry
	actionStack *ActionStack

	stateLock sync.Mutex
	closed    bool
	values    map[EntityRef]any
	sequences map[EntityRef]*mutationSequence
}

// per-entity pending mutation state. Created on the first local edit to an
// entity, destroyed once idle with nothing in flight or queued.
type mutationSequence struct {
	ref EntityRef

	// the last confirmed value, captured when the first unsent edit arrived
	snapshot any

	pending       []*GraphInstruction
	pendingAcks   []AckFunction
	pendingRecord bool

	scheduled bool
	timer     *time.Timer

	inFlight bool
}

// one transmitted batch and the state needed to reconcile its outcome
type flight struct {
	batch    []*GraphInstruction
	acks     []AckFunction
	snapshot any
	record   bool
}

func NewCoordinatorWithDefaults(ctx context.Context, send SendFunction) *Coordinator {
	return NewCoordinator(ctx, send, DefaultCoordinatorSettings())
}

func NewCoordinator(ctx context.Context, send SendFunction, settings *CoordinatorSettings) *Coordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		ctx:         cancelCtx,
		cancel:      cancel,
		send:        send,
		settings:    settings,
		observers:   NewObserverRegistry(),
		actionStack: NewActionStack(settings.MaxActionStackSize),
		values:      map[EntityRef]any{},
		sequences:   map[EntityRef]*mutationSequence{},
	}
}

func (self *Coordinator) Observers() *ObserverRegistry {
	return self.observers
}

// SetEntity seeds the local copy of an entity with an authoritative value.
func (self *Coordinator) SetEntity(ref EntityRef, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.values[ref] = CopyValue(value)
}

// Entity returns the current in-memory value of an entity, including
// unconfirmed optimistic edits. The returned value must not be mutated.
func (self *Coordinator) Entity(ref EntityRef) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[ref]
	return value, ok
}

// ReleaseEntity disposes the entity's local state. An in-flight send is
// allowed to complete so that the acknowledgement is not orphaned, but its
// outcome is no longer reconciled.
func (self *Coordinator) ReleaseEntity(ref EntityRef) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if seq, ok := self.sequences[ref]; ok {
		if seq.scheduled {
			seq.timer.Stop()
		}
		delete(self.sequences, ref)
	}
	delete(self.values, ref)
}

// SubmitEdit optimistically applies one instruction and schedules it for
// transmission. It returns immediately; a validation or path failure is
// returned synchronously and nothing is queued.
func (self *Coordinator) SubmitEdit(ref EntityRef, instruction *Instruction, flags EditFlags) error {
	return self.submit(ref, instruction, flags, nil)
}

// SubmitEditAwait submits the instructions, flushes the entity without the
// debounce delay, and blocks until the batch carrying them is acknowledged.
// Used when the caller must know the final outcome, e.g. before tearing down
// an editing widget.
func (self *Coordinator) SubmitEditAwait(ctx context.Context, ref EntityRef, instructions []*Instruction) (*SendResult, error) {
	if len(instructions) == 0 {
		return &SendResult{Status: true}, nil
	}

	// the whole list must apply before any of it is queued, so a failure in
	// a later instruction cannot leave an applied prefix behind
	value, _ := self.Entity(ref)
	if _, _, err := ApplyAll(value, instructions); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	ack := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	for i, instruction := range instructions {
		var submitAck AckFunction
		if i == len(instructions)-1 {
			submitAck = ack
		}
		if err := self.submit(ref, instruction, EditFlags{}, submitAck); err != nil {
			return nil, err
		}
	}
	self.flush(ref)

	select {
	case err := <-done:
		if err == nil {
			return &SendResult{Status: true}, nil
		}
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			return &SendResult{Status: false, Reason: rejection.Reason}, err
		}
		return &SendResult{Status: false, Reason: err.Error()}, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, errors.New("coordinator closed")
	}
}

func (self *Coordinator) submit(ref EntityRef, instruction *Instruction, flags EditFlags, ack AckFunction) error {
	if err := Validate(instruction); err != nil {
		glog.Errorf("[coord]%s invalid edit: %s\n", ref, err)
		if ack != nil {
			HandleError(func() {
				ack(err)
			})
		}
		return err
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		err := errors.New("coordinator closed")
		if ack != nil {
			HandleError(func() {
				ack(err)
			})
		}
		return err
	}

	value := self.values[ref]
	seq, ok := self.sequences[ref]
	if !ok {
		seq = &mutationSequence{
			ref: ref,
		}
		self.sequences[ref] = seq
	}
	if len(seq.pending) == 0 {
		// the value before this burst began is what a rollback restores.
		// For a burst queued during a send this includes the in-flight
		// optimistic edits: if that send succeeds this is the confirmed
		// base, and if it fails the queue is dropped with it.
		seq.snapshot = CopyValue(value)
	}

	notify := false
	if !flags.SuppressLocalEcho {
		next, err := Apply(value, instruction)
		if err != nil {
			// restore the sequence to its prior emptiness
			if len(seq.pending) == 0 && !seq.inFlight && !seq.scheduled {
				delete(self.sequences, ref)
			}
			self.stateLock.Unlock()
			if ack != nil {
				HandleError(func() {
					ack(err)
				})
			}
			return err
		}
		self.values[ref] = next
		value = next
		notify = !flags.SuppressChangeNotification
	}

	graphInstruction := &GraphInstruction{
		Instruction: instruction,
		Target:      ref,
		Flags:       flags,
	}
	if !self.coalescePendingSet(seq, graphInstruction) {
		seq.pending = append(seq.pending, graphInstruction)
	}
	if ack != nil {
		seq.pendingAcks = append(seq.pendingAcks, ack)
	}
	if !flags.SuppressUndoRecording {
		seq.pendingRecord = true
	}

	if !seq.inFlight && !seq.scheduled {
		seq.scheduled = true
		seq.timer = time.AfterFunc(self.settings.DebounceTimeout, func() {
			self.flush(ref)
		})
	}
	self.stateLock.Unlock()

	glog.V(2).Infof("[coord]%s submit %s\n", ref, instruction)
	if notify {
		self.observers.notify(ref, value)
	}
	return nil
}

// must be called inside the state lock.
// A burst of whole-value sets at one path - a drag emitting posX/posY every
// tick - collapses to the final value instead of growing the batch. A set
// may only be replaced when no later pending instruction touches its path.
func (self *Coordinator) coalescePendingSet(seq *mutationSequence, graphInstruction *GraphInstruction) bool {
	if graphInstruction.Instruction.op != OpSet {
		return false
	}
	path := graphInstruction.Instruction.path
	for i := len(seq.pending) - 1; 0 <= i; i -= 1 {
		previous := seq.pending[i]
		if previous.Instruction.op == OpSet &&
			previous.Instruction.path.Equal(path) &&
			previous.Flags == graphInstruction.Flags {
			seq.pending[i] = graphInstruction
			return true
		}
		if previous.Instruction.path.Overlaps(path) {
			return false
		}
	}
	return false
}

// flush transitions scheduled -> sending. While a send is in flight the
// pending batch stays queued; it is flushed again when the send completes.
func (self *Coordinator) flush(ref EntityRef) {
	self.stateLock.Lock()
	seq, ok := self.sequences[ref]
	if !ok || self.closed {
		self.stateLock.Unlock()
		return
	}
	if seq.scheduled {
		seq.timer.Stop()
		seq.scheduled = false
		seq.timer = nil
	}
	if seq.inFlight || len(seq.pending) == 0 {
		self.releaseIfIdle(seq)
		self.stateLock.Unlock()
		return
	}
	f := self.takeFlight(seq)
	self.stateLock.Unlock()

	go self.transmit(ref, f)
}

// must be called inside the state lock
func (self *Coordinator) takeFlight(seq *mutationSequence) *flight {
	f := &flight{
		batch:    seq.pending,
		acks:     seq.pendingAcks,
		snapshot: seq.snapshot,
		record:   seq.pendingRecord,
	}
	seq.pending = nil
	seq.pendingAcks = nil
	seq.pendingRecord = false
	seq.snapshot = nil
	seq.inFlight = true
	return f
}

func (self *Coordinator) transmit(ref EntityRef, f *flight) {
	glog.V(2).Infof("[coord]%s send %d instructions\n", ref, len(f.batch))

	ctx, cancel := context.WithTimeout(self.ctx, self.settings.SendTimeout)
	defer cancel()

	result, err := self.send(ctx, f.batch)

	var outcome error
	if err != nil {
		outcome = &TransportError{Err: err}
	} else if result == nil {
		outcome = &TransportError{Err: errors.New("no outcome")}
	} else if !result.Status {
		outcome = &RejectionError{Reason: result.Reason}
	}

	self.complete(ref, f, outcome)
}

func (self *Coordinator) complete(ref EntityRef, f *flight, outcome error) {
	self.stateLock.Lock()

	seq, ok := self.sequences[ref]
	if !ok || self.closed {
		// the entity was released while sending. The acknowledgement is
		// consumed but no longer reconciled into local state.
		self.stateLock.Unlock()
		self.ackAll(f.acks, outcome)
		return
	}

	seq.inFlight = false

	if outcome == nil {
		if f.record {
			if record := self.buildActionRecord(f); record != nil {
				self.actionStack.Push(record)
			}
		}
		var next *flight
		if 0 < len(seq.pending) {
			// the queued batch begins sending without a debounce delay
			next = self.takeFlight(seq)
		} else {
			self.releaseIfIdle(seq)
		}
		self.stateLock.Unlock()

		glog.V(2).Infof("[coord]%s confirmed\n", ref)
		self.ackAll(f.acks, nil)
		if next != nil {
			go self.transmit(ref, next)
		}
		return
	}

	// rollback: restore the last known good snapshot and drop anything
	// queued during the failed attempt. Replaying the queue against a
	// diverged snapshot would be worse than surfacing the failure.
	glog.Infof("[coord]%s rollback: %s\n", ref, outcome)
	self.values[ref] = f.snapshot
	droppedAcks := seq.pendingAcks
	seq.pending = nil
	seq.pendingAcks = nil
	seq.pendingRecord = false
	seq.snapshot = nil
	if seq.scheduled {
		seq.timer.Stop()
		seq.scheduled = false
		seq.timer = nil
	}
	self.releaseIfIdle(seq)
	value := f.snapshot
	self.stateLock.Unlock()

	self.observers.notify(ref, value)
	self.ackAll(f.acks, outcome)
	self.ackAll(droppedAcks, outcome)
}

// must be called inside the state lock
func (self *Coordinator) releaseIfIdle(seq *mutationSequence) {
	if !seq.inFlight && !seq.scheduled && len(seq.pending) == 0 {
		delete(self.sequences, seq.ref)
	}
}

func (self *Coordinator) ackAll(acks []AckFunction, err error) {
	for _, ack := range acks {
		func() {
			defer func() {
				recover()
			}()
			ack(err)
		}()
	}
}

// must be called inside the state lock.
// Pairs the confirmed batch with the inverse batch computed from the
// last known good snapshot. Instructions flagged SuppressUndoRecording are
// transient and excluded from the record.
func (self *Coordinator) buildActionRecord(f *flight) *ActionRecord {
	forward := []*GraphInstruction{}
	backward := []*GraphInstruction{}

	doc := CopyValue(f.snapshot)
	for _, graphInstruction := range f.batch {
		var inverse *Instruction
		var err error
		if !graphInstruction.Flags.SuppressUndoRecording {
			inverse, err = Invert(doc, graphInstruction.Instruction)
			if err != nil {
				glog.Errorf("[coord]%s cannot invert confirmed %s: %s\n", f.batch[0].Target, graphInstruction.Instruction, err)
				return nil
			}
		}
		doc, err = applyNode(doc, graphInstruction.Instruction.path, graphInstruction.Instruction)
		if err != nil {
			glog.Errorf("[coord]%s cannot replay confirmed %s: %s\n", f.batch[0].Target, graphInstruction.Instruction, err)
			return nil
		}
		if inverse != nil {
			forward = append(forward, graphInstruction)
			// prepend so that the backward batch undoes in reverse order
			backward = append([]*GraphInstruction{{
				Instruction: inverse,
				Target:      graphInstruction.Target,
				Flags:       graphInstruction.Flags,
			}}, backward...)
		}
	}
	if len(forward) == 0 {
		return nil
	}
	return &ActionRecord{
		Forward:  forward,
		Backward: backward,
	}
}

// Undo resubmits the most recent confirmed record's backward batch through
// the coordinator exactly like a fresh local edit, so optimistic apply,
// confirmation, and rollback-on-failure apply to the undo itself.
func (self *Coordinator) Undo() bool {
	record, ok := self.actionStack.PopUndo()
	if !ok {
		return false
	}
	self.resubmit(record.Backward)
	return true
}

// Redo resubmits the forward batch of the most recently undone record.
func (self *Coordinator) Redo() bool {
	record, ok := self.actionStack.PopRedo()
	if !ok {
		return false
	}
	self.resubmit(record.Forward)
	return true
}

func (self *Coordinator) resubmit(batch []*GraphInstruction) {
	for _, graphInstruction := range batch {
		flags := graphInstruction.Flags
		flags.SuppressUndoRecording = true
		if err := self.submit(graphInstruction.Target, graphInstruction.Instruction, flags, nil); err != nil {
			glog.Errorf("[coord]%s replay failed: %s\n", graphInstruction.Target, err)
			return
		}
	}
}

func (self *Coordinator) UndoSize() int {
	return self.actionStack.UndoSize()
}

func (self *Coordinator) RedoSize() int {
	return self.actionStack.RedoSize()
}

// Close fails all pending acknowledgements and stops all timers. In-flight
// sends complete without reconciliation.
func (self *Coordinator) Close() {
	self.cancel()

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	acks := []AckFunction{}
	for _, seq := range self.sequences {
		if seq.scheduled {
			seq.timer.Stop()
		}
		acks = append(acks, seq.pendingAcks...)
	}
	self.sequences = map[EntityRef]*mutationSequence{}
	self.stateLock.Unlock()

	self.ackAll(acks, errors.New("coordinator closed"))
}
