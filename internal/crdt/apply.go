package crdt

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/resolver"
)

// event is one listener notification, captured under the lock.
type event struct {
	op    ir.Operation
	state map[string]ir.IRValue
}

// batch collects what one call applied so checkpointing and notification
// can happen after the lock is released.
type batch struct {
	applied  []ir.Operation
	events   []event
	snapshot *Snapshot
}

// ApplyOperation applies a remote operation, or buffers it if a dependency
// is missing. A buffered operation returns an OUT_OF_ORDER *Error, which is
// informational: the operation is kept and applied once it becomes ready.
// Any buffered operations unblocked by this one are applied as well.
func (d *Document) ApplyOperation(op ir.Operation) (Outcome, error) {
	d.mu.Lock()
	b := &batch{}
	outcome, err := d.admitLocked(op, b)
	if outcome == Applied {
		d.drainLocked(b)
	}
	d.unlockAndCommit(b)
	return outcome, err
}

// ApplyOperations applies a batch in any order. Buffered operations are
// retried until no further progress is possible. It returns the number of
// operations applied during the call, including previously buffered ones.
func (d *Document) ApplyOperations(ops []ir.Operation) int {
	d.mu.Lock()
	b := &batch{}
	for _, op := range ops {
		outcome, err := d.admitLocked(op, b)
		if outcome == Rejected {
			d.logger.Warn("rejected operation", "op_id", op.ID, "actor", op.Actor, "seq", op.Seq, "error", err)
		}
	}
	d.drainLocked(b)
	n := len(b.applied)
	d.unlockAndCommit(b)
	return n
}

func (d *Document) admitLocked(op ir.Operation, b *batch) (Outcome, error) {
	if _, known := d.index[op.ID]; known {
		d.stats.Duplicates++
		return Duplicate, nil
	}
	if err := op.Verify(); err != nil {
		d.stats.Rejected++
		return Rejected, d.malformed(op, err)
	}
	if op.Seq <= d.vv.Get(op.Actor) {
		d.stats.Rejected++
		return Rejected, d.malformed(op, fmt.Errorf("seq %d from %s was already applied with a different id", op.Seq, op.Actor))
	}

	if !d.readyLocked(op) {
		if _, buffered := d.pending[op.ID]; !buffered {
			d.pending[op.ID] = &pendingOp{op: op, since: d.now()}
			d.logger.Debug("buffered operation", "op_id", op.ID, "actor", op.Actor, "seq", op.Seq)
		}
		return Buffered, &Error{
			Code:     ErrCodeOutOfOrder,
			Message:  fmt.Sprintf("waiting for dependencies (have %s:%d)", op.Actor, d.vv.Get(op.Actor)),
			Document: d.id,
			OpID:     op.ID,
			Missing:  d.missingLocked(op),
		}
	}

	d.applyLocked(op, b)
	return Applied, nil
}

func (d *Document) malformed(op ir.Operation, cause error) *Error {
	return &Error{
		Code:     ErrCodeMalformed,
		Message:  "invalid operation",
		Document: d.id,
		OpID:     op.ID,
		Cause:    cause,
	}
}

// readyLocked reports whether op can apply now: it is the next seq from its
// actor and every dependency has been applied.
func (d *Document) readyLocked(op ir.Operation) bool {
	if op.Seq != d.vv.Get(op.Actor)+1 {
		return false
	}
	for _, dep := range op.Dependencies {
		if _, ok := d.index[dep]; !ok {
			return false
		}
	}
	return true
}

func (d *Document) missingLocked(op ir.Operation) []string {
	var missing []string
	for _, dep := range op.Dependencies {
		if _, ok := d.index[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// drainLocked applies buffered operations until none are ready. Ready
// operations are applied in (actor, seq) order so every replica drains the
// same buffer the same way.
func (d *Document) drainLocked(b *batch) {
	for {
		var ready []*pendingOp
		for id, p := range d.pending {
			if _, known := d.index[id]; known {
				delete(d.pending, id)
				continue
			}
			if p.op.Seq <= d.vv.Get(p.op.Actor) {
				delete(d.pending, id)
				d.stats.Rejected++
				d.logger.Warn("dropped buffered operation with reused seq",
					"op_id", id, "actor", p.op.Actor, "seq", p.op.Seq)
				continue
			}
			if d.readyLocked(p.op) {
				ready = append(ready, p)
			}
		}
		if len(ready) == 0 {
			return
		}

		slices.SortFunc(ready, func(a, b *pendingOp) int {
			if c := cmp.Compare(a.op.Actor, b.op.Actor); c != 0 {
				return c
			}
			return cmp.Compare(a.op.Seq, b.op.Seq)
		})
		for _, p := range ready {
			if !d.readyLocked(p.op) {
				continue
			}
			delete(d.pending, p.op.ID)
			d.applyLocked(p.op, b)
		}
	}
}

// applyLocked applies a ready operation. The caller has checked readiness.
func (d *Document) applyLocked(op ir.Operation, b *batch) {
	vec := clock.New()
	if head, ok := d.heads[op.Actor]; ok {
		vec.Merge(d.index[head].vector)
	}
	for _, dep := range op.Dependencies {
		vec.Merge(d.index[dep].vector)
	}
	vec.Advance(op.Actor, op.Seq)

	d.index[op.ID] = &opMeta{actor: op.Actor, seq: op.Seq, vector: vec}
	d.heads[op.Actor] = op.ID
	d.vv.Advance(op.Actor, op.Seq)
	d.log.Append(op)
	d.wall.Observe(op.WallClock)
	d.stats.Applied++

	switch p := op.Payload().(type) {
	case ir.SetPayload, ir.DeletePayload:
		d.writeRegisterLocked(op, vec)
		d.retractLocked(op.Key, op.Dependencies)
	case ir.AddPayload:
		tags, ok := d.members[op.Key]
		if !ok {
			tags = make(map[string]ir.IRValue)
			d.members[op.Key] = tags
		}
		tags[op.ID] = p.Element
	case ir.RemovePayload:
		d.retractLocked(op.Key, p.Observed)
	}
	d.resolveKeyLocked(op.Key)

	d.logger.Debug("applied operation", "op_id", op.ID, "kind", op.Kind, "key", op.Key, "actor", op.Actor, "seq", op.Seq)
	b.applied = append(b.applied, op)
	if d.hasListeners() {
		b.events = append(b.events, event{op: op, state: copyState(d.state)})
	}
}

// writeRegisterLocked replaces every frontier write the new one has
// observed and adds it to the frontier.
func (d *Document) writeRegisterLocked(op ir.Operation, vec clock.VersionVector) {
	front := slices.DeleteFunc(d.registers[op.Key], func(r register) bool {
		return vec.Includes(r.op.Actor, r.op.Seq)
	})
	front = append(front, register{op: op, vector: vec})
	d.registers[op.Key] = front
	if len(front) > 1 {
		d.stats.Conflicts++
	}
}

// retractLocked removes the listed tags from key's set.
func (d *Document) retractLocked(key string, tags []string) {
	live, ok := d.members[key]
	if !ok {
		return
	}
	for _, tag := range tags {
		delete(live, tag)
	}
	if len(live) == 0 {
		delete(d.members, key)
	}
}

// resolveKeyLocked recomputes the resolved value of key.
func (d *Document) resolveKeyLocked(key string) {
	if elems := d.elementsLocked(key); len(elems) > 0 {
		d.state[key] = elems
		return
	}

	front := d.registers[key]
	var value ir.IRValue
	switch len(front) {
	case 0:
	case 1:
		value = front[0].op.Value
	default:
		value = d.foldLocked(key, front)
	}
	if value == nil {
		delete(d.state, key)
		return
	}
	d.state[key] = value
}

// foldLocked resolves concurrent writes pairwise in canonical order. Each
// step keeps the later operation's identity and carries the resolved value
// forward, so the resolver always sees (running result, next write).
func (d *Document) foldLocked(key string, front []register) ir.IRValue {
	ops := make([]ir.Operation, len(front))
	for i, r := range front {
		ops[i] = r.op
	}
	slices.SortFunc(ops, resolver.Compare)

	acc := ops[0]
	for _, next := range ops[1:] {
		value, err := resolver.Invoke(d.resolver, key, acc, next)
		if err != nil {
			d.stats.ResolverFailures++
			d.logger.Warn("conflict resolver failed, using last-writer-wins",
				"key", key, "older", acc.ID, "newer", next.ID, "error", err)
		}
		merged := next
		merged.Value = value
		merged.Kind = ir.OpSet
		if value == nil {
			merged.Kind = ir.OpDelete
		}
		acc = merged
	}
	return acc.Value
}

// elementsLocked returns the distinct live elements of key's set, sorted
// by canonical encoding.
func (d *Document) elementsLocked(key string) ir.IRArray {
	live := d.members[key]
	if len(live) == 0 {
		return nil
	}
	elems := make(ir.IRArray, 0, len(live))
	for _, el := range live {
		elems = append(elems, el)
	}
	slices.SortFunc(elems, ir.CompareValues)
	return slices.CompactFunc(elems, ir.EqualValues)
}

func (d *Document) hasListeners() bool {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	return len(d.listeners) > 0
}

// unlockAndCommit releases the write lock, then checkpoints and notifies.
// The checkpoint lock is taken first so batches are persisted in the order
// they were applied. Events are queued under that lock for the same reason.
func (d *Document) unlockAndCommit(b *batch) {
	if len(b.applied) == 0 && b.snapshot == nil {
		d.mu.Unlock()
		return
	}

	d.ckMu.Lock()
	d.mu.Unlock()
	d.checkpoint(b)
	d.enqueue(b.events)
	d.ckMu.Unlock()

	d.deliver()
}

func (d *Document) checkpoint(b *batch) {
	if d.checkpointer == nil {
		return
	}
	ctx := context.Background()
	if len(b.applied) > 0 {
		if err := d.checkpointer.Checkpoint(ctx, d.id, b.applied); err != nil {
			d.ckFailures.Add(1)
			d.logger.Error("checkpoint failed", "ops", len(b.applied), "error", err)
		}
	}
	if b.snapshot == nil {
		return
	}
	if sc, ok := d.checkpointer.(SnapshotCheckpointer); ok {
		if err := sc.CheckpointSnapshot(ctx, b.snapshot); err != nil {
			d.ckFailures.Add(1)
			d.logger.Error("snapshot checkpoint failed", "error", err)
		}
	}
}

// enqueue appends events for delivery. Callers hold ckMu.
func (d *Document) enqueue(events []event) {
	if len(events) == 0 {
		return
	}
	d.nmu.Lock()
	d.queue = append(d.queue, events...)
	d.nmu.Unlock()
}

// deliver drains the event queue unless another goroutine already is.
// Listeners therefore run one at a time and in application order. A
// listener that writes to the document has its events delivered after it
// returns.
func (d *Document) deliver() {
	d.nmu.Lock()
	if d.delivering {
		d.nmu.Unlock()
		return
	}
	d.delivering = true
	for len(d.queue) > 0 {
		events := d.queue
		d.queue = nil
		d.nmu.Unlock()
		d.notify(events)
		d.nmu.Lock()
	}
	d.delivering = false
	d.nmu.Unlock()
}

func (d *Document) notify(events []event) {
	d.lmu.Lock()
	listeners := slices.Clone(d.listeners)
	d.lmu.Unlock()

	for _, ev := range events {
		for i, l := range listeners {
			if !l.active.Load() {
				continue
			}
			state := ev.state
			if i > 0 {
				state = copyState(ev.state)
			}
			l.fn(ev.op, state)
		}
	}
}
