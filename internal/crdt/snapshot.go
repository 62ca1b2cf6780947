package crdt

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/resolver"
)

// Snapshot is the full replicated state of a document. It is exchanged with
// peers that fell behind the compaction floor, used to recover orphaned
// operations, and persisted for restart.
type Snapshot struct {
	Document  string              `json:"document"`
	Vector    clock.VersionVector `json:"vector"`
	Floor     clock.VersionVector `json:"floor"`
	Applied   []AppliedRef        `json:"applied"`
	Registers []ir.Operation      `json:"registers"`
	Members   []Member            `json:"members"`
	Log       []ir.Operation      `json:"log"`
}

// AppliedRef identifies an applied operation and its causal past. Refs are
// kept for pruned operations too, so dependencies on them stay satisfiable.
type AppliedRef struct {
	ID     string              `json:"id"`
	Actor  string              `json:"actor"`
	Seq    int64               `json:"seq"`
	Vector clock.VersionVector `json:"vector"`
}

// Member is a live set element tagged by the ADD that inserted it.
type Member struct {
	Key     string
	Tag     string
	Element ir.IRValue
}

type memberJSON struct {
	Key     string          `json:"key"`
	Tag     string          `json:"tag"`
	Element json.RawMessage `json:"element"`
}

// MarshalJSON encodes the element canonically.
func (m Member) MarshalJSON() ([]byte, error) {
	el, err := ir.MarshalCanonical(m.Element)
	if err != nil {
		return nil, fmt.Errorf("member %s: %w", m.Tag, err)
	}
	return json.Marshal(memberJSON{Key: m.Key, Tag: m.Tag, Element: el})
}

// UnmarshalJSON decodes the element into a typed value.
func (m *Member) UnmarshalJSON(data []byte) error {
	var raw memberJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	el, err := ir.DecodeValue(raw.Element)
	if err != nil {
		return fmt.Errorf("member %s: %w", raw.Tag, err)
	}
	*m = Member{Key: raw.Key, Tag: raw.Tag, Element: el}
	return nil
}

// Validate checks a snapshot received from a peer.
func (s *Snapshot) Validate() error {
	if s.Document == "" {
		return fmt.Errorf("snapshot has no document id")
	}
	refs := make(map[string]AppliedRef, len(s.Applied))
	for _, ref := range s.Applied {
		if ref.ID == "" || ref.Actor == "" || ref.Seq < 1 {
			return fmt.Errorf("invalid applied ref %q", ref.ID)
		}
		if !ref.Vector.Includes(ref.Actor, ref.Seq) {
			return fmt.Errorf("applied ref %s: vector does not include itself", ref.ID)
		}
		if !s.Vector.Includes(ref.Actor, ref.Seq) {
			return fmt.Errorf("applied ref %s is beyond the snapshot vector", ref.ID)
		}
		refs[ref.ID] = ref
	}
	for _, op := range slices.Concat(s.Registers, s.Log) {
		if err := op.Verify(); err != nil {
			return fmt.Errorf("operation %s: %w", op.ID, err)
		}
		if _, ok := refs[op.ID]; !ok {
			return fmt.Errorf("operation %s has no applied ref", op.ID)
		}
	}
	for _, op := range s.Registers {
		if op.Kind != ir.OpSet && op.Kind != ir.OpDelete {
			return fmt.Errorf("register %s has kind %s", op.ID, op.Kind)
		}
	}
	for _, m := range s.Members {
		if _, ok := refs[m.Tag]; !ok {
			return fmt.Errorf("member %s has no applied ref", m.Tag)
		}
		if m.Element == nil {
			return fmt.Errorf("member %s has no element", m.Tag)
		}
		if !ir.IsCanonicalString(m.Key) {
			return fmt.Errorf("member %s has non-canonical key %q", m.Tag, m.Key)
		}
		if err := ir.CheckCanonical(m.Element); err != nil {
			return fmt.Errorf("member %s: %w", m.Tag, err)
		}
	}
	return nil
}

// Snapshot captures the document's full replicated state.
func (d *Document) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

func (d *Document) snapshotLocked() *Snapshot {
	s := &Snapshot{
		Document:  d.id,
		Vector:    d.vv.Copy(),
		Floor:     d.log.Floor(),
		Applied:   make([]AppliedRef, 0, len(d.index)),
		Registers: []ir.Operation{},
		Members:   []Member{},
		Log:       d.log.All(),
	}

	for id, meta := range d.index {
		s.Applied = append(s.Applied, AppliedRef{ID: id, Actor: meta.actor, Seq: meta.seq, Vector: meta.vector.Copy()})
	}
	slices.SortFunc(s.Applied, func(a, b AppliedRef) int {
		if c := cmp.Compare(a.Actor, b.Actor); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})

	for _, key := range sortedKeys(d.registers) {
		ops := make([]ir.Operation, 0, len(d.registers[key]))
		for _, r := range d.registers[key] {
			ops = append(ops, r.op)
		}
		slices.SortFunc(ops, resolver.Compare)
		s.Registers = append(s.Registers, ops...)
	}

	for _, key := range sortedKeys(d.members) {
		tags := d.members[key]
		for _, tag := range sortedKeys(tags) {
			s.Members = append(s.Members, Member{Key: key, Tag: tag, Element: copyValue(tags[tag])})
		}
	}
	return s
}

// ApplySnapshot merges a peer's full state into the document. Registers,
// set members, the applied index, the vector and the floor are merged as
// CRDTs, so applying a snapshot is idempotent and order independent.
// It returns the number of operations newly known afterwards.
func (d *Document) ApplySnapshot(s *Snapshot) (int, error) {
	if s == nil {
		return 0, &Error{Code: ErrCodeMalformed, Message: "nil snapshot", Document: d.id}
	}
	if s.Document != d.id {
		return 0, &Error{Code: ErrCodeMalformed, Message: fmt.Sprintf("snapshot is for document %q", s.Document), Document: d.id}
	}
	if err := s.Validate(); err != nil {
		return 0, &Error{Code: ErrCodeMalformed, Message: "invalid snapshot", Document: d.id, Cause: err}
	}

	d.mu.Lock()
	before := len(d.index)

	remoteRefs := make(map[string]AppliedRef, len(s.Applied))
	for _, ref := range s.Applied {
		remoteRefs[ref.ID] = ref
	}

	d.mergeMembersLocked(s, remoteRefs)

	// The index is merged after members: member merging needs to know which
	// tags this replica had seen before the merge.
	for _, ref := range s.Applied {
		if _, known := d.index[ref.ID]; known {
			continue
		}
		d.index[ref.ID] = &opMeta{actor: ref.Actor, seq: ref.Seq, vector: ref.Vector.Copy()}
		if head, ok := d.heads[ref.Actor]; !ok || d.index[head].seq < ref.Seq {
			d.heads[ref.Actor] = ref.ID
		}
	}

	d.mergeRegistersLocked(s)

	d.vv.Merge(s.Vector)
	for _, op := range s.Log {
		if !d.log.Has(op.ID) {
			d.log.Append(op)
		}
		d.wall.Observe(op.WallClock)
	}
	floor := d.log.Floor()
	floor.Merge(s.Floor)
	d.log.Prune(floor)

	for key := range d.keysLocked() {
		d.resolveKeyLocked(key)
	}

	b := &batch{}
	d.drainLocked(b)
	if d.checkpointer != nil {
		b.snapshot = d.snapshotLocked()
	}
	added := len(d.index) - before

	d.logger.Info("merged snapshot", "new_ops", added, "vector", d.vv.String())
	d.unlockAndCommit(b)
	return added, nil
}

// mergeMembersLocked merges observed-remove sets. A tag survives unless a
// side that has applied its ADD no longer holds it.
func (d *Document) mergeMembersLocked(s *Snapshot, remoteRefs map[string]AppliedRef) {
	remoteLive := make(map[string]struct{}, len(s.Members))
	for _, m := range s.Members {
		remoteLive[m.Tag] = struct{}{}
	}

	for key, tags := range d.members {
		for tag := range tags {
			_, remoteSaw := remoteRefs[tag]
			_, remoteHolds := remoteLive[tag]
			if remoteSaw && !remoteHolds {
				delete(tags, tag)
			}
		}
		if len(tags) == 0 {
			delete(d.members, key)
		}
	}

	for _, m := range s.Members {
		if _, localSaw := d.index[m.Tag]; localSaw {
			continue
		}
		tags, ok := d.members[m.Key]
		if !ok {
			tags = make(map[string]ir.IRValue)
			d.members[m.Key] = tags
		}
		tags[m.Tag] = copyValue(m.Element)
	}
}

// mergeRegistersLocked unions both frontiers and keeps the writes no other
// write in the union has observed.
func (d *Document) mergeRegistersLocked(s *Snapshot) {
	for _, op := range s.Registers {
		front := d.registers[op.Key]
		if slices.ContainsFunc(front, func(r register) bool { return r.op.ID == op.ID }) {
			continue
		}
		d.registers[op.Key] = append(front, register{op: op, vector: d.index[op.ID].vector})
		d.wall.Observe(op.WallClock)
	}

	for key, front := range d.registers {
		kept := make([]register, 0, len(front))
		for _, r := range front {
			dominated := slices.ContainsFunc(front, func(o register) bool {
				return o.op.ID != r.op.ID && o.vector.Includes(r.op.Actor, r.op.Seq)
			})
			if !dominated {
				kept = append(kept, r)
			}
		}
		d.registers[key] = kept
	}
}

func (d *Document) keysLocked() map[string]struct{} {
	keys := make(map[string]struct{}, len(d.registers)+len(d.members)+len(d.state))
	for k := range d.registers {
		keys[k] = struct{}{}
	}
	for k := range d.members {
		keys[k] = struct{}{}
	}
	for k := range d.state {
		keys[k] = struct{}{}
	}
	return keys
}

// Compact prunes every operation at or below floor from the log. floor is
// usually the pointwise minimum of every known peer's vector; it is clipped
// to the local vector. Peers below the new floor receive SNAPSHOT_REQUIRED
// from OperationsSince. It returns the number of operations pruned.
func (d *Document) Compact(floor clock.VersionVector) int {
	d.mu.Lock()
	removed := d.log.Prune(clock.Min(floor, d.vv))

	b := &batch{}
	if removed > 0 && d.checkpointer != nil {
		b.snapshot = d.snapshotLocked()
	}
	if removed > 0 {
		d.logger.Info("compacted log", "pruned", removed, "floor", d.log.Floor().String())
	}
	d.unlockAndCommit(b)
	return removed
}

// Orphans returns an ORPHANED_OPERATION error for every operation buffered
// longer than the retention window. Orphans are recovered by merging a
// snapshot from a peer that holds their dependencies.
func (d *Document) Orphans() []*Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.retention)
	var orphans []*Error
	for _, id := range sortedKeys(d.pending) {
		p := d.pending[id]
		if p.since.After(cutoff) {
			continue
		}
		if !p.warned {
			p.warned = true
			d.logger.Warn("operation orphaned", "op_id", id, "actor", p.op.Actor, "seq", p.op.Seq, "buffered_since", p.since)
		}
		orphans = append(orphans, &Error{
			Code:     ErrCodeOrphaned,
			Message:  fmt.Sprintf("buffered for %s, expecting %s:%d", d.now().Sub(p.since).Round(time.Millisecond), p.op.Actor, d.vv.Get(p.op.Actor)+1),
			Document: d.id,
			OpID:     id,
			Missing:  d.missingLocked(p.op),
		})
	}
	return orphans
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
