package thinpool

import "github.com/thinmeta/thinmeta/copier"

// ZeroOp asks the copier to zero a physical run before it is mapped.
type ZeroOp struct{ B, E PBlock }

// CopyOp asks the copier to duplicate a physical run before the destination
// is mapped (the break-sharing path).
type CopyOp struct {
	SrcB, SrcE PBlock
	Dst        PBlock
}

// RemoveOp marks a virtual range for removal from the mapping tree.
type RemoveOp struct{ B, E VBlock }

// InsertOp marks a (virtual key, Mapping) pair for insertion into the
// mapping tree.
type InsertOp struct {
	V VBlock
	M Mapping
}

// Ops accumulates the zero/copy/remove/insert operations a provisioning or
// break-sharing pass must apply, deferring all data-block work until after
// planning is complete and all metadata work until a single journal batch.
// Adjacent same-snap-time inserts and adjacent removes are merged
// opportunistically.
type Ops struct {
	Zeroes  []ZeroOp
	Copies  []CopyOp
	Removes []RemoveOp
	Inserts []InsertOp
}

// PushZero appends a zero op, merging with the previous one if contiguous.
func (o *Ops) PushZero(b, e PBlock) {
	if n := len(o.Zeroes); n > 0 && o.Zeroes[n-1].E == b {
		o.Zeroes[n-1].E = e
		return
	}
	o.Zeroes = append(o.Zeroes, ZeroOp{B: b, E: e})
}

// PushCopy appends a copy op (never merged: each has a distinct destination).
func (o *Ops) PushCopy(srcB, srcE, dst PBlock) {
	o.Copies = append(o.Copies, CopyOp{SrcB: srcB, SrcE: srcE, Dst: dst})
}

// PushRemove appends a virtual-range removal, merging with the previous one
// if contiguous.
func (o *Ops) PushRemove(b, e VBlock) {
	if n := len(o.Removes); n > 0 && o.Removes[n-1].E == b {
		o.Removes[n-1].E = e
		return
	}
	o.Removes = append(o.Removes, RemoveOp{B: b, E: e})
}

// PushInsert appends an insert, merging with the previous one if it is
// contiguous in both virtual and physical space and shares the same
// snap_time.
func (o *Ops) PushInsert(v VBlock, m Mapping) {
	if n := len(o.Inserts); n > 0 {
		prev := &o.Inserts[n-1]
		if prev.V+prev.M.Len() == v && prev.M.E == m.B && prev.M.SnapTime == m.SnapTime {
			prev.M.E = m.E
			return
		}
	}
	o.Inserts = append(o.Inserts, InsertOp{V: v, M: m})
}

// SubmitData sends every accumulated zero and copy op to c, stopping at the
// first failure. Data ops must land before any metadata change is journaled.
func (o *Ops) SubmitData(c copier.Copier) error {
	if len(o.Zeroes) > 0 {
		zs := make([]copier.ZeroOp, len(o.Zeroes))
		for i, z := range o.Zeroes {
			zs[i] = copier.ZeroOp{Begin: z.B, End: z.E}
		}
		if err := c.Zero(zs); err != nil {
			return err
		}
	}
	if len(o.Copies) > 0 {
		cs := make([]copier.CopyOp, len(o.Copies))
		for i, cp := range o.Copies {
			cs[i] = copier.CopyOp{SrcBegin: cp.SrcB, SrcEnd: cp.SrcE, Dst: cp.Dst}
		}
		if err := c.Copy(cs); err != nil {
			return err
		}
	}
	return nil
}
