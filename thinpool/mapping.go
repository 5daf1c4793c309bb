// Package thinpool implements a thin-provisioning block pool: an info B-tree
// of thin-id → ThinInfo, a per-thin mapping B-tree of virtual → physical
// extents, and the create/snap/delete/read/write/discard operations that
// compose the allocators, page cache, journal, and transaction manager into
// crash-consistent block mapping.
package thinpool

import (
	"encoding/binary"

	"github.com/thinmeta/thinmeta/btree"
	"github.com/thinmeta/thinmeta/parray"
)

// VBlock and PBlock are 64-bit virtual/physical block indices; ThinID
// identifies one thin device.
type VBlock = uint64
type PBlock = uint64
type ThinID = uint64

// Mapping is the mapping-tree leaf value: a physical extent [B,E) created at
// SnapTime. If the owning thin's snap_time is later than SnapTime, the
// extent is shared with an ancestor snapshot and a write must break sharing.
type Mapping struct {
	B, E     PBlock
	SnapTime uint32
}

func (Mapping) PackedLen() int { return 8 + 8 + 4 }

func (m Mapping) Pack(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], m.B)
	binary.LittleEndian.PutUint64(buf[8:16], m.E)
	binary.LittleEndian.PutUint32(buf[16:20], m.SnapTime)
}

func (m *Mapping) Unpack(buf []byte) {
	m.B = binary.LittleEndian.Uint64(buf[0:8])
	m.E = binary.LittleEndian.Uint64(buf[8:16])
	m.SnapTime = binary.LittleEndian.Uint32(buf[16:20])
}

func newMapping() parray.Record { return &Mapping{} }

// MappingNodeType is the leaf-value shape for every mapping tree.
var MappingNodeType = btree.NodeType{ValLen: Mapping{}.PackedLen(), Factory: newMapping, Kind: 1}

// Len returns the extent length (e-b).
func (m Mapping) Len() uint64 { return m.E - m.B }

// MakeSelectLt binds the cut key kNew into a btree.SplitFunc implementing
// Mapping's select_lt: keep [kOld, min(kOld+len, kNew)) when kOld < kNew.
func MakeSelectLt(kNew uint64) btree.SplitFunc {
	return func(kOld uint64, v parray.Record) (uint64, parray.Record, bool) {
		m := *v.(*Mapping)
		if kOld >= kNew {
			return 0, nil, false
		}
		newLen := kNew - kOld
		fullLen := m.Len()
		if newLen > fullLen {
			newLen = fullLen
		}
		trimmed := Mapping{B: m.B, E: m.B + newLen, SnapTime: m.SnapTime}
		return kOld, &trimmed, true
	}
}

// MakeSelectGeq binds the cut key kNew into a btree.SplitFunc implementing
// Mapping's select_geq: drop the prefix below kNew, shifting both the key
// and the physical start by the same offset; drops entirely if kNew falls at
// or past the mapping's end.
func MakeSelectGeq(kNew uint64) btree.SplitFunc {
	return func(kOld uint64, v parray.Record) (uint64, parray.Record, bool) {
		m := *v.(*Mapping)
		if kNew <= kOld {
			return kOld, &m, true
		}
		offset := kNew - kOld
		if offset >= m.Len() {
			return 0, nil, false
		}
		trimmed := Mapping{B: m.B + offset, E: m.E, SnapTime: m.SnapTime}
		return kNew, &trimmed, true
	}
}

// ThinInfo is the info-tree leaf value: one thin device's declared size,
// snapshot epoch, and current mapping-tree root.
type ThinInfo struct {
	Size     VBlock
	SnapTime uint32
	Root     btree.NodePtr
}

func (ThinInfo) PackedLen() int { return 8 + 4 + 4 + 4 }

func (ti ThinInfo) Pack(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], ti.Size)
	binary.LittleEndian.PutUint32(buf[8:12], ti.SnapTime)
	binary.LittleEndian.PutUint32(buf[12:16], ti.Root.Loc)
	binary.LittleEndian.PutUint32(buf[16:20], ti.Root.SeqNr)
}

func (ti *ThinInfo) Unpack(buf []byte) {
	ti.Size = binary.LittleEndian.Uint64(buf[0:8])
	ti.SnapTime = binary.LittleEndian.Uint32(buf[8:12])
	ti.Root.Loc = binary.LittleEndian.Uint32(buf[12:16])
	ti.Root.SeqNr = binary.LittleEndian.Uint32(buf[16:20])
}

func newThinInfo() parray.Record { return &ThinInfo{} }

// InfoNodeType is the leaf-value shape of the pool-wide info tree.
var InfoNodeType = btree.NodeType{ValLen: ThinInfo{}.PackedLen(), Factory: newThinInfo, Kind: 2}
