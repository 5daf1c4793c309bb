// Package btree implements a copy-on-write B-tree library: node layout, the
// transaction manager, and the lookup/insert/remove/range algorithms.
package btree

import (
	"encoding/binary"

	"github.com/thinmeta/thinmeta/parray"
)

// HeaderSize is the fixed prefix of every node page: seq_nr, snap_time,
// flags, kind, nr_entries.
const HeaderSize = 4 + 4 + 2 + 2 + 4

// Flags values for the node header.
const (
	FlagInternal uint16 = 0
	FlagLeaf     uint16 = 1
)

// MetadataBlock is a 32-bit metadata-page index.
type MetadataBlock = uint32

// NodePtr identifies a particular logical version of a node: two pointers
// with the same Loc but different SeqNr are pre- vs post-journal-apply
// versions of the same page.
type NodePtr struct {
	Loc   MetadataBlock
	SeqNr uint32
}

// BlockValue is the fixed-width record type (parray.Record) stored as the
// value of an internal node: a child MetadataBlock. Internal nodes always
// use this type regardless of the tree's own leaf value type V: internal
// node values are always fixed to a child pointer.
type BlockValue uint32

func (BlockValue) PackedLen() int { return 4 }
func (v BlockValue) Pack(buf []byte) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}
func (v *BlockValue) Unpack(buf []byte) {
	*v = BlockValue(binary.LittleEndian.Uint32(buf))
}
func (v BlockValue) Key() uint64 { return 0 } // unused: BlockValue is never bsearched directly

func newBlockValue() parray.Record { var v BlockValue; return &v }

// Key is the fixed-width uint64 record type used for every node's key
// array.
type Key uint64

func (Key) PackedLen() int { return 8 }
func (k Key) Pack(buf []byte) {
	binary.LittleEndian.PutUint64(buf, uint64(k))
}
func (k *Key) Unpack(buf []byte) {
	*k = Key(binary.LittleEndian.Uint64(buf))
}
func (k Key) Key() uint64 { return uint64(k) }

func newKey() parray.Record { var k Key; return &k }

// header is a typed view over a page's fixed prefix.
type header struct{ data []byte }

func (h header) SeqNr() uint32      { return binary.LittleEndian.Uint32(h.data[0:4]) }
func (h header) SetSeqNr(v uint32)  { binary.LittleEndian.PutUint32(h.data[0:4], v) }
func (h header) SnapTime() uint32   { return binary.LittleEndian.Uint32(h.data[4:8]) }
func (h header) SetSnapTime(v uint32) { binary.LittleEndian.PutUint32(h.data[4:8], v) }
func (h header) Flags() uint16      { return binary.LittleEndian.Uint16(h.data[8:10]) }
func (h header) SetFlags(v uint16)  { binary.LittleEndian.PutUint16(h.data[8:10], v) }
func (h header) Kind() uint16       { return binary.LittleEndian.Uint16(h.data[10:12]) }
func (h header) SetKind(v uint16)   { binary.LittleEndian.PutUint16(h.data[10:12], v) }
func (h header) NrEntries() uint32  { return binary.LittleEndian.Uint32(h.data[12:16]) }
func (h header) SetNrEntries(v uint32) {
	binary.LittleEndian.PutUint32(h.data[12:16], v)
}

func (h header) IsLeaf() bool { return h.Flags() == FlagLeaf }

// ReadFlags peeks at a page's leaf/internal flag without constructing a
// full Node, used by the transaction manager's is_internal check.
func ReadFlags(data []byte) uint16 {
	return header{data: data}.Flags()
}

// ReadSnapTime peeks at a page's snap_time.
func ReadSnapTime(data []byte) uint32 {
	return header{data: data}.SnapTime()
}

// MaxEntries returns the slot capacity of a node whose value records are
// valLen bytes each.
func MaxEntries(valLen int) int {
	return (len(make([]byte, PageSize)) - HeaderSize) / (8 + valLen)
}

// PageSize is the fixed metadata page size (matches ioengine.BlockSize;
// duplicated as a constant so this package has no import cycle on
// ioengine).
const PageSize = 4096

// Node wraps a page's bytes as a header plus two packed arrays (keys,
// values). valueFactory determines V for this instantiation: BlockValue for
// internal nodes, the tree's own leaf type for leaves.
type Node struct {
	Loc           MetadataBlock
	data          []byte
	h             header
	nrEntries     int
	Keys          *parray.PackedArray
	Values        *parray.PackedArray
	valLen        int
	maxEntries    int
}

// Open wraps an existing initialised page as a Node.
func Open(loc MetadataBlock, data []byte, valLen int, valueFactory parray.Factory) *Node {
	n := &Node{Loc: loc, data: data, h: header{data: data}, valLen: valLen}
	n.maxEntries = MaxEntries(valLen)
	n.nrEntries = int(n.h.NrEntries())
	keyBytes := data[HeaderSize : HeaderSize+8*n.maxEntries]
	valBytes := data[HeaderSize+8*n.maxEntries : HeaderSize+8*n.maxEntries+valLen*n.maxEntries]
	n.Keys = parray.New(keyBytes, 8, n.maxEntries, &n.nrEntries, newKey)
	n.Values = parray.New(valBytes, valLen, n.maxEntries, &n.nrEntries, valueFactory)
	return n
}

// Init formats a fresh page as an empty node of the given leaf/internal
// kind, seq_nr and snap_time 0 (new-node) or as supplied (shadow-copy sets
// them separately).
func Init(loc MetadataBlock, data []byte, isLeaf bool, kind uint16, valLen int, valueFactory parray.Factory) *Node {
	h := header{data: data}
	h.SetSeqNr(0)
	h.SetSnapTime(0)
	if isLeaf {
		h.SetFlags(FlagLeaf)
	} else {
		h.SetFlags(FlagInternal)
	}
	h.SetKind(kind)
	h.SetNrEntries(0)
	return Open(loc, data, valLen, valueFactory)
}

func (n *Node) IsLeaf() bool        { return n.h.IsLeaf() }
func (n *Node) SeqNr() uint32       { return n.h.SeqNr() }
func (n *Node) SetSeqNr(v uint32)   { n.h.SetSeqNr(v) }
func (n *Node) SnapTime() uint32    { return n.h.SnapTime() }
func (n *Node) SetSnapTime(v uint32) { n.h.SetSnapTime(v) }
func (n *Node) NrEntries() int      { return n.nrEntries }

// Sync writes the in-memory nrEntries back into the header bytes; call
// before releasing the underlying page lock.
func (n *Node) Sync() { n.h.SetNrEntries(uint32(n.nrEntries)) }

func (n *Node) MaxEntries() int { return n.maxEntries }
func (n *Node) IsEmpty() bool   { return n.nrEntries == 0 }
func (n *Node) IsFull() bool    { return n.nrEntries >= n.maxEntries }

// LowerBound returns the index of the last key <= key, or -1.
func (n *Node) LowerBound(key uint64) int { return n.Keys.Bsearch(key) }

// KeyAt returns the key at index i.
func (n *Node) KeyAt(i int) uint64 { return uint64(*n.Keys.Get(i).(*Key)) }
