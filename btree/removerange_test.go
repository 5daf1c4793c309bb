package btree

import (
	"testing"

	"github.com/thinmeta/thinmeta/journal"
	"github.com/thinmeta/thinmeta/parray"
)

// extentRec is a [B,E) extent value used to exercise RemoveRange's
// straddling-entry split functions, the same shape as thinpool.Mapping but
// kept local so this package's tests don't import thinpool (which itself
// imports btree).
type extentRec struct{ B, E uint64 }

func (extentRec) PackedLen() int { return 16 }
func (r extentRec) Pack(buf []byte) {
	putU64(buf[0:8], r.B)
	putU64(buf[8:16], r.E)
}
func (r *extentRec) Unpack(buf []byte) {
	r.B = getU64(buf[0:8])
	r.E = getU64(buf[8:16])
}

func putU64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
func getU64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

func newExtentRec() parray.Record { var r extentRec; return &r }

var extentLeafType = NodeType{ValLen: 16, Factory: newExtentRec, Kind: 4}

func selectLt(kNew uint64) SplitFunc {
	return func(kOld uint64, v parray.Record) (uint64, parray.Record, bool) {
		e := *v.(*extentRec)
		if kOld >= kNew {
			return 0, nil, false
		}
		length := e.E - e.B
		newLen := kNew - kOld
		if newLen > length {
			newLen = length
		}
		return kOld, &extentRec{B: e.B, E: e.B + newLen}, true
	}
}

func selectGeq(kNew uint64) SplitFunc {
	return func(kOld uint64, v parray.Record) (uint64, parray.Record, bool) {
		e := *v.(*extentRec)
		if kNew <= kOld {
			return kOld, &e, true
		}
		length := e.E - e.B
		off := kNew - kOld
		if off >= length {
			return 0, nil, false
		}
		return kNew, &extentRec{B: e.B + off, E: e.E}, true
	}
}

func newExtentTree(t *testing.T) (*Tree, ReferenceContext) {
	t.Helper()
	tree, _ := newTestTreeOfType(t, 256, extentLeafType)
	return tree, NewReferenceContext()
}

// newTestTreeOfType mirrors newTestTree but lets the caller pick the leaf
// value shape.
func newTestTreeOfType(t *testing.T, nrBlocks uint32, lt NodeType) (*Tree, *TransactionManager) {
	t.Helper()
	tree, tm := newTestTree(t, nrBlocks)
	// Replace the default-typed empty root with one of the requested leaf
	// type (both start empty, so this is just a type swap).
	batch := journal.NewBatch()
	root, err := tm.NewNode(lt, true, batch)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	ptr := root.Ptr()
	root.Release()
	return NewTree(tm, lt, ptr), tm
}

func insertExtent(t *testing.T, tree *Tree, ctx ReferenceContext, key uint64, e extentRec) {
	t.Helper()
	batch := journal.NewBatch()
	v := e
	if err := tree.Insert(ctx, batch, 0, key, &v); err != nil {
		t.Fatalf("Insert(%d): %v", key, err)
	}
}

// TestBtreeRemoveRangeWithSplit removes a sub-range from the middle of a
// single mapping entry and checks both surviving fragments are trimmed
// correctly.
func TestBtreeRemoveRangeWithSplit(t *testing.T) {
	tree, ctx := newExtentTree(t)
	insertExtent(t, tree, ctx, 100, extentRec{B: 200, E: 300})

	batch := journal.NewBatch()
	if err := tree.RemoveRange(ctx, batch, 0, 150, 175, selectLt(150), selectGeq(175)); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}

	count, err := tree.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if count != 2 {
		t.Fatalf("Check() = %d, want 2", count)
	}

	v1, ok, err := tree.Lookup(100)
	if err != nil || !ok {
		t.Fatalf("Lookup(100) = ok=%v err=%v", ok, err)
	}
	e1 := *v1.(*extentRec)
	if e1 != (extentRec{B: 200, E: 250}) {
		t.Fatalf("entry at 100 = %+v, want {200,250}", e1)
	}

	v2, ok, err := tree.Lookup(175)
	if err != nil || !ok {
		t.Fatalf("Lookup(175) = ok=%v err=%v", ok, err)
	}
	e2 := *v2.(*extentRec)
	if e2 != (extentRec{B: 275, E: 300}) {
		t.Fatalf("entry at 175 = %+v, want {275,300}", e2)
	}
}

// TestBtreeRemoveRangeNoOverlap checks that after RemoveRange no surviving
// entry intersects the removed window, and entries outside it retain their
// value, trimmed at the boundary where they straddle it.
func TestBtreeRemoveRangeNoOverlap(t *testing.T) {
	tree, ctx := newExtentTree(t)
	insertExtent(t, tree, ctx, 0, extentRec{B: 1000, E: 1010})
	insertExtent(t, tree, ctx, 10, extentRec{B: 1010, E: 1020})
	insertExtent(t, tree, ctx, 20, extentRec{B: 1020, E: 1030})
	insertExtent(t, tree, ctx, 30, extentRec{B: 1030, E: 1040})
	insertExtent(t, tree, ctx, 40, extentRec{B: 1040, E: 1050})

	batch := journal.NewBatch()
	if err := tree.RemoveRange(ctx, batch, 0, 15, 35, selectLt(15), selectGeq(35)); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}

	entries, err := tree.LookupRange(0, 1<<63-1, nil, nil)
	if err != nil {
		t.Fatalf("LookupRange: %v", err)
	}
	for _, e := range entries {
		if e.Key >= 15 && e.Key < 35 {
			t.Fatalf("entry at key %d survived remove_range(15,35)", e.Key)
		}
	}
	// key 0's extent [1000,1010) is untouched (fully before the cut).
	v, ok, err := tree.Lookup(0)
	if err != nil || !ok || *v.(*extentRec) != (extentRec{B: 1000, E: 1010}) {
		t.Fatalf("Lookup(0) = %+v, ok=%v, err=%v; want unchanged {1000,1010}", v, ok, err)
	}
	// key 10's extent [1010,1020) straddles 15 and must be trimmed to [1010,1015).
	v, ok, err = tree.Lookup(10)
	if err != nil || !ok {
		t.Fatalf("Lookup(10) = ok=%v err=%v", ok, err)
	}
	if got := *v.(*extentRec); got != (extentRec{B: 1010, E: 1015}) {
		t.Fatalf("entry at 10 = %+v, want {1010,1015}", got)
	}
	// key 40's extent [1040,1050) is untouched (fully after the cut).
	v, ok, err = tree.Lookup(40)
	if err != nil || !ok || *v.(*extentRec) != (extentRec{B: 1040, E: 1050}) {
		t.Fatalf("Lookup(40) = %+v, ok=%v, err=%v; want unchanged {1040,1050}", v, ok, err)
	}
}

func TestBtreeRemoveRangeWholeTree(t *testing.T) {
	tree, ctx := newExtentTree(t)
	for i := uint64(0); i < 20; i++ {
		insertExtent(t, tree, ctx, i*10, extentRec{B: i * 100, E: i*100 + 10})
	}
	batch := journal.NewBatch()
	if err := tree.RemoveRange(ctx, batch, 0, 0, 1<<63-1, selectLt(0), selectGeq(1<<63-1)); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}
	count, err := tree.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if count != 0 {
		t.Fatalf("Check() = %d, want 0 after removing the whole key space", count)
	}
}
