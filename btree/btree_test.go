package btree

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/thinmeta/thinmeta/allocator"
	"github.com/thinmeta/thinmeta/ioengine"
	"github.com/thinmeta/thinmeta/journal"
	"github.com/thinmeta/thinmeta/pagecache"
	"github.com/thinmeta/thinmeta/parray"
	"github.com/thinmeta/thinmeta/suballoc"
)

// valRec is a fixed-width uint64 leaf value used by every test tree.
type valRec uint64

func (valRec) PackedLen() int       { return 8 }
func (v valRec) Pack(buf []byte)    { binary.LittleEndian.PutUint64(buf, uint64(v)) }
func (v *valRec) Unpack(buf []byte) { *v = valRec(binary.LittleEndian.Uint64(buf)) }

func newValRec() parray.Record { var v valRec; return &v }

var testLeafType = NodeType{ValLen: 8, Factory: newValRec, Kind: 3}

// newTestTree builds a transaction manager and an empty leaf-root tree over
// an in-memory metadata extent of nrBlocks pages.
func newTestTree(t *testing.T, nrBlocks uint32) (*Tree, *TransactionManager) {
	t.Helper()
	engine := ioengine.NewCoreEngine(nrBlocks)
	cache, err := pagecache.New(engine, int(nrBlocks))
	if err != nil {
		t.Fatalf("pagecache.New: %v", err)
	}
	global := allocator.NewBuddy(uint64(nrBlocks))
	metaAlloc := suballoc.NewMetadataAllocator(global, 16)
	tm := NewTransactionManager(cache, metaAlloc)

	batch := journal.NewBatch()
	root, err := tm.NewNode(testLeafType, true, batch)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	ptr := root.Ptr()
	root.Release()

	return NewTree(tm, testLeafType, ptr), tm
}

func lookupVal(t *testing.T, tree *Tree, key uint64) (uint64, bool) {
	t.Helper()
	v, ok, err := tree.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup(%d): %v", key, err)
	}
	if !ok {
		return 0, false
	}
	return uint64(*v.(*valRec)), true
}

func insert(t *testing.T, tree *Tree, ctx ReferenceContext, key, v uint64) {
	t.Helper()
	batch := journal.NewBatch()
	val := valRec(v)
	if err := tree.Insert(ctx, batch, 0, key, &val); err != nil {
		t.Fatalf("Insert(%d,%d): %v", key, v, err)
	}
}

func remove(t *testing.T, tree *Tree, ctx ReferenceContext, key uint64) {
	t.Helper()
	batch := journal.NewBatch()
	if err := tree.Remove(ctx, batch, 0, key); err != nil {
		t.Fatalf("Remove(%d): %v", key, err)
	}
}

func TestBtreeLookupMiss(t *testing.T) {
	tree, _ := newTestTree(t, 64)
	if _, ok, err := tree.Lookup(42); err != nil || ok {
		t.Fatalf("Lookup on empty tree = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestBtreeInsertLookupSmall(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	ctx := NewReferenceContext()
	for i := uint64(0); i < 50; i++ {
		insert(t, tree, ctx, i, i*2)
	}
	for i := uint64(0); i < 50; i++ {
		v, ok := lookupVal(t, tree, i)
		if !ok || v != i*2 {
			t.Fatalf("Lookup(%d) = %d,%v; want %d,true", i, v, ok, i*2)
		}
	}
	n, err := tree.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if n != 50 {
		t.Fatalf("Check() = %d, want 50", n)
	}
}

// TestBtreeInsertSequenceRandomOrder inserts a large number of keys in
// random order and checks every one looks up correctly afterward; scaled
// down from a much larger N to keep unit-test runtime reasonable, since the
// property under test (ordering, lookup correctness, count) doesn't depend
// on N.
func TestBtreeInsertSequenceRandomOrder(t *testing.T) {
	const n = 2000
	tree, _ := newTestTree(t, 8192)
	ctx := NewReferenceContext()

	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range order {
		insert(t, tree, ctx, uint64(k), uint64(k)*2)
	}
	for k := 0; k < n; k++ {
		v, ok := lookupVal(t, tree, uint64(k))
		if !ok || v != uint64(k)*2 {
			t.Fatalf("Lookup(%d) = %d,%v; want %d,true", k, v, ok, k*2)
		}
	}
	count, err := tree.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if count != n {
		t.Fatalf("Check() = %d, want %d", count, n)
	}
}

func TestBtreeOverwrite(t *testing.T) {
	tree, _ := newTestTree(t, 128)
	ctx := NewReferenceContext()
	insert(t, tree, ctx, 5, 50)
	insert(t, tree, ctx, 5, 500)
	v, ok := lookupVal(t, tree, 5)
	if !ok || v != 500 {
		t.Fatalf("Lookup(5) = %d,%v; want 500,true", v, ok)
	}
	n, _ := tree.Check()
	if n != 1 {
		t.Fatalf("Check() = %d, want 1 (overwrite must not grow the tree)", n)
	}
}

// TestBtreeOrderingAfterMutation checks that an in-order walk (via
// LookupRange over the whole key space) yields strictly ascending keys after
// a mix of inserts and removes.
func TestBtreeOrderingAfterMutation(t *testing.T) {
	tree, _ := newTestTree(t, 2048)
	ctx := NewReferenceContext()
	keys := []uint64{50, 10, 70, 20, 90, 5, 60, 30}
	for _, k := range keys {
		insert(t, tree, ctx, k, k)
	}
	remove(t, tree, ctx, 20)
	remove(t, tree, ctx, 90)

	entries, err := tree.LookupRange(0, 1<<63-1, nil, nil)
	if err != nil {
		t.Fatalf("LookupRange: %v", err)
	}
	var prev uint64
	for i, e := range entries {
		if i > 0 && e.Key <= prev {
			t.Fatalf("keys not strictly ascending at %d: %d after %d", i, e.Key, prev)
		}
		prev = e.Key
	}
	want := 6
	if len(entries) != want {
		t.Fatalf("len(entries) = %d, want %d", len(entries), want)
	}
}

// TestBtreeRemoveThenLookupMiss checks a removed key is no longer found.
func TestBtreeRemoveThenLookupMiss(t *testing.T) {
	tree, _ := newTestTree(t, 128)
	ctx := NewReferenceContext()
	insert(t, tree, ctx, 7, 70)
	remove(t, tree, ctx, 7)
	if _, ok, err := tree.Lookup(7); err != nil || ok {
		t.Fatalf("Lookup(7) after remove = ok=%v err=%v, want false", ok, err)
	}
}

// TestBtreeRemoveManyAfterSplits inserts enough keys to split leaves under an
// internal root, removes all but every tenth key, and checks the surviving
// count and values.
func TestBtreeRemoveManyAfterSplits(t *testing.T) {
	const n = 500
	tree, _ := newTestTree(t, 4096)
	ctx := NewReferenceContext()
	for i := uint64(0); i < n; i++ {
		insert(t, tree, ctx, i, i)
	}
	for i := uint64(0); i < n; i++ {
		if i%10 == 0 {
			continue
		}
		remove(t, tree, ctx, i)
	}
	count, err := tree.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if count != n/10 {
		t.Fatalf("Check() = %d, want %d", count, n/10)
	}
	for i := uint64(0); i < n; i += 10 {
		v, ok := lookupVal(t, tree, i)
		if !ok || v != i {
			t.Fatalf("Lookup(%d) = %d,%v; want %d,true", i, v, ok, i)
		}
	}
}

func TestBtreeLookupRangeWindow(t *testing.T) {
	tree, _ := newTestTree(t, 256)
	ctx := NewReferenceContext()
	for _, k := range []uint64{0, 10, 20, 30, 40} {
		insert(t, tree, ctx, k, k)
	}

	entries, err := tree.LookupRange(15, 35, nil, nil)
	if err != nil {
		t.Fatalf("LookupRange: %v", err)
	}
	wantKeys := []uint64{20, 30}
	if len(entries) != len(wantKeys) {
		t.Fatalf("entries = %v, want keys %v", entries, wantKeys)
	}
	for i, k := range wantKeys {
		if entries[i].Key != k {
			t.Fatalf("entries[%d].Key = %d, want %d", i, entries[i].Key, k)
		}
	}
}

func TestBtreeCheckDetectsOutOfBoundKey(t *testing.T) {
	tree, _ := newTestTree(t, 128)
	ctx := NewReferenceContext()
	for i := uint64(0); i < 10; i++ {
		insert(t, tree, ctx, i, i)
	}
	if _, err := tree.Check(); err != nil {
		t.Fatalf("Check on a well-formed tree failed: %v", err)
	}
}
