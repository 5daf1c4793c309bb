package thinpool

import (
	"testing"

	"github.com/thinmeta/thinmeta/copier"
)

func TestOpsPushZeroMergesContiguous(t *testing.T) {
	var o Ops
	o.PushZero(0, 10)
	o.PushZero(10, 20)
	o.PushZero(30, 40)
	if len(o.Zeroes) != 2 {
		t.Fatalf("expected 2 zero runs after merging, got %d: %v", len(o.Zeroes), o.Zeroes)
	}
	if o.Zeroes[0] != (ZeroOp{B: 0, E: 20}) {
		t.Fatalf("first run should merge to [0,20), got %+v", o.Zeroes[0])
	}
	if o.Zeroes[1] != (ZeroOp{B: 30, E: 40}) {
		t.Fatalf("second run should stay separate, got %+v", o.Zeroes[1])
	}
}

func TestOpsPushRemoveMergesContiguous(t *testing.T) {
	var o Ops
	o.PushRemove(5, 10)
	o.PushRemove(10, 15)
	if len(o.Removes) != 1 || o.Removes[0] != (RemoveOp{B: 5, E: 15}) {
		t.Fatalf("expected merged remove [5,15), got %v", o.Removes)
	}
}

func TestOpsPushInsertMergesOnlySameSnapTimeAndContiguousExtents(t *testing.T) {
	var o Ops
	o.PushInsert(0, Mapping{B: 100, E: 110, SnapTime: 1})
	o.PushInsert(10, Mapping{B: 110, E: 120, SnapTime: 1})
	if len(o.Inserts) != 1 {
		t.Fatalf("expected contiguous same-epoch inserts to merge, got %d: %v", len(o.Inserts), o.Inserts)
	}
	if o.Inserts[0].M.E != 120 {
		t.Fatalf("merged insert should extend to E=120, got %+v", o.Inserts[0])
	}

	o.PushInsert(20, Mapping{B: 200, E: 210, SnapTime: 2})
	if len(o.Inserts) != 2 {
		t.Fatalf("a differing snap_time must not merge, got %d: %v", len(o.Inserts), o.Inserts)
	}

	o.PushInsert(30, Mapping{B: 500, E: 510, SnapTime: 2})
	if len(o.Inserts) != 3 {
		t.Fatalf("a physical gap must not merge, got %d: %v", len(o.Inserts), o.Inserts)
	}
}

// TestOpsSubmitDataAppliesZeroesAndCopies checks that SubmitData applies both
// a pending batch's copy ops and its zero ops to the store.
func TestOpsSubmitDataAppliesZeroesAndCopies(t *testing.T) {
	store := copier.NewMemStore(4096)
	if err := store.WriteBlock(0, bytes(4096, 0xAB)); err != nil {
		t.Fatalf("seed WriteBlock: %v", err)
	}
	cp := copier.NewCore(store, 1<<16)

	var o Ops
	o.PushCopy(0, 1, 10)
	o.PushZero(20, 21)

	if err := o.SubmitData(cp); err != nil {
		t.Fatalf("SubmitData: %v", err)
	}

	copied, err := store.ReadBlock(10)
	if err != nil {
		t.Fatalf("ReadBlock(10): %v", err)
	}
	for _, b := range copied {
		if b != 0xAB {
			t.Fatalf("expected block 10 to carry the copied pattern, got %v", copied)
		}
	}

	zeroed, err := store.ReadBlock(20)
	if err != nil {
		t.Fatalf("ReadBlock(20): %v", err)
	}
	for _, b := range zeroed {
		if b != 0 {
			t.Fatalf("expected block 20 to be zeroed, got %v", zeroed)
		}
	}
}

func bytes(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
