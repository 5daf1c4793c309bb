package suballoc

import (
	"testing"

	"github.com/thinmeta/thinmeta/allocator"
)

func TestDataAllocatorPrefillsFromGlobal(t *testing.T) {
	global := allocator.NewBuddy(1024)
	d, err := NewDataAllocator(global, 64)
	if err != nil {
		t.Fatalf("NewDataAllocator: %v", err)
	}
	if got := global.TotalBlocks() - freeBlocks(t, global); got != 64 {
		t.Fatalf("expected 64 blocks preallocated from global, got %d", got)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDataAllocatorAllocWithinPrefill(t *testing.T) {
	global := allocator.NewBuddy(1024)
	d, err := NewDataAllocator(global, 64)
	if err != nil {
		t.Fatalf("NewDataAllocator: %v", err)
	}
	n, runs, err := d.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 blocks granted, got %d", n)
	}
	var total uint64
	for _, r := range runs {
		total += r.End - r.Begin
	}
	if total != 10 {
		t.Fatalf("run lengths should sum to 10, got %d", total)
	}
}

func TestDataAllocatorAllocRefillsOnExhaustion(t *testing.T) {
	global := allocator.NewBuddy(1024)
	d, err := NewDataAllocator(global, 8)
	if err != nil {
		t.Fatalf("NewDataAllocator: %v", err)
	}
	n, _, err := d.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if n != 100 {
		t.Fatalf("expected allocator to refill from global and satisfy the full request, got %d", n)
	}
}

func TestDataAllocatorCloseReturnsFreeBlocksToGlobal(t *testing.T) {
	global := allocator.NewBuddy(1024)
	d, err := NewDataAllocator(global, 64)
	if err != nil {
		t.Fatalf("NewDataAllocator: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if freeBlocks(t, global) != 1024 {
		t.Fatalf("expected every preallocated block to return to global, got %d free", freeBlocks(t, global))
	}
}

func TestDataAllocatorFreeKeepsBlocksLocalUntilClose(t *testing.T) {
	global := allocator.NewBuddy(1024)
	d, err := NewDataAllocator(global, 64)
	if err != nil {
		t.Fatalf("NewDataAllocator: %v", err)
	}
	_, runs, err := d.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for _, r := range runs {
		if err := d.Free(r.Begin, r.End-r.Begin); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}
	beforeClose := freeBlocks(t, global)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if freeBlocks(t, global) <= beforeClose {
		t.Fatalf("Close should return additional blocks to global beyond what Free alone did")
	}
}

func TestMetadataAllocatorRefillsFIFO(t *testing.T) {
	global := allocator.NewBuddy(64)
	m := NewMetadataAllocator(global, 4)
	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		b, err := m.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if seen[b] {
			t.Fatalf("metadata allocator handed out block %d twice", b)
		}
		seen[b] = true
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMetadataAllocatorCloseReturnsUnusedBlocks(t *testing.T) {
	global := allocator.NewBuddy(64)
	m := NewMetadataAllocator(global, 16)
	if _, err := m.Alloc(); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := freeBlocks(t, global); got != 64-1 {
		t.Fatalf("expected 63 free blocks after returning the unused prefetch, got %d", got)
	}
}

// freeBlocks sums every free run across every order of global's free list by
// allocating everything and then returning it, since Buddy exposes no direct
// free-count query.
func freeBlocks(t *testing.T, global *allocator.Buddy) uint64 {
	t.Helper()
	total := global.TotalBlocks()
	granted, runs, err := global.AllocMany(total, 0)
	if err != nil && granted == 0 {
		return 0
	}
	for _, r := range runs {
		if err := global.Free(r.Begin, r.End-r.Begin); err != nil {
			t.Fatalf("freeBlocks: Free: %v", err)
		}
	}
	return granted
}
