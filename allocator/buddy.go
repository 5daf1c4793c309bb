package allocator

import (
	"errors"
	"math/bits"
	"sync"

	"github.com/thinmeta/thinmeta/log"
)

// ErrBadParams reports a zero-sized or out-of-range request.
var ErrBadParams = errors.New("allocator: bad params")

// ErrOutOfSpace reports that the free set cannot satisfy a request.
var ErrOutOfSpace = errors.New("allocator: out of space")

// ErrBadFree reports a structural invariant violation (freeing a run that
// overlaps live allocations, or similar internal corruption). It is fatal
// and must never be retried.
var ErrBadFree = errors.New("allocator: bad free")

const maxOrder = 63

// order returns ceil(log2(n)), with order(0) == 0.
func order(n uint64) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len64(n - 1))
}

// orderBelow returns floor(log2(n)).
func orderBelow(n uint64) uint {
	if n == 0 {
		return 0
	}
	return uint(bits.Len64(n) - 1)
}

// minOrder returns the largest power-of-two-aligned run that both starts at
// i and fits within remaining blocks.
func minOrder(i, remaining uint64) uint {
	var alignOrder uint = maxOrder
	if i != 0 {
		alignOrder = uint(bits.TrailingZeros64(i))
	}
	sizeOrder := orderBelow(remaining)
	if alignOrder < sizeOrder {
		return alignOrder
	}
	return sizeOrder
}

func buddyOf(i uint64, k uint) uint64 {
	return i ^ (uint64(1) << k)
}

// Buddy is a power-of-two free-list allocator over an integer block space,
// guarded by a mutex so it can back process-wide metadata/data allocator
// singletons shared across goroutines.
type Buddy struct {
	mu          sync.Mutex
	totalBlocks uint64
	free        [maxOrder + 1]map[uint64]struct{}
	log         log.Logger
}

// NewBuddy creates an allocator over an empty [0, totalBlocks) extent, with
// every block free.
func NewBuddy(totalBlocks uint64) *Buddy {
	b := &Buddy{totalBlocks: totalBlocks, log: log.New("component", "buddy")}
	for i := range b.free {
		b.free[i] = make(map[uint64]struct{})
	}
	if totalBlocks > 0 {
		b.freeLocked(0, totalBlocks)
	}
	return b
}

// TotalBlocks returns the size of the managed extent.
func (b *Buddy) TotalBlocks() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBlocks
}

func (b *Buddy) popOrder(k uint) (uint64, bool) {
	for idx := range b.free[k] {
		delete(b.free[k], idx)
		return idx, true
	}
	return 0, false
}

// Alloc reserves n contiguous blocks, returning the start index. It scans
// upward for the lowest non-empty order able to satisfy n, splits down to
// the exact order, and frees any internal tail so non-power-of-two requests
// never waste space.
func (b *Buddy) Alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, ErrBadParams
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocLocked(n)
}

func (b *Buddy) allocLocked(n uint64) (uint64, error) {
	k := order(n)
	var kp uint
	var idx uint64
	found := false
	for kp = k; kp <= maxOrder; kp++ {
		if i, ok := b.popOrder(kp); ok {
			idx = i
			found = true
			break
		}
	}
	if !found {
		return 0, ErrOutOfSpace
	}

	// split down from kp to k
	for cur := kp; cur > k; cur-- {
		half := uint64(1) << (cur - 1)
		buddyIdx := idx + half
		b.free[cur-1][buddyIdx] = struct{}{}
	}

	size := uint64(1) << k
	if size > n {
		b.freeLocked(idx+n, size-n)
	}
	return idx, nil
}

// AllocMany returns up to n blocks as a set of runs. Each step takes the
// remainder from the smallest free block that covers it, returning the unused
// tail to the free set; failing that it takes the largest smaller block,
// stepping the order down as orders are exhausted. It stops once n blocks are
// granted or the order would drop below minOrd. A partial grant (granted > 0)
// is success; granted == 0 is ErrOutOfSpace.
func (b *Buddy) AllocMany(n uint64, minOrd uint) (uint64, []Run, error) {
	if n == 0 {
		return 0, nil, ErrBadParams
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var runs []Run
	var granted uint64

	for granted < n {
		remaining := n - granted
		k := order(remaining)
		if k > maxOrder {
			k = maxOrder
		}
		for up := k; up <= maxOrder; up++ {
			if len(b.free[up]) > 0 {
				k = up
				break
			}
		}

		allocated := false
		for kp := k; kp >= minOrd && kp <= maxOrder; kp-- {
			if idx, ok := b.popOrder(kp); ok {
				size := uint64(1) << kp
				if size > remaining {
					// split the tail back in, keep only what's needed
					extra := size - remaining
					b.freeLocked(idx+remaining, extra)
					size = remaining
				}
				runs = append(runs, Run{Begin: idx, End: idx + size})
				granted += size
				allocated = true
				break
			}
			if kp == 0 {
				break
			}
		}
		if !allocated {
			break
		}
	}

	if granted == 0 {
		return 0, nil, ErrOutOfSpace
	}
	return granted, runs, nil
}

// Free returns [start, start+n) to the free set, splitting into maximal
// buddy-aligned runs and coalescing with free buddies as it goes.
func (b *Buddy) Free(start, n uint64) error {
	if n == 0 {
		return ErrBadParams
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freeLocked(start, n)
	return nil
}

func (b *Buddy) freeLocked(start, n uint64) {
	remaining := n
	cur := start
	for remaining > 0 {
		k := minOrder(cur, remaining)
		b.freeRunLocked(cur, k)
		size := uint64(1) << k
		cur += size
		remaining -= size
	}
}

func (b *Buddy) freeRunLocked(start uint64, k uint) {
	idx := start
	for k < maxOrder {
		bud := buddyOf(idx, k)
		if _, ok := b.free[k][bud]; !ok {
			break
		}
		delete(b.free[k], bud)
		if bud < idx {
			idx = bud
		}
		k++
	}
	b.free[k][idx] = struct{}{}
}

// AllocAt reserves the block at target as an order-k run, failing if any
// ancestor block is not free (i.e. target is already allocated or out of
// range).
func (b *Buddy) AllocAt(target uint64, k uint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kp := k; kp <= maxOrder; kp++ {
		containing := target &^ ((uint64(1) << kp) - 1)
		if _, ok := b.free[kp][containing]; !ok {
			continue
		}
		delete(b.free[kp], containing)
		// split back down, keeping the half containing target at each step
		for cur := kp; cur > k; cur-- {
			half := uint64(1) << (cur - 1)
			left := containing
			right := containing + half
			if target < right {
				b.free[cur-1][right] = struct{}{}
			} else {
				b.free[cur-1][left] = struct{}{}
				containing = right
			}
		}
		return nil
	}
	return ErrOutOfSpace
}

// Grow extends the managed extent by delta blocks, feeding the new range
// into Free so it merges with any adjacent free region.
func (b *Buddy) Grow(delta uint64) error {
	if delta == 0 {
		return ErrBadParams
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.totalBlocks
	b.totalBlocks += delta
	b.freeLocked(old, delta)
	b.log.Debug("buddy grow", "old", old, "delta", delta, "total", b.totalBlocks)
	return nil
}

// FreeOrders returns a snapshot of free run starts grouped by order, used by
// tests asserting the exact free-set shape after a sequence of allocations.
func (b *Buddy) FreeOrders() map[uint][]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint][]uint64)
	for k, set := range b.free {
		if len(set) == 0 {
			continue
		}
		var idxs []uint64
		for idx := range set {
			idxs = append(idxs, idx)
		}
		out[uint(k)] = idxs
	}
	return out
}
