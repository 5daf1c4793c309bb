// Package suballoc implements per-thread sub-allocators: thin wrappers over
// a shared buddy allocator that prefetch runs for locality and hand back
// whatever's left on Close.
package suballoc

import (
	"sync"

	"github.com/thinmeta/thinmeta/allocator"
	"github.com/thinmeta/thinmeta/log"
)

// DataAllocator holds a private buddy allocator L preloaded from a shared
// global allocator G, minimising global-lock traffic for a single thin's
// data-block requests.
type DataAllocator struct {
	mu          sync.Mutex
	global      *allocator.Buddy
	local       *allocator.Buddy
	prealloc    uint64
	log         log.Logger
}

// NewDataAllocator builds a DataAllocator prefetching preallocSize blocks
// from global on construction.
func NewDataAllocator(global *allocator.Buddy, preallocSize uint64) (*DataAllocator, error) {
	d := &DataAllocator{global: global, local: allocator.NewBuddy(0), prealloc: preallocSize, log: log.New("component", "data-suballoc")}
	if preallocSize > 0 {
		if err := d.refill(preallocSize); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// refill pulls n more blocks from global and registers them as free in the
// local allocator at their real (global) address — local shares the same
// address space as global, it just owns a subset of it.
func (d *DataAllocator) refill(n uint64) error {
	_, runs, err := d.global.AllocMany(n, 0)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := d.local.Free(r.Begin, r.End-r.Begin); err != nil {
			return err
		}
	}
	return nil
}

// Alloc reserves n data blocks, returning them as one or more runs
// (AllocMany against the private allocator). On exhaustion it refills from
// global once and retries.
func (d *DataAllocator) Alloc(n uint64) (uint64, []allocator.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	granted, runs, err := d.local.AllocMany(n, 0)
	if err == nil && granted == n {
		return granted, runs, nil
	}

	refillSize := d.prealloc
	if refillSize < n {
		refillSize = n
	}
	if rerr := d.refill(refillSize); rerr != nil {
		if granted > 0 {
			return granted, runs, nil
		}
		return 0, nil, rerr
	}

	more, moreRuns, err2 := d.local.AllocMany(n-granted, 0)
	if err2 != nil {
		if granted > 0 {
			return granted, runs, nil
		}
		return 0, nil, err2
	}
	return granted + more, append(runs, moreRuns...), nil
}

// Free returns data blocks to the private allocator (not the global one;
// they are handed back to global on Close).
func (d *DataAllocator) Free(start, n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local.Free(start, n)
}

// Close returns every still-free local run to the global allocator.
func (d *DataAllocator) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for order, starts := range d.local.FreeOrders() {
		for _, start := range starts {
			if err := d.global.Free(start, uint64(1)<<order); err != nil {
				return err
			}
		}
	}
	return nil
}

// MetadataAllocator maintains a FIFO of single pre-allocated metadata
// blocks.
type MetadataAllocator struct {
	mu       sync.Mutex
	global   *allocator.Buddy
	fifo     []uint64
	prealloc int
}

// NewMetadataAllocator builds a MetadataAllocator that prefetches
// prealloc blocks at a time.
func NewMetadataAllocator(global *allocator.Buddy, prealloc int) *MetadataAllocator {
	return &MetadataAllocator{global: global, prealloc: prealloc}
}

func (m *MetadataAllocator) refill() error {
	n := m.prealloc
	if n <= 0 {
		n = 1
	}
	granted, runs, err := m.global.AllocMany(uint64(n), 0)
	if err != nil {
		return err
	}
	for _, r := range runs {
		for b := r.Begin; b < r.End; b++ {
			m.fifo = append(m.fifo, b)
		}
	}
	_ = granted
	return nil
}

// Alloc pops one metadata block, prefetching if the FIFO is empty.
func (m *MetadataAllocator) Alloc() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fifo) == 0 {
		if err := m.refill(); err != nil {
			return 0, err
		}
	}
	b := m.fifo[0]
	m.fifo = m.fifo[1:]
	return uint32(b), nil
}

// Close frees every block remaining in the FIFO back to global.
func (m *MetadataAllocator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.fifo {
		if err := m.global.Free(b, 1); err != nil {
			return err
		}
	}
	m.fifo = nil
	return nil
}
