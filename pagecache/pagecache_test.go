package pagecache

import (
	"sync"
	"testing"
	"time"

	"github.com/thinmeta/thinmeta/ioengine"
)

func TestZeroLockThenReleaseWritesBackOnEviction(t *testing.T) {
	engine := ioengine.NewCoreEngine(4)
	c, err := New(engine, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p, err := c.ZeroLock(0)
	if err != nil {
		t.Fatalf("ZeroLock: %v", err)
	}
	copy(p.Bytes(), []byte{1, 2, 3})
	p.Release()

	// Evict page 0 by locking one other page (the capacity is 1).
	p2, err := c.ExclusiveLock(1)
	if err != nil {
		t.Fatalf("ExclusiveLock: %v", err)
	}
	p2.Release()

	data, err := engine.Read(0)
	if err != nil {
		t.Fatalf("engine.Read: %v", err)
	}
	if data[0] != 1 || data[1] != 2 || data[2] != 3 {
		t.Fatalf("expected evicted dirty page written back, got %v", data[:4])
	}
}

func TestSharedLockAllowsMultipleReaders(t *testing.T) {
	engine := ioengine.NewCoreEngine(4)
	c, err := New(engine, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := c.SharedLock(0)
	if err != nil {
		t.Fatalf("SharedLock a: %v", err)
	}
	b, err := c.SharedLock(0)
	if err != nil {
		t.Fatalf("SharedLock b: %v", err)
	}
	if c.NrHeld() != 1 {
		t.Fatalf("expected one held entry shared by two readers, got %d", c.NrHeld())
	}
	a.Release()
	b.Release()
}

func TestExclusiveLockBlocksUntilReleased(t *testing.T) {
	engine := ioengine.NewCoreEngine(4)
	c, err := New(engine, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, err := c.ExclusiveLock(0)
	if err != nil {
		t.Fatalf("ExclusiveLock: %v", err)
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		p, err := c.ExclusiveLock(0)
		if err != nil {
			t.Errorf("second ExclusiveLock: %v", err)
			return
		}
		close(acquired)
		p.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive lock acquired before the first was released")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	wg.Wait()
}

func TestGCLockFailsOnExclusivelyHeldPage(t *testing.T) {
	engine := ioengine.NewCoreEngine(4)
	c, err := New(engine, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := c.ExclusiveLock(0)
	if err != nil {
		t.Fatalf("ExclusiveLock: %v", err)
	}
	defer p.Release()

	if _, err := c.GCLock(0); err == nil {
		t.Fatal("expected GCLock to fail on an exclusively held page rather than block")
	}
}

func TestFlushWritesBackUnheldDirtyPages(t *testing.T) {
	engine := ioengine.NewCoreEngine(4)
	c, err := New(engine, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := c.ExclusiveLock(0)
	if err != nil {
		t.Fatalf("ExclusiveLock: %v", err)
	}
	copy(p.Bytes(), []byte{9, 9, 9})
	p.Release()

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, err := engine.Read(0)
	if err != nil {
		t.Fatalf("engine.Read: %v", err)
	}
	if data[0] != 9 {
		t.Fatalf("expected Flush to write back the dirty page, got %v", data[:4])
	}
}

func TestUnlockingUnlockedPagePanics(t *testing.T) {
	engine := ioengine.NewCoreEngine(4)
	c, err := New(engine, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := c.ExclusiveLock(0)
	if err != nil {
		t.Fatalf("ExclusiveLock: %v", err)
	}
	p.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic releasing an already-unlocked page")
		}
	}()
	p.Release()
}
