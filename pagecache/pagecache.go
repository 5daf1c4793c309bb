// Package pagecache implements a fixed-capacity metadata page cache:
// multi-reader/single-writer page locking, LRU eviction of unlocked pages
// with dirty writeback, and a zero-on-allocate fast path.
package pagecache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/simplelru"

	"github.com/thinmeta/thinmeta/ioengine"
	"github.com/thinmeta/thinmeta/log"
)

type lockState int

const (
	stateUnlocked lockState = iota
	stateShared
	stateExclusive
)

type entry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	state   lockState
	sharers int
	dirty   bool
	data    []byte
	loc     uint32
}

func newEntry(loc uint32, data []byte) *entry {
	e := &entry{loc: loc, data: data}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Cache is the fixed-capacity page cache.
type Cache struct {
	mu       sync.Mutex
	capacity int
	engine   ioengine.Engine
	entries  map[uint32]*entry
	lru      *lru.LRU // holds only unlocked entries, evicted front-first
	held     int
	log      log.Logger
}

// New builds a cache of the given page capacity over engine.
func New(engine ioengine.Engine, capacity int) (*Cache, error) {
	c := &Cache{
		capacity: capacity,
		engine:   engine,
		entries:  make(map[uint32]*entry),
		log:      log.New("component", "pagecache"),
	}
	l, err := lru.NewLRU(capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict is the hashicorp/golang-lru eviction callback; it must not itself
// take c.mu (the caller already holds it), so it only writes back bytes and
// drops the entry from the entries map.
func (c *Cache) onEvict(key interface{}, value interface{}) {
	e := value.(*entry)
	if e.dirty {
		if err := c.engine.Write(e.loc, e.data); err != nil {
			c.log.Error("pagecache eviction writeback failed", "loc", e.loc, "err", err)
		}
	}
	delete(c.entries, e.loc)
}

// Residency returns the number of pages currently resident (locked or not).
func (c *Cache) Residency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// NrHeld returns the number of pages currently locked by a holder.
func (c *Cache) NrHeld() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

func (c *Cache) getOrLoad(loc uint32, zero bool) (*entry, error) {
	if e, ok := c.entries[loc]; ok {
		return e, nil
	}
	var data []byte
	if zero {
		data = make([]byte, ioengine.BlockSize)
	} else {
		d, err := c.engine.Read(loc)
		if err != nil {
			return nil, err
		}
		data = d
	}
	e := newEntry(loc, data)
	if len(c.entries) >= c.capacity && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.entries[loc] = e
	return e, nil
}

// SharedProxy is a released-on-Release shared-lock handle onto a page.
type SharedProxy struct {
	c   *Cache
	e   *entry
	loc uint32
}

// Loc returns the page's block index.
func (p *SharedProxy) Loc() uint32 { return p.loc }

// Bytes returns the page contents. Callers must not retain the slice past
// Release.
func (p *SharedProxy) Bytes() []byte {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.e.data
}

// Release drops the shared hold, returning the page to the LRU if no other
// holder remains.
func (p *SharedProxy) Release() { p.c.unlock(p.e) }

// ExclusiveProxy is a released-on-Release exclusive-lock handle onto a page.
type ExclusiveProxy struct {
	c   *Cache
	e   *entry
	loc uint32
}

func (p *ExclusiveProxy) Loc() uint32 { return p.loc }

// Bytes returns the mutable page contents.
func (p *ExclusiveProxy) Bytes() []byte {
	p.e.mu.Lock()
	defer p.e.mu.Unlock()
	return p.e.data
}

// Release drops the exclusive hold.
func (p *ExclusiveProxy) Release() { p.c.unlock(p.e) }

func (c *Cache) removeFromLRU(loc uint32) {
	c.lru.Remove(loc)
}

// SharedLock acquires a shared (read) lock on loc, blocking while the page
// is exclusively held elsewhere.
func (c *Cache) SharedLock(loc uint32) (*SharedProxy, error) {
	for {
		c.mu.Lock()
		e, err := c.getOrLoad(loc, false)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()

		e.mu.Lock()
		if e.state == stateExclusive {
			e.cond.Wait()
			e.mu.Unlock()
			continue
		}
		first := e.state == stateUnlocked
		if first {
			e.state = stateShared
			e.sharers = 1
		} else {
			e.sharers++
		}
		e.mu.Unlock()

		c.mu.Lock()
		c.removeFromLRU(loc)
		if first {
			c.held++
		}
		c.mu.Unlock()
		return &SharedProxy{c: c, e: e, loc: loc}, nil
	}
}

// GCLock is the non-blocking shared-lock variant: it fails at once, rather
// than waiting, when the page is exclusively held.
func (c *Cache) GCLock(loc uint32) (*SharedProxy, error) {
	c.mu.Lock()
	e, err := c.getOrLoad(loc, false)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateExclusive {
		return nil, fmt.Errorf("pagecache: gc_lock cannot lock exclusively held page %d", loc)
	}
	first := e.state == stateUnlocked
	if first {
		e.state = stateShared
		e.sharers = 1
	} else {
		e.sharers++
	}

	c.mu.Lock()
	c.removeFromLRU(loc)
	if first {
		c.held++
	}
	c.mu.Unlock()
	return &SharedProxy{c: c, e: e, loc: loc}, nil
}

// ExclusiveLock acquires an exclusive (write) lock on loc, blocking while
// any lock is held. Re-locking a page a caller already holds exclusively is
// a programming error; this implementation does not attempt to detect it
// (that requires an owner token the caller would have to thread through
// every call) and instead relies on correct call discipline, same as
// shadow()/new_node() never re-entering a lock they already hold.
func (c *Cache) ExclusiveLock(loc uint32) (*ExclusiveProxy, error) {
	for {
		c.mu.Lock()
		e, err := c.getOrLoad(loc, false)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()

		e.mu.Lock()
		if e.state != stateUnlocked {
			e.cond.Wait()
			e.mu.Unlock()
			continue
		}
		e.state = stateExclusive
		e.dirty = true
		e.mu.Unlock()

		c.mu.Lock()
		c.removeFromLRU(loc)
		c.held++
		c.mu.Unlock()
		return &ExclusiveProxy{c: c, e: e, loc: loc}, nil
	}
}

// ZeroLock is like ExclusiveLock but skips the read and zeroes the buffer,
// used when the caller is about to overwrite the whole page (new node
// allocation).
func (c *Cache) ZeroLock(loc uint32) (*ExclusiveProxy, error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[loc]
		if !ok {
			data := make([]byte, ioengine.BlockSize)
			e = newEntry(loc, data)
			if c.lru.Len() >= c.capacity && c.lru.Len() > 0 {
				c.lru.RemoveOldest()
			}
			c.entries[loc] = e
			c.mu.Unlock()

			e.mu.Lock()
			e.state = stateExclusive
			e.dirty = true
			for i := range e.data {
				e.data[i] = 0
			}
			e.mu.Unlock()

			c.mu.Lock()
			c.held++
			c.mu.Unlock()
			return &ExclusiveProxy{c: c, e: e, loc: loc}, nil
		}
		c.mu.Unlock()

		e.mu.Lock()
		if e.state != stateUnlocked {
			e.cond.Wait()
			e.mu.Unlock()
			continue
		}
		e.state = stateExclusive
		e.dirty = true
		for i := range e.data {
			e.data[i] = 0
		}
		e.mu.Unlock()

		c.mu.Lock()
		c.removeFromLRU(loc)
		c.held++
		c.mu.Unlock()
		return &ExclusiveProxy{c: c, e: e, loc: loc}, nil
	}
}

func (c *Cache) unlock(e *entry) {
	e.mu.Lock()
	switch e.state {
	case stateUnlocked:
		e.mu.Unlock()
		panic(fmt.Sprintf("pagecache: unlocking already-unlocked page %d", e.loc))
	case stateShared:
		e.sharers--
		if e.sharers == 0 {
			e.state = stateUnlocked
		}
	case stateExclusive:
		e.state = stateUnlocked
	}
	becameFree := e.state == stateUnlocked
	e.cond.Broadcast()
	e.mu.Unlock()

	if becameFree {
		c.mu.Lock()
		c.held--
		c.lru.Add(e.loc, e)
		c.mu.Unlock()
	}
}

// Flush writes back every unheld dirty page and clears its dirty flag.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.mu.Lock()
		if e.state == stateUnlocked && e.dirty {
			if err := c.engine.Write(e.loc, e.data); err != nil {
				e.mu.Unlock()
				return err
			}
			e.dirty = false
		}
		e.mu.Unlock()
	}
	return nil
}
