// Package copier implements the data-block copier contract: the
// collaborator the thin pool submits zero/copy work to before touching any
// metadata.
package copier

import (
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
)

// PBlock is a physical data-block index.
type PBlock = uint64

// CopyOp copies the data block range [SrcBegin, SrcEnd) to a run starting at
// Dst.
type CopyOp struct {
	SrcBegin, SrcEnd PBlock
	Dst              PBlock
}

// ZeroOp zeroes the data block range [Begin, End).
type ZeroOp struct {
	Begin, End PBlock
}

// Err carries the failing source/destination for a copy/zero error.
type Err struct {
	Op  string
	Src PBlock
	Dst PBlock
	Err error
}

func (e *Err) Error() string {
	return fmt.Sprintf("copier: %s failed (src=%d dst=%d): %v", e.Op, e.Src, e.Dst, e.Err)
}

func (e *Err) Unwrap() error { return e.Err }

// Copier is the interface the thin pool drives all data-block movement
// through.
type Copier interface {
	Copy(ops []CopyOp) error
	Zero(ops []ZeroOp) error
}

// DataStore is the minimal block-addressable backing the core Copier needs;
// a real deployment wires this to the pool's data-block device.
type DataStore interface {
	ReadBlock(b PBlock) ([]byte, error)
	WriteBlock(b PBlock, data []byte) error
	BlockSize() int
}

// Core is a straightforward Copier over a DataStore, staging copies through
// a fastcache so repeated copies of hot source blocks (common right after a
// snapshot, when many thins break-share the same origin range) avoid
// re-reading from the backing store.
type Core struct {
	mu    sync.Mutex
	store DataStore
	stage *fastcache.Cache
}

// NewCore builds a Core copier with a staging cache of the given byte
// budget.
func NewCore(store DataStore, stageBytes int) *Core {
	return &Core{store: store, stage: fastcache.New(stageBytes)}
}

func stageKey(b PBlock) []byte {
	return []byte{byte(b >> 56), byte(b >> 48), byte(b >> 40), byte(b >> 32), byte(b >> 24), byte(b >> 16), byte(b >> 8), byte(b)}
}

func (c *Core) readCached(b PBlock) ([]byte, error) {
	if data, ok := c.stage.HasGet(nil, stageKey(b)); ok {
		return data, nil
	}
	data, err := c.store.ReadBlock(b)
	if err != nil {
		return nil, err
	}
	c.stage.Set(stageKey(b), data)
	return data, nil
}

// Copy performs every op, stopping at (and reporting) the first failure.
func (c *Core) Copy(ops []CopyOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range ops {
		n := op.SrcEnd - op.SrcBegin
		for i := PBlock(0); i < n; i++ {
			src := op.SrcBegin + i
			dst := op.Dst + i
			data, err := c.readCached(src)
			if err != nil {
				return &Err{Op: "copy-read", Src: src, Dst: dst, Err: err}
			}
			if err := c.store.WriteBlock(dst, data); err != nil {
				return &Err{Op: "copy-write", Src: src, Dst: dst, Err: err}
			}
			c.stage.Set(stageKey(dst), data)
		}
	}
	return nil
}

// Zero writes a block of zeroes across every op's range.
func (c *Core) Zero(ops []ZeroOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	zero := make([]byte, c.store.BlockSize())
	for _, op := range ops {
		for b := op.Begin; b < op.End; b++ {
			if err := c.store.WriteBlock(b, zero); err != nil {
				return &Err{Op: "zero", Dst: b, Err: err}
			}
			c.stage.Del(stageKey(b))
		}
	}
	return nil
}

// MemStore is an in-memory DataStore for tests.
type MemStore struct {
	mu        sync.Mutex
	blockSize int
	blocks    map[PBlock][]byte
}

// NewMemStore builds an in-memory data store with the given block size.
func NewMemStore(blockSize int) *MemStore {
	return &MemStore{blockSize: blockSize, blocks: make(map[PBlock][]byte)}
}

func (m *MemStore) ReadBlock(b PBlock) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.blocks[b]; ok {
		out := make([]byte, m.blockSize)
		copy(out, data)
		return out, nil
	}
	return make([]byte, m.blockSize), nil
}

func (m *MemStore) WriteBlock(b PBlock, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, m.blockSize)
	copy(buf, data)
	m.blocks[b] = buf
	return nil
}

func (m *MemStore) BlockSize() int { return m.blockSize }
