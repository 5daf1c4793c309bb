// Package ioengine implements the I/O engine contract: fixed-size
// synchronous page read/write, the boundary the page cache (and nothing
// above it) is allowed to cross.
package ioengine

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// BlockSize is the fixed metadata page size.
const BlockSize = 4096

// ErrOutOfRange is returned by Read/Write for a block index beyond
// NrBlocks().
var ErrOutOfRange = errors.New("ioengine: block index out of range")

// Engine is the synchronous, blocking page store the page cache reads
// through on a miss and writes through on eviction/flush.
type Engine interface {
	Read(loc uint32) ([]byte, error)
	Write(loc uint32, data []byte) error
	NrBlocks() uint32
	Close() error
}

// CoreEngine is an in-memory engine, used by tests and by any pool that
// chooses not to persist.
type CoreEngine struct {
	mu     sync.Mutex
	blocks [][]byte
}

// NewCoreEngine allocates nrBlocks zeroed in-memory pages.
func NewCoreEngine(nrBlocks uint32) *CoreEngine {
	blocks := make([][]byte, nrBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, BlockSize)
	}
	return &CoreEngine{blocks: blocks}
}

func (e *CoreEngine) Read(loc uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(loc) >= len(e.blocks) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, BlockSize)
	copy(out, e.blocks[loc])
	return out, nil
}

func (e *CoreEngine) Write(loc uint32, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(loc) >= len(e.blocks) {
		return ErrOutOfRange
	}
	copy(e.blocks[loc], data)
	return nil
}

func (e *CoreEngine) NrBlocks() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint32(len(e.blocks))
}

func (e *CoreEngine) Close() error { return nil }

// Grow extends the in-memory engine by extra zeroed blocks.
func (e *CoreEngine) Grow(extra uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := uint32(0); i < extra; i++ {
		e.blocks = append(e.blocks, make([]byte, BlockSize))
	}
}

// FileEngine is a flat-file-backed engine: one fixed 4096-byte page per
// block index.
type FileEngine struct {
	mu       sync.Mutex
	f        *os.File
	nrBlocks uint32
}

// OpenFileEngine opens (creating if necessary) a node file and truncates or
// extends it to nrBlocks*BlockSize bytes.
func OpenFileEngine(path string, nrBlocks uint32) (*FileEngine, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(nrBlocks) * BlockSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &FileEngine{f: f, nrBlocks: nrBlocks}, nil
}

func (e *FileEngine) Read(loc uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if loc >= e.nrBlocks {
		return nil, ErrOutOfRange
	}
	buf := make([]byte, BlockSize)
	_, err := e.f.ReadAt(buf, int64(loc)*BlockSize)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func (e *FileEngine) Write(loc uint32, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if loc >= e.nrBlocks {
		return ErrOutOfRange
	}
	_, err := e.f.WriteAt(data[:BlockSize], int64(loc)*BlockSize)
	return err
}

func (e *FileEngine) NrBlocks() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nrBlocks
}

func (e *FileEngine) Grow(extra uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nrBlocks += extra
	return e.f.Truncate(int64(e.nrBlocks) * BlockSize)
}

func (e *FileEngine) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Sync()
}

func (e *FileEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Close()
}

// LevelDBEngine backs the node file with an LSM key-value store instead of
// a flat file, for deployments that would rather manage the metadata store
// through compaction/snapshots than raw block offsets. Keys are the
// big-endian block index; nrBlocks is tracked out of band since leveldb has
// no notion of a fixed extent.
type LevelDBEngine struct {
	mu       sync.Mutex
	db       *leveldb.DB
	nrBlocks uint32
}

// OpenLevelDBEngine opens (creating if necessary) a leveldb-backed engine.
func OpenLevelDBEngine(path string, nrBlocks uint32) (*LevelDBEngine, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBEngine{db: db, nrBlocks: nrBlocks}, nil
}

func ldbKey(loc uint32) []byte {
	return []byte{byte(loc >> 24), byte(loc >> 16), byte(loc >> 8), byte(loc)}
}

func (e *LevelDBEngine) Read(loc uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if loc >= e.nrBlocks {
		return nil, ErrOutOfRange
	}
	data, err := e.db.Get(ldbKey(loc), nil)
	if err == leveldb.ErrNotFound {
		return make([]byte, BlockSize), nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	copy(out, data)
	return out, nil
}

func (e *LevelDBEngine) Write(loc uint32, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if loc >= e.nrBlocks {
		return ErrOutOfRange
	}
	return e.db.Put(ldbKey(loc), data[:BlockSize], nil)
}

func (e *LevelDBEngine) NrBlocks() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nrBlocks
}

func (e *LevelDBEngine) Grow(extra uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nrBlocks += extra
}

func (e *LevelDBEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Close()
}
