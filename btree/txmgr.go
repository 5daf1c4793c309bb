package btree

import (
	"sync"
	"sync/atomic"

	"github.com/thinmeta/thinmeta/journal"
	"github.com/thinmeta/thinmeta/log"
	"github.com/thinmeta/thinmeta/pagecache"
	"github.com/thinmeta/thinmeta/parray"
	"github.com/thinmeta/thinmeta/suballoc"
)

// ReferenceContext is the "scope" a page may be shadowed in: distinct
// scopes never share shadows, so two trees operating within the same
// high-level operation don't accidentally alias a mutable page.
type ReferenceContext struct{ id uint64 }

var nextContextID uint64

// NewReferenceContext allocates a fresh scope.
func NewReferenceContext() ReferenceContext {
	return ReferenceContext{id: atomic.AddUint64(&nextContextID, 1)}
}

// NodeType bundles the value-record shape for one side of the node
// capability split: internal nodes always use BlockValue, leaves use the
// tree's own value type.
type NodeType struct {
	ValLen  int
	Factory parray.Factory
	Kind    uint16
}

// InternalNodeType is shared by every tree: internal node values are always
// a child MetadataBlock.
var InternalNodeType = NodeType{ValLen: 4, Factory: newBlockValue, Kind: 0}

// TransactionManager wraps the page cache and the metadata sub-allocator,
// providing shadowing, new-node allocation, and journalled mutation.
type TransactionManager struct {
	cache     *pagecache.Cache
	metaAlloc *suballoc.MetadataAllocator
	log       log.Logger

	mu       sync.Mutex
	shadowed map[ReferenceContext]map[MetadataBlock]MetadataBlock
}

// NewTransactionManager builds a transaction manager over cache, allocating
// new/shadow node blocks from metaAlloc.
func NewTransactionManager(cache *pagecache.Cache, metaAlloc *suballoc.MetadataAllocator) *TransactionManager {
	return &TransactionManager{
		cache:     cache,
		metaAlloc: metaAlloc,
		log:       log.New("component", "txmgr"),
		shadowed:  make(map[ReferenceContext]map[MetadataBlock]MetadataBlock),
	}
}

// IsInternal reports whether the node at loc is an internal node.
func (tm *TransactionManager) IsInternal(loc MetadataBlock) (bool, error) {
	p, err := tm.cache.SharedLock(loc)
	if err != nil {
		return false, err
	}
	defer p.Release()
	return ReadFlags(p.Bytes()) == FlagInternal, nil
}

// ReaderNode is a read-only node plus the lock it must release when done.
type ReaderNode struct {
	*Node
	proxy *pagecache.SharedProxy
}

// Close releases the underlying page lock.
func (r *ReaderNode) Close() { r.proxy.Release() }

// Read opens loc for reading as a node of nt's value shape.
func (tm *TransactionManager) Read(loc MetadataBlock, nt NodeType) (*ReaderNode, error) {
	p, err := tm.cache.SharedLock(loc)
	if err != nil {
		return nil, err
	}
	n := Open(loc, p.Bytes(), nt.ValLen, nt.Factory)
	return &ReaderNode{Node: n, proxy: p}, nil
}

// NewNode allocates a fresh metadata block, zero-locks it, and returns a
// JournalNode wrapping an empty node of the given leaf/internal kind.
func (tm *TransactionManager) NewNode(nt NodeType, isLeaf bool, batch *journal.Batch) (*JournalNode, error) {
	loc, err := tm.metaAlloc.Alloc()
	if err != nil {
		return nil, err
	}
	p, err := tm.cache.ZeroLock(loc)
	if err != nil {
		return nil, err
	}
	n := Init(loc, p.Bytes(), isLeaf, nt.Kind, nt.ValLen, nt.Factory)
	n.Sync()
	return &JournalNode{Node: n, proxy: p, batch: batch, tm: tm}, nil
}

// Shadow exclusive-locks the page at ptr; if its snap_time is behind
// snapTime, it allocates a fresh block, copies the page, and returns a
// JournalNode over the new location (the COW path). Otherwise it returns a
// JournalNode over the original location (already "owned" by this
// snap_time).
func (tm *TransactionManager) Shadow(ctx ReferenceContext, ptr NodePtr, snapTime uint32, nt NodeType, batch *journal.Batch) (*JournalNode, error) {
	tm.mu.Lock()
	if m, ok := tm.shadowed[ctx]; ok {
		if newLoc, ok := m[ptr.Loc]; ok {
			tm.mu.Unlock()
			p, err := tm.cache.ExclusiveLock(newLoc)
			if err != nil {
				return nil, err
			}
			n := Open(newLoc, p.Bytes(), nt.ValLen, nt.Factory)
			return &JournalNode{Node: n, proxy: p, batch: batch, tm: tm}, nil
		}
	}
	tm.mu.Unlock()

	excl, err := tm.cache.ExclusiveLock(ptr.Loc)
	if err != nil {
		return nil, err
	}

	oldSnap := ReadSnapTime(excl.Bytes())
	if snapTime <= oldSnap {
		n := Open(ptr.Loc, excl.Bytes(), nt.ValLen, nt.Factory)
		return &JournalNode{Node: n, proxy: excl, batch: batch, tm: tm}, nil
	}

	newLoc, err := tm.metaAlloc.Alloc()
	if err != nil {
		excl.Release()
		return nil, err
	}
	newProxy, err := tm.cache.ZeroLock(newLoc)
	if err != nil {
		excl.Release()
		return nil, err
	}
	copy(newProxy.Bytes(), excl.Bytes())
	oldSeq := ReadSeqNr(excl.Bytes())
	excl.Release()

	n := Open(newLoc, newProxy.Bytes(), nt.ValLen, nt.Factory)
	n.SetSnapTime(snapTime)
	n.Sync()

	batch.Add(journal.Shadow{Loc: newLoc, OriginLoc: ptr.Loc, OriginSeq: oldSeq})

	tm.mu.Lock()
	if tm.shadowed[ctx] == nil {
		tm.shadowed[ctx] = make(map[MetadataBlock]MetadataBlock)
	}
	tm.shadowed[ctx][ptr.Loc] = newLoc
	tm.mu.Unlock()

	return &JournalNode{Node: n, proxy: newProxy, batch: batch, tm: tm}, nil
}

// EndScope forgets a context's shadow map, called once the high-level
// operation that opened it has committed or aborted.
func (tm *TransactionManager) EndScope(ctx ReferenceContext) {
	tm.mu.Lock()
	delete(tm.shadowed, ctx)
	tm.mu.Unlock()
}

// ReadSeqNr peeks at a page's seq_nr without constructing a full Node.
func ReadSeqNr(data []byte) uint32 {
	return header{data: data}.SeqNr()
}
