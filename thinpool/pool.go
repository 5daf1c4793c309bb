package thinpool

import (
	"fmt"
	"sync"

	"github.com/steakknife/bloomfilter"

	"github.com/thinmeta/thinmeta/allocator"
	"github.com/thinmeta/thinmeta/btree"
	"github.com/thinmeta/thinmeta/copier"
	"github.com/thinmeta/thinmeta/journal"
	"github.com/thinmeta/thinmeta/log"
	"github.com/thinmeta/thinmeta/pagecache"
	"github.com/thinmeta/thinmeta/suballoc"
)

// ErrNoSuchThin is returned when a thin-id has no ThinInfo in the info tree.
type ErrNoSuchThin ThinID

func (e ErrNoSuchThin) Error() string { return fmt.Sprintf("thinpool: no such thin %d", ThinID(e)) }

// Pool orchestrates the metadata + data allocators, page cache, journal, and
// transaction manager into the thin-provisioning operations: create, snap,
// delete, resolve, read, write, and discard.
type Pool struct {
	mu sync.Mutex

	cache     *pagecache.Cache
	dataAlloc *suballoc.DataAllocator
	metaAlloc *suballoc.MetadataAllocator
	journal   *journal.Journal
	tm        *btree.TransactionManager
	copier    copier.Copier
	log       log.Logger

	infoRoot   btree.NodePtr
	snapTime   uint32
	nextThinID ThinID

	// negative membership cache per thin: a block known absent from a
	// thin's mapping tree need not be range-looked-up at all. Populated
	// lazily; a false positive just costs an extra tree lookup.
	presence map[ThinID]*bloomfilter.Filter
}

// NewPool builds a pool over an already-open cache/journal, creating a fresh
// empty info tree.
func NewPool(cache *pagecache.Cache, dataAlloc *suballoc.DataAllocator, metaAlloc *suballoc.MetadataAllocator, j *journal.Journal, cp copier.Copier) (*Pool, error) {
	tm := btree.NewTransactionManager(cache, metaAlloc)
	p := &Pool{
		cache:      cache,
		dataAlloc:  dataAlloc,
		metaAlloc:  metaAlloc,
		journal:    j,
		tm:         tm,
		copier:     cp,
		log:        log.New("component", "thinpool"),
		nextThinID: 1,
		presence:   make(map[ThinID]*bloomfilter.Filter),
	}

	var rootPtr btree.NodePtr
	err := j.Batch(func(b *journal.Batch) error {
		root, err := tm.NewNode(InfoNodeType, true, b)
		if err != nil {
			return err
		}
		root.Release()
		rootPtr = root.Ptr()
		b.Add(journal.UpdateInfoRoot{Loc: rootPtr.Loc, SeqNr: rootPtr.SeqNr})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := j.Sync(); err != nil {
		return nil, err
	}
	p.infoRoot = rootPtr
	return p, nil
}

func (p *Pool) infoTree() *btree.Tree {
	return btree.NewTree(p.tm, InfoNodeType, p.infoRoot)
}

func (p *Pool) lookupInfo(id ThinID) (ThinInfo, error) {
	v, ok, err := p.infoTree().Lookup(uint64(id))
	if err != nil {
		return ThinInfo{}, err
	}
	if !ok {
		return ThinInfo{}, ErrNoSuchThin(id)
	}
	return *v.(*ThinInfo), nil
}

// putInfo writes info back under id within an already-open batch and
// refreshes p.infoRoot; it does not itself sync the journal.
func (p *Pool) putInfo(ctx btree.ReferenceContext, b *journal.Batch, id ThinID, info ThinInfo) error {
	t := p.infoTree()
	if err := t.Insert(ctx, b, p.snapTime, uint64(id), &info); err != nil {
		return err
	}
	p.infoRoot = t.Root
	b.Add(journal.UpdateInfoRoot{Loc: p.infoRoot.Loc, SeqNr: p.infoRoot.SeqNr})
	return nil
}

// CreateThin creates a new sparse thin of the given virtual size, wholly
// unprovisioned.
func (p *Pool) CreateThin(size VBlock) (ThinID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := btree.NewReferenceContext()
	defer p.tm.EndScope(ctx)

	id := p.nextThinID
	var mapRoot btree.NodePtr
	err := p.journal.Batch(func(b *journal.Batch) error {
		root, err := p.tm.NewNode(MappingNodeType, true, b)
		if err != nil {
			return err
		}
		root.Release()
		mapRoot = root.Ptr()
		info := ThinInfo{Size: size, SnapTime: p.snapTime, Root: mapRoot}
		return p.putInfo(ctx, b, id, info)
	})
	if err != nil {
		return 0, err
	}
	if err := p.journal.Sync(); err != nil {
		return 0, err
	}
	p.nextThinID++
	return id, nil
}

// CreateThick creates a thin of the given size with every block eagerly
// zero-provisioned, never shared.
func (p *Pool) CreateThick(size VBlock) (ThinID, error) {
	id, err := p.CreateThin(size)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return id, nil
	}
	if _, err := p.GetWriteMapping(id, 0, size); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateSnap creates a new thin sharing origin's current mapping tree,
// bumping the pool's snap_time epoch so that the next write to either the
// origin or the snapshot breaks sharing on the affected range.
func (p *Pool) CreateSnap(origin ThinID) (ThinID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	originInfo, err := p.lookupInfo(origin)
	if err != nil {
		return 0, err
	}

	ctx := btree.NewReferenceContext()
	defer p.tm.EndScope(ctx)

	p.snapTime++
	newTime := p.snapTime
	id := p.nextThinID

	err = p.journal.Batch(func(b *journal.Batch) error {
		originInfo.SnapTime = newTime
		if err := p.putInfo(ctx, b, origin, originInfo); err != nil {
			return err
		}
		snapInfo := ThinInfo{Size: originInfo.Size, SnapTime: newTime, Root: originInfo.Root}
		return p.putInfo(ctx, b, id, snapInfo)
	})
	if err != nil {
		return 0, err
	}
	if err := p.journal.Sync(); err != nil {
		return 0, err
	}
	p.nextThinID++
	delete(p.presence, origin)
	return id, nil
}

// DeleteThin removes a thin's ThinInfo; its mapping tree's blocks are
// reclaimed by a future garbage-collection pass, out of scope here.
func (p *Pool) DeleteThin(id ThinID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.lookupInfo(id); err != nil {
		return err
	}
	ctx := btree.NewReferenceContext()
	defer p.tm.EndScope(ctx)

	err := p.journal.Batch(func(b *journal.Batch) error {
		t := p.infoTree()
		if err := t.Remove(ctx, b, p.snapTime, uint64(id)); err != nil {
			return err
		}
		p.infoRoot = t.Root
		b.Add(journal.UpdateInfoRoot{Loc: p.infoRoot.Loc, SeqNr: p.infoRoot.SeqNr})
		return nil
	})
	if err != nil {
		return err
	}
	delete(p.presence, id)
	return p.journal.Sync()
}

// ResolvedMapping is one physical extent backing part of a requested virtual
// range, returned by GetReadMapping/GetWriteMapping.
type ResolvedMapping struct {
	V VBlock
	M Mapping
}

// GetReadMapping returns the currently mapped extents overlapping [vb, ve);
// callers treat any gap as unmapped (reads as zero).
func (p *Pool) GetReadMapping(id ThinID, vb, ve VBlock) ([]ResolvedMapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ve-vb <= (1<<presenceBucketShift) && !p.maybeMapped(id, vb) {
		if _, err := p.lookupInfo(id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	info, err := p.lookupInfo(id)
	if err != nil {
		return nil, err
	}
	t := btree.NewTree(p.tm, MappingNodeType, info.Root)
	entries, err := t.LookupRange(vb, ve, MakeSelectLt(ve), MakeSelectGeq(vb))
	if err != nil {
		return nil, err
	}
	out := make([]ResolvedMapping, len(entries))
	for i, e := range entries {
		out[i] = ResolvedMapping{V: e.Key, M: *e.Value.(*Mapping)}
	}
	return out, nil
}

// GetWriteMapping resolves [vb, ve) for a write, provisioning any gap and
// breaking sharing on any mapping owned by an earlier snapshot epoch.
func (p *Pool) GetWriteMapping(id ThinID, vb, ve VBlock) ([]ResolvedMapping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.lookupInfo(id)
	if err != nil {
		return nil, err
	}

	t := btree.NewTree(p.tm, MappingNodeType, info.Root)
	existing, err := t.LookupRange(vb, ve, MakeSelectLt(ve), MakeSelectGeq(vb))
	if err != nil {
		return nil, err
	}

	var ops Ops
	var resolved []ResolvedMapping
	current := vb

	provisionGap := func(gapB, gapE VBlock) error {
		for gapB < gapE {
			n, runs, err := p.dataAlloc.Alloc(gapE - gapB)
			if err != nil {
				return err
			}
			if n == 0 {
				return allocator.ErrOutOfSpace
			}
			off := VBlock(0)
			for _, r := range runs {
				runLen := r.End - r.Begin
				v := gapB + off
				ops.PushZero(r.Begin, r.End)
				m := Mapping{B: r.Begin, E: r.End, SnapTime: p.snapTime}
				ops.PushInsert(v, m)
				resolved = append(resolved, ResolvedMapping{V: v, M: m})
				p.noteMapped(id, v)
				off += runLen
			}
			gapB += off
		}
		return nil
	}

	breakShare := func(v VBlock, m Mapping) error {
		length := m.Len()
		ops.PushRemove(v, v+length)
		remaining := length
		off := uint64(0)
		for remaining > 0 {
			n, runs, err := p.dataAlloc.Alloc(remaining)
			if err != nil {
				return err
			}
			if n == 0 {
				return allocator.ErrOutOfSpace
			}
			allocated := uint64(0)
			for _, r := range runs {
				runLen := r.End - r.Begin
				src := m.B + off
				ops.PushCopy(src, src+runLen, r.Begin)
				newM := Mapping{B: r.Begin, E: r.End, SnapTime: p.snapTime}
				ops.PushInsert(v+off, newM)
				resolved = append(resolved, ResolvedMapping{V: v + off, M: newM})
				p.noteMapped(id, v+off)
				off += runLen
				allocated += runLen
			}
			remaining -= allocated
		}
		return nil
	}

	for _, e := range existing {
		m := *e.Value.(*Mapping)
		if current < e.Key {
			if err := provisionGap(current, e.Key); err != nil {
				return nil, err
			}
		}
		if info.SnapTime > m.SnapTime {
			if err := breakShare(e.Key, m); err != nil {
				return nil, err
			}
		} else {
			resolved = append(resolved, ResolvedMapping{V: e.Key, M: m})
		}
		current = e.Key + m.Len()
	}
	if current < ve {
		if err := provisionGap(current, ve); err != nil {
			return nil, err
		}
	}

	if err := ops.SubmitData(p.copier); err != nil {
		return nil, err
	}

	ctx := btree.NewReferenceContext()
	defer p.tm.EndScope(ctx)

	err = p.journal.Batch(func(b *journal.Batch) error {
		for _, r := range ops.Removes {
			if err := t.RemoveRange(ctx, b, p.snapTime, r.B, r.E, MakeSelectLt(r.B), MakeSelectGeq(r.E)); err != nil {
				return err
			}
		}
		for _, ins := range ops.Inserts {
			m := ins.M
			if err := t.Insert(ctx, b, p.snapTime, ins.V, &m); err != nil {
				return err
			}
		}
		info.Root = t.Root
		return p.putInfo(ctx, b, id, info)
	})
	if err != nil {
		return nil, err
	}
	if err := p.journal.Sync(); err != nil {
		return nil, err
	}
	delete(p.presence, id)
	return resolved, nil
}

// Discard punches a hole in [vb, ve), removing every mapping overlapping the
// range from the mapping tree. It emits no data-block reclamation: the
// underlying physical blocks stay allocated until a later garbage-collection
// sweep, since a discarded extent may still be referenced by an earlier
// snapshot epoch.
func (p *Pool) Discard(id ThinID, vb, ve VBlock) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.lookupInfo(id)
	if err != nil {
		return err
	}
	t := btree.NewTree(p.tm, MappingNodeType, info.Root)

	ctx := btree.NewReferenceContext()
	defer p.tm.EndScope(ctx)

	err = p.journal.Batch(func(b *journal.Batch) error {
		if err := t.RemoveRange(ctx, b, p.snapTime, vb, ve, MakeSelectLt(vb), MakeSelectGeq(ve)); err != nil {
			return err
		}
		info.Root = t.Root
		return p.putInfo(ctx, b, id, info)
	})
	if err != nil {
		return err
	}
	if err := p.journal.Sync(); err != nil {
		return err
	}
	delete(p.presence, id)
	return nil
}

// Close flushes the page cache, closes the journal, and returns every
// sub-allocator's remaining blocks to the global allocators.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cache.Flush(); err != nil {
		return err
	}
	if err := p.dataAlloc.Close(); err != nil {
		return err
	}
	if err := p.metaAlloc.Close(); err != nil {
		return err
	}
	return p.journal.Close()
}
