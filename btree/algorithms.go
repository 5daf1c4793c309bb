package btree

import (
	"fmt"

	"github.com/thinmeta/thinmeta/journal"
	"github.com/thinmeta/thinmeta/parray"
)

// Tree is a copy-on-write B-tree rooted at a single NodePtr. V is fixed per
// tree instance via leafType; internal nodes always use InternalNodeType
// regardless of leafType.
type Tree struct {
	tm       *TransactionManager
	leafType NodeType
	Root     NodePtr
}

// NewTree wraps an existing root.
func NewTree(tm *TransactionManager, leafType NodeType, root NodePtr) *Tree {
	return &Tree{tm: tm, leafType: leafType, Root: root}
}

func (t *Tree) nodeType(isLeaf bool) NodeType {
	if isLeaf {
		return t.leafType
	}
	return InternalNodeType
}

// Lookup descends from the root, returning the value exactly matching key.
func (t *Tree) Lookup(key uint64) (parray.Record, bool, error) {
	loc := t.Root.Loc
	for {
		internal, err := t.tm.IsInternal(loc)
		if err != nil {
			return nil, false, err
		}
		nt := t.nodeType(!internal)
		n, err := t.tm.Read(loc, nt)
		if err != nil {
			return nil, false, err
		}
		idx := n.LowerBound(key)
		if !internal {
			n.Close()
			if idx < 0 {
				return nil, false, nil
			}
			if n.KeyAt(idx) != key {
				return nil, false, nil
			}
			return n.Values.Get(idx), true, nil
		}
		if idx < 0 {
			idx = 0
		}
		if idx > n.NrEntries()-1 {
			idx = n.NrEntries() - 1
		}
		child := uint32(*n.Values.Get(idx).(*BlockValue))
		n.Close()
		loc = child
	}
}

// NodeInfo describes a shadowed node returned up the recursion, carrying its
// subtree's minimum key when that key changed.
type NodeInfo struct {
	KeyMin *uint64
	Ptr    NodePtr
}

// InsertResult is either one updated child (Single) or two (Pair, when the
// child split).
type InsertResult struct {
	Left  NodeInfo
	Right *NodeInfo
}

// Insert inserts or overwrites (key, v) into the tree, shadowing every node
// on the path for snapTime within batch/ctx, and growing the root if
// necessary.
func (t *Tree) Insert(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, key uint64, v parray.Record) error {
	res, err := t.insertRec(ctx, batch, snapTime, t.Root, key, v)
	if err != nil {
		return err
	}
	if res.Right == nil {
		t.Root = res.Left.Ptr
		return nil
	}
	root, err := t.tm.NewNode(InternalNodeType, false, batch)
	if err != nil {
		return err
	}
	root.SetSnapTime(snapTime)
	lk := keyOrZero(res.Left.KeyMin)
	rk := keyOrZero(res.Right.KeyMin)
	root.Append(lk, BlockValue(res.Left.Ptr.Loc))
	root.Append(rk, BlockValue(res.Right.Ptr.Loc))
	root.Release()
	t.Root = NodePtr{Loc: root.Loc, SeqNr: root.SeqNr()}
	return nil
}

func keyOrZero(k *uint64) uint64 {
	if k == nil {
		return 0
	}
	return *k
}

func (t *Tree) insertRec(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, ptr NodePtr, key uint64, v parray.Record) (InsertResult, error) {
	internal, err := t.tm.IsInternal(ptr.Loc)
	if err != nil {
		return InsertResult{}, err
	}
	jn, err := t.tm.Shadow(ctx, ptr, snapTime, t.nodeType(!internal), batch)
	if err != nil {
		return InsertResult{}, err
	}

	if !internal {
		return t.insertLeaf(ctx, batch, snapTime, jn, key, v)
	}
	return t.insertInternal(ctx, batch, snapTime, jn, key, v)
}

func (t *Tree) insertLeaf(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, jn *JournalNode, key uint64, v parray.Record) (InsertResult, error) {
	idx := jn.LowerBound(key)
	switch {
	case jn.NrEntries() == 0 || idx < 0:
		if jn.IsFull() {
			return t.splitAndRetryLeaf(ctx, batch, snapTime, jn, key, v)
		}
		jn.Prepend(key, v)
	case jn.KeyAt(idx) == key:
		jn.OverwriteAt(idx, key, v)
	default:
		if jn.IsFull() {
			return t.splitAndRetryLeaf(ctx, batch, snapTime, jn, key, v)
		}
		jn.InsertAt(idx+1, key, v)
	}
	info := NodeInfo{Ptr: jn.Ptr()}
	if jn.NrEntries() > 0 {
		k := jn.KeyAt(0)
		info.KeyMin = &k
	}
	jn.Release()
	return InsertResult{Left: info}, nil
}

func (t *Tree) splitAndRetryLeaf(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, jn *JournalNode, key uint64, v parray.Record) (InsertResult, error) {
	sib, err := t.tm.NewNode(t.leafType, true, batch)
	if err != nil {
		return InsertResult{}, err
	}
	sib.SetSnapTime(snapTime)
	redistribute2(jn.Node, sib.Node)

	target := jn
	if key >= sib.KeyAt(0) {
		target = sib
	}
	idx := target.LowerBound(key)
	if idx < 0 {
		target.Prepend(key, v)
	} else if target.KeyAt(idx) == key {
		target.OverwriteAt(idx, key, v)
	} else {
		target.InsertAt(idx+1, key, v)
	}

	leftInfo := NodeInfo{Ptr: jn.Ptr()}
	if jn.NrEntries() > 0 {
		k := jn.KeyAt(0)
		leftInfo.KeyMin = &k
	}
	rightInfo := NodeInfo{Ptr: sib.Ptr()}
	if sib.NrEntries() > 0 {
		k := sib.KeyAt(0)
		rightInfo.KeyMin = &k
	}
	jn.Release()
	sib.Release()
	return InsertResult{Left: leftInfo, Right: &rightInfo}, nil
}

func (t *Tree) insertInternal(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, jn *JournalNode, key uint64, v parray.Record) (InsertResult, error) {
	idx := jn.LowerBound(key)
	if idx < 0 {
		idx = 0
	}
	if idx > jn.NrEntries()-1 {
		idx = jn.NrEntries() - 1
	}
	if key < jn.KeyAt(idx) {
		jn.OverwriteAt(idx, key, jn.Values.Get(idx))
	}
	child := NodePtr{Loc: uint32(*jn.Values.Get(idx).(*BlockValue))}
	res, err := t.insertRec(ctx, batch, snapTime, child, key, v)
	if err != nil {
		jn.Release()
		return InsertResult{}, err
	}

	if res.Right == nil {
		jn.OverwriteAt(idx, keyOrDefault(res.Left.KeyMin, jn.KeyAt(idx)), BlockValue(res.Left.Ptr.Loc))
		info := NodeInfo{Ptr: jn.Ptr()}
		if jn.NrEntries() > 0 {
			k := jn.KeyAt(0)
			info.KeyMin = &k
		}
		jn.Release()
		return InsertResult{Left: info}, nil
	}

	jn.OverwriteAt(idx, keyOrDefault(res.Left.KeyMin, jn.KeyAt(idx)), BlockValue(res.Left.Ptr.Loc))
	if jn.IsFull() {
		sib, err := t.tm.NewNode(InternalNodeType, false, batch)
		if err != nil {
			jn.Release()
			return InsertResult{}, err
		}
		sib.SetSnapTime(snapTime)
		redistribute2(jn.Node, sib.Node)
		target := jn
		insAt := idx + 1
		if insAt > jn.NrEntries() {
			target = sib
			insAt -= jn.NrEntries()
		}
		target.InsertAt(insAt, keyOrZero(res.Right.KeyMin), BlockValue(res.Right.Ptr.Loc))

		leftInfo := NodeInfo{Ptr: jn.Ptr()}
		if jn.NrEntries() > 0 {
			k := jn.KeyAt(0)
			leftInfo.KeyMin = &k
		}
		rightInfo := NodeInfo{Ptr: sib.Ptr()}
		if sib.NrEntries() > 0 {
			k := sib.KeyAt(0)
			rightInfo.KeyMin = &k
		}
		jn.Release()
		sib.Release()
		return InsertResult{Left: leftInfo, Right: &rightInfo}, nil
	}

	jn.InsertAt(idx+1, keyOrZero(res.Right.KeyMin), BlockValue(res.Right.Ptr.Loc))
	info := NodeInfo{Ptr: jn.Ptr()}
	if jn.NrEntries() > 0 {
		k := jn.KeyAt(0)
		info.KeyMin = &k
	}
	jn.Release()
	return InsertResult{Left: info}, nil
}

func keyOrDefault(k *uint64, def uint64) uint64 {
	if k == nil {
		return def
	}
	return *k
}

// redistribute2 rebalances a and b, both taken from the same original node
// a plus a freshly allocated empty b, so each ends up holding half (±1) of
// the combined entries.
func redistribute2(a, b *Node) {
	total := a.NrEntries() + b.NrEntries()
	targetA := total / 2
	if a.NrEntries() > targetA {
		moved := a.RemoveRightRecords(a.NrEntries() - targetA)
		b.PrependRecords(moved)
	} else if a.NrEntries() < targetA {
		moved := b.ShiftLeftRecords(targetA - a.NrEntries())
		a.AppendRecords(moved)
	}
}

// RemoveRightRecords / ShiftLeftRecords / PrependRecords / AppendRecords move
// raw (key, value) pairs between nodes during a split, bypassing the
// journal: the caller journals the split via NewNode plus the subsequent
// retried mutation, so the rebalance itself isn't separately logged beyond
// the new node's allocation.
func (n *Node) RemoveRightRecords(count int) []kv {
	keys := n.Keys.RemoveRight(count)
	vals := n.Values.RemoveRight(count)
	return zipKV(keys, vals)
}

func (n *Node) ShiftLeftRecords(count int) []kv {
	keys := n.Keys.ShiftLeft(count)
	vals := n.Values.ShiftLeft(count)
	return zipKV(keys, vals)
}

func (n *Node) PrependRecords(pairs []kv) {
	keys := make([]parray.Record, len(pairs))
	vals := make([]parray.Record, len(pairs))
	for i, p := range pairs {
		keys[i] = Key(p.key)
		vals[i] = p.val
	}
	n.Keys.PrependMany(keys)
	n.Values.PrependMany(vals)
}

func (n *Node) AppendRecords(pairs []kv) {
	keys := make([]parray.Record, len(pairs))
	vals := make([]parray.Record, len(pairs))
	for i, p := range pairs {
		keys[i] = Key(p.key)
		vals[i] = p.val
	}
	n.Keys.AppendMany(keys)
	n.Values.AppendMany(vals)
}

type kv struct {
	key uint64
	val parray.Record
}

func zipKV(keys, vals []parray.Record) []kv {
	out := make([]kv, len(keys))
	for i := range keys {
		out[i] = kv{key: uint64(*keys[i].(*Key)), val: vals[i]}
	}
	return out
}

// Remove deletes key from the tree, collapsing the root if it ends up with a
// single child.
func (t *Tree) Remove(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, key uint64) error {
	newRoot, _, err := t.removeRec(ctx, batch, snapTime, t.Root, key)
	if err != nil {
		return err
	}
	t.Root = newRoot
	internal, err := t.tm.IsInternal(t.Root.Loc)
	if err != nil {
		return err
	}
	if internal {
		n, err := t.tm.Read(t.Root.Loc, InternalNodeType)
		if err != nil {
			return err
		}
		if n.NrEntries() == 1 {
			child := uint32(*n.Values.Get(0).(*BlockValue))
			n.Close()
			t.Root = NodePtr{Loc: child}
			return nil
		}
		n.Close()
	}
	return nil
}

func (t *Tree) removeRec(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, ptr NodePtr, key uint64) (NodePtr, bool, error) {
	internal, err := t.tm.IsInternal(ptr.Loc)
	if err != nil {
		return NodePtr{}, false, err
	}
	jn, err := t.tm.Shadow(ctx, ptr, snapTime, t.nodeType(!internal), batch)
	if err != nil {
		return NodePtr{}, false, err
	}

	if !internal {
		idx := jn.LowerBound(key)
		if idx >= 0 && jn.KeyAt(idx) == key {
			jn.EraseRange(idx, idx+1)
		}
		empty := jn.NrEntries() == 0
		p := jn.Ptr()
		jn.Release()
		return p, empty, nil
	}

	idx := jn.LowerBound(key)
	if idx < 0 {
		idx = 0
	}
	if idx > jn.NrEntries()-1 {
		idx = jn.NrEntries() - 1
	}
	child := NodePtr{Loc: uint32(*jn.Values.Get(idx).(*BlockValue))}
	newChild, childEmpty, err := t.removeRec(ctx, batch, snapTime, child, key)
	if err != nil {
		jn.Release()
		return NodePtr{}, false, err
	}
	if childEmpty {
		jn.EraseRange(idx, idx+1)
	} else {
		childInternal, err := t.tm.IsInternal(newChild.Loc)
		if err != nil {
			jn.Release()
			return NodePtr{}, false, err
		}
		reader, err := t.tm.Read(newChild.Loc, t.nodeType(!childInternal))
		var newMin uint64
		if err == nil {
			if reader.NrEntries() > 0 {
				newMin = reader.KeyAt(0)
			}
			reader.Close()
		}
		jn.OverwriteAt(idx, newMin, BlockValue(newChild.Loc))
	}
	empty := jn.NrEntries() == 0
	p := jn.Ptr()
	jn.Release()
	return p, empty, nil
}

// SplitFunc decides what survives a cut through a straddling (key, value)
// entry: returns ok=false to drop it entirely.
type SplitFunc func(key uint64, v parray.Record) (newKey uint64, newV parray.Record, ok bool)

// boundKind classifies a cut key against a node's key array: an Exact hit
// lands on an existing key, a Within hit falls between two keys (or off
// either end).
type boundKind int

const (
	boundExact boundKind = iota
	boundWithin
)

func classify(n *Node, key uint64) (boundKind, int) {
	idx := n.LowerBound(key)
	if idx < 0 {
		return boundWithin, 0
	}
	if n.KeyAt(idx) == key {
		return boundExact, idx
	}
	return boundWithin, idx
}

// RemoveRange deletes every entry in [keyBegin, keyEnd), applying valLt to
// the entry straddling keyBegin and valGeq to the one straddling keyEnd.
func (t *Tree) RemoveRange(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, keyBegin, keyEnd uint64, valLt, valGeq SplitFunc) error {
	res, err := t.removeRangeRec(ctx, batch, snapTime, t.Root, keyBegin, keyEnd, valLt, valGeq)
	if err != nil {
		return err
	}
	t.Root = res.Left.Ptr
	if res.Right != nil {
		root, err := t.tm.NewNode(InternalNodeType, false, batch)
		if err != nil {
			return err
		}
		root.SetSnapTime(snapTime)
		root.Append(keyOrZero(res.Left.KeyMin), BlockValue(res.Left.Ptr.Loc))
		root.Append(keyOrZero(res.Right.KeyMin), BlockValue(res.Right.Ptr.Loc))
		root.Release()
		t.Root = NodePtr{Loc: root.Loc, SeqNr: root.SeqNr()}
	}
	return nil
}

func (t *Tree) removeRangeRec(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, ptr NodePtr, keyBegin, keyEnd uint64, valLt, valGeq SplitFunc) (InsertResult, error) {
	internal, err := t.tm.IsInternal(ptr.Loc)
	if err != nil {
		return InsertResult{}, err
	}
	jn, err := t.tm.Shadow(ctx, ptr, snapTime, t.nodeType(!internal), batch)
	if err != nil {
		return InsertResult{}, err
	}

	if !internal {
		return t.removeRangeLeaf(ctx, batch, snapTime, jn, keyBegin, keyEnd, valLt, valGeq)
	}

	beginKind, i := classify(jn.Node, keyBegin)
	endKind, j := classify(jn.Node, keyEnd)

	switch {
	case beginKind == boundExact && endKind == boundExact:
		jn.EraseRange(i, j)
	case beginKind == boundExact && endKind == boundWithin && i == j:
		return t.recurseChild(ctx, batch, snapTime, jn, i, keyBegin, keyEnd, valLt, valGeq)
	case beginKind == boundExact && endKind == boundWithin && i < j:
		jn.EraseRange(i, j)
		if err := t.trimEnd(ctx, batch, snapTime, jn, i, keyEnd, valGeq); err != nil {
			jn.Release()
			return InsertResult{}, err
		}
	case beginKind == boundWithin && endKind == boundExact && j-i == 1:
		if err := t.trimBegin(ctx, batch, snapTime, jn, i, keyBegin, valLt); err != nil {
			jn.Release()
			return InsertResult{}, err
		}
	case beginKind == boundWithin && endKind == boundExact && j-i > 1:
		if err := t.trimBegin(ctx, batch, snapTime, jn, i, keyBegin, valLt); err != nil {
			jn.Release()
			return InsertResult{}, err
		}
		jn.EraseRange(i+1, j)
	case beginKind == boundWithin && endKind == boundWithin && i == j:
		return t.recurseChild(ctx, batch, snapTime, jn, i, keyBegin, keyEnd, valLt, valGeq)
	case beginKind == boundWithin && endKind == boundWithin && j-i == 1:
		if err := t.trimBegin(ctx, batch, snapTime, jn, i, keyBegin, valLt); err != nil {
			jn.Release()
			return InsertResult{}, err
		}
		if err := t.trimEnd(ctx, batch, snapTime, jn, j, keyEnd, valGeq); err != nil {
			jn.Release()
			return InsertResult{}, err
		}
	default: // Within(i), Within(j), j-i>1
		if err := t.trimBegin(ctx, batch, snapTime, jn, i, keyBegin, valLt); err != nil {
			jn.Release()
			return InsertResult{}, err
		}
		jn.EraseRange(i+1, j)
		if err := t.trimEnd(ctx, batch, snapTime, jn, i+1, keyEnd, valGeq); err != nil {
			jn.Release()
			return InsertResult{}, err
		}
	}

	info := NodeInfo{Ptr: jn.Ptr()}
	if jn.NrEntries() > 0 {
		k := jn.KeyAt(0)
		info.KeyMin = &k
	}
	jn.Release()
	return InsertResult{Left: info}, nil
}

// recurseChild descends into child idx for the whole remaining range, since
// it falls entirely inside that one subtree.
func (t *Tree) recurseChild(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, jn *JournalNode, idx int, keyBegin, keyEnd uint64, valLt, valGeq SplitFunc) (InsertResult, error) {
	child := NodePtr{Loc: uint32(*jn.Values.Get(idx).(*BlockValue))}
	res, err := t.removeRangeRec(ctx, batch, snapTime, child, keyBegin, keyEnd, valLt, valGeq)
	if err != nil {
		jn.Release()
		return InsertResult{}, err
	}
	if res.Right == nil {
		jn.OverwriteAt(idx, keyOrDefault(res.Left.KeyMin, jn.KeyAt(idx)), BlockValue(res.Left.Ptr.Loc))
	} else {
		jn.OverwriteAt(idx, keyOrDefault(res.Left.KeyMin, jn.KeyAt(idx)), BlockValue(res.Left.Ptr.Loc))
		jn.InsertAt(idx+1, keyOrZero(res.Right.KeyMin), BlockValue(res.Right.Ptr.Loc))
	}
	info := NodeInfo{Ptr: jn.Ptr()}
	if jn.NrEntries() > 0 {
		k := jn.KeyAt(0)
		info.KeyMin = &k
	}
	jn.Release()
	return InsertResult{Left: info}, nil
}

// maxKeySentinel stands in for +infinity when trimming the tail of a
// subtree; every real key (a virtual or physical block address) is well
// below it.
const maxKeySentinel = ^uint64(0)

// trimBegin removes every entry at or above keyBegin from the subtree at
// child idx, applying valLt to the entry straddling keyBegin so it keeps the
// portion of its range before the cut.
func (t *Tree) trimBegin(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, jn *JournalNode, idx int, keyBegin uint64, valLt SplitFunc) error {
	child := NodePtr{Loc: uint32(*jn.Values.Get(idx).(*BlockValue))}
	res, err := t.removeRangeRec(ctx, batch, snapTime, child, keyBegin, maxKeySentinel, valLt, nil)
	if err != nil {
		return err
	}
	jn.OverwriteAt(idx, keyOrDefault(res.Left.KeyMin, jn.KeyAt(idx)), BlockValue(res.Left.Ptr.Loc))
	return nil
}

// trimEnd removes every entry below keyEnd from the subtree at child idx,
// applying valGeq to the entry straddling keyEnd so it keeps the portion of
// its range from the cut onward.
func (t *Tree) trimEnd(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, jn *JournalNode, idx int, keyEnd uint64, valGeq SplitFunc) error {
	child := NodePtr{Loc: uint32(*jn.Values.Get(idx).(*BlockValue))}
	res, err := t.removeRangeRec(ctx, batch, snapTime, child, 0, keyEnd, nil, valGeq)
	if err != nil {
		return err
	}
	jn.OverwriteAt(idx, keyOrDefault(res.Left.KeyMin, jn.KeyAt(idx)), BlockValue(res.Left.Ptr.Loc))
	return nil
}

// removeRangeLeaf deletes every leaf entry fully inside [keyBegin, keyEnd),
// trimming the entry immediately before keyBegin (via valLt, keeping its
// kept-prefix) and the entry immediately before keyEnd (via valGeq, keeping
// its kept-suffix) when those entries straddle the cuts. When a single
// entry straddles both cuts, both functions are applied to it, possibly
// producing two surviving fragments.
func (t *Tree) removeRangeLeaf(ctx ReferenceContext, batch *journal.Batch, snapTime uint32, jn *JournalNode, keyBegin, keyEnd uint64, valLt, valGeq SplitFunc) (InsertResult, error) {
	i := 0
	for i < jn.NrEntries() && jn.KeyAt(i) < keyBegin {
		i++
	}
	j := i
	for j < jn.NrEntries() && jn.KeyAt(j) < keyEnd {
		j++
	}

	beginIdx, endIdx := -1, -1
	if i > 0 {
		beginIdx = i - 1
	}
	if j > 0 {
		endIdx = j - 1
	}

	var replacements []kv
	eraseFrom, eraseTo := i, j

	switch {
	case beginIdx >= 0 && beginIdx == endIdx:
		// The whole cut range falls inside a single existing entry.
		pk, pv := jn.KeyAt(beginIdx), jn.Values.Get(beginIdx)
		eraseFrom, eraseTo = beginIdx, beginIdx+1
		if valLt != nil {
			if nk, nv, ok := valLt(pk, pv); ok {
				replacements = append(replacements, kv{key: nk, val: nv})
			}
		}
		if valGeq != nil {
			if nk, nv, ok := valGeq(pk, pv); ok {
				replacements = append(replacements, kv{key: nk, val: nv})
			}
		}
	default:
		if beginIdx >= 0 {
			eraseFrom = beginIdx
			if valLt != nil {
				pk, pv := jn.KeyAt(beginIdx), jn.Values.Get(beginIdx)
				if nk, nv, ok := valLt(pk, pv); ok {
					replacements = append(replacements, kv{key: nk, val: nv})
				}
			}
		}
		if endIdx >= 0 && endIdx >= i {
			eraseTo = endIdx + 1
			if valGeq != nil {
				pk, pv := jn.KeyAt(endIdx), jn.Values.Get(endIdx)
				if nk, nv, ok := valGeq(pk, pv); ok {
					replacements = append(replacements, kv{key: nk, val: nv})
				}
			}
		}
	}

	sortKV(replacements)
	jn.EraseRange(eraseFrom, eraseTo)
	for k, r := range replacements {
		jn.InsertAt(eraseFrom+k, r.key, r.val)
	}

	info := NodeInfo{Ptr: jn.Ptr()}
	if jn.NrEntries() > 0 {
		k := jn.KeyAt(0)
		info.KeyMin = &k
	}
	jn.Release()
	return InsertResult{Left: info}, nil
}

func sortKV(s []kv) {
	for i := 1; i < len(s); i++ {
		for k := i; k > 0 && s[k].key < s[k-1].key; k-- {
			s[k], s[k-1] = s[k-1], s[k]
		}
	}
}

// RangeEntry is one (key, value) pair returned by LookupRange.
type RangeEntry struct {
	Key   uint64
	Value parray.Record
}

// LookupRange returns every entry overlapping [keyBegin, keyEnd) in key
// order. An entry starting before keyBegin but reaching into the window is
// trimmed with valGeq to drop the portion below keyBegin; an entry starting
// inside the window but reaching past keyEnd is trimmed with valLt to drop
// the portion at or past keyEnd. Entries that end at or before keyBegin, or
// that start at or after keyEnd, do not overlap and are never emitted. With a
// nil valGeq the entry starting before keyBegin is omitted; with a nil valLt
// the last entry starting inside the window is emitted unchanged.
func (t *Tree) LookupRange(keyBegin, keyEnd uint64, valLt, valGeq SplitFunc) ([]RangeEntry, error) {
	var out []RangeEntry
	if err := t.lookupRangeRec(t.Root, keyBegin, keyEnd, valLt, valGeq, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) lookupRangeRec(ptr NodePtr, keyBegin, keyEnd uint64, valLt, valGeq SplitFunc, out *[]RangeEntry) error {
	internal, err := t.tm.IsInternal(ptr.Loc)
	if err != nil {
		return err
	}
	n, err := t.tm.Read(ptr.Loc, t.nodeType(!internal))
	if err != nil {
		return err
	}
	defer n.Close()

	if !internal {
		i := 0
		for i < n.NrEntries() && n.KeyAt(i) < keyBegin {
			i++
		}
		j := i
		for j < n.NrEntries() && n.KeyAt(j) < keyEnd {
			j++
		}

		beginIdx, endIdx := -1, -1
		if i > 0 {
			beginIdx = i - 1
		}
		if j > 0 {
			endIdx = j - 1
		}

		switch {
		case beginIdx >= 0 && beginIdx == endIdx:
			// No entry starts inside [keyBegin, keyEnd); at most the single
			// entry just before it may straddle the whole window.
			pk, pv := n.KeyAt(beginIdx), n.Values.Get(beginIdx)
			if valGeq == nil {
				break
			}
			nk, nv, ok := valGeq(pk, pv)
			if !ok {
				break
			}
			if valLt != nil {
				if nk2, nv2, ok2 := valLt(nk, nv); ok2 {
					*out = append(*out, RangeEntry{Key: nk2, Value: nv2})
				}
				break
			}
			*out = append(*out, RangeEntry{Key: nk, Value: nv})
		default:
			if beginIdx >= 0 && valGeq != nil {
				pk, pv := n.KeyAt(beginIdx), n.Values.Get(beginIdx)
				if nk, nv, ok := valGeq(pk, pv); ok {
					*out = append(*out, RangeEntry{Key: nk, Value: nv})
				}
			}
			for k := i; k < j; k++ {
				if k == endIdx && valLt != nil {
					continue
				}
				*out = append(*out, RangeEntry{Key: n.KeyAt(k), Value: n.Values.Get(k)})
			}
			if endIdx >= 0 && endIdx >= i && valLt != nil {
				pk, pv := n.KeyAt(endIdx), n.Values.Get(endIdx)
				if nk, nv, ok := valLt(pk, pv); ok {
					*out = append(*out, RangeEntry{Key: nk, Value: nv})
				}
			}
		}
		return nil
	}

	for i := 0; i < n.NrEntries(); i++ {
		lo := n.KeyAt(i)
		hi := uint64(1<<63 - 1)
		if i+1 < n.NrEntries() {
			hi = n.KeyAt(i + 1)
		}
		if hi <= keyBegin || lo >= keyEnd {
			continue
		}
		child := NodePtr{Loc: uint32(*n.Values.Get(i).(*BlockValue))}
		if err := t.lookupRangeRec(child, keyBegin, keyEnd, valLt, valGeq, out); err != nil {
			return err
		}
	}
	return nil
}

// Check runs a post-order integrity DFS over the tree, verifying key
// ordering and bounds at every level, and returns the total leaf-entry
// count.
func (t *Tree) Check() (int, error) {
	visited := make(map[MetadataBlock]bool)
	var maxKey uint64 = 1<<63 - 1
	return t.checkRec(t.Root.Loc, 0, maxKey, visited)
}

func (t *Tree) checkRec(loc MetadataBlock, keyMin, keyMax uint64, visited map[MetadataBlock]bool) (int, error) {
	if visited[loc] {
		return 0, fmt.Errorf("btree: cycle detected at block %d", loc)
	}
	visited[loc] = true

	internal, err := t.tm.IsInternal(loc)
	if err != nil {
		return 0, err
	}
	n, err := t.tm.Read(loc, t.nodeType(!internal))
	if err != nil {
		return 0, err
	}
	defer n.Close()

	var prev uint64
	for i := 0; i < n.NrEntries(); i++ {
		k := n.KeyAt(i)
		if i > 0 && k <= prev {
			return 0, fmt.Errorf("btree: keys not strictly ascending at block %d idx %d", loc, i)
		}
		if k < keyMin || k >= keyMax {
			return 0, fmt.Errorf("btree: key %d out of bound [%d,%d) at block %d", k, keyMin, keyMax, loc)
		}
		prev = k
	}

	if !internal {
		return n.NrEntries(), nil
	}

	total := 0
	for i := 0; i < n.NrEntries(); i++ {
		lo := n.KeyAt(i)
		hi := keyMax
		if i+1 < n.NrEntries() {
			hi = n.KeyAt(i + 1)
		}
		child := uint32(*n.Values.Get(i).(*BlockValue))
		c, err := t.checkRec(child, lo, hi, visited)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}
