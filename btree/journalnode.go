package btree

import (
	"github.com/thinmeta/thinmeta/journal"
	"github.com/thinmeta/thinmeta/pagecache"
	"github.com/thinmeta/thinmeta/parray"
)

// JournalNode decorates a Node held under an exclusive lock: every mutating
// call both applies the change to the live page bytes and appends the
// matching journal.Entry to the batch it was opened with, so every node
// mutation has a matching journal entry recorded in the same call that
// makes it.
type JournalNode struct {
	*Node
	proxy *pagecache.ExclusiveProxy
	batch *journal.Batch
	tm    *TransactionManager
}

func packRecord(r parray.Record) []byte {
	buf := make([]byte, r.PackedLen())
	r.Pack(buf)
	return buf
}

// Ptr returns the (loc, seq_nr) pair identifying this node's current
// version.
func (jn *JournalNode) Ptr() NodePtr {
	return NodePtr{Loc: jn.Loc, SeqNr: jn.SeqNr()}
}

// OverwriteAt replaces the key and value at index i in place.
func (jn *JournalNode) OverwriteAt(i int, key uint64, v parray.Record) {
	jn.Keys.Set(i, Key(key))
	jn.Values.Set(i, v)
	jn.batch.Add(journal.Overwrite{Loc: jn.Loc, Idx: uint16(i), K: key, V: packRecord(v)})
}

// InsertAt inserts (key, v) at index i.
func (jn *JournalNode) InsertAt(i int, key uint64, v parray.Record) {
	jn.Keys.InsertAt(i, Key(key))
	jn.Values.InsertAt(i, v)
	jn.batch.Add(journal.Insert{Loc: jn.Loc, Idx: uint16(i), K: key, V: packRecord(v)})
}

// Append adds (key, v) as the new last entry.
func (jn *JournalNode) Append(key uint64, v parray.Record) {
	jn.InsertAt(jn.NrEntries(), key, v)
}

// Prepend adds (key, v) as the new first entry.
func (jn *JournalNode) Prepend(key uint64, v parray.Record) {
	jn.InsertAt(0, key, v)
}

// PrependMany inserts keys/values as a block at the front, journalled as a
// single Prepend entry carrying the whole list.
func (jn *JournalNode) PrependMany(keys []uint64, values []parray.Record) {
	recs := make([]parray.Record, len(keys))
	for i, k := range keys {
		recs[i] = Key(k)
	}
	jn.Keys.PrependMany(recs)
	jn.Values.PrependMany(values)
	packed := make([][]byte, len(values))
	for i, v := range values {
		packed[i] = packRecord(v)
	}
	jn.batch.Add(journal.Prepend{Loc: jn.Loc, Keys: keys, Values: packed})
}

// AppendMany appends keys/values as a block, journalled as a single Append
// entry.
func (jn *JournalNode) AppendMany(keys []uint64, values []parray.Record) {
	recs := make([]parray.Record, len(keys))
	for i, k := range keys {
		recs[i] = Key(k)
	}
	jn.Keys.AppendMany(recs)
	jn.Values.AppendMany(values)
	packed := make([][]byte, len(values))
	for i, v := range values {
		packed[i] = packRecord(v)
	}
	jn.batch.Add(journal.Append{Loc: jn.Loc, Keys: keys, Values: packed})
}

// EraseRange removes entries [b,e).
func (jn *JournalNode) EraseRange(b, e int) {
	jn.Keys.Erase(b, e)
	jn.Values.Erase(b, e)
	jn.batch.Add(journal.Erase{Loc: jn.Loc, IdxB: uint16(b), IdxE: uint16(e)})
}

// Release writes the updated nr_entries back into the header and unlocks the
// underlying page.
func (jn *JournalNode) Release() {
	jn.Sync()
	jn.proxy.Release()
}
