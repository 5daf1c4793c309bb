// Package parray implements fixed-width packed arrays: typed views over a
// contiguous byte slice, the storage layout backing both halves of a B-tree
// node (keys and values).
package parray

import "fmt"

// Record is any fixed-width value a PackedArray can store. The write paths
// only pack records, so plain value types qualify.
type Record interface {
	// PackedLen is the on-disk size in bytes of one record.
	PackedLen() int
	// Pack serialises the record into buf, which is exactly PackedLen() bytes.
	Pack(buf []byte)
}

// Unpacker is implemented by the records a Factory returns.
type Unpacker interface {
	// Unpack deserialises a record from buf, which is exactly PackedLen() bytes.
	Unpack(buf []byte)
}

// Factory builds a zero-value Record of a concrete type that also implements
// Unpacker; Get uses it to materialise a value before filling it in.
type Factory func() Record

// PackedArray is a view over data treating it as up to maxEntries fixed-size
// slots. nrEntries is the live prefix length; all bounds checks are hard
// panics — callers are expected to compute indices that guarantee
// correctness, not probe for validity.
type PackedArray struct {
	data       []byte
	recLen     int
	maxEntries int
	nrEntries  *int
	newRecord  Factory
}

// New wraps data (exactly maxEntries*recLen bytes) as a packed array whose
// live length is tracked through the nrEntries pointer (typically the node
// header's nr_entries field).
func New(data []byte, recLen, maxEntries int, nrEntries *int, newRecord Factory) *PackedArray {
	if len(data) < recLen*maxEntries {
		panic(fmt.Sprintf("parray: backing slice too small: have %d need %d", len(data), recLen*maxEntries))
	}
	return &PackedArray{data: data, recLen: recLen, maxEntries: maxEntries, nrEntries: nrEntries, newRecord: newRecord}
}

// Len returns the number of live entries.
func (p *PackedArray) Len() int { return *p.nrEntries }

// MaxEntries returns the slot capacity.
func (p *PackedArray) MaxEntries() int { return p.maxEntries }

func (p *PackedArray) slot(i int) []byte {
	if i < 0 || i >= p.maxEntries {
		panic(fmt.Sprintf("parray: index %d out of bounds (max %d)", i, p.maxEntries))
	}
	off := i * p.recLen
	return p.data[off : off+p.recLen]
}

func (p *PackedArray) checkLive(i int) {
	if i < 0 || i >= *p.nrEntries {
		panic(fmt.Sprintf("parray: index %d out of live range [0,%d)", i, *p.nrEntries))
	}
}

// Get returns the i-th live record.
func (p *PackedArray) Get(i int) Record {
	p.checkLive(i)
	r := p.newRecord()
	r.(Unpacker).Unpack(p.slot(i))
	return r
}

// Set overwrites the i-th live record.
func (p *PackedArray) Set(i int, r Record) {
	p.checkLive(i)
	r.Pack(p.slot(i))
}

// GetMany returns records [b,e).
func (p *PackedArray) GetMany(b, e int) []Record {
	if b < 0 || e > *p.nrEntries || b > e {
		panic("parray: GetMany out of range")
	}
	out := make([]Record, 0, e-b)
	for i := b; i < e; i++ {
		out = append(out, p.Get(i))
	}
	return out
}

// First returns the first live record, or nil if empty.
func (p *PackedArray) First() Record {
	if *p.nrEntries == 0 {
		return nil
	}
	return p.Get(0)
}

// Last returns the last live record, or nil if empty.
func (p *PackedArray) Last() Record {
	if *p.nrEntries == 0 {
		return nil
	}
	return p.Get(*p.nrEntries - 1)
}

// KeyedRecord exposes the sort key a record is ordered by; PackedArray's of
// B-tree keys implement this directly (the key is the record itself, as a
// uint64), so Bsearch works uniformly across key arrays and value arrays
// keyed by a parallel key array.
type KeyedRecord interface {
	Record
	Key() uint64
}

// Bsearch returns the largest index i such that Get(i).Key() <= key, or -1
// if every entry is greater than key. The array must hold KeyedRecord
// values.
func (p *PackedArray) Bsearch(key uint64) int {
	n := *p.nrEntries
	lo, hi := 0, n-1
	res := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		kr := p.Get(mid).(KeyedRecord)
		if kr.Key() <= key {
			res = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return res
}

func (p *PackedArray) shiftRight(from int, by int) {
	for i := *p.nrEntries - 1; i >= from; i-- {
		copy(p.slot(i+by), p.slot(i))
	}
}

func (p *PackedArray) shiftLeftInPlace(from int, by int) {
	for i := from; i < *p.nrEntries; i++ {
		copy(p.slot(i-by), p.slot(i))
	}
}

// InsertAt inserts r at index i, shifting [i, nrEntries) up by one. Panics
// if the array is already at capacity.
func (p *PackedArray) InsertAt(i int, r Record) {
	if *p.nrEntries >= p.maxEntries {
		panic("parray: InsertAt on full array")
	}
	if i < 0 || i > *p.nrEntries {
		panic("parray: InsertAt index out of range")
	}
	p.shiftRight(i, 1)
	r.Pack(p.slot(i))
	*p.nrEntries++
}

// RemoveAt removes the entry at index i, shifting the remainder down.
func (p *PackedArray) RemoveAt(i int) {
	p.checkLive(i)
	p.shiftLeftInPlace(i+1, 1)
	*p.nrEntries--
}

// Append adds r as the new last entry.
func (p *PackedArray) Append(r Record) {
	if *p.nrEntries >= p.maxEntries {
		panic("parray: Append on full array")
	}
	r.Pack(p.slot(*p.nrEntries))
	*p.nrEntries++
}

// Prepend adds r as the new first entry.
func (p *PackedArray) Prepend(r Record) {
	p.InsertAt(0, r)
}

// AppendMany appends rs in order.
func (p *PackedArray) AppendMany(rs []Record) {
	for _, r := range rs {
		p.Append(r)
	}
}

// PrependMany inserts rs at the front, preserving their order.
func (p *PackedArray) PrependMany(rs []Record) {
	for i := len(rs) - 1; i >= 0; i-- {
		p.Prepend(rs[i])
	}
}

// Erase removes entries [b,e), shifting the remainder down.
func (p *PackedArray) Erase(b, e int) {
	if b < 0 || e > *p.nrEntries || b > e {
		panic("parray: Erase out of range")
	}
	n := e - b
	if n == 0 {
		return
	}
	p.shiftLeftInPlace(e, n)
	*p.nrEntries -= n
}

// ShiftLeft removes the first n entries and returns them, shifting the rest
// down to index 0. Used by split/redistribute to move a prefix from the
// right sibling onto the left.
func (p *PackedArray) ShiftLeft(n int) []Record {
	if n < 0 || n > *p.nrEntries {
		panic("parray: ShiftLeft out of range")
	}
	out := p.GetMany(0, n)
	p.Erase(0, n)
	return out
}

// RemoveRight removes the last n entries and returns them in original
// order. Used by redistribute2 to move a suffix from the left sibling onto
// the right.
func (p *PackedArray) RemoveRight(n int) []Record {
	if n < 0 || n > *p.nrEntries {
		panic("parray: RemoveRight out of range")
	}
	start := *p.nrEntries - n
	out := p.GetMany(start, *p.nrEntries)
	*p.nrEntries -= n
	return out
}
