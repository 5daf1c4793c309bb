package thinpool

import (
	"encoding/binary"

	"github.com/steakknife/bloomfilter"
)

// blockKeyHash is a thin wrapper satisfying steakknife/bloomfilter's Hash64
// requirement: a fixed 8-byte key summarised to a uint64.
type blockKeyHash uint64

func (h blockKeyHash) Write(p []byte) (int, error) { panic("not implemented") }
func (h blockKeyHash) Sum(b []byte) []byte         { panic("not implemented") }
func (h blockKeyHash) Reset()                      {}
func (h blockKeyHash) BlockSize() int              { return 8 }
func (h blockKeyHash) Size() int                   { return 8 }
func (h blockKeyHash) Sum64() uint64               { return uint64(h) }

// presenceBucketShift groups virtual blocks coarsely so one filter entry
// covers a run, keeping the per-thin filter small relative to a typical
// mapping's extent length.
const presenceBucketShift = 8

func bucketHash(v VBlock) blockKeyHash {
	return blockKeyHash(v >> presenceBucketShift)
}

// noteMapped records that virtual block v is backed by a mapping, so future
// reads of nearby blocks skip the tree lookup only when the filter is
// certain there is nothing to find.
func (p *Pool) noteMapped(id ThinID, v VBlock) {
	f := p.presence[id]
	if f == nil {
		var err error
		f, err = bloomfilter.NewOptimal(4096, 0.01)
		if err != nil {
			return
		}
		p.presence[id] = f
	}
	f.Add(bucketHash(v))
}

// maybeMapped reports whether v's bucket might hold a mapping. A false
// result is definite; a true result (including "no filter built yet") means
// the caller must still consult the tree.
func (p *Pool) maybeMapped(id ThinID, v VBlock) bool {
	f := p.presence[id]
	if f == nil {
		return true
	}
	return f.Contains(bucketHash(v))
}
