package journal

import (
	"io"
	"sync"

	"github.com/thinmeta/thinmeta/log"
)

// Batch is a group of entries committed atomically on replay, plus an
// optional completion fired once the batch's slab write returns. Explicit
// Batch plumbing stands in for thread-local accumulation, since Go has no
// ergonomic thread-local storage.
type Batch struct {
	Ops        []Entry
	Completion func(err error)
}

// NewBatch returns an empty batch ready for Add.
func NewBatch() *Batch { return &Batch{} }

// Add appends an entry to the batch.
func (b *Batch) Add(e Entry) { b.Ops = append(b.Ops, e) }

// Journal is the append-only redo log: pending batches plus the slab file
// they are serialised to on Sync.
type Journal struct {
	mu      sync.Mutex
	slab    *SlabFile
	pending []*Batch
	log     log.Logger
}

// Open opens the journal's slab file at path.
func Open(path string) (*Journal, error) {
	slab, err := OpenSlabFile(path)
	if err != nil {
		return nil, err
	}
	return &Journal{slab: slab, log: log.New("component", "journal")}, nil
}

// Submit enqueues a batch for the next Sync. Failures inside the action
// that produced the batch still reach here: the node bytes were already
// mutated in the cache, so the entries describing that mutation must still
// become durable.
func (j *Journal) Submit(b *Batch) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = append(j.pending, b)
}

// Batch runs action with a fresh batch, submits it regardless of the
// returned error — failures inside action still cause the accumulated
// entries to be recorded — and returns action's result.
func (j *Journal) Batch(action func(b *Batch) error) error {
	b := NewBatch()
	err := action(b)
	j.Submit(b)
	return err
}

// Sync drains every pending batch, serialises each as one length-prefixed
// slab, and on success fires completions in submission order.
func (j *Journal) Sync() error {
	j.mu.Lock()
	batches := j.pending
	j.pending = nil
	j.mu.Unlock()

	for _, b := range batches {
		var buf []byte
		w := &byteBuf{buf: buf}
		if err := PackOps(w, b.Ops); err != nil {
			if b.Completion != nil {
				b.Completion(err)
			}
			return err
		}
		if _, err := j.slab.Append(w.buf); err != nil {
			if b.Completion != nil {
				b.Completion(err)
			}
			return err
		}
	}
	if err := j.slab.Sync(); err != nil {
		return err
	}
	for _, b := range batches {
		if b.Completion != nil {
			b.Completion(nil)
		}
	}
	j.log.Debug("journal sync", "nr_batches", len(batches))
	return nil
}

// Close closes the underlying slab file.
func (j *Journal) Close() error { return j.slab.Close() }

// Replayer applies a replayed entry to live state. Outside the tests, no type
// in this module implements it.
type Replayer interface {
	ReplayEntry(e Entry) error
}

// Replay walks every slab in the journal's file and applies every entry to
// r, in file (and thus original commit) order. Each entry's ReplayEntry
// implementation must be idempotent against re-application, since a batch
// whose slab write succeeded but whose subsequent page-cache flush did not
// complete will be replayed again on the next startup.
func Replay(path string, r Replayer) error {
	slab, err := OpenSlabFile(path)
	if err != nil {
		return err
	}
	defer slab.Close()

	return slab.ForEach(func(raw []byte) error {
		rr := &byteBuf{buf: raw}
		ops, err := UnpackOps(rr)
		if err != nil {
			return err
		}
		for _, e := range ops {
			if err := r.ReplayEntry(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// byteBuf is a tiny growable-write / sequential-read buffer, avoiding a
// bytes.Buffer/bytes.Reader pair for the common pack-then-unpack path.
type byteBuf struct {
	buf []byte
	pos int
}

// NewByteReader wraps raw for sequential reading by UnpackOps/UnpackEntry,
// used by diagnostic tooling that has already pulled a slab off disk.
func NewByteReader(raw []byte) io.Reader { return &byteBuf{buf: raw} }

func (b *byteBuf) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *byteBuf) Read(p []byte) (int, error) {
	n := copy(p, b.buf[b.pos:])
	b.pos += n
	if n < len(p) {
		return n, errShortBuf
	}
	return n, nil
}

var errShortBuf = shortBufErr{}

type shortBufErr struct{}

func (shortBufErr) Error() string { return "journal: short buffer" }
