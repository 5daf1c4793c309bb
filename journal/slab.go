package journal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/golang/snappy"
)

// SlabFile is the append-only, snappy-compressed log backing the journal:
// each slab is a u32 length-prefixed, independently snappy-compressed blob.
type SlabFile struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenSlabFile opens (creating if necessary) a slab file, appending to
// anything already written.
func OpenSlabFile(path string) (*SlabFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &SlabFile{f: f, size: info.Size()}, nil
}

// Append compresses and writes one slab, returning its byte offset.
func (s *SlabFile) Append(raw []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	compressed := snappy.Encode(nil, raw)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))

	offset := s.size
	if _, err := s.f.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := s.f.Write(compressed); err != nil {
		return 0, err
	}
	s.size += int64(len(lenBuf)) + int64(len(compressed))
	return offset, nil
}

// Sync fsyncs the underlying file.
func (s *SlabFile) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

// Close closes the underlying file.
func (s *SlabFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// ForEach replays every slab in file order, decompressing and invoking fn.
// A truncated trailing slab (a crash mid-append) is skipped rather than
// treated as an error, tolerating dangling content past the last complete
// record.
func (s *SlabFile) ForEach(fn func(raw []byte) error) error {
	s.mu.Lock()
	r, err := os.Open(s.f.Name())
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		compressed := make([]byte, n)
		if _, err := io.ReadFull(r, compressed); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}
