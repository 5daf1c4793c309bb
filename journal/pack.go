package journal

import (
	"encoding/binary"
	"fmt"
	"io"
)

func packBytes(w io.Writer, b []byte) error {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func unpackBytes(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func u16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func u32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func u64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// PackEntry writes e's tag byte followed by its tag-specific payload.
func PackEntry(w io.Writer, e Entry) error {
	if _, err := w.Write([]byte{byte(e.Tag())}); err != nil {
		return err
	}
	switch v := e.(type) {
	case AllocMetadata:
		return firstErr(u32(w, v.B), u32(w, v.E))
	case FreeMetadata:
		return firstErr(u32(w, v.B), u32(w, v.E))
	case GrowMetadata:
		return u32(w, v.Extra)
	case AllocData:
		return firstErr(u64(w, v.B), u64(w, v.E))
	case FreeData:
		return firstErr(u64(w, v.B), u64(w, v.E))
	case GrowData:
		return u64(w, v.Extra)
	case UpdateInfoRoot:
		return firstErr(u32(w, v.Loc), u32(w, v.SeqNr))
	case SetSeq:
		return firstErr(u32(w, v.Loc), u32(w, v.Seq))
	case Zero:
		return firstErr(u32(w, v.Loc), u16(w, v.Begin), u16(w, v.End))
	case Literal:
		if err := firstErr(u32(w, v.Loc), u16(w, v.Offset)); err != nil {
			return err
		}
		return packBytes(w, v.Bytes)
	case Shadow:
		return firstErr(u32(w, v.Loc), u32(w, v.OriginLoc), u32(w, v.OriginSeq))
	case Overwrite:
		if err := firstErr(u32(w, v.Loc), u16(w, v.Idx), u64(w, v.K)); err != nil {
			return err
		}
		return packBytes(w, v.V)
	case Insert:
		if err := firstErr(u32(w, v.Loc), u16(w, v.Idx), u64(w, v.K)); err != nil {
			return err
		}
		return packBytes(w, v.V)
	case Prepend:
		return packKVList(w, v.Loc, v.Keys, v.Values)
	case Append:
		return packKVList(w, v.Loc, v.Keys, v.Values)
	case Erase:
		return firstErr(u32(w, v.Loc), u16(w, v.IdxB), u16(w, v.IdxE))
	default:
		return fmt.Errorf("journal: unknown entry type %T", e)
	}
}

func packKVList(w io.Writer, loc uint32, keys []uint64, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("journal: mismatched key/value lengths %d/%d", len(keys), len(values))
	}
	if err := firstErr(u32(w, loc), u16(w, uint16(len(keys)))); err != nil {
		return err
	}
	for i := range keys {
		if err := u64(w, keys[i]); err != nil {
			return err
		}
		if err := packBytes(w, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func unpackKVList(r io.Reader) (uint32, []uint64, [][]byte, error) {
	loc, err := readU32(r)
	if err != nil {
		return 0, nil, nil, err
	}
	n, err := readU16(r)
	if err != nil {
		return 0, nil, nil, err
	}
	keys := make([]uint64, n)
	values := make([][]byte, n)
	for i := 0; i < int(n); i++ {
		k, err := readU64(r)
		if err != nil {
			return 0, nil, nil, err
		}
		v, err := unpackBytes(r)
		if err != nil {
			return 0, nil, nil, err
		}
		keys[i] = k
		values[i] = v
	}
	return loc, keys, values, nil
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// UnpackEntry reads one tag byte plus payload.
func UnpackEntry(r io.Reader) (Entry, error) {
	var tagByte [1]byte
	if _, err := io.ReadFull(r, tagByte[:]); err != nil {
		return nil, err
	}
	switch Tag(tagByte[0]) {
	case TagAllocMetadata:
		b, err := readU32(r)
		if err != nil {
			return nil, err
		}
		e, err := readU32(r)
		if err != nil {
			return nil, err
		}
		return AllocMetadata{B: b, E: e}, nil
	case TagFreeMetadata:
		b, err := readU32(r)
		if err != nil {
			return nil, err
		}
		e, err := readU32(r)
		if err != nil {
			return nil, err
		}
		return FreeMetadata{B: b, E: e}, nil
	case TagGrowMetadata:
		extra, err := readU32(r)
		if err != nil {
			return nil, err
		}
		return GrowMetadata{Extra: extra}, nil
	case TagAllocData:
		b, err := readU64(r)
		if err != nil {
			return nil, err
		}
		e, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return AllocData{B: b, E: e}, nil
	case TagFreeData:
		b, err := readU64(r)
		if err != nil {
			return nil, err
		}
		e, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return FreeData{B: b, E: e}, nil
	case TagGrowData:
		extra, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return GrowData{Extra: extra}, nil
	case TagUpdateInfoRoot:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		seq, err := readU32(r)
		if err != nil {
			return nil, err
		}
		return UpdateInfoRoot{Loc: loc, SeqNr: seq}, nil
	case TagSetSeq:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		seq, err := readU32(r)
		if err != nil {
			return nil, err
		}
		return SetSeq{Loc: loc, Seq: seq}, nil
	case TagZero:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		b, err := readU16(r)
		if err != nil {
			return nil, err
		}
		e, err := readU16(r)
		if err != nil {
			return nil, err
		}
		return Zero{Loc: loc, Begin: b, End: e}, nil
	case TagLiteral:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		off, err := readU16(r)
		if err != nil {
			return nil, err
		}
		bs, err := unpackBytes(r)
		if err != nil {
			return nil, err
		}
		return Literal{Loc: loc, Offset: off, Bytes: bs}, nil
	case TagShadow:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		originLoc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		originSeq, err := readU32(r)
		if err != nil {
			return nil, err
		}
		return Shadow{Loc: loc, OriginLoc: originLoc, OriginSeq: originSeq}, nil
	case TagOverwrite:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		idx, err := readU16(r)
		if err != nil {
			return nil, err
		}
		k, err := readU64(r)
		if err != nil {
			return nil, err
		}
		v, err := unpackBytes(r)
		if err != nil {
			return nil, err
		}
		return Overwrite{Loc: loc, Idx: idx, K: k, V: v}, nil
	case TagInsert:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		idx, err := readU16(r)
		if err != nil {
			return nil, err
		}
		k, err := readU64(r)
		if err != nil {
			return nil, err
		}
		v, err := unpackBytes(r)
		if err != nil {
			return nil, err
		}
		return Insert{Loc: loc, Idx: idx, K: k, V: v}, nil
	case TagPrepend:
		loc, keys, values, err := unpackKVList(r)
		if err != nil {
			return nil, err
		}
		return Prepend{Loc: loc, Keys: keys, Values: values}, nil
	case TagAppend:
		loc, keys, values, err := unpackKVList(r)
		if err != nil {
			return nil, err
		}
		return Append{Loc: loc, Keys: keys, Values: values}, nil
	case TagErase:
		loc, err := readU32(r)
		if err != nil {
			return nil, err
		}
		b, err := readU16(r)
		if err != nil {
			return nil, err
		}
		e, err := readU16(r)
		if err != nil {
			return nil, err
		}
		return Erase{Loc: loc, IdxB: b, IdxE: e}, nil
	default:
		return nil, fmt.Errorf("journal: invalid tag %d", tagByte[0])
	}
}

// PackOps serialises a batch's ops as a u32 count followed by each entry.
func PackOps(w io.Writer, ops []Entry) error {
	if err := u32(w, uint32(len(ops))); err != nil {
		return err
	}
	for _, op := range ops {
		if err := PackEntry(w, op); err != nil {
			return err
		}
	}
	return nil
}

// UnpackOps reads a batch's ops back.
func UnpackOps(r io.Reader) ([]Entry, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	ops := make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := UnpackEntry(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, e)
	}
	return ops, nil
}
