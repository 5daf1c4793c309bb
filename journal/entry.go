// Package journal implements an append-only redo journal: typed Entry
// records, explicit Batch plumbing in place of thread-local-style batching
// (Go has no ergonomic thread-local storage), a snappy-compressed slab
// file, and replay.
package journal

import (
	"fmt"
	"io"
)

// Tag is the 1-byte entry discriminator.
type Tag uint8

const (
	TagAllocMetadata Tag = iota
	TagFreeMetadata
	TagGrowMetadata
	TagAllocData
	TagFreeData
	TagGrowData
	TagUpdateInfoRoot
	TagSetSeq
	TagZero
	TagLiteral
	TagShadow
	TagOverwrite
	TagInsert
	TagPrepend
	TagAppend
	TagErase
)

// Entry is a single logical journal record. Concrete types below implement
// it; Pack/Unpack are defined in pack.go to keep the wire format in one
// place.
type Entry interface {
	Tag() Tag
}

type AllocMetadata struct{ B, E uint32 }
type FreeMetadata struct{ B, E uint32 }
type GrowMetadata struct{ Extra uint32 }

type AllocData struct{ B, E uint64 }
type FreeData struct{ B, E uint64 }
type GrowData struct{ Extra uint64 }

type UpdateInfoRoot struct {
	Loc   uint32
	SeqNr uint32
}

type SetSeq struct {
	Loc uint32
	Seq uint32
}

type Zero struct {
	Loc        uint32
	Begin, End uint16
}

type Literal struct {
	Loc    uint32
	Offset uint16
	Bytes  []byte
}

type Shadow struct {
	Loc        uint32
	OriginLoc  uint32
	OriginSeq  uint32
}

type Overwrite struct {
	Loc uint32
	Idx uint16
	K   uint64
	V   []byte
}

type Insert struct {
	Loc uint32
	Idx uint16
	K   uint64
	V   []byte
}

type Prepend struct {
	Loc    uint32
	Keys   []uint64
	Values [][]byte
}

type Append struct {
	Loc    uint32
	Keys   []uint64
	Values [][]byte
}

type Erase struct {
	Loc        uint32
	IdxB, IdxE uint16
}

func (AllocMetadata) Tag() Tag   { return TagAllocMetadata }
func (FreeMetadata) Tag() Tag    { return TagFreeMetadata }
func (GrowMetadata) Tag() Tag    { return TagGrowMetadata }
func (AllocData) Tag() Tag       { return TagAllocData }
func (FreeData) Tag() Tag        { return TagFreeData }
func (GrowData) Tag() Tag        { return TagGrowData }
func (UpdateInfoRoot) Tag() Tag  { return TagUpdateInfoRoot }
func (SetSeq) Tag() Tag          { return TagSetSeq }
func (Zero) Tag() Tag            { return TagZero }
func (Literal) Tag() Tag         { return TagLiteral }
func (Shadow) Tag() Tag          { return TagShadow }
func (Overwrite) Tag() Tag       { return TagOverwrite }
func (Insert) Tag() Tag          { return TagInsert }
func (Prepend) Tag() Tag         { return TagPrepend }
func (Append) Tag() Tag          { return TagAppend }
func (Erase) Tag() Tag           { return TagErase }

// entryString gives a one-line human form, used by Dump.
func entryString(e Entry) string {
	switch v := e.(type) {
	case AllocMetadata:
		return fmt.Sprintf("AllocMetadata(%d,%d)", v.B, v.E)
	case FreeMetadata:
		return fmt.Sprintf("FreeMetadata(%d,%d)", v.B, v.E)
	case GrowMetadata:
		return fmt.Sprintf("GrowMetadata(%d)", v.Extra)
	case AllocData:
		return fmt.Sprintf("AllocData(%d,%d)", v.B, v.E)
	case FreeData:
		return fmt.Sprintf("FreeData(%d,%d)", v.B, v.E)
	case GrowData:
		return fmt.Sprintf("GrowData(%d)", v.Extra)
	case UpdateInfoRoot:
		return fmt.Sprintf("UpdateInfoRoot(loc=%d,seq=%d)", v.Loc, v.SeqNr)
	case SetSeq:
		return fmt.Sprintf("SetSeq(loc=%d,seq=%d)", v.Loc, v.Seq)
	case Zero:
		return fmt.Sprintf("Zero(loc=%d,%d,%d)", v.Loc, v.Begin, v.End)
	case Literal:
		return fmt.Sprintf("Literal(loc=%d,off=%d,len=%d)", v.Loc, v.Offset, len(v.Bytes))
	case Shadow:
		return fmt.Sprintf("Shadow(loc=%d,origin=%d/%d)", v.Loc, v.OriginLoc, v.OriginSeq)
	case Overwrite:
		return fmt.Sprintf("Overwrite(loc=%d,idx=%d,k=%d,len=%d)", v.Loc, v.Idx, v.K, len(v.V))
	case Insert:
		return fmt.Sprintf("Insert(loc=%d,idx=%d,k=%d,len=%d)", v.Loc, v.Idx, v.K, len(v.V))
	case Prepend:
		return fmt.Sprintf("Prepend(loc=%d,n=%d)", v.Loc, len(v.Keys))
	case Append:
		return fmt.Sprintf("Append(loc=%d,n=%d)", v.Loc, len(v.Keys))
	case Erase:
		return fmt.Sprintf("Erase(loc=%d,%d,%d)", v.Loc, v.IdxB, v.IdxE)
	default:
		return fmt.Sprintf("unknown entry %T", e)
	}
}

// Dump writes one human-readable line per entry, used by cmd/journaldump.
func Dump(w io.Writer, entries []Entry) {
	for _, e := range entries {
		fmt.Fprintln(w, entryString(e))
	}
}
