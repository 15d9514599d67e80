package wire

import "encoding/binary"

// CellSize is the fixed width of every shared-memory cell (§6.3).
const CellSize = 64

// CellFlag bits live in Cell.Flags.
const (
	// FlagUsePreallocatedBuffer marks that the payload for this cell
	// lives in the client's preallocated per-slot buffer region rather
	// than being inlined (inlining is never used in this module; the
	// flag is carried for wire compatibility with the shared-memory
	// contract described in §6.3).
	FlagUsePreallocatedBuffer uint8 = 1 << 0
)

// Cell is the in-memory representation of one 64-byte shared-memory
// cell: a tagged union of "item" (core → client) and "reply"
// (client → core) sharing a common header of Index, Seqnum and Flags.
//
//	Header (11 bytes): Index, Seqnum, Flags
//	Item body:  Type, Arg64 (offset), Arg32 (size or ioctl command)
//	Reply body: Result (negated errno, or 0)
//
// Result and (Type, Arg64, Arg32) never need to coexist, since a given
// cell is read as an item by the client and written back as a reply.
type Cell struct {
	Index  uint16
	Seqnum uint64
	Flags  uint8

	Type  ItemType
	Arg64 uint64
	Arg32 uint32

	Result int32
}

// Marshal encodes c into a CellSize-byte little-endian buffer matching
// the §6.3 shared-memory contract, following the teacher's manual
// binary.LittleEndian field-by-field style (internal/uapi/marshal.go).
func (c *Cell) Marshal() []byte {
	buf := make([]byte, CellSize)

	binary.LittleEndian.PutUint16(buf[0:2], c.Index)
	binary.LittleEndian.PutUint64(buf[2:10], c.Seqnum)
	buf[10] = c.Flags
	buf[11] = uint8(c.Type)
	binary.LittleEndian.PutUint64(buf[12:20], c.Arg64)
	binary.LittleEndian.PutUint32(buf[20:24], c.Arg32)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(c.Result))
	// buf[28:64] is reserved padding, left zero.

	return buf
}

// Unmarshal decodes data (at least CellSize bytes) into c.
func (c *Cell) Unmarshal(data []byte) error {
	if len(data) < CellSize {
		return ErrShortCell
	}

	c.Index = binary.LittleEndian.Uint16(data[0:2])
	c.Seqnum = binary.LittleEndian.Uint64(data[2:10])
	c.Flags = data[10]
	c.Type = ItemType(data[11])
	c.Arg64 = binary.LittleEndian.Uint64(data[12:20])
	c.Arg32 = binary.LittleEndian.Uint32(data[20:24])
	c.Result = int32(binary.LittleEndian.Uint32(data[24:28]))

	return nil
}

type wireError string

func (e wireError) Error() string { return string(e) }

// ErrShortCell is returned by Unmarshal when fewer than CellSize bytes
// are available.
const ErrShortCell = wireError("wire: short cell buffer")
