// Package metatile implements the binary packed-tile format: an N×N
// block of tiles stored together with an index table.
package metatile

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// N is the metatile side length in tiles. It must be a power of two.
const N = 8

// Count is the number of tiles packed into one metatile.
const Count = N * N

const (
	magicUncompressed = "META"
	magicCompressed   = "METZ"
	headerFixedSize   = 20 // magic + count + x + y + z, each int32
	entrySize         = 8  // offset + size, each int32
)

// HeaderSize is the size of the fixed header plus the index table.
const HeaderSize = headerFixedSize + Count*entrySize

// entry is one slot of the index table: absolute offset and byte length
// of a tile payload within the file, or {offset: end, size: 0} for a
// slot that has not (yet) been rendered.
type entry struct {
	Offset int32
	Size   int32
}

// Metatile is the decoded contents of one metatile file: the aligned
// origin coordinate and the Count tile payloads, indexed per Slot.
type Metatile struct {
	Compressed bool
	X, Y, Z    uint32 // aligned origin
	Tiles      [Count][]byte
}

// Slot returns the index of tile (x, y) within a metatile whose aligned
// origin covers it. This ordering — row-major on the x-minor axis — is
// part of the on-disk format and must never change.
func Slot(x, y uint32) int {
	return int((x&(N-1))*N + (y & (N - 1)))
}

// Align rounds x, y down to the metatile grid origin.
func Align(x, y uint32) (uint32, uint32) {
	return x &^ (N - 1), y &^ (N - 1)
}

// Encode serializes m into the on-disk layout: header, index table, then
// the concatenated tile payloads. A nil or empty tile payload is encoded
// as a zero-length slot, which ReadSlot reports as ErrMissingTile.
func Encode(m Metatile) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + Count*256*256/4)

	magic := magicUncompressed
	if m.Compressed {
		magic = magicCompressed
	}
	buf.WriteString(magic)

	writeInt32 := func(v int32) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	writeInt32(Count)
	writeInt32(int32(m.X))
	writeInt32(int32(m.Y))
	writeInt32(int32(m.Z))

	entries := make([]entry, Count)
	offset := int32(HeaderSize)
	for i, tile := range m.Tiles {
		entries[i] = entry{Offset: offset, Size: int32(len(tile))}
		offset += int32(len(tile))
	}
	for _, e := range entries {
		writeInt32(e.Offset)
		writeInt32(e.Size)
	}
	for _, tile := range m.Tiles {
		buf.Write(tile)
	}

	return buf.Bytes(), nil
}

// Header is the parsed fixed header and index table, without the tile
// payload bytes. Decode uses it to validate before touching payload data;
// ReadSlot uses it to seek directly to one tile.
type Header struct {
	Compressed bool
	Count      int32
	X, Y, Z    uint32
	Entries    [Count]entry
}

// DecodeHeader validates and parses the header/index portion of a
// metatile file. It rejects any offset/size that would read outside the
// file, and any arithmetic that could wrap.
func DecodeHeader(data []byte, fileSize int64) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("metatile: short header (%d bytes)", len(data))
	}

	var h Header
	switch string(data[0:4]) {
	case magicUncompressed:
		h.Compressed = false
	case magicCompressed:
		h.Compressed = true
	default:
		return Header{}, fmt.Errorf("metatile: bad magic %q", data[0:4])
	}

	r := bytes.NewReader(data[4:headerFixedSize])
	var count, x, y, z int32
	for _, p := range []*int32{&count, &x, &y, &z} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return Header{}, fmt.Errorf("metatile: truncated header: %w", err)
		}
	}
	if count != Count {
		return Header{}, fmt.Errorf("metatile: count %d != %d", count, Count)
	}
	h.Count = count
	h.X, h.Y, h.Z = uint32(x), uint32(y), uint32(z)

	er := bytes.NewReader(data[headerFixedSize:HeaderSize])
	var sum int64
	for i := 0; i < Count; i++ {
		var e entry
		if err := binary.Read(er, binary.LittleEndian, &e.Offset); err != nil {
			return Header{}, err
		}
		if err := binary.Read(er, binary.LittleEndian, &e.Size); err != nil {
			return Header{}, err
		}
		if e.Offset < 0 || e.Size < 0 {
			return Header{}, fmt.Errorf("metatile: negative offset/size at slot %d", i)
		}
		end := int64(e.Offset) + int64(e.Size)
		if end < int64(e.Offset) {
			return Header{}, fmt.Errorf("metatile: offset/size overflow at slot %d", i)
		}
		if fileSize >= 0 && end > fileSize {
			return Header{}, fmt.Errorf("metatile: slot %d extends past end of file (%d > %d)", i, end, fileSize)
		}
		sum += int64(e.Size)
		h.Entries[i] = e
	}
	if fileSize >= 0 && int64(HeaderSize)+sum > fileSize {
		return Header{}, fmt.Errorf("metatile: sum(sizes)+header %d exceeds file size %d", int64(HeaderSize)+sum, fileSize)
	}

	return h, nil
}

// Decode parses a complete metatile file, including every tile payload.
func Decode(data []byte) (Metatile, error) {
	h, err := DecodeHeader(data, int64(len(data)))
	if err != nil {
		return Metatile{}, err
	}

	var m Metatile
	m.Compressed = h.Compressed
	m.X, m.Y, m.Z = h.X, h.Y, h.Z
	for i, e := range h.Entries {
		if e.Size == 0 {
			continue
		}
		m.Tiles[i] = data[e.Offset : e.Offset+e.Size]
	}
	return m, nil
}

// ReadSlot extracts the bytes for slot i directly from header + full file
// bytes, without decoding every other slot. Storage backends use this to
// satisfy a single-tile read with one seek and one bounded read.
func ReadSlot(h Header, data []byte, slot int) ([]byte, error) {
	if slot < 0 || slot >= Count {
		return nil, fmt.Errorf("metatile: slot %d out of range", slot)
	}
	e := h.Entries[slot]
	if e.Size == 0 {
		return nil, ErrMissingTile
	}
	if int64(e.Offset)+int64(e.Size) > int64(len(data)) {
		return nil, fmt.Errorf("metatile: slot %d extends past supplied buffer", slot)
	}
	return data[e.Offset : e.Offset+e.Size], nil
}

// ErrMissingTile is returned when a requested slot was never rendered
// (zero-length), a transient state that storage readers translate into
// "tile absent" rather than exposing it directly.
var ErrMissingTile = fmt.Errorf("metatile: tile slot empty")
