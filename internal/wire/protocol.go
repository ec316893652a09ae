// Package wire implements the fixed-layout command record exchanged
// between the serving frontend (or any CLI client) and the render
// daemon over a stream socket.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Version identifies which of the three wire record layouts a peer speaks.
// v2 adds a trailing mime field, v3 adds a further options field; earlier
// versions are strict prefixes of later ones.
type Version int32

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
)

// Cmd is the command or reply code carried by a record.
type Cmd int32

const (
	CmdIgnore Cmd = iota
	CmdRender
	CmdDirty
	CmdDone
	CmdNotDone
	CmdRenderPrio
	CmdRenderBulk
	CmdRenderLow
)

func (c Cmd) String() string {
	switch c {
	case CmdIgnore:
		return "Ignore"
	case CmdRender:
		return "Render"
	case CmdDirty:
		return "Dirty"
	case CmdDone:
		return "Done"
	case CmdNotDone:
		return "NotDone"
	case CmdRenderPrio:
		return "RenderPrio"
	case CmdRenderBulk:
		return "RenderBulk"
	case CmdRenderLow:
		return "RenderLow"
	default:
		return fmt.Sprintf("Cmd(%d)", int32(c))
	}
}

const (
	styleLen   = 41
	mimeLen    = 41
	optionsLen = 41
)

// Wire sizes of the three fixed-layout records, each padded to 4-byte
// alignment the way the C struct this protocol mirrors would be.
const (
	SizeV1 = 64
	SizeV2 = 108
	SizeV3 = 152
)

// SizeOf returns the on-wire record size for a version, or 0 for an
// unrecognized version — callers must treat 0 as "close the connection".
func SizeOf(v Version) int {
	switch v {
	case V1:
		return SizeV1
	case V2:
		return SizeV2
	case V3:
		return SizeV3
	default:
		return 0
	}
}

// Record is the decoded form of a wire command, regardless of which
// version produced it. Fields unused by the sender's version are zero.
type Record struct {
	Version Version
	Cmd     Cmd
	X, Y, Z int32
	Style   string
	Mime    string
	Options string
}

// layoutV1 mirrors `struct v1 { int32 version,cmd,x,y,z; char style[41]; }`
// padded to 64 bytes.
type layoutV1 struct {
	Version int32
	Cmd     int32
	X, Y, Z int32
	Style   [styleLen]byte
	_       [3]byte // alignment padding
}

type layoutV2 struct {
	layoutV1
	Mime [mimeLen]byte
	_    [3]byte
}

type layoutV3 struct {
	layoutV2
	Options [optionsLen]byte
	_       [3]byte
}

func cstr(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b)
	}
	return string(b[:i])
}

func putCstr(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// Encode writes the record to w using exactly the wire size of r.Version.
// Callers always send one version in full; there is no negotiation.
func Encode(w io.Writer, r Record) error {
	switch r.Version {
	case V1:
		var l layoutV1
		l.Version, l.Cmd, l.X, l.Y, l.Z = int32(r.Version), int32(r.Cmd), r.X, r.Y, r.Z
		putCstr(l.Style[:], r.Style)
		return binary.Write(w, binary.NativeEndian, l)
	case V2:
		var l layoutV2
		l.Version, l.Cmd, l.X, l.Y, l.Z = int32(r.Version), int32(r.Cmd), r.X, r.Y, r.Z
		putCstr(l.Style[:], r.Style)
		putCstr(l.Mime[:], r.Mime)
		return binary.Write(w, binary.NativeEndian, l)
	case V3:
		var l layoutV3
		l.Version, l.Cmd, l.X, l.Y, l.Z = int32(r.Version), int32(r.Cmd), r.X, r.Y, r.Z
		putCstr(l.Style[:], r.Style)
		putCstr(l.Mime[:], r.Mime)
		putCstr(l.Options[:], r.Options)
		return binary.Write(w, binary.NativeEndian, l)
	default:
		return fmt.Errorf("wire: unsupported version %d", r.Version)
	}
}

// Decode reads one record from r. It first reads the v1-sized prefix to
// learn the version, then reads the remaining version-specific bytes.
// An unknown version returns ErrUnknownVersion; callers must close the
// connection rather than try to resynchronize.
func Decode(r io.Reader) (Record, error) {
	var head layoutV1
	if err := binary.Read(r, binary.NativeEndian, &head); err != nil {
		return Record{}, err
	}

	version := Version(head.Version)
	size := SizeOf(version)
	if size == 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownVersion, head.Version)
	}

	out := Record{
		Version: version,
		Cmd:     Cmd(head.Cmd),
		X:       head.X,
		Y:       head.Y,
		Z:       head.Z,
		Style:   cstr(head.Style[:]),
	}
	if version == V1 {
		return out, nil
	}

	rest := make([]byte, size-SizeV1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Record{}, err
	}

	out.Mime = cstr(rest[:mimeLen])
	if version == V2 {
		return out, nil
	}
	out.Options = cstr(rest[mimeLen+3 : mimeLen+3+optionsLen])
	return out, nil
}

// ErrUnknownVersion is returned by Decode when the version field does not
// match any known record layout.
var ErrUnknownVersion = fmt.Errorf("wire: unknown protocol version")
