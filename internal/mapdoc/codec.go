package mapdoc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Codec constants.
const (
	Magic   = "MSDC"
	Version = 1

	// MaxFieldSize caps how many bytes Read will accept for a single
	// variable-length field, protecting against corrupted length prefixes.
	MaxFieldSize = 64 * 1024 * 1024
)

var (
	ErrInvalidMagic   = errors.New("mapdoc: invalid magic number")
	ErrInvalidVersion = errors.New("mapdoc: unsupported version")
	ErrCorrupted      = errors.New("mapdoc: corrupted document data")
)

// Write serializes the document to its stable binary form. The layout is
// deterministic: encoding the same document always yields the same bytes.
func Write(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	writeU32(&buf, Version)

	writeU32(&buf, uint32(len(d.Resources)))
	for _, r := range d.Resources {
		writeString(&buf, r.Name)
		writeBytes(&buf, r.Data)
	}

	writeU32(&buf, uint32(len(d.Groups)))
	for _, g := range d.Groups {
		writeString(&buf, g.Name)
		writeU32(&buf, uint32(len(g.Layers)))
		for _, l := range g.Layers {
			if err := writeLayer(&buf, &l); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func writeLayer(buf *bytes.Buffer, l *Layer) error {
	buf.WriteByte(byte(l.Kind))
	writeString(buf, l.Name)
	switch l.Kind {
	case KindTiles:
		if uint64(l.Width)*uint64(l.Height) != uint64(len(l.Tiles)) {
			return fmt.Errorf("%w: tile layer %q has %d tiles for %dx%d",
				ErrCorrupted, l.Name, len(l.Tiles), l.Width, l.Height)
		}
		writeU32(buf, l.Width)
		writeU32(buf, l.Height)
		for _, t := range l.Tiles {
			buf.WriteByte(t.Index)
			buf.WriteByte(t.Flags)
		}
	case KindQuads:
		writeU32(buf, uint32(len(l.Quads)))
		for _, q := range l.Quads {
			for _, p := range q.Points {
				writeI32(buf, p.X)
				writeI32(buf, p.Y)
			}
			buf.Write([]byte{q.Color.R, q.Color.G, q.Color.B, q.Color.A})
		}
	default:
		return fmt.Errorf("%w: unknown layer kind %d", ErrCorrupted, l.Kind)
	}
	return nil
}

// Read parses a document previously produced by Write.
func Read(data []byte) (*Document, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrCorrupted)
	}
	if string(magic) != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	doc := &Document{}

	resourceCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < resourceCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		data, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		doc.Resources = append(doc.Resources, Resource{Name: name, Data: data})
	}

	groupCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < groupCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		layerCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		g := Group{Name: name}
		for j := uint32(0); j < layerCount; j++ {
			l, err := readLayer(r)
			if err != nil {
				return nil, err
			}
			g.Layers = append(g.Layers, l)
		}
		doc.Groups = append(doc.Groups, g)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, r.Len())
	}
	return doc, nil
}

func readLayer(r *bytes.Reader) (Layer, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Layer{}, fmt.Errorf("%w: short layer", ErrCorrupted)
	}
	name, err := readString(r)
	if err != nil {
		return Layer{}, err
	}
	l := Layer{Kind: LayerKind(kind), Name: name}
	switch l.Kind {
	case KindTiles:
		if l.Width, err = readU32(r); err != nil {
			return Layer{}, err
		}
		if l.Height, err = readU32(r); err != nil {
			return Layer{}, err
		}
		n := uint64(l.Width) * uint64(l.Height)
		if n > MaxFieldSize {
			return Layer{}, fmt.Errorf("%w: tile layer %dx%d too large", ErrCorrupted, l.Width, l.Height)
		}
		l.Tiles = make([]Tile, n)
		raw := make([]byte, n*2)
		if _, err := io.ReadFull(r, raw); err != nil {
			return Layer{}, fmt.Errorf("%w: short tile data", ErrCorrupted)
		}
		for i := range l.Tiles {
			l.Tiles[i] = Tile{Index: raw[i*2], Flags: raw[i*2+1]}
		}
	case KindQuads:
		count, err := readU32(r)
		if err != nil {
			return Layer{}, err
		}
		if uint64(count)*44 > MaxFieldSize {
			return Layer{}, fmt.Errorf("%w: quad count %d too large", ErrCorrupted, count)
		}
		for i := uint32(0); i < count; i++ {
			var q Quad
			for p := range q.Points {
				if q.Points[p].X, err = readI32(r); err != nil {
					return Layer{}, err
				}
				if q.Points[p].Y, err = readI32(r); err != nil {
					return Layer{}, err
				}
			}
			rgba := make([]byte, 4)
			if _, err := io.ReadFull(r, rgba); err != nil {
				return Layer{}, fmt.Errorf("%w: short quad color", ErrCorrupted)
			}
			q.Color = Color{R: rgba[0], G: rgba[1], B: rgba[2], A: rgba[3]}
			l.Quads = append(l.Quads, q)
		}
	default:
		return Layer{}, fmt.Errorf("%w: unknown layer kind %d", ErrCorrupted, kind)
	}
	return l, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI32(buf *bytes.Buffer, v int32) {
	writeU32(buf, uint32(v))
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: short u32", ErrCorrupted)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readI32(r *bytes.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFieldSize {
		return nil, fmt.Errorf("%w: field of %d bytes exceeds maximum", ErrCorrupted, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: short field", ErrCorrupted)
	}
	return b, nil
}
