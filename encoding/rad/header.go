package rad

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Type is the type id of a tag value.
type Type uint8

// Tag value types.
const (
	TypeBool Type = 0
	TypeU8   Type = 1
	TypeU16  Type = 2
	TypeU32  Type = 3
	TypeU64  Type = 4
	TypeF32  Type = 5
	TypeF64  Type = 6
)

// Size returns the encoded size of a value of type t, or 0 if t is unknown.
func (t Type) Size() int {
	switch t {
	case TypeBool, TypeU8:
		return 1
	case TypeU16:
		return 2
	case TypeU32, TypeF32:
		return 4
	case TypeU64, TypeF64:
		return 8
	}
	return 0
}

// IsInt reports whether t is one of the unsigned integer types.
func (t Type) IsInt() bool {
	return t >= TypeU8 && t <= TypeU64
}

func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeU8:
		return "u8"
	case TypeU16:
		return "u16"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeF32:
		return "f32"
	case TypeF64:
		return "f64"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// TypeForBases returns the narrowest integer type holding an n-base 2-bit
// packed sequence.
func TypeForBases(n int) Type {
	switch bits := 2 * n; {
	case bits <= 8:
		return TypeU8
	case bits <= 16:
		return TypeU16
	case bits <= 32:
		return TypeU32
	}
	return TypeU64
}

// TagDesc describes one tag: a name and a value type.
type TagDesc struct {
	Name string
	Type Type
}

// Well-known tag names.
const (
	TagBarcodeLen = "cblen"
	TagUMILen     = "ulen"
	TagBarcode    = "b"
	TagUMI        = "u"
	TagAlignment  = "compressed_ori_refid"
)

// Header is the preamble of a RAD file.
type Header struct {
	Paired   bool
	RefNames []string
	// NumChunks is the number of chunks that follow. Zero means the count is
	// unknown and the reader stops at EOF.
	NumChunks uint64

	FileTags []TagDesc
	ReadTags []TagDesc
	AlnTags  []TagDesc
	// FileTagValues holds one value per FileTags entry.
	FileTagValues []uint64

	// Derived from the tags above.
	BarcodeLen  int
	UMILen      int
	BarcodeType Type
	UMIType     Type
}

// NewHeader returns a header with the standard tag layout for the given
// reference names and barcode/UMI lengths.
func NewHeader(refNames []string, barcodeLen, umiLen int) Header {
	h := Header{
		RefNames: refNames,
		FileTags: []TagDesc{{TagBarcodeLen, TypeU16}, {TagUMILen, TypeU16}},
		ReadTags: []TagDesc{
			{TagBarcode, TypeForBases(barcodeLen)},
			{TagUMI, TypeForBases(umiLen)},
		},
		AlnTags:       []TagDesc{{TagAlignment, TypeU32}},
		FileTagValues: []uint64{uint64(barcodeLen), uint64(umiLen)},
		BarcodeLen:    barcodeLen,
		UMILen:        umiLen,
	}
	h.BarcodeType, h.UMIType = h.ReadTags[0].Type, h.ReadTags[1].Type
	return h
}

// derive fills the derived fields from the tag sections.
func (h *Header) derive() error {
	if len(h.ReadTags) < 2 {
		return fmt.Errorf("rad: need barcode and UMI read tags, found %d read tags", len(h.ReadTags))
	}
	h.BarcodeType, h.UMIType = h.ReadTags[0].Type, h.ReadTags[1].Type
	if !h.BarcodeType.IsInt() || !h.UMIType.IsInt() {
		return fmt.Errorf("rad: barcode/UMI tags must be integers, found %v/%v", h.BarcodeType, h.UMIType)
	}
	if len(h.AlnTags) == 0 || h.AlnTags[0].Type != TypeU32 {
		return fmt.Errorf("rad: first alignment tag must be u32, found %+v", h.AlnTags)
	}
	if len(h.FileTagValues) != len(h.FileTags) {
		return fmt.Errorf("rad: %d file tags but %d values", len(h.FileTags), len(h.FileTagValues))
	}
	for i, tag := range h.FileTags {
		switch tag.Name {
		case TagBarcodeLen:
			h.BarcodeLen = int(h.FileTagValues[i])
		case TagUMILen:
			h.UMILen = int(h.FileTagValues[i])
		}
	}
	if h.BarcodeLen <= 0 || h.BarcodeLen > 32 || h.UMILen <= 0 || h.UMILen > 32 {
		return fmt.Errorf("rad: invalid barcode/UMI length %d/%d", h.BarcodeLen, h.UMILen)
	}
	return nil
}

// byteReader reads little-endian values and remembers the first error.
type byteReader struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (b *byteReader) read(n int) []byte {
	if b.err != nil {
		return b.buf[:n]
	}
	if _, err := io.ReadFull(b.r, b.buf[:n]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = ErrTruncated
		}
		b.err = err
	}
	return b.buf[:n]
}

func (b *byteReader) u8() uint8   { return b.read(1)[0] }
func (b *byteReader) u16() uint16 { return binary.LittleEndian.Uint16(b.read(2)) }
func (b *byteReader) u64() uint64 { return binary.LittleEndian.Uint64(b.read(8)) }

func (b *byteReader) value(t Type) uint64 {
	switch t.Size() {
	case 1:
		return uint64(b.u8())
	case 2:
		return uint64(b.u16())
	case 4:
		return uint64(binary.LittleEndian.Uint32(b.read(4)))
	case 8:
		return b.u64()
	}
	if b.err == nil {
		b.err = fmt.Errorf("rad: unknown type id %d", t)
	}
	return 0
}

func (b *byteReader) str() string {
	n := int(b.u16())
	if b.err != nil {
		return ""
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(b.r, s); err != nil {
		b.err = ErrTruncated
	}
	return string(s)
}

func (b *byteReader) tags() []TagDesc {
	n := int(b.u16())
	var tags []TagDesc
	for i := 0; i < n && b.err == nil; i++ {
		name := b.str()
		tags = append(tags, TagDesc{Name: name, Type: Type(b.u8())})
	}
	return tags
}

// readHeader parses the header, tag sections and file-level tag values.
func readHeader(r io.Reader) (Header, error) {
	b := byteReader{r: r}
	var h Header
	h.Paired = b.u8() != 0
	nrefs := b.u64()
	for i := uint64(0); i < nrefs && b.err == nil; i++ {
		h.RefNames = append(h.RefNames, b.str())
	}
	h.NumChunks = b.u64()
	h.FileTags = b.tags()
	h.ReadTags = b.tags()
	h.AlnTags = b.tags()
	for _, tag := range h.FileTags {
		h.FileTagValues = append(h.FileTagValues, b.value(tag.Type))
	}
	if b.err != nil {
		return h, errors.Wrap(b.err, "rad: reading header")
	}
	return h, h.derive()
}

func putStr(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func putValue(buf []byte, t Type, v uint64) []byte {
	switch t.Size() {
	case 1:
		return append(buf, uint8(v))
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return binary.LittleEndian.AppendUint64(buf, v)
}

func putTags(buf []byte, tags []TagDesc) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(tags)))
	for _, tag := range tags {
		buf = putStr(buf, tag.Name)
		buf = append(buf, uint8(tag.Type))
	}
	return buf
}

func (h *Header) marshal() []byte {
	var buf []byte
	if h.Paired {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(h.RefNames)))
	for _, name := range h.RefNames {
		buf = putStr(buf, name)
	}
	buf = binary.LittleEndian.AppendUint64(buf, h.NumChunks)
	buf = putTags(buf, h.FileTags)
	buf = putTags(buf, h.ReadTags)
	buf = putTags(buf, h.AlnTags)
	for i, tag := range h.FileTags {
		buf = putValue(buf, tag.Type, h.FileTagValues[i])
	}
	return buf
}
