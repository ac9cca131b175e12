package rad

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/pkg/errors"
)

// ErrTruncated is reported when the input ends in the middle of a header or
// a chunk.
var ErrTruncated = errors.New("rad: truncated input")

// chunkHeaderSize is the size of the (nbytes, nrec) chunk prefix. nbytes
// includes the prefix itself.
const chunkHeaderSize = 8

// Reader reads chunks from a RAD stream.
//
// Example:
//   r, err := rad.NewReader(in)
//   ...
//   for r.Scan() {
//     chunk := r.Chunk()
//     ...
//   }
//   if err := r.Err(); err != nil { ... }
type Reader struct {
	in     *bufio.Reader
	header Header
	nread  uint64
	buf    []byte
	chunk  Chunk
	err    error
}

// NewReader reads the header from in and returns a reader positioned at the
// first chunk.
func NewReader(in io.Reader) (*Reader, error) {
	r := &Reader{in: bufio.NewReaderSize(in, 1<<20)}
	var err error
	if r.header, err = readHeader(r.in); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the file header.
func (r *Reader) Header() *Header { return &r.header }

// Scan reads the next chunk. It returns false at the end of the stream or on
// error.
func (r *Reader) Scan() bool {
	if r.err != nil {
		return false
	}
	if r.header.NumChunks > 0 && r.nread >= r.header.NumChunks {
		return false
	}
	var prefix [chunkHeaderSize]byte
	n, err := io.ReadFull(r.in, prefix[:])
	if err != nil {
		if n == 0 && err == io.EOF && r.header.NumChunks == 0 {
			return false
		}
		r.err = errors.Wrapf(ErrTruncated, "rad: chunk %d header", r.nread)
		return false
	}
	nbytes := binary.LittleEndian.Uint32(prefix[0:4])
	nrec := binary.LittleEndian.Uint32(prefix[4:8])
	if nbytes < chunkHeaderSize {
		r.err = errors.Errorf("rad: chunk %d: invalid size %d", r.nread, nbytes)
		return false
	}
	body := int(nbytes - chunkHeaderSize)
	if cap(r.buf) < body {
		r.buf = make([]byte, body)
	}
	r.buf = r.buf[:body]
	if _, err := io.ReadFull(r.in, r.buf); err != nil {
		r.err = errors.Wrapf(ErrTruncated, "rad: chunk %d body", r.nread)
		return false
	}
	minRecord := 4
	for _, tag := range r.header.ReadTags {
		minRecord += tag.Type.Size()
	}
	if uint64(nrec)*uint64(minRecord) > uint64(body) {
		r.err = errors.Wrapf(ErrTruncated, "rad: chunk %d: %d records in %d bytes", r.nread, nrec, body)
		return false
	}
	r.chunk = Chunk{Records: make([]Record, 0, nrec)}
	p := chunkParser{buf: r.buf, h: &r.header}
	for i := uint32(0); i < nrec; i++ {
		rec, ok := p.record()
		if !ok {
			r.err = errors.Wrapf(ErrTruncated, "rad: chunk %d record %d", r.nread, i)
			return false
		}
		r.chunk.Records = append(r.chunk.Records, rec)
	}
	if len(p.buf) != 0 {
		r.err = errors.Errorf("rad: chunk %d: %d trailing bytes", r.nread, len(p.buf))
		return false
	}
	r.nread++
	return true
}

// Chunk returns the chunk read by the last successful Scan. The caller owns
// the returned records.
func (r *Reader) Chunk() Chunk { return r.chunk }

// NumRead returns the number of chunks read so far.
func (r *Reader) NumRead() uint64 { return r.nread }

// Err returns the first error encountered by Scan.
func (r *Reader) Err() error { return r.err }

type chunkParser struct {
	buf []byte
	h   *Header
}

func (p *chunkParser) uint(t Type) (uint64, bool) {
	n := t.Size()
	if len(p.buf) < n {
		return 0, false
	}
	var v uint64
	switch n {
	case 1:
		v = uint64(p.buf[0])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(p.buf))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(p.buf))
	case 8:
		v = binary.LittleEndian.Uint64(p.buf)
	}
	p.buf = p.buf[n:]
	return v, true
}

func (p *chunkParser) record() (Record, bool) {
	naln, ok := p.uint(TypeU32)
	if !ok {
		return Record{}, false
	}
	var rec Record
	var v uint64
	if v, ok = p.uint(p.h.BarcodeType); !ok {
		return rec, false
	}
	rec.Barcode = twobit.Seq(v)
	if v, ok = p.uint(p.h.UMIType); !ok {
		return rec, false
	}
	rec.UMI = twobit.Seq(v)
	for _, tag := range p.h.ReadTags[2:] {
		if _, ok = p.uint(tag.Type); !ok {
			return rec, false
		}
	}
	if naln*4 > uint64(len(p.buf)) {
		return rec, false
	}
	rec.Targets = make([]uint32, naln)
	rec.Forward = make([]bool, naln)
	for i := range rec.Targets {
		if v, ok = p.uint(TypeU32); !ok {
			return rec, false
		}
		rec.Targets[i], rec.Forward[i] = decodeAlignment(uint32(v))
		for _, tag := range p.h.AlnTags[1:] {
			if _, ok = p.uint(tag.Type); !ok {
				return rec, false
			}
		}
	}
	return rec, true
}
