package rad

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Writer writes a RAD stream: the header, then one chunk per Write call.
type Writer struct {
	out     *bufio.Writer
	header  Header
	buf     []byte
	nchunks uint64
	err     error
}

// NewWriter writes the header to out. If header.NumChunks is nonzero, the
// caller must write exactly that many chunks.
func NewWriter(out io.Writer, header Header) (*Writer, error) {
	if err := header.derive(); err != nil {
		return nil, err
	}
	w := &Writer{out: bufio.NewWriterSize(out, 1<<20), header: header}
	if _, err := w.out.Write(header.marshal()); err != nil {
		return nil, errors.Wrap(err, "rad: writing header")
	}
	return w, nil
}

// Header returns the header being written.
func (w *Writer) Header() *Header { return &w.header }

// Write appends records as one chunk.
func (w *Writer) Write(records []Record) error {
	if w.err != nil {
		return w.err
	}
	buf := w.buf[:0]
	buf = append(buf, make([]byte, chunkHeaderSize)...)
	for _, rec := range records {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Targets)))
		buf = putValue(buf, w.header.BarcodeType, uint64(rec.Barcode))
		buf = putValue(buf, w.header.UMIType, uint64(rec.UMI))
		for _, tag := range w.header.ReadTags[2:] {
			buf = putValue(buf, tag.Type, 0)
		}
		for i, t := range rec.Targets {
			buf = binary.LittleEndian.AppendUint32(buf, encodeAlignment(t, rec.Forward[i]))
			for _, tag := range w.header.AlnTags[1:] {
				buf = putValue(buf, tag.Type, 0)
			}
		}
	}
	if len(buf) > math.MaxUint32 {
		w.err = errors.Errorf("rad: chunk of %d bytes is too large", len(buf))
		return w.err
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(records)))
	w.buf = buf
	if _, err := w.out.Write(buf); err != nil {
		w.err = errors.Wrapf(err, "rad: writing chunk %d", w.nchunks)
		return w.err
	}
	w.nchunks++
	return nil
}

// NumWritten returns the number of chunks written so far.
func (w *Writer) NumWritten() uint64 { return w.nchunks }

// Flush flushes buffered data to the underlying writer. It reports an error
// if the header promised a different number of chunks.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if n := w.header.NumChunks; n > 0 && n != w.nchunks {
		return errors.Errorf("rad: header declares %d chunks, wrote %d", n, w.nchunks)
	}
	return w.out.Flush()
}
