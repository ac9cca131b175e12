package collate

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"sync"

	"github.com/golang/snappy"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/encoding/twobit"
	"v.io/x/lib/vlog"
)

// recordOverhead approximates the in-memory bytes of a Record beyond its
// targets.
const recordOverhead = 48

// spillHeaderSize is the encoded size of a record's fixed fields:
// barcode u32, seq u64, umi u64, ntargets u32.
const spillHeaderSize = 24

type run struct {
	off, len int64
	n        int
}

// partition owns one in-memory buffer and one spill file. Its mutex
// serializes spills, so the file is only ever appended to by one writer.
type partition struct {
	id, nparts int
	limit      int64
	compress   bool
	tmpDir     string

	mu    sync.Mutex
	recs  []Record
	bytes int64
	f     *os.File
	off   int64
	runs  []run
}

func (p *partition) add(rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	p.bytes += recordOverhead + 4*int64(len(rec.Targets))
	if p.bytes < p.limit {
		return nil
	}
	return p.spillLocked()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (w *countingWriter) Write(data []byte) (int, error) {
	n, err := w.w.Write(data)
	w.n += int64(n)
	return n, err
}

func appendRecord(buf []byte, r *Record) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Barcode))
	buf = binary.LittleEndian.AppendUint64(buf, r.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.UMI))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Targets)))
	for _, t := range r.Targets {
		buf = binary.LittleEndian.AppendUint32(buf, t)
	}
	return buf
}

// spillLocked sorts the buffered records and appends them to the spill file
// as one run. REQUIRES: p.mu is held.
func (p *partition) spillLocked() error {
	sort.Slice(p.recs, func(i, j int) bool { return compareRecords(&p.recs[i], &p.recs[j]) < 0 })
	if p.f == nil {
		f, err := ioutil.TempFile(p.tmpDir, fmt.Sprintf("collate_%04d_of_%04d_", p.id, p.nparts))
		if err != nil {
			return &SpillError{Partition: p.id, Op: "create", Err: err}
		}
		p.f = f
	}
	cw := &countingWriter{w: p.f}
	var (
		w  io.Writer = cw
		sw *snappy.Writer
	)
	if p.compress {
		sw = snappy.NewBufferedWriter(cw)
		w = sw
	}
	bw := bufio.NewWriterSize(w, 1<<16)
	var buf []byte
	for i := range p.recs {
		buf = appendRecord(buf[:0], &p.recs[i])
		if _, err := bw.Write(buf); err != nil {
			return &SpillError{Partition: p.id, Op: "write", Err: err}
		}
	}
	err := bw.Flush()
	if err == nil && sw != nil {
		err = sw.Close()
	}
	if err != nil {
		return &SpillError{Partition: p.id, Op: "write", Err: err}
	}
	p.runs = append(p.runs, run{off: p.off, len: cw.n, n: len(p.recs)})
	p.off += cw.n
	vlog.VI(1).Infof("collate: partition %d spilled run %d: %d records, %d bytes",
		p.id, len(p.runs), len(p.recs), cw.n)
	p.recs = p.recs[:0]
	p.bytes = 0
	return nil
}

func (p *partition) openRun(r run) (runSource, error) {
	var in io.Reader = io.NewSectionReader(p.f, r.off, r.len)
	if p.compress {
		in = snappy.NewReader(in)
	}
	return &fileRun{partition: p.id, in: bufio.NewReaderSize(in, 1<<16), remaining: r.n}, nil
}

func (p *partition) remove() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return
	}
	name := p.f.Name()
	if err := p.f.Close(); err != nil {
		vlog.Errorf("collate: close %s: %v", name, err)
	}
	if err := os.Remove(name); err != nil {
		vlog.Errorf("collate: remove %s: %v", name, err)
	}
	p.f = nil
}

// runSource yields the records of one sorted run.
type runSource interface {
	// scan advances to the next record. It returns false at the end of the run
	// or on error.
	scan() bool
	record() *Record
	err() error
}

type memRun struct {
	recs []Record
	pos  int
}

func (r *memRun) scan() bool {
	if r.pos >= len(r.recs) {
		return false
	}
	r.pos++
	return true
}

func (r *memRun) record() *Record { return &r.recs[r.pos-1] }
func (r *memRun) err() error      { return nil }

type fileRun struct {
	partition int
	in        *bufio.Reader
	remaining int
	cur       Record
	e         error
	hdr       [spillHeaderSize]byte
}

func (r *fileRun) scan() bool {
	if r.remaining == 0 || r.e != nil {
		return false
	}
	if _, err := io.ReadFull(r.in, r.hdr[:]); err != nil {
		r.e = &SpillError{Partition: r.partition, Op: "read", Err: err}
		return false
	}
	n := binary.LittleEndian.Uint32(r.hdr[20:])
	rec := Record{
		Barcode: barcode.ID(int32(binary.LittleEndian.Uint32(r.hdr[0:]))),
		Seq:     binary.LittleEndian.Uint64(r.hdr[4:]),
		UMI:     twobit.Seq(binary.LittleEndian.Uint64(r.hdr[12:])),
		Targets: make([]uint32, n),
	}
	var b [4]byte
	for i := range rec.Targets {
		if _, err := io.ReadFull(r.in, b[:]); err != nil {
			r.e = &SpillError{Partition: r.partition, Op: "read", Err: err}
			return false
		}
		rec.Targets[i] = binary.LittleEndian.Uint32(b[:])
	}
	r.cur = rec
	r.remaining--
	return true
}

func (r *fileRun) record() *Record { return &r.cur }
func (r *fileRun) err() error      { return r.e }
