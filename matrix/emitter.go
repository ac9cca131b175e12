// Package matrix writes per-cell gene counts as a sparse MatrixMarket
// matrix with row and column label files.
//
// Output directory layout:
//
//   matrix.mtx[.gz]       coordinate integer general; rows are cells in
//                         permit set order, columns are genes
//   barcodes.txt          one row label per line
//   genes.txt             one column label per line
//   unmapped_counts.tsv   gene counts of unresolvable barcodes, if collected
//   matrix.hwh            highwayhash-256 of the stored matrix file
//
// Everything is staged in a sibling temporary directory and moved into the
// output directory file by file by Commit, so a failed or canceled run never
// leaves a partial matrix at the output path. Other files in the output
// directory are left alone.
package matrix

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/quant"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/highwayhash"
)

// File names within the output directory.
const (
	MatrixFile   = "matrix.mtx"
	BarcodesFile = "barcodes.txt"
	GenesFile    = "genes.txt"
	UnmappedFile = "unmapped_counts.tsv"
	DigestFile   = "matrix.hwh"

	bodyFile = "matrix.body"
)

// Opts configures an Emitter.
type Opts struct {
	// Gzip compresses the matrix file, which is then named matrix.mtx.gz.
	Gzip bool
	// QueueSize bounds how far ahead of the next expected bucket completed
	// vectors may be buffered. If <= 0, 64 is used.
	QueueSize int
}

// DefaultOpts is the default emitter configuration.
var DefaultOpts = Opts{QueueSize: 64}

var digestKey [32]byte

type entry struct {
	barcode barcode.ID
	vec     quant.GeneCountVector
}

type unmappedRow struct {
	Gene  string `tsv:"gene"`
	Count uint64 `tsv:"count"`
}

// Emitter collects gene count vectors, possibly out of order, and writes them
// in bucket order.
type Emitter struct {
	ctx    context.Context
	opts   Opts
	out    string
	tmp    string
	permit *barcode.PermitSet
	genes  []string

	queue *syncqueue.OrderedQueue
	wg    sync.WaitGroup
	err   errors.Once
	added  int64 // atomic
	maxSeq int64 // atomic
	abort  sync.Once

	// Owned by the writer goroutine.
	body        file.File
	bodyW       *bufio.Writer
	written     int64
	nnz         uint64
	lastID      barcode.ID
	unmapped    quant.GeneCountVector
	hasUnmapped bool
}

// NewEmitter creates an emitter that will commit to the directory outDir.
// Rows are the members of permit; genes are the column labels.
func NewEmitter(ctx context.Context, outDir string, permit *barcode.PermitSet, genes []string, opts Opts) (*Emitter, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOpts.QueueSize
	}
	outDir = filepath.Clean(outDir)
	if err := os.MkdirAll(filepath.Dir(outDir), 0755); err != nil {
		return nil, errors.E(err, "couldn't create parent of", outDir)
	}
	tmp, err := ioutil.TempDir(filepath.Dir(outDir), filepath.Base(outDir)+".tmp")
	if err != nil {
		return nil, errors.E(err, "couldn't create staging directory for", outDir)
	}
	e := &Emitter{
		ctx:    ctx,
		opts:   opts,
		out:    outDir,
		tmp:    tmp,
		permit: permit,
		genes:  genes,
		queue:  syncqueue.NewOrderedQueue(opts.QueueSize),
		lastID: -1,
		maxSeq: -1,
	}
	if e.body, err = file.Create(ctx, filepath.Join(tmp, bodyFile)); err != nil {
		os.RemoveAll(tmp)
		return nil, errors.E(err, "couldn't create matrix body in", tmp)
	}
	e.bodyW = bufio.NewWriterSize(e.body.Writer(ctx), 1<<20)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.writeEntries()
	}()
	return e, nil
}

// Add hands the vector of the seq'th bucket to the emitter. Buckets must be
// numbered 0, 1, 2... in increasing barcode order, with the unresolvable
// bucket, if any, last. Add blocks while seq is too far ahead of the oldest
// missing bucket. It is safe for concurrent use.
func (e *Emitter) Add(seq int, id barcode.ID, vec quant.GeneCountVector) error {
	if err := e.queue.Insert(seq, entry{barcode: id, vec: vec}); err != nil {
		return err
	}
	atomic.AddInt64(&e.added, 1)
	for {
		last := atomic.LoadInt64(&e.maxSeq)
		if int64(seq) <= last || atomic.CompareAndSwapInt64(&e.maxSeq, last, int64(seq)) {
			return nil
		}
	}
}

func (e *Emitter) writeEntries() {
	for {
		v, ok, err := e.queue.Next()
		if err != nil {
			e.err.Set(err)
			return
		}
		if !ok {
			return
		}
		if err := e.write(v.(entry)); err != nil {
			e.err.Set(err)
			e.queue.Close(err)
			return
		}
		e.written++
	}
}

func (e *Emitter) write(ent entry) error {
	if ent.barcode == barcode.Unresolvable {
		if e.hasUnmapped {
			return fmt.Errorf("matrix: unresolvable bucket emitted twice")
		}
		e.unmapped, e.hasUnmapped = ent.vec, true
		return nil
	}
	if ent.barcode <= e.lastID || int(ent.barcode) >= e.permit.Len() || e.hasUnmapped {
		return fmt.Errorf("matrix: barcode %d out of order after %d (%d cells)", ent.barcode, e.lastID, e.permit.Len())
	}
	e.lastID = ent.barcode
	var line []byte
	for i, g := range ent.vec.Genes {
		if int(g) >= len(e.genes) {
			return fmt.Errorf("matrix: gene %d out of range [0,%d)", g, len(e.genes))
		}
		if ent.vec.Counts[i] == 0 {
			continue
		}
		line = strconv.AppendInt(line[:0], int64(ent.barcode)+1, 10)
		line = append(line, ' ')
		line = strconv.AppendUint(line, uint64(g)+1, 10)
		line = append(line, ' ')
		line = strconv.AppendUint(line, ent.vec.Counts[i], 10)
		line = append(line, '\n')
		if _, err := e.bodyW.Write(line); err != nil {
			return err
		}
		e.nnz++
	}
	return nil
}

// Abort discards everything written so far and unblocks pending Adds. It may
// be called more than once, concurrently with Add, or after a failed Commit,
// but not concurrently with Commit.
func (e *Emitter) Abort() {
	e.abort.Do(func() {
		e.queue.Close(fmt.Errorf("matrix: aborted"))
		e.wg.Wait()
		if e.body != nil {
			if err := e.body.Close(e.ctx); err != nil {
				log.Debug.Printf("matrix: close body: %v", err)
			}
			e.body = nil
		}
		if err := os.RemoveAll(e.tmp); err != nil {
			log.Error.Printf("matrix: remove %s: %v", e.tmp, err)
		}
	})
}

// NNZ returns the number of nonzero entries written. It is valid after
// Commit.
func (e *Emitter) NNZ() uint64 { return e.nnz }

// Commit waits for all added vectors, writes the output files, and moves them
// into the output directory, creating it if needed. Output files of a previous
// commit are replaced; other files are kept. Every bucket sequence number up
// to the last one added must have been added. On error the output directory
// is left untouched and the caller should Abort.
func (e *Emitter) Commit() error {
	var gapErr error
	if added, last := atomic.LoadInt64(&e.added), atomic.LoadInt64(&e.maxSeq); added != last+1 {
		gapErr = fmt.Errorf("matrix: %d buckets added but the last is numbered %d; bucket numbers have gaps", added, last)
	}
	qerr := e.queue.Close(gapErr)
	e.wg.Wait()
	if gapErr != nil {
		return gapErr
	}
	if err := e.err.Err(); err != nil {
		return err
	}
	if qerr != nil {
		return qerr
	}
	if added := atomic.LoadInt64(&e.added); e.written != added {
		return fmt.Errorf("matrix: %d of %d buckets were never written", added-e.written, added)
	}
	if err := e.bodyW.Flush(); err != nil {
		return errors.E(err, "matrix: flush body")
	}
	err := e.body.Close(e.ctx)
	e.body = nil
	if err != nil {
		return errors.E(err, "matrix: close body")
	}
	if err := e.writeMatrix(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(e.tmp, bodyFile)); err != nil {
		return err
	}
	if err := e.writeLabels(BarcodesFile, e.permit.Len(), func(i int) string { return e.permit.Name(barcode.ID(i)) }); err != nil {
		return err
	}
	if err := e.writeLabels(GenesFile, len(e.genes), func(i int) string { return e.genes[i] }); err != nil {
		return err
	}
	if e.hasUnmapped {
		if err := e.writeUnmapped(); err != nil {
			return err
		}
	}
	if err := e.moveIntoPlace(); err != nil {
		return err
	}
	log.Printf("matrix: wrote %d x %d matrix with %d entries to %s", e.permit.Len(), len(e.genes), e.nnz, e.out)
	return nil
}

// moveIntoPlace renames the staged files into the output directory. Output
// files of a previous commit that this one does not produce are removed. The
// digest is moved last, so a present digest always describes the matrix next
// to it.
func (e *Emitter) moveIntoPlace() error {
	if err := os.MkdirAll(e.out, 0755); err != nil {
		return errors.E(err, "matrix: couldn't create", e.out)
	}
	if err := os.Remove(filepath.Join(e.out, DigestFile)); err != nil && !os.IsNotExist(err) {
		return errors.E(err, "matrix: couldn't replace", e.out)
	}
	for _, name := range []string{MatrixFile, MatrixFile + ".gz", BarcodesFile, GenesFile, UnmappedFile, DigestFile} {
		staged := filepath.Join(e.tmp, name)
		dst := filepath.Join(e.out, name)
		if _, err := os.Stat(staged); os.IsNotExist(err) {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return errors.E(err, "matrix: couldn't remove stale", dst)
			}
			continue
		}
		if err := os.Rename(staged, dst); err != nil {
			return errors.E(err, "matrix: couldn't commit", dst)
		}
	}
	if err := os.Remove(e.tmp); err != nil {
		log.Error.Printf("matrix: remove %s: %v", e.tmp, err)
	}
	return nil
}

func (e *Emitter) writeMatrix() (err error) {
	name := MatrixFile
	if e.opts.Gzip {
		name += ".gz"
	}
	path := filepath.Join(e.tmp, name)
	out, err := file.Create(e.ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create", path)
	}
	defer file.CloseAndReport(e.ctx, out, &err)
	h, err := highwayhash.New(digestKey[:])
	if err != nil {
		return err
	}
	var (
		w  io.Writer = io.MultiWriter(out.Writer(e.ctx), h)
		gz *gzip.Writer
	)
	if e.opts.Gzip {
		gz = gzip.NewWriter(w)
		w = gz
	}
	bw := bufio.NewWriterSize(w, 1<<20)
	fmt.Fprintf(bw, "%%%%MatrixMarket matrix coordinate integer general\n%%\n%d %d %d\n", e.permit.Len(), len(e.genes), e.nnz)

	bodyPath := filepath.Join(e.tmp, bodyFile)
	body, err := file.Open(e.ctx, bodyPath)
	if err != nil {
		return errors.E(err, "couldn't reopen", bodyPath)
	}
	_, err = io.Copy(bw, body.Reader(e.ctx))
	if cerr := body.Close(e.ctx); err == nil {
		err = cerr
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil && gz != nil {
		err = gz.Close()
	}
	if err != nil {
		return errors.E(err, "couldn't write", path)
	}
	digest := fmt.Sprintf("%x  %s\n", h.Sum(nil), name)
	return ioutil.WriteFile(filepath.Join(e.tmp, DigestFile), []byte(digest), 0644)
}

func (e *Emitter) writeLabels(name string, n int, label func(int) string) (err error) {
	path := filepath.Join(e.tmp, name)
	out, err := file.Create(e.ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create", path)
	}
	defer file.CloseAndReport(e.ctx, out, &err)
	w := tsv.NewWriter(out.Writer(e.ctx))
	for i := 0; i < n; i++ {
		w.WriteString(label(i))
		if err = w.EndLine(); err != nil {
			return errors.E(err, "couldn't write", path)
		}
	}
	return w.Flush()
}

func (e *Emitter) writeUnmapped() (err error) {
	path := filepath.Join(e.tmp, UnmappedFile)
	out, err := file.Create(e.ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create", path)
	}
	defer file.CloseAndReport(e.ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(e.ctx))
	for i, g := range e.unmapped.Genes {
		row := unmappedRow{Gene: e.genes[g], Count: e.unmapped.Counts[i]}
		if err = w.Write(&row); err != nil {
			return errors.E(err, "couldn't write", path)
		}
	}
	return w.Flush()
}
