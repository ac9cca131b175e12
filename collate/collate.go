// Package collate regroups barcode-corrected records so that all records of
// one barcode form a single contiguous bucket, using bounded memory.
//
// Records are hashed by corrected barcode into partitions. Each partition
// buffers records in memory; once its share of the memory budget is used the
// buffer is sorted by (barcode, input order) and appended as a run to a spill
// file owned by that partition alone. Finish merges every run and the
// in-memory remainders N-way, yielding buckets in barcode ID order.
package collate

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/encoding/twobit"
	"v.io/x/lib/vlog"
)

// DefaultMemoryBudget is the default value of Opts.MemoryBudget.
const DefaultMemoryBudget = 1 << 30

// DefaultPartitions is the default value of Opts.Partitions.
const DefaultPartitions = 16

// UnmappedPolicy says what happens to records whose barcode could not be
// corrected.
type UnmappedPolicy int

const (
	// DiscardUnmapped drops unresolvable records and counts them.
	DiscardUnmapped UnmappedPolicy = iota
	// SeparateBucket collects unresolvable records into one bucket with
	// barcode.Unresolvable, emitted after all cell buckets.
	SeparateBucket
)

// ParseUnmappedPolicy parses "discard" or "separate-bucket".
func ParseUnmappedPolicy(s string) (UnmappedPolicy, error) {
	switch s {
	case "", "discard":
		return DiscardUnmapped, nil
	case "separate-bucket":
		return SeparateBucket, nil
	}
	return DiscardUnmapped, fmt.Errorf("collate: unknown unmapped policy %q", s)
}

func (p UnmappedPolicy) String() string {
	if p == SeparateBucket {
		return "separate-bucket"
	}
	return "discard"
}

// Opts controls a Collator.
type Opts struct {
	// MemoryBudget bounds the bytes of records buffered in memory across all
	// partitions. If <= 0, DefaultMemoryBudget is used.
	MemoryBudget int64
	// Partitions is the number of hash partitions. Spills of different
	// partitions run concurrently. If <= 0, DefaultPartitions is used.
	Partitions int
	// Unmapped selects the handling of unresolvable records.
	Unmapped UnmappedPolicy
	// NoCompressTmpFiles, if false (default), compresses spill runs using
	// snappy.
	NoCompressTmpFiles bool
	// TmpDir is the directory for spill files. "" means the system default.
	TmpDir string
}

// Record is a record whose barcode has been corrected.
type Record struct {
	// Barcode is the permit set ID, or barcode.Unresolvable.
	Barcode barcode.ID
	// Seq is the record's position in the input. It orders records within a
	// bucket and must be unique.
	Seq     uint64
	UMI     twobit.Seq
	Targets []uint32
}

// Bucket holds every record of one corrected barcode, in input order.
type Bucket struct {
	Barcode barcode.ID
	Records []Record
}

// Stats counts collation activity.
type Stats struct {
	// Records is the number of records added, including discarded ones.
	Records uint64
	// Discarded is the number of unresolvable records dropped.
	Discarded uint64
	// Runs is the number of runs spilled to disk.
	Runs uint64
	// SpilledBytes is the size of all spill files.
	SpilledBytes uint64
	// Buckets is the number of buckets produced by Finish.
	Buckets uint64
}

// SpillError reports a failure to write or read a spill file. The whole
// collation must be retried.
type SpillError struct {
	Partition int
	Op        string
	Err       error
}

func (e *SpillError) Error() string {
	return fmt.Sprintf("collate: partition %d: spill %s: %v", e.Partition, e.Op, e.Err)
}

func (e *SpillError) Unwrap() error { return e.Err }

// Collator groups records into buckets.
//
// Example:
//   c := collate.NewCollator(opts)
//   for ... {
//     if err := c.Add(rec); err != nil { ... }
//   }
//   err := c.Finish(ctx, func(b collate.Bucket) error { ... })
type Collator struct {
	opts       Opts
	partitions []*partition
	err        errors.Once

	nrecords  uint64 // atomic
	ndiscard  uint64 // atomic
	nbuckets  uint64
	finishing int32 // atomic
}

// NewCollator creates a collator.
func NewCollator(opts Opts) *Collator {
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = DefaultMemoryBudget
	}
	if opts.Partitions <= 0 {
		opts.Partitions = DefaultPartitions
	}
	c := &Collator{opts: opts}
	limit := opts.MemoryBudget / int64(opts.Partitions)
	for i := 0; i < opts.Partitions; i++ {
		c.partitions = append(c.partitions, &partition{
			id:       i,
			nparts:   opts.Partitions,
			limit:    limit,
			compress: !opts.NoCompressTmpFiles,
			tmpDir:   opts.TmpDir,
		})
	}
	vlog.VI(1).Infof("New Collator: %+v", opts)
	return c
}

// sortKey orders buckets by barcode ID, with the unresolvable bucket last.
func sortKey(id barcode.ID) uint32 {
	if id == barcode.Unresolvable {
		return math.MaxUint32
	}
	return uint32(id)
}

// compareRecords returns -1, 0, 1 if r0 sorts before, with, or after r1.
func compareRecords(r0, r1 *Record) int {
	k0, k1 := sortKey(r0.Barcode), sortKey(r1.Barcode)
	switch {
	case k0 < k1:
		return -1
	case k0 > k1:
		return 1
	case r0.Seq < r1.Seq:
		return -1
	case r0.Seq > r1.Seq:
		return 1
	}
	return 0
}

func (c *Collator) partitionOf(id barcode.ID) *partition {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))
	return c.partitions[seahash.Sum64(buf[:])%uint64(len(c.partitions))]
}

// Add adds a record. The collator takes ownership of rec.Targets. Add may be
// called concurrently; it must not be called after Finish.
func (c *Collator) Add(rec Record) error {
	if atomic.LoadInt32(&c.finishing) != 0 {
		return fmt.Errorf("collate: Add called after Finish")
	}
	atomic.AddUint64(&c.nrecords, 1)
	if rec.Barcode == barcode.Unresolvable && c.opts.Unmapped == DiscardUnmapped {
		atomic.AddUint64(&c.ndiscard, 1)
		return nil
	}
	if err := c.err.Err(); err != nil {
		return err
	}
	if err := c.partitionOf(rec.Barcode).add(rec); err != nil {
		c.err.Set(err)
		return err
	}
	return nil
}

// Stats returns the current counters.
func (c *Collator) Stats() Stats {
	s := Stats{
		Records:   atomic.LoadUint64(&c.nrecords),
		Discarded: atomic.LoadUint64(&c.ndiscard),
		Buckets:   c.nbuckets,
	}
	for _, p := range c.partitions {
		p.mu.Lock()
		s.Runs += uint64(len(p.runs))
		s.SpilledBytes += uint64(p.off)
		p.mu.Unlock()
	}
	return s
}

// Finish merges all records and calls fn once per bucket, sequentially, in
// barcode ID order (the unresolvable bucket last). It stops at the first
// error returned by fn or on context cancellation. Spill files are removed
// before Finish returns.
func (c *Collator) Finish(ctx context.Context, fn func(Bucket) error) error {
	atomic.StoreInt32(&c.finishing, 1)
	defer c.removeSpills()
	if err := c.err.Err(); err != nil {
		return err
	}
	var sources []runSource
	var wg sync.WaitGroup
	for _, p := range c.partitions {
		wg.Add(1)
		go func(p *partition) {
			defer wg.Done()
			sort.Slice(p.recs, func(i, j int) bool { return compareRecords(&p.recs[i], &p.recs[j]) < 0 })
		}(p)
	}
	wg.Wait()
	for _, p := range c.partitions {
		for _, seg := range p.runs {
			src, err := p.openRun(seg)
			if err != nil {
				return err
			}
			sources = append(sources, src)
		}
		if len(p.recs) > 0 {
			sources = append(sources, &memRun{recs: p.recs})
		}
	}
	vlog.VI(1).Infof("collate: merging %d runs", len(sources))

	var cur Bucket
	emit := func() error {
		if len(cur.Records) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.nbuckets++
		b := cur
		cur = Bucket{}
		return fn(b)
	}
	err := mergeRuns(sources, func(rec Record) error {
		if len(cur.Records) > 0 && rec.Barcode != cur.Barcode {
			if err := emit(); err != nil {
				return err
			}
		}
		cur.Barcode = rec.Barcode
		cur.Records = append(cur.Records, rec)
		return nil
	})
	if err == nil {
		err = emit()
	}
	for _, p := range c.partitions {
		p.recs = nil
	}
	return err
}

// Abort releases spill files without merging. It is needed only when Finish
// is not called.
func (c *Collator) Abort() {
	atomic.StoreInt32(&c.finishing, 1)
	c.removeSpills()
}

func (c *Collator) removeSpills() {
	for _, p := range c.partitions {
		p.remove()
	}
}
