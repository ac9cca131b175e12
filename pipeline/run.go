package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/collate"
	"github.com/grailbio/scquant/encoding/rad"
	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/grailbio/scquant/matrix"
	"github.com/grailbio/scquant/quant"
	"golang.org/x/sync/errgroup"
)

// CollatedFile is the name of the collated RAD file within a collate
// directory.
const CollatedFile = "collated.rad"

// bucketSource calls emit for every bucket, in barcode ID order.
type bucketSource func(ctx context.Context, emit func(collate.Bucket) error) error

type seqBucket struct {
	seq    int
	bucket collate.Bucket
}

// resolveAndEmit resolves the buckets of src on a pool of workers and hands
// the vectors to e. On error or cancellation e is aborted, which also
// unblocks workers waiting in e.Add.
func resolveAndEmit(ctx context.Context, src bucketSource, resolver *quant.Resolver, e *matrix.Emitter, parallelism int, diag *Diagnostics) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			e.Abort()
		case <-done:
		}
	}()
	fail := func(err error) error {
		if err != nil {
			cancel()
		}
		return err
	}

	var g errgroup.Group
	buckets := make(chan seqBucket, parallelism)
	g.Go(func() error {
		defer close(buckets)
		seq := 0
		return fail(src(ctx, func(b collate.Bucket) error {
			select {
			case buckets <- seqBucket{seq, b}:
				seq++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	})
	g.Go(func() error {
		return fail(traverse.Each(parallelism, func(int) error {
			var local quant.Diagnostics
			defer func() { diag.mergeQuant(local) }()
			for sb := range buckets {
				if err := ctx.Err(); err != nil {
					return err
				}
				vec, d, err := resolver.Resolve(sb.bucket)
				if err != nil {
					return err
				}
				local.Merge(d)
				if err := e.Add(sb.seq, sb.bucket.Barcode, vec); err != nil {
					return err
				}
			}
			return nil
		}))
	})
	err := g.Wait()
	close(done)
	<-watcherDone
	return err
}

func loadGeneMap(ctx context.Context, opts Opts, refNames []string) (*quant.GeneMap, error) {
	if opts.GeneMapPath == "" {
		return quant.IdentityGeneMap(refNames), nil
	}
	return quant.ReadGeneMap(ctx, opts.GeneMapPath, refNames)
}

// quantify resolves every bucket of src and commits the matrix to outDir.
func quantify(ctx context.Context, src bucketSource, header *rad.Header, permit *barcode.PermitSet, outDir string, opts Opts, diag *Diagnostics) error {
	genes, err := loadGeneMap(ctx, opts, header.RefNames)
	if err != nil {
		return err
	}
	e, err := matrix.NewEmitter(ctx, outDir, permit, genes.Names(), opts.Matrix)
	if err != nil {
		return err
	}
	resolver := quant.NewResolver(genes, header.UMILen, opts.Quant)
	if err = resolveAndEmit(ctx, src, resolver, e, opts.parallelism(), diag); err == nil {
		err = e.Commit()
	}
	if err != nil {
		e.Abort()
		return err
	}
	log.Printf("quant: %d buckets, %d molecules (%d ambiguous, %d discarded) using %v",
		diag.Quant.Buckets, diag.Quant.Molecules, diag.Quant.AmbiguousMolecules,
		diag.Quant.DiscardedMolecules, opts.Quant.Strategy)
	if diag.Quant.NonConvergedBuckets > 0 {
		log.Printf("quant: warning: EM did not converge for %d buckets", diag.Quant.NonConvergedBuckets)
	}
	return nil
}

// Run executes the whole pipeline on the RAD file at inPath and writes the
// matrix, permit list and diagnostics into outDir. The matrix files appear
// only if every stage succeeds.
func Run(ctx context.Context, inPath, outDir string, opts Opts) (*Diagnostics, error) {
	permit, pstats, err := loadPermitSet(ctx, inPath, opts)
	if err != nil {
		return nil, err
	}
	diag := &Diagnostics{Permit: pstats}
	c, header, err := correctAndCollate(ctx, inPath, permit, opts, diag)
	if err != nil {
		return diag, err
	}
	err = quantify(ctx, c.Finish, header, permit, outDir, opts, diag)
	diag.Collate = c.Stats()
	if err != nil {
		c.Abort()
		return diag, err
	}
	if err = writePermitFiles(ctx, outDir, permit, pstats); err != nil {
		return diag, err
	}
	return diag, WriteDiagnostics(ctx, filepath.Join(outDir, DiagnosticsFile), diag)
}

// Collate corrects and collates the RAD file at inPath and writes the result
// into outDir as a RAD file with one chunk per cell, whose barcode field is
// the corrected barcode, together with the permit list. Unresolvable records
// are not written.
func Collate(ctx context.Context, inPath, outDir string, opts Opts) (diag *Diagnostics, err error) {
	permit, pstats, err := loadPermitSet(ctx, inPath, opts)
	if err != nil {
		return nil, err
	}
	diag = &Diagnostics{Permit: pstats}
	c, header, err := correctAndCollate(ctx, inPath, permit, opts, diag)
	if err != nil {
		return diag, err
	}
	outPath := filepath.Join(outDir, CollatedFile)
	w, err := rad.Create(ctx, outPath, rad.NewHeader(header.RefNames, header.BarcodeLen, header.UMILen))
	if err != nil {
		c.Abort()
		return diag, err
	}
	var skipped int
	err = c.Finish(ctx, func(b collate.Bucket) error {
		if b.Barcode == barcode.Unresolvable {
			skipped = len(b.Records)
			return nil
		}
		bc := permit.Entry(b.Barcode).Barcode
		recs := make([]rad.Record, len(b.Records))
		for i, r := range b.Records {
			recs[i] = rad.Record{Barcode: bc, UMI: r.UMI, Targets: r.Targets, Forward: make([]bool, len(r.Targets))}
			for j := range recs[i].Forward {
				recs[i].Forward[j] = true
			}
		}
		return w.Write(recs)
	})
	diag.Collate = c.Stats()
	if cerr := w.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := file.Remove(ctx, outPath); rerr != nil {
			log.Error.Printf("collate: remove %s: %v", outPath, rerr)
		}
		return diag, err
	}
	if skipped > 0 {
		log.Printf("collate: %d unresolvable reads not written to %s", skipped, outPath)
	}
	log.Printf("collate: wrote %d buckets to %s", w.NumWritten(), outPath)
	if err = writePermitFiles(ctx, outDir, permit, pstats); err != nil {
		return diag, err
	}
	return diag, WriteDiagnostics(ctx, filepath.Join(outDir, DiagnosticsFile), diag)
}

// collatedSource yields the chunks of a collated RAD file as buckets. A chunk
// whose records disagree on the barcode, or whose barcode is not in permit or
// does not follow the previous chunk's barcode in permit order, is an error:
// the file was not produced by Collate with this permit list.
func collatedSource(in *rad.FileReader, permit *barcode.PermitSet) bucketSource {
	return func(ctx context.Context, emit func(collate.Bucket) error) error {
		last := barcode.ID(-1)
		for i := 0; in.Scan(); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			recs := in.Chunk().Records
			if len(recs) == 0 {
				continue
			}
			bc := recs[0].Barcode
			id, ok := permit.Lookup(bc)
			if !ok {
				return fmt.Errorf("collated chunk %d: barcode %s is not in the permit list",
					i, barcodeName(bc, permit))
			}
			if id <= last {
				return fmt.Errorf("collated chunk %d: barcode %s is not contiguous (follows %s)",
					i, permit.Name(id), permit.Name(last))
			}
			last = id
			b := collate.Bucket{Barcode: id, Records: make([]collate.Record, len(recs))}
			for j, r := range recs {
				if r.Barcode != bc {
					return fmt.Errorf("collated chunk %d: mixes barcodes %s and %s",
						i, permit.Name(id), barcodeName(r.Barcode, permit))
				}
				b.Records[j] = collate.Record{Barcode: id, Seq: uint64(i)<<32 | uint64(j), UMI: r.UMI, Targets: r.Targets}
			}
			if err := emit(b); err != nil {
				return err
			}
		}
		return in.Err()
	}
}

func barcodeName(bc twobit.Seq, permit *barcode.PermitSet) string {
	return twobit.Decode(bc, permit.BarcodeLen())
}

// Quant resolves the collated RAD file written by Collate into collateDir and
// writes the matrix and diagnostics into outDir.
func Quant(ctx context.Context, collateDir, outDir string, opts Opts) (*Diagnostics, error) {
	permit, err := barcode.ReadPermitList(ctx, filepath.Join(collateDir, PermitListFile))
	if err != nil {
		return nil, err
	}
	in, err := rad.Open(ctx, filepath.Join(collateDir, CollatedFile))
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	diag := &Diagnostics{}
	if err = quantify(ctx, collatedSource(in, permit), in.Header(), permit, outDir, opts, diag); err != nil {
		return diag, err
	}
	return diag, WriteDiagnostics(ctx, filepath.Join(outDir, DiagnosticsFile), diag)
}
