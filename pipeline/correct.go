package pipeline

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/collate"
	"github.com/grailbio/scquant/encoding/rad"
	"golang.org/x/sync/errgroup"
)

type indexedChunk struct {
	idx   int
	chunk rad.Chunk
}

// correctAndCollate reads the RAD file at inPath, corrects every barcode
// against permit, and feeds the records to a collator. It returns the
// collator ready for Finish. On error the collator has been aborted.
func correctAndCollate(ctx context.Context, inPath string, permit *barcode.PermitSet, opts Opts, diag *Diagnostics) (*collate.Collator, *rad.Header, error) {
	in, err := rad.Open(ctx, inPath)
	if err != nil {
		return nil, nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	header := *in.Header()
	if header.BarcodeLen != permit.BarcodeLen() {
		return nil, nil, fmt.Errorf("%s: barcodes have %d bases, permit list barcodes have %d",
			inPath, header.BarcodeLen, permit.BarcodeLen())
	}
	corrector := barcode.NewCorrector(permit, opts.Correct)
	c := collate.NewCollator(opts.Collate)

	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan indexedChunk, opts.parallelism())
	g.Go(func() error {
		defer close(chunks)
		for i := 0; in.Scan(); i++ {
			select {
			case chunks <- indexedChunk{i, in.Chunk()}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return in.Err()
	})
	g.Go(func() error {
		return traverse.Each(opts.parallelism(), func(int) error {
			for ic := range chunks {
				var stats CorrectionStats
				for j := range ic.chunk.Records {
					rec := ic.chunk.Records[j].Filter(opts.Orientation)
					stats.Reads++
					if len(rec.Targets) == 0 {
						stats.Incompatible++
						continue
					}
					id, outcome := corrector.Correct(rec.Barcode)
					stats.count(outcome)
					err := c.Add(collate.Record{
						Barcode: id,
						Seq:     uint64(ic.idx)<<32 | uint64(j),
						UMI:     rec.UMI,
						Targets: rec.Targets,
					})
					if err != nil {
						return err
					}
				}
				diag.Correction.add(stats)
				if err := gctx.Err(); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		c.Abort()
		return nil, nil, err
	}
	log.Printf("collate: %d reads, %d exact, %d corrected, %d ambiguous, %d unmatched, %d incompatible",
		diag.Correction.Reads, diag.Correction.Exact, diag.Correction.Corrected,
		diag.Correction.Ambiguous, diag.Correction.NoMatch, diag.Correction.Incompatible)
	return c, &header, nil
}
