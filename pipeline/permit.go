package pipeline

import (
	"context"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/cellfilter"
	"github.com/grailbio/scquant/encoding/rad"
)

// SelectPermitSet makes a first pass over the RAD file at inPath, counting
// reads per barcode, and selects the permit set per opts.Permit.
func SelectPermitSet(ctx context.Context, inPath string, opts Opts) (*barcode.PermitSet, *PermitStats, error) {
	in, err := rad.Open(ctx, inPath)
	if err != nil {
		return nil, nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	h, hs, err := cellfilter.BuildHistogram(ctx, in, opts.Orientation)
	if err != nil {
		return nil, nil, errors.E(err, "reading", inPath)
	}
	res, err := cellfilter.Select(h, in.Header().BarcodeLen, opts.Permit)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("permit: %d of %d barcodes kept (%v), %d of %d reads compatible",
		res.Permit.Len(), len(res.Ranked), opts.Permit.Mode, hs.CompatibleReads, hs.Reads)
	log.Debug.Printf("permit: rank-count curve\n%s", res.Plot(80, 12))
	return res.Permit, newPermitStats(opts.Permit, hs, res), nil
}

// GeneratePermitList selects the permit set of the RAD file at inPath and
// writes it, with its selection statistics, into outDir.
func GeneratePermitList(ctx context.Context, inPath, outDir string, opts Opts) (*barcode.PermitSet, error) {
	permit, stats, err := SelectPermitSet(ctx, inPath, opts)
	if err != nil {
		return nil, err
	}
	if err = writePermitFiles(ctx, outDir, permit, stats); err != nil {
		return nil, err
	}
	return permit, nil
}

func writePermitFiles(ctx context.Context, outDir string, permit *barcode.PermitSet, stats *PermitStats) error {
	if err := barcode.WritePermitList(ctx, filepath.Join(outDir, PermitListFile), permit); err != nil {
		return err
	}
	if stats == nil {
		return nil
	}
	return WritePermitStats(ctx, filepath.Join(outDir, PermitStatsFile), stats)
}

// loadPermitSet reads opts.PermitListPath if set, and otherwise selects the
// permit set from the input.
func loadPermitSet(ctx context.Context, inPath string, opts Opts) (*barcode.PermitSet, *PermitStats, error) {
	if opts.PermitListPath == "" {
		return SelectPermitSet(ctx, inPath, opts)
	}
	permit, err := barcode.ReadPermitList(ctx, opts.PermitListPath)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("permit: read %d barcodes from %s", permit.Len(), opts.PermitListPath)
	return permit, nil, nil
}
