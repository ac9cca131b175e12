package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/cellfilter"
	"github.com/grailbio/scquant/collate"
	"github.com/grailbio/scquant/quant"
)

// Output file names, next to the matrix files.
const (
	PermitListFile  = "permit_list.tsv"
	PermitStatsFile = "permit_stats.tsv"
	DiagnosticsFile = "diagnostics.tsv"
)

// CorrectionStats counts barcode correction outcomes.
type CorrectionStats struct {
	Reads uint64
	// Incompatible reads had no alignment of the requested orientation.
	Incompatible uint64
	Exact        uint64
	Corrected    uint64
	Ambiguous    uint64
	NoMatch      uint64
}

func (s *CorrectionStats) add(o CorrectionStats) {
	atomic.AddUint64(&s.Reads, o.Reads)
	atomic.AddUint64(&s.Incompatible, o.Incompatible)
	atomic.AddUint64(&s.Exact, o.Exact)
	atomic.AddUint64(&s.Corrected, o.Corrected)
	atomic.AddUint64(&s.Ambiguous, o.Ambiguous)
	atomic.AddUint64(&s.NoMatch, o.NoMatch)
}

func (s *CorrectionStats) count(o barcode.Outcome) {
	switch o {
	case barcode.Exact:
		s.Exact++
	case barcode.Corrected:
		s.Corrected++
	case barcode.Ambiguous:
		s.Ambiguous++
	default:
		s.NoMatch++
	}
}

// Diagnostics summarizes a run. It is observational only.
type Diagnostics struct {
	Permit     *PermitStats
	Correction CorrectionStats
	Collate    collate.Stats

	mu    sync.Mutex
	Quant quant.Diagnostics
}

func (d *Diagnostics) mergeQuant(q quant.Diagnostics) {
	d.mu.Lock()
	d.Quant.Merge(q)
	d.mu.Unlock()
}

// PermitStats describes permit set selection.
type PermitStats struct {
	Mode             string `tsv:"mode"`
	Reads            uint64 `tsv:"reads"`
	CompatibleReads  uint64 `tsv:"compatible_reads"`
	DistinctBarcodes int    `tsv:"distinct_barcodes"`
	PermitSize       int    `tsv:"permit_size"`
	MaxAmbiguity     int    `tsv:"max_ambiguity"`
	FellBack         bool   `tsv:"knee_fallback"`
	Warning          string `tsv:"warning"`
}

func newPermitStats(opts cellfilter.Opts, hs cellfilter.HistogramStats, res cellfilter.Result) *PermitStats {
	return &PermitStats{
		Mode:             opts.Mode.String(),
		Reads:            hs.Reads,
		CompatibleReads:  hs.CompatibleReads,
		DistinctBarcodes: len(res.Ranked),
		PermitSize:       res.Permit.Len(),
		MaxAmbiguity:     hs.MaxAmbiguity,
		FellBack:         res.FellBack,
		Warning:          res.Warning,
	}
}

// diagnosticsRow is the single data row of diagnostics.tsv.
type diagnosticsRow struct {
	Reads                 uint64 `tsv:"reads"`
	IncompatibleReads     uint64 `tsv:"incompatible_reads"`
	ExactBarcodes         uint64 `tsv:"exact_barcodes"`
	CorrectedBarcodes     uint64 `tsv:"corrected_barcodes"`
	AmbiguousBarcodes     uint64 `tsv:"ambiguous_barcodes"`
	UnmatchedBarcodes     uint64 `tsv:"unmatched_barcodes"`
	DiscardedUnmapped     uint64 `tsv:"discarded_unmapped_reads"`
	SpillRuns             uint64 `tsv:"spill_runs"`
	SpilledBytes          uint64 `tsv:"spilled_bytes"`
	Buckets               uint64 `tsv:"buckets"`
	ResolvedReads         uint64 `tsv:"resolved_reads"`
	Molecules             uint64 `tsv:"molecules"`
	AmbiguousMolecules    uint64 `tsv:"ambiguous_molecules"`
	DiscardedMolecules    uint64 `tsv:"discarded_molecules"`
	EMIterations          uint64 `tsv:"em_iterations"`
	EMNonConvergedBuckets uint64 `tsv:"em_nonconverged_buckets"`
	KneeFallback          bool   `tsv:"knee_fallback"`
}

func writeRow(ctx context.Context, path string, row interface{}) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(ctx))
	if err = w.Write(row); err != nil {
		return errors.E(err, "couldn't write", path)
	}
	return w.Flush()
}

// WriteDiagnostics writes d as a one-row TSV.
func WriteDiagnostics(ctx context.Context, path string, d *Diagnostics) error {
	row := diagnosticsRow{
		Reads:                 d.Correction.Reads,
		IncompatibleReads:     d.Correction.Incompatible,
		ExactBarcodes:         d.Correction.Exact,
		CorrectedBarcodes:     d.Correction.Corrected,
		AmbiguousBarcodes:     d.Correction.Ambiguous,
		UnmatchedBarcodes:     d.Correction.NoMatch,
		DiscardedUnmapped:     d.Collate.Discarded,
		SpillRuns:             d.Collate.Runs,
		SpilledBytes:          d.Collate.SpilledBytes,
		Buckets:               d.Quant.Buckets,
		ResolvedReads:         d.Quant.Reads,
		Molecules:             d.Quant.Molecules,
		AmbiguousMolecules:    d.Quant.AmbiguousMolecules,
		DiscardedMolecules:    d.Quant.DiscardedMolecules,
		EMIterations:          d.Quant.EMIterations,
		EMNonConvergedBuckets: d.Quant.NonConvergedBuckets,
	}
	if d.Permit != nil {
		row.KneeFallback = d.Permit.FellBack
	}
	return writeRow(ctx, path, &row)
}

// WritePermitStats writes s as a one-row TSV.
func WritePermitStats(ctx context.Context, path string, s *PermitStats) error {
	return writeRow(ctx, path, s)
}
