package main

import (
	"flag"
	"runtime"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/cellfilter"
	"github.com/grailbio/scquant/collate"
	"github.com/grailbio/scquant/encoding/rad"
	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/grailbio/scquant/pipeline"
	"github.com/grailbio/scquant/quant"
)

// optsFlags holds the flag values shared by the subcommands. Each group of
// options is applied only if the subcommand registered its flags, which is
// detected by the group's enumerated flag being non-empty.
type optsFlags struct {
	orientation string

	mode            string
	minBarcodes     int
	minKneeDistance float64
	fallbackCells   int
	forceCells      int
	expectCells     int
	minFreq         uint64
	knownList       string
	permitList      string

	maxDistance int
	tieBreak    string

	memoryBudget int64
	partitions   int
	unmapped     string
	noCompress   bool
	tmpDir       string

	strategy   string
	emMaxIters int
	emEpsilon  float64
	noCollapse bool

	geneMap     string
	gzip        bool
	queueSize   int
	parallelism int
}

func addPermitFlags(fs *flag.FlagSet, f *optsFlags) {
	d := pipeline.DefaultOpts
	fs.StringVar(&f.orientation, "orientation", d.Orientation.String(), "Alignment orientation to keep: fw, rc or both")
	fs.StringVar(&f.mode, "mode", d.Permit.Mode.String(),
		"Permit set selection: knee, max-drop, force-cells, expect-cells, min-freq or known-list")
	fs.IntVar(&f.minBarcodes, "min-barcodes", d.Permit.MinBarcodes, "Fewest distinct barcodes the knee and max-drop modes accept")
	fs.Float64Var(&f.minKneeDistance, "min-knee-distance", d.Permit.MinKneeDistance,
		"Smallest log10 knee distance that counts as a knee")
	fs.IntVar(&f.fallbackCells, "fallback-cells", d.Permit.FallbackCells,
		"Barcodes kept when no knee is found; 0 keeps all")
	fs.IntVar(&f.forceCells, "force-cells", d.Permit.ForceCells, "Barcodes kept in force-cells mode")
	fs.IntVar(&f.expectCells, "expect-cells", d.Permit.ExpectCells, "Expected number of cells in expect-cells mode")
	fs.Uint64Var(&f.minFreq, "min-freq", d.Permit.MinFreq, "Minimum read count in min-freq and known-list modes")
	fs.StringVar(&f.knownList, "known-list", "", "Candidate barcodes for known-list mode, one per line")
}

func addCollateFlags(fs *flag.FlagSet, f *optsFlags) {
	d := pipeline.DefaultOpts
	addPermitFlags(fs, f)
	fs.StringVar(&f.permitList, "permit-list", "",
		"Use this permit list instead of selecting one from the input")
	fs.IntVar(&f.maxDistance, "max-distance", d.Correct.MaxDistance,
		"Largest Hamming distance at which a barcode is corrected")
	fs.StringVar(&f.tieBreak, "tie-break", d.Correct.TieBreak.String(),
		"Resolution of equidistant correction candidates: frequency or discard")
	fs.Int64Var(&f.memoryBudget, "memory-budget", d.Collate.MemoryBudget,
		"Bytes of records buffered in memory before spilling to disk")
	fs.IntVar(&f.partitions, "partitions", d.Collate.Partitions, "Number of collation partitions")
	fs.StringVar(&f.unmapped, "unmapped", d.Collate.Unmapped.String(),
		"Handling of uncorrectable barcodes: discard or separate-bucket")
	fs.BoolVar(&f.noCompress, "no-compress-tmp", false, "Do not snappy-compress spill files")
	fs.StringVar(&f.tmpDir, "tmp-dir", "", "Directory for spill files")
	fs.IntVar(&f.parallelism, "parallelism", runtime.NumCPU(), "Number of worker goroutines")
}

func addQuantFlags(fs *flag.FlagSet, f *optsFlags) {
	d := pipeline.DefaultOpts
	fs.StringVar(&f.strategy, "resolution", d.Quant.Strategy.String(), "UMI resolution strategy: trivial, cr-like or em")
	fs.IntVar(&f.emMaxIters, "em-max-iters", d.Quant.EMMaxIters, "Maximum EM rounds per cell")
	fs.Float64Var(&f.emEpsilon, "em-epsilon", d.Quant.EMEpsilon, "EM convergence threshold")
	fs.BoolVar(&f.noCollapse, "no-umi-collapse", false, "Do not merge UMIs one substitution apart")
	fs.StringVar(&f.geneMap, "gene-map", "", "Two-column TSV mapping targets to genes; by default each target is a gene")
	fs.BoolVar(&f.gzip, "gzip", d.Matrix.Gzip, "Write matrix.mtx.gz")
	fs.IntVar(&f.queueSize, "queue-size", d.Matrix.QueueSize, "Completed cells buffered ahead of the matrix writer")
	if fs.Lookup("parallelism") == nil {
		fs.IntVar(&f.parallelism, "parallelism", runtime.NumCPU(), "Number of worker goroutines")
	}
}

// opts converts the flag values into pipeline options.
func (f *optsFlags) opts() (pipeline.Opts, error) {
	var err error
	opts := pipeline.DefaultOpts
	if f.orientation != "" {
		if opts.Orientation, err = rad.ParseOrientation(f.orientation); err != nil {
			return opts, err
		}
	}
	if f.mode != "" {
		if opts.Permit.Mode, err = cellfilter.ParseMode(f.mode); err != nil {
			return opts, err
		}
		opts.Permit.MinBarcodes = f.minBarcodes
		opts.Permit.MinKneeDistance = f.minKneeDistance
		opts.Permit.FallbackCells = f.fallbackCells
		opts.Permit.ForceCells = f.forceCells
		opts.Permit.ExpectCells = f.expectCells
		opts.Permit.MinFreq = f.minFreq
	}
	if f.knownList != "" {
		known, err := barcode.ReadPermitList(vcontext.Background(), f.knownList)
		if err != nil {
			return opts, err
		}
		opts.Permit.Known = make([]twobit.Seq, known.Len())
		for i := range opts.Permit.Known {
			opts.Permit.Known[i] = known.Entry(barcode.ID(i)).Barcode
		}
	}
	opts.PermitListPath = f.permitList

	if f.tieBreak != "" {
		opts.Correct.MaxDistance = f.maxDistance
		if opts.Correct.TieBreak, err = barcode.ParseTieBreak(f.tieBreak); err != nil {
			return opts, err
		}
	}
	if f.unmapped != "" {
		if opts.Collate.Unmapped, err = collate.ParseUnmappedPolicy(f.unmapped); err != nil {
			return opts, err
		}
		opts.Collate.MemoryBudget = f.memoryBudget
		opts.Collate.Partitions = f.partitions
		opts.Collate.NoCompressTmpFiles = f.noCompress
		opts.Collate.TmpDir = f.tmpDir
	}
	if f.strategy != "" {
		if opts.Quant.Strategy, err = quant.ParseStrategy(f.strategy); err != nil {
			return opts, err
		}
		opts.Quant.EMMaxIters = f.emMaxIters
		opts.Quant.EMEpsilon = f.emEpsilon
		opts.Quant.CollapseUMIs = !f.noCollapse
		opts.Matrix.Gzip = f.gzip
		opts.Matrix.QueueSize = f.queueSize
		opts.GeneMapPath = f.geneMap
	}
	opts.Parallelism = f.parallelism
	return opts, nil
}
