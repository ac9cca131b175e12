// Package pipeline runs the quantification stages end to end: permit list
// generation, barcode correction with collation, and per-cell resolution
// into a count matrix.
package pipeline

import (
	"runtime"

	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/cellfilter"
	"github.com/grailbio/scquant/collate"
	"github.com/grailbio/scquant/encoding/rad"
	"github.com/grailbio/scquant/matrix"
	"github.com/grailbio/scquant/quant"
)

// Opts configures every stage.
type Opts struct {
	// Orientation keeps only alignments of the given strand.
	Orientation rad.Orientation
	// Permit configures permit set selection when no permit list is given.
	Permit cellfilter.Opts
	// PermitListPath, if set, is read instead of deriving the permit set
	// from the input.
	PermitListPath string
	Correct        barcode.CorrectOpts
	Collate        collate.Opts
	Quant          quant.Opts
	Matrix         matrix.Opts
	// GeneMapPath is a two-column (target, gene) TSV. If empty, every
	// reference target is its own gene.
	GeneMapPath string
	// Parallelism is the number of correction and resolution workers. If
	// <= 0, runtime.NumCPU() is used.
	Parallelism int
}

// DefaultOpts is the default configuration.
var DefaultOpts = Opts{
	Orientation: rad.Both,
	Permit:      cellfilter.DefaultOpts,
	Correct:     barcode.DefaultCorrectOpts,
	Collate: collate.Opts{
		MemoryBudget: collate.DefaultMemoryBudget,
		Partitions:   collate.DefaultPartitions,
		Unmapped:     collate.DiscardUnmapped,
	},
	Quant:  quant.DefaultOpts,
	Matrix: matrix.DefaultOpts,
}

func (o Opts) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return runtime.NumCPU()
}
