// Package quant turns the records of one cell into per-gene molecule counts.
package quant

import (
	"fmt"
	"sort"

	"github.com/grailbio/scquant/collate"
	"github.com/grailbio/scquant/umi"
)

// Opts configures a Resolver.
type Opts struct {
	Strategy Strategy
	// EMMaxIters bounds EM rounds per bucket.
	EMMaxIters int
	// EMEpsilon is the largest abundance change at which EM is considered
	// converged.
	EMEpsilon float64
	// CollapseUMIs enables merging of UMIs one substitution apart.
	CollapseUMIs bool
}

// DefaultOpts is the default resolution configuration.
var DefaultOpts = Opts{
	Strategy:     CRLike,
	EMMaxIters:   100,
	EMEpsilon:    1e-4,
	CollapseUMIs: true,
}

// Diagnostics counts resolution events. They never affect the counts.
type Diagnostics struct {
	Buckets             uint64 `tsv:"buckets"`
	Reads               uint64 `tsv:"reads"`
	Molecules           uint64 `tsv:"molecules"`
	AmbiguousMolecules  uint64 `tsv:"ambiguous_molecules"`
	DiscardedMolecules  uint64 `tsv:"discarded_molecules"`
	EMIterations        uint64 `tsv:"em_iterations"`
	NonConvergedBuckets uint64 `tsv:"em_nonconverged_buckets"`
}

// Merge adds o into d.
func (d *Diagnostics) Merge(o Diagnostics) {
	d.Buckets += o.Buckets
	d.Reads += o.Reads
	d.Molecules += o.Molecules
	d.AmbiguousMolecules += o.AmbiguousMolecules
	d.DiscardedMolecules += o.DiscardedMolecules
	d.EMIterations += o.EMIterations
	d.NonConvergedBuckets += o.NonConvergedBuckets
}

// GeneCountVector is a sparse vector of molecule counts, sorted by gene.
type GeneCountVector struct {
	Genes  []uint32
	Counts []uint64
}

// Get returns the count of gene g.
func (v GeneCountVector) Get(g uint32) uint64 {
	i := sort.Search(len(v.Genes), func(i int) bool { return v.Genes[i] >= g })
	if i < len(v.Genes) && v.Genes[i] == g {
		return v.Counts[i]
	}
	return 0
}

// Total returns the sum of all counts.
func (v GeneCountVector) Total() uint64 {
	var n uint64
	for _, c := range v.Counts {
		n += c
	}
	return n
}

// Len returns the number of genes with a nonzero count.
func (v GeneCountVector) Len() int { return len(v.Genes) }

func (c counter) vector() GeneCountVector {
	var v GeneCountVector
	for g, n := range c {
		if n > 0 {
			v.Genes = append(v.Genes, g)
		}
	}
	sort.Slice(v.Genes, func(i, j int) bool { return v.Genes[i] < v.Genes[j] })
	v.Counts = make([]uint64, len(v.Genes))
	for i, g := range v.Genes {
		v.Counts[i] = c[g]
	}
	return v
}

// Resolver resolves buckets. It holds no mutable state and may be shared by
// any number of goroutines.
type Resolver struct {
	opts   Opts
	genes  *GeneMap
	umiLen int
}

// NewResolver creates a resolver for UMIs of umiLen bases.
func NewResolver(genes *GeneMap, umiLen int, opts Opts) *Resolver {
	if opts.EMMaxIters <= 0 {
		opts.EMMaxIters = DefaultOpts.EMMaxIters
	}
	if opts.EMEpsilon <= 0 {
		opts.EMEpsilon = DefaultOpts.EMEpsilon
	}
	return &Resolver{opts: opts, genes: genes, umiLen: umiLen}
}

// Molecules deduplicates the records of a bucket.
func (r *Resolver) Molecules(b collate.Bucket) ([]umi.Molecule, error) {
	g := umi.NewGraph(r.umiLen)
	var buf []uint32
	for i := range b.Records {
		rec := &b.Records[i]
		var err error
		if buf, err = r.genes.Genes(rec.Targets, buf); err != nil {
			return nil, fmt.Errorf("barcode %d, record %d: %v", b.Barcode, rec.Seq, err)
		}
		g.Add(rec.UMI, buf)
	}
	return g.Molecules(r.opts.CollapseUMIs), nil
}

// Resolve computes the gene counts of one bucket. An empty bucket yields an
// empty vector. The result depends only on the bucket contents and the
// options.
func (r *Resolver) Resolve(b collate.Bucket) (GeneCountVector, Diagnostics, error) {
	mols, err := r.Molecules(b)
	if err != nil {
		return GeneCountVector{}, Diagnostics{}, err
	}
	d := Diagnostics{Buckets: 1, Reads: uint64(len(b.Records)), Molecules: uint64(len(mols))}
	for _, m := range mols {
		if len(m.Genes) > 1 {
			d.AmbiguousMolecules++
		}
	}
	c := counter{}
	switch r.opts.Strategy {
	case Trivial:
		resolveTrivial(mols, c, &d)
	case CRLike:
		resolveCRLike(mols, c, &d)
	case EM:
		resolveEM(mols, r.opts.EMMaxIters, r.opts.EMEpsilon, c, &d)
	default:
		return GeneCountVector{}, d, fmt.Errorf("quant: unknown strategy %v", r.opts.Strategy)
	}
	return c.vector(), d, nil
}
