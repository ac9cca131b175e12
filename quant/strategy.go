package quant

import (
	"fmt"
	"math"

	"github.com/grailbio/scquant/umi"
)

// Strategy selects how molecules compatible with several genes are counted.
type Strategy int

const (
	// Trivial discards ambiguous molecules.
	Trivial Strategy = iota
	// CRLike assigns an ambiguous molecule to its candidate gene with the most
	// molecules in the bucket. Ties discard the molecule.
	CRLike
	// EM estimates gene abundances by expectation maximization and assigns an
	// ambiguous molecule to its most abundant candidate, ties going to the
	// lowest gene ID.
	EM
)

var strategyNames = []string{"trivial", "cr-like", "em"}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy parses "trivial", "cr-like" or "em".
func ParseStrategy(s string) (Strategy, error) {
	for i, name := range strategyNames {
		if name == s {
			return Strategy(i), nil
		}
	}
	return Trivial, fmt.Errorf("quant: unknown resolution strategy %q", s)
}

// counter accumulates per-gene counts for one bucket.
type counter map[uint32]uint64

func resolveTrivial(mols []umi.Molecule, c counter, d *Diagnostics) {
	for _, m := range mols {
		if len(m.Genes) == 1 {
			c[m.Genes[0]]++
		} else {
			d.DiscardedMolecules++
		}
	}
}

func resolveCRLike(mols []umi.Molecule, c counter, d *Diagnostics) {
	support := map[uint32]int{}
	for _, m := range mols {
		for _, g := range m.Genes {
			support[g]++
		}
	}
	for _, m := range mols {
		if len(m.Genes) == 1 {
			c[m.Genes[0]]++
			continue
		}
		best, bestN, tied := uint32(0), -1, false
		for _, g := range m.Genes {
			switch n := support[g]; {
			case n > bestN:
				best, bestN, tied = g, n, false
			case n == bestN:
				tied = true
			}
		}
		if tied {
			d.DiscardedMolecules++
			continue
		}
		c[best]++
	}
}

// resolveEM runs at most maxIters rounds of EM over the gene abundances,
// stopping once no abundance moves by more than eps. Every molecule is
// counted.
func resolveEM(mols []umi.Molecule, maxIters int, eps float64, c counter, d *Diagnostics) {
	ambiguous := false
	for _, m := range mols {
		if len(m.Genes) > 1 {
			ambiguous = true
			break
		}
	}
	if !ambiguous {
		resolveTrivial(mols, c, d)
		return
	}

	// Dense gene index over the genes present in the bucket.
	index := map[uint32]int{}
	var genes []uint32
	for _, m := range mols {
		for _, g := range m.Genes {
			if _, ok := index[g]; !ok {
				index[g] = len(genes)
				genes = append(genes, g)
			}
		}
	}
	theta := make([]float64, len(genes))
	for i := range theta {
		theta[i] = 1 / float64(len(genes))
	}
	next := make([]float64, len(genes))
	converged := false
	iter := 0
	for iter < maxIters && !converged {
		iter++
		for i := range next {
			next[i] = 0
		}
		for _, m := range mols {
			var z float64
			for _, g := range m.Genes {
				z += theta[index[g]]
			}
			if z == 0 {
				continue
			}
			for _, g := range m.Genes {
				i := index[g]
				next[i] += theta[i] / z
			}
		}
		converged = true
		for i := range next {
			next[i] /= float64(len(mols))
			if math.Abs(next[i]-theta[i]) > eps {
				converged = false
			}
		}
		theta, next = next, theta
	}
	d.EMIterations += uint64(iter)
	if !converged {
		d.NonConvergedBuckets++
	}
	for _, m := range mols {
		best := m.Genes[0]
		for _, g := range m.Genes[1:] {
			if theta[index[g]] > theta[index[best]] {
				best = g
			}
		}
		c[best]++
	}
}
