package quant

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// GeneMap maps reference targets to genes. Gene IDs are dense and assigned in
// order of first appearance.
type GeneMap struct {
	names      []string
	targetGene []uint32
}

// IdentityGeneMap treats every target as its own gene.
func IdentityGeneMap(targets []string) *GeneMap {
	m := &GeneMap{names: append([]string(nil), targets...), targetGene: make([]uint32, len(targets))}
	for i := range m.targetGene {
		m.targetGene[i] = uint32(i)
	}
	return m
}

type t2gRow struct {
	Target string
	Gene   string
}

// ReadGeneMap reads a two-column (target, gene) TSV without a header. Every
// name in targets must be mapped; extra rows are ignored.
func ReadGeneMap(ctx context.Context, path string, targets []string) (m *GeneMap, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "couldn't open gene map", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.Comment = '#'
	geneOf := map[string]string{}
	for {
		var row t2gRow
		if err = r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, "malformed gene map", path)
		}
		geneOf[row.Target] = row.Gene
	}
	err = nil
	m = &GeneMap{targetGene: make([]uint32, len(targets))}
	ids := map[string]uint32{}
	var missing []string
	for i, t := range targets {
		gene, ok := geneOf[t]
		if !ok {
			missing = append(missing, t)
			continue
		}
		id, ok := ids[gene]
		if !ok {
			id = uint32(len(m.names))
			ids[gene] = id
			m.names = append(m.names, gene)
		}
		m.targetGene[i] = id
	}
	if len(missing) > 0 {
		return nil, errors.E(fmt.Sprintf("gene map %s: %d targets unmapped, e.g. %s", path, len(missing), missing[0]))
	}
	return m, nil
}

// NumGenes returns the number of genes.
func (m *GeneMap) NumGenes() int { return len(m.names) }

// NumTargets returns the number of targets.
func (m *GeneMap) NumTargets() int { return len(m.targetGene) }

// Name returns the name of gene g.
func (m *GeneMap) Name(g uint32) string { return m.names[g] }

// Names returns gene names indexed by gene ID. The result must not be
// modified.
func (m *GeneMap) Names() []string { return m.names }

// Genes appends the sorted, distinct genes of targets to buf.
func (m *GeneMap) Genes(targets []uint32, buf []uint32) ([]uint32, error) {
	buf = buf[:0]
	for _, t := range targets {
		if int(t) >= len(m.targetGene) {
			return nil, fmt.Errorf("target %d out of range [0,%d)", t, len(m.targetGene))
		}
		buf = append(buf, m.targetGene[t])
	}
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })
	n := 0
	for i, g := range buf {
		if i == 0 || g != buf[n-1] {
			buf[n] = g
			n++
		}
	}
	return buf[:n], nil
}
