package umi

import (
	"math/rand"
	"testing"

	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/stretchr/testify/assert"
)

type read struct {
	umi   string
	genes []uint32
	n     int
}

func build(reads []read) *Graph {
	g := NewGraph(4)
	for _, r := range reads {
		for i := 0; i < r.n; i++ {
			g.Add(twobit.MustEncode(r.umi), r.genes)
		}
	}
	return g
}

func mol(umi string, reads int, genes ...uint32) Molecule {
	return Molecule{UMI: twobit.MustEncode(umi), Genes: genes, Reads: reads}
}

func TestMolecules(t *testing.T) {
	tests := []struct {
		name     string
		reads    []read
		collapse bool
		want     []Molecule
	}{
		{"exact duplicates", []read{{"ACGT", []uint32{1}, 3}}, false,
			[]Molecule{mol("ACGT", 3, 1)}},
		{"intersecting sets merge", []read{{"ACGT", []uint32{1, 2}, 2}, {"ACGT", []uint32{2, 3}, 1}}, false,
			[]Molecule{mol("ACGT", 3, 2)}},
		{"disjoint sets stay apart", []read{{"ACGT", []uint32{1}, 2}, {"ACGT", []uint32{2}, 1}}, false,
			[]Molecule{mol("ACGT", 2, 1), mol("ACGT", 1, 2)}},
		{"no collapse", []read{{"AAAA", []uint32{1}, 10}, {"AAAT", []uint32{1}, 2}}, false,
			[]Molecule{mol("AAAA", 10, 1), mol("AAAT", 2, 1)}},
		{"collapse low count neighbour", []read{{"AAAA", []uint32{1}, 10}, {"AAAT", []uint32{1}, 2}}, true,
			[]Molecule{mol("AAAA", 12, 1)}},
		{"similar counts do not collapse", []read{{"AAAA", []uint32{1}, 3}, {"AAAT", []uint32{1}, 3}}, true,
			[]Molecule{mol("AAAA", 3, 1), mol("AAAT", 3, 1)}},
		{"collapse needs shared genes", []read{{"AAAA", []uint32{1}, 10}, {"AAAT", []uint32{2}, 1}}, true,
			[]Molecule{mol("AAAA", 10, 1), mol("AAAT", 1, 2)}},
		{"distance two never collapses", []read{{"AAAA", []uint32{1}, 10}, {"AATT", []uint32{1}, 1}}, true,
			[]Molecule{mol("AAAA", 10, 1), mol("AATT", 1, 1)}},
		{"collapse narrows genes", []read{{"AAAA", []uint32{1, 2}, 9}, {"AAAC", []uint32{2, 5}, 1}}, true,
			[]Molecule{mol("AAAA", 10, 2)}},
		{"empty gene sets ignored", []read{{"AAAA", nil, 4}}, true, []Molecule{}},
	}
	for _, test := range tests {
		got := build(test.reads).Molecules(test.collapse)
		assert.Equal(t, test.want, got, test.name)
	}
}

func TestMoleculesOrderIndependent(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	var reads []read
	for i := 0; i < 300; i++ {
		umi := twobit.Decode(twobit.Seq(r.Intn(64)), 4)
		genes := []uint32{uint32(r.Intn(4))}
		if r.Intn(3) == 0 {
			genes = append(genes, genes[0]+1+uint32(r.Intn(3)))
		}
		reads = append(reads, read{umi, genes, 1 + r.Intn(5)})
	}
	want := build(reads).Molecules(true)
	total := 0
	for _, m := range want {
		total += m.Reads
		assert.NotEmpty(t, m.Genes)
	}
	nreads := 0
	for _, rd := range reads {
		nreads += rd.n
	}
	assert.Equal(t, nreads, total)

	for i := 0; i < 5; i++ {
		r.Shuffle(len(reads), func(i, j int) { reads[i], reads[j] = reads[j], reads[i] })
		assert.Equal(t, want, build(reads).Molecules(true))
	}
}
