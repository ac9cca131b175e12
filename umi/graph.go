// Package umi deduplicates the reads of one cell into molecules.
//
// A Graph is built per barcode bucket. Its nodes are distinct (UMI, gene set)
// pairs carrying a read count. Molecules collapses the graph: nodes sharing a
// UMI whose gene sets intersect are one molecule, and optionally a UMI absorbs
// a Hamming-1 neighbour with far fewer reads, treating the neighbour as a
// sequencing error.
package umi

import (
	"encoding/binary"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/dgryski/go-farm"
	"github.com/grailbio/scquant/encoding/twobit"
)

// Molecule is one deduplicated molecule.
type Molecule struct {
	UMI twobit.Seq
	// Genes is the sorted set of genes the molecule is compatible with.
	Genes []uint32
	// Reads is the number of reads collapsed into the molecule.
	Reads int
}

type nodeKey struct {
	umi  twobit.Seq
	hash uint64
}

type node struct {
	umi   twobit.Seq
	genes *roaring.Bitmap
	count int
}

// Graph accumulates the reads of one bucket. It is not safe for concurrent
// use; each worker builds its own.
type Graph struct {
	umiLen int
	nodes  []*node
	index  map[nodeKey][]*node
	buf    []byte
}

// NewGraph creates an empty graph for UMIs of umiLen bases.
func NewGraph(umiLen int) *Graph {
	return &Graph{umiLen: umiLen, index: map[nodeKey][]*node{}}
}

// Len returns the number of distinct (UMI, gene set) nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Add records one read. genes must be sorted and free of duplicates. Reads
// with no genes are ignored.
func (g *Graph) Add(umi twobit.Seq, genes []uint32) {
	if len(genes) == 0 {
		return
	}
	g.buf = g.buf[:0]
	for _, gene := range genes {
		g.buf = binary.LittleEndian.AppendUint32(g.buf, gene)
	}
	key := nodeKey{umi, farm.Hash64(g.buf)}
	for _, n := range g.index[key] {
		if equalSorted(n.genes, genes) {
			n.count++
			return
		}
	}
	n := &node{umi: umi, genes: roaring.BitmapOf(genes...), count: 1}
	g.nodes = append(g.nodes, n)
	g.index[key] = append(g.index[key], n)
}

func equalSorted(bm *roaring.Bitmap, genes []uint32) bool {
	if bm.GetCardinality() != uint64(len(genes)) {
		return false
	}
	for _, g := range genes {
		if !bm.Contains(g) {
			return false
		}
	}
	return true
}

// compareSets orders gene sets lexicographically by their sorted members.
func compareSets(a, b []uint32) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

type molecule struct {
	umi     twobit.Seq
	genes   *roaring.Bitmap
	members []uint32
	reads   int
	// initial is the read count before any edit-distance collapse.
	initial int
	alive   bool
	visited bool
}

// byWeight orders molecules by decreasing reads, then UMI, then gene set.
func byWeight(ms []*molecule) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.reads != b.reads {
			return a.reads > b.reads
		}
		if a.umi != b.umi {
			return a.umi < b.umi
		}
		return compareSets(a.members, b.members) < 0
	})
}

// Molecules collapses the graph into molecules. If collapse is set, a
// molecule absorbs a molecule whose UMI differs at one position when
// reads(parent) >= 2*reads(child)-1 and their gene sets intersect. The result
// is sorted by UMI, then gene set, and does not depend on insertion order.
func (g *Graph) Molecules(collapse bool) []Molecule {
	nodes := make([]*molecule, len(g.nodes))
	for i, n := range g.nodes {
		nodes[i] = &molecule{umi: n.umi, genes: n.genes, members: n.genes.ToArray(), reads: n.count}
	}
	byWeight(nodes)

	// Same-UMI merge: each node joins the heaviest earlier molecule of its UMI
	// whose genes intersect its own.
	byUMI := map[twobit.Seq][]*molecule{}
	var mols []*molecule
	for _, n := range nodes {
		merged := false
		for _, m := range byUMI[n.umi] {
			if m.genes.Intersects(n.genes) {
				m.genes = roaring.And(m.genes, n.genes)
				m.reads += n.reads
				merged = true
				break
			}
		}
		if !merged {
			m := &molecule{umi: n.umi, genes: n.genes.Clone(), reads: n.reads, alive: true}
			byUMI[n.umi] = append(byUMI[n.umi], m)
			mols = append(mols, m)
		}
	}
	for _, m := range mols {
		m.members = m.genes.ToArray()
		m.initial = m.reads
	}

	if collapse && g.umiLen > 0 {
		byWeight(mols)
		for _, parent := range mols {
			if !parent.alive {
				continue
			}
			parent.visited = true
			twobit.ForEachSubstitution(parent.umi, g.umiLen, func(neighbor twobit.Seq) bool {
				for _, child := range byUMI[neighbor] {
					if !child.alive || child.visited || parent.initial < 2*child.initial-1 {
						continue
					}
					if !parent.genes.Intersects(child.genes) {
						continue
					}
					parent.genes = roaring.And(parent.genes, child.genes)
					parent.reads += child.reads
					child.alive = false
				}
				return true
			})
		}
	}

	out := make([]Molecule, 0, len(mols))
	for _, m := range mols {
		if m.alive {
			out = append(out, Molecule{UMI: m.umi, Genes: m.genes.ToArray(), Reads: m.reads})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UMI != out[j].UMI {
			return out[i].UMI < out[j].UMI
		}
		return compareSets(out[i].Genes, out[j].Genes) < 0
	})
	return out
}
