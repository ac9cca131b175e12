package quant

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/grailbio/scquant/collate"
	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const umiLen = 6

func targetNames(n int) []string {
	var names []string
	for i := 0; i < n; i++ {
		names = append(names, fmt.Sprintf("G%d", i))
	}
	return names
}

func rec(seq uint64, umiStr string, targets ...uint32) collate.Record {
	return collate.Record{Seq: seq, UMI: twobit.MustEncode(umiStr), Targets: targets}
}

func resolve(t *testing.T, strategy Strategy, recs ...collate.Record) (GeneCountVector, Diagnostics) {
	opts := DefaultOpts
	opts.Strategy = strategy
	r := NewResolver(IdentityGeneMap(targetNames(4)), umiLen, opts)
	v, d, err := r.Resolve(collate.Bucket{Barcode: 0, Records: recs})
	require.NoError(t, err)
	return v, d
}

func TestAmbiguousWithoutSupport(t *testing.T) {
	for _, s := range []Strategy{Trivial, CRLike} {
		v, d := resolve(t, s, rec(0, "AAAAAA", 1, 2))
		expect.EQ(t, v.Get(1), uint64(0))
		expect.EQ(t, v.Get(2), uint64(0))
		expect.EQ(t, d.DiscardedMolecules, uint64(1))
	}
	v, _ := resolve(t, EM, rec(0, "AAAAAA", 1, 2))
	expect.EQ(t, v.Total(), uint64(1))
	expect.EQ(t, v.Get(1), uint64(1))
}

func TestAmbiguousWithSupport(t *testing.T) {
	recs := []collate.Record{
		rec(0, "AAAAAA", 1, 2),
		rec(1, "CCCCCC", 2),
		rec(2, "GGGGGG", 3),
	}
	v, _ := resolve(t, Trivial, recs...)
	assert.Equal(t, GeneCountVector{Genes: []uint32{2, 3}, Counts: []uint64{1, 1}}, v)
	v, _ = resolve(t, CRLike, recs...)
	assert.Equal(t, GeneCountVector{Genes: []uint32{2, 3}, Counts: []uint64{2, 1}}, v)
	v, _ = resolve(t, EM, recs...)
	assert.Equal(t, GeneCountVector{Genes: []uint32{2, 3}, Counts: []uint64{2, 1}}, v)
}

func TestDuplicateReadsCountOnce(t *testing.T) {
	v, d := resolve(t, CRLike,
		rec(0, "ACGTAC", 0),
		rec(1, "ACGTAC", 0),
		rec(2, "ACGTAC", 0, 1),
		rec(3, "TTTTTT", 0))
	assert.Equal(t, uint64(2), v.Get(0))
	assert.Equal(t, uint64(0), v.Get(1))
	assert.Equal(t, uint64(4), d.Reads)
	assert.Equal(t, uint64(2), d.Molecules)
}

func TestEmptyBucket(t *testing.T) {
	for _, s := range []Strategy{Trivial, CRLike, EM} {
		v, d := resolve(t, s)
		assert.Equal(t, 0, v.Len())
		assert.Equal(t, uint64(0), v.Total())
		assert.Equal(t, uint64(1), d.Buckets)
	}
}

func TestEMNonConvergence(t *testing.T) {
	recs := []collate.Record{
		rec(0, "AAAAAA", 0, 1),
		rec(1, "CCCCCC", 0, 1),
		rec(2, "GGGGGG", 0),
		rec(3, "TTTTTT", 1, 2),
		rec(4, "ACACAC", 2),
	}
	opts := Opts{Strategy: EM, EMMaxIters: 1, EMEpsilon: 1e-12}
	r := NewResolver(IdentityGeneMap(targetNames(4)), umiLen, opts)
	v, d, err := r.Resolve(collate.Bucket{Records: recs})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.NonConvergedBuckets)
	assert.Equal(t, uint64(1), d.EMIterations)
	assert.Equal(t, uint64(5), v.Total())

	opts.EMMaxIters = 1000
	opts.EMEpsilon = 1e-6
	r = NewResolver(IdentityGeneMap(targetNames(4)), umiLen, opts)
	_, d, err = r.Resolve(collate.Bucket{Records: recs})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), d.NonConvergedBuckets)
}

func TestStrategyOrdering(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		var recs []collate.Record
		for i := 0; i < 40; i++ {
			targets := []uint32{uint32(rnd.Intn(4))}
			if rnd.Intn(3) == 0 {
				targets = append(targets, uint32(rnd.Intn(4)))
			}
			recs = append(recs, collate.Record{
				Seq:     uint64(i),
				UMI:     twobit.Seq(rnd.Intn(1 << (2 * umiLen))),
				Targets: targets,
			})
		}
		trivial, _ := resolve(t, Trivial, recs...)
		crlike, _ := resolve(t, CRLike, recs...)
		em, d := resolve(t, EM, recs...)
		assert.True(t, trivial.Total() <= crlike.Total(), "trial %d", trial)
		assert.True(t, crlike.Total() <= em.Total(), "trial %d", trial)
		assert.Equal(t, d.Molecules, em.Total(), "trial %d", trial)
	}
}

func TestTargetOutOfRange(t *testing.T) {
	r := NewResolver(IdentityGeneMap(targetNames(2)), umiLen, DefaultOpts)
	_, _, err := r.Resolve(collate.Bucket{Records: []collate.Record{rec(0, "AAAAAA", 5)}})
	assert.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{Trivial, CRLike, EM} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStrategy("parsimony")
	assert.Error(t, err)
}

func TestReadGeneMap(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "t2g.tsv")
	require.NoError(t, ioutil.WriteFile(path, []byte("# target\tgene\ntx1\tgeneB\ntx2\tgeneA\ntx3\tgeneB\nunused\tgeneC\n"), 0644))

	m, err := ReadGeneMap(ctx, path, []string{"tx1", "tx2", "tx3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"geneB", "geneA"}, m.Names())
	assert.Equal(t, 3, m.NumTargets())
	genes, err := m.Genes([]uint32{2, 1, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, genes)

	_, err = ReadGeneMap(ctx, path, []string{"tx1", "tx4"})
	assert.Error(t, err)
	_, err = ReadGeneMap(context.Background(), filepath.Join(tempDir, "missing.tsv"), nil)
	assert.Error(t, err)
}
