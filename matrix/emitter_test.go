package matrix_test

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/grailbio/scquant/matrix"
	"github.com/grailbio/scquant/quant"
	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/minio/highwayhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var genes = []string{"g1", "g2", "g3"}

func permitSet(t *testing.T) *barcode.PermitSet {
	var entries []barcode.Entry
	for i, bc := range []string{"AAAA", "CCCC", "GGGG", "TTTT"} {
		entries = append(entries, barcode.Entry{Barcode: twobit.MustEncode(bc), Count: uint64(100 - i)})
	}
	p, err := barcode.NewPermitSet(4, entries)
	require.NoError(t, err)
	return p
}

type bucket struct {
	id  barcode.ID
	vec quant.GeneCountVector
}

var buckets = []bucket{
	{0, quant.GeneCountVector{Genes: []uint32{0, 2}, Counts: []uint64{3, 1}}},
	{2, quant.GeneCountVector{Genes: []uint32{1}, Counts: []uint64{7}}},
	{3, quant.GeneCountVector{}},
	{barcode.Unresolvable, quant.GeneCountVector{Genes: []uint32{2}, Counts: []uint64{4}}},
}

const wantMatrix = `%%MatrixMarket matrix coordinate integer general
%
4 3 3
1 1 3
1 3 1
3 2 7
`

func emit(t *testing.T, out string, opts matrix.Opts, seed int64) {
	ctx := context.Background()
	e, err := matrix.NewEmitter(ctx, out, permitSet(t), genes, opts)
	require.NoError(t, err)
	order := rand.New(rand.NewSource(seed)).Perm(len(buckets))
	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, e.Add(i, buckets[i].id, buckets[i].vec))
		}(i)
	}
	wg.Wait()
	require.NoError(t, e.Commit())
	assert.Equal(t, uint64(3), e.NNZ())
}

func readFile(t *testing.T, path string) string {
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func digest(t *testing.T, data []byte) string {
	var key [32]byte
	h, err := highwayhash.New(key[:])
	require.NoError(t, err)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

func TestEmit(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(tempDir, "out")

	for seed := int64(0); seed < 4; seed++ {
		emit(t, out, matrix.DefaultOpts, seed)
		assert.Equal(t, wantMatrix, readFile(t, filepath.Join(out, matrix.MatrixFile)))
		assert.Equal(t, "AAAA\nCCCC\nGGGG\nTTTT\n", readFile(t, filepath.Join(out, matrix.BarcodesFile)))
		assert.Equal(t, "g1\ng2\ng3\n", readFile(t, filepath.Join(out, matrix.GenesFile)))
		assert.Equal(t, "gene\tcount\ng3\t4\n", readFile(t, filepath.Join(out, matrix.UnmappedFile)))
		assert.Equal(t, digest(t, []byte(wantMatrix))+"  matrix.mtx\n", readFile(t, filepath.Join(out, matrix.DigestFile)))
	}
	// Only the committed directory remains; no staging leftovers.
	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "out", files[0].Name())
}

func TestEmitGzip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(tempDir, "out")
	emit(t, out, matrix.Opts{Gzip: true, QueueSize: 1}, 1)

	data, err := ioutil.ReadFile(filepath.Join(out, matrix.MatrixFile+".gz"))
	require.NoError(t, err)
	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	plain, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, wantMatrix, string(plain))
	assert.Equal(t, digest(t, data)+"  matrix.mtx.gz\n", readFile(t, filepath.Join(out, matrix.DigestFile)))
}

func TestAbortLeavesNothing(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(tempDir, "out")
	e, err := matrix.NewEmitter(context.Background(), out, permitSet(t), genes, matrix.DefaultOpts)
	require.NoError(t, err)
	require.NoError(t, e.Add(0, buckets[0].id, buckets[0].vec))
	e.Abort()
	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestOutOfOrderBarcodes(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(tempDir, "out")
	e, err := matrix.NewEmitter(context.Background(), out, permitSet(t), genes, matrix.DefaultOpts)
	require.NoError(t, err)
	e.Add(0, 2, buckets[0].vec)
	e.Add(1, 1, buckets[0].vec)
	assert.Error(t, e.Commit())
	e.Abort()
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestMissingBucket(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(tempDir, "out")
	e, err := matrix.NewEmitter(context.Background(), out, permitSet(t), genes, matrix.DefaultOpts)
	require.NoError(t, err)
	require.NoError(t, e.Add(0, 0, buckets[0].vec))
	require.NoError(t, e.Add(2, 2, buckets[1].vec))
	err = e.Commit()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gaps")
	e.Abort()
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))

	// Nothing but the first bucket is missing.
	e, err = matrix.NewEmitter(context.Background(), out, permitSet(t), genes, matrix.DefaultOpts)
	require.NoError(t, err)
	require.NoError(t, e.Add(1, 2, buckets[1].vec))
	assert.Error(t, e.Commit())
	e.Abort()
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestCommitKeepsOtherFiles(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(tempDir, "out")
	emit(t, out, matrix.Opts{Gzip: true}, 2)
	notes := filepath.Join(out, "notes.txt")
	require.NoError(t, ioutil.WriteFile(notes, []byte("keep"), 0644))

	emit(t, out, matrix.DefaultOpts, 3)
	assert.Equal(t, "keep", readFile(t, notes))
	assert.Equal(t, wantMatrix, readFile(t, filepath.Join(out, matrix.MatrixFile)))
	_, err := os.Stat(filepath.Join(out, matrix.MatrixFile+".gz"))
	assert.True(t, os.IsNotExist(err), "stale gzip matrix kept")
	assert.Equal(t, digest(t, []byte(wantMatrix))+"  matrix.mtx\n", readFile(t, filepath.Join(out, matrix.DigestFile)))
	files, err := ioutil.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
