package rad_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/grailbio/scquant/encoding/rad"
	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(bc, umi string, targets ...uint32) rad.Record {
	r := rad.Record{Barcode: twobit.MustEncode(bc), UMI: twobit.MustEncode(umi)}
	for _, t := range targets {
		r.Targets = append(r.Targets, t)
		r.Forward = append(r.Forward, t%2 == 0)
	}
	return r
}

func testChunks() [][]rad.Record {
	return [][]rad.Record{
		{rec("ACGTACGTACGTACGT", "AAAAAAAAAA", 0, 1), rec("TTTTACGTACGTACGT", "CCCCCAAAAA", 2)},
		{},
		{rec("GGGGACGTACGTACGT", "GGGGGAAAAA", 5, 4, 3)},
	}
}

func writeAll(t *testing.T, header rad.Header, chunks [][]rad.Record) []byte {
	var buf bytes.Buffer
	w, err := rad.NewWriter(&buf, header)
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, w.Write(c))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func readAll(t *testing.T, data []byte) (*rad.Header, [][]rad.Record, error) {
	r, err := rad.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var chunks [][]rad.Record
	for r.Scan() {
		chunks = append(chunks, r.Chunk().Records)
	}
	return r.Header(), chunks, r.Err()
}

func TestReadWrite(t *testing.T) {
	for _, numChunks := range []uint64{0, 3} {
		header := rad.NewHeader([]string{"t0", "t1", "t2", "t3", "t4", "t5"}, 16, 10)
		header.NumChunks = numChunks
		h, chunks, err := readAll(t, writeAll(t, header, testChunks()))
		require.NoError(t, err)
		assert.Equal(t, header.RefNames, h.RefNames)
		assert.Equal(t, 16, h.BarcodeLen)
		assert.Equal(t, 10, h.UMILen)
		assert.Equal(t, rad.TypeU32, h.BarcodeType)
		assert.Equal(t, rad.TypeU32, h.UMIType)
		require.Len(t, chunks, 3)
		want := testChunks()
		for i := range want {
			if len(want[i]) == 0 {
				assert.Empty(t, chunks[i])
				continue
			}
			assert.Equal(t, want[i], chunks[i])
		}
	}
}

func TestExtraTags(t *testing.T) {
	header := rad.NewHeader([]string{"t0", "t1"}, 4, 4)
	header.ReadTags = append(header.ReadTags, rad.TagDesc{Name: "q", Type: rad.TypeU16})
	header.AlnTags = append(header.AlnTags, rad.TagDesc{Name: "score", Type: rad.TypeF32})
	chunks := [][]rad.Record{{rec("ACGT", "TTTT", 0, 1), rec("CCCC", "GGGG", 1)}}
	h, got, err := readAll(t, writeAll(t, header, chunks))
	require.NoError(t, err)
	assert.Equal(t, rad.TypeU8, h.BarcodeType)
	assert.Equal(t, chunks, got)
}

func TestTruncated(t *testing.T) {
	header := rad.NewHeader([]string{"t0", "t1", "t2", "t3", "t4", "t5"}, 16, 10)
	data := writeAll(t, header, testChunks())
	_, chunks, err := readAll(t, data[:len(data)-3])
	require.Error(t, err)
	assert.True(t, errors.Is(err, rad.ErrTruncated), "%v", err)
	assert.Len(t, chunks, 2)

	_, err = rad.NewReader(bytes.NewReader(data[:5]))
	assert.True(t, errors.Is(err, rad.ErrTruncated), "%v", err)

	// A record count that cannot fit in the chunk body.
	bogus := append(writeAll(t, header, nil), 8, 0, 0, 0, 0xff, 0xff, 0xff, 0xff)
	_, chunks, err = readAll(t, bogus)
	assert.True(t, errors.Is(err, rad.ErrTruncated), "%v", err)
	assert.Len(t, chunks, 0)
}

func TestDeclaredChunkCount(t *testing.T) {
	header := rad.NewHeader([]string{"t0"}, 4, 4)
	header.NumChunks = 2
	var buf bytes.Buffer
	w, err := rad.NewWriter(&buf, header)
	require.NoError(t, err)
	require.NoError(t, w.Write([]rad.Record{rec("ACGT", "TTTT", 0)}))
	assert.Error(t, w.Flush())
}

func TestInvalidHeader(t *testing.T) {
	header := rad.NewHeader(nil, 4, 4)
	header.AlnTags = []rad.TagDesc{{Name: "x", Type: rad.TypeU8}}
	_, err := rad.NewWriter(&bytes.Buffer{}, header)
	assert.Error(t, err)
}

func TestOrientation(t *testing.T) {
	r := rad.Record{
		Targets: []uint32{7, 3, 5},
		Forward: []bool{true, false, true},
	}
	assert.True(t, r.Compatible(rad.Both))
	assert.True(t, r.Compatible(rad.Forward))
	assert.True(t, r.Compatible(rad.Reverse))

	fw := r.Filter(rad.Forward)
	assert.Equal(t, []uint32{5, 7}, fw.Targets)
	assert.Equal(t, []bool{true, true}, fw.Forward)
	rc := r.Filter(rad.Reverse)
	assert.Equal(t, []uint32{3}, rc.Targets)
	both := r.Filter(rad.Both)
	assert.Equal(t, []uint32{3, 5, 7}, both.Targets)
	assert.Equal(t, []bool{false, true, true}, both.Forward)

	onlyRC := rad.Record{Targets: []uint32{1}, Forward: []bool{false}}
	assert.False(t, onlyRC.Compatible(rad.Forward))

	for _, s := range []string{"both", "fw", "rc"} {
		o, err := rad.ParseOrientation(s)
		require.NoError(t, err)
		assert.Equal(t, s, o.String())
	}
	_, err := rad.ParseOrientation("sideways")
	assert.Error(t, err)
}

func TestFile(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "map.rad")

	header := rad.NewHeader([]string{"t0", "t1", "t2", "t3", "t4", "t5"}, 16, 10)
	w, err := rad.Create(ctx, path, header)
	require.NoError(t, err)
	for _, c := range testChunks() {
		require.NoError(t, w.Write(c))
	}
	require.NoError(t, w.Close(ctx))

	r, err := rad.Open(ctx, path)
	require.NoError(t, err)
	n := 0
	for r.Scan() {
		n += len(r.Chunk().Records)
	}
	require.NoError(t, r.Err())
	assert.Equal(t, uint64(3), r.NumRead())
	assert.Equal(t, 3, n)
	require.NoError(t, r.Close(ctx))
}
