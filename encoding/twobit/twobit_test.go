package twobit_test

import (
	"sort"
	"testing"

	"github.com/grailbio/scquant/encoding/twobit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	for _, seq := range []string{"", "A", "ACGT", "TTTTTTTTTTTTTTTT", "GATTACAGATTACAGATTACAGATTACAGATT"} {
		s, err := twobit.Encode(seq)
		require.NoError(t, err, seq)
		assert.Equal(t, seq, twobit.Decode(s, len(seq)))
	}
	s, err := twobit.Encode("acgt")
	require.NoError(t, err)
	assert.Equal(t, "ACGT", twobit.Decode(s, 4))

	_, err = twobit.Encode("ACNT")
	assert.Equal(t, twobit.ErrInvalidBase, err)
	_, err = twobit.Encode("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.Equal(t, twobit.ErrTooLong, err)
}

func TestLexicographicOrder(t *testing.T) {
	seqs := []string{"TTAC", "AAAA", "CAGT", "AAAT", "GCCA", "ACGT"}
	codes := make([]twobit.Seq, len(seqs))
	for i, s := range seqs {
		codes[i] = twobit.MustEncode(s)
	}
	sort.Strings(seqs)
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for i := range seqs {
		assert.Equal(t, seqs[i], twobit.Decode(codes[i], 4))
	}
}

func TestBaseAndHamming(t *testing.T) {
	s := twobit.MustEncode("GATC")
	assert.Equal(t, uint8(2), s.Base(0, 4))
	assert.Equal(t, uint8(0), s.Base(1, 4))
	assert.Equal(t, uint8(3), s.Base(2, 4))
	assert.Equal(t, uint8(1), s.Base(3, 4))

	tests := []struct {
		a, b string
		want int
	}{
		{"AAAA", "AAAA", 0},
		{"AAAA", "AAAT", 1},
		{"AAAA", "CCCC", 4},
		{"ACGTACGT", "ACGAACGA", 2},
	}
	for _, test := range tests {
		assert.Equal(t, test.want,
			twobit.Hamming(twobit.MustEncode(test.a), twobit.MustEncode(test.b), len(test.a)),
			"%s vs %s", test.a, test.b)
	}
}

func TestForEachSubstitution(t *testing.T) {
	var got []string
	twobit.ForEachSubstitution(twobit.MustEncode("AC"), 2, func(s twobit.Seq) bool {
		got = append(got, twobit.Decode(s, 2))
		return true
	})
	assert.Equal(t, []string{"CC", "GC", "TC", "AA", "AG", "AT"}, got)

	n := 0
	done := twobit.ForEachSubstitution(twobit.MustEncode("ACGT"), 4, func(s twobit.Seq) bool {
		n++
		return n < 5
	})
	assert.False(t, done)
	assert.Equal(t, 5, n)
}

func TestForEachAtDistance(t *testing.T) {
	const n = 6
	base := twobit.MustEncode("ACGTAC")
	for d := 0; d <= 3; d++ {
		seen := map[twobit.Seq]bool{}
		twobit.ForEachAtDistance(base, n, d, func(s twobit.Seq) bool {
			assert.False(t, seen[s], "duplicate %s", twobit.Decode(s, n))
			seen[s] = true
			assert.Equal(t, d, twobit.Hamming(base, s, n))
			return true
		})
		// C(n,d) * 3^d
		want := 1
		for i := 0; i < d; i++ {
			want = want * (n - i) / (i + 1)
		}
		for i := 0; i < d; i++ {
			want *= 3
		}
		assert.Equal(t, want, len(seen), "d=%d", d)
	}
}
