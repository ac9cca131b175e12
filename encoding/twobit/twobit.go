// Package twobit packs short nucleotide sequences (cell barcodes, UMIs) into
// uint64 values, two bits per base, and provides the distance and neighbour
// primitives used for barcode correction and UMI collapse.
//
// The first base occupies the most significant used bits, so for sequences of
// equal length numeric order equals lexicographic order over "ACGT".
package twobit

import (
	"errors"
	"strings"
)

// MaxLen is the longest sequence that fits in a Seq.
const MaxLen = 32

const invalidBits = uint8(255)

var (
	asciiToBits [256]uint8
	bitsToASCII = [4]byte{'A', 'C', 'G', 'T'}
)

// ErrInvalidBase is returned by Encode for a byte outside "ACGTacgt".
var ErrInvalidBase = errors.New("twobit: invalid nucleotide")

// ErrTooLong is returned by Encode for sequences longer than MaxLen.
var ErrTooLong = errors.New("twobit: sequence longer than 32 bases")

func init() {
	for i := range asciiToBits {
		asciiToBits[i] = invalidBits
	}
	asciiToBits['A'] = 0
	asciiToBits['a'] = 0
	asciiToBits['C'] = 1
	asciiToBits['c'] = 1
	asciiToBits['G'] = 2
	asciiToBits['g'] = 2
	asciiToBits['T'] = 3
	asciiToBits['t'] = 3
}

// Seq is a 2-bit packed nucleotide sequence. Its length is not stored; callers
// carry it alongside (e.g. rad.Header.BarcodeLen).
type Seq uint64

// Encode packs seq.
func Encode(seq string) (Seq, error) {
	if len(seq) > MaxLen {
		return 0, ErrTooLong
	}
	var s Seq
	for i := 0; i < len(seq); i++ {
		b := asciiToBits[seq[i]]
		if b == invalidBits {
			return 0, ErrInvalidBase
		}
		s = s<<2 | Seq(b)
	}
	return s, nil
}

// MustEncode is Encode that panics on error. For tests and constants.
func MustEncode(seq string) Seq {
	s, err := Encode(seq)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode unpacks the n-base sequence s.
func Decode(s Seq, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := n - 1; i >= 0; i-- {
		b.WriteByte(bitsToASCII[(s>>(2*uint(i)))&3])
	}
	return b.String()
}

// Base returns the 2-bit code of the i'th base (0-based, from the left) of
// the n-base sequence s.
func (s Seq) Base(i, n int) uint8 {
	return uint8(s>>(2*uint(n-1-i))) & 3
}

// Hamming returns the number of positions at which the n-base sequences a and
// b differ.
func Hamming(a, b Seq, n int) int {
	x := uint64(a ^ b)
	d := 0
	for i := 0; i < n; i++ {
		if x&3 != 0 {
			d++
		}
		x >>= 2
	}
	return d
}

// ForEachSubstitution calls fn for every sequence at Hamming distance exactly
// one from the n-base sequence s, in increasing (position, base) order.
// Enumeration stops early if fn returns false. It returns false iff fn did.
func ForEachSubstitution(s Seq, n int, fn func(Seq) bool) bool {
	for i := 0; i < n; i++ {
		shift := 2 * uint(n-1-i)
		orig := (s >> shift) & 3
		cleared := s &^ (3 << shift)
		for b := Seq(0); b < 4; b++ {
			if b == orig {
				continue
			}
			if !fn(cleared | b<<shift) {
				return false
			}
		}
	}
	return true
}

// ForEachAtDistance calls fn for every sequence at Hamming distance exactly d
// from the n-base sequence s. Substituted positions are chosen in increasing
// order so each sequence is produced once. d==0 yields s itself.
func ForEachAtDistance(s Seq, n, d int, fn func(Seq) bool) bool {
	if d == 0 {
		return fn(s)
	}
	return substitute(s, n, 0, d, fn)
}

func substitute(s Seq, n, from, d int, fn func(Seq) bool) bool {
	for i := from; i <= n-d; i++ {
		shift := 2 * uint(n-1-i)
		orig := (s >> shift) & 3
		cleared := s &^ (3 << shift)
		for b := Seq(0); b < 4; b++ {
			if b == orig {
				continue
			}
			next := cleared | b<<shift
			var ok bool
			if d == 1 {
				ok = fn(next)
			} else {
				ok = substitute(next, n, i+1, d-1, fn)
			}
			if !ok {
				return false
			}
		}
	}
	return true
}
