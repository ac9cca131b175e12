package cellfilter

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scquant/barcode"
	"github.com/grailbio/scquant/encoding/twobit"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrInsufficientData is returned when there are too few distinct barcodes to
// locate a knee.
var ErrInsufficientData = errors.New("cellfilter: too few distinct barcodes")

// Mode selects how the permit set is derived from the histogram.
type Mode int

const (
	// Knee keeps barcodes up to the point of the log-log rank-count curve
	// farthest from the chord joining its end points.
	Knee Mode = iota
	// MaxDrop keeps barcodes up to the largest drop between consecutive ranks
	// in log space.
	MaxDrop
	// ForceCells keeps the top Opts.ForceCells barcodes.
	ForceCells
	// ExpectCells keeps barcodes with at least a tenth of the 99th percentile
	// count among the top Opts.ExpectCells barcodes.
	ExpectCells
	// MinFreq keeps barcodes with at least Opts.MinFreq reads.
	MinFreq
	// KnownList keeps members of Opts.Known with at least Opts.MinFreq reads.
	KnownList
)

var modeNames = map[Mode]string{
	Knee:        "knee",
	MaxDrop:     "max-drop",
	ForceCells:  "force-cells",
	ExpectCells: "expect-cells",
	MinFreq:     "min-freq",
	KnownList:   "known-list",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name as printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return Knee, fmt.Errorf("cellfilter: unknown mode %q", s)
}

// Opts configures Select.
type Opts struct {
	Mode Mode
	// MinBarcodes is the fewest distinct barcodes Knee and MaxDrop accept.
	MinBarcodes int
	// MinKneeDistance is the smallest knee distance (in log10 units) that
	// counts as a knee. Flatter curves fall back to FallbackCells.
	MinKneeDistance float64
	// FallbackCells is the number of barcodes kept when no knee is found.
	// Zero keeps every barcode.
	FallbackCells int
	ForceCells    int
	ExpectCells   int
	MinFreq       uint64
	// Known lists the candidate barcodes for KnownList.
	Known []twobit.Seq
}

// DefaultOpts is the default knee configuration.
var DefaultOpts = Opts{
	Mode:            Knee,
	MinBarcodes:     10,
	MinKneeDistance: 1e-3,
}

// Result is the outcome of Select.
type Result struct {
	Permit *barcode.PermitSet
	// Ranked is the rank-count curve: all observed barcodes by descending
	// count, ties in lexicographic order.
	Ranked []barcode.Entry
	// Cutoff is the number of ranked barcodes kept (Knee, MaxDrop,
	// ForceCells, ExpectCells, MinFreq).
	Cutoff int
	// FellBack is set when no knee was detected and FallbackCells applied.
	FellBack bool
	// Warning describes the fallback, if any.
	Warning string
}

// Rank sorts the histogram into a rank-count curve.
func Rank(h Histogram) []barcode.Entry {
	ranked := make([]barcode.Entry, 0, len(h))
	for bc, n := range h {
		ranked = append(ranked, barcode.Entry{Barcode: bc, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Barcode < ranked[j].Barcode
	})
	return ranked
}

// Select derives a permit set of barcodeLen-base barcodes from h.
func Select(h Histogram, barcodeLen int, opts Opts) (Result, error) {
	res := Result{Ranked: Rank(h)}
	n := len(res.Ranked)
	if opts.Mode == KnownList {
		return selectKnown(h, barcodeLen, opts, res)
	}
	if n == 0 {
		return res, ErrInsufficientData
	}
	switch opts.Mode {
	case Knee, MaxDrop:
		if n < opts.MinBarcodes || n < 3 {
			return res, fmt.Errorf("%w: found %d, need %d", ErrInsufficientData, n, max(opts.MinBarcodes, 3))
		}
		var k int
		var dist float64
		if opts.Mode == Knee {
			k, dist = kneeCutoff(res.Ranked)
		} else {
			k, dist = maxDropCutoff(res.Ranked)
		}
		if dist <= opts.MinKneeDistance {
			k = n
			if opts.FallbackCells > 0 && opts.FallbackCells < n {
				k = opts.FallbackCells
			}
			res.FellBack = true
			res.Warning = fmt.Sprintf("no knee detected among %d barcodes (distance %.3g), keeping %d", n, dist, k)
			log.Printf("cellfilter: warning: %s", res.Warning)
		}
		res.Cutoff = k
	case ForceCells:
		res.Cutoff = min(opts.ForceCells, n)
	case ExpectCells:
		if opts.ExpectCells <= 0 {
			return res, fmt.Errorf("cellfilter: expect-cells requires a positive cell count")
		}
		res.Cutoff = expectCutoff(res.Ranked, opts.ExpectCells)
	case MinFreq:
		res.Cutoff = sort.Search(n, func(i int) bool { return res.Ranked[i].Count < opts.MinFreq })
	default:
		return res, fmt.Errorf("cellfilter: unknown mode %v", opts.Mode)
	}
	var err error
	res.Permit, err = barcode.NewPermitSet(barcodeLen, res.Ranked[:res.Cutoff])
	log.Debug.Printf("cellfilter: %v kept %d of %d barcodes", opts.Mode, res.Cutoff, n)
	return res, err
}

// kneeCutoff returns the number of ranked barcodes up to and including the
// point of the log-log curve farthest above the chord from the first to the
// last point, along with that distance.
func kneeCutoff(ranked []barcode.Entry) (int, float64) {
	n := len(ranked)
	x0, y0 := 0.0, math.Log10(float64(ranked[0].Count))
	x1, y1 := math.Log10(float64(n)), math.Log10(float64(ranked[n-1].Count))
	dx, dy := x1-x0, y1-y0
	norm := math.Hypot(dx, dy)
	dist := make([]float64, n)
	for i, e := range ranked {
		x, y := math.Log10(float64(i+1)), math.Log10(float64(e.Count))
		dist[i] = (dx*(y-y0) - dy*(x-x0)) / norm
	}
	i := floats.MaxIdx(dist)
	return i + 1, dist[i]
}

// maxDropCutoff returns the rank just before the largest log10 drop between
// consecutive counts, along with the drop.
func maxDropCutoff(ranked []barcode.Entry) (int, float64) {
	drops := make([]float64, len(ranked)-1)
	for i := range drops {
		drops[i] = math.Log10(float64(ranked[i].Count)) - math.Log10(float64(ranked[i+1].Count))
	}
	i := floats.MaxIdx(drops)
	return i + 1, drops[i]
}

// expectCutoff keeps barcodes with at least 10% of the 99th percentile count
// of the top expected cells.
func expectCutoff(ranked []barcode.Entry, expected int) int {
	top := min(expected, len(ranked))
	x := make([]float64, top)
	for i := 0; i < top; i++ {
		// Ascending order, as stat.Quantile requires.
		x[top-1-i] = float64(ranked[i].Count)
	}
	threshold := stat.Quantile(0.99, stat.Empirical, x, nil) / 10
	return sort.Search(len(ranked), func(i int) bool { return float64(ranked[i].Count) < threshold })
}

// selectKnown keeps the members of opts.Known with at least opts.MinFreq
// reads. A barcode off the list is credited to the member one substitution
// away, if there is exactly one.
func selectKnown(h Histogram, barcodeLen int, opts Opts, res Result) (Result, error) {
	var entries []barcode.Entry
	seen := make(map[twobit.Seq]bool, len(opts.Known))
	for _, bc := range opts.Known {
		if !seen[bc] {
			seen[bc] = true
			entries = append(entries, barcode.Entry{Barcode: bc})
		}
	}
	known, err := barcode.NewPermitSet(barcodeLen, entries)
	if err != nil {
		return res, err
	}
	corrector := barcode.NewCorrector(known, barcode.CorrectOpts{MaxDistance: 1, TieBreak: barcode.TieBreakDiscard})
	var credited uint64
	for bc, n := range h {
		id, outcome := corrector.Correct(bc)
		if id == barcode.Unresolvable {
			continue
		}
		entries[id].Count += n
		if outcome == barcode.Corrected {
			credited += n
		}
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Count >= opts.MinFreq {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Count != kept[j].Count {
			return kept[i].Count > kept[j].Count
		}
		return kept[i].Barcode < kept[j].Barcode
	})
	log.Debug.Printf("cellfilter: known-list credited %d reads to neighbouring barcodes", credited)
	res.Cutoff = len(kept)
	res.Permit, err = barcode.NewPermitSet(barcodeLen, kept)
	return res, err
}
