package cellfilter

import (
	"fmt"
	"math"

	"github.com/guptarohit/asciigraph"
)

// Plot renders the log10 rank-count curve as ASCII art, sampled at up to width
// points evenly spaced in log rank. The cutoff is noted in the caption.
func (r Result) Plot(width, height int) string {
	n := len(r.Ranked)
	if n == 0 || width <= 0 {
		return ""
	}
	if width > n {
		width = n
	}
	series := make([]float64, width)
	maxLogRank := math.Log10(float64(n))
	for i := range series {
		rank := 1
		if width > 1 {
			rank = int(math.Round(math.Pow(10, maxLogRank*float64(i)/float64(width-1))))
		}
		if rank > n {
			rank = n
		}
		series[i] = math.Log10(float64(r.Ranked[rank-1].Count) + 1)
	}
	return asciigraph.Plot(series,
		asciigraph.Height(height),
		asciigraph.Caption(fmt.Sprintf("log10(reads) by log10(rank); %d of %d barcodes kept", r.Cutoff, n)))
}
