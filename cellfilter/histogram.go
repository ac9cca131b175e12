// Package cellfilter decides which observed barcodes are cells. It counts
// reads per barcode in a first pass over the records and selects the permit
// set from the resulting rank-count curve.
package cellfilter

import (
	"context"

	"github.com/grailbio/scquant/encoding/rad"
	"github.com/grailbio/scquant/encoding/twobit"
)

// ChunkScanner yields chunks of records. *rad.Reader implements it.
type ChunkScanner interface {
	Scan() bool
	Chunk() rad.Chunk
	Err() error
}

// Histogram maps a barcode to the number of reads carrying it.
type Histogram map[twobit.Seq]uint64

// HistogramStats summarizes a histogram pass.
type HistogramStats struct {
	// Reads is the number of records read.
	Reads uint64
	// CompatibleReads is the number of records with at least one alignment
	// matching the orientation filter. Only these are counted.
	CompatibleReads uint64
	// MaxAmbiguity is the largest number of alignments on a counted record.
	MaxAmbiguity int
}

// BuildHistogram counts reads per barcode over all chunks of in, keeping only
// records compatible with orient.
func BuildHistogram(ctx context.Context, in ChunkScanner, orient rad.Orientation) (Histogram, HistogramStats, error) {
	h := Histogram{}
	var stats HistogramStats
	for in.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		chunk := in.Chunk()
		for i := range chunk.Records {
			r := &chunk.Records[i]
			stats.Reads++
			if !r.Compatible(orient) {
				continue
			}
			stats.CompatibleReads++
			if n := len(r.Targets); n > stats.MaxAmbiguity {
				stats.MaxAmbiguity = n
			}
			h[r.Barcode]++
		}
	}
	if err := in.Err(); err != nil {
		return nil, stats, err
	}
	return h, stats, nil
}
