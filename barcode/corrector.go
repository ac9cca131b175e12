package barcode

import (
	"fmt"

	"github.com/grailbio/scquant/encoding/twobit"
)

// TieBreak decides between several permit set barcodes at the same smallest
// distance from an observed barcode.
type TieBreak int

const (
	// TieBreakFrequency picks the candidate with the highest permit set count.
	// Candidates tied on count are unresolvable.
	TieBreakFrequency TieBreak = iota
	// TieBreakDiscard treats any multi-candidate match as unresolvable.
	TieBreakDiscard
)

// ParseTieBreak parses "frequency" or "discard".
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "frequency":
		return TieBreakFrequency, nil
	case "discard":
		return TieBreakDiscard, nil
	}
	return TieBreakFrequency, fmt.Errorf("barcode: unknown tie-break policy %q", s)
}

func (t TieBreak) String() string {
	if t == TieBreakDiscard {
		return "discard"
	}
	return "frequency"
}

// Outcome classifies a correction.
type Outcome uint8

const (
	// Exact means the barcode is a permit set member.
	Exact Outcome = iota
	// Corrected means the barcode was mapped to a unique nearest member.
	Corrected
	// Ambiguous means several members tied and the tie-break failed.
	Ambiguous
	// NoMatch means no member is within the maximum distance.
	NoMatch
)

func (o Outcome) String() string {
	switch o {
	case Exact:
		return "exact"
	case Corrected:
		return "corrected"
	case Ambiguous:
		return "ambiguous"
	}
	return "nomatch"
}

// CorrectOpts configures a Corrector.
type CorrectOpts struct {
	// MaxDistance is the largest Hamming distance at which an observed barcode
	// is corrected. Zero means exact matches only.
	MaxDistance int
	// TieBreak resolves multiple candidates at the same distance.
	TieBreak TieBreak
}

// DefaultCorrectOpts is the default correction configuration.
var DefaultCorrectOpts = CorrectOpts{MaxDistance: 1, TieBreak: TieBreakFrequency}

// Corrector maps observed barcodes to permit set members. A barcode that is a
// member maps to itself. Otherwise candidates are generated by substituting
// bases of the observed barcode, one distance level at a time, and looked up
// in the permit set; the first level with a hit decides.
//
// Corrector holds no mutable state and is safe for concurrent use.
type Corrector struct {
	permit *PermitSet
	opts   CorrectOpts
}

// NewCorrector creates a corrector over permit.
func NewCorrector(permit *PermitSet, opts CorrectOpts) *Corrector {
	if opts.MaxDistance < 0 {
		opts.MaxDistance = 0
	}
	if opts.MaxDistance > permit.length {
		opts.MaxDistance = permit.length
	}
	return &Corrector{permit: permit, opts: opts}
}

// PermitSet returns the set the corrector maps into.
func (c *Corrector) PermitSet() *PermitSet { return c.permit }

// Correct returns the permit set ID for bc, or Unresolvable.
func (c *Corrector) Correct(bc twobit.Seq) (ID, Outcome) {
	if id, ok := c.permit.index[bc]; ok {
		return id, Exact
	}
	for d := 1; d <= c.opts.MaxDistance; d++ {
		best, nbest, nhits := Unresolvable, 0, 0
		var bestCount uint64
		twobit.ForEachAtDistance(bc, c.permit.length, d, func(s twobit.Seq) bool {
			id, ok := c.permit.index[s]
			if !ok {
				return true
			}
			nhits++
			if c.opts.TieBreak == TieBreakDiscard && nhits > 1 {
				return false
			}
			count := c.permit.entries[id].Count
			switch {
			case best == Unresolvable || count > bestCount:
				best, bestCount, nbest = id, count, 1
			case count == bestCount:
				nbest++
			}
			return true
		})
		switch {
		case nhits == 0:
			continue
		case nhits == 1:
			return best, Corrected
		case c.opts.TieBreak == TieBreakFrequency && nbest == 1:
			return best, Corrected
		}
		return Unresolvable, Ambiguous
	}
	return Unresolvable, NoMatch
}
