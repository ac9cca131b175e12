package rad

import (
	"fmt"
	"sort"

	"github.com/grailbio/scquant/encoding/twobit"
)

const (
	// forwardBit is set in an encoded alignment when the read aligned to the
	// forward strand of the target.
	forwardBit = uint32(1) << 31
	targetMask = forwardBit - 1
)

// Record is one read: its cell barcode, UMI and the targets it aligned to.
// Targets[i] and Forward[i] describe the same alignment. The set of targets
// is the read's equivalence class.
type Record struct {
	Barcode twobit.Seq
	UMI     twobit.Seq
	Targets []uint32
	Forward []bool
}

// Chunk is a group of records as laid out in the file. Chunk boundaries carry
// no meaning in a raw (uncollated) file.
type Chunk struct {
	Records []Record
}

// Orientation selects alignments by strand.
type Orientation uint8

const (
	// Both keeps every alignment.
	Both Orientation = iota
	// Forward keeps alignments to the forward strand.
	Forward
	// Reverse keeps alignments to the reverse strand.
	Reverse
)

// ParseOrientation parses "both", "fw" (or "forward") and "rc" (or
// "reverse").
func ParseOrientation(s string) (Orientation, error) {
	switch s {
	case "", "both":
		return Both, nil
	case "fw", "forward":
		return Forward, nil
	case "rc", "reverse":
		return Reverse, nil
	}
	return Both, fmt.Errorf("rad: unknown orientation %q", s)
}

func (o Orientation) String() string {
	switch o {
	case Forward:
		return "fw"
	case Reverse:
		return "rc"
	}
	return "both"
}

func (o Orientation) accepts(forward bool) bool {
	switch o {
	case Forward:
		return forward
	case Reverse:
		return !forward
	}
	return true
}

// Compatible reports whether at least one alignment of r matches o.
func (r *Record) Compatible(o Orientation) bool {
	if o == Both {
		return true
	}
	for _, fw := range r.Forward {
		if o.accepts(fw) {
			return true
		}
	}
	return false
}

// Filter returns the record restricted to alignments matching o, ordered by
// target id. The result shares no memory with r.
func (r *Record) Filter(o Orientation) Record {
	out := Record{Barcode: r.Barcode, UMI: r.UMI}
	var alns []uint32
	for i, t := range r.Targets {
		if o.accepts(r.Forward[i]) {
			alns = append(alns, encodeAlignment(t, r.Forward[i]))
		}
	}
	sort.SliceStable(alns, func(i, j int) bool {
		return alns[i]&targetMask < alns[j]&targetMask
	})
	out.Targets = make([]uint32, len(alns))
	out.Forward = make([]bool, len(alns))
	for i, v := range alns {
		out.Targets[i], out.Forward[i] = decodeAlignment(v)
	}
	return out
}

func encodeAlignment(target uint32, forward bool) uint32 {
	if forward {
		return target | forwardBit
	}
	return target & targetMask
}

func decodeAlignment(v uint32) (target uint32, forward bool) {
	return v & targetMask, v&forwardBit != 0
}
