// Package barcode holds the set of retained cell barcodes (the permit set)
// and corrects observed barcodes against it.
package barcode

import (
	"fmt"

	"github.com/grailbio/scquant/encoding/twobit"
)

// ID identifies a barcode by its position in a PermitSet.
type ID int32

// Unresolvable is the ID of a barcode that could not be corrected to any
// permit set member.
const Unresolvable ID = -1

// Entry is one permit set member.
type Entry struct {
	Barcode twobit.Seq
	// Count is the barcode's read count from the histogram that produced the
	// set, or zero when unknown.
	Count uint64
}

// PermitSet is an ordered set of barcodes of equal length. It is immutable
// after construction and safe for concurrent use.
type PermitSet struct {
	length  int
	entries []Entry
	index   map[twobit.Seq]ID
}

// NewPermitSet creates a permit set over length-base barcodes. The order of
// entries defines the IDs. Duplicate barcodes are an error.
func NewPermitSet(length int, entries []Entry) (*PermitSet, error) {
	if length <= 0 || length > twobit.MaxLen {
		return nil, fmt.Errorf("barcode: invalid barcode length %d", length)
	}
	p := &PermitSet{
		length:  length,
		entries: make([]Entry, len(entries)),
		index:   make(map[twobit.Seq]ID, len(entries)),
	}
	copy(p.entries, entries)
	for i, e := range p.entries {
		if _, ok := p.index[e.Barcode]; ok {
			return nil, fmt.Errorf("barcode: duplicate barcode %s in permit set", twobit.Decode(e.Barcode, length))
		}
		p.index[e.Barcode] = ID(i)
	}
	return p, nil
}

// Len returns the number of barcodes in the set.
func (p *PermitSet) Len() int { return len(p.entries) }

// BarcodeLen returns the length of the barcodes, in bases.
func (p *PermitSet) BarcodeLen() int { return p.length }

// Entry returns the id'th member.
func (p *PermitSet) Entry(id ID) Entry { return p.entries[id] }

// Lookup returns the ID of bc if it is a member.
func (p *PermitSet) Lookup(bc twobit.Seq) (ID, bool) {
	id, ok := p.index[bc]
	return id, ok
}

// Name returns the id'th barcode as a nucleotide string.
func (p *PermitSet) Name(id ID) string {
	return twobit.Decode(p.entries[id].Barcode, p.length)
}
