package collate

import (
	"fmt"

	"github.com/biogo/store/llrb"
	"v.io/x/lib/vlog"
)

type mergeLeaf struct {
	// seq distinguishes leaves whose current records compare equal.
	seq  int
	src  runSource
	done bool
}

func (l *mergeLeaf) Compare(c llrb.Comparable) int {
	l1 := c.(*mergeLeaf)
	if c := compareRecords(l.src.record(), l1.src.record()); c != 0 {
		return c
	}
	return l.seq - l1.seq
}

// mergeRuns calls fn on every record of the sorted runs in global order. The
// top leaf of the tree is drained until it passes the second smallest, so
// long stretches of one run cost amortized O(1) per record.
func mergeRuns(sources []runSource, fn func(Record) error) error {
	leafs := llrb.Tree{}
	for i, src := range sources {
		if src.scan() {
			leafs.Insert(&mergeLeaf{seq: i, src: src})
		} else if err := src.err(); err != nil {
			return err
		}
	}
	vlog.VI(1).Infof("collate: merging %d runs, %d leafs active", len(sources), leafs.Len())

	var (
		prev    Record
		started bool
	)
	for leafs.Len() > 0 {
		nthiter := 0
		var top, next *mergeLeaf
		leafs.Do(func(item llrb.Comparable) bool {
			nthiter++
			if nthiter == 1 {
				top = item.(*mergeLeaf)
				return false
			}
			next = item.(*mergeLeaf)
			return true
		})
		for {
			rec := *top.src.record()
			if started && compareRecords(&prev, &rec) >= 0 {
				return fmt.Errorf("collate: merge order violated at barcode %d seq %d", rec.Barcode, rec.Seq)
			}
			prev, started = Record{Barcode: rec.Barcode, Seq: rec.Seq}, true
			if err := fn(rec); err != nil {
				return err
			}
			top.done = !top.src.scan()
			if top.done || (next != nil && compareRecords(next.src.record(), top.src.record()) < 0) {
				break
			}
		}
		leafs.DeleteMin()
		if top.done {
			if err := top.src.err(); err != nil {
				return err
			}
			continue
		}
		leafs.Insert(top)
	}
	return nil
}
