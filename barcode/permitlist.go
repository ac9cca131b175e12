package barcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scquant/encoding/twobit"
)

// permitRow is one line of a permit list file written by WritePermitList.
type permitRow struct {
	Barcode string `tsv:"barcode"`
	Count   uint64 `tsv:"count"`
}

const permitHeader = "barcode\tcount"

// WritePermitList writes p as a two-column TSV (barcode, count) with a header
// line, in ID order.
func WritePermitList(ctx context.Context, path string, p *PermitSet) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "couldn't create permit list", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(ctx))
	for id := range p.entries {
		row := permitRow{Barcode: p.Name(ID(id)), Count: p.entries[id].Count}
		if err = w.Write(&row); err != nil {
			return errors.E(err, "error writing permit list", path)
		}
	}
	return w.Flush()
}

// ReadPermitList reads a permit list. Two layouts are accepted: the TSV
// written by WritePermitList, and a plain list with one barcode per line and
// an optional tab-separated count. Blank lines and lines starting with '#'
// are skipped. All barcodes must have the same length.
func ReadPermitList(ctx context.Context, path string) (p *PermitSet, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "couldn't open permit list", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, "couldn't read permit list", path)
	}
	var entries []Entry
	length := -1
	add := func(bc string, count uint64) error {
		if length < 0 {
			length = len(bc)
		}
		if len(bc) != length {
			return fmt.Errorf("barcode %s has length %d, other barcodes have length %d", bc, len(bc), length)
		}
		seq, err := twobit.Encode(bc)
		if err != nil {
			return fmt.Errorf("barcode %s: %v", bc, err)
		}
		entries = append(entries, Entry{Barcode: seq, Count: count})
		return nil
	}
	if bytes.HasPrefix(data, []byte(permitHeader)) {
		r := tsv.NewReader(bytes.NewReader(data))
		r.HasHeaderRow = true
		r.UseHeaderNames = true
		for {
			var row permitRow
			if err = r.Read(&row); err != nil {
				if err == io.EOF {
					break
				}
				return nil, errors.E(err, "malformed permit list", path)
			}
			if err = add(row.Barcode, row.Count); err != nil {
				return nil, errors.E(err, path)
			}
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		lineno := 0
		for scanner.Scan() {
			lineno++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || line[0] == '#' {
				continue
			}
			fields := strings.Split(line, "\t")
			var count uint64
			if len(fields) > 1 {
				if count, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
					return nil, errors.E(err, fmt.Sprintf("%s:%d: bad count", path, lineno))
				}
			}
			if err = add(strings.ToUpper(fields[0]), count); err != nil {
				return nil, errors.E(err, fmt.Sprintf("%s:%d", path, lineno))
			}
		}
		if err = scanner.Err(); err != nil {
			return nil, errors.E(err, "couldn't read permit list", path)
		}
	}
	if length < 0 {
		return nil, errors.E(fmt.Sprintf("empty permit list %s", path))
	}
	if p, err = NewPermitSet(length, entries); err != nil {
		return nil, errors.E(err, path)
	}
	return p, nil
}
