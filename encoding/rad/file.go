package rad

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// FileReader is a Reader over a file opened with grailbio/base/file.
type FileReader struct {
	*Reader
	f file.File
}

// Open opens a RAD file and reads its header.
func Open(ctx context.Context, path string) (*FileReader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "rad: open", path)
	}
	r, err := NewReader(f.Reader(ctx))
	if err != nil {
		f.Close(ctx) // nolint: errcheck
		return nil, errors.E(err, "rad: read header", path)
	}
	return &FileReader{Reader: r, f: f}, nil
}

// Close closes the underlying file.
func (r *FileReader) Close(ctx context.Context) error {
	return r.f.Close(ctx)
}

// FileWriter is a Writer into a file created with grailbio/base/file.
type FileWriter struct {
	*Writer
	f file.File
}

// Create creates a RAD file and writes the header.
func Create(ctx context.Context, path string, header Header) (*FileWriter, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "rad: create", path)
	}
	w, err := NewWriter(f.Writer(ctx), header)
	if err != nil {
		f.Close(ctx) // nolint: errcheck
		return nil, errors.E(err, "rad: write header", path)
	}
	return &FileWriter{Writer: w, f: f}, nil
}

// Close flushes buffered chunks and closes the file.
func (w *FileWriter) Close(ctx context.Context) error {
	err := w.Flush()
	if cerr := w.f.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
