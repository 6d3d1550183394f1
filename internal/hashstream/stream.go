package hashstream

import (
	"context"
	"errors"
	"io"
)

// Reader hashes everything read through it.
type Reader struct {
	r   io.Reader
	seg *Segmenter
}

func NewReader(r io.Reader, seg *Segmenter) *Reader {
	return &Reader{r: r, seg: seg}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if perr := r.seg.Process(p[:n]); perr != nil {
			return n, perr
		}
	}
	if errors.Is(err, io.EOF) {
		if ferr := r.seg.Finish(); ferr != nil {
			return n, ferr
		}
	}
	return n, err
}

// Writer forwards to the underlying writer first, then hashes what was accepted.
type Writer struct {
	w   io.Writer
	seg *Segmenter
}

func NewWriter(w io.Writer, seg *Segmenter) *Writer {
	return &Writer{w: w, seg: seg}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if perr := w.seg.Process(p[:n]); perr != nil {
			return n, perr
		}
	}
	return n, err
}

// Close checks that the last segment was written in full.
func (w *Writer) Close() error {
	return w.seg.Finish()
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
