package gziputil

import (
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// MaxBodySize caps the decompressed size of a gzip request body. Console
// payloads are small JSON documents and form posts.
const MaxBodySize = 8 << 20 // 8 MB

// ErrTooLarge is returned by a body reader once more than its limit has
// been decompressed.
var ErrTooLarge = errors.New("decompressed body exceeds size limit")

var readerPool sync.Pool

// Body decompresses a gzip request body, failing with ErrTooLarge past
// limit bytes. Close returns the underlying gzip reader to a pool; it does
// not close the source.
type Body struct {
	gz        *gzip.Reader
	remaining int64
}

// NewBody starts decompressing src. It fails if src has no valid gzip header.
func NewBody(src io.Reader, limit int64) (*Body, error) {
	if limit <= 0 {
		limit = MaxBodySize
	}
	var gz *gzip.Reader
	if v := readerPool.Get(); v != nil {
		gz = v.(*gzip.Reader)
		if err := gz.Reset(src); err != nil {
			readerPool.Put(gz)
			return nil, err
		}
	} else {
		var err error
		if gz, err = gzip.NewReader(src); err != nil {
			return nil, err
		}
	}
	return &Body{gz: gz, remaining: limit}, nil
}

func (b *Body) Read(p []byte) (int, error) {
	if b.gz == nil {
		return 0, io.ErrClosedPipe
	}
	if b.remaining <= 0 {
		// One byte past the limit tells a full body from an oversized one.
		var one [1]byte
		if n, _ := b.gz.Read(one[:]); n > 0 {
			return 0, ErrTooLarge
		}
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.gz.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *Body) Close() error {
	if b.gz == nil {
		return nil
	}
	err := b.gz.Close()
	readerPool.Put(b.gz)
	b.gz = nil
	return err
}
