package proxy

import (
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/zhaobenny/tokentracker/internal/parser"
)

type decoderFunc func(io.Reader) (io.ReadCloser, error)

var decoders = map[string]decoderFunc{
	"gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"x-gzip": func(r io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(r)
	},
	"deflate": zlib.NewReader,
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	},
}

// tap copies relayed response bytes into an accumulator. Encoded bodies are
// decoded on a side goroutine; the caller always receives the original bytes.
// The accumulator must not be touched by anyone else until close returns.
type tap struct {
	acc         *parser.Accumulator
	encoding    string
	unsupported bool

	pw        *io.PipeWriter
	written   int64
	done      chan struct{}
	decodeErr error
}

func newTap(acc *parser.Accumulator, contentEncoding string) *tap {
	t := &tap{acc: acc, encoding: strings.ToLower(strings.TrimSpace(contentEncoding))}
	if t.encoding == "" || t.encoding == "identity" {
		return t
	}

	newReader, ok := decoders[t.encoding]
	if !ok {
		t.unsupported = true
		return t
	}

	pr, pw := io.Pipe()
	t.pw = pw
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		r, err := newReader(pr)
		if err == nil {
			_, err = io.Copy(acc, r)
			r.Close()
		}
		if err != nil {
			t.decodeErr = err
		}
		// Keep the relay unblocked after the decoder stops reading.
		io.Copy(io.Discard, pr)
	}()
	return t
}

// Write never fails so that accounting can not interfere with the relay.
func (t *tap) Write(p []byte) (int, error) {
	switch {
	case t.unsupported:
	case t.pw != nil:
		t.written += int64(len(p))
		t.pw.Write(p)
	default:
		t.acc.Write(p)
	}
	return len(p), nil
}

// close waits for the decoder and records decoding problems on the accumulator.
func (t *tap) close() {
	if t == nil {
		return
	}
	if t.pw != nil {
		t.pw.Close()
		<-t.done
		// A body-less response (HEAD, 204, 304) may still carry Content-Encoding.
		if t.decodeErr != nil && t.written > 0 {
			t.acc.Annotate("decode %s response: %v", t.encoding, t.decodeErr)
		}
	}
	if t.unsupported {
		t.acc.Annotate("unsupported content-encoding %q, usage not parsed", t.encoding)
	}
}
