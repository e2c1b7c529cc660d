// Package storage provides capture input sources (local files, gzip and zstd
// compressed files, GCS objects) and the debug rule-set writer.
package storage

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/valyala/gozstd"
)

var (
	// ErrEmptyFile is returned for zero-length inputs.
	ErrEmptyFile = errors.New("empty capture file")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type readCloser struct {
	io.Reader
	closers []func() error
}

func (rc *readCloser) Close() error {
	var err error
	for _, c := range rc.closers {
		if e := c(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Open returns a reader over the decompressed capture bytes.  Local paths and
// gs:// URLs are supported; gzip and zstd payloads are detected by magic
// number and decompressed transparently.
func Open(ctx context.Context, path string) (io.ReadCloser, error) {
	var raw io.ReadCloser
	var err error
	if strings.HasPrefix(path, "gs://") {
		raw, err = newGCSReader(ctx, path)
	} else {
		raw, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	return decompress(raw)
}

func decompress(raw io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(raw)
	head, err := br.Peek(4)
	if len(head) == 0 {
		raw.Close()
		if err == nil || err == io.EOF {
			return nil, ErrEmptyFile
		}
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return &readCloser{Reader: gz, closers: []func() error{gz.Close, raw.Close}}, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr := gozstd.NewReader(br)
		release := func() error {
			zr.Release()
			return nil
		}
		return &readCloser{Reader: zr, closers: []func() error{release, raw.Close}}, nil
	default:
		return &readCloser{Reader: br, closers: []func() error{raw.Close}}, nil
	}
}

// Materialize ensures the capture exists as a plain, uncompressed local file,
// which the external dissector requires.  Plain local files are returned
// as-is with a no-op cleanup; everything else is copied to a temp file.
func Materialize(ctx context.Context, path string) (string, func(), error) {
	noop := func() {}
	if !strings.HasPrefix(path, "gs://") {
		f, err := os.Open(path)
		if err != nil {
			return "", noop, err
		}
		head := make([]byte, 4)
		n, _ := io.ReadFull(f, head)
		f.Close()
		if n == 0 {
			return "", noop, ErrEmptyFile
		}
		if !bytes.HasPrefix(head[:n], gzipMagic) && !bytes.HasPrefix(head[:n], zstdMagic) {
			return path, noop, nil
		}
	}

	src, err := Open(ctx, path)
	if err != nil {
		return "", noop, err
	}
	defer src.Close()

	tmp, err := ioutil.TempFile("", "pktmask-*.pcap")
	if err != nil {
		return "", noop, err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", noop, fmt.Errorf("materializing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", noop, err
	}
	name := tmp.Name()
	return name, func() { os.Remove(name) }, nil
}
