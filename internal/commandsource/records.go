package commandsource

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const maxRecordBytes = 16 << 20

// errMalformedRecord marks a record that could not be decoded while the
// reader itself can still move on to the next one.
var errMalformedRecord = errors.New("malformed record")

// recordReader yields records in file order. Next returns io.EOF at the end,
// an error wrapping errMalformedRecord for a bad record, and any other error
// when reading cannot continue.
type recordReader interface {
	Next(v any) error
	Close() error
}

func openRecordReader(path string) (recordReader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("record file path is empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".msgpack", ".mpk":
		return &msgpackRecordReader{file: file, dec: msgpack.NewDecoder(bufio.NewReader(file))}, nil
	default:
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
		return &jsonLinesReader{file: file, scanner: scanner}, nil
	}
}

type jsonLinesReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

func (r *jsonLinesReader) Next(v any) error {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("%w: %v", errMalformedRecord, err)
		}
		return nil
	}
	if err := r.scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", r.file.Name(), err)
	}
	return io.EOF
}

func (r *jsonLinesReader) Close() error {
	return r.file.Close()
}

type msgpackRecordReader struct {
	file *os.File
	dec  *msgpack.Decoder
}

func (r *msgpackRecordReader) Next(v any) error {
	raw, err := r.dec.DecodeRaw()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read %s: %w", r.file.Name(), err)
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedRecord, err)
	}
	return nil
}

func (r *msgpackRecordReader) Close() error {
	return r.file.Close()
}

// openOutput creates path for writing, or wraps fallback when path is empty.
// The fallback is never closed.
func openOutput(path string, fallback io.Writer) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "" {
		if fallback == nil {
			fallback = os.Stdout
		}
		return nopWriteCloser{fallback}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
