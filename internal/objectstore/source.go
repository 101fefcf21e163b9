package objectstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source is a document payload to upload: a filesystem path, an in-memory
// byte buffer, or a readable stream. Path and byte sources have a known
// size; plain readers do not and always take the multipart path.
type Source struct {
	path   string
	data   []byte
	reader io.Reader
}

// FromFile wraps a filesystem path.
func FromFile(path string) Source { return Source{path: path} }

// FromBytes wraps an in-memory payload.
func FromBytes(data []byte) Source { return Source{data: data} }

// FromReader wraps a stream of unknown length.
func FromReader(r io.Reader) Source { return Source{reader: r} }

// open returns the content reader, its size and whether that size is known.
// The caller closes the returned closer when non-nil.
func (s Source) open() (io.Reader, io.Closer, int64, bool, error) {
	switch {
	case s.path != "":
		f, err := os.Open(s.path)
		if err != nil {
			return nil, nil, 0, false, fmt.Errorf("open %s: %w", s.path, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, 0, false, fmt.Errorf("stat %s: %w", s.path, err)
		}
		return f, f, st.Size(), true, nil
	case s.data != nil:
		return bytes.NewReader(s.data), nil, int64(len(s.data)), true, nil
	case s.reader != nil:
		return s.reader, nil, 0, false, nil
	default:
		return nil, nil, 0, false, fmt.Errorf("empty source")
	}
}

// Size reports the payload size when it is knowable without consuming the
// source.
func (s Source) Size() (int64, bool) {
	switch {
	case s.path != "":
		st, err := os.Stat(s.path)
		if err != nil {
			return 0, false
		}
		return st.Size(), true
	case s.data != nil:
		return int64(len(s.data)), true
	default:
		return 0, false
	}
}

// Ext guesses the lowercase file extension for key derivation: the path
// extension when there is one, otherwise the content magic, defaulting to
// pdf.
func (s Source) Ext() string {
	if s.path != "" {
		if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(s.path)), "."); ext != "" {
			return ext
		}
	}
	if len(s.data) >= 5 {
		switch {
		case bytes.HasPrefix(s.data, []byte("%PDF-")):
			return "pdf"
		case bytes.HasPrefix(s.data, []byte("PK\x03\x04")):
			return "docx"
		case bytes.HasPrefix(s.data, []byte("\x89PNG")):
			return "png"
		case bytes.HasPrefix(s.data, []byte("\xff\xd8\xff")):
			return "jpg"
		}
	}
	return "pdf"
}
