package rangefs

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"github.com/snabb/httpreaderat"
)

// Source is a backing file, block device or URL shared by every entry
// that maps a range of it. It stays open until the last reference is
// released.
type Source struct {
	Path string

	r io.ReaderAt
	c io.Closer

	refs      atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// NewSource wraps an already open reader. The source starts with no
// references; c may be nil.
func NewSource(path string, r io.ReaderAt, c io.Closer) *Source {
	return &Source{Path: path, r: r, c: c}
}

// OpenSource opens path for positioned reads and probes its size. Paths
// starting with http:// or https:// are read with HTTP range requests.
func OpenSource(path string) (*Source, Size, error) {
	if isURL(path) {
		return openURL(path)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, Size{}, err
	}
	mode := stat.Mode()
	switch {
	case mode.IsDir():
		return nil, Size{}, fmt.Errorf("%s: is a directory", path)
	case mode&(os.ModeNamedPipe|os.ModeSocket) != 0:
		return nil, Size{}, fmt.Errorf("%s: cannot read ranges from a pipe or socket", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, Size{}, err
	}

	var size Size
	switch {
	case mode.IsRegular():
		size = KnownSize(uint64(stat.Size()))
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0:
		n, err := blockDeviceSize(f)
		if err != nil {
			log.WithError(err).WithField("source", path).Debug("cannot query block device size")
		}
		if n > 0 {
			size = KnownSize(n)
		}
	}

	return NewSource(path, f, f), size, nil
}

func isURL(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

func openURL(url string) (*Source, Size, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, Size{}, err
	}
	// no store: content is never cached beyond the request that needs it
	r, err := httpreaderat.New(nil, req, nil)
	if err != nil {
		return nil, Size{}, err
	}
	return NewSource(url, r, nil), KnownSize(uint64(r.Size())), nil
}

// ReadAt reads from the backing file. It is safe for concurrent use.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

// Acquire adds a reference.
func (s *Source) Acquire() {
	s.refs.Add(1)
}

// Release drops a reference and closes the source when none remain.
func (s *Source) Release() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		log.WithField("source", s.Path).Warn("source released more often than acquired")
		s.refs.Store(0)
	}
	return s.close()
}

// Refs returns the current reference count.
func (s *Source) Refs() int64 {
	return s.refs.Load()
}

func (s *Source) close() error {
	s.closeOnce.Do(func() {
		if s.c != nil {
			s.closeErr = s.c.Close()
		}
		log.WithField("source", s.Path).Debug("closed source")
	})
	return s.closeErr
}
