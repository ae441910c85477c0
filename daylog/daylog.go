// Package daylog implements the append-only daily output file owned
// by one sensor stream: one file per stream per calendar day, a
// header row written exactly once as the first line, and rotation at
// day boundaries that hands the closed file to the upload path.
package daylog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/sensor"
)

const (
	// MaxExtLen is the maximum length of an output file extension.
	MaxExtLen = 10
	// MaxDirLen is the maximum length of an output directory name.
	MaxDirLen = 49
)

// Params holds the parameters for a call to Open.
type Params struct {
	// Dir holds the output directory. It is created on first use.
	Dir string
	// Stream identifies the sensor the sink belongs to; its name
	// and location appear in generated filenames.
	Stream sensor.Stream
	// Delimiter holds the single-character field delimiter.
	Delimiter string
	// Ext holds the output file extension, starting with a dot.
	Ext string
	// Header holds the header row, including its trailing newline.
	// It is written once as the first line of every new file.
	Header string
}

// Sink owns the current day's output file for one stream. Rotate and
// Append are serialized by the collector loop that owns the sink, but
// Sink also locks internally so Filename can be read from the upload
// cadence goroutine.
type Sink struct {
	p Params

	mu sync.Mutex
	f  *os.File
	// date holds the date stamp of the open file, or "" when
	// no file is open.
	date string
	// fresh records whether the open file was empty when opened,
	// so the header is still owed.
	fresh bool
}

// Open validates p and returns a sink with no file open; the first
// Rotate call opens the first file. The output directory is created
// if it doesn't exist.
func Open(p Params) (*Sink, error) {
	if err := p.Stream.Validate(p.Delimiter); err != nil {
		return nil, errgo.Mask(err)
	}
	if len(p.Delimiter) != 1 {
		return nil, errgo.Newf("invalid delimiter %q; must be a single character", p.Delimiter)
	}
	if len(p.Ext) < 1 || len(p.Ext) > MaxExtLen || !strings.HasPrefix(p.Ext, ".") {
		return nil, errgo.Newf("invalid output file extension %q; must start with %q and have at most %d characters", p.Ext, ".", MaxExtLen)
	}
	if p.Dir == "" || len(filepath.Base(p.Dir)) > MaxDirLen {
		return nil, errgo.Newf("invalid output directory %q", p.Dir)
	}
	if p.Header == "" || !strings.HasSuffix(p.Header, "\n") {
		return nil, errgo.Newf("invalid header %q; must be non-empty and newline-terminated", p.Header)
	}
	if err := os.MkdirAll(p.Dir, 0777); err != nil {
		return nil, errgo.Notef(err, "cannot create output directory")
	}
	return &Sink{p: p}, nil
}

// Filename returns the path of the deterministically-named output
// file for the given date stamp.
func Filename(dir string, stream sensor.Stream, dateStamp, ext string) string {
	return filepath.Join(dir, dateStamp+"_"+stream.Name+"_"+stream.Location+ext)
}

// Current returns the path of the currently open file, or "" if no
// file is open. It is safe to call from other goroutines.
func (s *Sink) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.date == "" {
		return ""
	}
	return s.filename(s.date)
}

// Rotate ensures the open file is the one for the given date stamp.
// If no file is open, it opens the day's file and returns "". If a
// file is open with a different date, it closes that file, opens the
// new one, and returns the closed file's path so the caller can
// queue it for upload.
func (s *Sink) Rotate(dateStamp string) (closed string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.date == dateStamp {
		return "", nil
	}
	if s.f != nil {
		closed = s.filename(s.date)
		if err := s.f.Close(); err != nil {
			return "", errgo.Notef(err, "cannot close %q", closed)
		}
		s.f = nil
		s.date = ""
	}
	if err := s.open(dateStamp); err != nil {
		return "", errgo.Mask(err)
	}
	return closed, nil
}

// Append writes one row to the open file, preceded by the header if
// the file is new. The row must include its trailing newline, so
// every append is a complete self-contained write. Append fails if
// Rotate has not opened a file.
func (s *Sink) Append(row string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errgo.New("no output file open; missing rotation")
	}
	if s.fresh {
		if _, err := s.f.WriteString(s.p.Header); err != nil {
			return errgo.Notef(err, "cannot write header to %q", s.f.Name())
		}
		s.fresh = false
	}
	if _, err := s.f.WriteString(row); err != nil {
		return errgo.Notef(err, "cannot write row to %q", s.f.Name())
	}
	return nil
}

// Close closes the currently open file, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.date = ""
	return err
}

func (s *Sink) open(dateStamp string) error {
	path := s.filename(dateStamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return errgo.Notef(err, "cannot open output file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errgo.Notef(err, "cannot stat output file")
	}
	s.f = f
	s.date = dateStamp
	// A restart within the same day reopens the existing file;
	// the header was already written then.
	s.fresh = info.Size() == 0
	return nil
}

func (s *Sink) filename(dateStamp string) string {
	return Filename(s.p.Dir, s.p.Stream, dateStamp, s.p.Ext)
}
