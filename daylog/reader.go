package daylog

import (
	"bufio"
	"io"
	"strings"

	errgo "gopkg.in/errgo.v1"
)

// Row holds one parsed data row from a day file.
type Row struct {
	// Date holds the 6-digit date stamp from the first column.
	Date string
	// Time holds the time stamp from the second column.
	Time string
	// Values holds the remaining columns as written.
	Values []string
}

// Reader parses a day file written by a Sink back into its header
// and rows.
type Reader struct {
	scanner   *bufio.Scanner
	delimiter string
	header    []string
}

// NewReader returns a reader for the day file data in r, reading the
// header row immediately. The header must have at least the date and
// time stamp columns.
func NewReader(r io.Reader, delimiter string) (*Reader, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, errgo.Notef(err, "cannot read header")
		}
		return nil, errgo.New("empty day file")
	}
	header := strings.Split(scanner.Text(), delimiter)
	if len(header) < 2 || header[0] != "date_stamp" || header[1] != "time_stamp" {
		return nil, errgo.Newf("invalid header line %q", scanner.Text())
	}
	return &Reader{
		scanner:   scanner,
		delimiter: delimiter,
		header:    header,
	}, nil
}

// Header returns the header columns, including the leading
// date_stamp and time_stamp columns.
func (r *Reader) Header() []string {
	return r.header
}

// ReadRow returns the next data row. It returns io.EOF at the end of
// the file.
func (r *Reader) ReadRow() (Row, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Row{}, err
		}
		return Row{}, io.EOF
	}
	fields := strings.Split(r.scanner.Text(), r.delimiter)
	if len(fields) != len(r.header) {
		return Row{}, errgo.Newf("invalid row %q; want %d fields", r.scanner.Text(), len(r.header))
	}
	return Row{
		Date:   fields[0],
		Time:   fields[1],
		Values: fields[2:],
	}, nil
}
