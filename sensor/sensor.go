// Package sensor defines the value model shared by the collection
// scheduler and its transports: requests, readings, snapshots and the
// client capability that executes requests against a physical device.
package sensor

import (
	"context"
	"strings"
	"time"

	errgo "gopkg.in/errgo.v1"
)

// MaxNameLen is the maximum length of a request name and of the
// name and location components of a Stream.
const MaxNameLen = 49

// Request names one value to be sampled on each tick.
// Params is opaque to the scheduler; each transport defines
// its own parameter type. A Request must not be mutated after
// it has been handed to a collector.
type Request struct {
	// Name holds the column name used for the request's
	// value in the output file header.
	Name string
	// Params holds transport-specific request parameters.
	Params interface{}
}

// RequestSet holds an ordered sequence of requests. The order is the
// column order of every output row and must not change during a
// collection run. Order also matters to requests that derive their
// value from earlier requests in the same set (see Derive).
type RequestSet []Request

// Validate checks that all request names are non-empty, unique,
// no longer than MaxNameLen and free of the given delimiter.
func (rs RequestSet) Validate(delimiter string) error {
	if len(rs) == 0 {
		return errgo.New("empty request set")
	}
	seen := make(map[string]bool)
	for _, req := range rs {
		if err := validName(req.Name, delimiter); err != nil {
			return errgo.Notef(err, "bad request name %q", req.Name)
		}
		if seen[req.Name] {
			return errgo.Newf("duplicate request name %q", req.Name)
		}
		seen[req.Name] = true
	}
	return nil
}

// Names returns the request names in set order.
func (rs RequestSet) Names() []string {
	names := make([]string, len(rs))
	for i, req := range rs {
		names[i] = req.Name
	}
	return names
}

// Header returns the output file header row for the set,
// starting with the date and time stamp columns and
// terminated by a newline.
func (rs RequestSet) Header(delimiter string) string {
	return "date_stamp" + delimiter + "time_stamp" + delimiter + strings.Join(rs.Names(), delimiter) + "\n"
}

// Stream identifies one logical sensor: the (name, location)
// pair is its natural key and appears in generated filenames.
type Stream struct {
	Name     string
	Location string
}

// Validate checks that both components are non-empty, no longer
// than MaxNameLen and free of the given delimiter.
func (s Stream) Validate(delimiter string) error {
	if err := validName(s.Name, delimiter); err != nil {
		return errgo.Notef(err, "bad sensor name %q", s.Name)
	}
	if err := validName(s.Location, delimiter); err != nil {
		return errgo.Notef(err, "bad sensor location %q", s.Location)
	}
	return nil
}

func (s Stream) String() string {
	return s.Name + "/" + s.Location
}

func validName(name, delimiter string) error {
	if name == "" {
		return errgo.New("empty name")
	}
	if len(name) > MaxNameLen {
		return errgo.Newf("name longer than %d characters", MaxNameLen)
	}
	if delimiter != "" && strings.Contains(name, delimiter) {
		return errgo.Newf("name contains delimiter %q", delimiter)
	}
	return nil
}

// Reading holds one executed request. Readings are transient;
// they are only ever folded into a Snapshot.
type Reading struct {
	Request Request
	Value   Value
	Time    time.Time
}

// Snapshot holds the values collected in a single tick, aligned 1:1
// with the collector's request set. It is immutable after creation.
type Snapshot struct {
	// Date holds the 6-digit date stamp ("060102" format).
	Date string
	// Time holds the time stamp ("15:04:05" format).
	Time string
	// Values holds one value per request, in request set order.
	Values []Value
}

const (
	// DateFormat is the reference layout of Snapshot.Date.
	DateFormat = "060102"
	// TimeFormat is the reference layout of Snapshot.Time.
	TimeFormat = "15:04:05"
)

// NewSnapshot returns a snapshot stamped with the given time
// holding the given values.
func NewSnapshot(t time.Time, values []Value) Snapshot {
	return Snapshot{
		Date:   t.Format(DateFormat),
		Time:   t.Format(TimeFormat),
		Values: values,
	}
}

// Row returns the snapshot serialized as one delimited text row,
// terminated by a newline.
func (s Snapshot) Row(delimiter string) string {
	fields := make([]string, 0, len(s.Values)+2)
	fields = append(fields, s.Date, s.Time)
	for _, v := range s.Values {
		fields = append(fields, v.String())
	}
	return strings.Join(fields, delimiter) + "\n"
}

// Client is the capability used to talk to a physical sensor.
// One implementation exists per transport; implementations are
// selected by composition at setup time.
type Client interface {
	// TestConnection reports whether the sensor is reachable.
	// It must signal failure by returning false, not by panicking
	// or blocking indefinitely.
	TestConnection(ctx context.Context) bool

	// ExecuteRequest executes a single request and returns its
	// value. It must return an error when the device's response
	// cannot be decoded rather than coercing it to a zero value.
	ExecuteRequest(ctx context.Context, req Request) (Value, error)
}
