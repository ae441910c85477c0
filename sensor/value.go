package sensor

import (
	"strconv"
)

// Kind identifies the primitive type carried by a Value.
type Kind int

const (
	Float Kind = iota
	Int
	String
)

// Value holds one primitive sensor reading. Carrying the kind
// explicitly lets typed sinks (database, MQTT) forward the value
// without re-parsing its row representation.
type Value struct {
	kind Kind
	f    float64
	i    int64
	s    string
}

// FloatValue returns a Value holding a float64 reading.
func FloatValue(f float64) Value {
	return Value{kind: Float, f: f}
}

// IntValue returns a Value holding an integer reading.
func IntValue(i int64) Value {
	return Value{kind: Int, i: i}
}

// StringValue returns a Value holding a text reading.
func StringValue(s string) Value {
	return Value{kind: String, s: s}
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Float returns the reading as a float64, converting
// integer readings. It returns 0 for text readings.
func (v Value) Float() float64 {
	switch v.kind {
	case Int:
		return float64(v.i)
	case String:
		return 0
	}
	return v.f
}

// Int returns the integer reading, or 0 if the value
// is not an integer.
func (v Value) Int() int64 {
	return v.i
}

// String returns the value formatted as it appears in an output row.
func (v Value) String() string {
	switch v.kind {
	case Int:
		return strconv.FormatInt(v.i, 10)
	case String:
		return v.s
	}
	return strconv.FormatFloat(v.f, 'g', -1, 64)
}

// Interface returns the underlying primitive, for sinks that
// pass values to drivers taking interface{} parameters.
func (v Value) Interface() interface{} {
	switch v.kind {
	case Int:
		return v.i
	case String:
		return v.s
	}
	return v.f
}
