// Package modbustcp implements the sensor client for Modbus/TCP
// devices: function 3 (read holding registers) requests with typed
// big-endian decoding of the returned register block.
package modbustcp

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"sync"
	"time"

	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/sensor"
)

// Type identifies how a register block decodes.
type Type string

const (
	Uint16  Type = "UInt16"
	Int16   Type = "Int16"
	Uint32  Type = "UInt32"
	Int64   Type = "Int64"
	Utf8    Type = "UTF8"
	Float32 Type = "Float32"
)

// registerCount maps each type to the number of 16-bit holding
// registers it occupies.
var registerCount = map[Type]uint16{
	Uint16:  1,
	Int16:   1,
	Uint32:  2,
	Int64:   4,
	Utf8:    8,
	Float32: 2,
}

// MaxAddress is the highest valid holding register address.
const MaxAddress = 39999

// Register holds the request parameters for one Modbus read: the
// slave unit id, the starting register address and the decode type.
type Register struct {
	Unit uint8
	Addr uint16
	Type Type
}

// NewRequest builds a validated request reading one register block.
func NewRequest(name string, unit uint8, addr int, typ Type) (sensor.Request, error) {
	if addr < 0 || addr > MaxAddress {
		return sensor.Request{}, errgo.Newf("address %d not within possible range 0-%d", addr, MaxAddress)
	}
	if _, ok := registerCount[typ]; !ok {
		return sensor.Request{}, errgo.Newf("invalid register type %q", typ)
	}
	return sensor.Request{
		Name: name,
		Params: Register{
			Unit: unit,
			Addr: uint16(addr),
			Type: typ,
		},
	}, nil
}

// Config holds the parameters for a call to New.
type Config struct {
	// Addr holds the device address (host:port).
	Addr string
	// Timeout bounds each request/response exchange and the
	// connection test dial. If it's zero, 5 seconds is used.
	Timeout time.Duration
}

// Client implements sensor.Client for one Modbus/TCP device. It
// keeps a single pooled connection, redialling on demand; a collector
// drives it from a single goroutine but it locks internally so a
// connection test from another goroutine is safe.
type Client struct {
	cfg Config

	// mu guards the fields below it.
	mu   sync.Mutex
	conn net.Conn
	txid uint16
}

// New returns a client for the device at cfg.Addr. No connection is
// made until the first use.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{cfg: cfg}
}

// Close closes the pooled connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// TestConnection implements sensor.Client by ensuring a live TCP
// connection to the device.
func (c *Client) TestConnection(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConn() == nil
}

// ExecuteRequest implements sensor.Client. The request's Params must
// be a Register.
func (c *Client) ExecuteRequest(ctx context.Context, req sensor.Request) (sensor.Value, error) {
	reg, ok := req.Params.(Register)
	if !ok {
		return sensor.Value{}, errgo.Newf("request %q has no modbus register parameters", req.Name)
	}
	count, ok := registerCount[reg.Type]
	if !ok {
		return sensor.Value{}, errgo.Newf("request %q has invalid register type %q", req.Name, reg.Type)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.exchange(reg, count)
	if err != nil {
		// Drop the connection so the next attempt redials.
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		return sensor.Value{}, errgo.NoteMask(err, "request "+req.Name, errgo.Any)
	}
	return decode(reg.Type, data)
}

// exchange sends one read-holding-registers request and returns the
// raw register bytes from the response.
func (c *Client) exchange(reg Register, count uint16) ([]byte, error) {
	if err := c.ensureConn(); err != nil {
		return nil, errgo.Mask(err)
	}
	c.txid++
	// MBAP header plus function 3 PDU.
	frame := make([]byte, 12)
	binary.BigEndian.PutUint16(frame[0:], c.txid)
	binary.BigEndian.PutUint16(frame[2:], 0) // protocol id
	binary.BigEndian.PutUint16(frame[4:], 6) // remaining length
	frame[6] = reg.Unit
	frame[7] = 3
	binary.BigEndian.PutUint16(frame[8:], reg.Addr)
	binary.BigEndian.PutUint16(frame[10:], count)

	c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	if _, err := c.conn.Write(frame); err != nil {
		return nil, errgo.Notef(err, "cannot send request")
	}
	header := make([]byte, 9)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, errgo.Notef(err, "cannot read response")
	}
	if rxid := binary.BigEndian.Uint16(header[0:]); rxid != c.txid {
		return nil, errgo.Newf("unexpected transaction id %d in response; want %d", rxid, c.txid)
	}
	fn := header[7]
	if fn == 3|0x80 {
		// Exception response: the ninth byte is the exception code.
		return nil, errgo.Newf("device exception code %d", header[8])
	}
	if fn != 3 {
		return nil, errgo.Newf("unexpected function code %d in response", fn)
	}
	byteCount := int(header[8])
	if byteCount != int(count)*2 {
		return nil, errgo.Newf("unexpected byte count %d in response; want %d", byteCount, count*2)
	}
	data := make([]byte, byteCount)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, errgo.Notef(err, "cannot read register data")
	}
	return data, nil
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.Timeout)
	if err != nil {
		return errgo.Notef(err, "cannot connect to modbus device at %q", c.cfg.Addr)
	}
	c.conn = conn
	return nil
}

// decode interprets a big-endian register block as the given type.
// Undecodable responses are errors; they are never coerced to a zero
// reading.
func decode(typ Type, data []byte) (sensor.Value, error) {
	switch typ {
	case Uint16:
		return sensor.IntValue(int64(binary.BigEndian.Uint16(data))), nil
	case Int16:
		return sensor.IntValue(int64(int16(binary.BigEndian.Uint16(data)))), nil
	case Uint32:
		return sensor.IntValue(int64(binary.BigEndian.Uint32(data))), nil
	case Int64:
		return sensor.IntValue(int64(binary.BigEndian.Uint64(data))), nil
	case Float32:
		f := math.Float32frombits(binary.BigEndian.Uint32(data))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return sensor.Value{}, errgo.Newf("invalid float register value")
		}
		return sensor.FloatValue(float64(f)), nil
	case Utf8:
		end := len(data)
		for end > 0 && data[end-1] == 0 {
			end--
		}
		return sensor.StringValue(string(data[:end])), nil
	}
	return sensor.Value{}, errgo.Newf("invalid register type %q", typ)
}
