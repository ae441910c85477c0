// Package httpmeter implements the sensor client for panel meters
// that expose their registers over HTTP: a GET of /status returns one
// key=value line per register, integer-valued, with scale registers
// (power-of-ten exponents) alongside the data registers.
package httpmeter

import (
	"bufio"
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/sensor"
)

// Field holds the request parameters for one httpmeter register: the
// status key to read and, optionally, the key of the scale register
// that gives its power-of-ten exponent. Scaled values are decoded as
// value * 10^(scale-6); unscaled values are returned as raw integers.
type Field struct {
	Key   string
	Scale string
}

// Fields holds one fetched status page.
type Fields map[string]int

// Fetch retrieves and parses the status page of the meter at the
// given host (host or host:port).
func Fetch(ctx context.Context, host string) (Fields, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+host+"/status", nil)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errgo.Notef(err, "cannot fetch meter status")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errgo.Newf("error status fetching meter status: %v", resp.Status)
	}
	fields := make(Fields)
	scan := bufio.NewScanner(resp.Body)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			return nil, errgo.Newf("invalid status line %q", line)
		}
		val, err := strconv.Atoi(line[i+1:])
		if err != nil {
			return nil, errgo.Newf("invalid value in status line %q", line)
		}
		fields[line[:i]] = val
	}
	if err := scan.Err(); err != nil {
		return nil, errgo.Mask(err)
	}
	return fields, nil
}

// Params holds the parameters for a call to New.
type Params struct {
	// Host holds the meter address (host or host:port).
	Host string
	// FreshFor holds how long one fetched status page answers
	// subsequent requests, so the requests of a single tick share
	// one fetch. If it's zero, 500ms is used.
	FreshFor time.Duration
	// Timeout bounds the connection test fetch.
	// If it's zero, 5 seconds is used.
	Timeout time.Duration
}

// Client implements sensor.Client for one httpmeter.
type Client struct {
	p Params

	// mu guards the fields below it.
	mu      sync.Mutex
	fetched time.Time
	fields  Fields
}

// New returns a client for the meter at p.Host.
func New(p Params) *Client {
	if p.FreshFor == 0 {
		p.FreshFor = 500 * time.Millisecond
	}
	if p.Timeout == 0 {
		p.Timeout = 5 * time.Second
	}
	return &Client{p: p}
}

// TestConnection implements sensor.Client by fetching the status
// page with a short timeout.
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.p.Timeout)
	defer cancel()
	_, err := Fetch(ctx, c.p.Host)
	return err == nil
}

// ExecuteRequest implements sensor.Client. The request's Params must
// be a Field.
func (c *Client) ExecuteRequest(ctx context.Context, req sensor.Request) (sensor.Value, error) {
	field, ok := req.Params.(Field)
	if !ok {
		return sensor.Value{}, errgo.Newf("request %q has no httpmeter field parameters", req.Name)
	}
	fields, err := c.status(ctx)
	if err != nil {
		return sensor.Value{}, errgo.Mask(err)
	}
	v, err := field.Decode(fields)
	if err != nil {
		return sensor.Value{}, errgo.NoteMask(err, "request "+req.Name, errgo.Any)
	}
	return v, nil
}

// Decode extracts the field's value from a fetched status page,
// applying the scale register when one is configured.
func (f Field) Decode(fields Fields) (sensor.Value, error) {
	v, ok := fields[f.Key]
	if !ok {
		return sensor.Value{}, errgo.Newf("no status key %q", f.Key)
	}
	if f.Scale == "" {
		return sensor.IntValue(int64(v)), nil
	}
	sv, ok := fields[f.Scale]
	if !ok {
		return sensor.Value{}, errgo.Newf("no scale key %q", f.Scale)
	}
	return sensor.FloatValue(float64(v) * math.Pow(10, float64(sv)-6)), nil
}

// status returns the current status page, fetching it unless a
// recent enough fetch is cached. Requests executed in set order
// within one tick thus share a single fetch.
func (c *Client) status(ctx context.Context) (Fields, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields != nil && time.Since(c.fetched) < c.p.FreshFor {
		return c.fields, nil
	}
	fields, err := Fetch(ctx, c.p.Host)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	c.fields = fields
	c.fetched = time.Now()
	return fields, nil
}
