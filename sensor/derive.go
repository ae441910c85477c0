package sensor

import (
	"context"
	"sync"

	errgo "gopkg.in/errgo.v1"
)

// Derived marks a request whose value is computed from values read
// earlier in the same request set rather than from the device. The
// inputs must name requests that appear before the derived request
// in set order; the set's ordering contract makes their values
// available by the time the derived request executes.
type Derived struct {
	// Inputs names the requests whose values feed the computation,
	// in the order they are passed to Compute.
	Inputs []string
	// Compute computes the derived value from the input values.
	Compute func(inputs []Value) (Value, error)
}

// Derive returns a Client that executes ordinary requests against
// client and answers requests carrying Derived params from values
// cached earlier in the same tick. It is safe for concurrent use
// only to the extent that client is; a collector drives it from a
// single goroutine.
func Derive(client Client) Client {
	return &deriveClient{
		client: client,
		recent: make(map[string]Value),
	}
}

type deriveClient struct {
	client Client
	mu     sync.Mutex
	recent map[string]Value
}

func (c *deriveClient) TestConnection(ctx context.Context) bool {
	return c.client.TestConnection(ctx)
}

func (c *deriveClient) ExecuteRequest(ctx context.Context, req Request) (Value, error) {
	d, ok := req.Params.(Derived)
	if !ok {
		v, err := c.client.ExecuteRequest(ctx, req)
		if err != nil {
			return Value{}, errgo.Mask(err, errgo.Any)
		}
		c.mu.Lock()
		c.recent[req.Name] = v
		c.mu.Unlock()
		return v, nil
	}
	inputs := make([]Value, len(d.Inputs))
	c.mu.Lock()
	for i, name := range d.Inputs {
		v, ok := c.recent[name]
		if !ok {
			c.mu.Unlock()
			return Value{}, errgo.Newf("derived request %q: no value read for input %q", req.Name, name)
		}
		inputs[i] = v
	}
	c.mu.Unlock()
	v, err := d.Compute(inputs)
	if err != nil {
		return Value{}, errgo.Notef(err, "derived request %q", req.Name)
	}
	c.mu.Lock()
	c.recent[req.Name] = v
	c.mu.Unlock()
	return v, nil
}
