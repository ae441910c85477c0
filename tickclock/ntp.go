package tickclock

import (
	"log"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// ntpQuery is used to query the current NTP time.
// It's overridden for tests.
var ntpQuery = ntp.QueryWithOptions

const (
	DefaultNTPHost        = "pool.ntp.org"
	DefaultNTPTimeout     = 30 * time.Second
	defaultResyncInterval = 30 * time.Minute
)

// NTPParams configures an NTPClock.
type NTPParams struct {
	// Host holds the NTP host to use.
	// If it's empty, DefaultNTPHost is used.
	Host string
	// Timeout holds the timeout on the initial NTP query.
	// If it's zero, DefaultNTPTimeout is used.
	Timeout time.Duration
	// Resync holds how often to re-query the NTP host.
	// If it's zero, the clock resyncs every 30 minutes.
	Resync time.Duration
}

// NTPClock is an NTP-disciplined source of time values for hosts
// whose system clock can't be relied on for sane timestamps. Its Now
// method can be injected into a Waiter and a collector so that tick
// alignment and row time stamps track NTP time rather than the
// possibly-wrong local clock.
type NTPClock struct {
	host   string
	closed chan struct{}

	// mu guards the fields below it.
	mu sync.Mutex
	// t0 holds the system clock time at the last sync.
	t0 time.Time
	// absT0 holds the NTP time corresponding to t0.
	absT0 time.Time
	// prevTime holds the previous reading returned from Now.
	prevTime time.Time
}

// NewNTPClock returns a clock synchronized against the given NTP
// host. It blocks for up to the configured timeout while making the
// initial query. The clock should be closed after use.
func NewNTPClock(p NTPParams) (*NTPClock, error) {
	if p.Host == "" {
		p.Host = DefaultNTPHost
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultNTPTimeout
	}
	if p.Resync == 0 {
		p.Resync = defaultResyncInterval
	}
	c := &NTPClock{
		host:   p.Host,
		closed: make(chan struct{}),
	}
	if err := c.sync(p.Timeout); err != nil {
		return nil, err
	}
	go c.resyncLoop(p.Resync)
	return c, nil
}

// Now returns a best-effort representation of the absolute time.
// The returned time does not contain a monotonic clock reading.
func (c *NTPClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.absT0.Add(time.Since(c.t0))
	// Try to make sure that the time increases monotonically.
	// This can't work across restarts, of course.
	if t.Before(c.prevTime) {
		return c.prevTime
	}
	c.prevTime = t
	return t
}

func (c *NTPClock) Close() {
	close(c.closed)
}

func (c *NTPClock) resyncLoop(interval time.Duration) {
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(interval):
		}
		if err := c.sync(20 * time.Second); err != nil {
			log.Printf("cannot update time from NTP host %q: %v", c.host, err)
		}
	}
}

func (c *NTPClock) sync(timeout time.Duration) error {
	resp, err := ntpQuery(c.host, ntp.QueryOptions{
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t0 = time.Now()
	c.absT0 = c.t0.Add(resp.ClockOffset).Round(0)
	return nil
}
