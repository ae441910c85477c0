package uploadworker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/sensor"
	"github.com/gridlog/gridlog/uploadworker"
)

var testStream = sensor.Stream{Name: "pyro1", Location: "roof"}

// fakeWaiter releases one cadence wait per value sent on ticks.
type fakeWaiter struct {
	ticks chan struct{}
}

func (w *fakeWaiter) WaitInterval(ctx context.Context, interval time.Duration) error {
	select {
	case <-w.ticks:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeSink records uploaded paths and can be made slow or failing.
type fakeSink struct {
	name string
	// block, if non-nil, is received from before an upload returns.
	block chan struct{}
	err   error

	mu    sync.Mutex
	paths []string
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) UploadFile(ctx context.Context, path string) (time.Duration, error) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return time.Millisecond, s.err
}

func (s *fakeSink) uploaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *fakeSink) waitUploads(c *qt.C, n int) []string {
	for i := 0; i < 1000; i++ {
		if got := s.uploaded(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	c.Fatalf("timed out waiting for %d uploads; got %v", n, s.uploaded())
	panic("unreachable")
}

func TestCadenceUploadsCurrentFile(t *testing.T) {
	c := qt.New(t)
	waiter := &fakeWaiter{ticks: make(chan struct{})}
	sink := &fakeSink{name: "fake"}
	w, err := uploadworker.New(uploadworker.Params{
		Interval: 300 * time.Second,
		Sinks:    []uploadworker.FileSink{sink},
		Waiter:   waiter,
	})
	c.Assert(err, qt.IsNil)
	defer w.Close()

	var mu sync.Mutex
	current := "/outputs/150603_pyro1_roof.csv"
	w.Add(testStream, func() string {
		mu.Lock()
		defer mu.Unlock()
		return current
	})

	waiter.ticks <- struct{}{}
	got := sink.waitUploads(c, 1)
	c.Assert(got, qt.DeepEquals, []string{"/outputs/150603_pyro1_roof.csv"})

	// The next cadence tick uploads whatever is current then.
	mu.Lock()
	current = "/outputs/150604_pyro1_roof.csv"
	mu.Unlock()
	waiter.ticks <- struct{}{}
	got = sink.waitUploads(c, 2)
	c.Assert(got[1], qt.Equals, "/outputs/150604_pyro1_roof.csv")
}

func TestNoUploadBeforeFirstFile(t *testing.T) {
	c := qt.New(t)
	waiter := &fakeWaiter{ticks: make(chan struct{})}
	sink := &fakeSink{name: "fake"}
	w, err := uploadworker.New(uploadworker.Params{
		Interval: 300 * time.Second,
		Sinks:    []uploadworker.FileSink{sink},
		Waiter:   waiter,
	})
	c.Assert(err, qt.IsNil)

	w.Add(testStream, func() string { return "" })
	waiter.ticks <- struct{}{}
	// Give the cadence a moment to run its tick, then shut down.
	time.Sleep(10 * time.Millisecond)
	w.Close()
	c.Assert(sink.uploaded(), qt.HasLen, 0)
}

func TestFileClosedUploadsImmediately(t *testing.T) {
	c := qt.New(t)
	waiter := &fakeWaiter{ticks: make(chan struct{})}
	sink := &fakeSink{name: "fake"}
	w, err := uploadworker.New(uploadworker.Params{
		Interval: 300 * time.Second,
		Sinks:    []uploadworker.FileSink{sink},
		Waiter:   waiter,
	})
	c.Assert(err, qt.IsNil)
	defer w.Close()

	// No cadence tick is released; the rotation upload must still go out.
	w.FileClosed(testStream, "/outputs/150603_pyro1_roof.csv")
	got := sink.waitUploads(c, 1)
	c.Assert(got, qt.DeepEquals, []string{"/outputs/150603_pyro1_roof.csv"})
}

func TestSlowUploadDoesNotBlockNextTick(t *testing.T) {
	c := qt.New(t)
	waiter := &fakeWaiter{ticks: make(chan struct{})}
	slow := &fakeSink{name: "slow", block: make(chan struct{})}
	w, err := uploadworker.New(uploadworker.Params{
		Interval: 300 * time.Second,
		Sinks:    []uploadworker.FileSink{slow},
		Waiter:   waiter,
	})
	c.Assert(err, qt.IsNil)

	w.Add(testStream, func() string { return "/outputs/150603_pyro1_roof.csv" })

	// Two cadence ticks while the first upload is still blocked.
	waiter.ticks <- struct{}{}
	slow.waitUploads(c, 1)
	waiter.ticks <- struct{}{}
	slow.waitUploads(c, 2)

	// Unblock both uploads and shut down; Close joins them.
	close(slow.block)
	w.Close()
	c.Assert(slow.uploaded(), qt.HasLen, 2)
}

func TestUploadFailureIsIsolated(t *testing.T) {
	c := qt.New(t)
	waiter := &fakeWaiter{ticks: make(chan struct{})}
	failing := &fakeSink{name: "failing", err: errgo.New("remote store down")}
	ok := &fakeSink{name: "ok"}
	w, err := uploadworker.New(uploadworker.Params{
		Interval: 300 * time.Second,
		Sinks:    []uploadworker.FileSink{failing, ok},
		Waiter:   waiter,
	})
	c.Assert(err, qt.IsNil)
	defer w.Close()

	w.Add(testStream, func() string { return "/outputs/150603_pyro1_roof.csv" })

	// A failing sink doesn't stop the other sink, and doesn't stop
	// later cadence ticks from retrying the still-current file.
	waiter.ticks <- struct{}{}
	failing.waitUploads(c, 1)
	ok.waitUploads(c, 1)
	waiter.ticks <- struct{}{}
	failing.waitUploads(c, 2)
	ok.waitUploads(c, 2)
}

func TestCloseCancelsInFlightUploads(t *testing.T) {
	c := qt.New(t)
	waiter := &fakeWaiter{ticks: make(chan struct{})}
	stuck := &fakeSink{name: "stuck", block: make(chan struct{})}
	w, err := uploadworker.New(uploadworker.Params{
		Interval: 300 * time.Second,
		Sinks:    []uploadworker.FileSink{stuck},
		Waiter:   waiter,
	})
	c.Assert(err, qt.IsNil)

	w.FileClosed(testStream, "/outputs/150603_pyro1_roof.csv")
	stuck.waitUploads(c, 1)

	// The upload never completes on its own; Close must cancel it
	// and return.
	done := make(chan struct{})
	go func() {
		w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatalf("Close did not cancel the in-flight upload")
	}
}

func TestNewValidation(t *testing.T) {
	c := qt.New(t)
	waiter := &fakeWaiter{ticks: make(chan struct{})}
	_, err := uploadworker.New(uploadworker.Params{
		Interval: 1500 * time.Millisecond,
		Sinks:    []uploadworker.FileSink{&fakeSink{name: "fake"}},
		Waiter:   waiter,
	})
	c.Assert(err, qt.ErrorMatches, `invalid upload interval 1.5s; must be a whole number of seconds`)
	_, err = uploadworker.New(uploadworker.Params{
		Interval: 300 * time.Second,
		Waiter:   waiter,
	})
	c.Assert(err, qt.ErrorMatches, `no file sinks configured`)
}
