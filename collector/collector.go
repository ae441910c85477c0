// Package collector implements the collection scheduler: the worker
// that drives one sensor stream's read cadence, aligns ticks to clock
// boundaries, rotates the day file at date changes and hands closed
// files to the upload path. Transport failure terminates the worker;
// persistence failure never does.
package collector

import (
	"context"
	"log"
	"sync"
	"time"

	errgo "gopkg.in/errgo.v1"
	retry "gopkg.in/retry.v1"

	"github.com/gridlog/gridlog/daylog"
	"github.com/gridlog/gridlog/metrics"
	"github.com/gridlog/gridlog/sensor"
)

var (
	// ErrConfig is the cause of errors returned for invalid
	// parameters, before any I/O has happened.
	ErrConfig = errgo.New("invalid collector configuration")
	// ErrNotConnected is the cause of errors returned when the
	// sensor is unreachable at a required checkpoint.
	ErrNotConnected = errgo.New("sensor not connected")
	// ErrStopped is the cause of the final error when the read loop
	// halted but the sensor connection has recovered; the caller
	// decides whether to start a new collection run.
	ErrStopped = errgo.New("collection stopped")
)

// RowSink receives each snapshot as it is collected. Inserts run
// inline on the tick, one attempt per snapshot; failures are logged
// and counted, never propagated to the read cadence.
type RowSink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// InsertRow stores one snapshot. The header columns line up
	// 1:1 with the date stamp, time stamp and snapshot values.
	InsertRow(ctx context.Context, header []string, snap sensor.Snapshot) error
}

// Waiter implements the boundary-aligned wait policy
// (tickclock.Waiter in production).
type Waiter interface {
	WaitInterval(ctx context.Context, interval time.Duration) error
	WaitNextMinute(ctx context.Context) error
}

// RotationNotifier is told about files closed by day rotation so it
// can queue them for upload (uploadworker.Worker in production).
// Implementations must not block.
type RotationNotifier interface {
	FileClosed(stream sensor.Stream, path string)
}

// Params holds the parameters for a call to New.
type Params struct {
	// Stream identifies the sensor stream being collected.
	Stream sensor.Stream
	// Client is used to execute requests against the sensor.
	Client sensor.Client
	// Requests holds the requests executed, in order, on every tick.
	Requests sensor.RequestSet
	// Delimiter holds the single-character output field delimiter.
	Delimiter string
	// ReadInterval holds the read cadence interval. It must be a
	// whole number of seconds in [1s, 24h].
	ReadInterval time.Duration
	// UploadInterval holds the upload cadence interval, when an
	// upload dispatcher is configured. It must be at least
	// ReadInterval.
	UploadInterval time.Duration
	// Sink holds the stream's day file sink.
	Sink *daylog.Sink
	// RowSinks holds sinks offered each snapshot inline on the
	// tick. It may be empty.
	RowSinks []RowSink
	// Rotations, if non-nil, is notified when a day file closes.
	Rotations RotationNotifier
	// Waiter implements the interval waits.
	Waiter Waiter
	// Now is used to query the current time. If it's nil, time.Now
	// will be used.
	Now func() time.Time
	// Observer receives activity notifications. If it's nil,
	// metrics.Nop() is used.
	Observer metrics.Observer
	// InsertTimeout bounds each inline row insert.
	// If it's zero, 10 seconds is used.
	InsertTimeout time.Duration
}

// Worker runs the collection loop for one stream.
type Worker struct {
	p      Params
	header []string
	ctx    context.Context
	cancel func()
	done   chan struct{}

	// mu guards the fields below it.
	mu       sync.Mutex
	lastTick time.Time
	finalErr error
}

// New checks p, verifies that the sensor is reachable, and starts the
// collection worker. It returns an error with cause ErrConfig before
// touching the sensor if p is invalid, and an error with cause
// ErrNotConnected if the initial connection test fails; in the latter
// case no retry loop is entered, so the caller must re-invoke.
func New(p Params) (*Worker, error) {
	if err := validate(&p); err != nil {
		return nil, errgo.WithCausef(err, ErrConfig, "bad collector parameters")
	}
	if !p.Client.TestConnection(context.Background()) {
		return nil, errgo.WithCausef(nil, ErrNotConnected, "sensor %v unreachable at start", p.Stream)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		p:      p,
		header: append([]string{"date_stamp", "time_stamp"}, p.Requests.Names()...),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func validate(p *Params) error {
	if p.Client == nil || p.Sink == nil || p.Waiter == nil {
		return errgo.New("missing client, sink or waiter")
	}
	if len(p.Delimiter) != 1 {
		return errgo.Newf("invalid delimiter %q; must be a single character", p.Delimiter)
	}
	if err := p.Stream.Validate(p.Delimiter); err != nil {
		return errgo.Mask(err)
	}
	if err := p.Requests.Validate(p.Delimiter); err != nil {
		return errgo.Mask(err)
	}
	if p.ReadInterval%time.Second != 0 || p.ReadInterval < time.Second || p.ReadInterval > 24*time.Hour {
		return errgo.Newf("invalid read interval %v; must be a whole number of seconds in [1s, 24h]", p.ReadInterval)
	}
	if p.Rotations != nil || len(p.RowSinks) > 0 {
		if p.UploadInterval%time.Second != 0 || p.UploadInterval < p.ReadInterval {
			return errgo.Newf("invalid upload interval %v; must be a whole number of seconds >= the read interval %v", p.UploadInterval, p.ReadInterval)
		}
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Observer == nil {
		p.Observer = metrics.Nop()
	}
	if p.InsertTimeout == 0 {
		p.InsertTimeout = 10 * time.Second
	}
	return nil
}

// Close stops the worker promptly and waits for it to finish. It is
// a no-op if the worker has already terminated on its own.
func (w *Worker) Close() {
	w.cancel()
	<-w.done
}

// Done returns a channel that's closed when the worker has
// terminated, either via Close or on an unrecoverable read failure.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err returns the error that terminated the run, valid once Done is
// closed. It is nil after a clean Close; otherwise its cause is
// ErrNotConnected or ErrStopped.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalErr
}

func (w *Worker) run() {
	defer close(w.done)
	log.Printf("collector for %v starting (read interval %v)", w.p.Stream, w.p.ReadInterval)
	err := w.collect()
	if err == nil || w.ctx.Err() != nil {
		// Clean shutdown via Close.
		return
	}
	// The loop halted; re-check the connection to decide whether
	// this was a transport loss or a one-off failure.
	if !w.p.Client.TestConnection(context.Background()) {
		err = errgo.WithCausef(err, ErrNotConnected, "sensor %v connection lost; %s", w.p.Stream, w.lastTickInfo())
	} else {
		err = errgo.WithCausef(err, ErrStopped, "collection for %v stopped; %s", w.p.Stream, w.lastTickInfo())
	}
	log.Printf("%v", err)
	w.mu.Lock()
	w.finalErr = err
	w.mu.Unlock()
}

func (w *Worker) collect() error {
	// Align the first tick to the start of the next minute so
	// successive runs produce comparable timestamps.
	if err := w.p.Waiter.WaitNextMinute(w.ctx); err != nil {
		return nil
	}
	prevDate := ""
	for {
		now := w.p.Now()
		date := now.Format(sensor.DateFormat)
		if date != prevDate {
			if err := w.rotate(date, prevDate); err != nil {
				return errgo.Notef(err, "rotate checkpoint")
			}
			prevDate = date
		}
		t0 := time.Now()
		snap, err := w.readAll(now)
		w.p.Observer.TickDone(time.Since(t0), err == nil)
		if err != nil {
			if w.ctx.Err() != nil {
				return nil
			}
			return errgo.Notef(err, "read checkpoint")
		}
		if err := w.p.Sink.Append(snap.Row(w.p.Delimiter)); err != nil {
			log.Printf("cannot append row for %v: %v", w.p.Stream, err)
		} else {
			w.p.Observer.RowAppended()
		}
		w.offerRow(snap)
		w.mu.Lock()
		w.lastTick = now
		w.mu.Unlock()
		if err := w.p.Waiter.WaitInterval(w.ctx, w.p.ReadInterval); err != nil {
			return nil
		}
	}
}

func (w *Worker) rotate(date, prevDate string) error {
	closed, err := w.p.Sink.Rotate(date)
	if err != nil {
		return errgo.Mask(err)
	}
	if closed == "" {
		return nil
	}
	log.Printf("rotated %v day file %s -> %s", w.p.Stream, prevDate, date)
	w.p.Observer.RotationDone()
	if w.p.Rotations != nil {
		w.p.Rotations.FileClosed(w.p.Stream, closed)
	}
	return nil
}

// readRetryStrategy bounds the per-request retry of transient read
// faults. The total retry delay stays well under the minimum one
// second read interval.
var readRetryStrategy = retry.LimitCount(3, retry.Exponential{
	Initial:  100 * time.Millisecond,
	Factor:   2,
	MaxDelay: time.Second,
})

// readAll executes the request set strictly in order, so requests
// deriving their value from earlier requests in the set see those
// values (see sensor.Derive).
func (w *Worker) readAll(now time.Time) (sensor.Snapshot, error) {
	values := make([]sensor.Value, 0, len(w.p.Requests))
	for _, req := range w.p.Requests {
		v, err := w.read(req)
		if err != nil {
			return sensor.Snapshot{}, errgo.NoteMask(err, "request "+req.Name, errgo.Any)
		}
		values = append(values, v)
	}
	return sensor.NewSnapshot(now, values), nil
}

func (w *Worker) read(req sensor.Request) (sensor.Value, error) {
	var lastErr error
	for a := retry.StartWithCancel(readRetryStrategy, nil, w.ctx.Done()); a.Next(); {
		v, err := w.p.Client.ExecuteRequest(w.ctx, req)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if a.More() {
			log.Printf("read of %q from %v failed, retrying: %v", req.Name, w.p.Stream, err)
		}
	}
	if lastErr == nil {
		// Only happens when the worker is being closed.
		lastErr = w.ctx.Err()
	}
	return sensor.Value{}, errgo.Mask(lastErr, errgo.Any)
}

// offerRow offers the snapshot to each configured row sink, one
// attempt per sink per snapshot, inline on the tick.
func (w *Worker) offerRow(snap sensor.Snapshot) {
	for _, sink := range w.p.RowSinks {
		ctx, cancel := context.WithTimeout(w.ctx, w.p.InsertTimeout)
		err := sink.InsertRow(ctx, w.header, snap)
		cancel()
		if err != nil {
			log.Printf("cannot insert %v row into %s: %v", w.p.Stream, sink.Name(), err)
		}
		w.p.Observer.InsertDone(sink.Name(), err)
	}
}

func (w *Worker) lastTickInfo() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastTick.IsZero() {
		return "no successful ticks"
	}
	return "last successful tick at " + w.lastTick.Format(sensor.DateFormat+" "+sensor.TimeFormat)
}
