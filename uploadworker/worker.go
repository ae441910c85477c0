// Package uploadworker implements the upload cadence: a worker that
// periodically submits each managed stream's current day file to the
// configured file sinks, plus an immediate upload of any file closed
// by day rotation. Uploads run as independent supervised tasks so a
// slow or failing upload never delays the read cadence or the next
// upload tick.
package uploadworker

import (
	"context"
	"log"
	"sync"
	"time"

	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/metrics"
	"github.com/gridlog/gridlog/sensor"
)

// FileSink uploads a named local file to a remote store. Uploading
// the same name twice must overwrite, so re-uploading a file after a
// failed or rotated-out attempt is idempotent. Implementations must
// be safe for concurrent use.
type FileSink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// UploadFile uploads the file at the given local path and
	// reports how long the transfer took.
	UploadFile(ctx context.Context, localPath string) (time.Duration, error)
}

// Waiter implements the boundary-aligned interval wait
// (tickclock.Waiter in production).
type Waiter interface {
	WaitInterval(ctx context.Context, interval time.Duration) error
}

// Params holds the parameters for a call to New.
type Params struct {
	// Interval holds the upload cadence interval.
	Interval time.Duration
	// Sinks holds the destinations every upload goes to.
	Sinks []FileSink
	// Waiter implements the cadence wait.
	Waiter Waiter
	// Observer receives upload notifications. If it's nil,
	// metrics.Nop() is used.
	Observer metrics.Observer
	// UploadTimeout bounds each individual upload attempt.
	// If it's zero, 5 minutes is used.
	UploadTimeout time.Duration
}

// Worker runs the upload cadence.
type Worker struct {
	p      Params
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	// mu guards sources.
	mu      sync.Mutex
	sources []source
}

type source struct {
	stream sensor.Stream
	// current returns the path of the stream's currently-open day
	// file, or "" when none is open yet.
	current func() string
}

// New starts an upload worker. It should be closed after use.
func New(p Params) (*Worker, error) {
	if p.Interval%time.Second != 0 || p.Interval < time.Second {
		return nil, errgo.Newf("invalid upload interval %v; must be a whole number of seconds", p.Interval)
	}
	if len(p.Sinks) == 0 {
		return nil, errgo.New("no file sinks configured")
	}
	if p.Waiter == nil {
		return nil, errgo.New("no waiter configured")
	}
	if p.Observer == nil {
		p.Observer = metrics.Nop()
	}
	if p.UploadTimeout == 0 {
		p.UploadTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		p:      p,
		ctx:    ctx,
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Add registers a stream whose current day file is uploaded on every
// cadence tick. The current function is called from the worker's
// goroutine and must be safe for concurrent use.
func (w *Worker) Add(stream sensor.Stream, current func() string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources = append(w.sources, source{stream: stream, current: current})
}

// FileClosed implements collector.RotationNotifier: it immediately
// submits an upload of the file that day rotation just closed, in
// addition to the periodic upload of the now-current file. It does
// not block.
func (w *Worker) FileClosed(stream sensor.Stream, path string) {
	w.submit(stream, path)
}

// Close cancels the cadence and any in-flight uploads and waits for
// every upload task to finish.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		if err := w.p.Waiter.WaitInterval(w.ctx, w.p.Interval); err != nil {
			return
		}
		w.mu.Lock()
		sources := append([]source(nil), w.sources...)
		w.mu.Unlock()
		for _, src := range sources {
			if path := src.current(); path != "" {
				w.submit(src.stream, path)
			}
		}
	}
}

// submit starts one fire-and-forget upload task per sink for the
// given file. Failures are logged and counted; no retry is scheduled
// for a failed item - it is only retried naturally by a later
// cadence tick while it is still the current file.
func (w *Worker) submit(stream sensor.Stream, path string) {
	for _, sink := range w.p.Sinks {
		sink := sink
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			ctx, cancel := context.WithTimeout(w.ctx, w.p.UploadTimeout)
			defer cancel()
			d, err := sink.UploadFile(ctx, path)
			w.p.Observer.UploadDone(sink.Name(), d, err)
			if err != nil {
				log.Printf("upload of %q for %v to %s failed: %v", path, stream, sink.Name(), err)
				return
			}
			log.Printf("uploaded %q for %v to %s in %v", path, stream, sink.Name(), d)
		}()
	}
}
