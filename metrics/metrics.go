// Package metrics defines the small observation surface exercised by
// the collection and upload workers, with a Prometheus-backed
// implementation and a no-op default.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives notifications about scheduler activity.
// Implementations must be safe for concurrent use; upload
// notifications arrive from concurrent upload tasks.
type Observer interface {
	// TickDone records one completed read tick and how long the
	// reads took; ok is false when the tick aborted on a read error.
	TickDone(d time.Duration, ok bool)
	// RowAppended records one row written to the day file.
	RowAppended()
	// RotationDone records one day rotation.
	RotationDone()
	// UploadDone records one upload attempt against the named sink.
	UploadDone(sink string, d time.Duration, err error)
	// InsertDone records one row insert attempt against the named sink.
	InsertDone(sink string, err error)
}

// Nop returns an Observer that discards everything.
func Nop() Observer {
	return nopObserver{}
}

type nopObserver struct{}

func (nopObserver) TickDone(time.Duration, bool)               {}
func (nopObserver) RowAppended()                               {}
func (nopObserver) RotationDone()                              {}
func (nopObserver) UploadDone(string, time.Duration, error)    {}
func (nopObserver) InsertDone(string, error)                   {}

// Prom is an Observer backed by Prometheus collectors.
type Prom struct {
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	rows           prometheus.Counter
	rotations      prometheus.Counter
	uploads        *prometheus.CounterVec
	uploadDuration *prometheus.HistogramVec
	inserts        *prometheus.CounterVec
}

// NewProm returns an Observer whose collectors are registered with
// the given registerer.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridlog_ticks_total",
			Help: "Read ticks executed, by outcome.",
		}, []string{"ok"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridlog_tick_read_duration_seconds",
			Help:    "Time spent executing the request set in one tick.",
			Buckets: prometheus.DefBuckets,
		}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridlog_rows_appended_total",
			Help: "Rows appended to day files.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridlog_rotations_total",
			Help: "Day file rotations.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridlog_uploads_total",
			Help: "Upload attempts, by sink and outcome.",
		}, []string{"sink", "ok"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridlog_upload_duration_seconds",
			Help:    "Duration of successful uploads, by sink.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"sink"}),
		inserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridlog_row_inserts_total",
			Help: "Row insert attempts, by sink and outcome.",
		}, []string{"sink", "ok"}),
	}
	reg.MustRegister(p.ticks, p.tickDuration, p.rows, p.rotations, p.uploads, p.uploadDuration, p.inserts)
	return p
}

func (p *Prom) TickDone(d time.Duration, ok bool) {
	p.ticks.WithLabelValues(strconv.FormatBool(ok)).Inc()
	p.tickDuration.Observe(d.Seconds())
}

func (p *Prom) RowAppended() {
	p.rows.Inc()
}

func (p *Prom) RotationDone() {
	p.rotations.Inc()
}

func (p *Prom) UploadDone(sink string, d time.Duration, err error) {
	p.uploads.WithLabelValues(sink, strconv.FormatBool(err == nil)).Inc()
	if err == nil {
		p.uploadDuration.WithLabelValues(sink).Observe(d.Seconds())
	}
}

func (p *Prom) InsertDone(sink string, err error) {
	p.inserts.WithLabelValues(sink, strconv.FormatBool(err == nil)).Inc()
}
