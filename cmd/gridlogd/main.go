// Gridlogd collects sensor readings on a fixed cadence, appends them
// to daily log files and forwards them to the configured remote
// stores. Its behavior is driven entirely by a YAML configuration
// file; see the gridconfig package for the format.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/collector"
	"github.com/gridlog/gridlog/daylog"
	"github.com/gridlog/gridlog/gcsink"
	"github.com/gridlog/gridlog/gridconfig"
	"github.com/gridlog/gridlog/httpmeter"
	"github.com/gridlog/gridlog/metrics"
	"github.com/gridlog/gridlog/modbustcp"
	"github.com/gridlog/gridlog/mqttsink"
	"github.com/gridlog/gridlog/pgsink"
	"github.com/gridlog/gridlog/rowstore"
	"github.com/gridlog/gridlog/sensor"
	"github.com/gridlog/gridlog/tickclock"
	"github.com/gridlog/gridlog/uploadworker"
)

// Exit statuses, so supervisors can tell a bad configuration from a
// sensor that went away.
const (
	exitConfig       = 2
	exitNotConnected = 3
	exitStopped      = 4
)

var (
	configPath = flag.String("config", "/etc/gridlog.yaml", "configuration file path")
	checkMode  = flag.Bool("check", false, "probe all configured sensors once, print current values and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: gridlogd [-config path] [-check]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(exitConfig)
	}
	cfg, err := gridconfig.Load(*configPath)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(exitConfig)
	}
	if *checkMode {
		os.Exit(check(cfg))
	}
	os.Exit(run(cfg))
}

func run(cfg *gridconfig.Config) int {
	now := time.Now
	if cfg.NTPHost != "" {
		clock, err := tickclock.NewNTPClock(tickclock.NTPParams{
			Host: cfg.NTPHost,
		})
		if err != nil {
			log.Printf("cannot synchronize to NTP host %q: %v", cfg.NTPHost, err)
			return exitNotConnected
		}
		defer clock.Close()
		now = clock.Now
	}
	waiter := tickclock.New(tickclock.Params{
		Now:          now,
		SubSecond:    cfg.SubSecond,
		MinuteSecond: cfg.MinuteSecond,
	})
	observer := metrics.Observer(metrics.Nop())
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		observer = metrics.NewProm(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("serving metrics on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics server failed: %v", err)
			}
		}()
	}

	ctx := context.Background()
	rowSinks, closeSinks, err := newRowSinks(ctx, cfg)
	if err != nil {
		log.Printf("%v", err)
		return exitConfig
	}
	defer closeSinks()

	var uploader *uploadworker.Worker
	if cfg.GCS != nil {
		gc, err := gcsink.New(ctx, gcsink.Params{
			Bucket: cfg.GCS.Bucket,
			Prefix: cfg.GCS.Prefix,
		})
		if err != nil {
			log.Printf("cannot set up GCS sink: %v", err)
			return exitConfig
		}
		uploader, err = uploadworker.New(uploadworker.Params{
			Interval: cfg.UploadInterval(),
			Sinks:    []uploadworker.FileSink{gc},
			Waiter:   waiter,
			Observer: observer,
		})
		if err != nil {
			log.Printf("cannot start upload worker: %v", err)
			return exitConfig
		}
	}

	var collectors []*collector.Worker
	stopAll := func() {
		for _, w := range collectors {
			w.Close()
		}
		if uploader != nil {
			uploader.Close()
		}
	}
	failed := make(chan error, len(cfg.Streams))
	for i := range cfg.Streams {
		w, err := startStream(cfg, &cfg.Streams[i], waiter, now, observer, uploader, rowSinks)
		if err != nil {
			log.Printf("stream %s/%s: %v", cfg.Streams[i].Name, cfg.Streams[i].Location, err)
			stopAll()
			if errgo.Cause(err) == collector.ErrNotConnected {
				return exitNotConnected
			}
			return exitConfig
		}
		collectors = append(collectors, w)
		go func() {
			<-w.Done()
			failed <- w.Err()
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		log.Printf("received %v; shutting down", sig)
		stopAll()
		return 0
	case err := <-failed:
		stopAll()
		if errgo.Cause(err) == collector.ErrNotConnected {
			return exitNotConnected
		}
		return exitStopped
	}
}

func startStream(
	cfg *gridconfig.Config,
	s *gridconfig.Stream,
	waiter *tickclock.Waiter,
	now func() time.Time,
	observer metrics.Observer,
	uploader *uploadworker.Worker,
	rowSinks *rowSinkSet,
) (*collector.Worker, error) {
	set, err := s.RequestSet(cfg.Delimiter)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	client, err := newClient(s)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	sink, err := daylog.Open(daylog.Params{
		Dir:       cfg.OutputDir,
		Stream:    s.Sensor(),
		Delimiter: cfg.Delimiter,
		Ext:       cfg.Ext,
		Header:    set.Header(cfg.Delimiter),
	})
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	p := collector.Params{
		Stream:         s.Sensor(),
		Client:         client,
		Requests:       set,
		Delimiter:      cfg.Delimiter,
		ReadInterval:   cfg.ReadInterval(),
		UploadInterval: cfg.UploadInterval(),
		Sink:           sink,
		Waiter:         waiter,
		Now:            now,
		Observer:       observer,
	}
	sinks, err := rowSinks.forStream(cfg, s.Sensor())
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	p.RowSinks = sinks
	if uploader != nil {
		p.Rotations = uploader
		uploader.Add(s.Sensor(), sink.Current)
	}
	w, err := collector.New(p)
	if err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return w, nil
}

// newClient builds the stream's transport client, wrapped so derived
// requests can be computed from earlier values in the set.
func newClient(s *gridconfig.Stream) (sensor.Client, error) {
	switch s.Transport {
	case gridconfig.TransportModbus:
		return sensor.Derive(modbustcp.New(modbustcp.Config{
			Addr: s.Addr,
		})), nil
	case gridconfig.TransportHTTPMeter:
		return sensor.Derive(httpmeter.New(httpmeter.Params{
			Host: s.Addr,
		})), nil
	}
	return nil, errgo.Newf("unknown transport %q", s.Transport)
}

// rowSinkSet holds the shared row sink backends; per-stream sinks are
// built from it as the collectors start.
type rowSinkSet struct {
	pg    *pgsink.Sink
	store *rowstore.Store
	mqtt  *gridconfig.MQTTConfig
	// mqttSinks records opened MQTT sinks so they get closed.
	mqttSinks []*mqttsink.Sink
}

func newRowSinks(ctx context.Context, cfg *gridconfig.Config) (*rowSinkSet, func(), error) {
	set := &rowSinkSet{
		mqtt: cfg.MQTT,
	}
	closeAll := func() {
		if set.pg != nil {
			set.pg.Close()
		}
		if set.store != nil {
			set.store.Close()
		}
		for _, s := range set.mqttSinks {
			s.Close()
		}
	}
	if cfg.Postgres != nil {
		pg, err := pgsink.New(ctx, pgsink.Params{
			URL:   cfg.Postgres.URL,
			Table: cfg.Postgres.Table,
		})
		if err != nil {
			return nil, closeAll, errgo.Notef(err, "cannot set up database sink")
		}
		set.pg = pg
	}
	if cfg.RowStore != "" {
		store, err := rowstore.Open(cfg.RowStore)
		if err != nil {
			closeAll()
			return nil, func() {}, errgo.Notef(err, "cannot open row store")
		}
		set.store = store
	}
	return set, closeAll, nil
}

func (set *rowSinkSet) forStream(cfg *gridconfig.Config, stream sensor.Stream) ([]collector.RowSink, error) {
	var sinks []collector.RowSink
	if set.pg != nil {
		sinks = append(sinks, set.pg)
	}
	if set.store != nil {
		sinks = append(sinks, set.store.Stream(stream, cfg.Delimiter))
	}
	if set.mqtt != nil {
		s, err := mqttsink.New(mqttsink.Params{
			Broker:      set.mqtt.Broker,
			ClientID:    set.mqtt.ClientID + "-" + stream.Name + "-" + stream.Location,
			TopicPrefix: set.mqtt.TopicPrefix,
			Stream:      stream,
			Username:    set.mqtt.Username,
			Password:    set.mqtt.Password,
		})
		if err != nil {
			return nil, errgo.Notef(err, "cannot set up MQTT sink")
		}
		set.mqttSinks = append(set.mqttSinks, s)
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// check probes every configured sensor once and prints the values it
// would collect, without writing anything.
func check(cfg *gridconfig.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Fetch all httpmeter status pages in one go; concurrent
	// requests for the same host share a single fetch.
	sampler := httpmeter.NewSampler()
	var hosts []string
	hostIndex := make(map[string]int)
	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		if s.Transport == gridconfig.TransportHTTPMeter {
			if _, ok := hostIndex[s.Addr]; !ok {
				hostIndex[s.Addr] = len(hosts)
				hosts = append(hosts, s.Addr)
			}
		}
	}
	var samples []*httpmeter.Sample
	if len(hosts) > 0 {
		samples = sampler.GetAll(ctx, hosts...)
	}

	ok := true
	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		if err := checkStream(ctx, cfg, s, samples, hostIndex); err != nil {
			fmt.Printf("%s/%s: %v\n", s.Name, s.Location, err)
			ok = false
		}
	}
	if !ok {
		return exitNotConnected
	}
	return 0
}

func checkStream(ctx context.Context, cfg *gridconfig.Config, s *gridconfig.Stream, samples []*httpmeter.Sample, hostIndex map[string]int) error {
	set, err := s.RequestSet(cfg.Delimiter)
	if err != nil {
		return errgo.Mask(err, errgo.Any)
	}
	if s.Transport == gridconfig.TransportHTTPMeter {
		sample := samples[hostIndex[s.Addr]]
		if sample == nil {
			return errgo.Newf("no response from meter at %s", s.Addr)
		}
		for _, req := range set {
			field, ok := req.Params.(httpmeter.Field)
			if !ok {
				continue
			}
			v, err := field.Decode(sample.Fields)
			if err != nil {
				return errgo.NoteMask(err, "request "+req.Name, errgo.Any)
			}
			fmt.Printf("%s/%s %s=%s\n", s.Name, s.Location, req.Name, v)
		}
		return nil
	}
	client, err := newClient(s)
	if err != nil {
		return errgo.Mask(err, errgo.Any)
	}
	if !client.TestConnection(ctx) {
		return errgo.Newf("sensor at %s unreachable", s.Addr)
	}
	for _, req := range set {
		v, err := client.ExecuteRequest(ctx, req)
		if err != nil {
			return errgo.NoteMask(err, "request "+req.Name, errgo.Any)
		}
		fmt.Printf("%s/%s %s=%s\n", s.Name, s.Location, req.Name, v)
	}
	return nil
}
