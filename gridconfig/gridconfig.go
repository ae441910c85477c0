// Package gridconfig defines the gridlogd configuration file: a YAML
// document naming the sensor streams, their transports and requests,
// the collection cadence and the optional remote stores.
package gridconfig

import (
	"io/ioutil"
	"time"

	errgo "gopkg.in/errgo.v1"
	yaml "gopkg.in/yaml.v2"

	"github.com/gridlog/gridlog/httpmeter"
	"github.com/gridlog/gridlog/modbustcp"
	"github.com/gridlog/gridlog/sensor"
)

// Config holds the whole gridlogd configuration.
type Config struct {
	// OutputDir holds the directory that day files are written to.
	OutputDir string `yaml:"output_dir"`
	// Delimiter holds the output field delimiter.
	// It defaults to ",".
	Delimiter string `yaml:"delimiter"`
	// Ext holds the day file extension, starting with a dot.
	// It defaults to ".csv".
	Ext string `yaml:"ext"`
	// ReadIntervalSecs holds the read cadence in whole seconds.
	ReadIntervalSecs int `yaml:"read_interval"`
	// UploadIntervalSecs holds the upload cadence in whole seconds.
	// It may be zero when no file sink is configured.
	UploadIntervalSecs int `yaml:"upload_interval"`

	// SubSecond and MinuteSecond override the boundary-wait
	// thresholds when non-zero (see tickclock).
	SubSecond    float64 `yaml:"subsecond_threshold"`
	MinuteSecond int     `yaml:"minute_threshold"`

	// NTPHost, if set, names an NTP server that the tick clock
	// synchronizes against instead of using local time.
	NTPHost string `yaml:"ntp_host"`

	// MetricsAddr, if set, is the listen address of the Prometheus
	// /metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// Streams holds one entry per collected sensor stream.
	Streams []Stream `yaml:"streams"`

	// RowStore, if set, is the path of the local bolt archive.
	RowStore string `yaml:"row_store"`

	// GCS, Postgres and MQTT configure the optional remote stores.
	GCS      *GCSConfig      `yaml:"gcs"`
	Postgres *PostgresConfig `yaml:"postgres"`
	MQTT     *MQTTConfig     `yaml:"mqtt"`
}

// Stream configures one sensor stream.
type Stream struct {
	// Name and Location identify the stream and appear in
	// generated filenames.
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	// Transport selects the sensor client ("modbus" or "httpmeter").
	Transport string `yaml:"transport"`
	// Addr holds the device address (host:port for modbus,
	// host or host:port for httpmeter).
	Addr string `yaml:"addr"`
	// Requests holds the stream's requests inline. Exactly one of
	// Requests and RequestFile must be set.
	Requests []Request `yaml:"requests"`
	// RequestFile names a delimited request file in the input-file
	// format (one request per line).
	RequestFile string `yaml:"request_file"`
}

// Request configures one request of a stream. Which fields apply
// depends on the stream's transport; Derive/Inputs mark a derived
// request on any transport.
type Request struct {
	Name string `yaml:"name"`

	// Modbus fields.
	Unit    int    `yaml:"unit"`
	Address int    `yaml:"address"`
	Type    string `yaml:"type"`

	// Httpmeter fields.
	Key   string `yaml:"key"`
	Scale string `yaml:"scale"`

	// Derive names a builtin formula computing this request's
	// value from the values named by Inputs.
	Derive string   `yaml:"derive"`
	Inputs []string `yaml:"inputs"`
}

const (
	// TransportModbus selects the Modbus/TCP client.
	TransportModbus = "modbus"
	// TransportHTTPMeter selects the HTTP panel meter client.
	TransportHTTPMeter = "httpmeter"
)

// MaxExtLen mirrors the day file extension limit.
const MaxExtLen = 10

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errgo.Mask(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errgo.Notef(err, "bad configuration in %q", path)
	}
	return cfg, nil
}

// Parse parses and validates a configuration document, filling in
// defaults for the delimiter and extension.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, errgo.Notef(err, "cannot unmarshal configuration")
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = ","
	}
	if cfg.Ext == "" {
		cfg.Ext = ".csv"
	}
	if err := cfg.validate(); err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.OutputDir == "" {
		return errgo.New("no output_dir set")
	}
	if len(cfg.Delimiter) != 1 {
		return errgo.Newf("delimiter %q is not a single character", cfg.Delimiter)
	}
	if cfg.Ext[0] != '.' {
		return errgo.Newf("ext %q does not start with a dot", cfg.Ext)
	}
	if len(cfg.Ext) > MaxExtLen {
		return errgo.Newf("ext %q longer than %d characters", cfg.Ext, MaxExtLen)
	}
	if cfg.ReadIntervalSecs <= 0 {
		return errgo.Newf("read_interval %d is not positive", cfg.ReadIntervalSecs)
	}
	// Any remote store engages the upload cadence validation that
	// the collectors apply.
	uploading := cfg.GCS != nil || cfg.Postgres != nil || cfg.MQTT != nil || cfg.RowStore != ""
	if uploading && cfg.UploadIntervalSecs < cfg.ReadIntervalSecs {
		return errgo.Newf("upload_interval %d is less than read_interval %d", cfg.UploadIntervalSecs, cfg.ReadIntervalSecs)
	}
	if cfg.SubSecond < 0 || cfg.SubSecond >= 1 {
		return errgo.Newf("subsecond_threshold %v not within range [0, 1)", cfg.SubSecond)
	}
	if cfg.MinuteSecond < 0 || cfg.MinuteSecond > 59 {
		return errgo.Newf("minute_threshold %d not within range 0-59", cfg.MinuteSecond)
	}
	if len(cfg.Streams) == 0 {
		return errgo.New("no streams configured")
	}
	seen := make(map[string]bool)
	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		if err := s.validate(cfg.Delimiter); err != nil {
			return errgo.Notef(err, "stream %q", s.Name)
		}
		key := s.Name + "/" + s.Location
		if seen[key] {
			return errgo.Newf("duplicate stream %q", key)
		}
		seen[key] = true
	}
	if cfg.MQTT != nil {
		if err := cfg.MQTT.validate(); err != nil {
			return errgo.Mask(err, errgo.Any)
		}
	}
	if cfg.Postgres != nil {
		if err := cfg.Postgres.validate(); err != nil {
			return errgo.Mask(err, errgo.Any)
		}
	}
	if cfg.GCS != nil {
		if err := cfg.GCS.validate(); err != nil {
			return errgo.Mask(err, errgo.Any)
		}
	}
	return nil
}

func (s *Stream) validate(delimiter string) error {
	stream := sensor.Stream{
		Name:     s.Name,
		Location: s.Location,
	}
	if err := stream.Validate(delimiter); err != nil {
		return errgo.Mask(err, errgo.Any)
	}
	switch s.Transport {
	case TransportModbus, TransportHTTPMeter:
	case "":
		return errgo.New("no transport set")
	default:
		return errgo.Newf("unknown transport %q", s.Transport)
	}
	if s.Addr == "" {
		return errgo.New("no addr set")
	}
	if len(s.Requests) == 0 && s.RequestFile == "" {
		return errgo.New("no requests or request_file set")
	}
	if len(s.Requests) > 0 && s.RequestFile != "" {
		return errgo.New("both requests and request_file set")
	}
	return nil
}

// ReadInterval returns the read cadence as a duration.
func (cfg *Config) ReadInterval() time.Duration {
	return time.Duration(cfg.ReadIntervalSecs) * time.Second
}

// UploadInterval returns the upload cadence as a duration.
func (cfg *Config) UploadInterval() time.Duration {
	return time.Duration(cfg.UploadIntervalSecs) * time.Second
}

// Sensor returns the stream's sensor identity.
func (s *Stream) Sensor() sensor.Stream {
	return sensor.Stream{
		Name:     s.Name,
		Location: s.Location,
	}
}

// RequestSet builds the validated request set for the stream, loading
// the request file when one is configured.
func (s *Stream) RequestSet(delimiter string) (sensor.RequestSet, error) {
	reqs := s.Requests
	if s.RequestFile != "" {
		data, err := ioutil.ReadFile(s.RequestFile)
		if err != nil {
			return nil, errgo.Mask(err)
		}
		reqs, err = ParseRequestFile(data, s.Transport, delimiter)
		if err != nil {
			return nil, errgo.Notef(err, "bad request file %q", s.RequestFile)
		}
	}
	set := make(sensor.RequestSet, 0, len(reqs))
	for _, r := range reqs {
		req, err := r.build(s.Transport)
		if err != nil {
			return nil, errgo.Notef(err, "request %q", r.Name)
		}
		set = append(set, req)
	}
	if err := set.Validate(delimiter); err != nil {
		return nil, errgo.Mask(err, errgo.Any)
	}
	return set, nil
}

func (r Request) build(transport string) (sensor.Request, error) {
	if r.Derive != "" {
		d, err := Formula(r.Derive, r.Inputs)
		if err != nil {
			return sensor.Request{}, errgo.Mask(err, errgo.Any)
		}
		return sensor.Request{
			Name:   r.Name,
			Params: d,
		}, nil
	}
	switch transport {
	case TransportModbus:
		if r.Unit < 0 || r.Unit > 255 {
			return sensor.Request{}, errgo.Newf("unit %d not within range 0-255", r.Unit)
		}
		req, err := modbustcp.NewRequest(r.Name, uint8(r.Unit), r.Address, modbustcp.Type(r.Type))
		if err != nil {
			return sensor.Request{}, errgo.Mask(err, errgo.Any)
		}
		return req, nil
	case TransportHTTPMeter:
		if r.Key == "" {
			return sensor.Request{}, errgo.New("no key set")
		}
		return sensor.Request{
			Name: r.Name,
			Params: httpmeter.Field{
				Key:   r.Key,
				Scale: r.Scale,
			},
		}, nil
	}
	return sensor.Request{}, errgo.Newf("unknown transport %q", transport)
}
