package gridconfig_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/gridlog/gridlog/gridconfig"
	"github.com/gridlog/gridlog/httpmeter"
	"github.com/gridlog/gridlog/modbustcp"
	"github.com/gridlog/gridlog/sensor"
)

const sampleConfig = `
output_dir: /var/lib/gridlog
read_interval: 60
upload_interval: 300
metrics_addr: :9090
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: 10.0.0.20:502
    requests:
      - name: mv
        unit: 1
        address: 100
        type: Float32
      - name: temp
        unit: 1
        address: 102
        type: Float32
      - name: irradiance
        derive: irradiance
        inputs: [mv, temp]
  - name: meter
    location: garage
    transport: httpmeter
    addr: 10.0.0.21
    requests:
      - name: power
        key: watt
        scale: watt_scale
gcs:
  bucket: gridlog-outputs
  prefix: site1
postgres:
  url: postgres://gridlog@db/grid
  table: readings
mqtt:
  broker: tcp://10.0.0.5:1883
`

func TestParse(t *testing.T) {
	c := qt.New(t)
	cfg, err := gridconfig.Parse([]byte(sampleConfig))
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Delimiter, qt.Equals, ",")
	c.Assert(cfg.Ext, qt.Equals, ".csv")
	c.Assert(cfg.ReadInterval(), qt.Equals, time.Minute)
	c.Assert(cfg.UploadInterval(), qt.Equals, 5*time.Minute)
	c.Assert(cfg.Streams, qt.HasLen, 2)
	c.Assert(cfg.GCS.Bucket, qt.Equals, "gridlog-outputs")
	c.Assert(cfg.Postgres.Table, qt.Equals, "readings")
	c.Assert(cfg.MQTT.ClientID, qt.Equals, "gridlogd")
	c.Assert(cfg.MQTT.TopicPrefix, qt.Equals, "gridlog")
}

var parseErrorTests = []struct {
	about       string
	config      string
	expectError string
}{{
	about: "missing output dir",
	config: `
read_interval: 60
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `no output_dir set`,
}, {
	about: "multi-character delimiter",
	config: `
output_dir: /tmp/out
delimiter: ";;"
read_interval: 60
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `delimiter ";;" is not a single character`,
}, {
	about: "extension without dot",
	config: `
output_dir: /tmp/out
ext: csv
read_interval: 60
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `ext "csv" does not start with a dot`,
}, {
	about: "extension too long",
	config: `
output_dir: /tmp/out
ext: .verylongext
read_interval: 60
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `ext "\.verylongext" longer than 10 characters`,
}, {
	about: "zero read interval",
	config: `
output_dir: /tmp/out
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `read_interval 0 is not positive`,
}, {
	about: "upload slower than read with gcs configured",
	config: `
output_dir: /tmp/out
read_interval: 60
upload_interval: 30
gcs:
  bucket: b
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `upload_interval 30 is less than read_interval 60`,
}, {
	about: "no streams",
	config: `
output_dir: /tmp/out
read_interval: 60
`,
	expectError: `no streams configured`,
}, {
	about: "stream name contains delimiter",
	config: `
output_dir: /tmp/out
read_interval: 60
streams:
  - name: "pyro,1"
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `stream "pyro,1": bad sensor name "pyro,1": name contains delimiter ","`,
}, {
	about: "unknown transport",
	config: `
output_dir: /tmp/out
read_interval: 60
streams:
  - name: pyro1
    location: roof
    transport: serial
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `stream "pyro1": unknown transport "serial"`,
}, {
	about: "duplicate stream",
	config: `
output_dir: /tmp/out
read_interval: 60
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
  - name: pyro1
    location: roof
    transport: modbus
    addr: y:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `duplicate stream "pyro1/roof"`,
}, {
	about: "both requests and request file",
	config: `
output_dir: /tmp/out
read_interval: 60
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    request_file: /tmp/reqs.csv
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `stream "pyro1": both requests and request_file set`,
}, {
	about: "mqtt without broker",
	config: `
output_dir: /tmp/out
read_interval: 60
mqtt: {}
streams:
  - name: pyro1
    location: roof
    transport: modbus
    addr: x:502
    requests:
      - {name: mv, unit: 1, address: 100, type: Float32}
`,
	expectError: `mqtt: no broker set`,
}, {
	about: "unknown yaml field",
	config: `
output_dir: /tmp/out
read_intervall: 60
`,
	expectError: `cannot unmarshal configuration: .*field read_intervall not found.*`,
}}

func TestParseErrors(t *testing.T) {
	c := qt.New(t)
	for _, test := range parseErrorTests {
		c.Run(test.about, func(c *qt.C) {
			_, err := gridconfig.Parse([]byte(test.config))
			c.Assert(err, qt.ErrorMatches, test.expectError)
		})
	}
}

func TestRequestSetModbus(t *testing.T) {
	c := qt.New(t)
	cfg, err := gridconfig.Parse([]byte(sampleConfig))
	c.Assert(err, qt.IsNil)

	set, err := cfg.Streams[0].RequestSet(cfg.Delimiter)
	c.Assert(err, qt.IsNil)
	c.Assert(set.Names(), qt.DeepEquals, []string{"mv", "temp", "irradiance"})
	c.Assert(set[0].Params, qt.Equals, modbustcp.Register{
		Unit: 1,
		Addr: 100,
		Type: modbustcp.Float32,
	})
	d, ok := set[2].Params.(sensor.Derived)
	c.Assert(ok, qt.IsTrue)
	c.Assert(d.Inputs, qt.DeepEquals, []string{"mv", "temp"})
	v, err := d.Compute([]sensor.Value{sensor.FloatValue(54.57), sensor.FloatValue(25)})
	c.Assert(err, qt.IsNil)
	c.Assert(v.Float(), qt.Equals, 1000.0)
}

func TestRequestSetHTTPMeter(t *testing.T) {
	c := qt.New(t)
	cfg, err := gridconfig.Parse([]byte(sampleConfig))
	c.Assert(err, qt.IsNil)

	set, err := cfg.Streams[1].RequestSet(cfg.Delimiter)
	c.Assert(err, qt.IsNil)
	c.Assert(set, qt.HasLen, 1)
	c.Assert(set[0].Params, qt.Equals, httpmeter.Field{
		Key:   "watt",
		Scale: "watt_scale",
	})
}

func TestRequestSetErrors(t *testing.T) {
	c := qt.New(t)
	s := gridconfig.Stream{
		Name:      "pyro1",
		Location:  "roof",
		Transport: gridconfig.TransportModbus,
		Addr:      "x:502",
		Requests: []gridconfig.Request{{
			Name:    "mv",
			Unit:    1,
			Address: 50000,
			Type:    "Float32",
		}},
	}
	_, err := s.RequestSet(",")
	c.Assert(err, qt.ErrorMatches, `request "mv": address 50000 not within possible range 0-39999`)

	s.Requests[0] = gridconfig.Request{
		Name:   "irr",
		Derive: "nosuch",
		Inputs: []string{"a"},
	}
	_, err = s.RequestSet(",")
	c.Assert(err, qt.ErrorMatches, `request "irr": unknown formula "nosuch"`)

	s.Requests[0] = gridconfig.Request{
		Name:   "irr",
		Derive: "irradiance",
		Inputs: []string{"a"},
	}
	_, err = s.RequestSet(",")
	c.Assert(err, qt.ErrorMatches, `request "irr": formula "irradiance" needs 2 inputs; got 1`)
}

func TestRequestSetFromFile(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.Mkdir(), "requests.csv")
	err := ioutil.WriteFile(path, []byte(`
# pyranometer registers
mv,1,100,Float32
temp,1,102,Float32
`), 0666)
	c.Assert(err, qt.IsNil)

	s := gridconfig.Stream{
		Name:        "pyro1",
		Location:    "roof",
		Transport:   gridconfig.TransportModbus,
		Addr:        "x:502",
		RequestFile: path,
	}
	set, err := s.RequestSet(",")
	c.Assert(err, qt.IsNil)
	c.Assert(set.Names(), qt.DeepEquals, []string{"mv", "temp"})
}

var parseRequestFileTests = []struct {
	about       string
	data        string
	transport   string
	expect      []gridconfig.Request
	expectError string
}{{
	about:     "modbus lines",
	data:      "mv,1,100,Float32\nserial,1,200,UTF8\n",
	transport: gridconfig.TransportModbus,
	expect: []gridconfig.Request{
		{Name: "mv", Unit: 1, Address: 100, Type: "Float32"},
		{Name: "serial", Unit: 1, Address: 200, Type: "UTF8"},
	},
}, {
	about:     "httpmeter lines with and without scale",
	data:      "power,watt,watt_scale\nfreq,hz\n",
	transport: gridconfig.TransportHTTPMeter,
	expect: []gridconfig.Request{
		{Name: "power", Key: "watt", Scale: "watt_scale"},
		{Name: "freq", Key: "hz"},
	},
}, {
	about:       "wrong field count",
	data:        "mv,1,100\n",
	transport:   gridconfig.TransportModbus,
	expectError: `line 1: expected 4 fields, got 3`,
}, {
	about:       "bad address",
	data:        "mv,1,abc,Float32\n",
	transport:   gridconfig.TransportModbus,
	expectError: `line 1: invalid address "abc"`,
}, {
	about:       "empty file",
	data:        "# nothing here\n",
	transport:   gridconfig.TransportModbus,
	expectError: `no requests in file`,
}}

func TestParseRequestFile(t *testing.T) {
	c := qt.New(t)
	for _, test := range parseRequestFileTests {
		c.Run(test.about, func(c *qt.C) {
			reqs, err := gridconfig.ParseRequestFile([]byte(test.data), test.transport, ",")
			if test.expectError != "" {
				c.Assert(err, qt.ErrorMatches, test.expectError)
				return
			}
			c.Assert(err, qt.IsNil)
			c.Assert(reqs, qt.DeepEquals, test.expect)
		})
	}
}

func TestLoad(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.Mkdir(), "gridlog.yaml")
	c.Assert(ioutil.WriteFile(path, []byte(sampleConfig), 0666), qt.IsNil)
	cfg, err := gridconfig.Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.OutputDir, qt.Equals, "/var/lib/gridlog")

	_, err = gridconfig.Load(filepath.Join(c.Mkdir(), "missing.yaml"))
	c.Assert(err, qt.ErrorMatches, `open .*missing.yaml: no such file or directory`)

	c.Assert(ioutil.WriteFile(path, []byte("output_dir: /tmp\nread_interval: 0\n"), 0666), qt.IsNil)
	_, err = gridconfig.Load(path)
	c.Assert(err, qt.ErrorMatches, `bad configuration in ".*": read_interval 0 is not positive`)
}
