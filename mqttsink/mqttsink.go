// Package mqttsink implements a row sink that publishes each
// snapshot as a compact JSON document over MQTT, for live telemetry
// alongside the durable day files.
package mqttsink

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/sensor"
)

// Params holds the parameters for a call to New.
type Params struct {
	// Broker holds the broker URL (e.g. tcp://host:1883).
	Broker string
	// ClientID holds the MQTT client id.
	ClientID string
	// TopicPrefix holds the topic prefix; snapshots for a stream
	// are published to <prefix>/<name>/<location>.
	TopicPrefix string
	// Stream identifies the stream whose snapshots are published.
	Stream sensor.Stream
	// Username and Password hold optional broker credentials.
	Username string
	Password string
	// ConnectTimeout bounds the initial connection.
	// If it's zero, 10 seconds is used.
	ConnectTimeout time.Duration
}

// Sink publishes snapshots to an MQTT broker at QoS 1. The paho
// client reconnects automatically; publishes while disconnected fail
// and are reported as errors without blocking the read cadence
// beyond the caller's context.
type Sink struct {
	p      Params
	client mqtt.Client
	topic  string
}

// message is the published document: the snapshot's stamps plus a
// name-to-row-value map built from the header columns.
type message struct {
	Date   string            `json:"date"`
	Time   string            `json:"time"`
	Values map[string]string `json:"values"`
}

// New connects to the broker and returns a sink for the given
// stream. The sink should be closed after use.
func New(p Params) (*Sink, error) {
	if p.Broker == "" {
		return nil, errgo.New("no broker URL set")
	}
	if p.ClientID == "" {
		return nil, errgo.New("no client id set")
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(p.Broker).
		SetClientID(p.ClientID).
		SetAutoReconnect(true)
	if p.Username != "" {
		opts.SetUsername(p.Username)
		opts.SetPassword(p.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(p.ConnectTimeout) {
		return nil, errgo.Newf("timed out connecting to MQTT broker %q", p.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errgo.Notef(err, "cannot connect to MQTT broker %q", p.Broker)
	}
	return &Sink{
		p:      p,
		client: client,
		topic:  p.TopicPrefix + "/" + p.Stream.Name + "/" + p.Stream.Location,
	}, nil
}

// Name implements collector.RowSink.
func (s *Sink) Name() string {
	return "mqtt"
}

// InsertRow implements collector.RowSink by publishing the snapshot
// to the stream's topic.
func (s *Sink) InsertRow(ctx context.Context, header []string, snap sensor.Snapshot) error {
	if len(header) != len(snap.Values)+2 {
		return errgo.Newf("header has %d columns; snapshot has %d values", len(header), len(snap.Values))
	}
	msg := message{
		Date:   snap.Date,
		Time:   snap.Time,
		Values: make(map[string]string, len(snap.Values)),
	}
	for i, v := range snap.Values {
		msg.Values[header[i+2]] = v.String()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errgo.Mask(err)
	}
	token := s.client.Publish(s.topic, 1, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return errgo.Notef(err, "cannot publish to %q", s.topic)
	}
	return nil
}

// Close disconnects from the broker, allowing a short grace period
// for in-flight publishes.
func (s *Sink) Close() {
	s.client.Disconnect(250)
}
