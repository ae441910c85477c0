package rowstore_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/gridlog/gridlog/rowstore"
	"github.com/gridlog/gridlog/sensor"
)

var testStream = sensor.Stream{
	Name:     "pyro1",
	Location: "roof",
}

func snap(date, tod string, vals ...sensor.Value) sensor.Snapshot {
	return sensor.Snapshot{
		Date:   date,
		Time:   tod,
		Values: vals,
	}
}

func openStore(c *qt.C) *rowstore.Store {
	store, err := rowstore.Open(filepath.Join(c.Mkdir(), "rows.db"))
	c.Assert(err, qt.IsNil)
	c.Defer(func() {
		c.Check(store.Close(), qt.IsNil)
	})
	return store
}

func TestInsertAndScan(t *testing.T) {
	c := qt.New(t)
	defer c.Done()
	store := openStore(c)
	sink := store.Stream(testStream, ",")
	c.Assert(sink.Name(), qt.Equals, "rowstore")

	header := []string{"date_stamp", "time_stamp", "power"}
	ctx := context.Background()
	// Insert out of chronological order; scans come back sorted.
	c.Assert(sink.InsertRow(ctx, header, snap("150603", "13:06:00", sensor.FloatValue(1050))), qt.IsNil)
	c.Assert(sink.InsertRow(ctx, header, snap("150603", "13:05:00", sensor.FloatValue(1000))), qt.IsNil)
	c.Assert(sink.InsertRow(ctx, header, snap("150603", "13:07:00", sensor.FloatValue(1100))), qt.IsNil)

	var rows []string
	var times []time.Time
	err := sink.Scan(
		time.Date(2015, 6, 3, 13, 5, 0, 0, time.UTC),
		time.Date(2015, 6, 3, 13, 7, 0, 0, time.UTC),
		func(t time.Time, row string) error {
			times = append(times, t)
			rows = append(rows, row)
			return nil
		},
	)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.DeepEquals, []string{
		"150603,13:05:00,1000\n",
		"150603,13:06:00,1050\n",
	})
	c.Assert(times[0].Before(times[1]), qt.IsTrue)
}

func TestInsertIsIdempotent(t *testing.T) {
	c := qt.New(t)
	defer c.Done()
	store := openStore(c)
	sink := store.Stream(testStream, ",")
	header := []string{"date_stamp", "time_stamp", "power"}
	ctx := context.Background()

	c.Assert(sink.InsertRow(ctx, header, snap("150603", "13:05:00", sensor.FloatValue(1))), qt.IsNil)
	c.Assert(sink.InsertRow(ctx, header, snap("150603", "13:05:00", sensor.FloatValue(2))), qt.IsNil)

	var rows []string
	err := sink.Scan(
		time.Date(2015, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2015, 6, 4, 0, 0, 0, 0, time.UTC),
		func(t time.Time, row string) error {
			rows = append(rows, row)
			return nil
		},
	)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.DeepEquals, []string{"150603,13:05:00,2\n"})
}

func TestStreamsAreSeparate(t *testing.T) {
	c := qt.New(t)
	defer c.Done()
	store := openStore(c)
	sink1 := store.Stream(testStream, ",")
	sink2 := store.Stream(sensor.Stream{Name: "meter", Location: "garage"}, ",")
	header := []string{"date_stamp", "time_stamp", "power"}
	ctx := context.Background()

	c.Assert(sink1.InsertRow(ctx, header, snap("150603", "13:05:00", sensor.FloatValue(1))), qt.IsNil)
	c.Assert(sink2.InsertRow(ctx, header, snap("150603", "13:05:00", sensor.FloatValue(2))), qt.IsNil)

	var rows []string
	err := sink2.Scan(
		time.Date(2015, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2015, 6, 4, 0, 0, 0, 0, time.UTC),
		func(t time.Time, row string) error {
			rows = append(rows, row)
			return nil
		},
	)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.DeepEquals, []string{"150603,13:05:00,2\n"})
}

func TestScanEmptyStream(t *testing.T) {
	c := qt.New(t)
	defer c.Done()
	store := openStore(c)
	sink := store.Stream(testStream, ",")
	err := sink.Scan(
		time.Date(2015, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2015, 6, 4, 0, 0, 0, 0, time.UTC),
		func(t time.Time, row string) error {
			c.Fatalf("unexpected row %q", row)
			return nil
		},
	)
	c.Assert(err, qt.IsNil)
}

func TestScanStopsOnCallbackError(t *testing.T) {
	c := qt.New(t)
	defer c.Done()
	store := openStore(c)
	sink := store.Stream(testStream, ",")
	header := []string{"date_stamp", "time_stamp", "power"}
	ctx := context.Background()
	c.Assert(sink.InsertRow(ctx, header, snap("150603", "13:05:00", sensor.FloatValue(1))), qt.IsNil)
	c.Assert(sink.InsertRow(ctx, header, snap("150603", "13:06:00", sensor.FloatValue(2))), qt.IsNil)

	calls := 0
	err := sink.Scan(
		time.Date(2015, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2015, 6, 4, 0, 0, 0, 0, time.UTC),
		func(t time.Time, row string) error {
			calls++
			return context.Canceled
		},
	)
	c.Assert(err, qt.ErrorMatches, "context canceled")
	c.Assert(calls, qt.Equals, 1)
}

func TestBackfill(t *testing.T) {
	c := qt.New(t)
	defer c.Done()
	store := openStore(c)
	sink := store.Stream(testStream, ",")

	dayFile := "date_stamp,time_stamp,power\n" +
		"150603,13:05:00,1000\n" +
		"150603,13:06:00,1050\n"
	n, err := sink.Backfill(strings.NewReader(dayFile))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)

	var rows []string
	err = sink.Scan(
		time.Date(2015, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2015, 6, 4, 0, 0, 0, 0, time.UTC),
		func(t time.Time, row string) error {
			rows = append(rows, row)
			return nil
		},
	)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.DeepEquals, []string{
		"150603,13:05:00,1000\n",
		"150603,13:06:00,1050\n",
	})

	_, err = sink.Backfill(strings.NewReader("power,stuff\n"))
	c.Assert(err, qt.ErrorMatches, `invalid header line "power,stuff"`)
}

func TestInsertRejectsBadTimestamp(t *testing.T) {
	c := qt.New(t)
	defer c.Done()
	store := openStore(c)
	sink := store.Stream(testStream, ",")
	err := sink.InsertRow(context.Background(), []string{"date_stamp", "time_stamp"}, snap("bogus", "13:05:00"))
	c.Assert(err, qt.ErrorMatches, "invalid snapshot timestamp: .*")
}
