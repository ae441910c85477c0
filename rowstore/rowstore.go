// Package rowstore implements a local snapshot archive backed by
// bolt: one bucket per stream, keyed by timestamp, so recent readings
// can be inspected on the collecting host without the remote store.
package rowstore

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/daylog"
	"github.com/gridlog/gridlog/sensor"
)

// keyFormat is the bucket key layout. RFC3339 UTC timestamps sort
// chronologically, so time-range scans are cursor seeks.
const keyFormat = time.RFC3339

// Store is a bolt-backed snapshot archive. Bolt serializes writers
// internally, so a Store is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the archive at the given path. The store
// should be closed after use.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0666, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errgo.Notef(err, "cannot open row store %q", path)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stream returns a row sink archiving the given stream's snapshots.
func (s *Store) Stream(stream sensor.Stream, delimiter string) *StreamSink {
	return &StreamSink{
		store:     s,
		bucket:    []byte(stream.Name + "_" + stream.Location),
		delimiter: delimiter,
	}
}

// StreamSink implements collector.RowSink for one stream.
type StreamSink struct {
	store     *Store
	bucket    []byte
	delimiter string
}

// Name implements collector.RowSink.
func (s *StreamSink) Name() string {
	return "rowstore"
}

// InsertRow implements collector.RowSink, storing the snapshot's row
// representation keyed by its timestamp. Re-inserting the same
// snapshot overwrites the same key, so inserts are idempotent.
func (s *StreamSink) InsertRow(ctx context.Context, header []string, snap sensor.Snapshot) error {
	t, err := time.Parse(sensor.DateFormat+" "+sensor.TimeFormat, snap.Date+" "+snap.Time)
	if err != nil {
		return errgo.Notef(err, "invalid snapshot timestamp")
	}
	key := []byte(t.UTC().Format(keyFormat))
	value := []byte(snap.Row(s.delimiter))
	err = s.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
	if err != nil {
		return errgo.Notef(err, "cannot store row")
	}
	return nil
}

// Backfill loads the rows of a day file into the archive, so files
// written while the store was disabled can be inserted later. It
// returns the number of rows stored. Existing rows with the same
// timestamp are overwritten.
func (s *StreamSink) Backfill(r io.Reader) (int, error) {
	dr, err := daylog.NewReader(r, s.delimiter)
	if err != nil {
		return 0, errgo.Mask(err, errgo.Any)
	}
	n := 0
	err = s.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for {
			row, err := dr.ReadRow()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			t, err := time.Parse(sensor.DateFormat+" "+sensor.TimeFormat, row.Date+" "+row.Time)
			if err != nil {
				return errgo.Notef(err, "invalid row timestamp")
			}
			fields := append([]string{row.Date, row.Time}, row.Values...)
			value := strings.Join(fields, s.delimiter) + "\n"
			if err := b.Put([]byte(t.UTC().Format(keyFormat)), []byte(value)); err != nil {
				return err
			}
			n++
		}
	})
	if err != nil {
		return 0, errgo.Mask(err, errgo.Any)
	}
	return n, nil
}

// Scan calls f for each archived row of the sink's stream with
// timestamp t in [t0, t1), in chronological order. The row is passed
// as stored, including its trailing newline. If f returns an error,
// the scan stops and returns that error.
func (s *StreamSink) Scan(t0, t1 time.Time, f func(t time.Time, row string) error) error {
	min := []byte(t0.UTC().Format(keyFormat))
	max := []byte(t1.UTC().Format(keyFormat))
	err := s.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		cursor := b.Cursor()
		for k, v := cursor.Seek(min); k != nil && string(k) < string(max); k, v = cursor.Next() {
			t, err := time.Parse(keyFormat, string(k))
			if err != nil {
				return errgo.Notef(err, "invalid key %q in row store", k)
			}
			if err := f(t, string(v)); err != nil {
				return err
			}
		}
		return nil
	})
	return errgo.Mask(err, errgo.Any)
}
