// Package gcsink implements the remote file sink backed by Google
// Cloud Storage. Objects are named after the uploaded file's base
// name under a configured prefix, so re-uploading the same day file
// overwrites the previous copy and uploads are idempotent.
package gcsink

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/google-cloud-go-testing/storage/stiface"
	errgo "gopkg.in/errgo.v1"
)

// Params holds the parameters for a call to New.
type Params struct {
	// Bucket holds the destination bucket name.
	Bucket string
	// Prefix holds the object name prefix within the bucket.
	// It may be empty.
	Prefix string
	// Client, if non-nil, replaces the real GCS client.
	// Tests use a stiface fake here.
	Client stiface.Client
}

// Sink uploads day files to a GCS bucket. It is safe for concurrent
// use; the storage client maintains its own connection pool.
type Sink struct {
	p      Params
	bucket stiface.BucketHandle
}

// New returns a sink uploading to the given bucket. Unless p.Client
// is set, the default application credentials are used.
func New(ctx context.Context, p Params) (*Sink, error) {
	if p.Bucket == "" {
		return nil, errgo.New("no bucket name set")
	}
	if p.Client == nil {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, errgo.Notef(err, "cannot create storage client")
		}
		p.Client = stiface.AdaptClient(client)
	}
	return &Sink{
		p:      p,
		bucket: p.Client.Bucket(p.Bucket),
	}, nil
}

// Name implements uploadworker.FileSink.
func (s *Sink) Name() string {
	return "gcs"
}

// UploadFile implements uploadworker.FileSink: it copies the local
// file to <prefix>/<basename> in the bucket, overwriting any
// previous object of that name.
func (s *Sink) UploadFile(ctx context.Context, localPath string) (time.Duration, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, errgo.Mask(err)
	}
	defer f.Close()
	start := time.Now()
	obj := s.bucket.Object(path.Join(s.p.Prefix, path.Base(localPath)))
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return 0, errgo.Notef(err, "cannot upload %q", localPath)
	}
	if err := w.Close(); err != nil {
		return 0, errgo.Notef(err, "cannot finish upload of %q", localPath)
	}
	return time.Since(start), nil
}
