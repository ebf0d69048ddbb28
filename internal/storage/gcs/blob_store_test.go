package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type memWriter struct {
	buf      bytes.Buffer
	writeErr error
	closeErr error
	closed   bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func storeWith(t *testing.T, w *memWriter, seen *[3]string) *BlobStore {
	t.Helper()
	s, err := newWithWriter(Config{Bucket: "reports"}, func(_ context.Context, bucket, object, contentType string) io.WriteCloser {
		*seen = [3]string{bucket, object, contentType}
		return w
	})
	require.NoError(t, err)
	return s
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()
	w := &memWriter{}
	var seen [3]string
	s := storeWith(t, w, &seen)

	uri, err := s.PutObject(context.Background(), "r/2026/report.txt", "text/plain", []byte("body"))
	require.NoError(t, err)
	require.Equal(t, "gs://reports/r/2026/report.txt", uri)
	require.Equal(t, [3]string{"reports", "r/2026/report.txt", "text/plain"}, seen)
	require.Equal(t, "body", w.buf.String())
	require.True(t, w.closed)
	require.NoError(t, s.Close())
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()
	var seen [3]string

	_, err := storeWith(t, &memWriter{}, &seen).PutObject(context.Background(), " ", "", nil)
	require.ErrorContains(t, err, "path is required")

	w := &memWriter{writeErr: errors.New("quota")}
	_, err = storeWith(t, w, &seen).PutObject(context.Background(), "a", "", []byte("x"))
	require.ErrorContains(t, err, "quota")
	require.True(t, w.closed)

	_, err = storeWith(t, &memWriter{closeErr: errors.New("precondition")}, &seen).PutObject(context.Background(), "a", "", []byte("x"))
	require.ErrorContains(t, err, "close writer")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = newWithWriter(Config{}, nil)
	require.ErrorContains(t, err, "bucket")
}
