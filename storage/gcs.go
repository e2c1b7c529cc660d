// GCS input support.  Wrapped with stiface so tests can inject a fake client.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/googleapis/google-cloud-go-testing/storage/stiface"
	"google.golang.org/api/option"
)

// clientFactory is replaced in tests.
var clientFactory = func(ctx context.Context) (stiface.Client, error) {
	c, err := gcs.NewClient(ctx, option.WithScopes(gcs.ScopeReadOnly))
	if err != nil {
		return nil, err
	}
	return stiface.AdaptClient(c), nil
}

// ParseGSPath splits gs://bucket/object into its components.
func ParseGSPath(path string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(path, "gs://")
	if trimmed == path {
		return "", "", fmt.Errorf("not a gs:// path: %s", path)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid gs:// path: %s", path)
	}
	return parts[0], parts[1], nil
}

func newGCSReader(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, object, err := ParseGSPath(path)
	if err != nil {
		return nil, err
	}
	client, err := clientFactory(ctx)
	if err != nil {
		return nil, err
	}
	rdr, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &readCloser{Reader: rdr, closers: []func() error{rdr.Close, client.Close}}, nil
}
