package storage

import (
	"bytes"
	"context"
	"io/ioutil"
	"testing"

	fgs "github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/googleapis/google-cloud-go-testing/storage/stiface"
)

func TestOpenGCSObject(t *testing.T) {
	content := append([]byte{0xd4, 0xc3, 0xb2, 0xa1}, bytes.Repeat([]byte{0x42}, 60)...)
	server := fgs.NewServer([]fgs.Object{
		{BucketName: "captures", Name: "dir/in.pcap", Content: content},
	})
	defer server.Stop()

	saved := clientFactory
	clientFactory = func(ctx context.Context) (stiface.Client, error) {
		return stiface.AdaptClient(server.Client()), nil
	}
	defer func() { clientFactory = saved }()

	rc, err := Open(context.Background(), "gs://captures/dir/in.pcap")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := ioutil.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("read %d bytes, want %d", len(got), len(content))
	}
}

func TestOpenGCSMissingObject(t *testing.T) {
	server := fgs.NewServer([]fgs.Object{})
	defer server.Stop()
	server.CreateBucket("captures")

	saved := clientFactory
	clientFactory = func(ctx context.Context) (stiface.Client, error) {
		return stiface.AdaptClient(server.Client()), nil
	}
	defer func() { clientFactory = saved }()

	if _, err := Open(context.Background(), "gs://captures/nope.pcap"); err == nil {
		t.Error("missing object opened without error")
	}
}
