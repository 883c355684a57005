package minio

import (
	"context"
	"errors"
	"testing"

	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/storage/storagetest"
)

var _ storage.BlobStore = (*BlobStore)(nil)

func TestObjectKeyRoundTrip(t *testing.T) {
	key := objectKey("s1", "plot.png")
	if key != "s1/plot.png" {
		t.Errorf("key = %q", key)
	}
	s, f := splitKey(key)
	if s != "s1" || f != "plot.png" {
		t.Errorf("split = %q, %q", s, f)
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		key, session, filename string
		want                   bool
	}{
		{"s1/a.txt", "", "", true},
		{"s1/a.txt", "s1", "", true},
		{"s1/a.txt", "s2", "", false},
		{"s1/a.txt", "", "a.txt", true},
		{"s1/a.txt", "", "b.txt", false},
		{"s1/a.txt", "s1", "a.txt", true},
		{"s10/a.txt", "s1", "", false},
	}
	for _, tt := range tests {
		if got := matches(tt.key, tt.session, tt.filename); got != tt.want {
			t.Errorf("matches(%q, %q, %q) = %v, want %v", tt.key, tt.session, tt.filename, got, tt.want)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{},
		{Endpoint: "localhost:9000"},
		{Endpoint: "localhost:9000", AccessKey: "a"},
		{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"},
	}
	for _, cfg := range cases {
		if _, err := New(context.Background(), cfg); err == nil {
			t.Errorf("New(%+v) succeeded", cfg)
		}
	}
}

func newTestStore(t *testing.T) (*BlobStore, *s3Server) {
	t.Helper()
	srv, endpoint := newS3Server(t)
	b, err := New(context.Background(), Config{
		Endpoint:  endpoint,
		AccessKey: "cellsrv",
		SecretKey: "cellsrv-secret",
		Bucket:    "cellsrv-test",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, srv
}

func TestBlobStore(t *testing.T) {
	b, _ := newTestStore(t)
	storagetest.TestBlobStore(t, b)
}

func TestNewCreatesBucket(t *testing.T) {
	_, srv := newTestStore(t)

	srv.mu.Lock()
	_, ok := srv.buckets["cellsrv-test"]
	srv.mu.Unlock()
	if !ok {
		t.Fatal("bucket was not created")
	}
}

func TestPutStoresUnderSessionKey(t *testing.T) {
	b, srv := newTestStore(t)
	ctx := context.Background()

	if err := b.Put(ctx, "s1", "plot.png", []byte("png")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	srv.mu.Lock()
	got := string(srv.buckets["cellsrv-test"]["s1/plot.png"])
	srv.mu.Unlock()
	if got != "png" {
		t.Errorf("object s1/plot.png = %q", got)
	}

	if _, err := b.Get(ctx, "s2", "plot.png"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get from another session: err = %v, want ErrNotFound", err)
	}
}
