package memory

import (
	"context"
	"testing"

	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/storage/storagetest"
)

var _ storage.Store = (*Store)(nil)

func TestOutputLog(t *testing.T) {
	storagetest.TestOutputLog(t, func(t *testing.T) storage.OutputLog { return New() })
}

func TestInputStore(t *testing.T) {
	storagetest.TestInputStore(t, New())
}

func TestBlobStore(t *testing.T) {
	storagetest.TestBlobStore(t, New())
}

func TestBlobsAreCopied(t *testing.T) {
	s := New()
	data := []byte("abc")
	s.Put(context.Background(), "s1", "f", data)
	data[0] = 'x'

	got, _ := s.Get(context.Background(), "s1", "f")
	if string(got) != "abc" {
		t.Errorf("stored blob aliased caller's slice: %q", got)
	}
}
