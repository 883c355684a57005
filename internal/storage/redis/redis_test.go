package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/storage/storagetest"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

var (
	_ storage.OutputLog  = (*Store)(nil)
	_ storage.InputStore = (*Store)(nil)
)

func testStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, cfg)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestOutputLog(t *testing.T) {
	storagetest.TestOutputLog(t, func(t *testing.T) storage.OutputLog {
		s, _ := testStore(t, Config{})
		return s
	})
}

func TestInputStore(t *testing.T) {
	s, _ := testStore(t, Config{})
	storagetest.TestInputStore(t, s)
}

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close()

	if _, err := New(Config{}); err == nil {
		t.Error("empty addr accepted")
	}
}

func TestSessionKeysExpire(t *testing.T) {
	s, mr := testStore(t, Config{TTL: time.Minute, Prefix: "test"})
	ctx := context.Background()

	if _, err := s.Append(ctx, storagetest.Stream("s1", "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, storagetest.Reply("s1", wire.StatusOK)); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("test:log:s1"); ttl != time.Minute {
		t.Errorf("log ttl = %v", ttl)
	}
	if ttl := mr.TTL("test:closed:s1"); ttl != time.Minute {
		t.Errorf("closed ttl = %v", ttl)
	}

	mr.FastForward(2 * time.Minute)

	msgs, err := s.Messages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("%d messages after expiry", len(msgs))
	}
	if closed, _ := s.Closed(ctx, "s1"); closed {
		t.Error("session still closed after expiry")
	}
}
