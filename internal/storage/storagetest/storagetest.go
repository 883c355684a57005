// Package storagetest holds behaviour checks shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

// Stream builds a stdout stream message for session.
func Stream(session, text string) storage.OutputMessage {
	return storage.OutputMessage{
		SessionID: session,
		MsgType:   wire.Stream,
		Content:   map[string]any{"name": "stdout", "text": text},
		CreatedAt: time.Now().UTC(),
	}
}

// Reply builds an execute_reply with the given status for session.
func Reply(session, status string) storage.OutputMessage {
	return storage.OutputMessage{
		SessionID: session,
		MsgType:   wire.ExecuteReply,
		Content:   map[string]any{"status": status},
		CreatedAt: time.Now().UTC(),
	}
}

func mustAppend(t *testing.T, log storage.OutputLog, msg storage.OutputMessage) int {
	t.Helper()
	seq, err := log.Append(context.Background(), msg)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return seq
}

// TestOutputLog runs the behaviour every OutputLog must have. newLog must
// return an empty log.
func TestOutputLog(t *testing.T, newLog func(t *testing.T) storage.OutputLog) {
	t.Run("SuffixPolling", func(t *testing.T) {
		log := newLog(t)
		ctx := context.Background()
		const n = 7
		for i := 0; i < n; i++ {
			if seq := mustAppend(t, log, Stream("s1", fmt.Sprintf("line %d\n", i))); seq != i {
				t.Fatalf("sequence = %d, want %d", seq, i)
			}
		}
		for k := 0; k <= n+1; k++ {
			got, err := log.Messages(ctx, "s1", k)
			if err != nil {
				t.Fatalf("Messages(%d): %v", k, err)
			}
			want := n - k
			if want < 0 {
				want = 0
			}
			if len(got) != want {
				t.Fatalf("Messages(%d) = %d messages, want %d", k, len(got), want)
			}
			for i, m := range got {
				if m.Sequence != k+i {
					t.Errorf("Messages(%d)[%d].Sequence = %d", k, i, m.Sequence)
				}
				if m.Content["text"] != fmt.Sprintf("line %d\n", k+i) {
					t.Errorf("Messages(%d)[%d] text = %v", k, i, m.Content["text"])
				}
				if m.SessionID != "s1" {
					t.Errorf("session = %q", m.SessionID)
				}
			}
		}
	})

	t.Run("UnknownSessionIsEmpty", func(t *testing.T) {
		log := newLog(t)
		got, err := log.Messages(context.Background(), "nobody", 0)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Messages = %#v, want empty non-nil slice", got)
		}
		closed, err := log.Closed(context.Background(), "nobody")
		if err != nil || closed {
			t.Errorf("Closed = %v, %v", closed, err)
		}
	})

	t.Run("SessionsAreIndependent", func(t *testing.T) {
		log := newLog(t)
		mustAppend(t, log, Stream("a", "a0"))
		mustAppend(t, log, Stream("b", "b0"))
		if seq := mustAppend(t, log, Stream("a", "a1")); seq != 1 {
			t.Errorf("a sequence = %d, want 1", seq)
		}
		got, _ := log.Messages(context.Background(), "b", 0)
		if len(got) != 1 || got[0].Content["text"] != "b0" {
			t.Errorf("b messages = %+v", got)
		}
	})

	t.Run("TerminalReplyClosesSession", func(t *testing.T) {
		log := newLog(t)
		ctx := context.Background()
		mustAppend(t, log, Stream("s1", "2\n"))
		mustAppend(t, log, Reply("s1", wire.StatusBusy))
		if closed, _ := log.Closed(ctx, "s1"); closed {
			t.Fatal("busy reply closed the session")
		}
		if seq := mustAppend(t, log, Reply("s1", wire.StatusOK)); seq != 2 {
			t.Errorf("reply sequence = %d, want 2", seq)
		}
		closed, err := log.Closed(ctx, "s1")
		if err != nil || !closed {
			t.Fatalf("Closed = %v, %v", closed, err)
		}
		if _, err := log.Append(ctx, Stream("s1", "late")); !errors.Is(err, storage.ErrSessionClosed) {
			t.Errorf("append after close: err = %v, want ErrSessionClosed", err)
		}
		got, _ := log.Messages(ctx, "s1", 0)
		if len(got) != 3 {
			t.Errorf("%d messages after rejected append, want 3", len(got))
		}
		if !got[2].Terminal() {
			t.Error("last message not terminal")
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		log := newLog(t)
		const writers, each = 8, 10
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					if _, err := log.Append(context.Background(), Stream("s1", fmt.Sprintf("%d-%d", w, i))); err != nil {
						t.Errorf("Append: %v", err)
					}
				}
			}(w)
		}
		wg.Wait()

		got, err := log.Messages(context.Background(), "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != writers*each {
			t.Fatalf("%d messages, want %d", len(got), writers*each)
		}
		seen := map[any]bool{}
		for i, m := range got {
			if m.Sequence != i {
				t.Fatalf("message %d has sequence %d", i, m.Sequence)
			}
			if seen[m.Content["text"]] {
				t.Fatalf("duplicate message %v", m.Content["text"])
			}
			seen[m.Content["text"]] = true
		}
	})

	t.Run("LaterPollNeverShrinks", func(t *testing.T) {
		log := newLog(t)
		ctx := context.Background()
		mustAppend(t, log, Stream("s1", "x"))
		first, _ := log.Messages(ctx, "s1", 0)
		mustAppend(t, log, Stream("s1", "y"))
		second, _ := log.Messages(ctx, "s1", 0)
		if len(second) < len(first) {
			t.Errorf("later poll returned %d messages, earlier %d", len(second), len(first))
		}
		for i := range first {
			if first[i].Sequence != second[i].Sequence {
				t.Errorf("message %d changed sequence", i)
			}
		}
	})
}

// TestInputStore runs the behaviour every InputStore must have.
func TestInputStore(t *testing.T, store storage.InputStore) {
	ctx := context.Background()
	in := storage.InputMessage{
		Header:    wire.Header{MsgID: "m1", Session: "s1", Date: time.Now().UTC().Truncate(time.Second)},
		MsgType:   wire.ExecuteRequest,
		Content:   storage.InputContent{Code: "print(1+1)", Files: []string{"a.txt"}, Flags: map[string]bool{"sage_mode": true}},
		Shortened: "abc123",
	}
	if err := store.SaveInput(ctx, in); err != nil {
		t.Fatalf("SaveInput: %v", err)
	}

	got, err := store.InputByShortened(ctx, "abc123")
	if err != nil {
		t.Fatalf("InputByShortened: %v", err)
	}
	if got.Content.Code != in.Content.Code || got.Session() != "s1" || !got.Content.Flags["sage_mode"] {
		t.Errorf("input = %+v", got)
	}
	if len(got.Content.Files) != 1 || got.Content.Files[0] != "a.txt" {
		t.Errorf("files = %v", got.Content.Files)
	}

	bySession, err := store.InputBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("InputBySession: %v", err)
	}
	if bySession.Shortened != "abc123" {
		t.Errorf("shortened = %q", bySession.Shortened)
	}

	if _, err := store.InputByShortened(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing shortened: err = %v, want ErrNotFound", err)
	}
	if _, err := store.InputBySession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing session: err = %v, want ErrNotFound", err)
	}
}

// TestBlobStore runs the behaviour every BlobStore must have. The store must
// start empty.
func TestBlobStore(t *testing.T, blobs storage.BlobStore) {
	ctx := context.Background()
	put := func(session, name, data string) {
		t.Helper()
		if err := blobs.Put(ctx, session, name, []byte(data)); err != nil {
			t.Fatalf("Put(%s/%s): %v", session, name, err)
		}
	}
	get := func(session, name string) (string, error) {
		b, err := blobs.Get(ctx, session, name)
		return string(b), err
	}

	put("s1", "a.txt", "first")
	put("s1", "a.txt", "second")
	if got, err := get("s1", "a.txt"); err != nil || got != "second" {
		t.Errorf("Get after overwrite = %q, %v", got, err)
	}
	if _, err := get("s1", "missing.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing file: err = %v, want ErrNotFound", err)
	}

	put("s1", "b.txt", "b")
	put("s2", "a.txt", "other")
	put("s3", "c.txt", "c")

	n, err := blobs.DeleteAll(ctx, "", "a.txt")
	if err != nil || n != 2 {
		t.Errorf("DeleteAll by filename = %d, %v; want 2", n, err)
	}
	if got, _ := get("s1", "b.txt"); got != "b" {
		t.Error("DeleteAll by filename removed another file")
	}

	n, err = blobs.DeleteAll(ctx, "s1", "")
	if err != nil || n != 1 {
		t.Errorf("DeleteAll by session = %d, %v; want 1", n, err)
	}

	n, err = blobs.DeleteAll(ctx, "", "")
	if err != nil || n != 1 {
		t.Errorf("DeleteAll everything = %d, %v; want 1", n, err)
	}
	if _, err := get("s3", "c.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("file survived DeleteAll: %v", err)
	}
}
