package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/storage/memory"
	"github.com/michaelbrown/cellsrv/internal/supervisor"
	"github.com/michaelbrown/cellsrv/internal/wire"
	"github.com/michaelbrown/cellsrv/internal/worker"
)

// fakeSupervisor runs worker endpoints in-process.
type fakeSupervisor struct {
	t      *testing.T
	policy sandbox.Policy

	mu       sync.Mutex
	workers  map[string]*fakeWorker
	next     int
	restarts int
	broken   bool // Start fails while set
}

type fakeWorker struct {
	ep     *worker.Endpoint
	kernel *worker.Kernel
	dir    string
	stop   context.CancelFunc
	done   chan error
}

func newFakeSupervisor(t *testing.T) *fakeSupervisor {
	s := &fakeSupervisor{
		t:       t,
		policy:  sandbox.Policy{Interpreter: []string{"sh", "-c"}, MaxRunTime: 30 * time.Second},
		workers: make(map[string]*fakeWorker),
	}
	t.Cleanup(func() {
		s.mu.Lock()
		ids := make([]string, 0, len(s.workers))
		for id := range s.workers {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		for _, id := range ids {
			s.Kill(id)
		}
	})
	return s
}

func (s *fakeSupervisor) Start(_ context.Context, so supervisor.StartOptions) (string, wire.Connection, error) {
	s.mu.Lock()
	if s.broken {
		s.mu.Unlock()
		return "", wire.Connection{}, errors.New("spawn failed")
	}
	if so.ID == "" {
		s.next++
		so.ID = fmt.Sprintf("w%d", s.next)
	}
	s.mu.Unlock()

	ep, err := worker.Listen(so.Connection, nil)
	if err != nil {
		return "", wire.Connection{}, err
	}
	w := &fakeWorker{ep: ep, dir: s.t.TempDir(), done: make(chan error, 1)}
	w.kernel = worker.NewKernel(s.policy, w.dir, ep.Publish, nil)
	ep.Attach(w.kernel)

	ctx, stop := context.WithCancel(context.Background())
	w.stop = stop
	go func() { w.done <- ep.Serve(ctx) }()

	s.mu.Lock()
	s.workers[so.ID] = w
	s.mu.Unlock()
	return so.ID, ep.Connection(), nil
}

func (s *fakeSupervisor) Restart(ctx context.Context, id string) (string, wire.Connection, error) {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.restarts++
	s.mu.Unlock()
	if !ok {
		return "", wire.Connection{}, supervisor.ErrUnknownWorker
	}
	prev := w.ep.Connection()
	s.Kill(id)
	return s.Start(ctx, supervisor.StartOptions{ID: id, Connection: prev})
}

func (s *fakeSupervisor) Kill(id string) (bool, error) {
	s.mu.Lock()
	w, ok := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()
	if !ok {
		return false, supervisor.ErrUnknownWorker
	}
	w.stop()
	<-w.done
	return true, nil
}

func (s *fakeSupervisor) Interrupt(id string) (bool, error) {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return false, supervisor.ErrUnknownWorker
	}
	return w.kernel.Interrupt(), nil
}

func (s *fakeSupervisor) Get(id string) (supervisor.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return supervisor.Handle{}, false
	}
	return supervisor.Handle{ID: id, Endpoint: w.ep.Connection(), ScratchDir: w.dir, State: supervisor.StateRunning}, true
}

func (s *fakeSupervisor) setBroken(broken bool) {
	s.mu.Lock()
	s.broken = broken
	s.mu.Unlock()
}

func (s *fakeSupervisor) restartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func testDispatcher(t *testing.T, cfg Config) (*Dispatcher, *memory.Store, *fakeSupervisor) {
	t.Helper()
	store := memory.New()
	sup := newFakeSupervisor(t)
	d := New(cfg, sup, store, store)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, store, sup
}

func input(session, code string, files ...string) storage.InputMessage {
	return storage.InputMessage{
		Header:    wire.Header{MsgID: "req-" + session, Session: session, Date: time.Now().UTC()},
		MsgType:   wire.ExecuteRequest,
		Content:   storage.InputContent{Code: code, Files: files},
		Shortened: "short-" + session,
	}
}

func waitClosed(t *testing.T, log storage.OutputLog, session string) []storage.OutputMessage {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if closed, _ := log.Closed(ctx, session); closed {
			msgs, _ := log.Messages(ctx, session, 0)
			return msgs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s never closed", session)
	return nil
}

func stdout(msgs []storage.OutputMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.MsgType == wire.Stream && m.Content["name"] == "stdout" {
			b.WriteString(m.Content["text"].(string))
		}
	}
	return b.String()
}

func last(msgs []storage.OutputMessage) storage.OutputMessage {
	return msgs[len(msgs)-1]
}

func TestDispatcher_RunsInput(t *testing.T) {
	d, store, sup := testDispatcher(t, Config{PoolSize: 1})

	if err := d.Dispatch(context.Background(), input("s1", "echo $((1+1))")); err != nil {
		t.Fatal(err)
	}
	msgs := waitClosed(t, store, "s1")

	if got := stdout(msgs); got != "2\n" {
		t.Errorf("stdout = %q", got)
	}
	reply := last(msgs)
	if !reply.Terminal() || reply.Content["status"] != wire.StatusOK {
		t.Errorf("last message = %+v", reply)
	}
	if reply.ParentMsgID != "req-s1" {
		t.Errorf("reply parent = %q", reply.ParentMsgID)
	}
	for i, m := range msgs {
		if m.Sequence != i {
			t.Errorf("message %d has sequence %d", i, m.Sequence)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for sup.restartCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sup.restartCount() != 1 {
		t.Errorf("worker restarted %d times, want 1", sup.restartCount())
	}
}

func TestDispatcher_SequentialInputsReuseRecycledWorker(t *testing.T) {
	d, store, _ := testDispatcher(t, Config{PoolSize: 1})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		session := fmt.Sprintf("s%d", i)
		if err := d.Dispatch(ctx, input(session, fmt.Sprintf("echo %d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		msgs := waitClosed(t, store, fmt.Sprintf("s%d", i))
		if got := stdout(msgs); got != fmt.Sprintf("%d\n", i) {
			t.Errorf("s%d stdout = %q", i, got)
		}
	}
}

func TestDispatcher_StagesAndHarvestsFiles(t *testing.T) {
	d, store, _ := testDispatcher(t, Config{PoolSize: 1})
	ctx := context.Background()

	store.Put(ctx, "s1", "in.txt", []byte("hello"))
	code := "cat in.txt; echo; echo generated > out.txt"
	if err := d.Dispatch(ctx, input("s1", code, "in.txt")); err != nil {
		t.Fatal(err)
	}
	msgs := waitClosed(t, store, "s1")

	if got := stdout(msgs); got != "hello\n" {
		t.Errorf("stdout = %q", got)
	}
	var announced []string
	for _, m := range msgs {
		if m.MsgType == wire.DisplayData {
			data := m.Content["data"].(map[string]any)
			announced = append(announced, data["text/filename"].(string))
		}
	}
	if len(announced) != 1 || announced[0] != "out.txt" {
		t.Errorf("announced files = %v", announced)
	}
	if msgs[len(msgs)-2].MsgType != wire.DisplayData {
		t.Error("file announcement does not precede the reply")
	}
	data, err := store.Get(ctx, "s1", "out.txt")
	if err != nil || string(data) != "generated\n" {
		t.Errorf("harvested file = %q, %v", data, err)
	}
}

func TestDispatcher_MissingAttachmentEndsSession(t *testing.T) {
	d, store, _ := testDispatcher(t, Config{PoolSize: 1})

	d.Dispatch(context.Background(), input("s1", "cat gone.txt", "gone.txt"))
	msgs := waitClosed(t, store, "s1")

	if reply := last(msgs); reply.Content["status"] != wire.StatusError {
		t.Errorf("reply = %+v", reply.Content)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	d, store, _ := testDispatcher(t, Config{PoolSize: 1, MaxTimeout: 300 * time.Millisecond})

	d.Dispatch(context.Background(), input("s1", "exec sleep 30"))
	msgs := waitClosed(t, store, "s1")

	reply := last(msgs)
	if reply.Content["status"] != wire.StatusError || reply.Content["ename"] != EnameTimeout {
		t.Errorf("reply = %+v", reply.Content)
	}

	// The pool recovers.
	d.Dispatch(context.Background(), input("s2", "echo ok"))
	if got := stdout(waitClosed(t, store, "s2")); got != "ok\n" {
		t.Errorf("stdout after timeout = %q", got)
	}
}

func TestDispatcher_Interrupt(t *testing.T) {
	d, store, _ := testDispatcher(t, Config{PoolSize: 1})
	ctx := context.Background()

	d.Dispatch(ctx, input("s1", "echo started; exec sleep 30"))

	deadline := time.Now().Add(10 * time.Second)
	for {
		msgs, _ := store.Messages(ctx, "s1", 0)
		if len(msgs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("computation never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ok, err := d.Interrupt("s1")
	if err != nil || !ok {
		t.Fatalf("Interrupt = %v, %v", ok, err)
	}
	reply := last(waitClosed(t, store, "s1"))
	if reply.Content["ename"] != worker.EnameInterrupted {
		t.Errorf("reply = %+v", reply.Content)
	}

	if _, err := d.Interrupt("s1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("interrupt of finished session: err = %v", err)
	}
}

func TestDispatcher_WorkerLost(t *testing.T) {
	d, store, sup := testDispatcher(t, Config{PoolSize: 1})
	ctx := context.Background()

	d.Dispatch(ctx, input("s1", "echo started; exec sleep 30"))
	deadline := time.Now().Add(10 * time.Second)
	for len(d.Stats().Running) == 0 || func() bool { m, _ := store.Messages(ctx, "s1", 0); return len(m) == 0 }() {
		if time.Now().After(deadline) {
			t.Fatal("computation never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sup.Kill(d.Stats().Running["s1"])

	reply := last(waitClosed(t, store, "s1"))
	if reply.Content["ename"] != EnameWorkerLost {
		t.Errorf("reply = %+v", reply.Content)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := New(Config{QueueSize: 1}, newFakeSupervisor(t), memory.New(), memory.New())
	ctx := context.Background()

	if err := d.Dispatch(ctx, input("s1", "true")); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(ctx, input("s2", "true")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if st := d.Stats(); st.Queued != 1 {
		t.Errorf("queued = %d", st.Queued)
	}
}

func TestDispatcher_EmptyPoolEndsQueuedSessions(t *testing.T) {
	d, store, sup := testDispatcher(t, Config{PoolSize: 1})
	ctx := context.Background()

	// The running worker can neither be restarted nor replaced afterwards.
	sup.setBroken(true)
	d.Dispatch(ctx, input("s1", "echo one"))
	if got := stdout(waitClosed(t, store, "s1")); got != "one\n" {
		t.Errorf("s1 stdout = %q", got)
	}

	d.Dispatch(ctx, input("s2", "echo two"))
	d.Dispatch(ctx, input("s3", "echo three"))
	for _, session := range []string{"s2", "s3"} {
		reply := last(waitClosed(t, store, session))
		if reply.Content["status"] != wire.StatusError || reply.Content["ename"] != EnameWorkerLost {
			t.Errorf("%s reply = %+v", session, reply.Content)
		}
	}
	if st := d.Stats(); st.Workers != 0 {
		t.Errorf("pool workers = %d, want 0", st.Workers)
	}

	// Once workers can be started again the pool refills on demand.
	sup.setBroken(false)
	d.Dispatch(ctx, input("s4", "echo four"))
	if got := stdout(waitClosed(t, store, "s4")); got != "four\n" {
		t.Errorf("s4 stdout = %q", got)
	}
}
