package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/cellsrv/internal/sandbox"
	"github.com/michaelbrown/cellsrv/internal/wire"
	"github.com/michaelbrown/cellsrv/internal/worker"
)

func testSupervisor(t *testing.T, mode string, mutate ...func(*Options)) *Supervisor {
	t.Helper()
	opts := Options{
		Command: []string{os.Args[0]},
		Env:     []string{workerEnv + "=" + mode},
		Policy: sandbox.Policy{
			Limits:      sandbox.LimitSet{sandbox.CoreSize: 0},
			Interpreter: []string{"sh", "-c"},
			ScratchRoot: t.TempDir(),
			MaxRunTime:  10 * time.Second,
		},
		HandshakeTimeout: 10 * time.Second,
		KillGrace:        2 * time.Second,
		LogFile:          filepath.Join(t.TempDir(), "worker.log"),
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func startWorker(t *testing.T, s *Supervisor, so StartOptions) (string, wire.Connection) {
	t.Helper()
	id, conn, err := s.Start(context.Background(), so)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return id, conn
}

func scratchOf(t *testing.T, s *Supervisor, id string) string {
	t.Helper()
	h, ok := s.Get(id)
	if !ok {
		t.Fatalf("worker %s not registered", id)
	}
	return h.ScratchDir
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSupervisor_Start(t *testing.T) {
	s := testSupervisor(t, "serve")

	id, conn := startWorker(t, s, StartOptions{})
	if id == "" {
		t.Fatal("expected generated id")
	}
	if err := conn.Validate(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	h, ok := s.Get(id)
	if !ok {
		t.Fatal("handle not registered")
	}
	if h.State != StateRunning || h.PID <= 0 {
		t.Errorf("handle = %+v", h)
	}
	if !exists(h.ScratchDir) {
		t.Errorf("scratch dir %s missing", h.ScratchDir)
	}
	if h.Limits[sandbox.CoreSize] != 0 || len(h.Limits) != 1 {
		t.Errorf("limits = %v", h.Limits)
	}

	if err := worker.Ping(context.Background(), conn, time.Second); err != nil {
		t.Errorf("heartbeat: %v", err)
	}
}

func TestSupervisor_WorkerExecutesInScratchDir(t *testing.T) {
	s := testSupervisor(t, "serve")
	id, conn := startWorker(t, s, StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := worker.Dial(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var out string
	req := wire.NewMessage(wire.ExecuteRequest, "s1", map[string]any{"code": "pwd; ulimit -c"})
	reply, err := c.Execute(ctx, req, func(m wire.Message) error {
		if m.MsgType == wire.Stream {
			out += m.Content["text"].(string)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status() != wire.StatusOK {
		t.Fatalf("reply = %v", reply.Content)
	}

	want := fmt.Sprintf("%s\n0\n", scratchOf(t, s, id))
	resolved, _ := filepath.EvalSymlinks(scratchOf(t, s, id))
	if out != want && out != resolved+"\n0\n" {
		t.Errorf("output = %q, want %q", out, want)
	}
}

// runCode executes code on the worker at conn and returns its stdout.
func runCode(t *testing.T, conn wire.Connection, code string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := worker.Dial(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var out strings.Builder
	req := wire.NewMessage(wire.ExecuteRequest, "s1", map[string]any{"code": code})
	reply, err := c.Execute(ctx, req, func(m wire.Message) error {
		if m.MsgType == wire.Stream && m.Content["name"] == "stdout" {
			out.WriteString(m.Content["text"].(string))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status() != wire.StatusOK {
		t.Fatalf("reply = %v", reply.Content)
	}
	return out.String()
}

func TestSupervisor_WorkerLogStaysOutOfScratchDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	s := testSupervisor(t, "serve", func(o *Options) { o.LogFile = "cellsrv-worker.log" })
	id, conn := startWorker(t, s, StartOptions{})

	runCode(t, conn, "true")

	entries, err := os.ReadDir(scratchOf(t, s, id))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("scratch dir holds %s", e.Name())
	}

	logPath := filepath.Join(dir, "cellsrv-worker.log")
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), "request finished") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker log %s missing request line: %q", logPath, data)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// procState returns the state letter of pid from /proc, or "" when the
// process is gone.
func procState(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ""
	}
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 || i+2 >= len(data) {
		return ""
	}
	return string(data[i+2])
}

func TestSupervisor_KillReachesOrphanedChildren(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc")
	}
	s := testSupervisor(t, "serve")
	id, conn := startWorker(t, s, StartOptions{})

	out := runCode(t, conn, "sleep 300 >/dev/null 2>&1 & echo $!")
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("background pid %q: %v", out, err)
	}
	if st := procState(pid); st == "" || st == "Z" {
		t.Fatalf("background child not running before kill (state %q)", st)
	}

	if ok, err := s.Kill(id); !ok || err != nil {
		t.Fatalf("Kill = %v, %v", ok, err)
	}

	// A dead orphan may linger as a zombie until init reaps it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := procState(pid)
		if st == "" || st == "Z" || st == "X" {
			return
		}
		if time.Now().After(deadline) {
			if p, err := os.FindProcess(pid); err == nil {
				p.Kill()
			}
			t.Fatalf("orphaned child %d survived kill (state %q)", pid, st)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSupervisor_DuplicateID(t *testing.T) {
	s := testSupervisor(t, "serve")
	startWorker(t, s, StartOptions{ID: "w1"})

	if _, _, err := s.Start(context.Background(), StartOptions{ID: "w1"}); !errors.Is(err, ErrWorkerExists) {
		t.Errorf("err = %v, want ErrWorkerExists", err)
	}
}

func TestSupervisor_KillThenStartSameID(t *testing.T) {
	s := testSupervisor(t, "serve")
	startWorker(t, s, StartOptions{ID: "w1"})
	first := scratchOf(t, s, "w1")

	ok, err := s.Kill("w1")
	if err != nil || !ok {
		t.Fatalf("Kill = %v, %v", ok, err)
	}
	if exists(first) {
		t.Error("scratch dir survived kill")
	}
	if _, ok := s.Get("w1"); ok {
		t.Error("handle survived kill")
	}

	startWorker(t, s, StartOptions{ID: "w1"})
	if second := scratchOf(t, s, "w1"); second == first {
		t.Errorf("scratch dir %s reused", second)
	}
}

func TestSupervisor_KillExitedProcess(t *testing.T) {
	s := testSupervisor(t, "serve")
	id, _ := startWorker(t, s, StartOptions{})
	h, _ := s.Get(id)

	proc, err := os.FindProcess(h.PID)
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if h, _ := s.Get(id); h.State == StateExited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never observed as exited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ok, err := s.Kill(id)
	if err != nil || !ok {
		t.Fatalf("Kill of exited worker = %v, %v", ok, err)
	}
	if exists(h.ScratchDir) {
		t.Error("scratch dir survived kill")
	}
}

func TestSupervisor_UnknownID(t *testing.T) {
	s := testSupervisor(t, "serve")

	if ok, err := s.Kill("nope"); ok || !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Kill = %v, %v", ok, err)
	}
	if ok, err := s.Interrupt("nope"); ok || !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Interrupt = %v, %v", ok, err)
	}
	if _, _, err := s.Restart(context.Background(), "nope"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Restart err = %v", err)
	}
}

func TestSupervisor_RestartPreservesEndpoint(t *testing.T) {
	s := testSupervisor(t, "serve")
	id, before := startWorker(t, s, StartOptions{Connection: wire.Connection{Key: "fixed-key"}})
	oldScratch := scratchOf(t, s, id)

	newID, after, err := s.Restart(context.Background(), id)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if newID != id {
		t.Errorf("id = %q, want %q", newID, id)
	}
	if after.Key != "fixed-key" || after.IP != before.IP {
		t.Errorf("endpoint = %+v, want key and ip of %+v", after, before)
	}
	for _, ch := range wire.Channels {
		if after.Ports[ch] != before.Ports[ch] {
			t.Errorf("%s port = %d, want %d", ch, after.Ports[ch], before.Ports[ch])
		}
	}
	if exists(oldScratch) {
		t.Error("old scratch dir survived restart")
	}
	if err := worker.Ping(context.Background(), after, time.Second); err != nil {
		t.Errorf("restarted worker heartbeat: %v", err)
	}
}

func TestSupervisor_ConcurrentStarts(t *testing.T) {
	const n = 6
	s := testSupervisor(t, "serve")

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.Start(context.Background(), StartOptions{ID: fmt.Sprintf("w%d", i)})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("start w%d: %v", i, err)
		}
	}
	handles := s.List()
	if len(handles) != n {
		t.Fatalf("List = %d handles, want %d", len(handles), n)
	}
	dirs := map[string]bool{}
	for _, h := range handles {
		if dirs[h.ScratchDir] {
			t.Errorf("scratch dir %s shared", h.ScratchDir)
		}
		dirs[h.ScratchDir] = true
	}
}

func TestSupervisor_Capacity(t *testing.T) {
	s := testSupervisor(t, "serve", func(o *Options) { o.MaxWorkers = 1 })
	startWorker(t, s, StartOptions{ID: "w1"})

	if _, _, err := s.Start(context.Background(), StartOptions{ID: "w2"}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	if _, err := s.Kill("w1"); err != nil {
		t.Fatal(err)
	}
	startWorker(t, s, StartOptions{ID: "w2"})
}

func TestSupervisor_HandshakeTimeout(t *testing.T) {
	root := t.TempDir()
	s := testSupervisor(t, "silent", func(o *Options) {
		o.HandshakeTimeout = 300 * time.Millisecond
		o.Policy.ScratchRoot = root
	})

	_, _, err := s.Start(context.Background(), StartOptions{ID: "w1"})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if _, ok := s.Get("w1"); ok {
		t.Error("handle registered after failed start")
	}
	if entries, _ := os.ReadDir(root); len(entries) != 0 {
		t.Errorf("scratch dirs left behind: %v", entries)
	}
}

func TestSupervisor_HandshakeClosed(t *testing.T) {
	s := testSupervisor(t, "crash")

	if _, _, err := s.Start(context.Background(), StartOptions{}); !errors.Is(err, ErrHandshakeClosed) {
		t.Fatalf("err = %v, want ErrHandshakeClosed", err)
	}
	if len(s.List()) != 0 {
		t.Error("handle registered after failed start")
	}
}

func TestSupervisor_LimiterAbortsStart(t *testing.T) {
	s := testSupervisor(t, "serve")

	// An unknown limit reaches the worker, which refuses to start.
	_, _, err := s.Start(context.Background(), StartOptions{Limits: sandbox.LimitSet{"RLIMIT_BOGUS": 1}})
	if !errors.Is(err, ErrHandshakeClosed) {
		t.Fatalf("err = %v, want ErrHandshakeClosed", err)
	}
}

func TestSupervisor_Interrupt(t *testing.T) {
	s := testSupervisor(t, "serve")
	id, conn := startWorker(t, s, StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c, err := worker.Dial(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	started := make(chan struct{})
	var once sync.Once
	done := make(chan wire.Message, 1)
	go func() {
		req := wire.NewMessage(wire.ExecuteRequest, "s1", map[string]any{"code": "echo started; exec sleep 30"})
		reply, _ := c.Execute(ctx, req, func(m wire.Message) error {
			if m.MsgType == wire.Stream {
				once.Do(func() { close(started) })
			}
			return nil
		})
		done <- reply
	}()

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("request never started")
	}
	if ok, err := s.Interrupt(id); !ok || err != nil {
		t.Fatalf("Interrupt = %v, %v", ok, err)
	}

	select {
	case reply := <-done:
		if reply.Content["ename"] != worker.EnameInterrupted {
			t.Errorf("reply = %v", reply.Content)
		}
	case <-ctx.Done():
		t.Fatal("interrupted request never finished")
	}
	if h, _ := s.Get(id); h.State != StateRunning {
		t.Error("worker died from interrupt")
	}
}

func TestSupervisor_KillRacesRestart(t *testing.T) {
	s := testSupervisor(t, "serve")
	id, _ := startWorker(t, s, StartOptions{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.Restart(context.Background(), id) }()
	go func() { defer wg.Done(); s.Kill(id) }()
	wg.Wait()

	// Whichever ran last decides; either way the table is consistent.
	if h, ok := s.Get(id); ok && !exists(h.ScratchDir) {
		t.Errorf("live handle points at removed scratch dir %s", h.ScratchDir)
	}
	if entries, _ := os.ReadDir(s.opts.Policy.ScratchRoot); len(entries) > 1 {
		t.Errorf("%d scratch dirs, want at most 1", len(entries))
	}
}
