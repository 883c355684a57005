package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/wire"
)

// Welcome is the first message on every iopub subscription. Clients wait for
// it before sending requests so nothing published afterwards is missed.
const Welcome = "iopub_welcome"

const defaultIP = "127.0.0.1"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Endpoint is the listening side of a worker: shell and iopub over websocket,
// heartbeat over raw TCP.
type Endpoint struct {
	conn      wire.Connection
	listeners map[wire.Channel]net.Listener
	kernel    *Kernel
	hub       *hub
	log       *zap.Logger
	ctx       context.Context
}

// Listen binds every channel. Fields present in req are honoured so a
// restarted worker keeps its predecessor's address, key and ports; missing
// fields are filled with the loopback address, a fresh key and ephemeral ports.
func Listen(req wire.Connection, log *zap.Logger) (*Endpoint, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn := req.Clone()
	if conn.IP == "" {
		conn.IP = defaultIP
	}
	if conn.Key == "" {
		conn.Key = uuid.NewString()
	}
	if conn.Ports == nil {
		conn.Ports = make(map[wire.Channel]int, len(wire.Channels))
	}

	e := &Endpoint{
		listeners: make(map[wire.Channel]net.Listener, len(wire.Channels)),
		hub:       newHub(),
		log:       log,
		ctx:       context.Background(),
	}
	for _, ch := range wire.Channels {
		addr := net.JoinHostPort(conn.IP, strconv.Itoa(conn.Ports[ch]))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			e.closeListeners()
			return nil, fmt.Errorf("listening on %s channel: %w", ch, err)
		}
		e.listeners[ch] = ln
		conn.Ports[ch] = ln.Addr().(*net.TCPAddr).Port
	}
	e.conn = conn
	return e, nil
}

// Connection returns the parameters clients need to reach this endpoint.
func (e *Endpoint) Connection() wire.Connection {
	return e.conn.Clone()
}

// Attach sets the kernel that serves shell requests.
func (e *Endpoint) Attach(k *Kernel) {
	e.kernel = k
}

// Publish broadcasts m on iopub after signing it.
func (e *Endpoint) Publish(m wire.Message) {
	if err := wire.Sign(e.conn.Key, &m); err != nil {
		e.log.Error("signing message", zap.Error(err))
		return
	}
	e.hub.publish(m)
}

// Serve runs until ctx is cancelled or a listener fails.
func (e *Endpoint) Serve(ctx context.Context) error {
	if e.kernel == nil {
		return errors.New("endpoint has no kernel attached")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = ctx

	shell := &http.Server{Handler: http.HandlerFunc(e.handleShell)}
	iopub := &http.Server{Handler: http.HandlerFunc(e.handleIOPub)}

	errCh := make(chan error, 3)
	go func() { errCh <- serveHTTP(shell, e.listeners[wire.Shell]) }()
	go func() { errCh <- serveHTTP(iopub, e.listeners[wire.IOPub]) }()
	go func() { errCh <- e.serveHeartbeat(e.listeners[wire.Heartbeat]) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	e.hub.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	shell.Shutdown(shutdownCtx)
	iopub.Shutdown(shutdownCtx)
	e.closeListeners()
	return err
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (e *Endpoint) closeListeners() {
	for _, ln := range e.listeners {
		ln.Close()
	}
}

func (e *Endpoint) handleShell(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("shell upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(m wire.Message) {
		if err := wire.Sign(e.conn.Key, &m); err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.WriteJSON(m)
	}

	for {
		var msg wire.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if err := wire.Verify(e.conn.Key, msg); err != nil {
			e.log.Warn("rejected shell message", zap.String("msg_id", msg.Header.MsgID), zap.Error(err))
			continue
		}
		// Requests run in the background so the kernel can answer busy to a
		// request that arrives on the same connection meanwhile.
		go send(e.kernel.Execute(e.ctx, msg))
	}
}

func (e *Endpoint) handleIOPub(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("iopub upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	sub, unsubscribe := e.hub.subscribe()
	defer unsubscribe()

	// Drain control frames so a client close is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	welcome := wire.NewMessage(Welcome, "", map[string]any{})
	if err := wire.Sign(e.conn.Key, &welcome); err != nil || ws.WriteJSON(welcome) != nil {
		return
	}

	for {
		m, ok := sub.next(done)
		if !ok {
			select {
			case <-done:
			default:
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "worker stopping"))
			}
			return
		}
		if err := ws.WriteJSON(m); err != nil {
			return
		}
	}
}

func (e *Endpoint) serveHeartbeat(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer c.Close()
			io.Copy(c, c)
		}()
	}
}
