package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/cellsrv/internal/wire"
)

// ErrDisconnected is returned when a worker channel closes mid-request.
var ErrDisconnected = errors.New("worker disconnected")

// Client talks to one worker endpoint.
type Client struct {
	conn  wire.Connection
	shell *websocket.Conn
	iopub *websocket.Conn
}

// Dial connects to the shell and iopub channels of conn and waits for the
// iopub subscription to be confirmed.
func Dial(ctx context.Context, conn wire.Connection) (*Client, error) {
	iopub, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+conn.Addr(wire.IOPub)+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("dialing iopub: %w", err)
	}
	shell, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+conn.Addr(wire.Shell)+"/", nil)
	if err != nil {
		iopub.Close()
		return nil, fmt.Errorf("dialing shell: %w", err)
	}
	c := &Client{conn: conn, shell: shell, iopub: iopub}

	stop := c.closeOnDone(ctx)
	welcome, err := c.read()
	stop()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("waiting for iopub subscription: %w", err)
	}
	if welcome.MsgType != Welcome {
		c.Close()
		return nil, fmt.Errorf("unexpected first iopub message %q", welcome.MsgType)
	}
	go c.drainShell()
	return c, nil
}

// Execute sends req on the shell channel and passes every iopub message that
// answers it to onMessage, the final execute_reply included. It returns the
// execute_reply. Cancelling ctx closes the client.
func (c *Client) Execute(ctx context.Context, req wire.Message, onMessage func(wire.Message) error) (wire.Message, error) {
	if err := wire.Sign(c.conn.Key, &req); err != nil {
		return wire.Message{}, err
	}
	if err := c.shell.WriteJSON(req); err != nil {
		return wire.Message{}, fmt.Errorf("sending request: %w", err)
	}

	stop := c.closeOnDone(ctx)
	defer stop()
	for {
		m, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return wire.Message{}, ctx.Err()
			}
			return wire.Message{}, err
		}
		if !m.IsReplyTo(req.Header.MsgID) {
			continue
		}
		if err := onMessage(m); err != nil {
			return wire.Message{}, err
		}
		if m.MsgType == wire.ExecuteReply {
			return m, nil
		}
	}
}

func (c *Client) read() (wire.Message, error) {
	var m wire.Message
	if err := c.iopub.ReadJSON(&m); err != nil {
		if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) ||
			errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return m, ErrDisconnected
		}
		return m, fmt.Errorf("reading iopub: %w", err)
	}
	if err := wire.Verify(c.conn.Key, m); err != nil {
		return m, err
	}
	return m, nil
}

// drainShell discards shell replies; iopub carries the same reply.
func (c *Client) drainShell() {
	for {
		if _, _, err := c.shell.NextReader(); err != nil {
			return
		}
	}
}

func (c *Client) closeOnDone(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Close closes both channels.
func (c *Client) Close() error {
	err1 := c.shell.Close()
	err2 := c.iopub.Close()
	return errors.Join(err1, err2)
}

// Ping sends a probe on the heartbeat channel and waits for its echo.
func Ping(ctx context.Context, conn wire.Connection, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", conn.Addr(wire.Heartbeat))
	if err != nil {
		return fmt.Errorf("dialing heartbeat: %w", err)
	}
	defer c.Close()
	if timeout > 0 {
		c.SetDeadline(time.Now().Add(timeout))
	}

	probe := []byte("ping")
	if _, err := c.Write(probe); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	echo := make([]byte, len(probe))
	if _, err := io.ReadFull(c, echo); err != nil {
		return fmt.Errorf("reading heartbeat: %w", err)
	}
	if !bytes.Equal(probe, echo) {
		return fmt.Errorf("heartbeat echoed %q", echo)
	}
	return nil
}
