package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/cellsrv/internal/wire"
)

var (
	// ErrSessionClosed is returned when appending to a session whose
	// terminal reply has already been logged.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotFound is returned for missing inputs and files.
	ErrNotFound = errors.New("not found")
)

// OutputMessage is one message a worker produced for a session.
type OutputMessage struct {
	SessionID   string         `json:"session_id"`
	Sequence    int            `json:"sequence"`
	MsgType     string         `json:"msg_type"`
	ParentMsgID string         `json:"parent_msg_id,omitempty"`
	Content     map[string]any `json:"content"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Terminal reports whether m closes its session: an execute_reply whose
// status is ok or error.
func (m OutputMessage) Terminal() bool {
	if m.MsgType != wire.ExecuteReply {
		return false
	}
	status, _ := m.Content["status"].(string)
	return status == wire.StatusOK || status == wire.StatusError
}

// FromWire converts a worker message into a log entry for session.
func FromWire(session string, m wire.Message) OutputMessage {
	return OutputMessage{
		SessionID:   session,
		MsgType:     m.MsgType,
		ParentMsgID: m.ParentHeader.MsgID,
		Content:     m.Content,
		CreatedAt:   m.Header.Date,
	}
}

// InputContent is the body of an execute request.
type InputContent struct {
	Code   string          `json:"code"`
	Silent bool            `json:"silent"`
	Files  []string        `json:"files,omitempty"`
	Flags  map[string]bool `json:"flags,omitempty"`
}

// InputMessage is a submitted execute request.
type InputMessage struct {
	Header    wire.Header  `json:"header"`
	MsgType   string       `json:"msg_type"`
	Content   InputContent `json:"content"`
	Shortened string       `json:"shortened"`
}

// Session returns the session the input belongs to.
func (m InputMessage) Session() string {
	return m.Header.Session
}

// Wire converts the input into the message sent to a worker.
func (m InputMessage) Wire() wire.Message {
	content := map[string]any{
		"code":   m.Content.Code,
		"silent": m.Content.Silent,
	}
	if len(m.Content.Files) > 0 {
		files := make([]any, len(m.Content.Files))
		for i, f := range m.Content.Files {
			files[i] = f
		}
		content["files"] = files
	}
	return wire.Message{Header: m.Header, MsgType: m.MsgType, Content: content}
}

// OutputLog is an append-only, per-session sequenced message log.
type OutputLog interface {
	// Append assigns the next sequence number of the message's session and
	// stores it. Sequences start at 0 and have no gaps. Appending after the
	// terminal reply returns ErrSessionClosed.
	Append(ctx context.Context, msg OutputMessage) (int, error)

	// Messages returns the messages of session with sequence >= from, in
	// order. An unknown session yields an empty slice.
	Messages(ctx context.Context, session string, from int) ([]OutputMessage, error)

	// Closed reports whether the session's terminal reply has been appended.
	Closed(ctx context.Context, session string) (bool, error)
}

// InputStore keeps submitted inputs.
type InputStore interface {
	SaveInput(ctx context.Context, in InputMessage) error

	// InputByShortened returns the input with the given shortened id or
	// ErrNotFound.
	InputByShortened(ctx context.Context, shortened string) (*InputMessage, error)

	// InputBySession returns the input submitted for session or ErrNotFound.
	InputBySession(ctx context.Context, session string) (*InputMessage, error)
}

// BlobStore holds files keyed by (session, filename). Put overwrites.
type BlobStore interface {
	Put(ctx context.Context, session, filename string, data []byte) error
	Get(ctx context.Context, session, filename string) ([]byte, error)
	// DeleteAll removes matching files; an empty argument matches anything.
	DeleteAll(ctx context.Context, session, filename string) (int, error)
}

// Store bundles every persistence concern of one backend.
type Store interface {
	OutputLog
	InputStore
	BlobStore
	Close() error
}
