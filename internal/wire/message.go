package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried on the shell and iopub channels.
const (
	ExecuteRequest = "execute_request"
	ExecuteReply   = "execute_reply"
	ExecuteResult  = "execute_result"
	Stream         = "stream"
	DisplayData    = "display_data"
	Error          = "error"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusBusy  = "busy"
)

// ErrBadSignature is returned when a message fails HMAC verification.
var ErrBadSignature = errors.New("invalid message signature")

// Header identifies a message and the session it belongs to.
type Header struct {
	MsgID    string    `json:"msg_id"`
	Session  string    `json:"session"`
	Username string    `json:"username,omitempty"`
	Date     time.Time `json:"date"`
}

// Message is the unit exchanged with a worker.
type Message struct {
	Header       Header         `json:"header"`
	ParentHeader Header         `json:"parent_header"`
	MsgType      string         `json:"msg_type"`
	Content      map[string]any `json:"content"`
	Signature    string         `json:"signature,omitempty"`
}

// NewMessage builds a message for session with a fresh id.
func NewMessage(msgType, session string, content map[string]any) Message {
	return Message{
		Header: Header{
			MsgID:   uuid.NewString(),
			Session: session,
			Date:    time.Now().UTC(),
		},
		MsgType: msgType,
		Content: content,
	}
}

// Reply builds a message whose parent is m.
func (m Message) Reply(msgType string, content map[string]any) Message {
	r := NewMessage(msgType, m.Header.Session, content)
	r.ParentHeader = m.Header
	return r
}

// IsReplyTo reports whether m answers the request with id msgID.
func (m Message) IsReplyTo(msgID string) bool {
	return m.ParentHeader.MsgID == msgID
}

// Status returns the content's status field.
func (m Message) Status() string {
	s, _ := m.Content["status"].(string)
	return s
}

func digest(key string, m Message) (string, error) {
	mac := hmac.New(sha256.New, []byte(key))
	for _, part := range []any{m.Header, m.ParentHeader, m.MsgType, m.Content} {
		b, err := json.Marshal(part)
		if err != nil {
			return "", fmt.Errorf("encoding message: %w", err)
		}
		mac.Write(b)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Sign sets m.Signature using key.
func Sign(key string, m *Message) error {
	sig, err := digest(key, *m)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks m.Signature against key.
func Verify(key string, m Message) error {
	want, err := digest(key, m)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(m.Signature)) {
		return ErrBadSignature
	}
	return nil
}
