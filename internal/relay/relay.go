// Package relay is the client-facing side of a computation: submitting code,
// then reading what it produced by sequence number.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

var (
	ErrTooManyFiles = errors.New("too many files")
	ErrEmptyCode    = errors.New("no code submitted")
	ErrBadFilename  = errors.New("invalid filename")
)

// Dispatcher hands a stored input to a worker. It must not block on the
// computation itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, in storage.InputMessage) error
}

// Config tunes the relay.
type Config struct {
	MaxFiles        int
	PollInterval    time.Duration
	LongPollTimeout time.Duration
	ServiceTimeout  time.Duration
	BaseURL         string // prefix of shareable links
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxFiles:        10,
		PollInterval:    100 * time.Millisecond,
		LongPollTimeout: 2 * time.Second,
		ServiceTimeout:  30 * time.Second,
	}
}

// File is an attachment of a submission.
type File struct {
	Name string
	Data []byte
}

// SubmitRequest is one unit of work. Session and MsgID are generated when
// empty.
type SubmitRequest struct {
	Session  string
	MsgID    string
	Username string
	Code     string
	Silent   bool
	Files    []File
	Flags    map[string]bool
}

// Submission is the result of Submit.
type Submission struct {
	Session   string `json:"session_id"`
	MsgID     string `json:"msg_id"`
	Shortened string `json:"shortened"`
	ZipURL    string `json:"zipurl"`
	QueryURL  string `json:"queryurl"`
}

// Service implements submit, poll, long-poll and synchronous runs over an
// output log.
type Service struct {
	cfg        Config
	log        storage.OutputLog
	inputs     storage.InputStore
	blobs      storage.BlobStore
	dispatcher Dispatcher
}

// New creates a Service. Zero config fields take their defaults.
func New(cfg Config, log storage.OutputLog, inputs storage.InputStore, blobs storage.BlobStore, d Dispatcher) *Service {
	def := DefaultConfig()
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = def.LongPollTimeout
	}
	if cfg.ServiceTimeout <= 0 {
		cfg.ServiceTimeout = def.ServiceTimeout
	}
	return &Service{cfg: cfg, log: log, inputs: inputs, blobs: blobs, dispatcher: d}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// CleanFilename reduces name to a bare file name. It rejects names that
// would escape a directory.
func CleanFilename(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, name)
	}
	return base, nil
}

// Submit validates and stores req, then hands it to the dispatcher. It
// returns as soon as the input is queued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, ErrEmptyCode
	}
	if len(req.Files) > s.cfg.MaxFiles {
		return nil, fmt.Errorf("%w: %d attached, at most %d allowed", ErrTooManyFiles, len(req.Files), s.cfg.MaxFiles)
	}
	names := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		name, err := CleanFilename(f.Name)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	session := req.Session
	if session == "" {
		session = uuid.NewString()
	} else {
		closed, err := s.log.Closed(ctx, session)
		if err != nil {
			return nil, err
		}
		if closed {
			return nil, fmt.Errorf("%w: %s", storage.ErrSessionClosed, session)
		}
	}
	msgID := req.MsgID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	ctx = logger.WithFields(ctx, zap.String("session", session))

	for i, f := range req.Files {
		if err := s.blobs.Put(ctx, session, names[i], f.Data); err != nil {
			return nil, fmt.Errorf("storing %s: %w", names[i], err)
		}
	}

	in := storage.InputMessage{
		Header: wire.Header{
			MsgID:    msgID,
			Session:  session,
			Username: req.Username,
			Date:     time.Now().UTC(),
		},
		MsgType: wire.ExecuteRequest,
		Content: storage.InputContent{
			Code:   req.Code,
			Silent: req.Silent,
			Files:  names,
			Flags:  req.Flags,
		},
		Shortened: newShortID(),
	}
	if err := s.inputs.SaveInput(ctx, in); err != nil {
		return nil, fmt.Errorf("saving input: %w", err)
	}
	if err := s.dispatcher.Dispatch(ctx, in); err != nil {
		return nil, fmt.Errorf("dispatching: %w", err)
	}
	logger.Info(ctx, "computation submitted", zap.String("msg_id", msgID), zap.Int("files", len(names)))

	sub := &Submission{Session: session, MsgID: msgID, Shortened: in.Shortened}
	if z, err := EncodeCode(req.Code); err == nil {
		sub.ZipURL = s.link("z", z)
	}
	sub.QueryURL = s.link("q", in.Shortened)
	return sub, nil
}

func (s *Service) link(param, value string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/?" + param + "=" + url.QueryEscape(value)
}

func newShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Input returns the input stored under a shortened id.
func (s *Service) Input(ctx context.Context, shortened string) (*storage.InputMessage, error) {
	return s.inputs.InputByShortened(ctx, shortened)
}

// File returns a file stored for session.
func (s *Service) File(ctx context.Context, session, filename string) ([]byte, error) {
	return s.blobs.Get(ctx, session, filename)
}

// Poll returns the messages of session with sequence >= from. It never
// waits and never returns nil.
func (s *Service) Poll(ctx context.Context, session string, from int) ([]storage.OutputMessage, error) {
	if from < 0 {
		from = 0
	}
	msgs, err := s.log.Messages(ctx, session, from)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []storage.OutputMessage{}
	}
	return msgs, nil
}

// MaxWait is the longest a LongPoll or RunSynchronous call may block.
func (s *Service) MaxWait() time.Duration {
	return max(s.cfg.LongPollTimeout, s.cfg.ServiceTimeout)
}

// LongPoll samples Poll every PollInterval until the session is closed or
// timeout elapses, then returns the latest sample, which may be empty. A
// non-positive timeout means the configured default; longer than MaxWait
// means MaxWait.
func (s *Service) LongPoll(ctx context.Context, session string, from int, timeout time.Duration) ([]storage.OutputMessage, error) {
	if timeout <= 0 {
		timeout = s.cfg.LongPollTimeout
	}
	timeout = min(timeout, s.MaxWait())
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		closed, err := s.log.Closed(ctx, session)
		if err != nil {
			return nil, err
		}
		msgs, err := s.Poll(ctx, session, from)
		if err != nil {
			return nil, err
		}
		if closed || !time.Now().Before(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return msgs, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunSynchronous submits code under a fresh session and collects its text
// output until the terminal reply arrives or timeout elapses. ok is true only
// when the reply's status is ok. A timeout is not an error: the partial text
// is returned with ok false.
func (s *Service) RunSynchronous(ctx context.Context, code string, timeout time.Duration) (text string, ok bool, err error) {
	if timeout <= 0 {
		timeout = s.cfg.ServiceTimeout
	}
	timeout = min(timeout, s.MaxWait())
	sub, err := s.Submit(ctx, SubmitRequest{Code: code})
	if err != nil {
		return "", false, err
	}

	deadline := time.Now().Add(timeout)
	var out strings.Builder
	next := 0
	for {
		msgs, err := s.Poll(ctx, sub.Session, next)
		if err != nil {
			return out.String(), false, err
		}
		for _, m := range msgs {
			next = m.Sequence + 1
			out.WriteString(textOf(m))
			if m.Terminal() {
				status, _ := m.Content["status"].(string)
				return out.String(), status == wire.StatusOK, nil
			}
		}

		if !time.Now().Before(deadline) {
			return out.String(), false, nil
		}
		select {
		case <-ctx.Done():
			return out.String(), false, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// textOf returns the plain text a message contributes to a synchronous run.
func textOf(m storage.OutputMessage) string {
	switch m.MsgType {
	case wire.Stream:
		if name, _ := m.Content["name"].(string); name == "stdout" {
			text, _ := m.Content["text"].(string)
			return text
		}
	case wire.ExecuteResult, wire.DisplayData:
		if data, ok := m.Content["data"].(map[string]any); ok {
			text, _ := data["text/plain"].(string)
			return text
		}
	}
	return ""
}
