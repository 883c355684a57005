// Package memory is an in-process storage backend. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/michaelbrown/cellsrv/internal/storage"
)

type session struct {
	mu       sync.Mutex
	messages []storage.OutputMessage
	closed   bool
}

type blobKey struct{ session, filename string }

// Store implements storage.Store in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session

	inputMu   sync.RWMutex
	inputs    map[string]storage.InputMessage // by shortened id
	bySession map[string]string               // session -> shortened id

	blobMu sync.RWMutex
	blobs  map[blobKey][]byte
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*session),
		inputs:    make(map[string]storage.InputMessage),
		bySession: make(map[string]string),
		blobs:     make(map[blobKey][]byte),
	}
}

func (s *Store) session(id string, create bool) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok && create {
		sess = &session{}
		s.sessions[id] = sess
	}
	return sess
}

func (s *Store) Append(_ context.Context, msg storage.OutputMessage) (int, error) {
	sess := s.session(msg.SessionID, true)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.closed {
		return 0, fmt.Errorf("%w: %s", storage.ErrSessionClosed, msg.SessionID)
	}
	msg.Sequence = len(sess.messages)
	sess.messages = append(sess.messages, msg)
	if msg.Terminal() {
		sess.closed = true
	}
	return msg.Sequence, nil
}

func (s *Store) Messages(_ context.Context, id string, from int) ([]storage.OutputMessage, error) {
	out := []storage.OutputMessage{}
	sess := s.session(id, false)
	if sess == nil {
		return out, nil
	}
	if from < 0 {
		from = 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if from < len(sess.messages) {
		out = append(out, sess.messages[from:]...)
	}
	return out, nil
}

func (s *Store) Closed(_ context.Context, id string) (bool, error) {
	sess := s.session(id, false)
	if sess == nil {
		return false, nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.closed, nil
}

func (s *Store) SaveInput(_ context.Context, in storage.InputMessage) error {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	s.inputs[in.Shortened] = in
	s.bySession[in.Session()] = in.Shortened
	return nil
}

func (s *Store) InputByShortened(_ context.Context, shortened string) (*storage.InputMessage, error) {
	s.inputMu.RLock()
	defer s.inputMu.RUnlock()
	in, ok := s.inputs[shortened]
	if !ok {
		return nil, fmt.Errorf("input %s: %w", shortened, storage.ErrNotFound)
	}
	return &in, nil
}

func (s *Store) InputBySession(ctx context.Context, id string) (*storage.InputMessage, error) {
	s.inputMu.RLock()
	shortened, ok := s.bySession[id]
	s.inputMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("input for session %s: %w", id, storage.ErrNotFound)
	}
	return s.InputByShortened(ctx, shortened)
}

func (s *Store) Put(_ context.Context, sessionID, filename string, data []byte) error {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()
	s.blobs[blobKey{sessionID, filename}] = append([]byte(nil), data...)
	return nil
}

func (s *Store) Get(_ context.Context, sessionID, filename string) ([]byte, error) {
	s.blobMu.RLock()
	defer s.blobMu.RUnlock()
	data, ok := s.blobs[blobKey{sessionID, filename}]
	if !ok {
		return nil, fmt.Errorf("file %s/%s: %w", sessionID, filename, storage.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) DeleteAll(_ context.Context, sessionID, filename string) (int, error) {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()
	n := 0
	for k := range s.blobs {
		if (sessionID == "" || k.session == sessionID) && (filename == "" || k.filename == filename) {
			delete(s.blobs, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error { return nil }
