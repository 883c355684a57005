// Package redis keeps the output log and submitted inputs in Redis, so
// several cellsrv processes can serve polls for the same sessions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelbrown/cellsrv/internal/storage"
)

// Config holds the connection settings.
type Config struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"` // expiry of a session's keys; zero keeps them forever
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
}

// appendScript pushes a message unless the session is closed, closes it when
// the message is terminal and returns the new message's index, or -1 when
// the session was already closed.
//
// KEYS[1] message list, KEYS[2] closed marker
// ARGV[1] message, ARGV[2] "1" when terminal, ARGV[3] ttl in seconds
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -1
end
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
if ARGV[2] == '1' then
	redis.call('SET', KEYS[2], '1')
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
	if ARGV[2] == '1' then
		redis.call('EXPIRE', KEYS[2], ttl)
	end
end
return n - 1
`)

// Store implements storage.OutputLog and storage.InputStore.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and checks the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cellsrv"
	}
	return &Store{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (s *Store) logKey(session string) string    { return s.prefix + ":log:" + session }
func (s *Store) closedKey(session string) string { return s.prefix + ":closed:" + session }
func (s *Store) inputKey(shortened string) string {
	return s.prefix + ":input:" + shortened
}
func (s *Store) sessionInputKey(session string) string {
	return s.prefix + ":input-session:" + session
}

func (s *Store) Append(ctx context.Context, msg storage.OutputMessage) (int, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshaling message: %w", err)
	}
	terminal := "0"
	if msg.Terminal() {
		terminal = "1"
	}

	seq, err := appendScript.Run(ctx, s.client,
		[]string{s.logKey(msg.SessionID), s.closedKey(msg.SessionID)},
		string(data), terminal, int64(s.ttl/time.Second),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("appending message: %w", err)
	}
	if seq < 0 {
		return 0, fmt.Errorf("%w: %s", storage.ErrSessionClosed, msg.SessionID)
	}
	return seq, nil
}

func (s *Store) Messages(ctx context.Context, session string, from int) ([]storage.OutputMessage, error) {
	if from < 0 {
		from = 0
	}
	raw, err := s.client.LRange(ctx, s.logKey(session), int64(from), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	messages := make([]storage.OutputMessage, 0, len(raw))
	for i, r := range raw {
		var m storage.OutputMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling message: %w", err)
		}
		// The list index is the sequence number.
		m.Sequence = from + i
		m.SessionID = session
		messages = append(messages, m)
	}
	return messages, nil
}

func (s *Store) Closed(ctx context.Context, session string) (bool, error) {
	n, err := s.client.Exists(ctx, s.closedKey(session)).Result()
	if err != nil {
		return false, fmt.Errorf("reading session state: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SaveInput(ctx context.Context, in storage.InputMessage) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling input: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.inputKey(in.Shortened), data, s.ttl)
		p.Set(ctx, s.sessionInputKey(in.Session()), in.Shortened, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing input: %w", err)
	}
	return nil
}

func (s *Store) InputByShortened(ctx context.Context, shortened string) (*storage.InputMessage, error) {
	data, err := s.client.Get(ctx, s.inputKey(shortened)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("input %s: %w", shortened, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading input: %w", err)
	}
	var in storage.InputMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("unmarshaling input: %w", err)
	}
	return &in, nil
}

func (s *Store) InputBySession(ctx context.Context, session string) (*storage.InputMessage, error) {
	shortened, err := s.client.Get(ctx, s.sessionInputKey(session)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("input for session %s: %w", session, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading input: %w", err)
	}
	return s.InputByShortened(ctx, shortened)
}

func (s *Store) Close() error {
	return s.client.Close()
}
