package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/michaelbrown/cellsrv/internal/config"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/storage/memory"
	minioblob "github.com/michaelbrown/cellsrv/internal/storage/minio"
	redislog "github.com/michaelbrown/cellsrv/internal/storage/redis"
	"github.com/michaelbrown/cellsrv/internal/storage/sqlite"
)

// stores is the set of backends selected by storage.log_backend and
// storage.blob_backend.
type stores struct {
	log     storage.OutputLog
	inputs  storage.InputStore
	blobs   storage.BlobStore
	closers []io.Closer
}

func (s *stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{}
	var (
		sqliteStore *sqlite.SQLiteStore
		memStore    *memory.Store
	)
	openSQLite := func() (*sqlite.SQLiteStore, error) {
		if sqliteStore != nil {
			return sqliteStore, nil
		}
		if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating db dir: %w", err)
			}
		}
		s, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		sqliteStore = s
		st.closers = append(st.closers, s)
		return s, nil
	}
	mem := func() *memory.Store {
		if memStore == nil {
			memStore = memory.New()
		}
		return memStore
	}

	switch cfg.Storage.LogBackend {
	case "memory":
		st.log, st.inputs = mem(), mem()
	case "redis":
		r, err := redislog.New(redislog.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			TTL:      cfg.Storage.Redis.TTL,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, r)
		st.log, st.inputs = r, r
	default:
		s, err := openSQLite()
		if err != nil {
			return nil, err
		}
		st.log, st.inputs = s, s
	}

	switch cfg.Storage.BlobBackend {
	case "memory":
		st.blobs = mem()
	case "minio":
		b, err := minioblob.New(ctx, minioblob.Config{
			Endpoint:  cfg.Storage.Minio.Endpoint,
			AccessKey: cfg.Storage.Minio.AccessKey,
			SecretKey: cfg.Storage.Minio.SecretKey,
			UseSSL:    cfg.Storage.Minio.UseSSL,
			Bucket:    cfg.Storage.Minio.Bucket,
			Region:    cfg.Storage.Minio.Region,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		st.blobs = b
	default:
		s, err := openSQLite()
		if err != nil {
			st.Close()
			return nil, err
		}
		st.blobs = s
	}
	return st, nil
}
