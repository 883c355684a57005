package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/cellsrv/internal/logger"
	"github.com/michaelbrown/cellsrv/internal/storage"
	"github.com/michaelbrown/cellsrv/internal/wire"
)

// Files larger than this are left in the scratch dir.
const maxHarvestBytes = 16 << 20

type fileStamp struct {
	size    int64
	modTime time.Time
}

// stageFiles copies the session's attached files into dir and returns the
// state of dir afterwards.
func (d *Dispatcher) stageFiles(ctx context.Context, session string, names []string, dir string) (map[string]fileStamp, error) {
	for _, name := range names {
		data, err := d.blobs.Get(ctx, session, name)
		if err != nil {
			return nil, fmt.Errorf("loading attached file %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, filepath.Base(name)), data, 0o644); err != nil {
			return nil, fmt.Errorf("staging %s: %w", name, err)
		}
	}
	return scanDir(dir)
}

func scanDir(dir string) (map[string]fileStamp, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scratch dir: %w", err)
	}
	out := make(map[string]fileStamp, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[e.Name()] = fileStamp{size: info.Size(), modTime: info.ModTime()}
	}
	return out, nil
}

// harvestFiles stores every file the computation created or changed and
// appends one display_data message per file.
func (d *Dispatcher) harvestFiles(ctx context.Context, in storage.InputMessage, dir string, before map[string]fileStamp) error {
	after, err := scanDir(dir)
	if err != nil {
		return err
	}

	var changed []string
	for name, st := range after {
		if prev, ok := before[name]; ok && prev.size == st.size && prev.modTime.Equal(st.modTime) {
			continue
		}
		if st.size > maxHarvestBytes {
			logger.Warn(ctx, "generated file too large to keep", zap.String("file", name), zap.Int64("size", st.size))
			continue
		}
		changed = append(changed, name)
	}
	sort.Strings(changed)

	req := in.Wire()
	for _, name := range changed {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if err := d.blobs.Put(ctx, in.Session(), name, data); err != nil {
			return fmt.Errorf("storing %s: %w", name, err)
		}
		msg := req.Reply(wire.DisplayData, map[string]any{
			"data":     map[string]any{"text/filename": name},
			"metadata": map[string]any{"size": len(data)},
		})
		if _, err := d.log.Append(ctx, storage.FromWire(in.Session(), msg)); err != nil {
			return fmt.Errorf("announcing %s: %w", name, err)
		}
	}
	return nil
}
