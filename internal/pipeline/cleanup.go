package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// cleanupInput is the input_params payload for cleanup_temp jobs.
type cleanupInput struct {
	OlderThanSeconds int `json:"older_than_seconds,omitempty"`
}

// cleanupResult is the result_data payload for cleanup_temp jobs.
type cleanupResult struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
}

// CleanupTemp removes staged files older than the configured TTL (or the
// per-job override). Directories are left in place; removal errors on
// individual files are skipped so one locked file cannot wedge the sweep.
func (p *Pipeline) CleanupTemp(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	var in cleanupInput
	if err := json.Unmarshal(job.InputParams, &in); err != nil {
		return nil, fmt.Errorf("cleanup input params: %w", err)
	}
	ttl := p.cfg.CleanupTTL
	if in.OlderThanSeconds > 0 {
		ttl = time.Duration(in.OlderThanSeconds) * time.Second
	}
	cutoff := time.Now().Add(-ttl)

	var candidates []string
	err := filepath.WalkDir(p.cfg.TempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // raced with a concurrent delete
		}
		if info.ModTime().Before(cutoff) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return json.Marshal(cleanupResult{})
		}
		return nil, fmt.Errorf("scan staging dir: %w", err)
	}

	removed := 0
	total := len(candidates)
	for i, path := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		_ = report(ctx, i+1, total, fmt.Sprintf("cleaned %d/%d", i+1, total))
	}

	return json.Marshal(cleanupResult{Scanned: total, Removed: removed})
}
