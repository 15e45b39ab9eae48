package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// embedInput is the input_params payload for embed_chunks jobs.
type embedInput struct {
	ChunksPath string `json:"chunks_path"`
	Model      string `json:"model,omitempty"`
}

// embedResult is the result_data payload for embed_chunks jobs.
type embedResult struct {
	Embedded int `json:"embedded"`
	Batches  int `json:"batches"`
}

// embedRequest is the request body sent to the embedding service.
type embedRequest struct {
	Model  string   `json:"model,omitempty"`
	Inputs []string `json:"inputs"`
}

// EmbedChunks sends staged chunks to the embedding service in batches.
// Cancellation is checked between batches, so a timed-out or stopping job
// abandons cleanly at a batch boundary.
func (p *Pipeline) EmbedChunks(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	if p.cfg.EmbedServiceURL == "" {
		return nil, fmt.Errorf("embed service not configured")
	}
	var in embedInput
	if err := json.Unmarshal(job.InputParams, &in); err != nil {
		return nil, fmt.Errorf("embed input params: %w", err)
	}
	src, err := p.stagePath(in.ChunksPath)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	var chunks []string
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return nil, fmt.Errorf("decode chunks: %w", err)
	}

	total := len(chunks)
	embedded := 0
	batches := 0
	for start := 0; start < total; start += p.cfg.EmbedBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + p.cfg.EmbedBatchSize
		if end > total {
			end = total
		}
		if err := p.embedBatch(ctx, in.Model, chunks[start:end]); err != nil {
			return nil, fmt.Errorf("embed batch %d: %w", batches+1, err)
		}
		embedded = end
		batches++
		_ = report(ctx, embedded, total, fmt.Sprintf("embedded %d/%d chunks", embedded, total))
	}

	return json.Marshal(embedResult{Embedded: embedded, Batches: batches})
}

func (p *Pipeline) embedBatch(ctx context.Context, model string, inputs []string) error {
	body, err := json.Marshal(embedRequest{Model: model, Inputs: inputs})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.EmbedServiceURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		return fmt.Errorf("embed service returned %d: %s", resp.StatusCode, msg)
	}
	// The embedding service persists vectors itself; the response body is
	// drained so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}
