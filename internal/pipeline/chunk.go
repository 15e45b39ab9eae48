package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// chunkInput is the input_params payload for chunk_document jobs.
type chunkInput struct {
	TextPath  string `json:"text_path"`
	ChunkSize int    `json:"chunk_size,omitempty"` // runes per chunk
	Overlap   int    `json:"overlap,omitempty"`    // runes carried over between chunks
}

// chunkResult is the result_data payload for chunk_document jobs.
type chunkResult struct {
	ChunksPath string `json:"chunks_path"`
	ChunkCount int    `json:"chunk_count"`
}

const (
	defaultChunkSize = 1000
	defaultOverlap   = 200
)

// ChunkDocument splits parsed text into overlapping chunks and stages them
// as a JSON array for the embedding stage. Progress is reported per chunk.
func (p *Pipeline) ChunkDocument(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	var in chunkInput
	if err := json.Unmarshal(job.InputParams, &in); err != nil {
		return nil, fmt.Errorf("chunk input params: %w", err)
	}
	if in.ChunkSize <= 0 {
		in.ChunkSize = defaultChunkSize
	}
	if in.Overlap < 0 || in.Overlap >= in.ChunkSize {
		in.Overlap = defaultOverlap
		if in.Overlap >= in.ChunkSize {
			in.Overlap = in.ChunkSize / 5
		}
	}

	src, err := p.stagePath(in.TextPath)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read parsed text: %w", err)
	}

	chunks := splitChunks(string(raw), in.ChunkSize, in.Overlap)
	total := len(chunks)
	for i := range chunks {
		// Chunking itself is cheap; the per-chunk report exists so the
		// progress API shows movement on very large documents.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = report(ctx, i+1, total, fmt.Sprintf("chunked %d/%d", i+1, total))
	}

	out, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("marshal chunks: %w", err)
	}
	dst := src + ".chunks.json"
	if err := os.WriteFile(dst, out, 0o600); err != nil {
		return nil, fmt.Errorf("write chunks: %w", err)
	}

	return json.Marshal(chunkResult{ChunksPath: dst, ChunkCount: total})
}

// splitChunks slices text into rune windows of size with the given overlap.
// The final chunk may be shorter; empty text yields no chunks.
func splitChunks(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
