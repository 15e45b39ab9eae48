package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/worker"
)

// parseInput is the input_params payload shared by the parse job types.
type parseInput struct {
	FilePath string `json:"file_path"`
	Bucket   string `json:"bucket,omitempty"`
}

// parseResult is the result_data payload written by the parse handlers.
type parseResult struct {
	TextPath string `json:"text_path"`
	Bytes    int    `json:"bytes"`
	Lines    int    `json:"lines"`
}

// ParseText reads a staged plain-text file, normalizes line endings, and
// writes the cleaned text next to it for the chunking stage.
func (p *Pipeline) ParseText(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	return p.parseLocal(ctx, job, report, func(raw []byte) string {
		return normalizeText(string(raw))
	})
}

// ParseMarkdown reads a staged markdown file and strips markup down to
// plain text before handing it to the chunking stage.
func (p *Pipeline) ParseMarkdown(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	return p.parseLocal(ctx, job, report, func(raw []byte) string {
		return stripMarkdown(normalizeText(string(raw)))
	})
}

func (p *Pipeline) parseLocal(ctx context.Context, job *store.Job, report worker.ProgressFunc, clean func([]byte) string) (json.RawMessage, error) {
	var in parseInput
	if err := json.Unmarshal(job.InputParams, &in); err != nil {
		return nil, fmt.Errorf("parse input params: %w", err)
	}
	src, err := p.stagePath(in.FilePath)
	if err != nil {
		return nil, err
	}

	_ = report(ctx, 0, 2, "reading source file")
	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	_ = report(ctx, 1, 2, "writing parsed text")
	text := clean(raw)
	dst := src + ".parsed.txt"
	if err := os.WriteFile(dst, []byte(text), 0o600); err != nil {
		return nil, fmt.Errorf("write parsed text: %w", err)
	}
	_ = report(ctx, 2, 2, "done")

	return json.Marshal(parseResult{
		TextPath: dst,
		Bytes:    len(text),
		Lines:    strings.Count(text, "\n") + 1,
	})
}

// ParsePDF ships the staged PDF to the external converter service and
// stages the returned text. The converter is the external collaborator
// that owns the actual extraction.
func (p *Pipeline) ParsePDF(ctx context.Context, job *store.Job, report worker.ProgressFunc) (json.RawMessage, error) {
	if p.cfg.ParserServiceURL == "" {
		return nil, fmt.Errorf("parser service not configured")
	}
	var in parseInput
	if err := json.Unmarshal(job.InputParams, &in); err != nil {
		return nil, fmt.Errorf("parse input params: %w", err)
	}
	src, err := p.stagePath(in.FilePath)
	if err != nil {
		return nil, err
	}

	_ = report(ctx, 0, 3, "reading source file")
	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	_ = report(ctx, 1, 3, "converting via parser service")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ParserServiceURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build parser request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("parser service: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		return nil, fmt.Errorf("parser service returned %d: %s", resp.StatusCode, body)
	}
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read parser response: %w", err)
	}

	_ = report(ctx, 2, 3, "writing parsed text")
	dst := src + ".parsed.txt"
	if err := os.WriteFile(dst, text, 0o600); err != nil {
		return nil, fmt.Errorf("write parsed text: %w", err)
	}
	_ = report(ctx, 3, 3, "done")

	return json.Marshal(parseResult{
		TextPath: dst,
		Bytes:    len(text),
		Lines:    strings.Count(string(text), "\n") + 1,
	})
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

var (
	mdCodeFence = regexp.MustCompile("(?s)```.*?```")
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdLink      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdEmphasis  = regexp.MustCompile(`[*_]{1,3}([^*_]+)[*_]{1,3}`)
)

// stripMarkdown reduces markdown to plain text well enough for chunking.
// It is intentionally lossy; fenced code blocks are dropped entirely.
func stripMarkdown(s string) string {
	s = mdCodeFence.ReplaceAllString(s, "")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdEmphasis.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
