package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/docpipe/docpipe/internal/store"
)

func noopReport(ctx context.Context, current, total int, message string) error { return nil }

// stubJob builds the minimal job a handler needs: its input payload.
func stubJob(t *testing.T, params any) *store.Job {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &store.Job{InputParams: raw}
}

func TestStagePath(t *testing.T) {
	t.Parallel()
	p := New(Config{TempDir: "/tmp/stage"}, nil)

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"relative inside", "doc.txt", "/tmp/stage/doc.txt", false},
		{"absolute inside", "/tmp/stage/a/doc.txt", "/tmp/stage/a/doc.txt", false},
		{"empty", "", "", true},
		{"dotdot escape", "../etc/passwd", "", true},
		{"absolute outside", "/etc/passwd", "", true},
		{"prefix sibling", "/tmp/stage2/doc.txt", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := p.stagePath(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("stagePath(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("stagePath(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("stagePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseText(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := New(Config{TempDir: dir}, nil)

	src := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(src, []byte("hello\r\nworld\r\n"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, err := p.ParseText(context.Background(), stubJob(t, parseInput{FilePath: "doc.txt"}), noopReport)
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	var res parseResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Lines != 2 {
		t.Errorf("lines = %d, want 2", res.Lines)
	}

	text, err := os.ReadFile(res.TextPath)
	if err != nil {
		t.Fatalf("read parsed text: %v", err)
	}
	if string(text) != "hello\nworld" {
		t.Errorf("parsed text = %q, want CRLF normalized and trimmed", text)
	}
}

func TestParseMarkdown(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := New(Config{TempDir: dir}, nil)

	md := "# Title\n\nSome *bold* text with a [link](https://example.com).\n\n```go\ncode here\n```\n"
	src := filepath.Join(dir, "doc.md")
	if err := os.WriteFile(src, []byte(md), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, err := p.ParseMarkdown(context.Background(), stubJob(t, parseInput{FilePath: "doc.md"}), noopReport)
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	var res parseResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	text, err := os.ReadFile(res.TextPath)
	if err != nil {
		t.Fatalf("read parsed text: %v", err)
	}
	got := string(text)
	for _, banned := range []string{"#", "*", "](", "```", "code here"} {
		if strings.Contains(got, banned) {
			t.Errorf("parsed text still contains %q: %q", banned, got)
		}
	}
	if !strings.Contains(got, "Title") || !strings.Contains(got, "link") {
		t.Errorf("parsed text lost content: %q", got)
	}
}

func TestParsePDF_UsesConverterService(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	converter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/pdf" {
			t.Errorf("Content-Type = %q, want application/pdf", ct)
		}
		fmt.Fprint(w, "extracted text")
	}))
	t.Cleanup(converter.Close)

	p := New(Config{TempDir: dir, ParserServiceURL: converter.URL}, nil)
	src := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.7 fake"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, err := p.ParsePDF(context.Background(), stubJob(t, parseInput{FilePath: "doc.pdf"}), noopReport)
	if err != nil {
		t.Fatalf("ParsePDF: %v", err)
	}
	var res parseResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	text, err := os.ReadFile(res.TextPath)
	if err != nil {
		t.Fatalf("read staged text: %v", err)
	}
	if string(text) != "extracted text" {
		t.Errorf("staged text = %q, want converter output", text)
	}
}

func TestParsePDF_ConverterFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	converter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported encryption", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(converter.Close)

	p := New(Config{TempDir: dir, ParserServiceURL: converter.URL}, nil)
	src := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(src, []byte("%PDF"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	_, err := p.ParsePDF(context.Background(), stubJob(t, parseInput{FilePath: "doc.pdf"}), noopReport)
	if err == nil {
		t.Fatal("ParsePDF should surface the converter error")
	}
	if !strings.Contains(err.Error(), "422") {
		t.Errorf("error = %v, want the converter status code", err)
	}
}

func TestSplitChunks(t *testing.T) {
	t.Parallel()

	chunks := splitChunks("abcdefghij", 4, 2)
	want := []string{"abcd", "cdef", "efgh", "ghij"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks %v, want %d", len(chunks), chunks, len(want))
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}

	if got := splitChunks("", 4, 2); got != nil {
		t.Errorf("empty text yielded %v chunks, want none", got)
	}
	if got := splitChunks("ab", 4, 2); len(got) != 1 || got[0] != "ab" {
		t.Errorf("short text = %v, want single chunk", got)
	}

	// Multi-byte runes are never split mid-character.
	for _, c := range splitChunks(strings.Repeat("héllo wörld ", 50), 10, 3) {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q split a multi-byte rune", c)
		}
	}
}

func TestChunkDocument(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := New(Config{TempDir: dir}, nil)

	src := filepath.Join(dir, "doc.parsed.txt")
	if err := os.WriteFile(src, []byte(strings.Repeat("sample text ", 100)), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, err := p.ChunkDocument(context.Background(),
		stubJob(t, chunkInput{TextPath: "doc.parsed.txt", ChunkSize: 200, Overlap: 50}), noopReport)
	if err != nil {
		t.Fatalf("ChunkDocument: %v", err)
	}
	var res chunkResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.ChunkCount == 0 {
		t.Fatal("no chunks produced")
	}

	staged, err := os.ReadFile(res.ChunksPath)
	if err != nil {
		t.Fatalf("read chunks file: %v", err)
	}
	var chunks []string
	if err := json.Unmarshal(staged, &chunks); err != nil {
		t.Fatalf("decode chunks file: %v", err)
	}
	if len(chunks) != res.ChunkCount {
		t.Errorf("staged %d chunks, result says %d", len(chunks), res.ChunkCount)
	}
}

func TestEmbedChunks_Batching(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	var calls atomic.Int64
	embedSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode embed request: %v", err)
		}
		if len(req.Inputs) == 0 || len(req.Inputs) > 4 {
			t.Errorf("batch size = %d, want 1..4", len(req.Inputs))
		}
		calls.Add(1)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	t.Cleanup(embedSvc.Close)

	p := New(Config{TempDir: dir, EmbedServiceURL: embedSvc.URL, EmbedBatchSize: 4}, nil)

	chunks := make([]string, 10)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("chunk %d", i)
	}
	raw, _ := json.Marshal(chunks) //nolint:errcheck
	src := filepath.Join(dir, "doc.chunks.json")
	if err := os.WriteFile(src, raw, 0o600); err != nil {
		t.Fatalf("write chunks: %v", err)
	}

	out, err := p.EmbedChunks(context.Background(),
		stubJob(t, embedInput{ChunksPath: "doc.chunks.json"}), noopReport)
	if err != nil {
		t.Fatalf("EmbedChunks: %v", err)
	}
	var res embedResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Embedded != 10 {
		t.Errorf("embedded = %d, want 10", res.Embedded)
	}
	if res.Batches != 3 || calls.Load() != 3 {
		t.Errorf("batches = %d (service saw %d), want 3", res.Batches, calls.Load())
	}
}

func TestEmbedChunks_StopsBetweenBatches(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	embedSvc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel() // cancel after the first batch lands
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(embedSvc.Close)

	p := New(Config{TempDir: dir, EmbedServiceURL: embedSvc.URL, EmbedBatchSize: 2}, nil)
	raw, _ := json.Marshal([]string{"a", "b", "c", "d", "e", "f"}) //nolint:errcheck
	if err := os.WriteFile(filepath.Join(dir, "doc.chunks.json"), raw, 0o600); err != nil {
		t.Fatalf("write chunks: %v", err)
	}

	_, err := p.EmbedChunks(ctx, stubJob(t, embedInput{ChunksPath: "doc.chunks.json"}), noopReport)
	if err == nil {
		t.Fatal("EmbedChunks should stop once its context is cancelled")
	}
}

func TestCleanupTemp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := New(Config{TempDir: dir, CleanupTTL: time.Hour}, nil)

	oldFile := filepath.Join(dir, "stale.txt")
	newFile := filepath.Join(dir, "fresh.txt")
	for _, f := range []string{oldFile, newFile} {
		if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldFile, past, past); err != nil {
		t.Fatalf("backdate %s: %v", oldFile, err)
	}

	out, err := p.CleanupTemp(context.Background(), stubJob(t, cleanupInput{}), noopReport)
	if err != nil {
		t.Fatalf("CleanupTemp: %v", err)
	}
	var res cleanupResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("removed = %d, want 1", res.Removed)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("stale file should be removed")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Error("fresh file should survive")
	}
}

func TestCleanupTemp_PerJobTTLOverride(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := New(Config{TempDir: dir, CleanupTTL: 24 * time.Hour}, nil)

	f := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(f, past, past); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// Default TTL would keep the file; the per-job override removes it.
	out, err := p.CleanupTemp(context.Background(),
		stubJob(t, cleanupInput{OlderThanSeconds: 60}), noopReport)
	if err != nil {
		t.Fatalf("CleanupTemp: %v", err)
	}
	var res cleanupResult
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("removed = %d, want 1 with 60s override", res.Removed)
	}
}
