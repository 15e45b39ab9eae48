// Package pipeline provides the job handlers for the document ingestion
// queues: parsing, chunking, embedding, and temp cleanup.
//
// The heavy lifting (PDF conversion, embedding models) lives in external
// services; these handlers move data between the staging directory and
// those services, reporting progress and honoring cooperative cancellation
// between units of work.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/docpipe/docpipe/internal/worker"
)

// Job type names. These double as the default queue names.
const (
	TypeParsePDF      = "parse_pdf"
	TypeParseMarkdown = "parse_markdown"
	TypeParseText     = "parse_text"
	TypeChunkDocument = "chunk_document"
	TypeEmbedChunks   = "embed_chunks"
	TypeCleanupTemp   = "cleanup_temp"
)

// Config holds pipeline handler settings.
type Config struct {
	// TempDir is the staging area; handlers refuse paths outside it.
	TempDir string
	// ParserServiceURL is the external PDF-to-text converter endpoint.
	ParserServiceURL string
	// EmbedServiceURL is the external embedding endpoint.
	EmbedServiceURL string
	// EmbedBatchSize is the number of chunks sent per embedding request.
	EmbedBatchSize int
	// CleanupTTL is the default age past which staged files are removed.
	CleanupTTL time.Duration
}

// Pipeline bundles the handlers and their shared dependencies.
type Pipeline struct {
	cfg    Config
	client *http.Client
}

// New creates a Pipeline. client is used for the parser and embedding
// services; nil gets a default with a conservative timeout.
func New(cfg Config, client *http.Client) *Pipeline {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 32
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 24 * time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Pipeline{cfg: cfg, client: client}
}

// Register wires every pipeline handler into r under its job type name.
func (p *Pipeline) Register(r *worker.Registry) {
	r.RegisterHandler(TypeParsePDF, worker.HandlerFunc(p.ParsePDF))
	r.RegisterHandler(TypeParseMarkdown, worker.HandlerFunc(p.ParseMarkdown))
	r.RegisterHandler(TypeParseText, worker.HandlerFunc(p.ParseText))
	r.RegisterHandler(TypeChunkDocument, worker.HandlerFunc(p.ChunkDocument))
	r.RegisterHandler(TypeEmbedChunks, worker.HandlerFunc(p.EmbedChunks))
	r.RegisterHandler(TypeCleanupTemp, worker.HandlerFunc(p.CleanupTemp))
}

// stagePath resolves name inside the staging directory, rejecting anything
// that escapes it.
func (p *Pipeline) stagePath(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty file path")
	}
	full := name
	if !filepath.IsAbs(full) {
		full = filepath.Join(p.cfg.TempDir, name)
	}
	full = filepath.Clean(full)
	root := filepath.Clean(p.cfg.TempDir)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes staging dir", name)
	}
	return full, nil
}
