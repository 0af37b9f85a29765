package ingest

import (
	"context"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// Failure records a submitted path that could not become a Document.
type Failure struct {
	Path string
	Err  string
}

// DirStats summarizes a directory scan.
type DirStats struct {
	Scanned uint32
	Matched uint32
	Skipped uint32
	Failed  uint32
}

// Loader is the behavior the orchestrator depends on.
type Loader interface {
	// Load reads paths into Documents, unpacking archives and splitting
	// multipage PDFs under workDir.
	Load(ctx context.Context, paths []string, workDir string) ([]entity.Document, []Failure, error)
}
