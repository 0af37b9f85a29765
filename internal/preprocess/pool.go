package preprocess

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds CPU-bound rasterizing and preprocessing separately from the
// I/O-bound collaborator calls of the same batch.
type Pool struct {
	pre *Preprocessor
	sem *semaphore.Weighted
}

func NewPool(pre *Preprocessor, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{pre: pre, sem: semaphore.NewWeighted(int64(size))}
}

// Process waits for a free slot, then preprocesses data.
func (p *Pool) Process(ctx context.Context, data []byte) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return p.pre.Process(data)
}

// Rasterize waits for a free slot, then renders content to page images.
func (p *Pool) Rasterize(ctx context.Context, content []byte) ([][]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return PageImages(content)
}
