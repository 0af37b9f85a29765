package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

const keyPrefix = "invoice:"

// DefaultTTL is how long an extracted invoice is memoized.
const DefaultTTL = 24 * time.Hour

// ResultCache memoizes extracted invoices by content hash. It is advisory:
// store errors are logged and treated as misses.
type ResultCache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewResultCache(store Store, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{store: store, ttl: ttl, logger: logger}
}

// Get returns the cached invoice for a content hash.
func (c *ResultCache) Get(ctx context.Context, hash string) (*entity.Invoice, bool) {
	if c == nil || c.store == nil || hash == "" {
		return nil, false
	}
	data, ok, err := c.store.Get(ctx, keyPrefix+hash)
	if err != nil {
		c.logger.Warn("cache.get.error", "content_hash", hash, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var inv entity.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		c.logger.Warn("cache.get.decode_error", "content_hash", hash, "error", err)
		return nil, false
	}
	c.logger.Debug("cache.get.hit", "content_hash", hash)
	return &inv, true
}

// Set stores an invoice under its content hash.
func (c *ResultCache) Set(ctx context.Context, hash string, inv *entity.Invoice) {
	if c == nil || c.store == nil || hash == "" || inv == nil {
		return
	}
	data, err := json.Marshal(inv)
	if err != nil {
		c.logger.Warn("cache.set.encode_error", "content_hash", hash, "error", err)
		return
	}
	if err := c.store.Set(ctx, keyPrefix+hash, data, c.ttl); err != nil {
		c.logger.Warn("cache.set.error", "content_hash", hash, "error", err)
	}
}

// Purge removes expired entries when the store supports it.
func (c *ResultCache) Purge(ctx context.Context) (int, error) {
	if c == nil {
		return 0, nil
	}
	if p, ok := c.store.(Purger); ok {
		return p.Purge(ctx)
	}
	return 0, nil
}
