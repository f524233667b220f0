package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/quill/pkg/models"
)

// DefaultCacheTTL bounds how long a completion stays reusable.
const DefaultCacheTTL = time.Hour

// CachingGateway memoizes completions from an inner gateway. Identical
// prompt+temperature pairs within the TTL are answered from memory, which
// matters when the user retriggers on an unchanged buffer.
type CachingGateway struct {
	inner Gateway
	cache *gocache.Cache
}

// NewCachingGateway wraps inner with a TTL cache. ttl <= 0 selects
// DefaultCacheTTL.
func NewCachingGateway(inner Gateway, ttl time.Duration) *CachingGateway {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingGateway{
		inner: inner,
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

// Generate consults the cache before dispatching. Failures and cancelled
// calls are never cached.
func (c *CachingGateway) Generate(ctx context.Context, prompt string, params models.GenerationParams) (string, error) {
	key := cacheKey(prompt, params)
	if cached, ok := c.cache.Get(key); ok {
		log.Debug().Msg("Completion served from cache")
		return cached.(string), nil
	}

	completion, err := c.inner.Generate(ctx, prompt, params)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(key, completion)
	return completion, nil
}

// cacheKey hashes the prompt together with every sampling parameter; the
// same text under different temperature, token budget, or stop sequences
// is a different completion.
func cacheKey(prompt string, params models.GenerationParams) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%g|%d|%s",
		prompt, params.Temperature, params.MaxTokens,
		strings.Join(params.StopSequences, "\x1f")))
	return hex.EncodeToString(sum[:])
}
