package refcontext

import (
	"context"
	"errors"
	"time"

	"workdeck/pkg/logx"
)

// Provider resolves reference URLs to normalized contexts through a TTL
// cache, falling back to stale entries when the upstream rate limits us.
type Provider struct {
	fetcher Fetcher
	cache   *cache
	logger  *logx.Logger
}

// NewProvider creates a Provider with the given fetcher and cache TTL.
func NewProvider(fetcher Fetcher, ttl time.Duration) *Provider {
	return &Provider{
		fetcher: fetcher,
		cache:   newCache(ttl),
		logger:  logx.NewLogger("refcontext"),
	}
}

// Resolve parses a reference URL and returns its context, served from cache
// when fresh. An expired entry is refetched; if the refetch fails with a
// rate-limit error the expired entry is served marked Stale rather than
// failing the caller.
func (p *Provider) Resolve(ctx context.Context, referenceURL string) (*Context, error) {
	ref, err := ParseReference(referenceURL)
	if err != nil {
		return nil, err
	}

	if cached, fresh := p.cache.get(referenceURL); fresh {
		logx.Debug(ctx, "refcontext", "Cache hit for %s", ref)
		return cached, nil
	}

	fetched, err := p.fetcher.Fetch(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			if stale, _ := p.cache.get(referenceURL); stale != nil {
				p.logger.Warn("Serving stale context for %s: %v", ref, err)
				degraded := *stale
				degraded.Stale = true
				return &degraded, nil
			}
		}
		return nil, logx.Wrap(err, "failed to resolve "+ref.String())
	}

	p.cache.put(referenceURL, fetched)
	return fetched, nil
}

// Invalidate drops the cached entry for a reference URL, if present.
func (p *Provider) Invalidate(referenceURL string) bool {
	return p.cache.invalidate(referenceURL)
}

// EvictExpired removes all entries past TTL and returns the count removed.
func (p *Provider) EvictExpired() int {
	return p.cache.evictExpired()
}

// Stats reports cache hit/miss counters and current entry count.
func (p *Provider) Stats() CacheStats {
	return p.cache.stats()
}
