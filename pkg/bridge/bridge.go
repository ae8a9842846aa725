package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"workdeck/pkg/bridge/providererr"
	"workdeck/pkg/config"
	"workdeck/pkg/logx"
)

// Sentinel errors for bridge operations.
var (
	// ErrTimeout indicates the overall per-provider time budget elapsed
	// before a successful response.
	ErrTimeout = errors.New("provider call timed out")

	// ErrUnknownProvider indicates a provider name with no configuration.
	ErrUnknownProvider = errors.New("unknown provider")
)

// AllProvidersFailedError reports the last error from every provider tried
// during an execute with fallback.
type AllProvidersFailedError struct {
	Errors map[string]error
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

const (
	maxBackoffDelay = 30 * time.Second
)

// Bridge routes queries to configured provider backends.
type Bridge struct {
	cfg     config.BridgeConfig
	clients map[string]Client
	order   []string // Stable provider order for fallback chains
	sel     *selector
	limiter *concurrencyLimiter
	logger  *logx.Logger
	metrics *recorder
}

// New creates a Bridge from configuration, constructing a backend for every
// configured provider. A provider whose credentials are missing fails
// construction rather than surfacing at first use.
func New(cfg config.BridgeConfig) (*Bridge, error) {
	clients := make(map[string]Client, len(cfg.Providers))
	for name, providerCfg := range cfg.Providers {
		client, err := newClient(name, providerCfg)
		if err != nil {
			return nil, logx.Wrap(err, "failed to construct "+name+" client")
		}
		clients[name] = client
	}
	return newBridge(cfg, clients), nil
}

// newBridge wires a Bridge around pre-built clients. Tests inject fakes here.
func newBridge(cfg config.BridgeConfig, clients map[string]Client) *Bridge {
	order := make([]string, 0, len(clients))
	for name := range clients {
		order = append(order, name)
	}
	sort.Strings(order)

	limits := make(map[string]int, len(cfg.Providers))
	for name, providerCfg := range cfg.Providers {
		limits[name] = providerCfg.MaxConcurrency
	}

	return &Bridge{
		cfg:     cfg,
		clients: clients,
		order:   order,
		sel:     newSelector(cfg.Policy, order, cfg.DefaultProvider),
		limiter: newConcurrencyLimiter(limits),
		logger:  logx.NewLogger("bridge"),
		metrics: getRecorder(),
	}
}

// Providers returns the configured provider names in stable order.
func (b *Bridge) Providers() []string {
	return append([]string(nil), b.order...)
}

// candidates resolves the ordered provider chain for a query. An explicit
// provider goes first; with fallback enabled the remaining providers follow
// in stable order.
func (b *Bridge) candidates(provider string) ([]string, error) {
	if provider == "" {
		provider = b.sel.next()
	}
	if _, ok := b.clients[provider]; !ok {
		// Unknown names resolve to the configured default; only the
		// absence of that target is an error, and it names the provider.
		target := b.cfg.DefaultProvider
		if target == "" {
			target = provider
		}
		if _, ok := b.clients[target]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, target)
		}
		provider = target
	}

	chain := []string{provider}
	if b.cfg.Fallback {
		for _, name := range b.order {
			if name != provider {
				chain = append(chain, name)
			}
		}
	}
	return chain, nil
}

// Execute runs a query against the selected provider, retrying retryable
// failures and falling through the fallback chain. When every provider
// fails the per-provider last errors are aggregated.
func (b *Bridge) Execute(ctx context.Context, provider string, q Query) (Response, error) {
	chain, err := b.candidates(provider)
	if err != nil {
		return Response{}, err
	}

	failures := make(map[string]error, len(chain))
	for i, name := range chain {
		if i > 0 {
			b.metrics.incFallback(chain[i-1], name)
			b.logger.Info("Falling back from %s to %s", chain[i-1], name)
		}

		resp, execErr := b.executeWithRetry(ctx, name, q)
		if execErr == nil {
			return resp, nil
		}
		failures[name] = execErr
		b.logger.Warn("Provider %s failed: %v", name, execErr)

		if ctx.Err() != nil {
			// Caller is gone; stop walking the chain.
			break
		}
	}
	return Response{}, &AllProvidersFailedError{Errors: failures}
}

// executeWithRetry runs the full retry loop for one provider, bounded by
// the provider's overall timeout.
func (b *Bridge) executeWithRetry(ctx context.Context, name string, q Query) (Response, error) {
	client := b.clients[name]
	providerCfg := b.cfg.Providers[name]

	maxAttempts := providerCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoffBase := providerCfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}

	callCtx := ctx
	if providerCfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, providerCfg.Timeout)
		defer cancel()
	}

	waitStart := time.Now()
	if err := b.limiter.acquire(callCtx, name); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	b.metrics.observeQueueWait(name, time.Since(waitStart))
	defer b.limiter.release(name)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		resp, err := client.Complete(callCtx, q)
		b.metrics.observeRequest(name, client.ModelName(), err, providererr.TypeOf(err).String(), time.Since(start))
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !providererr.IsRetryable(err) {
			return Response{}, err
		}
		if callCtx.Err() != nil {
			return Response{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrTimeout, name, attempt, err)
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(backoffBase, attempt)
		logx.Debug(callCtx, "retry", "Retrying %s after %v (attempt %d/%d): %v",
			name, delay, attempt, maxAttempts, err)
		select {
		case <-time.After(delay):
		case <-callCtx.Done():
			return Response{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrTimeout, name, attempt, err)
		}
	}
	return Response{}, fmt.Errorf("%s exhausted %d attempts: %w", name, maxAttempts, lastErr)
}

// backoffDelay computes exponential backoff with jitter for an attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}
	// ±25% jitter to avoid synchronized retries.
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4 //nolint:gosec // Jitter, not cryptographic
	return delay + jitter
}

// StreamQuery runs a streaming query with the same selection and fallback
// policy as Execute. A provider that fails before producing any chunk hands
// off to the next candidate; once the first chunk arrives the stream is
// committed and later failures surface as a terminal error chunk.
func (b *Bridge) StreamQuery(ctx context.Context, provider string, q Query) (<-chan StreamChunk, error) {
	chain, err := b.candidates(provider)
	if err != nil {
		return nil, err
	}

	failures := make(map[string]error, len(chain))
	for i, name := range chain {
		if i > 0 {
			b.metrics.incFallback(chain[i-1], name)
			b.logger.Info("Falling back from %s to %s", chain[i-1], name)
		}

		out, streamErr := b.openStream(ctx, name, q)
		if streamErr == nil {
			return out, nil
		}
		failures[name] = streamErr
		b.logger.Warn("Provider %s failed to start stream: %v", name, streamErr)

		if ctx.Err() != nil {
			break
		}
	}
	return nil, &AllProvidersFailedError{Errors: failures}
}

// openStream acquires a concurrency slot and waits for the provider's first
// chunk. An error chunk before any content means the stream never started,
// so the caller can try the next candidate.
func (b *Bridge) openStream(ctx context.Context, name string, q Query) (<-chan StreamChunk, error) {
	client := b.clients[name]
	if err := b.limiter.acquire(ctx, name); err != nil {
		return nil, err
	}

	upstream, err := client.Stream(ctx, q)
	if err != nil {
		b.limiter.release(name)
		return nil, err
	}

	first, ok := <-upstream
	if !ok {
		b.limiter.release(name)
		return nil, providererr.New(providererr.TypeEmptyResponse, "stream closed before any data")
	}
	if first.Error != nil {
		b.limiter.release(name)
		return nil, first.Error
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer b.limiter.release(name)
		chunk := first
		for {
			out <- chunk
			if chunk.Done || chunk.Error != nil {
				return
			}
			next, more := <-upstream
			if !more {
				return
			}
			chunk = next
		}
	}()
	return out, nil
}

// ListModels returns the model identifiers a provider currently serves.
func (b *Bridge) ListModels(ctx context.Context, provider string) ([]string, error) {
	client, ok := b.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	listCtx := ctx
	if timeout := b.cfg.Providers[provider].Timeout; timeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return client.ListModels(listCtx)
}

// TestConnection probes a provider by listing its models. Used by the UI to
// validate credentials and connectivity before a zone depends on them.
func (b *Bridge) TestConnection(ctx context.Context, provider string) ([]string, error) {
	models, err := b.ListModels(ctx, provider)
	if err != nil {
		if errors.Is(err, ErrUnknownProvider) {
			return nil, err
		}
		return nil, logx.Wrap(err, "connection test failed for "+provider)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("connection test for %s returned no models", provider)
	}
	return models, nil
}
