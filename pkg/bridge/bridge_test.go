package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"workdeck/pkg/bridge/providererr"
	"workdeck/pkg/config"
)

// fakeClient returns scripted errors in order, then succeeds.
type fakeClient struct {
	mu      sync.Mutex
	model   string
	content string
	errs    []error
	calls   int
	models  []string
	listErr error
}

func (f *fakeClient) Complete(ctx context.Context, _ Query) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, providererr.NewWithCause(providererr.TypeTransient, err, "request canceled")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	if call < len(f.errs) {
		return Response{}, f.errs[call]
	}
	return Response{Content: f.content, Model: f.model}, nil
}

func (f *fakeClient) Stream(ctx context.Context, q Query) (<-chan StreamChunk, error) {
	return completeAsStream(ctx, f, q), nil
}

func (f *fakeClient) ListModels(_ context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeClient) ModelName() string { return f.model }

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testBridgeConfig(fallback bool, policy string) config.BridgeConfig {
	provider := config.ProviderConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		Timeout:     5 * time.Second,
	}
	return config.BridgeConfig{
		Providers: map[string]config.ProviderConfig{
			config.ProviderAnthropic: provider,
			config.ProviderOpenAI:    provider,
		},
		DefaultProvider: config.ProviderAnthropic,
		Policy:          policy,
		Fallback:        fallback,
	}
}

func TestExecuteSuccess(t *testing.T) {
	fake := &fakeClient{model: "m1", content: "hello"}
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: fake,
	})

	resp, err := b.Execute(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi", MaxTokens: 64})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if fake.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", fake.callCount())
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	fake := &fakeClient{
		model:   "m1",
		content: "eventually",
		errs: []error{
			providererr.New(providererr.TypeTransient, "blip"),
			providererr.New(providererr.TypeRateLimit, "slow down"),
		},
	}
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: fake,
	})

	resp, err := b.Execute(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if resp.Content != "eventually" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if fake.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", fake.callCount())
	}
}

func TestExecuteFailsFastOnNonRetryable(t *testing.T) {
	fake := &fakeClient{
		model: "m1",
		errs: []error{
			providererr.New(providererr.TypeAuth, "bad key"),
			providererr.New(providererr.TypeAuth, "bad key"),
		},
	}
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: fake,
	})

	_, err := b.Execute(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if fake.callCount() != 1 {
		t.Errorf("auth error should not be retried, got %d calls", fake.callCount())
	}
}

func TestExecuteFallbackChain(t *testing.T) {
	broken := &fakeClient{
		model: "m1",
		errs: []error{
			providererr.New(providererr.TypeTransient, "down"),
			providererr.New(providererr.TypeTransient, "down"),
			providererr.New(providererr.TypeTransient, "down"),
		},
	}
	healthy := &fakeClient{model: "m2", content: "from fallback"}
	b := newBridge(testBridgeConfig(true, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: broken,
		config.ProviderOpenAI:    healthy,
	})

	resp, err := b.Execute(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if broken.callCount() != 3 {
		t.Errorf("expected primary exhausted (3 attempts), got %d", broken.callCount())
	}
}

func TestExecuteAllProvidersFailed(t *testing.T) {
	authErr := providererr.New(providererr.TypeAuth, "bad key")
	b := newBridge(testBridgeConfig(true, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: &fakeClient{model: "m1", errs: []error{authErr}},
		config.ProviderOpenAI:    &fakeClient{model: "m2", errs: []error{authErr}},
	})

	_, err := b.Execute(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})

	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if len(allFailed.Errors) != 2 {
		t.Errorf("expected 2 provider errors, got %d", len(allFailed.Errors))
	}
	for _, name := range []string{config.ProviderAnthropic, config.ProviderOpenAI} {
		if allFailed.Errors[name] == nil {
			t.Errorf("expected recorded error for %s", name)
		}
	}
}

func TestExecuteUnknownProviderFallsBackToDefault(t *testing.T) {
	fake := &fakeClient{model: "m1", content: "served"}
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: fake,
	})

	resp, err := b.Execute(context.Background(), "mystery", Query{Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected unknown name to resolve to the default provider, got %v", err)
	}
	if resp.Content != "served" || fake.callCount() != 1 {
		t.Errorf("default provider did not serve the request: %+v", resp)
	}
}

func TestExecuteUnknownProviderWithoutDefault(t *testing.T) {
	cfg := testBridgeConfig(false, config.PolicyDefault)
	cfg.DefaultProvider = ""
	b := newBridge(cfg, map[string]Client{
		config.ProviderAnthropic: &fakeClient{model: "m1"},
	})

	_, err := b.Execute(context.Background(), "mystery", Query{Prompt: "hi"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "mystery") {
		t.Errorf("error must name the missing provider, got %v", err)
	}
}

func TestRoundRobinSelection(t *testing.T) {
	a := &fakeClient{model: "m1", content: "a"}
	o := &fakeClient{model: "m2", content: "o"}
	b := newBridge(testBridgeConfig(false, config.PolicyRoundRobin), map[string]Client{
		config.ProviderAnthropic: a,
		config.ProviderOpenAI:    o,
	})

	for i := 0; i < 4; i++ {
		if _, err := b.Execute(context.Background(), "", Query{Prompt: "hi"}); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	if a.callCount() != 2 || o.callCount() != 2 {
		t.Errorf("expected even round-robin split, got %d/%d", a.callCount(), o.callCount())
	}
}

func TestExecuteOverallTimeout(t *testing.T) {
	cfg := testBridgeConfig(false, config.PolicyDefault)
	provider := cfg.Providers[config.ProviderAnthropic]
	provider.MaxAttempts = 10
	provider.BackoffBase = 50 * time.Millisecond
	provider.Timeout = 20 * time.Millisecond
	cfg.Providers[config.ProviderAnthropic] = provider

	fake := &fakeClient{
		model: "m1",
		errs: []error{
			providererr.New(providererr.TypeTransient, "down"),
			providererr.New(providererr.TypeTransient, "down"),
			providererr.New(providererr.TypeTransient, "down"),
		},
	}
	b := newBridge(cfg, map[string]Client{config.ProviderAnthropic: fake})

	_, err := b.Execute(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})

	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if !errors.Is(allFailed.Errors[config.ProviderAnthropic], ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", allFailed.Errors[config.ProviderAnthropic])
	}
}

func TestStreamQueryDeliversTerminalChunk(t *testing.T) {
	fake := &fakeClient{model: "m1", content: "streamed"}
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: fake,
	})

	ch, err := b.StreamQuery(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})
	if err != nil {
		t.Fatalf("StreamQuery failed: %v", err)
	}

	var content string
	var sawDone bool
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		content += chunk.Content
		sawDone = chunk.Done
	}
	if content != "streamed" || !sawDone {
		t.Errorf("unexpected stream result: content=%q done=%v", content, sawDone)
	}
}

func TestStreamQueryFallsBackBeforeFirstChunk(t *testing.T) {
	broken := &fakeClient{
		model: "m1",
		errs: []error{
			providererr.New(providererr.TypeAuth, "bad key"),
		},
	}
	healthy := &fakeClient{model: "m2", content: "from fallback"}
	b := newBridge(testBridgeConfig(true, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: broken,
		config.ProviderOpenAI:    healthy,
	})

	ch, err := b.StreamQuery(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected fallback stream, got %v", err)
	}

	var content string
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		content += chunk.Content
	}
	if content != "from fallback" {
		t.Errorf("unexpected stream content %q", content)
	}
}

func TestStreamQueryAllProvidersFailed(t *testing.T) {
	fake := &fakeClient{
		model: "m1",
		errs:  []error{providererr.New(providererr.TypeAuth, "bad key")},
	}
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: fake,
	})

	_, err := b.StreamQuery(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})

	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if !providererr.Is(allFailed.Errors[config.ProviderAnthropic], providererr.TypeAuth) {
		t.Errorf("expected recorded auth error, got %v", allFailed.Errors[config.ProviderAnthropic])
	}
}

// chunkStreamClient streams a fixed chunk script, for exercising failures
// that happen after content has been delivered.
type chunkStreamClient struct {
	fakeClient
	chunks []StreamChunk
}

func (c *chunkStreamClient) Stream(_ context.Context, _ Query) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, len(c.chunks))
	for _, chunk := range c.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func TestStreamQueryMidStreamErrorDoesNotFallBack(t *testing.T) {
	midFail := &chunkStreamClient{
		fakeClient: fakeClient{model: "m1"},
		chunks: []StreamChunk{
			{Content: "partial "},
			{Error: providererr.New(providererr.TypeTransient, "connection reset")},
		},
	}
	healthy := &fakeClient{model: "m2", content: "never used"}
	b := newBridge(testBridgeConfig(true, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: midFail,
		config.ProviderOpenAI:    healthy,
	})

	ch, err := b.StreamQuery(context.Background(), config.ProviderAnthropic, Query{Prompt: "hi"})
	if err != nil {
		t.Fatalf("StreamQuery failed: %v", err)
	}

	var content string
	var terminal error
	for chunk := range ch {
		content += chunk.Content
		if chunk.Error != nil {
			terminal = chunk.Error
		}
	}
	if content != "partial " {
		t.Errorf("expected delivered content preserved, got %q", content)
	}
	if !providererr.Is(terminal, providererr.TypeTransient) {
		t.Errorf("expected terminal error chunk, got %v", terminal)
	}
	if healthy.callCount() != 0 {
		t.Error("mid-stream failure must not fall back to another provider")
	}
}

func TestStreamQueryUnknownProviderFallsBackToDefault(t *testing.T) {
	fake := &fakeClient{model: "m1", content: "served"}
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: fake,
	})

	ch, err := b.StreamQuery(context.Background(), "mystery", Query{Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected unknown name to resolve to the default provider, got %v", err)
	}

	var content string
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		content += chunk.Content
	}
	if content != "served" {
		t.Errorf("unexpected stream content %q", content)
	}
}

func TestTestConnection(t *testing.T) {
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: &fakeClient{model: "m1", models: []string{"m1", "m1-mini"}},
		config.ProviderOpenAI:    &fakeClient{model: "m2", listErr: providererr.New(providererr.TypeAuth, "bad key")},
	})

	models, err := b.TestConnection(context.Background(), config.ProviderAnthropic)
	if err != nil {
		t.Fatalf("TestConnection failed: %v", err)
	}
	if len(models) != 2 {
		t.Errorf("expected 2 models, got %v", models)
	}

	if _, err := b.TestConnection(context.Background(), config.ProviderOpenAI); err == nil {
		t.Error("expected probe failure for broken provider")
	}
	if _, err := b.TestConnection(context.Background(), "mystery"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	b := newBridge(testBridgeConfig(false, config.PolicyDefault), map[string]Client{
		config.ProviderAnthropic: &fakeClient{model: "m1", models: []string{"m1"}},
	})

	models, err := b.ListModels(context.Background(), config.ProviderAnthropic)
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0] != "m1" {
		t.Errorf("unexpected models: %v", models)
	}

	if _, err := b.ListModels(context.Background(), "mystery"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestConcurrencyLimiter(t *testing.T) {
	limiter := newConcurrencyLimiter(map[string]int{"p": 2})

	ctx := context.Background()
	if err := limiter.acquire(ctx, "p"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := limiter.acquire(ctx, "p"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if limiter.inFlight("p") != 2 {
		t.Errorf("expected 2 in flight, got %d", limiter.inFlight("p"))
	}

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := limiter.acquire(blocked, "p"); err == nil {
		t.Fatal("expected third acquire to block until context deadline")
	}

	limiter.release("p")
	if err := limiter.acquire(ctx, "p"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}

	// Unlimited providers never block.
	for i := 0; i < 10; i++ {
		if err := limiter.acquire(ctx, "unlimited"); err != nil {
			t.Fatalf("unlimited acquire failed: %v", err)
		}
	}
}
