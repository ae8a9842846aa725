package refcontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"workdeck/pkg/logx"
)

// Sentinel errors for reference resolution.
var (
	// ErrInvalidReference indicates a URL that matches no supported pattern.
	ErrInvalidReference = errors.New("invalid reference URL")

	// ErrRateLimited indicates the upstream tracker rejected the fetch due
	// to rate limiting. Cached stale entries may be served instead.
	ErrRateLimited = errors.New("upstream rate limited")
)

// referencePattern matches issue and change-request URLs of the form
// https://host/owner/repo/issues/123 or https://host/owner/repo/pull/123.
var referencePattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+)/(issues|pull)/(\d+)/?$`)

// ParseReference classifies a reference URL into a typed Reference.
// Unsupported URLs return ErrInvalidReference.
func ParseReference(rawURL string) (Reference, error) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(rawURL))
	if m == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, rawURL)
	}

	number, err := strconv.Atoi(m[4])
	if err != nil || number <= 0 {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, rawURL)
	}

	kind := KindIssue
	if m[3] == "pull" {
		kind = KindChangeRequest
	}

	return Reference{
		Kind:   kind,
		Owner:  m[1],
		Repo:   m[2],
		Number: number,
	}, nil
}

// Fetcher retrieves the current upstream state for a reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref Reference) (*Context, error)
}

// GitHubFetcher fetches issue and pull request metadata via the gh CLI,
// which handles authentication through its own token store.
type GitHubFetcher struct {
	timeout time.Duration
}

// NewGitHubFetcher creates a fetcher backed by the gh CLI.
func NewGitHubFetcher() *GitHubFetcher {
	return &GitHubFetcher{timeout: 30 * time.Second}
}

// ghIssue is the subset of the GitHub API response we consume.
type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Head      *struct {
		Ref string `json:"ref"`
	} `json:"head,omitempty"`
	Base *struct {
		Ref string `json:"ref"`
	} `json:"base,omitempty"`
}

// Fetch retrieves and normalizes the referenced object.
func (f *GitHubFetcher) Fetch(ctx context.Context, ref Reference) (*Context, error) {
	endpoint := fmt.Sprintf("repos/%s/%s/issues/%d", ref.Owner, ref.Repo, ref.Number)
	if ref.Kind == KindChangeRequest {
		endpoint = fmt.Sprintf("repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, ref.Number)
	}

	output, err := f.runGH(ctx, "api", endpoint)
	if err != nil {
		return nil, err
	}

	var raw ghIssue
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, logx.Wrap(err, fmt.Sprintf("failed to parse gh api response for %s", ref))
	}

	result := &Context{
		Kind:        ref.Kind,
		Number:      raw.Number,
		Title:       raw.Title,
		Description: raw.Body,
		State:       raw.State,
		Author:      raw.User.Login,
		URL:         raw.HTMLURL,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	for _, l := range raw.Labels {
		result.Labels = append(result.Labels, l.Name)
	}
	if ref.Kind == KindChangeRequest {
		if raw.Head != nil {
			result.SourceBranch = raw.Head.Ref
		}
		if raw.Base != nil {
			result.TargetBranch = raw.Base.Ref
		}
	}

	logx.Debug(ctx, "refcontext", "Fetched %s: %q (%s)", ref, result.Title, result.State)
	return result, nil
}

// runGH executes a gh CLI command and returns stdout.
func (f *GitHubFetcher) runGH(ctx context.Context, args ...string) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "gh", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if isRateLimitOutput(msg) {
			return nil, fmt.Errorf("%w: gh %s: %s", ErrRateLimited, strings.Join(args, " "), msg)
		}
		return nil, fmt.Errorf("gh %s failed: %w: %s", strings.Join(args, " "), err, msg)
	}
	return output, nil
}

// isRateLimitOutput recognizes rate-limit failures from gh CLI output.
func isRateLimitOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "api rate limit exceeded") ||
		strings.Contains(lower, "http 429") ||
		strings.Contains(lower, "http 403")
}
