// Package refcontext resolves external issue and change-request references
// into normalized context objects, caches them, and renders prompt templates
// from context plus workspace metadata.
package refcontext

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Reference kinds.
const (
	KindIssue         = "issue"
	KindChangeRequest = "change-request"
)

// Context is the normalized metadata extracted from an external reference.
// Field names are normalized across tracker providers.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Context struct {
	Kind         string    `json:"kind"`
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Labels       []string  `json:"labels"`
	State        string    `json:"state"`
	Author       string    `json:"author"`
	URL          string    `json:"url"`
	SourceBranch string    `json:"source_branch,omitempty"` // Change requests only
	TargetBranch string    `json:"target_branch,omitempty"` // Change requests only
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Stale marks a cached entry served past its TTL because the upstream
	// fetch failed. Degraded but available.
	Stale bool `json:"stale,omitempty"`
}

// Reference identifies a fetchable external object.
type Reference struct {
	Kind   string
	Owner  string
	Repo   string
	Number int
}

func (r Reference) String() string {
	return fmt.Sprintf("%s %s/%s#%d", r.Kind, r.Owner, r.Repo, r.Number)
}

// Fingerprint returns a stable blake3 hash of the normalized context, so an
// execution record pins the exact context its prompt was rendered from.
func Fingerprint(ctx *Context) string {
	if ctx == nil {
		return ""
	}

	// Stale flag excluded: the same content hashes identically whether it
	// was served fresh or from a stale cache entry.
	clone := *ctx
	clone.Stale = false

	data, err := json.Marshal(&clone)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:16])
}
