package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMalformedPayload indicates a webhook body that cannot be normalized.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// PullRequest carries pull-request metadata when the provider supplies it.
type PullRequest struct {
	ID          int    `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	HTMLURL     string `json:"html_url,omitempty"`
}

// PushRequest is the canonical, provider-agnostic form of a push event.
// It is constructed once by an Adapter and never mutated afterwards.
type PushRequest struct {
	Type        string          `json:"type"`
	Service     string          `json:"service"`
	Owner       string          `json:"owner"`
	Repo        string          `json:"repo"`
	RepoID      string          `json:"repo_id"`
	Branch      string          `json:"branch"`
	BranchURL   string          `json:"branch_html_url,omitempty"`
	SHA         string          `json:"sha"`
	CommitURL   string          `json:"commit_url,omitempty"`
	PullRequest *PullRequest    `json:"pull_request,omitempty"`
	Slug        string          `json:"slug"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Adapter normalizes one provider's webhook payload shape.
type Adapter interface {
	// Parse builds a PushRequest from a raw webhook body. Headers may carry
	// an event-type discriminator depending on the provider.
	Parse(body []byte, header http.Header) (*PushRequest, error)
}

// ForProvider returns the adapter for a configured provider type.
func ForProvider(providerType string) (Adapter, error) {
	switch providerType {
	case "bitbucket":
		return &BitbucketAdapter{}, nil
	case "stash":
		return &StashAdapter{}, nil
	default:
		return nil, fmt.Errorf("no webhook adapter for provider type %q", providerType)
	}
}

// normalizeBranch turns a git ref into a single branch token. The
// refs/heads/ prefix is stripped and any remaining separators are
// flattened, so refs/heads/feature/sub/x becomes feature-sub-x.
// Taking the third slash-segment instead would truncate nested names.
func normalizeBranch(ref string) string {
	branch := strings.TrimPrefix(ref, "refs/heads/")
	return strings.ReplaceAll(branch, "/", "-")
}
