// Package scm talks to a configured source-control provider instance
// (Bitbucket Cloud or Stash) with per-project OAuth1-signed requests.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gomodule/oauth1/oauth"
)

// ErrUnknownProvider is returned when a project references a provider slug
// that is not present in the static provider table.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider types understood by the client.
const (
	TypeBitbucket = "bitbucket"
	TypeStash     = "stash"
)

// Outbound commit-status states. These are the only values ever sent to a
// provider status API.
const (
	StateSuccessful = "SUCCESSFUL"
	StateInProgress = "INPROGRESS"
	StateFailed     = "FAILED"
	StatePending    = "PENDING"
)

// ProviderConfig identifies one configured provider instance: its server URL
// and the OAuth1 consumer pair registered with it.
type ProviderConfig struct {
	Slug           string `mapstructure:"slug" json:"slug"`
	Type           string `mapstructure:"type" json:"type"`
	URL            string `mapstructure:"url" json:"url"`
	ConsumerKey    string `mapstructure:"consumer_key" json:"consumerKey"`
	ConsumerSecret string `mapstructure:"consumer_secret" json:"consumerSecret"`
}

// ServiceAuth is a project's per-user OAuth1 token pair.
type ServiceAuth struct {
	Token       string `json:"token"`
	TokenSecret string `json:"tokenSecret"`
}

// StatusInfo is the provider-facing form of a commit status.
type StatusInfo struct {
	State       string `json:"state"`
	Description string `json:"description"`
	Key         string `json:"key"`
	URL         string `json:"url"`
}

// DirEntry is one entry of a repository directory listing.
type DirEntry struct {
	Name string
}

// Resolver holds the static provider table loaded from configuration and
// builds signed clients for projects. Clients are constructed fresh per
// call and never cached, so credential lifetime is scoped to one request.
type Resolver struct {
	providers map[string]ProviderConfig
}

// NewResolver builds a resolver over the configured provider table.
func NewResolver(providers map[string]ProviderConfig) *Resolver {
	table := make(map[string]ProviderConfig, len(providers))
	for slug, p := range providers {
		if p.Slug == "" {
			p.Slug = slug
		}
		table[slug] = p
	}
	return &Resolver{providers: table}
}

// ClientFor returns a signed client for the provider identified by slug.
func (r *Resolver) ClientFor(slug string, auth ServiceAuth) (*Client, error) {
	provider, ok := r.providers[slug]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for slug %q", ErrUnknownProvider, slug)
	}
	return NewClient(provider, auth)
}

// Client issues OAuth1-signed requests against one provider instance on
// behalf of one project.
type Client struct {
	provider ProviderConfig
	signer   oauth.Client
	user     oauth.Credentials
	http     *http.Client
}

// NewClient builds a signed client from a provider's consumer pair and a
// project's token pair.
func NewClient(provider ProviderConfig, auth ServiceAuth) (*Client, error) {
	if provider.URL == "" {
		return nil, fmt.Errorf("provider %q has no url", provider.Slug)
	}
	if _, err := url.Parse(provider.URL); err != nil {
		return nil, fmt.Errorf("provider %q url: %w", provider.Slug, err)
	}

	return &Client{
		provider: provider,
		signer: oauth.Client{
			Credentials: oauth.Credentials{
				Token:  provider.ConsumerKey,
				Secret: provider.ConsumerSecret,
			},
			SignatureMethod: oauth.HMACSHA1,
		},
		user: oauth.Credentials{
			Token:  auth.Token,
			Secret: auth.TokenSecret,
		},
		http: &http.Client{},
	}, nil
}

// BaseURL returns the provider server URL without a trailing slash.
func (c *Client) BaseURL() string {
	return strings.TrimSuffix(c.provider.URL, "/")
}

// sign computes the OAuth1 Authorization header for req. Query parameters
// take part in the signature base string, so they are split off the URL and
// passed as form values.
func (c *Client) sign(req *http.Request) error {
	u := *req.URL
	form := u.Query()
	u.RawQuery = ""
	return c.signer.SetAuthorizationHeader(req.Header, &c.user, req.Method, &u, form)
}

// AuthorizationHeader computes the OAuth1 Authorization header value for a
// request the caller will issue themselves. pathOrURL is either a path to
// append to the provider server URL or an absolute URL. No network call is
// made.
func (c *Client) AuthorizationHeader(method, pathOrURL string) (auth string, absURL string, err error) {
	absURL = pathOrURL
	if parsed, perr := url.Parse(pathOrURL); perr != nil || parsed.Scheme == "" {
		absURL = c.BaseURL() + pathOrURL
	}

	req, err := http.NewRequest(method, absURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build request for auth header: %w", err)
	}
	if err := c.sign(req); err != nil {
		return "", "", fmt.Errorf("sign request: %w", err)
	}

	return req.Header.Get("Authorization"), absURL, nil
}

// ListDirectory lists the repository root (or any directory, the pipeline
// only needs the root) at a commit ref via the provider content API. The
// order of entries is whatever the provider returns.
func (c *Client) ListDirectory(ctx context.Context, owner, repo, ref string) ([]DirEntry, error) {
	var endpoint string
	switch c.provider.Type {
	case TypeStash:
		endpoint = fmt.Sprintf("%s/rest/api/1.0/projects/%s/repos/%s/files?at=%s&limit=1000",
			c.BaseURL(), url.PathEscape(owner), url.PathEscape(repo), url.QueryEscape(ref))
	case TypeBitbucket:
		endpoint = fmt.Sprintf("%s/2.0/repositories/%s/%s/src/%s/?pagelen=100",
			c.BaseURL(), url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(ref))
	default:
		return nil, fmt.Errorf("%w: unsupported provider type %q", ErrUnknownProvider, c.provider.Type)
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}

	return c.parseListing(body)
}

// parseListing decodes the two provider listing shapes: Stash returns path
// strings, Bitbucket Cloud returns entry objects.
func (c *Client) parseListing(body []byte) ([]DirEntry, error) {
	switch c.provider.Type {
	case TypeStash:
		var listing struct {
			Values []string `json:"values"`
		}
		if err := json.Unmarshal(body, &listing); err != nil {
			return nil, fmt.Errorf("decode stash listing: %w", err)
		}
		entries := make([]DirEntry, 0, len(listing.Values))
		for _, path := range listing.Values {
			entries = append(entries, DirEntry{Name: path})
		}
		return entries, nil
	default:
		var listing struct {
			Values []struct {
				Path string `json:"path"`
			} `json:"values"`
		}
		if err := json.Unmarshal(body, &listing); err != nil {
			return nil, fmt.Errorf("decode bitbucket listing: %w", err)
		}
		entries := make([]DirEntry, 0, len(listing.Values))
		for _, v := range listing.Values {
			entries = append(entries, DirEntry{Name: v.Path})
		}
		return entries, nil
	}
}

// FileContent fetches the raw bytes of one file at a commit ref.
func (c *Client) FileContent(ctx context.Context, owner, repo, ref, path string) ([]byte, error) {
	var endpoint string
	switch c.provider.Type {
	case TypeStash:
		endpoint = fmt.Sprintf("%s/projects/%s/repos/%s/raw/%s?at=%s",
			c.BaseURL(), url.PathEscape(owner), url.PathEscape(repo), path, url.QueryEscape(ref))
	case TypeBitbucket:
		endpoint = fmt.Sprintf("%s/2.0/repositories/%s/%s/src/%s/%s",
			c.BaseURL(), url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(ref), path)
	default:
		return nil, fmt.Errorf("%w: unsupported provider type %q", ErrUnknownProvider, c.provider.Type)
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch file %s: %w", path, err)
	}
	return body, nil
}

// CreateStatus posts a commit status to the provider build-status API.
func (c *Client) CreateStatus(ctx context.Context, owner, repo, ref string, info StatusInfo) error {
	var endpoint string
	switch c.provider.Type {
	case TypeStash:
		endpoint = fmt.Sprintf("%s/rest/build-status/1.0/commits/%s", c.BaseURL(), url.PathEscape(ref))
	case TypeBitbucket:
		endpoint = fmt.Sprintf("%s/2.0/repositories/%s/%s/commit/%s/statuses/build",
			c.BaseURL(), url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(ref))
	default:
		return fmt.Errorf("%w: unsupported provider type %q", ErrUnknownProvider, c.provider.Type)
	}

	payload := struct {
		State       string `json:"state"`
		Key         string `json:"key"`
		Name        string `json:"name,omitempty"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}{
		State:       info.State,
		Key:         info.Key,
		Name:        info.Key,
		URL:         info.URL,
		Description: info.Description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.sign(req); err != nil {
		return fmt.Errorf("sign status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("post status failed: %d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return nil
}

// get issues a signed GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if err := c.sign(req); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%s: %d %s", endpoint, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return io.ReadAll(resp.Body)
}
