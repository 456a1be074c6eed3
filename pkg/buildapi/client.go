// Package buildapi is the client for the external Build API, which owns
// projects and builds. Nothing here is cached; projects are fetched fresh
// per request.
package buildapi

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

	"github.com/proboci/scm-handler/pkg/event"
	"github.com/proboci/scm-handler/pkg/scm"
)

// ErrProjectNotFound is returned when no project owns the pushed repository.
var ErrProjectNotFound = errors.New("project not found")

// ProviderRef identifies the provider instance a project belongs to. The
// consumer credentials themselves live in the handler's static provider
// table, keyed by Slug.
type ProviderRef struct {
	Slug string `json:"slug"`
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Project is the Build API's record of a watched repository, including the
// per-user token pair used to sign provider requests on its behalf.
type Project struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Repo        string          `json:"repo"`
	Slug        string          `json:"slug"`
	Provider    ProviderRef     `json:"provider"`
	ServiceAuth scm.ServiceAuth `json:"service_auth"`
}

// Commit is the commit a build runs against.
type Commit struct {
	Ref     string `json:"ref"`
	HTMLURL string `json:"htmlUrl,omitempty"`
}

// Branch is the branch a build runs against.
type Branch struct {
	Name    string `json:"name"`
	HTMLURL string `json:"htmlUrl,omitempty"`
}

// Build is one requested CI run. Config is the parsed CI YAML document and
// is opaque here. Ref is a legacy top-level fallback still sent by older
// status callbacks; CommitRef prefers Commit.Ref.
type Build struct {
	ID          string             `json:"id,omitempty"`
	Commit      Commit             `json:"commit"`
	Branch      Branch             `json:"branch"`
	PullRequest *event.PullRequest `json:"pullRequest,omitempty"`
	Config      any                `json:"config,omitempty"`
	Request     *event.PushRequest `json:"request,omitempty"`
	Project     *Project           `json:"project,omitempty"`
	Ref         string             `json:"ref,omitempty"`
}

// CommitRef returns the commit ref for status posting, accepting both the
// nested and the legacy top-level shape.
func (b *Build) CommitRef() string {
	if b.Commit.Ref != "" {
		return b.Commit.Ref
	}
	return b.Ref
}

// Client talks to the Build API over HTTP with bearer-token auth.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Build API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// FindProjectByRepo resolves the project owning a pushed repository.
func (c *Client) FindProjectByRepo(ctx context.Context, req *event.PushRequest) (*Project, error) {
	endpoint := fmt.Sprintf("%s/projects?service=%s&slug=%s&single=true",
		c.baseURL, url.QueryEscape(req.Service), url.QueryEscape(req.Slug))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create project lookup request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("find project: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, req.Slug)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("find project failed: %d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var project Project
	if err := json.NewDecoder(resp.Body).Decode(&project); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}

	return &project, nil
}

// SubmitBuild creates a build record for a project. Single attempt, no
// retry; a production deployment would want an idempotent retry keyed by
// (project id, sha).
func (c *Client) SubmitBuild(ctx context.Context, build *Build, project *Project) (*Build, error) {
	payload := struct {
		Build   *Build   `json:"build"`
		Project *Project `json:"project"`
	}{Build: build, Project: project}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal build: %w", err)
	}

	endpoint := fmt.Sprintf("%s/startbuild", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("submit build failed: %d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var submitted Build
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return nil, fmt.Errorf("decode submitted build: %w", err)
	}

	return &submitted, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
