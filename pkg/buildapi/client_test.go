package buildapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/proboci/scm-handler/pkg/event"
)

func pushRequest() *event.PushRequest {
	return &event.PushRequest{
		Type:    "UPDATE",
		Service: "stash:https://stash.example.com",
		Owner:   "test",
		Repo:    "testrepo",
		Branch:  "master",
		SHA:     "abc123",
		Slug:    "test/testrepo",
	}
}

func TestFindProjectByRepo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("slug") != "test/testrepo" || q.Get("single") != "true" {
			t.Errorf("query = %v", q)
		}
		if q.Get("service") != "stash:https://stash.example.com" {
			t.Errorf("service = %q", q.Get("service"))
		}
		if r.Header.Get("Authorization") != "Bearer api-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(Project{
			ID:    "proj-1",
			Owner: "test",
			Repo:  "testrepo",
			Slug:  "test/testrepo",
			Provider: ProviderRef{
				Slug: "my-stash",
				Type: "stash",
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "api-token")

	project, err := client.FindProjectByRepo(context.Background(), pushRequest())
	if err != nil {
		t.Fatalf("FindProjectByRepo: %v", err)
	}
	if project.ID != "proj-1" || project.Provider.Slug != "my-stash" {
		t.Fatalf("project = %+v", project)
	}
}

func TestFindProjectByRepoNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")

	_, err := client.FindProjectByRepo(context.Background(), pushRequest())
	if !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestFindProjectByRepoUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")

	_, err := client.FindProjectByRepo(context.Background(), pushRequest())
	if err == nil || errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should carry status code: %v", err)
	}
}

func TestSubmitBuild(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/startbuild" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var payload struct {
			Build   *Build   `json:"build"`
			Project *Project `json:"project"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode submit payload: %v", err)
		}
		if payload.Build.Commit.Ref != "abc123" || payload.Project.ID != "proj-1" {
			t.Errorf("payload = %+v / %+v", payload.Build, payload.Project)
		}

		payload.Build.ID = "build-9"
		_ = json.NewEncoder(w).Encode(payload.Build)
	}))
	defer server.Close()

	client := NewClient(server.URL, "api-token")

	build := &Build{
		Commit: Commit{Ref: "abc123"},
		Branch: Branch{Name: "master"},
		Config: map[string]any{"image": "node"},
	}
	submitted, err := client.SubmitBuild(context.Background(), build, &Project{ID: "proj-1"})
	if err != nil {
		t.Fatalf("SubmitBuild: %v", err)
	}
	if submitted.ID != "build-9" {
		t.Fatalf("submitted = %+v", submitted)
	}
}

func TestSubmitBuildFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of capacity", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")

	_, err := client.SubmitBuild(context.Background(), &Build{}, &Project{})
	if err == nil || !strings.Contains(err.Error(), "out of capacity") {
		t.Fatalf("expected submission error with body, got %v", err)
	}
}

func TestBuildCommitRefFallback(t *testing.T) {
	b := &Build{Ref: "legacy-sha"}
	if b.CommitRef() != "legacy-sha" {
		t.Errorf("CommitRef = %q", b.CommitRef())
	}

	b.Commit.Ref = "nested-sha"
	if b.CommitRef() != "nested-sha" {
		t.Errorf("CommitRef = %q, nested ref should win", b.CommitRef())
	}
}
