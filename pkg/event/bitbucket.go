package event

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// bitbucketPayload covers the slice of a Bitbucket Cloud webhook body that
// the pipeline consumes. Bitbucket delivers the event type out of band in
// the X-Event-Key header.
type bitbucketPayload struct {
	Repository struct {
		Name  string `json:"name"`
		UUID  string `json:"uuid"`
		Owner struct {
			Username string `json:"username"`
		} `json:"owner"`
		Links struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	} `json:"repository"`
	PullRequest struct {
		ID          int    `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Source      struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
			Commit struct {
				Hash string `json:"hash"`
			} `json:"commit"`
		} `json:"source"`
		Links struct {
			HTML struct {
				Href string `json:"href"`
			} `json:"html"`
		} `json:"links"`
	} `json:"pullrequest"`
}

// BitbucketAdapter normalizes Bitbucket Cloud push webhooks.
type BitbucketAdapter struct{}

func (a *BitbucketAdapter) Parse(body []byte, header http.Header) (*PushRequest, error) {
	var payload bitbucketPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	owner := payload.Repository.Owner.Username
	repo := payload.Repository.Name
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: missing repository owner or name", ErrMalformedPayload)
	}

	sha := payload.PullRequest.Source.Commit.Hash
	if sha == "" {
		return nil, fmt.Errorf("%w: missing source commit hash", ErrMalformedPayload)
	}

	branch := normalizeBranch(payload.PullRequest.Source.Branch.Name)
	repoURL := payload.Repository.Links.HTML.Href

	req := &PushRequest{
		Type:    header.Get("X-Event-Key"),
		Service: "bitbucket",
		Owner:   owner,
		Repo:    repo,
		RepoID:  payload.Repository.UUID,
		Branch:  branch,
		SHA:     sha,
		Slug:    owner + "/" + repo,
		Payload: json.RawMessage(body),
		PullRequest: &PullRequest{
			ID:          payload.PullRequest.ID,
			Name:        payload.PullRequest.Title,
			Description: payload.PullRequest.Description,
			HTMLURL:     payload.PullRequest.Links.HTML.Href,
		},
	}
	if repoURL != "" {
		req.CommitURL = repoURL + "/commits/" + sha
		req.BranchURL = repoURL + "/branch/" + branch
	}

	return req, nil
}
