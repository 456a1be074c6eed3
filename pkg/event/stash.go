package event

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// stashPayload covers the slice of a Stash (Bitbucket Server) webhook body
// that the pipeline consumes. The event type rides inside the first ref
// change rather than in a header.
type stashPayload struct {
	Repository struct {
		Slug    string `json:"slug"`
		ID      int64  `json:"id"`
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
	} `json:"repository"`
	RefChanges []struct {
		RefID  string `json:"refId"`
		ToHash string `json:"toHash"`
		Type   string `json:"type"`
	} `json:"refChanges"`
	Changesets struct {
		Values []struct {
			Links struct {
				Self []struct {
					Href string `json:"href"`
				} `json:"self"`
			} `json:"links"`
		} `json:"values"`
	} `json:"changesets"`
}

// StashAdapter normalizes Stash push webhooks.
type StashAdapter struct{}

func (a *StashAdapter) Parse(body []byte, header http.Header) (*PushRequest, error) {
	var payload stashPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if len(payload.RefChanges) == 0 {
		return nil, fmt.Errorf("%w: no ref changes", ErrMalformedPayload)
	}
	change := payload.RefChanges[0]

	// The payload carries no explicit server address; it has to be
	// recovered from the changeset self-link. Without one this event
	// cannot be routed, so it is a hard stop.
	base, err := a.serverBase(&payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	owner := strings.ToLower(payload.Repository.Project.Key)
	repo := payload.Repository.Slug
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: missing repository project key or slug", ErrMalformedPayload)
	}

	repoURL := fmt.Sprintf("%s/projects/%s/repos/%s", base, payload.Repository.Project.Key, repo)
	branch := normalizeBranch(change.RefID)

	return &PushRequest{
		Type:      change.Type,
		Service:   "stash:" + base,
		Owner:     owner,
		Repo:      repo,
		RepoID:    strconv.FormatInt(payload.Repository.ID, 10),
		Branch:    branch,
		BranchURL: repoURL + "/commits?until=" + url.QueryEscape(change.RefID),
		SHA:       change.ToHash,
		CommitURL: repoURL + "/commits/" + change.ToHash,
		Slug:      owner + "/" + repo,
		Payload:   json.RawMessage(body),
	}, nil
}

// serverBase recovers scheme://host plus any reverse-proxy path prefix from
// the first changeset self-link, whose path always contains /projects/.
func (a *StashAdapter) serverBase(payload *stashPayload) (string, error) {
	values := payload.Changesets.Values
	if len(values) == 0 || len(values[0].Links.Self) == 0 {
		return "", fmt.Errorf("no changeset self link in payload")
	}

	link := values[0].Links.Self[0].Href
	parsed, err := url.Parse(link)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("unparseable changeset link %q", link)
	}

	prefix := ""
	if idx := strings.Index(parsed.Path, "/projects/"); idx > 0 {
		prefix = parsed.Path[:idx]
	}

	return fmt.Sprintf("%s://%s%s", parsed.Scheme, parsed.Host, prefix), nil
}
