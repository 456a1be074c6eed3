// Package handler wires the HTTP surface for one provider instance and runs
// the push-to-build pipeline behind it.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proboci/scm-handler/pkg/buildapi"
	"github.com/proboci/scm-handler/pkg/cifile"
	"github.com/proboci/scm-handler/pkg/config"
	"github.com/proboci/scm-handler/pkg/event"
	"github.com/proboci/scm-handler/pkg/relay"
	"github.com/proboci/scm-handler/pkg/scm"
)

// BuildAPI is the slice of the Build API client the pipeline consumes.
type BuildAPI interface {
	FindProjectByRepo(ctx context.Context, req *event.PushRequest) (*buildapi.Project, error)
	SubmitBuild(ctx context.Context, build *buildapi.Build, project *buildapi.Project) (*buildapi.Build, error)
}

// Handler serves webhooks, build-status callbacks, and auth lookups for one
// configured provider type.
type Handler struct {
	cfg      config.Config
	log      *zap.Logger
	adapter  event.Adapter
	api      BuildAPI
	resolver *scm.Resolver
	relay    *relay.Relay
}

// New builds a handler. The relay worker starts immediately; Close stops it.
func New(cfg config.Config, api BuildAPI, log *zap.Logger) (*Handler, error) {
	adapter, err := event.ForProvider(cfg.ProviderType)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	h := &Handler{
		cfg:      cfg,
		log:      log,
		adapter:  adapter,
		api:      api,
		resolver: scm.NewResolver(cfg.Providers),
	}
	h.relay = relay.New(h.postStatus, cfg.RelayBuffer, log.Named("relay"))

	return h, nil
}

// Close drains and stops the status relay.
func (h *Handler) Close() {
	h.relay.Close()
}

// Register mounts the handler's routes.
func (h *Handler) Register(r chi.Router) {
	r.Post(h.cfg.WebhookPath, h.handleWebhook)
	r.Post("/builds/{bid}/status/{context}", h.handleStatusUpdate)
	r.Post("/update", h.handleStatusUpdate)
	r.Get("/auth_lookup", h.handleAuthLookup)
	r.Get("/healthz", handleHealthz)
}

// handleWebhook is phase 1 of push handling: confirm the body is JSON, ack
// the provider, and hand off. Everything downstream is best-effort and must
// never influence this response — a slow pipeline would otherwise trigger
// provider-side webhook retry storms.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		h.log.Error("error processing hook", zap.Error(err))
		http.Error(w, "Error processing hook", http.StatusBadRequest)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})

	go h.processPayload(body, r.Header.Clone())
}

// processPayload is phase 2: normalize, resolve, fetch config, submit.
// Failures surface only in logs; the provider already got its 200.
func (h *Handler) processPayload(body []byte, header http.Header) {
	log := h.log.With(zap.String("event_id", uuid.NewString()))

	req, err := h.adapter.Parse(body, header)
	if err != nil {
		log.Error("dropping unparseable push event", zap.Error(err))
		return
	}

	log.Info("push received",
		zap.String("service", req.Service),
		zap.String("slug", req.Slug),
		zap.String("branch", req.Branch),
		zap.String("sha", req.SHA))

	// Detached context on purpose: no timeout, no cancellation in this
	// phase (the webhook request that spawned us is long gone).
	build, err := h.processRequest(context.Background(), log, req)
	if err != nil {
		log.Info("request processed", zap.String("type", req.Type), zap.String("slug", req.Slug), zap.Error(err))
		return
	}
	log.Info("request processed", zap.String("type", req.Type), zap.String("slug", req.Slug), zap.String("build_id", build.ID))
}

func (h *Handler) processRequest(ctx context.Context, log *zap.Logger, req *event.PushRequest) (*buildapi.Build, error) {
	project, err := h.api.FindProjectByRepo(ctx, req)
	if err != nil || project == nil {
		if err == nil {
			err = buildapi.ErrProjectNotFound
		}
		log.Warn("project for repo not found", zap.String("slug", req.Slug), zap.Error(err))
		return nil, err
	}

	log.Info("found project for push", zap.String("project_id", project.ID), zap.String("slug", project.Slug))

	ciConfig, err := h.fetchConfig(ctx, project, req.SHA)
	if err != nil {
		log.Error("problem fetching CI config file", zap.Error(err))
		h.reportConfigFailure(log, project, req, err)
		return nil, err
	}

	build := &buildapi.Build{
		Commit: buildapi.Commit{
			Ref:     req.SHA,
			HTMLURL: req.CommitURL,
		},
		Branch: buildapi.Branch{
			Name:    req.Branch,
			HTMLURL: req.BranchURL,
		},
		PullRequest: req.PullRequest,
		Config:      ciConfig,
		Request:     req,
	}

	submitted, err := h.api.SubmitBuild(ctx, build, project)
	if err != nil {
		log.Error("problem submitting build", zap.String("slug", req.Slug), zap.Error(err))
		return nil, err
	}

	log.Info("submitted build", zap.String("build_id", submitted.ID))
	return submitted, nil
}

// fetchConfig builds a freshly signed provider client and runs config
// discovery with it.
func (h *Handler) fetchConfig(ctx context.Context, project *buildapi.Project, ref string) (any, error) {
	client, err := h.resolver.ClientFor(project.Provider.Slug, project.ServiceAuth)
	if err != nil {
		return nil, err
	}
	return cifile.Fetch(ctx, client, project.Owner, project.Repo, ref)
}

// reportConfigFailure marks the commit unbuildable on the provider rather
// than dropping it silently. The synthetic update flows through the
// ordinary relay so it cannot overtake or overlap other status posts.
func (h *Handler) reportConfigFailure(log *zap.Logger, project *buildapi.Project, req *event.PushRequest, cause error) {
	update := relay.StatusUpdate{
		State:       "error",
		Description: cause.Error(),
		Context:     "ProboCI/env",
	}
	task := relay.Task{
		Project: project,
		Ref:     req.SHA,
		Status:  relay.MapStatus(update),
	}

	if err := <-h.relay.Enqueue(task); err != nil {
		log.Error("failed to report config failure", zap.String("slug", req.Slug), zap.Error(err))
		return
	}
	log.Info("reported config failure status", zap.String("slug", req.Slug), zap.String("sha", req.SHA))
}

// postStatus is the relay's PostFunc. The signed client is constructed per
// task; credentials never outlive a single post.
func (h *Handler) postStatus(ctx context.Context, task relay.Task) error {
	client, err := h.resolver.ClientFor(task.Project.Provider.Slug, task.Project.ServiceAuth)
	if err != nil {
		return err
	}
	return client.CreateStatus(ctx, task.Project.Owner, task.Project.Repo, task.Ref, task.Status)
}

// statusPayload is the body of POST /update and POST /builds/{bid}/status/{context}.
type statusPayload struct {
	Update relay.StatusUpdate `json:"update"`
	Build  buildapi.Build     `json:"build"`
}

func (h *Handler) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var payload statusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status payload: " + err.Error()})
		return
	}

	// Context usually arrives inside the update; the URL form wins when
	// present, for older callers that only set the path parameter.
	if urlContext := chi.URLParam(r, "context"); urlContext != "" {
		payload.Update.Context = urlContext
	}

	if payload.Build.Project == nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "missing build.project"})
		return
	}

	h.log.Info("got build status update",
		zap.String("build_id", payload.Build.ID),
		zap.String("state", payload.Update.State),
		zap.String("context", payload.Update.Context))

	info := relay.MapStatus(payload.Update)
	task := relay.Task{
		Project: payload.Build.Project,
		Ref:     payload.Build.CommitRef(),
		Status:  info,
	}

	if err := <-h.relay.Enqueue(task); err != nil {
		h.log.Error("an error occurred posting status to provider",
			zap.String("build_id", payload.Build.ID),
			zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.log.Info("posted status to provider",
		zap.String("slug", payload.Build.Project.Slug),
		zap.String("ref", task.Ref),
		zap.String("state", info.State))
	respondJSON(w, http.StatusOK, info)
}

// handleAuthLookup computes an OAuth1 Authorization header for a request a
// sibling proxy will issue. Two modes, selected by the presence of url:
// provider-table mode ({path, provider_slug, token, tokenSecret}) and
// direct-URL mode ({url, token, tokenSecret}).
func (h *Handler) handleAuthLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.log.Debug("auth lookup request",
		zap.String("provider_slug", q.Get("provider_slug")),
		zap.String("path", q.Get("path")))

	auth := scm.ServiceAuth{
		Token:       q.Get("token"),
		TokenSecret: q.Get("tokenSecret"),
	}

	var client *scm.Client
	var target string
	var err error

	if q.Get("url") != "" {
		if err = requireParams(q, "url", "token", "tokenSecret"); err == nil {
			target = q.Get("url")
			client, err = h.directClient(auth, target)
		}
	} else {
		if err = requireParams(q, "path", "provider_slug", "token", "tokenSecret"); err == nil {
			client, err = h.resolver.ClientFor(q.Get("provider_slug"), auth)
			target = q.Get("path")
		}
	}
	if err != nil {
		h.log.Error("problem getting auth header", zap.Error(err))
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	header, absURL, err := client.AuthorizationHeader(http.MethodGet, target)
	if err != nil {
		h.log.Error("problem getting auth header", zap.Error(err))
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"auth": header, "url": absURL})
}

// directClient signs with the standalone consumer pair configured for
// direct-URL lookups.
func (h *Handler) directClient(auth scm.ServiceAuth, target string) (*scm.Client, error) {
	if h.cfg.AuthLookup.ConsumerKey == "" || h.cfg.AuthLookup.ConsumerSecret == "" {
		return nil, fmt.Errorf("auth_lookup consumer credentials are not configured")
	}
	return scm.NewClient(scm.ProviderConfig{
		Slug:           "auth_lookup",
		Type:           h.cfg.ProviderType,
		URL:            target,
		ConsumerKey:    h.cfg.AuthLookup.ConsumerKey,
		ConsumerSecret: h.cfg.AuthLookup.ConsumerSecret,
	}, auth)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requireParams(q url.Values, names ...string) error {
	for _, name := range names {
		if q.Get(name) == "" {
			return fmt.Errorf("Missing required query param: %s", name)
		}
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
