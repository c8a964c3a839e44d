package httpx

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/splax/localvercel/api/internal/domain"
	"github.com/splax/localvercel/api/internal/repository"
	"github.com/splax/localvercel/api/internal/service/deploy"
	"github.com/splax/localvercel/api/internal/service/function"
	"github.com/splax/localvercel/api/internal/service/project"
	"github.com/splax/localvercel/api/internal/service/webhook"
	"github.com/splax/localvercel/api/internal/ws"
	"github.com/splax/localvercel/pkg/controlplane"
)

type projectView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RepoURL         string    `json:"repoUrl"`
	DefaultBranch   string    `json:"defaultBranch,omitempty"`
	Framework       string    `json:"framework,omitempty"`
	InstallCommand  *string   `json:"installCommand,omitempty"`
	BuildCommand    *string   `json:"buildCommand,omitempty"`
	OutputDirectory string    `json:"outputDirectory,omitempty"`
	RootDirectory   string    `json:"rootDirectory,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toProjectView(p *domain.Project) projectView {
	return projectView{
		ID:              p.ID,
		Name:            p.Name,
		RepoURL:         p.RepoURL,
		DefaultBranch:   p.DefaultBranch,
		Framework:       p.Framework,
		InstallCommand:  p.InstallCommand,
		BuildCommand:    p.BuildCommand,
		OutputDirectory: p.OutputDirectory,
		RootDirectory:   p.RootDirectory,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func toFunctionView(fn *domain.Function) controlplane.Function {
	return controlplane.Function{
		ProjectID:       fn.ProjectID,
		Name:            fn.Name,
		Language:        fn.Language,
		IsActive:        fn.IsActive,
		InvocationCount: fn.InvocationCount,
		TimeoutMs:       fn.TimeoutMs,
		UpdatedAt:       fn.UpdatedAt,
	}
}

func (r *Router) handlePutProject(w http.ResponseWriter, req *http.Request) {
	var input project.Input
	if !decodeJSON(w, req, &input) {
		return
	}
	p, err := r.projects.Put(req.Context(), req.PathValue("projectID"), input)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectView(p))
}

func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) {
	p, err := r.projects.Get(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectView(p))
}

func (r *Router) handlePutDomain(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Verified bool `json:"verified"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	d, err := r.projects.PutDomain(req.Context(), req.PathValue("projectID"), req.PathValue("hostname"), payload.Verified)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, controlplane.Domain{Hostname: d.Hostname, ProjectID: d.ProjectID, Verified: d.Verified})
}

func (r *Router) handlePutWebhook(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Secret string `json:"secret"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	projectID := req.PathValue("projectID")
	if _, err := r.projects.Get(req.Context(), projectID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if err := r.webhooks.UpsertSecret(req.Context(), projectID, payload.Secret); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.writeServiceError(w, req, err)
			return
		}
		writeError(w, http.StatusBadRequest, categoryInvalid, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (r *Router) handleRegisterFunction(w http.ResponseWriter, req *http.Request) {
	var input function.RegisterInput
	if !decodeJSON(w, req, &input) {
		return
	}
	fn, err := r.functions.Register(req.Context(), req.PathValue("projectID"), req.PathValue("name"), input)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toFunctionView(fn))
}

func (r *Router) handleTrigger(w http.ResponseWriter, req *http.Request) {
	var payload deploy.TriggerRequest
	if req.ContentLength != 0 && !decodeJSON(w, req, &payload) {
		return
	}
	d, err := r.deployments.Trigger(req.Context(), req.PathValue("projectID"), payload)
	if err != nil {
		if errors.Is(err, deploy.ErrEnqueue) && d != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      err.Error(),
				"category":   categoryUnavailable,
				"deployment": deploy.View(*d),
			})
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deploy.View(*d))
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	limit := defaultListLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, categoryInvalid, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	deployments, err := r.deployments.ListByProject(req.Context(), req.PathValue("projectID"), limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	views := make([]controlplane.Deployment, 0, len(deployments))
	for _, d := range deployments {
		views = append(views, deploy.View(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": views})
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.deployments.Get(req.Context(), req.PathValue("deploymentID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deploy.View(*d))
}

func (r *Router) handleDeploymentStream(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, categoryInvalid, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.streamBuffer, r.logger)
	r.hub.Register(projectID, client)
	defer r.hub.Unregister(projectID, client)

	go client.WritePump(req.Context())
	client.ReadPump()
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, categoryInvalid, "could not read body")
		return
	}
	setActor(w, "webhook")
	d, err := r.webhooks.HandlePush(req.Context(), req.PathValue("projectID"), body, req.Header.Get(webhook.SignatureHeader))
	switch {
	case errors.Is(err, webhook.ErrIgnored):
		r.webhookTotal.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": err.Error()})
		return
	case errors.Is(err, deploy.ErrEnqueue) && d != nil:
		r.webhookTotal.WithLabelValues("enqueue_failed").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":      err.Error(),
			"category":   categoryUnavailable,
			"deployment": deploy.View(*d),
		})
		return
	case err != nil:
		r.webhookTotal.WithLabelValues("rejected").Inc()
		r.writeServiceError(w, req, err)
		return
	}
	r.webhookTotal.WithLabelValues("queued").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "deployment": deploy.View(*d)})
}

func (r *Router) handleBuilderCallback(w http.ResponseWriter, req *http.Request) {
	var update controlplane.StatusUpdate
	if !decodeJSON(w, req, &update) {
		return
	}
	d, err := r.deployments.ProcessCallback(req.Context(), update)
	if errors.Is(err, repository.ErrConflict) && d != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "deployment already " + d.Status,
			"category":   categoryConflict,
			"deployment": deploy.View(*d),
		})
		return
	}
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deploy.View(*d))
}

func (r *Router) handleBuildConfig(w http.ResponseWriter, req *http.Request) {
	cfg, err := r.projects.BuildConfig(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (r *Router) handleLatestDeployment(w http.ResponseWriter, req *http.Request) {
	d, err := r.deployments.LatestSuccessful(req.Context(), req.PathValue("projectID"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, deploy.View(*d))
}

func (r *Router) handleGetDomain(w http.ResponseWriter, req *http.Request) {
	d, err := r.projects.Domain(req.Context(), req.PathValue("hostname"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, controlplane.Domain{Hostname: d.Hostname, ProjectID: d.ProjectID, Verified: d.Verified})
}

func (r *Router) handleGetFunction(w http.ResponseWriter, req *http.Request) {
	fn, err := r.functions.Get(req.Context(), req.PathValue("projectID"), req.PathValue("name"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toFunctionView(fn))
}

func (r *Router) handleFunctionCode(w http.ResponseWriter, req *http.Request) {
	fn, err := r.functions.Get(req.Context(), req.PathValue("projectID"), req.PathValue("name"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, controlplane.FunctionCode{Language: fn.Language, Code: fn.Code})
}

func (r *Router) handleFunctionStatus(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if payload.Active == nil {
		writeError(w, http.StatusBadRequest, categoryInvalid, "active is required")
		return
	}
	fn, err := r.functions.SetActive(req.Context(), req.PathValue("projectID"), req.PathValue("name"), *payload.Active)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, toFunctionView(fn))
}

func (r *Router) handleFunctionInvocation(w http.ResponseWriter, req *http.Request) {
	if err := r.functions.RecordInvocation(req.Context(), req.PathValue("projectID"), req.PathValue("name")); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
