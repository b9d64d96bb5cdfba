package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/metrics"
)

// ManagementRouter returns the management API handler.
func (a *API) ManagementRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/", a.managementIndex)
	r.Get("/health", a.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/workers", a.listWorkers)

	r.Route("/namespaces", func(r chi.Router) {
		r.Get("/", a.listNamespaces)
		r.Route("/{namespaceID}", func(r chi.Router) {
			r.Get("/", a.getNamespace)
			r.Put("/", a.putNamespace)
			r.Route("/models", func(r chi.Router) {
				r.Get("/", a.listModels)
				r.Route("/{modelID}", func(r chi.Router) {
					r.Get("/", a.getModel)
					r.Put("/", a.putModel)
					r.Get("/versions", a.listVersions)
					r.Get("/instances", a.listInstances)
				})
			})
		})
	})
	return r
}

func (a *API) managementIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.info("Inferout Management API"))
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"worker_id":       a.worker.ID(),
		"worker_state":    a.worker.State(),
		"local_instances": a.worker.LocalInstances(),
	})
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.store.ListWorkers(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (a *API) listNamespaces(w http.ResponseWriter, r *http.Request) {
	nss, err := a.store.ListNamespaces(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": nss})
}

func (a *API) getNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := a.store.ReadNamespace(r.Context(), chi.URLParam(r, "namespaceID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (a *API) putNamespace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Settings map[string]any `json:"settings"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ns, err := a.store.SaveNamespace(r.Context(), chi.URLParam(r, "namespaceID"), req.Settings)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info("namespace saved", "namespace", ns.ID)
	writeJSON(w, http.StatusOK, ns)
}

func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	nsID := chi.URLParam(r, "namespaceID")
	if _, err := a.store.ReadNamespace(r.Context(), nsID); err != nil {
		a.writeError(w, r, err)
		return
	}
	models, err := a.store.ListModels(r.Context(), nsID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (a *API) getModel(w http.ResponseWriter, r *http.Request) {
	model, err := a.readModel(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (a *API) putModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	model, err := a.store.SaveModel(r.Context(), chi.URLParam(r, "namespaceID"), chi.URLParam(r, "modelID"), req.Parameters)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info("model saved", "namespace", model.NamespaceID, "model", model.ID, "version", model.LatestVersionID)
	writeJSON(w, http.StatusOK, model)
}

func (a *API) listVersions(w http.ResponseWriter, r *http.Request) {
	model, err := a.readModel(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	versions, err := a.store.ListVersions(r.Context(), model.NamespaceID, model.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_versions": versions})
}

func (a *API) listInstances(w http.ResponseWriter, r *http.Request) {
	model, err := a.readModel(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	instances, err := a.store.ListInstances(r.Context(), model.NamespaceID, model.ID, 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model_instances": instances})
}

// readModel loads the model named by the URL, requiring its namespace.
func (a *API) readModel(r *http.Request) (*catalog.Model, error) {
	nsID := chi.URLParam(r, "namespaceID")
	if _, err := a.store.ReadNamespace(r.Context(), nsID); err != nil {
		return nil, err
	}
	return a.store.ReadModel(r.Context(), nsID, chi.URLParam(r, "modelID"))
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}
