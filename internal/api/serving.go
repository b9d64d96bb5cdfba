package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/metrics"
	"github.com/dreamware/inferout/internal/worker"
)

// maxInferBody caps the size of an inference request body.
const maxInferBody = 16 << 20

// InferRequest is the body of an inference request.
type InferRequest struct {
	InputData map[string]any `json:"input_data"`
}

// InferResponse is returned when the request was served locally.
type InferResponse struct {
	ModelVersion int            `json:"model_version"`
	WorkerID     string         `json:"worker_id"`
	InputData    map[string]any `json:"input_data"`
	OutputData   map[string]any `json:"output_data"`
}

// ServingRouter returns the serving API handler.
func (a *API) ServingRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/", a.servingIndex)
	r.Post("/{namespaceID}/{modelID}", a.infer)
	r.Post("/{namespaceID}/{modelID}/{version}", a.infer)
	return r
}

func (a *API) servingIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.info("Inferout Serving API"))
}

// infer answers from a local serving instance when there is one and
// otherwise forwards the untouched request to a worker that has one.
func (a *API) infer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route := "error"
	defer func() {
		metrics.InferenceRequests.WithLabelValues(route).Inc()
		metrics.InferenceDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInferBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, r, fmt.Errorf("%w: limit is %d bytes", errTooLarge, tooLarge.Limit))
			return
		}
		a.writeError(w, r, fmt.Errorf("%w: reading body: %v", errBadRequest, err))
		return
	}
	var req InferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: invalid JSON", errBadRequest))
		return
	}
	if req.InputData == nil {
		req.InputData = map[string]any{}
	}

	nsID, modelID := chi.URLParam(r, "namespaceID"), chi.URLParam(r, "modelID")
	target, err := a.worker.Route(r.Context(), nsID, modelID, chi.URLParam(r, "version"))
	if err != nil {
		if errors.Is(err, worker.ErrUnavailable) {
			route = "unavailable"
			a.logger.Error("no serving instance found", "namespace", nsID, "model", modelID)
		}
		a.writeError(w, r, err)
		return
	}

	if target.Local == nil {
		a.logger.Info("routing to remote worker", "worker", target.Instance.WorkerID, "endpoint", target.Endpoint)
		if err := a.forward(w, r, target.Endpoint, body); err != nil {
			a.writeError(w, r, err)
			return
		}
		route = "remote"
		return
	}

	out, err := a.worker.Infer(r.Context(), target.Local, req.InputData)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	route = "local"
	a.logger.Debug("served locally", "instance", instanceSummary(target.Instance))
	writeJSON(w, http.StatusOK, InferResponse{
		ModelVersion: target.Instance.ModelVersionID,
		WorkerID:     target.Instance.WorkerID,
		InputData:    req.InputData,
		OutputData:   out,
	})
}

// instanceSummary names an instance by its full address.
func instanceSummary(inst *catalog.Instance) string {
	return fmt.Sprintf("%s/%s/%d/%s@%s", inst.NamespaceID, inst.ModelID, inst.ModelVersionID, inst.ID, inst.WorkerID)
}
