package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// forward replays an inference request against another worker's serving
// endpoint and copies its status and body back unchanged.
func (a *API) forward(w http.ResponseWriter, r *http.Request, endpoint string, body []byte) error {
	targetURL := strings.TrimRight(endpoint, "/") + r.URL.RequestURI()

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := middleware.GetReqID(r.Context()); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errUpstream, err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		a.logger.Warn("copying upstream response failed", "endpoint", endpoint, "error", err)
	}
	return nil
}
