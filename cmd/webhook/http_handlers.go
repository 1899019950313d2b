package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/matzegebbe/k8s-tolerable/internal/manifest"
)

type cooldownResetter interface {
	ResetCooldown() (cleared int, cooldownEnabled bool)
}

type cooldownResetResponse struct {
	Reset         bool   `json:"reset"`
	ClearedImages int    `json:"clearedImages"`
	Message       string `json:"message"`
}

type cooldownHandler struct {
	log      logr.Logger
	resetter cooldownResetter
}

func newCooldownHandler(log logr.Logger, resetter cooldownResetter) *cooldownHandler {
	return &cooldownHandler{log: log, resetter: resetter}
}

func (h *cooldownHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.resetter == nil {
		respondJSON(w, http.StatusServiceUnavailable, cooldownResetResponse{Message: "cooldown reset service not ready"})
		return
	}

	cleared, enabled := h.resetter.ResetCooldown()

	response := cooldownResetResponse{
		Reset:         enabled && cleared > 0,
		ClearedImages: cleared,
	}

	if !enabled {
		response.Message = "failure caching disabled"
	} else if cleared == 0 {
		response.Message = "no cached failures to reset"
	} else {
		response.Message = "cached failures reset"
	}

	h.log.Info("processed cooldown reset request", "method", r.Method, "clearedImages", cleared, "cooldownEnabled", enabled)
	respondJSON(w, http.StatusOK, response)
}

type architectureResolver interface {
	Resolve(ctx context.Context, image string) (manifest.ArchitectureSet, error)
}

type resolveResponse struct {
	Image         string         `json:"image"`
	Resolved      bool           `json:"resolved"`
	Architectures []string       `json:"architectures,omitempty"`
	Stage         manifest.Stage `json:"stage,omitempty"`
	Message       string         `json:"message,omitempty"`
}

type resolveHandler struct {
	log      logr.Logger
	resolver architectureResolver
}

func newResolveHandler(log logr.Logger, resolver architectureResolver) *resolveHandler {
	return &resolveHandler{log: log, resolver: resolver}
}

// ServeHTTP resolves ?image= through the shared cache, so the answer is the
// one admission requests would see.
func (h *resolveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	image := strings.TrimSpace(r.URL.Query().Get("image"))
	if image == "" {
		respondJSON(w, http.StatusBadRequest, resolveResponse{Message: "query parameter image is required"})
		return
	}
	if h.resolver == nil {
		respondJSON(w, http.StatusServiceUnavailable, resolveResponse{Image: image, Message: "resolver not ready"})
		return
	}

	archs, err := h.resolver.Resolve(r.Context(), image)
	response := resolveResponse{Image: image}
	if err != nil {
		response.Stage, _ = manifest.StageOf(err)
		response.Message = err.Error()
		h.log.Info("processed resolve request", "image", image, "resolved", false, "stage", response.Stage)
		respondJSON(w, http.StatusOK, response)
		return
	}
	response.Resolved = true
	response.Architectures = archs
	h.log.Info("processed resolve request", "image", image, "resolved", true, "architectures", archs.String())
	respondJSON(w, http.StatusOK, response)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// The status line is already written; logging is all that is left.
		ctrl.Log.WithName("admin").Error(err, "failed to encode JSON response")
	}
}
