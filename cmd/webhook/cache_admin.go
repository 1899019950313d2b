package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/matzegebbe/k8s-tolerable/internal/manifest"
)

type cacheAdmin interface {
	Reset() []string
	Evict(image string) bool
	EvictPrefix(prefix string) []string
	Entries() []manifest.CacheEntry
}

type extraHandlerRegistrar interface {
	AddMetricsServerExtraHandler(path string, handler http.Handler) error
}

// registerAdminEndpoints exposes cache inspection and maintenance next to
// /metrics.
func registerAdminEndpoints(mgr extraHandlerRegistrar, cache *manifest.Cache, resolver architectureResolver) error {
	log := ctrl.Log.WithName("cache-admin")

	handlers := []struct {
		path    string
		handler http.Handler
	}{
		{"/admin/cache", newCacheStateHandler(cache)},
		{"/admin/cache/evict", newCacheEvictHandler(cache, log)},
		{"/admin/cache/reset-cooldown", newCooldownHandler(log, cache)},
		{"/admin/resolve", newResolveHandler(log, resolver)},
	}
	for _, h := range handlers {
		if err := mgr.AddMetricsServerExtraHandler(h.path, h.handler); err != nil {
			return fmt.Errorf("register %s handler: %w", h.path, err)
		}
	}
	return nil
}

type evictionRequest struct {
	Image  string `json:"image"`
	Prefix string `json:"prefix"`
	All    bool   `json:"all"`
}

type evictionResponse struct {
	Removed   []string              `json:"removed"`
	Remaining int                   `json:"remaining"`
	Entries   []manifest.CacheEntry `json:"entries"`
}

func newCacheEvictHandler(admin cacheAdmin, log logr.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, err := parseEvictionRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var removed []string
		switch {
		case req.Image != "":
			if admin.Evict(req.Image) {
				removed = []string{req.Image}
			}
		case req.Prefix != "":
			removed = admin.EvictPrefix(req.Prefix)
		default:
			removed = admin.Reset()
		}

		entries := admin.Entries()
		if len(removed) > 0 {
			log.Info("evicted architecture cache entries", "removed", removed, "remaining", len(entries))
		}

		respondJSON(w, http.StatusOK, evictionResponse{
			Removed:   removed,
			Remaining: len(entries),
			Entries:   entries,
		})
	})
}

func newCacheStateHandler(admin cacheAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		entries := admin.Entries()
		respondJSON(w, http.StatusOK, struct {
			Entries []manifest.CacheEntry `json:"entries"`
			Count   int                   `json:"count"`
		}{
			Entries: entries,
			Count:   len(entries),
		})
	})
}

func parseEvictionRequest(r *http.Request) (evictionRequest, error) {
	var req evictionRequest
	if r.Body != nil {
		defer r.Body.Close()
		if r.ContentLength != 0 {
			dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				return req, fmt.Errorf("decode request body: %w", err)
			}
		}
	}

	q := r.URL.Query()
	if image := strings.TrimSpace(q.Get("image")); image != "" {
		req.Image = image
	}
	if prefix := strings.TrimSpace(q.Get("prefix")); prefix != "" {
		req.Prefix = prefix
	}
	if all := strings.TrimSpace(q.Get("all")); all != "" {
		req.All = parseBool(all)
	}

	req.Image = strings.TrimSpace(req.Image)
	req.Prefix = strings.TrimSpace(req.Prefix)

	if req.Image != "" && req.Prefix != "" {
		return req, fmt.Errorf("specify either image or prefix, not both")
	}
	if req.Image == "" && req.Prefix == "" && !req.All {
		req.All = true
	}

	return req, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
