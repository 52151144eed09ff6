// Package http_gateway presents the HTTP surface of the allocator, mapping
// requests onto pool operations.
package http_gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"go.rotor.dev/core/pool"
)

// Allocator is the subset of pool.Pool consumed by the Gateway.
type Allocator interface {
	Allocate(ctx context.Context) (pool.Assignment, error)
	Status(ctx context.Context) (pool.Status, error)
}

// Gateway serves item allocation over HTTP:
//
//	GET /get_item => {"assigned_item": ..., "current_usage": ...}
//	GET /status   => {"epoch": ..., "remaining": ..., "usage": {...}}
//
// A failure to communicate with the shared store maps to 503 Service
// Unavailable, and is retryable by the caller.
type Gateway struct {
	alloc Allocator
}

// NewGateway returns a Gateway of the Allocator.
func NewGateway(alloc Allocator) *Gateway {
	return &Gateway{alloc: alloc}
}

func (h *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, fmt.Sprintf("unknown method: %s", r.Method), http.StatusBadRequest)
		return
	}

	switch r.URL.Path {
	case "/get_item":
		h.serveGetItem(w, r)
	case "/status":
		h.serveStatus(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Gateway) serveGetItem(w http.ResponseWriter, r *http.Request) {
	var asn, err = h.alloc.Allocate(r.Context())
	if err != nil {
		log.WithField("err", err).Warn("http_gateway: failed to allocate item")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, asn)
}

func (h *Gateway) serveStatus(w http.ResponseWriter, r *http.Request) {
	var status, err = h.alloc.Status(r.Context())
	if err != nil {
		log.WithField("err", err).Warn("http_gateway: failed to read pool status")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("http_gateway: failed to write response")
	}
}
