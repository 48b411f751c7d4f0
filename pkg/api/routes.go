// Package api serves network state over HTTP and pushes topology updates
// over websockets.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"mesh-nms/pkg/model"
	"mesh-nms/pkg/version"
)

var logger = loggo.GetLogger("nms.api")

// Backend is the read side of the service plus reload.
type Backend interface {
	ListNetworkNames() []string
	GetNetworkState(name string) (model.NetworkState, error)
	ReloadInstanceConfig() error
	OnTopologyUpdate(fn func(model.NetworkState)) (unsubscribe func())
}

// NetworkList is the body of GET /api/v1/networks.
type NetworkList struct {
	Networks []string `json:"networks"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RegisterRoutes wires the HTTP handlers on the provided mux. metrics may
// be nil.
func RegisterRoutes(mux *http.ServeMux, backend Backend, hub *StreamHub, metrics http.Handler) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(version.String()))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/networks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		names := backend.ListNetworkNames()
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, NetworkList{Networks: names})
	})

	mux.HandleFunc("/api/v1/networks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/api/v1/networks/")
		if name == "" || strings.Contains(name, "/") {
			http.NotFound(w, r)
			return
		}
		st, err := backend.GetNetworkState(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("/api/v1/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := backend.ReloadInstanceConfig(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, NetworkList{Networks: backend.ListNetworkNames()})
	})

	if hub != nil {
		mux.HandleFunc("/api/v1/stream", hub.HandleStream)
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsNotValid(err):
		status = http.StatusBadRequest
	default:
		logger.Errorf("request failed: %v", errors.ErrorStack(err))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warningf("failed to write response: %v", err)
	}
}
