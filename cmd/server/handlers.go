package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	gojwt "github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/oapi-codegen/runtime"
	"k8s.io/klog/v2"

	"github.com/aonescu/gardensync/internal/db"
	"github.com/aonescu/gardensync/internal/eventlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func gardenIDParam(r *http.Request) (string, error) {
	var gardenID string
	err := runtime.BindStyledParameterWithLocation("simple", false, "gardenId", runtime.ParamLocationPath, chi.URLParam(r, "gardenId"), &gardenID)
	if err != nil {
		return "", err
	}
	if gardenID == "" {
		return "", errors.New("gardenId is required")
	}
	return gardenID, nil
}

// GET /gardens/{gardenId}
func (api *APIServer) handleGetGarden(w http.ResponseWriter, r *http.Request) {
	gardenID, err := gardenIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g, version, err := api.store.Snapshot(gardenID)
	if err != nil {
		klog.ErrorS(err, "Failed to load garden", "garden", gardenID)
		http.Error(w, "Failed to load garden", http.StatusInternalServerError)
		return
	}

	api.respondJSON(w, http.StatusOK, eventlog.Snapshot{Garden: g, Version: version})
}

// POST /gardens/{gardenId}/events
// Body: {"new_events": [...]}
func (api *APIServer) handleAppendEvents(w http.ResponseWriter, r *http.Request) {
	gardenID, err := gardenIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req eventlog.AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.respondJSON(w, http.StatusBadRequest, &eventlog.RejectError{
			Code:            eventlog.InvalidEvents,
			UntrackedEvents: []int64{},
			RetryHint:       "request body is not valid JSON",
		})
		return
	}

	next, err := api.engine.Append(gardenID, req.NewEvents)
	if err != nil {
		var rej *eventlog.RejectError
		if errors.As(err, &rej) {
			api.respondJSON(w, http.StatusBadRequest, rej)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	api.respondJSON(w, http.StatusCreated, eventlog.AppendResult{NextVersion: next})
}

// GET /health
func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	}
	code := http.StatusOK

	// Check database connection if using PostgreSQL
	if pgStore, ok := api.store.(*db.PostgresStore); ok {
		if err := pgStore.Ping(); err != nil {
			health["status"] = "unhealthy"
			health["database"] = "disconnected"
			code = http.StatusServiceUnavailable
		} else {
			health["database"] = "connected"
		}
	}

	api.respondJSON(w, code, health)
}

// GET /ready
func (api *APIServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]interface{}{
		"ready":       true,
		"rules_count": len(api.engine.Rules()),
	}
	api.respondJSON(w, http.StatusOK, ready)
}

func (api *APIServer) respondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		klog.ErrorS(err, "Failed to write response")
	}
}

func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		klog.V(2).InfoS("Request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		klog.V(2).InfoS("Request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (api *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		_, err := gojwt.Parse(raw, func(token *gojwt.Token) (interface{}, error) {
			return api.jwtSecret, nil
		}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
		if err != nil {
			klog.V(1).InfoS("Rejected token", "err", err.Error())
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
