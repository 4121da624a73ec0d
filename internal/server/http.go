package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/gateway"
)

const httpLogPrefix = "server:http"

// maxRESTBody bounds the JSON parameters accepted by the REST ingress.
const maxRESTBody = 1 << 20

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Checks      map[string]string `json:"checks"`
	Collections int               `json:"collections"`
	Actions     int               `json:"actions"`
	Workers     int               `json:"workers"`
	Clients     int               `json:"clients"`
}

// routes builds the HTTP mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome())
	mux.HandleFunc("GET /collection/{id}", s.handleCollectionDetail())
	mux.HandleFunc("GET /collection/{id}/{page}", s.handleCollectionDetail())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /collections", s.handleCollections)
	mux.HandleFunc("POST /api/{collection}/{action}", s.handleAPI)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.clients != nil {
		mux.Handle("/ws", s.clients)
	}
	if s.daemons != nil {
		mux.Handle("/daemon", s.daemons)
	}
	return mux
}

// health reports the state of the external dependencies and the registry sizes.
func (s *Server) health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    map[string]string{},
	}
	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			h.Checks["database"] = err.Error()
			h.Status = "unhealthy"
		} else {
			h.Checks["database"] = "ok"
		}
	}
	if s.nc != nil {
		if s.nc.IsConnected() {
			h.Checks["nats"] = "ok"
		} else {
			h.Checks["nats"] = s.nc.Status().String()
			h.Status = "unhealthy"
		}
	}
	if s.actions != nil {
		h.Collections, h.Actions = s.actions.Len()
	}
	if s.workers != nil {
		h.Workers = len(s.workers.Workers())
	}
	if s.clients != nil {
		h.Clients = s.clients.Count()
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleCollections serves the introspection listing.
func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(s.actions.Listing())
}

// handleAPI is the REST ingress: the body holds the parameters, the path names the action.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRESTBody+1))
	if err != nil || len(body) > maxRESTBody {
		writeEnvelope(w, envelope.Fail(envelope.StatusBadRequest, "invalid request body", tag))
		return
	}

	parameters := map[string]any{}
	if len(body) > 0 {
		if err := commsutil.DecodePayload(body, &parameters); err != nil {
			writeEnvelope(w, envelope.Fail(envelope.StatusBadRequest, "parameters must be a JSON object", tag))
			return
		}
	}

	req := &envelope.Request{
		CollectionID: r.PathValue("collection"),
		ActionID:     r.PathValue("action"),
		Parameters:   parameters,
		Tag:          tag,
	}
	if v := r.Header.Get(gateway.AuthorizationHeader); v != "" {
		req.SetHeader(gateway.AuthorizationHeader, v)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	writeEnvelope(w, s.dispatcher.Dispatch(ctx, action.VisibilityPublic, req))
}

// writeEnvelope writes a response envelope using its status code as the HTTP status.
func writeEnvelope(w http.ResponseWriter, resp *envelope.Response) {
	status := resp.Status.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", httpLogPrefix, err))
	}
}
