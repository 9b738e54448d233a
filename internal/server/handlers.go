package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentbridge/internal/bridge"
	"agentbridge/internal/dispatch"
	"agentbridge/internal/logging"
	"agentbridge/internal/process"
	"agentbridge/internal/tooldispatch"
)

// Routes builds the HTTP surface. Exposed separately from Run so tests can
// mount it on an httptest server.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/spawn", s.handleSpawn).Methods(http.MethodPost)
	r.HandleFunc("/kill", s.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/tool-dispatch", s.handleToolDispatch).Methods(http.MethodPost)
	r.HandleFunc("/webhook/work-item", s.handleWorkItem).Methods(http.MethodPost)
	r.HandleFunc("/dispatch/stats", s.handleDispatchStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

type statusResponse struct {
	Name              string          `json:"name"`
	Version           string          `json:"version"`
	UpstreamConnected bool            `json:"upstreamConnected"`
	UpstreamVia       string          `json:"upstreamVia,omitempty"`
	Agent             process.Status  `json:"agent"`
	Clients           int             `json:"clients"`
	PendingTools      int             `json:"pendingTools"`
	UptimeSeconds     int64           `json:"uptimeSeconds"`
	Dispatch          dispatchSummary `json:"dispatch"`
}

// dispatchSummary is the orchestrator digest embedded in /status; the full
// session list stays on /dispatch/stats.
type dispatchSummary struct {
	Active        int `json:"active"`
	HourlyCount   int `json:"hourlyCount"`
	MaxConcurrent int `json:"maxConcurrent"`
	MaxPerHour    int `json:"maxPerHour"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	via := ""
	if s.adapter.Running() {
		via = "subprocess"
	} else if _, ok := s.registry.Upstream(); ok {
		via = "socket"
	}
	st := s.orch.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		Name:              s.cfg.Name,
		Version:           s.cfg.Version,
		UpstreamConnected: via != "",
		UpstreamVia:       via,
		Agent:             s.adapter.Snapshot(),
		Clients:           s.registry.ClientCount(),
		PendingTools:      s.correlator.PendingCount(),
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		Dispatch: dispatchSummary{
			Active:        st.Active,
			HourlyCount:   st.HourlyCount,
			MaxConcurrent: st.MaxConcurrent,
			MaxPerHour:    st.MaxPerHour,
		},
	})
}

type spawnResponse struct {
	Running        bool `json:"running"`
	AlreadyRunning bool `json:"alreadyRunning"`
}

// handleSpawn starts the agent subprocess. Idempotent: a second spawn
// reports the existing process instead of failing.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	already, err := s.adapter.Spawn()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, spawnResponse{Running: true, AlreadyRunning: already})
}

// handleKill terminates the subprocess. 200 with {running:false} whether or
// not anything was running.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.adapter.Kill(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// toolDispatchRequest is the /tool-dispatch body. The id is optional; the
// correlator assigns one when absent.
type toolDispatchRequest struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// handleToolDispatch forwards a tool request to connected executors and
// holds the HTTP request open until resolution, timeout, or caller
// disconnect.
func (s *Server) handleToolDispatch(w http.ResponseWriter, r *http.Request) {
	var req toolDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	resp, err := s.correlator.Dispatch(r.Context(), bridge.ToolRequest{ID: req.ID, Name: req.Name, Input: req.Input})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, tooldispatch.ErrNoExecutor):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, tooldispatch.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tooldispatch.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleWorkItem accepts one webhook work item, validates it, and hands it
// to the orchestrator. Rule decisions come back synchronously; dispatched
// sessions run on after the 202.
func (s *Server) handleWorkItem(w http.ResponseWriter, r *http.Request) {
	var item dispatch.WorkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "malformed work item: "+err.Error())
		return
	}
	if err := item.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.orch.Handle(r.Context(), item)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case errors.Is(err, dispatch.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrCapacity):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleDispatchStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryServer).Warn("response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
