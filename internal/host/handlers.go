package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/auxothq/toolhost/internal/executor"
	"github.com/auxothq/toolhost/internal/relay"
	"github.com/auxothq/toolhost/pkg/protocol"
	"github.com/auxothq/toolhost/pkg/tools"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000

	// wsRequestWait bounds how long a WebSocket client has to send its request.
	wsRequestWait = 30 * time.Second
)

// execContext is the context a tool runs under. When the caller disconnects
// the run is cancelled, unless the host is configured to run to completion.
func (s *Server) execContext(r *http.Request) context.Context {
	if s.config.CancelOnDisconnect {
		return r.Context()
	}
	return context.WithoutCancel(r.Context())
}

func decodeRunRequest(r *http.Request) (protocol.RunRequest, error) {
	var req protocol.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	if req.ToolID == "" {
		return req, errors.New("toolId is required")
	}
	return req, nil
}

// --- POST /tool/runstream ---

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	desc, err := s.executor.Resolve(req.ToolID)
	if err != nil {
		writeErrorJSON(w, http.StatusNotFound, "tool not found")
		return
	}

	sse, err := relay.NewSSE(w, r, s.logger.With("component", "sse_relay", "tool_id", desc.ID))
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sse.Close()

	s.relayRun(s.execContext(r), sse, desc, req)
}

// relayRun executes desc and emits its frames: every stream payload, then
// exactly one response or error frame.
func (s *Server) relayRun(ctx context.Context, rl relay.Relay, desc *tools.Descriptor, req protocol.RunRequest) {
	res, err := s.executor.Execute(ctx, desc, req, func(p json.RawMessage) error {
		return rl.Send(protocol.StreamFrame(p))
	})
	if err != nil {
		rl.Send(protocol.ErrorFrame(err.Error())) //nolint:errcheck
		return
	}
	if err := rl.Send(protocol.ResponseFrame(res)); err != nil {
		s.logger.Error("sending response frame", "tool_id", desc.ID, "error", err)
		rl.Send(protocol.ErrorFrame(err.Error())) //nolint:errcheck
	}
}

// --- POST /tool/run ---

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.executor.Run(s.execContext(r), req, nil)
	if err != nil {
		if errors.Is(err, executor.ErrToolNotFound) {
			writeErrorJSON(w, http.StatusNotFound, "tool not found")
			return
		}
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- GET /tool/runws ---

func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(wsRequestWait)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("reading websocket request", "error", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	ws := relay.NewWS(conn, s.logger.With("component", "ws_relay"))
	defer ws.Close()

	var req protocol.RunRequest
	if err := json.Unmarshal(data, &req); err != nil || req.ToolID == "" {
		ws.Send(protocol.ErrorFrame("invalid request body")) //nolint:errcheck
		return
	}
	desc, err := s.executor.Resolve(req.ToolID)
	if err != nil {
		ws.Send(protocol.ErrorFrame("tool not found")) //nolint:errcheck
		return
	}

	ctx := context.Background()
	if s.config.CancelOnDisconnect {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-ws.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	s.relayRun(ctx, ws, desc, req)
}

// --- GET /tool/list ---

type toolItem struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	IsWorkerRun bool   `json:"isWorkerRun"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	descs := s.catalog.List()
	items := make([]toolItem, 0, len(descs))
	for _, d := range descs {
		items = append(items, toolItem{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			IsWorkerRun: d.IsWorkerRun(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":   items,
		"version": s.catalog.Version(),
	})
}

// --- POST /tool/reload ---

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	v, err := s.version.Bump(r.Context())
	if err != nil {
		s.logger.Error("bumping catalog version", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Reload here too so the caller sees the new catalog without waiting for
	// the next poll; other hosts pick it up from the watcher.
	s.reloadScripts(r.Context(), v)
	writeJSON(w, http.StatusOK, map[string]any{
		"version": v,
		"tools":   len(s.catalog.List()),
	})
}

// --- GET /tool/runs ---

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErrorJSON(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.runLog.Recent(r.Context(), int64(limit))
	if err != nil {
		s.logger.Error("reading run log", "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// --- DELETE /tool/accesstoken ---

func (s *Server) handleRevokeAccessToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeErrorJSON(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.tokens.Revoke(r.Context(), body.Token); err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- GET /health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.redisClient.Ping(r.Context()).Err(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"workerMode":     s.executor.Mode(),
		"catalogVersion": s.catalog.Version(),
		"tools":          len(s.catalog.List()),
	})
}
