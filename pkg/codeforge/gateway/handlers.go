package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/codeforge/pkg/codeforge/builder"
	"github.com/jholhewres/codeforge/pkg/codeforge/events"
	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
	"github.com/jholhewres/codeforge/pkg/codeforge/history"
)

// ProvenanceAPI marks files posted directly to /api/apply.
const ProvenanceAPI = "api"

// errorResponse is the consistent error format.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// applyRequest carries either explicit files or raw model output to parse.
type applyRequest struct {
	Files []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
	Code string `json:"code"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	g.writeJSON(w, code, errorResponse{Error: errorBody{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	families := []string{}
	if g.deps.Families != nil {
		families = g.deps.Families()
		sort.Strings(families)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  g.version,
		"uptime":   uptime,
		"families": families,
		"history":  g.deps.History != nil,
	})
}

// handleGenerate implements POST /api/generate. The response is an SSE
// stream of the run's events ending with complete or error.
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.deps.Generator == nil {
		g.writeError(w, "generation is not configured", http.StatusServiceUnavailable)
		return
	}
	var req builder.Request
	if !g.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		g.writeError(w, "prompt is required", http.StatusBadRequest)
		return
	}

	runID := g.startRun(r, history.Run{Kind: "generate", Prompt: req.Prompt, Family: req.Family})
	stream := g.openStream(w, runID)
	defer stream.close()

	if _, err := g.deps.Generator.Run(r.Context(), req, g.deps.Bus.Emitter(runID)); err != nil {
		g.logger.Warn("generation ended without result",
			"run_id", runID,
			"cancelled", builder.IsCancelled(err),
			"error", err,
		)
	}
}

// handleApply implements POST /api/apply for files produced elsewhere.
func (g *Gateway) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.deps.Applier == nil {
		g.writeError(w, "apply is not configured", http.StatusServiceUnavailable)
		return
	}
	var req applyRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	var files []extract.File
	for _, f := range req.Files {
		if strings.TrimSpace(f.Path) == "" {
			g.writeError(w, "every file needs a path", http.StatusBadRequest)
			return
		}
		files = append(files, extract.NewFile(f.Path, f.Content, ProvenanceAPI))
	}
	if req.Code != "" {
		parsed, _ := extract.ExtractAll(req.Code)
		files = append(files, parsed...)
	}

	runID := g.startRun(r, history.Run{Kind: "apply"})
	stream := g.openStream(w, runID)
	defer stream.close()

	g.deps.Applier.Apply(r.Context(), files, g.deps.Bus.Emitter(runID))
}

// handleListRuns implements GET /api/runs?limit=N
func (g *Gateway) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.deps.History == nil {
		g.writeError(w, "history is disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			g.writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	runs, err := g.deps.History.List(r.Context(), limit)
	if err != nil {
		g.logger.Error("list runs failed", "error", err)
		g.writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunByID implements GET /api/runs/{id}
func (g *Gateway) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.deps.History == nil {
		g.writeError(w, "history is disabled", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" || strings.Contains(id, "/") {
		g.writeError(w, "not found", http.StatusNotFound)
		return
	}
	run, err := g.deps.History.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		g.writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("get run failed", "run_id", id, "error", err)
		g.writeError(w, "failed to load run", http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, run)
}

// startRun allocates a run ID and records the run when history is on.
func (g *Gateway) startRun(r *http.Request, run history.Run) string {
	run.ID = builder.NewRunID()
	if g.deps.History != nil {
		if err := g.deps.History.StartRun(r.Context(), run); err != nil {
			g.logger.Warn("failed to record run start", "run_id", run.ID, "error", err)
		}
	}
	return run.ID
}

// sseStream forwards one run's bus events to an SSE response. Events are
// emitted on the handler goroutine, so writes never race.
type sseStream struct {
	unsubscribe func()
}

func (s *sseStream) close() { s.unsubscribe() }

func (g *Gateway) openStream(w http.ResponseWriter, runID string) *sseStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-ID", runID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	unsubscribe := g.deps.Bus.SubscribeRun(runID, func(e events.Event) {
		frame, err := e.SSE()
		if err != nil {
			g.logger.Error("encode event", "run_id", runID, "error", err)
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	})
	return &sseStream{unsubscribe: unsubscribe}
}
