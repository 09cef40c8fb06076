package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/pithecene-io/tributary/multiplex"
	"github.com/pithecene-io/tributary/replay"
	"github.com/pithecene-io/tributary/runtime"
	"github.com/pithecene-io/tributary/threadlog"
	"github.com/pithecene-io/tributary/types"
	"github.com/pithecene-io/tributary/validate"
)

const (
	// maxRequestBody bounds JSON request bodies.
	maxRequestBody = 4 << 20
	// reservedThreadID partitions process metrics in lode storage.
	reservedThreadID = "_process"
)

// ChatRequest starts one turn on each named thread. An empty ThreadIDs
// starts a single new thread.
type ChatRequest struct {
	ThreadIDs []string `json:"threadIds"`
	Input     any      `json:"input"`
	// Turn applies to every named thread. Optional.
	Turn int `json:"turn,omitempty"`
}

// HaltRequest names the thread to stop.
type HaltRequest struct {
	ThreadID string `json:"threadId"`
}

// HaltResponse reports whether a running thread was found.
type HaltResponse struct {
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// Halt statuses.
const (
	HaltCancelled = "cancelled"
	HaltNotFound  = "not_found"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids := req.ThreadIDs
	if len(ids) == 0 {
		ids = []string{uuid.NewString()}
	}
	if err := checkThreadIDs(ids); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Turn < 0 {
		writeError(w, http.StatusBadRequest, errors.New("turn must not be negative"))
		return
	}
	// Held until the stream ends so a concurrent request for the same
	// thread is refused before its scope registers.
	release, err := s.tasks.Reserve(ids...)
	if err != nil {
		writeError(w, http.StatusConflict, fmt.Errorf("thread already running: %w", err))
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sources := make([]multiplex.Source, 0, len(ids))
	for _, id := range ids {
		stream, err := s.config.Streams(r.Context(), ThreadRequest{ThreadID: id, Turn: req.Turn, Input: req.Input})
		if err != nil {
			s.logger.Error("failed to prepare thread", map[string]any{
				"thread_id": id,
				"error":     err.Error(),
			})
			writeError(w, http.StatusInternalServerError, fmt.Errorf("prepare thread %s: %w", id, err))
			return
		}
		sources = append(sources, multiplex.Source{ID: id, Stream: s.scoped(id, stream)})
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stats, err := s.mux.Run(r.Context(), sources, func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	fields := map[string]any{
		"threads": len(ids),
		"frames":  stats.Frames,
		"errors":  len(stats.Errors),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("chat stream ended early", fields)
		return
	}
	s.logger.Info("chat stream complete", fields)
}

// scoped runs stream as a registered task keyed by thread id so that it
// can be halted. A halt ends the thread like a normal finish.
func (s *Server) scoped(threadID string, stream multiplex.Stream) multiplex.Stream {
	return func(ctx context.Context, emit func(types.Event) error) error {
		err := s.scope.Run(ctx, threadID, func(taskCtx context.Context) error {
			return stream(taskCtx, emit)
		})
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			s.logger.Info("thread halted", map[string]any{"thread_id": threadID})
			return nil
		}
		return err
	}
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, errors.New("threadId is required"))
		return
	}

	if !s.tasks.Cancel(req.ThreadID) {
		writeJSON(w, http.StatusNotFound, HaltResponse{ThreadID: req.ThreadID, Status: HaltNotFound})
		return
	}
	s.logger.Info("halt requested", map[string]any{"thread_id": req.ThreadID})
	writeJSON(w, http.StatusOK, HaltResponse{ThreadID: req.ThreadID, Status: HaltCancelled})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": types.Version,
		"threads": s.tasks.Keys(),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.config.Loader == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no thread store configured"))
		return
	}
	id, ok := pathThreadID(w, r)
	if !ok {
		return
	}
	raw, err := s.config.Loader.Load(r.Context(), id)
	if err != nil {
		writeLoadError(w, err)
		return
	}
	_, events := threadlog.SplitBlueprint(raw)
	result := validate.Validate(events, validate.Options{Strict: s.config.StrictValidation})
	s.collector.IncValidation(result.Success)
	writeJSON(w, http.StatusOK, result)
}

// stateResponse is the JSON view of a loaded thread.
type stateResponse struct {
	ThreadID   string          `json:"thread_id"`
	Blueprint  map[string]any  `json:"blueprint,omitempty"`
	EventCount int             `json:"event_count"`
	Validation validate.Result `json:"validation"`
	Replay     *replay.Result  `json:"replay,omitempty"`
	Components map[string]any  `json:"components,omitempty"`
}

// snapshotter is implemented by replay components that can report state.
type snapshotter interface {
	EventSourcePrefix() string
	State() map[string]map[string]any
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.config.Loader == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no thread store configured"))
		return
	}
	id, ok := pathThreadID(w, r)
	if !ok {
		return
	}
	cfg := runtime.LoadConfig{
		Loader:    s.config.Loader,
		Strict:    s.config.StrictValidation,
		Logger:    s.logger,
		Collector: s.collector,
	}
	if s.config.Components != nil {
		cfg.Components = s.config.Components()
	}

	state, err := runtime.LoadThread(r.Context(), id, cfg)
	if err != nil {
		writeLoadError(w, err)
		return
	}

	resp := stateResponse{
		ThreadID:   state.ThreadID,
		EventCount: len(state.Events),
		Validation: state.Validation,
	}
	if state.Blueprint != nil {
		resp.Blueprint = state.Blueprint.Flatten()
	}
	if state.Replay != nil {
		resp.Replay = state.Replay
		resp.Components = make(map[string]any)
		for _, c := range cfg.Components {
			if snap, ok := c.(snapshotter); ok {
				resp.Components[snap.EventSourcePrefix()] = snap.State()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func checkThreadIDs(ids []string) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if err := threadlog.CheckID(id); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("duplicate thread id %q", id)
		}
		seen[id] = true
	}
	if slices.Contains(ids, reservedThreadID) {
		return fmt.Errorf("thread id %q is reserved", reservedThreadID)
	}
	return nil
}

// pathThreadID reads the {id} route value. The mux has already decoded
// escapes such as %2F, so the id is checked before it reaches storage.
func pathThreadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := threadlog.CheckID(id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, runtime.ErrThreadNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
