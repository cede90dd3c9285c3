package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/fault"
)

type chatBody struct {
	Message     string           `json:"message"`
	SessionID   string           `json:"session_id"`
	History     []core.Message   `json:"history,omitempty"`
	Constraints core.Constraints `json:"constraints,omitempty"`
}

type searchBody struct {
	Query      string             `json:"query"`
	MaxResults int                `json:"max_results,omitempty"`
	Filters    core.SearchFilters `json:"filters,omitempty"`
}

type researchBody struct {
	Question string             `json:"research_question"`
	Depth    core.ResearchDepth `json:"depth,omitempty"`
}

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	CorrelationID     string `json:"correlation_id"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindValidation, err))
		return false
	}
	return true
}

func (s *Server) newRequest(r *http.Request, task core.TaskType) *core.Request {
	id := identityFrom(r.Context())
	return &core.Request{
		ID:       correlationIDFrom(r.Context()),
		UserID:   id.UserID,
		Tier:     id.Tier,
		TaskType: task,
		Received: time.Now(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

// writeError maps a fault kind to its status and a safe client message. A
// cancelled request gets no body; the connection is already gone.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	if kind == fault.KindCancelled {
		return
	}

	corrID := correlationIDFrom(r.Context())
	body := errorBody{
		Error:         string(kind),
		Message:       fault.SafeMessage(kind),
		CorrelationID: corrID,
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.RetryAfterSeconds > 0 {
		body.RetryAfterSeconds = fe.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(fe.RetryAfterSeconds))
	}

	status := fault.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"correlation_id", corrID, "path", r.URL.Path, "kind", kind, "error", err)
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleChatComplete(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if !s.decode(w, r, &body) {
		return
	}

	req := s.newRequest(r, core.TaskChat)
	req.Message = body.Message
	req.SessionID = body.SessionID
	req.History = body.History
	req.Constraints = body.Constraints

	resp, err := s.orch.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// streamFrame is one NDJSON line of a streaming response: deltas first, then
// a single done frame carrying the summary.
type streamFrame struct {
	Delta   string         `json:"delta,omitempty"`
	Done    bool           `json:"done"`
	Summary *core.Response `json:"summary,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if !s.decode(w, r, &body) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fault.New(fault.KindInternal, "response writer does not support streaming"))
		return
	}

	req := s.newRequest(r, core.TaskChat)
	req.Message = body.Message
	req.SessionID = body.SessionID
	req.History = body.History
	req.Constraints = body.Constraints

	enc := json.NewEncoder(w)
	headerSent := false
	emit := func(c core.Chunk) error {
		if !headerSent {
			w.Header().Set("Content-Type", "application/x-ndjson")
			headerSent = true
		}
		if err := enc.Encode(streamFrame{Delta: c.Delta}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	resp, err := s.orch.Stream(r.Context(), req, emit)
	if err != nil {
		// Until the first chunk the response is still a clean slate and can
		// carry a proper error status.
		if !headerSent {
			s.writeError(w, r, err)
		}
		return
	}

	if !headerSent {
		w.Header().Set("Content-Type", "application/x-ndjson")
	}
	enc.Encode(streamFrame{Done: true, Summary: resp})
	flusher.Flush()
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if !s.decode(w, r, &body) {
		return
	}

	req := s.newRequest(r, core.TaskSearch)
	req.Query = body.Query
	req.MaxResults = body.MaxResults
	req.Filters = body.Filters

	resp, err := s.orch.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var body researchBody
	if !s.decode(w, r, &body) {
		return
	}

	req := s.newRequest(r, core.TaskResearch)
	req.Question = body.Question
	req.Depth = body.Depth
	if req.Depth == "" {
		req.Depth = core.DepthStandard
	}

	resp, err := s.orch.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleHealthReady reports ready only with at least one healthy backend.
// L2 cache availability deliberately does not gate readiness.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no healthy backend"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{}, len(s.stats))
	for name, source := range s.stats {
		out[name] = source()
	}
	s.writeJSON(w, http.StatusOK, out)
}
