package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"csv-inspector/internal/interp"
	"csv-inspector/internal/protocol"
	"csv-inspector/internal/transcript"
)

type createSessionRequest struct {
	Label string `json:"label"`
}

type submitScriptRequest struct {
	Script *string `json:"script"`
}

type submitScriptResponse struct {
	RunID string `json:"runId"`
}

// replayedEvent is an interpreter event tagged with its kind.
type replayedEvent struct {
	Kind  interp.Kind  `json:"kind"`
	Event interp.Event `json:"event"`
}

type runResponse struct {
	Run    transcript.Run    `json:"run"`
	Lines  []transcript.Line `json:"lines"`
	Events []replayedEvent   `json:"events"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

// writeManagerError reports err with the status matching its sentinel.
func writeManagerError(w http.ResponseWriter, err error, fallback string) {
	code, status := errorCode(err, fallback)
	writeError(w, status, code, err.Error())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
			return
		}
	}

	sess, err := s.createSession(req.Label)
	if err != nil {
		writeManagerError(w, err, protocol.ErrSpawnFailed)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionMgr.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.Get(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSubmitScript(w http.ResponseWriter, r *http.Request) {
	var req submitScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "invalid request body")
		return
	}
	if req.Script == nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "script is required")
		return
	}

	runID, err := s.sessionMgr.Submit(r.PathValue("id"), *req.Script)
	if err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}
	writeJSON(w, http.StatusAccepted, submitScriptResponse{RunID: runID})
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.restartSession(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err, protocol.ErrSpawnFailed)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.killSession(r.PathValue("id")); err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	after := 0
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "after must be an integer")
			return
		}
		after = n
	}

	records, err := s.sessionMgr.History(r.PathValue("id"), after)
	if err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}
	msgs := make([]*protocol.Message, 0, len(records))
	for _, rec := range records {
		if msg := s.recordMessage(rec); msg != nil {
			msgs = append(msgs, msg)
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeError(w, http.StatusNotImplemented, protocol.ErrInternal, "transcripts are disabled")
		return
	}
	id := r.PathValue("id")
	if _, err := s.sessionMgr.Get(id); err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}

	runs, err := s.transcripts.Runs(id)
	if err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeError(w, http.StatusNotImplemented, protocol.ErrInternal, "transcripts are disabled")
		return
	}
	id := r.PathValue("id")

	run, err := s.transcripts.Run(id)
	if err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}
	lines, err := s.transcripts.Lines(id)
	if err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}

	resp := runResponse{Run: run, Lines: lines, Events: []replayedEvent{}}
	err = s.transcripts.Replay(id, interp.SinkFunc(func(ev interp.Event) {
		resp.Events = append(resp.Events, replayedEvent{Kind: ev.Kind(), Event: ev})
	}))
	if err != nil {
		writeManagerError(w, err, protocol.ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
