package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/KevinDyerAU/NytroAI-sub008/repository"
)

type startSessionRequest struct {
	UnitID              string   `json:"unit_id"`
	DocumentIDs         []string `json:"document_ids"`
	ExpectedResultCount int      `json:"expected_result_count"`
}

type operationStatusRequest struct {
	Status string `json:"status"`
}

type upsertResultRequest struct {
	RequirementID string   `json:"requirement_id"`
	Status        string   `json:"status"`
	Evidence      string   `json:"evidence"`
	Citations     []string `json:"citations"`
}

// handleSessionAPI routes /session/... requests:
//
//	POST   /session/start
//	GET    /session/{id}/status
//	GET    /session/{id}/events
//	POST   /session/{id}/result
//	DELETE /session/{id}/result/{requirementId}
//	POST   /session/{id}/results/complete
//	POST   /session/{id}/retry
func (ws *WebServer) handleSessionAPI(w http.ResponseWriter, r *http.Request) {
	requestID, err := generateRequestID()
	if err != nil {
		JSONError(w, "Internal Server Error", http.StatusInternalServerError)
		ws.logger.Error("Failed to generate request ID", "err", err)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		JSONError(w, "Invalid session path", http.StatusBadRequest)
		return
	}

	if parts[1] == "start" && len(parts) == 2 {
		if r.Method != http.MethodPost {
			JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ws.handleStartSession(w, r, requestID)
		return
	}

	sessionID := parts[1]
	action := strings.Join(parts[2:], "/")

	switch {
	case action == "status" && r.Method == http.MethodGet:
		ws.handleSessionStatus(w, sessionID)
	case action == "events" && r.Method == http.MethodGet:
		ws.handleSessionEvents(w, r, sessionID)
	case action == "result" && r.Method == http.MethodPost:
		ws.handleUpsertResult(w, r, sessionID, requestID)
	case strings.HasPrefix(action, "result/") && r.Method == http.MethodDelete:
		ws.handleDeleteResult(w, sessionID, strings.TrimPrefix(action, "result/"))
	case action == "results/complete" && r.Method == http.MethodPost:
		ws.handleResultsComplete(w, sessionID)
	case action == "retry" && r.Method == http.MethodPost:
		ws.handleRetry(w, r, sessionID)
	default:
		JSONError(w, "Not found", http.StatusNotFound)
	}
}

// handleOperationAPI routes POST /operation/{id}/status, the inbound call
// from the indexing collaborator.
func (ws *WebServer) handleOperationAPI(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[2] != "status" {
		JSONError(w, "Invalid operation path", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	operationID := parts[1]

	var req operationStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Failed to parse request body: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	completion, repoErr := ws.orch.HandleOperationUpdate(r.Context(), operationID, req.Status)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"operation_id": operationID,
		"session_id":   completion.SessionID,
		"all_done":     completion.AllDone,
		"any_failed":   completion.AnyFailed,
		"total":        completion.Total,
		"completed":    completion.Completed,
		"failed":       completion.Failed,
	})
}

func (ws *WebServer) handleStartSession(w http.ResponseWriter, r *http.Request, requestID string) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Failed to parse request body: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if req.UnitID == "" || len(req.DocumentIDs) == 0 {
		JSONError(w, "unit_id and document_ids are required", http.StatusBadRequest)
		return
	}

	session, repoErr := ws.orch.StartSession(req.UnitID, req.DocumentIDs, req.ExpectedResultCount)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}

	operationIDs := make([]string, 0, len(session.Operations))
	for _, op := range session.Operations {
		operationIDs = append(operationIDs, op.ID)
	}
	ws.logger.Info("Session started", "request", requestID, "session", session.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":    session.ID,
		"status":        session.Status,
		"operation_ids": operationIDs,
	})
}

func (ws *WebServer) handleSessionStatus(w http.ResponseWriter, sessionID string) {
	snap, repoErr := ws.orch.Status(sessionID)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSessionEvents streams snapshots over server-sent events. The current
// snapshot is sent first, so a reconnecting client resyncs before consuming
// pushed updates.
func (ws *WebServer) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	snap, ch, cancel, repoErr := ws.orch.Subscribe(sessionID)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(s repository.SessionStatusSnapshot) bool {
		data, err := json.Marshal(s)
		if err != nil {
			ws.logger.Error("Failed to encode snapshot", "session", sessionID, "err", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(*snap) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case s, open := <-ch:
			if !open {
				return
			}
			if !writeEvent(s) {
				return
			}
		}
	}
}

func (ws *WebServer) handleUpsertResult(w http.ResponseWriter, r *http.Request, sessionID, requestID string) {
	var req upsertResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Failed to parse request body: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if req.RequirementID == "" {
		JSONError(w, "requirement_id is required", http.StatusBadRequest)
		return
	}

	snap, repoErr := ws.orch.HandleResultUpsert(sessionID, req.RequirementID, req.Status, req.Evidence, req.Citations)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}
	ws.logger.Info("Result recorded", "request", requestID, "session", sessionID, "requirement", req.RequirementID)
	writeJSON(w, http.StatusOK, snap)
}

func (ws *WebServer) handleDeleteResult(w http.ResponseWriter, sessionID, requirementID string) {
	if requirementID == "" {
		JSONError(w, "requirement id is required", http.StatusBadRequest)
		return
	}
	snap, repoErr := ws.orch.HandleResultDelete(sessionID, requirementID)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (ws *WebServer) handleResultsComplete(w http.ResponseWriter, sessionID string) {
	snap, repoErr := ws.orch.HandleResultsComplete(sessionID)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (ws *WebServer) handleRetry(w http.ResponseWriter, r *http.Request, sessionID string) {
	if repoErr := ws.orch.RetryValidation(r.Context(), sessionID); repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}
	snap, repoErr := ws.orch.Status(sessionID)
	if repoErr != nil {
		ws.writeRepositoryError(w, repoErr)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (ws *WebServer) writeRepositoryError(w http.ResponseWriter, repoErr *repository.RepositoryError) {
	status := http.StatusInternalServerError
	switch repoErr.Code {
	case repository.ErrCodeEntityNotFound:
		status = http.StatusNotFound
	case repository.ErrCodeInvalidTransition, repository.ErrCodeInvalidState:
		status = http.StatusConflict
	case repository.ErrCodeInvalidStatus:
		status = http.StatusBadRequest
	}
	JSONError(w, repoErr.Message+": "+repoErr.Detail, status)
}
