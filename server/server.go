package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/KevinDyerAU/NytroAI-sub008/orchestrator"
)

// WebServer handles HTTP requests from the indexing collaborator, the
// AI-validation collaborator, and dashboard pollers/subscribers.
type WebServer struct {
	httpAddr  string
	server    *http.Server
	logger    cmtlog.Logger
	orch      *orchestrator.Orchestrator
	startTime time.Time
}

// NewWebServer creates a new web server
func NewWebServer(httpPort string, orch *orchestrator.Orchestrator, logger cmtlog.Logger) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		logger:    logger,
		orch:      orch,
		startTime: time.Now(),
	}

	// Register routes
	mux.HandleFunc("/", ws.handleRoot)
	// Session Endpoints
	mux.HandleFunc("/session/", ws.handleSessionAPI)
	// Operation Endpoints
	mux.HandleFunc("/operation/", ws.handleOperationAPI)

	return ws
}

// Handler exposes the route table for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start starts the web server
func (ws *WebServer) Start() {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot reports service liveness and uptime.
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "validation-core",
		"status":  "online",
		"uptime":  time.Since(ws.startTime).String(),
	})
}

func generateRequestID() (string, error) {
	bytes := make([]byte, 16)
	_, err := rand.Read(bytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(body)
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(jsonBytes)
}
