package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/threadworks/loom/internal/config"
	"github.com/threadworks/loom/internal/continuation"
	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/engine"
	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/recall"
	"github.com/threadworks/loom/internal/stream"
	"github.com/threadworks/loom/internal/summarize"
	"github.com/threadworks/loom/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.LogLevel)

	agent := transport.NewClient(cfg.Agent)
	eng := engine.New(engine.Options{
		Transport:  agent,
		Confirmer:  agent,
		Metadata:   agent,
		Summarizer: summarize.NewClient(cfg.Summarizer),
		Recall: recall.NewStore(recall.Options{
			Path:    cfg.Recall.Path,
			MaxRows: cfg.Recall.MaxRows,
			TTL:     cfg.Recall.TTL,
		}),
		WorkingDirectory: cfg.Agent.WorkingDirectory,
	})
	defer eng.Close()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		switch err := eng.Send(r.Context(), req.Text); {
		case errors.Is(err, engine.ErrEmptyMessage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, stream.ErrExchangeInFlight):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	})

	mux.HandleFunc("GET /messages", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Messages any    `json:"messages"`
			Loading  bool   `json:"loading"`
			Error    string `json:"error,omitempty"`
		}{Messages: eng.Messages(), Loading: eng.IsLoading()}
		if err := eng.Err(); err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, r *http.Request) {
		eng.Stop()
		writeJSON(w, struct {
			RestoredInput string `json:"restored_input,omitempty"`
		}{RestoredInput: eng.TakeRestoredInput()})
	})

	mux.HandleFunc("POST /retry", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.Retry(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			Conversation []string `json:"conversation"`
			Recall       []string `json:"recall"`
		}{
			Conversation: eng.CommandHistory(),
			Recall:       eng.RecallHistory(0),
		})
	})

	mux.HandleFunc("GET /confirmations", func(w http.ResponseWriter, r *http.Request) {
		id, ok := eng.InteractiveConfirmation()
		writeJSON(w, struct {
			ID          string `json:"id,omitempty"`
			Interactive bool   `json:"interactive"`
		}{ID: id, Interactive: ok})
	})

	mux.HandleFunc("POST /confirmations", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string `json:"id"`
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := eng.Confirm(r.Context(), req.ID, correlate.Decision(req.Action)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		state, ok := eng.RequestStatus(id)
		if !ok {
			http.Error(w, "unknown request id", http.StatusNotFound)
			return
		}
		writeJSON(w, struct {
			State    correlate.RequestState      `json:"state"`
			Logs     []correlate.LogPayload      `json:"logs,omitempty"`
			Progress []correlate.ProgressPayload `json:"progress,omitempty"`
		}{State: state, Logs: eng.Logs(id), Progress: eng.Progress(id)})
	})

	mux.HandleFunc("POST /summarize", func(w http.ResponseWriter, r *http.Request) {
		eng.RequestSummarization()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /summary", func(w http.ResponseWriter, r *http.Request) {
		id, state := eng.Summarization()
		resp := struct {
			ID    string `json:"id,omitempty"`
			State string `json:"state"`
			Text  string `json:"text,omitempty"`
			Error string `json:"error,omitempty"`
		}{ID: id, State: string(state), Text: eng.SummaryText(id)}
		if err := eng.SummaryErr(id); err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("POST /summary/retry", func(w http.ResponseWriter, r *http.Request) {
		id, _ := eng.Summarization()
		eng.RetrySummarization(id)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("PUT /summary", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		id, _ := eng.Summarization()
		eng.EditSummary(id, req.Text)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /summary/accept", func(w http.ResponseWriter, r *http.Request) {
		id, _ := eng.Summarization()
		if !eng.AcceptSummary(id) {
			http.Error(w, "no summary ready to accept", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sessionView(eng, eng.Tokens()))
	})

	mux.HandleFunc("POST /session/refresh", func(w http.ResponseWriter, r *http.Request) {
		tokens, err := eng.RefreshTokens(r.Context())
		if err != nil {
			logger.L.Warn("token refresh failed", "error", err)
		}
		writeJSON(w, sessionView(eng, tokens))
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting gateway", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		logger.L.Error("failed to start gateway", "error", err)
	}
}

type session struct {
	SessionID       string                       `json:"session_id"`
	RolloverPending bool                         `json:"rollover_pending"`
	Tokens          continuation.SessionMetadata `json:"tokens"`
}

func sessionView(eng *engine.Engine, tokens continuation.SessionMetadata) session {
	return session{
		SessionID:       eng.SessionID(),
		RolloverPending: eng.RolloverPending(),
		Tokens:          tokens,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}
