package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/chatlog"
	"github.com/companion-memory-kernel/internal/engine"
	"github.com/companion-memory-kernel/internal/focus"
	"github.com/companion-memory-kernel/internal/graph"
	"github.com/companion-memory-kernel/internal/jobs"
	"github.com/companion-memory-kernel/internal/jsonx"
	"github.com/companion-memory-kernel/internal/memory"
	"github.com/companion-memory-kernel/internal/profile"
	"github.com/companion-memory-kernel/internal/shortterm"
	"github.com/companion-memory-kernel/internal/trace"
)

type apiServer struct {
	engine    *engine.Engine
	memory    *memory.Engine
	decider   memory.Decider
	context   *shortterm.Store
	profile   *profile.Store
	focus     *focus.Store
	chatLog   *chatlog.Store
	traces    *trace.Store
	summaries *jobs.SummaryStore
	dailyJob  *jobs.DailyAnalysis
	logger    *zap.Logger
}

func (a *apiServer) routes(r *mux.Router) {
	// Chat surface.
	r.HandleFunc("/chat/{user_id}/interact", a.handleInteract).Methods("POST")
	r.HandleFunc("/chat/{user_id}/prepare", a.handlePrepare).Methods("POST")
	r.HandleFunc("/chat/{user_id}/complete", a.handleComplete).Methods("POST")
	r.HandleFunc("/chat/{user_id}/history", a.handleHistory).Methods("GET")
	r.HandleFunc("/chat/{user_id}/history", a.handleClearHistory).Methods("DELETE")
	r.HandleFunc("/chat/{user_id}/traces", a.handleRecentTraces).Methods("GET")
	r.HandleFunc("/chat/trace/{trace_id}", a.handleTrace).Methods("GET")

	// Short-term context.
	r.HandleFunc("/context/{user_id}", a.handleGetContext).Methods("GET")
	r.HandleFunc("/context/{user_id}", a.handleClearContext).Methods("DELETE")
	r.HandleFunc("/context/{user_id}/summary", a.handleClearSummary).Methods("DELETE")

	// Long-term memory.
	r.HandleFunc("/memory/{user_id}", a.handleAddMemory).Methods("POST")
	r.HandleFunc("/memory/{user_id}/smart", a.handleSmartStore).Methods("POST")
	r.HandleFunc("/memory/{user_id}/search", a.handleSearchMemory).Methods("GET")
	r.HandleFunc("/memory/{user_id}/all", a.handleAllMemory).Methods("GET")
	r.HandleFunc("/memory/{user_id}", a.handleClearMemory).Methods("DELETE")

	// Profile.
	r.HandleFunc("/profile/{user_id}", a.handleGetProfile).Methods("GET")
	r.HandleFunc("/profile/{user_id}/prompt", a.handleProfilePrompt).Methods("GET")
	r.HandleFunc("/profile/{user_id}/extract", a.handleExtractSlots).Methods("POST")
	r.HandleFunc("/profile/{user_id}/{slot}", a.handleUpdateSlot).Methods("PUT")
	r.HandleFunc("/profile/{user_id}", a.handleClearProfile).Methods("DELETE")

	// Focus and whispers.
	r.HandleFunc("/focus/{user_id}", a.handleListFocus).Methods("GET")
	r.HandleFunc("/focus/{user_id}", a.handleAddFocus).Methods("POST")
	r.HandleFunc("/focus/{user_id}/archive", a.handleArchiveFocus).Methods("POST")
	r.HandleFunc("/focus/{user_id}", a.handleClearFocus).Methods("DELETE")
	r.HandleFunc("/focus/{user_id}/whisper", a.handlePeekWhisper).Methods("GET")

	// Psychology batch.
	r.HandleFunc("/psychology/{user_id}/summaries", a.handleRecentSummaries).Methods("GET")
	r.HandleFunc("/jobs/daily-analysis", a.handleRunDaily).Methods("POST")

	r.HandleFunc("/health", a.handleHealth).Methods("GET")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	jsonx.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *apiServer) handleInteract(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req engine.InteractRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserQuery == "" {
		writeError(w, http.StatusBadRequest, "user_query is required")
		return
	}

	resp, err := a.engine.Interact(r.Context(), userID, req)
	if err != nil {
		a.logger.Error("interact failed", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *apiServer) handlePrepare(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req struct {
		Query string `json:"query"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := a.engine.Prepare(r.Context(), userID, req.Query)
	if err != nil {
		a.logger.Error("prepare failed", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		VirtualDate string `json:"virtual_date,omitempty"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msgs := make([]shortterm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, shortterm.Message{Role: m.Role, Content: m.Content})
	}

	if err := a.engine.Complete(r.Context(), userID, msgs, req.VirtualDate); err != nil {
		a.logger.Error("complete failed", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var beforeID int64
	if v := r.URL.Query().Get("before_id"); v != "" {
		beforeID, _ = strconv.ParseInt(v, 10, 64)
	}

	history, err := a.chatLog.History(r.Context(), userID, limit, beforeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"count":   len(history),
		"history": history,
	})
}

func (a *apiServer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := a.chatLog.Clear(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["trace_id"]

	t, err := a.traces.Get(r.Context(), traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *apiServer) handleRecentTraces(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	traces, err := a.traces.Recent(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"count":   len(traces),
		"traces":  traces,
	})
}

func (a *apiServer) handleGetContext(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	ctxData, err := a.context.GetContext(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ctxData)
}

func (a *apiServer) handleClearContext(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := a.context.Clear(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleClearSummary(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := a.context.ClearSummary(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req struct {
		Content       string `json:"content"`
		ReferenceTime string `json:"reference_time,omitempty"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	refTime := memory.ParseValidAt(req.ReferenceTime, time.Now())
	result, err := a.memory.AddEpisode(r.Context(), userID, req.Content, graph.SourceAPI, refTime)
	if err != nil {
		a.logger.Error("memory add failed", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleSmartStore(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req struct {
		Conversation  string `json:"conversation"`
		ReferenceTime string `json:"reference_time,omitempty"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil || req.Conversation == "" {
		writeError(w, http.StatusBadRequest, "conversation is required")
		return
	}

	refTime := memory.ParseValidAt(req.ReferenceTime, time.Now())
	result, err := a.memory.SmartStore(r.Context(), a.decider, userID, req.Conversation, refTime)
	if err != nil {
		a.logger.Error("smart store failed", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"stored": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stored": true, "result": result})
}

func (a *apiServer) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	result, err := a.memory.Search(r.Context(), userID, query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleAllMemory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	dump, err := a.memory.GetAll(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dump)
}

func (a *apiServer) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := a.memory.Clear(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	slots, err := a.profile.GetAll(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
}

func (a *apiServer) handleProfilePrompt(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	text, err := a.profile.PromptText(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": text})
}

func (a *apiServer) handleExtractSlots(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req struct {
		Conversation string `json:"conversation"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil || req.Conversation == "" {
		writeError(w, http.StatusBadRequest, "conversation is required")
		return
	}

	result, err := a.profile.ExtractSlots(r.Context(), userID, req.Conversation)
	if err != nil {
		a.logger.Error("slot extraction failed", zap.String("user", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *apiServer) handleUpdateSlot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, slot := vars["user_id"], vars["slot"]

	var req struct {
		Value interface{} `json:"value"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.profile.UpdateSlot(r.Context(), userID, slot, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleClearProfile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := a.profile.Clear(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleListFocus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	items, err := a.focus.ActiveFocus(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"focus": items})
}

func (a *apiServer) handleAddFocus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req struct {
		Content      string `json:"content"`
		ExpectedDate string `json:"expected_date,omitempty"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := a.focus.AddFocus(r.Context(), userID, req.Content, req.ExpectedDate); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handleArchiveFocus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	var req struct {
		Content string `json:"content"`
	}
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	archived, err := a.focus.Archive(r.Context(), userID, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": archived})
}

func (a *apiServer) handleClearFocus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if err := a.focus.ClearAll(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *apiServer) handlePeekWhisper(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	whisper, err := a.focus.PeekWhisper(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"whisper": whisper})
}

func (a *apiServer) handleRecentSummaries(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}

	summaries, err := a.summaries.Recent(r.Context(), userID, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"count":     len(summaries),
		"summaries": summaries,
	})
}

func (a *apiServer) handleRunDaily(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date,omitempty"`
	}
	jsonx.NewDecoder(r.Body).Decode(&req)

	day := time.Now().AddDate(0, 0, -1)
	if req.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	go a.dailyJob.RunForDay(context.Background(), day)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "analysis started",
		"date":   day.Format("2006-01-02"),
	})
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
