// Package api: request handlers for the chat, session, and speech endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"

	"github.com/aicall/server/internal/models"
)

// maxAudioUploadBytes bounds speech-to-text uploads.
const maxAudioUploadBytes = 25 << 20

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatHandler: processing chat request", "method", r.Method, "path", r.URL.Path)

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeServiceError(w, "chatHandler", err)
		return
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Message))

	reply, err := s.client.GenerateWithMessages(r.Context(), messages, "")
	if err != nil {
		writeServiceError(w, "chatHandler", err)
		return
	}

	slog.Info("Server.chatHandler: one-shot chat completed", "reply_length", len(reply))
	writeJSONResponse(w, http.StatusOK, models.Success(models.ChatResult{
		Reply: reply,
		Model: s.client.DefaultModel(),
	}))
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	flowType, err := models.ParseFlowType(r.PathValue("flow"))
	if err != nil {
		writeServiceError(w, "startSessionHandler", err)
		return
	}

	var req models.SessionStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.startSessionHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	}

	result, err := s.manager.Start(r.Context(), flowType, req)
	if err != nil {
		writeServiceError(w, "startSessionHandler", err)
		return
	}

	slog.Info("Server.startSessionHandler: session started", "flow_type", flowType, "session_id", result.SessionID)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) continueSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	flowType, err := models.ParseFlowType(r.PathValue("flow"))
	if err != nil {
		writeServiceError(w, "continueSessionHandler", err)
		return
	}
	sessionID := r.PathValue("id")

	var req models.SessionContinueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.continueSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeServiceError(w, "continueSessionHandler", err)
		return
	}

	result, err := s.manager.Continue(r.Context(), flowType, sessionID, req.Message)
	if err != nil {
		writeServiceError(w, "continueSessionHandler", err)
		return
	}

	slog.Info("Server.continueSessionHandler: turn completed", "flow_type", flowType, "session_id", sessionID, "step", result.Step)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	flowType, err := models.ParseFlowType(r.PathValue("flow"))
	if err != nil {
		writeServiceError(w, "listSessionsHandler", err)
		return
	}

	sessions, err := s.manager.List(r.Context(), flowType)
	if err != nil {
		writeServiceError(w, "listSessionsHandler", err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sessions))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := models.ParseFlowType(r.PathValue("flow")); err != nil {
		writeServiceError(w, "getSessionHandler", err)
		return
	}

	record, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(record))
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := models.ParseFlowType(r.PathValue("flow")); err != nil {
		writeServiceError(w, "summaryHandler", err)
		return
	}

	result, err := s.renderer.Generate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "summaryHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) carryoverHandler(w http.ResponseWriter, r *http.Request) {
	flowType, err := models.ParseFlowType(r.PathValue("flow"))
	if err != nil {
		writeServiceError(w, "carryoverHandler", err)
		return
	}
	// Only the task-check flow produces a carryover selection.
	if flowType != models.FlowTypeTaskCheck {
		slog.Warn("Server.carryoverHandler: carryover requested for non task-check flow", "flow_type", flowType)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("flow %q has no carryover", flowType)))
		return
	}

	result, err := s.manager.Carryover(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "carryoverHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := models.ParseFlowType(r.PathValue("flow")); err != nil {
		writeServiceError(w, "deleteSessionHandler", err)
		return
	}
	sessionID := r.PathValue("id")

	// Verify existence first so deleting an unknown session reports 404.
	if _, err := s.manager.Get(r.Context(), sessionID); err != nil {
		writeServiceError(w, "deleteSessionHandler", err)
		return
	}
	if err := s.manager.Delete(r.Context(), sessionID); err != nil {
		writeServiceError(w, "deleteSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted", nil))
}

func (s *Server) speechToTextHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.transcriber == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Speech-to-text is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		slog.Warn("Server.speechToTextHandler: audio file missing", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Audio file upload required in field 'audio'"))
		return
	}
	defer file.Close()

	if contentType := header.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "audio/") {
		slog.Warn("Server.speechToTextHandler: non-audio upload rejected", "content_type", contentType)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Uploaded file must be audio"))
		return
	}

	text, err := s.transcriber.TranscribeAudio(r.Context(), file, header.Filename)
	if err != nil {
		writeServiceError(w, "speechToTextHandler", err)
		return
	}

	slog.Info("Server.speechToTextHandler: transcription completed", "filename", header.Filename, "text_length", len(text))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"text": text}))
}

// textToSpeechRequest is the body of POST /speech/text-to-speech.
type textToSpeechRequest struct {
	Text    string `json:"text"`
	Speaker int    `json:"speaker,omitempty"`
}

func (s *Server) textToSpeechHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.synthesizer == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Text-to-speech is not configured"))
		return
	}

	var req textToSpeechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.textToSpeechHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	audio, err := s.synthesizer.Synthesize(r.Context(), req.Text, req.Speaker)
	if err != nil {
		writeServiceError(w, "textToSpeechHandler", err)
		return
	}

	slog.Info("Server.textToSpeechHandler: synthesis completed", "text_length", len(req.Text), "audio_bytes", len(audio))
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "attachment; filename=speech.wav")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		slog.Error("Server.textToSpeechHandler: failed to write audio response", "error", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
