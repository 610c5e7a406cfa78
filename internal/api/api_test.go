package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/aicall/server/internal/flow"
	"github.com/aicall/server/internal/genai"
	"github.com/aicall/server/internal/models"
	"github.com/aicall/server/internal/session"
	"github.com/aicall/server/internal/store"
	"github.com/aicall/server/internal/summary"
)

// stubClient is a scripted genai.ClientInterface for handler tests.
type stubClient struct {
	responses  []string
	err        error
	transcript string
	calls      int
}

func (c *stubClient) next() (string, error) {
	if c.err != nil {
		return "", c.err
	}
	idx := c.calls
	c.calls++
	if idx < len(c.responses) {
		return c.responses[idx], nil
	}
	return "わかったで！", nil
}

func (c *stubClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error) {
	return c.next()
}

func (c *stubClient) GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error) {
	return c.next()
}

func (c *stubClient) TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.transcript, nil
}

func (c *stubClient) DefaultModel() string    { return "test/chat-model" }
func (c *stubClient) ClassifierModel() string { return "test/classifier-model" }
func (c *stubClient) SummaryModel() string    { return "test/summary-model" }

func newTestServer(t *testing.T, client *stubClient) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	registry := flow.NewDefaultRegistry(flow.NewYesNoClassifier(nil), flow.NewCarryoverClassifier(nil))
	manager := session.NewManager(st, client, registry, nil)
	renderer := summary.NewRenderer(st, nil)
	return NewServer(client, manager, renderer, nil, client), st
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) models.APIResponse {
	t.Helper()
	var envelope models.APIResponse
	if err := json.Unmarshal(body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v (%s)", err, body.String())
	}
	return envelope
}

func TestChatHandler(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{responses: []string{"こんにちは！"}})
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"やあ"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec.Body)
	if envelope.Status != string(models.APIStatusOK) {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestChatHandlerEmptyMessage(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatHandlerUpstreamErrorPassthrough(t *testing.T) {
	client := &stubClient{err: &genai.UpstreamError{StatusCode: http.StatusTooManyRequests, Body: "rate limited"}}
	server, _ := newTestServer(t, client)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"やあ"}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want upstream status passed through", rec.Code)
	}
}

func TestChatHandlerUpstreamUnavailable(t *testing.T) {
	client := &stubClient{err: models.ErrUpstreamUnavailable}
	server, _ := newTestServer(t, client)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"やあ"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestStartSessionHandler(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{responses: []string{"今日はどうやった？"}})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/session/diary/start", strings.NewReader(`{}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec.Body)
	result, ok := envelope.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %+v", envelope.Result)
	}
	if result["session_id"] == "" || result["step"] != "INTRO" {
		t.Errorf("result = %+v", result)
	}
}

func TestStartSessionHandlerUnknownFlow(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/session/weather/start", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown flow", rec.Code)
	}
}

func TestContinueSessionHandlerFullTurn(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{responses: []string{"もしもし！", "一番の出来事は？"}})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/session/diary/start", strings.NewReader(`{}`)))
	envelope := decodeEnvelope(t, rec.Body)
	sessionID := envelope.Result.(map[string]interface{})["session_id"].(string)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/chat/session/diary/"+sessionID+"/continue", strings.NewReader(`{"message":"こんにちは"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	envelope = decodeEnvelope(t, rec.Body)
	result := envelope.Result.(map[string]interface{})
	if result["step"] != "TOPIC" {
		t.Errorf("step = %v, want TOPIC", result["step"])
	}
}

func TestContinueSessionHandlerMissingSession(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/chat/session/diary/no-such-id/continue", strings.NewReader(`{"message":"やあ"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetAndDeleteSessionHandlers(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{responses: []string{"やあ"}})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/session/diary/start", strings.NewReader(`{}`)))
	sessionID := decodeEnvelope(t, rec.Body).Result.(map[string]interface{})["session_id"].(string)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/session/diary/"+sessionID, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chat/session/diary/"+sessionID, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/session/diary/"+sessionID, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestListSessionsHandler(t *testing.T) {
	server, st := newTestServer(t, &stubClient{})
	for _, rec := range []models.Session{
		{ID: "d1", FlowType: models.FlowTypeDiary},
		{ID: "t1", FlowType: models.FlowTypeTaskCheck},
	} {
		if err := st.SaveSession(rec); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/session/diary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec.Body)
	sessions := envelope.Result.([]interface{})
	if len(sessions) != 1 {
		t.Errorf("sessions = %d, want only the diary session", len(sessions))
	}
}

func TestSummaryHandler(t *testing.T) {
	server, st := newTestServer(t, &stubClient{})
	stateJSON, err := flow.MarshalState(&flow.State{
		Step:   flow.StepEnd,
		Topics: []flow.TopicRecord{{Event: "散歩した", Emotion: "よかった"}},
	})
	if err != nil {
		t.Fatalf("MarshalState failed: %v", err)
	}
	if err := st.SaveSession(models.Session{ID: "d-9", FlowType: models.FlowTypeDiary, StateJSON: stateJSON}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/session/diary/d-9/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec.Body)
	markdown := envelope.Result.(map[string]interface{})["markdown"].(string)
	if !strings.Contains(markdown, "散歩した") {
		t.Errorf("markdown = %s", markdown)
	}
}

func TestCarryoverHandlerRejectsOtherFlows(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/session/diary/d-1/carryover", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for non task-check carryover", rec.Code)
	}
}

func TestCarryoverHandler(t *testing.T) {
	server, st := newTestServer(t, &stubClient{})
	stateJSON, err := flow.MarshalState(&flow.State{
		Step:              flow.StepEnd,
		Tasks:             []string{"運動", "勉強"},
		DeferredTasks:     []string{"勉強"},
		CarryoverSelected: []string{"勉強"},
		ReasonMap:         map[string]string{"勉強": "時間切れ"},
	})
	if err != nil {
		t.Fatalf("MarshalState failed: %v", err)
	}
	if err := st.SaveSession(models.Session{ID: "t-9", FlowType: models.FlowTypeTaskCheck, StateJSON: stateJSON}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/session/task_check/t-9/carryover", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec.Body)
	result := envelope.Result.(map[string]interface{})
	tasks := result["tasks"].([]interface{})
	if len(tasks) != 1 || tasks[0] != "勉強" {
		t.Errorf("tasks = %v", tasks)
	}
}

func TestSpeechToTextHandler(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{transcript: "おはようございます"})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="audio"; filename="voice.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("CreatePart failed: %v", err)
	}
	part.Write([]byte("RIFFfakewav"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/speech/speech-to-text", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	envelope := decodeEnvelope(t, rec.Body)
	if text := envelope.Result.(map[string]interface{})["text"]; text != "おはようございます" {
		t.Errorf("text = %v", text)
	}
}

func TestSpeechToTextHandlerRejectsNonAudio(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="audio"; filename="notes.txt"`)
	header.Set("Content-Type", "text/plain")
	part, _ := writer.CreatePart(header)
	part.Write([]byte("hello"))
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/speech/speech-to-text", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for non-audio upload", rec.Code)
	}
}

func TestTextToSpeechHandlerNotConfigured(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/speech/text-to-speech", strings.NewReader(`{"text":"おはよう"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when synthesizer absent", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	server, _ := newTestServer(t, &stubClient{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	envelope := decodeEnvelope(t, rec.Body)
	if envelope.Status != string(models.APIStatusOK) {
		t.Errorf("envelope = %+v", envelope)
	}
}
