package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/character"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/dialogue"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/store"
)

type stubGenerator struct {
	result *models.GenerationResult
	err    error
}

func (s *stubGenerator) GenerateCandidates(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	return s.text, s.err
}

func newTestServer(t *testing.T, gen dialogue.Generator, tr dialogue.Transcriber) *httptest.Server {
	t.Helper()
	catalog := character.NewCatalog()
	processor := dialogue.NewProcessor(dialogue.NewSessionStore(), catalog, gen, tr, nil, store.NewInMemoryStore(), dialogue.Config{})
	srv := NewServer(processor, catalog)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func defaultGenerator() *stubGenerator {
	return &stubGenerator{result: &models.GenerationResult{
		Candidates: []string{"傷口還有點痛。", "吃藥以後好多了。", "晚上睡得不太好。"},
		State:      models.DialogueStateNormal,
		Context:    "醫師查房",
	}}
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, models.APIResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var apiResp models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp, apiResp
}

func resultMap(t *testing.T, apiResp models.APIResponse) map[string]interface{} {
	t.Helper()
	m, ok := apiResp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result is not an object: %+v", apiResp)
	}
	return m
}

func TestTextTurnEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)

	resp, apiResp := postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"input": "你好"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%+v)", resp.StatusCode, apiResp)
	}
	if apiResp.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok status, got %+v", apiResp)
	}
	result := resultMap(t, apiResp)
	if result["session_id"] == "" {
		t.Error("expected session_id in result")
	}
	if opts, ok := result["options"].([]interface{}); !ok || len(opts) != 3 {
		t.Errorf("expected 3 options, got %v", result["options"])
	}
	if result["state"] != string(models.StateAwaitingSelection) {
		t.Errorf("expected AWAITING_SELECTION, got %v", result["state"])
	}
}

func TestTextTurnEmptyInput(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)
	resp, apiResp := postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"input": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if apiResp.Status != string(models.APIStatusError) {
		t.Errorf("expected error status, got %+v", apiResp)
	}
}

func TestTextTurnInvalidJSON(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)
	resp, err := http.Post(ts.URL+"/api/dialogue/text", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTextTurnUnknownSession(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)
	resp, _ := postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"session_id": "missing", "input": "你好"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSelectEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)

	_, turnResp := postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"input": "你好"})
	turn := resultMap(t, turnResp)
	sessionID := turn["session_id"].(string)
	options := turn["options"].([]interface{})

	resp, selResp := postJSON(t, ts.URL+"/api/dialogue/select", map[string]string{
		"session_id": sessionID,
		"selected":   options[0].(string),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%+v)", resp.StatusCode, selResp)
	}
	sel := resultMap(t, selResp)
	if sel["state"] != string(models.StateActive) {
		t.Errorf("expected ACTIVE after selection, got %v", sel["state"])
	}
}

func TestSelectEndpointConflicts(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)

	_, turnResp := postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"input": "你好"})
	sessionID := resultMap(t, turnResp)["session_id"].(string)

	// Text outside the staged options maps to 409.
	resp, _ := postJSON(t, ts.URL+"/api/dialogue/select", map[string]string{
		"session_id": sessionID,
		"selected":   "不存在的選項",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for mismatched text, got %d", resp.StatusCode)
	}

	// Unknown session maps to 404.
	resp, _ = postJSON(t, ts.URL+"/api/dialogue/select", map[string]string{
		"session_id": "missing",
		"selected":   "任何文字",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}

	// Missing fields map to 400.
	resp, _ = postJSON(t, ts.URL+"/api/dialogue/select", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", resp.StatusCode)
	}
}

func TestResetEndpointIsIdempotent(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)

	_, turnResp := postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"input": "你好"})
	sessionID := resultMap(t, turnResp)["session_id"].(string)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/api/dialogue/sessions/"+sessionID+"/reset", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("reset %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	// Unknown session resets are also a no-op.
	resp, err := http.Post(ts.URL+"/api/dialogue/sessions/never-existed/reset", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for unknown session reset, got %d", resp.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)

	_, turnResp := postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"input": "你好"})
	sessionID := resultMap(t, turnResp)["session_id"].(string)

	resp, err := http.Get(ts.URL + "/api/dialogue/sessions/" + sessionID + "/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var apiResp models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		t.Fatal(err)
	}
	turns, ok := apiResp.Result.([]interface{})
	if !ok || len(turns) != 1 {
		t.Errorf("expected 1 turn in history, got %+v", apiResp.Result)
	}
}

func TestHistoryEndpointUnknownSession(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)
	resp, err := http.Get(ts.URL + "/api/dialogue/sessions/missing/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAudioTurnEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), &stubTranscriber{text: "今天感覺怎麼樣？"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "turn.wav")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("fake-audio-bytes")); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/dialogue/audio", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var apiResp models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		t.Fatal(err)
	}
	result := resultMap(t, apiResp)
	if result["transcript"] != "今天感覺怎麼樣？" {
		t.Errorf("expected transcript surfaced, got %v", result["transcript"])
	}
}

func TestAudioTurnMissingFile(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), &stubTranscriber{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("session_id", "")
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/dialogue/audio", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAudioTurnTranscriptionFailureStaysOK(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), &stubTranscriber{err: fmt.Errorf("whisper unavailable")})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("audio", "turn.wav")
	part.Write([]byte("fake-audio-bytes"))
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/dialogue/audio", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcription failure is absorbed, expected 200, got %d", resp.StatusCode)
	}
	var apiResp models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		t.Fatal(err)
	}
	result := resultMap(t, apiResp)
	if result["state"] != string(models.StateConfused) {
		t.Errorf("expected CONFUSED state, got %v", result["state"])
	}
}

func TestCharactersEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)
	resp, err := http.Get(ts.URL + "/api/characters")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var apiResp models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		t.Fatal(err)
	}
	profiles, ok := apiResp.Result.([]interface{})
	if !ok || len(profiles) == 0 {
		t.Errorf("expected at least the default character, got %+v", apiResp.Result)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, defaultGenerator(), nil)

	// One processed turn so the counters are non-trivial.
	postJSON(t, ts.URL+"/api/dialogue/text", map[string]string{"input": "你好"})

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var apiResp models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		t.Fatal(err)
	}
	result := resultMap(t, apiResp)
	if result["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", result["status"])
	}
	stats, ok := result["stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected stats object, got %v", result["stats"])
	}
	if stats["turns_processed"].(float64) != 1 {
		t.Errorf("expected 1 turn processed, got %v", stats["turns_processed"])
	}
	if stats["active_sessions"].(float64) != 1 {
		t.Errorf("expected 1 active session, got %v", stats["active_sessions"])
	}
}
