package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/obscure"
	"github.com/joelkehle/pat/internal/pat"
	"github.com/joelkehle/pat/internal/telemetry"
	"github.com/joelkehle/pat/internal/threadstore"
)

// stubAPI completes every run immediately with a fixed reply.
type stubAPI struct {
	mu         sync.Mutex
	n          int
	files      []assistant.File
	assistants []assistant.Assistant
	reply      string
	runStatus  assistant.RunStatus
	runErr     error
	messages   []string

	// When listGate is set, ListFiles signals listEntered (buffered) and
	// blocks until the gate is closed.
	listEntered chan struct{}
	listGate    chan struct{}
}

func (s *stubAPI) next(prefix string) string {
	s.n++
	return fmt.Sprintf("%s_%d", prefix, s.n)
}

func (s *stubAPI) ListFiles(context.Context) ([]assistant.File, error) {
	if s.listGate != nil {
		select {
		case s.listEntered <- struct{}{}:
		default:
		}
		<-s.listGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]assistant.File(nil), s.files...), nil
}

func (s *stubAPI) UploadFile(_ context.Context, path string) (assistant.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := assistant.File{ID: s.next("file"), Name: filepath.Base(path)}
	s.files = append(s.files, f)
	return f, nil
}

func (s *stubAPI) DeleteFile(context.Context, string) error { return nil }

func (s *stubAPI) ListAssistants(context.Context) ([]assistant.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]assistant.Assistant(nil), s.assistants...), nil
}

func (s *stubAPI) CreateAssistant(_ context.Context, spec assistant.Spec) (assistant.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := assistant.Assistant{ID: s.next("asst"), Name: spec.Name, Model: spec.Model, Instructions: spec.Instructions, FileIDs: spec.FileIDs}
	s.assistants = append(s.assistants, a)
	return a, nil
}

func (s *stubAPI) UpdateAssistant(_ context.Context, id string, spec assistant.Spec) (assistant.Assistant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.assistants {
		if s.assistants[i].ID == id {
			s.assistants[i].FileIDs = spec.FileIDs
			return s.assistants[i], nil
		}
	}
	return assistant.Assistant{}, &assistant.Error{Op: "update assistant", Code: assistant.CodeNotFound, Err: errors.New(id)}
}

func (s *stubAPI) DeleteAssistant(context.Context, string) error { return nil }

func (s *stubAPI) CreateThread(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next("thread"), nil
}

func (s *stubAPI) DeleteThread(context.Context, string) error { return nil }

func (s *stubAPI) AddUserMessage(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
	return nil
}

func (s *stubAPI) CreateRun(_ context.Context, threadID, _ string) (assistant.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr != nil {
		return assistant.Run{}, s.runErr
	}
	status := s.runStatus
	if status == "" {
		status = assistant.RunCompleted
	}
	return assistant.Run{ID: s.next("run"), ThreadID: threadID, Status: status, LastError: "boom"}, nil
}

func (s *stubAPI) GetRun(_ context.Context, threadID, runID string) (assistant.Run, error) {
	return assistant.Run{ID: runID, ThreadID: threadID, Status: assistant.RunCompleted}, nil
}

func (s *stubAPI) CancelRun(context.Context, string, string) error { return nil }

func (s *stubAPI) LatestMessageText(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply, nil
}

type stubRenderer struct {
	got pat.Comparison
}

func (r *stubRenderer) Render(_ context.Context, c pat.Comparison) ([]byte, error) {
	r.got = c
	return []byte("%PDF-1.4 stub"), nil
}

type harness struct {
	handler  http.Handler
	api      *stubAPI
	renderer *stubRenderer
	obscurer *obscure.Obscurer
	dir      string
	// randIntN, when set, drives generated chat ids.
	randIntN func(n int) int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := threadstore.Open(threadstore.DriverSQLite, filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	key, err := obscure.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	o, err := obscure.New(key)
	if err != nil {
		t.Fatalf("obscurer: %v", err)
	}
	h := &harness{
		api:      &stubAPI{reply: "Hello from Pat."},
		renderer: &stubRenderer{},
		obscurer: o,
		dir:      t.TempDir(),
	}
	metrics := telemetry.NewMetrics()
	tmp := t.TempDir()
	handler, err := NewServer(Options{
		NewSession: func() (*pat.Session, error) {
			return pat.New(pat.Deps{API: h.api, Store: store, Obscurer: o, Metrics: metrics, RandIntN: h.randIntN},
				pat.Config{PollInterval: time.Millisecond, RunTimeout: time.Second, TempDir: tmp})
		},
		Renderer: h.renderer,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h.handler = handler
	return h
}

func (h *harness) patent(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte("patent "+name), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.obscurer.Obscure(path); err != nil {
		t.Fatalf("obscure: %v", err)
	}
	return path
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	blob, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(blob))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body.Error.Code
}

func startChat(t *testing.T, h *harness, chatID int64) startChatResponse {
	t.Helper()
	rr := postJSON(t, h.handler, "/v1/chats", map[string]any{
		"chat_id":   chatID,
		"user_file": h.patent(t, "user.pdf"),
		"patents":   []map[string]any{{"path": h.patent(t, "other.pdf"), "similarity": 0.83}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("start chat status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp startChatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestStartChatAndCompare(t *testing.T) {
	h := newHarness(t)
	started := startChat(t, h, 7731)
	if started.ChatID != 7731 || len(started.FileIDs) != 2 || started.AssistantID == "" {
		t.Fatalf("unexpected start response: %+v", started)
	}

	h.api.reply = "1. Pat's Thoughts on Text Similarity: close.\n3. Context Similarity Percentage: 71%"
	rr := postJSON(t, h.handler, "/v1/chats/7731/messages", map[string]any{
		"message":    pat.CompareSentinel,
		"percentage": 83,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("message status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp pat.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ContextPercentage == nil || *resp.ContextPercentage != 71 {
		t.Fatalf("expected 71, got %+v", resp)
	}
	if !strings.Contains(h.api.messages[0], "83% textual similarity") {
		t.Fatalf("compare prompt not sent: %q", h.api.messages[0])
	}

	pdf := get(h.handler, "/v1/chats/7731/report.pdf")
	if pdf.Code != http.StatusOK || pdf.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("report status=%d type=%s", pdf.Code, pdf.Header().Get("Content-Type"))
	}
	if h.renderer.got.TextSimilarity != 83 || h.renderer.got.ChatID != 7731 {
		t.Fatalf("renderer got %+v", h.renderer.got)
	}
}

func TestStartChatGeneratesID(t *testing.T) {
	h := newHarness(t)
	started := startChat(t, h, 0)
	if started.ChatID < 1000 || started.ChatID >= 9999 {
		t.Fatalf("generated chat id out of range: %d", started.ChatID)
	}
}

func TestStartChatValidation(t *testing.T) {
	h := newHarness(t)
	rr := postJSON(t, h.handler, "/v1/chats", map[string]any{"patents": []any{}})
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != assistant.CodeValidation {
		t.Fatalf("expected validation error, got %d %s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, h.handler, "/v1/chats", map[string]any{"user_file": filepath.Join(h.dir, "missing.pdf")})
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr) != "file_not_found" {
		t.Fatalf("expected file_not_found, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMessageUnknownChat(t *testing.T) {
	h := newHarness(t)
	rr := postJSON(t, h.handler, "/v1/chats/4242/messages", map[string]any{"message": "hi"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = postJSON(t, h.handler, "/v1/chats/abc/messages", map[string]any{"message": "hi"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMessageErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)
	startChat(t, h, 1234)

	h.api.runStatus = assistant.RunFailed
	rr := postJSON(t, h.handler, "/v1/chats/1234/messages", map[string]any{"message": "hi"})
	if rr.Code != http.StatusBadGateway || errorCode(t, rr) != "run_failed" {
		t.Fatalf("expected run_failed 502, got %d %s", rr.Code, rr.Body.String())
	}

	h.api.runErr = &assistant.Error{Op: "create run", Code: assistant.CodeRateLimited, Status: 429, Transient: true, Err: errors.New("slow down")}
	rr = postJSON(t, h.handler, "/v1/chats/1234/messages", map[string]any{"message": "hi"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, h.handler, "/v1/chats/1234/messages", map[string]any{"message": "  "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rr.Code)
	}
}

func TestReportBeforeComparison(t *testing.T) {
	h := newHarness(t)
	startChat(t, h, 2000)
	rr := get(h.handler, "/v1/chats/2000/report.pdf")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestResetDropsSession(t *testing.T) {
	h := newHarness(t)
	startChat(t, h, 3000)
	rr := postJSON(t, h.handler, "/v1/chats/3000/reset", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	rr = postJSON(t, h.handler, "/v1/chats/3000/messages", map[string]any{"message": "hi"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after reset, got %d", rr.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	startChat(t, h, 5555)
	rr := get(h.handler, "/v1/health")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"sessions":1`) {
		t.Fatalf("health status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = get(h.handler, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `pat_file_uploads_total{outcome="uploaded"} 2`) {
		t.Fatalf("metrics status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rr := get(h.handler, "/v1/chats")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

// scriptedDraws returns the given draws in order, repeating the last one.
func scriptedDraws(draws ...int) func(int) int {
	var mu sync.Mutex
	i := 0
	return func(int) int {
		mu.Lock()
		defer mu.Unlock()
		d := draws[min(i, len(draws)-1)]
		i++
		return d
	}
}

func TestGeneratedChatIDSkipsLiveChats(t *testing.T) {
	h := newHarness(t)
	h.randIntN = scriptedDraws(0, 0, 0, 1)

	first := startChat(t, h, 0)
	if first.ChatID != 1000 {
		t.Fatalf("expected first chat 1000, got %d", first.ChatID)
	}
	second := startChat(t, h, 0)
	if second.ChatID == first.ChatID {
		t.Fatalf("second start was handed live chat id %d", second.ChatID)
	}
	if second.ChatID != 1001 {
		t.Fatalf("expected redraw to land on 1001, got %d", second.ChatID)
	}

	rr := get(h.handler, "/v1/health")
	if !strings.Contains(rr.Body.String(), `"sessions":2`) {
		t.Fatalf("both chats must stay cached: %s", rr.Body.String())
	}
	one := postJSON(t, h.handler, "/v1/chats/1000/messages", map[string]any{"message": "hi"})
	two := postJSON(t, h.handler, "/v1/chats/1001/messages", map[string]any{"message": "hi"})
	var r1, r2 pat.Response
	_ = json.Unmarshal(one.Body.Bytes(), &r1)
	_ = json.Unmarshal(two.Body.Bytes(), &r2)
	if one.Code != http.StatusOK || two.Code != http.StatusOK || r1.ThreadID == r2.ThreadID {
		t.Fatalf("chats must keep separate threads: %d %q / %d %q", one.Code, r1.ThreadID, two.Code, r2.ThreadID)
	}
}

func TestGeneratedChatIDExhausted(t *testing.T) {
	h := newHarness(t)
	h.randIntN = scriptedDraws(0)
	startChat(t, h, 0)

	rr := postJSON(t, h.handler, "/v1/chats", map[string]any{"user_file": h.patent(t, "late.pdf")})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no id is free, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestConcurrentStartForSameChatConflicts(t *testing.T) {
	h := newHarness(t)
	startChat(t, h, 7000)

	h.api.listEntered = make(chan struct{}, 1)
	h.api.listGate = make(chan struct{})
	done := make(chan *httptest.ResponseRecorder, 1)
	body := map[string]any{"chat_id": 7000, "user_file": h.patent(t, "again.pdf")}
	go func() { done <- postJSON(t, h.handler, "/v1/chats", body) }()
	<-h.api.listEntered

	rr := postJSON(t, h.handler, "/v1/chats", body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a start is in flight, got %d %s", rr.Code, rr.Body.String())
	}
	close(h.api.listGate)

	first := <-done
	if first.Code != http.StatusOK {
		t.Fatalf("in-flight start failed: %d %s", first.Code, first.Body.String())
	}
	var resp startChatResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.FileIDs) != 1 {
		t.Fatalf("expected only the restarted file tracked, got %v", resp.FileIDs)
	}
}
