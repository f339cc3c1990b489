package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/pat"
	"github.com/joelkehle/pat/internal/report"
	"github.com/joelkehle/pat/internal/telemetry"
)

const (
	DefaultCacheSize = 256
	maxBodyBytes     = 1 << 20
)

// SessionFactory builds an empty session wired to the shared dependencies.
type SessionFactory func() (*pat.Session, error)

type Options struct {
	NewSession SessionFactory
	Renderer   report.Renderer
	Metrics    *telemetry.Metrics
	CacheSize  int
}

type Server struct {
	newSession SessionFactory
	renderer   report.Renderer
	metrics    *telemetry.Metrics

	mu       sync.Mutex
	sessions *lru.Cache[int64, *pat.Session]
	// starting holds chat ids with a start request in flight.
	starting map[int64]struct{}
}

func NewServer(opts Options) (http.Handler, error) {
	if opts.NewSession == nil {
		return nil, errors.New("httpapi: session factory required")
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[int64, *pat.Session](size)
	if err != nil {
		return nil, err
	}
	s := &Server{
		newSession: opts.NewSession,
		renderer:   opts.Renderer,
		metrics:    opts.Metrics,
		sessions:   cache,
		starting:   map[int64]struct{}{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chats", s.handleStartChat)
	mux.HandleFunc("POST /v1/chats/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /v1/chats/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /v1/chats/{id}/report.pdf", s.handleReport)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux, nil
}

type startChatRequest struct {
	ChatID   int64           `json:"chat_id"`
	UserFile string          `json:"user_file"`
	Patents  []pat.PatentRef `json:"patents"`
}

type startChatResponse struct {
	ChatID      int64    `json:"chat_id"`
	FileIDs     []string `json:"file_ids"`
	AssistantID string   `json:"assistant_id"`
}

type messageRequest struct {
	Message    string   `json:"message"`
	Percentage *float64 `json:"percentage"`
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request) {
	var req startChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validation("invalid JSON body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.UserFile) == "" {
		writeError(w, validation("user_file is required"))
		return
	}
	if req.ChatID < 0 {
		writeError(w, validation("chat_id must be positive"))
		return
	}

	session, release, err := s.sessionFor(r.Context(), req.ChatID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()
	chatID := session.ChatID()
	session.SetPatentFiles(req.UserFile, req.Patents)

	ctx := r.Context()
	if err := session.UploadFiles(ctx); err != nil {
		writeError(w, err)
		return
	}
	assistantID, err := session.EnsureAssistant(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.Add(chatID, session)
	log.Printf("httpapi chat=%d started with %d files", chatID, len(session.PatentFiles()))
	writeJSON(w, http.StatusOK, startChatResponse{
		ChatID:      chatID,
		FileIDs:     session.PatentFiles(),
		AssistantID: assistantID,
	})
}

// sessionFor returns a fresh session for chatID, reusing and resetting a
// cached one when present. Zero asks for a generated id that is neither live
// nor bound to an earlier thread. The chat id stays reserved until release is
// called; a second start for it meanwhile is a conflict.
func (s *Server) sessionFor(ctx context.Context, chatID int64) (*pat.Session, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session *pat.Session
	if chatID != 0 {
		if _, busy := s.starting[chatID]; busy {
			return nil, nil, &apiError{Code: "conflict", Message: "chat " + strconv.FormatInt(chatID, 10) + " is already starting", Status: http.StatusConflict, Transient: true}
		}
		if cached, ok := s.sessions.Get(chatID); ok {
			cached.Reset()
			cached.SetChatIDTo(chatID)
			session = cached
		}
	}
	if session == nil {
		var err error
		if session, err = s.newSession(); err != nil {
			return nil, nil, err
		}
		if chatID != 0 {
			session.SetChatIDTo(chatID)
		} else if chatID, err = session.AssignChatID(ctx, s.chatIDTaken); err != nil {
			return nil, nil, err
		}
	}

	s.starting[chatID] = struct{}{}
	release := func() {
		s.mu.Lock()
		delete(s.starting, chatID)
		s.mu.Unlock()
	}
	return session, release, nil
}

// chatIDTaken reports ids that are cached or starting. Callers hold s.mu.
func (s *Server) chatIDTaken(id int64) bool {
	if _, busy := s.starting[id]; busy {
		return true
	}
	return s.sessions.Contains(id)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validation("invalid JSON body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, validation("message is required"))
		return
	}
	resp, err := session.GenerateResponse(r.Context(), req.Message, req.Percentage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookup(w, r)
	if !ok {
		return
	}
	chatID := session.ChatID()
	session.Reset()
	s.sessions.Remove(chatID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	session, ok := s.lookup(w, r)
	if !ok {
		return
	}
	c := session.LastComparison()
	if c == nil {
		writeError(w, &apiError{Code: assistant.CodeNotFound, Message: "no comparison in this chat yet", Status: http.StatusNotFound})
		return
	}
	if s.renderer == nil {
		writeError(w, &apiError{Code: "unsupported", Message: "pdf rendering is not configured", Status: http.StatusNotImplemented})
		return
	}
	pdf, err := s.renderer.Render(r.Context(), *c)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="pat-comparison-`+strconv.FormatInt(c.ChatID, 10)+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.sessions.Len()})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*pat.Session, bool) {
	chatID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, validation("chat id must be a positive integer"))
		return nil, false
	}
	session, ok := s.sessions.Get(chatID)
	if !ok {
		writeError(w, &apiError{Code: assistant.CodeNotFound, Message: "unknown chat " + strconv.FormatInt(chatID, 10), Status: http.StatusNotFound})
		return nil, false
	}
	return session, true
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// apiError is a request-level failure with a fixed status.
type apiError struct {
	Code      string
	Message   string
	Status    int
	Transient bool
}

func (e *apiError) Error() string { return e.Code + ": " + e.Message }

func validation(msg string) *apiError {
	return &apiError{Code: assistant.CodeValidation, Message: msg, Status: http.StatusBadRequest}
}

func writeError(w http.ResponseWriter, err error) {
	ae := toAPIError(err)
	if ae.Status >= 500 {
		log.Printf("httpapi error: %v", err)
	}
	writeJSON(w, ae.Status, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":      ae.Code,
			"message":   ae.Message,
			"transient": ae.Transient,
		},
	})
}

func toAPIError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	var re *pat.RunError
	if errors.As(err, &re) {
		if re.Outcome == pat.OutcomeTimedOut {
			return &apiError{Code: assistant.CodeTimeout, Message: err.Error(), Status: http.StatusGatewayTimeout, Transient: true}
		}
		return &apiError{Code: "run_" + string(re.Outcome), Message: err.Error(), Status: http.StatusBadGateway, Transient: true}
	}
	var remote *assistant.Error
	if errors.As(err, &remote) {
		return &apiError{Code: remote.Code, Message: err.Error(), Status: remoteStatus(remote.Code), Transient: remote.Transient}
	}
	switch {
	case errors.Is(err, pat.ErrNoFreeChatID):
		return &apiError{Code: assistant.CodeUnavailable, Message: err.Error(), Status: http.StatusServiceUnavailable, Transient: true}
	case errors.Is(err, pat.ErrNoChatID), errors.Is(err, pat.ErrNoAssistant), errors.Is(err, pat.ErrCompareNeedsTwoFiles):
		return &apiError{Code: "precondition", Message: err.Error(), Status: http.StatusUnprocessableEntity}
	case errors.Is(err, os.ErrNotExist):
		return &apiError{Code: "file_not_found", Message: err.Error(), Status: http.StatusUnprocessableEntity}
	}
	return &apiError{Code: assistant.CodeInternal, Message: err.Error(), Status: http.StatusInternalServerError}
}

func remoteStatus(code string) int {
	switch code {
	case assistant.CodeUnauthorized:
		return http.StatusUnauthorized
	case assistant.CodeNotFound:
		return http.StatusNotFound
	case assistant.CodeRateLimited:
		return http.StatusTooManyRequests
	case assistant.CodeUnavailable:
		return http.StatusServiceUnavailable
	case assistant.CodeTimeout:
		return http.StatusGatewayTimeout
	case assistant.CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
