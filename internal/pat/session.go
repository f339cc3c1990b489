package pat

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/similarity"
	"github.com/joelkehle/pat/internal/telemetry"
)

const (
	DefaultAssistantName = "PAT"
	DefaultModel         = "gpt-3.5-turbo-0125"
	DefaultInstructions  = "You are Pat, a chat bot from Patent AI Technology (PAT). " +
		"You are an expert in patents with a specialty in orthopedic patents. " +
		"Refer to the patents provided and any information they user has provided " +
		"to answer any questions that the user has. "

	DefaultPollInterval      = 500 * time.Millisecond
	DefaultRunTimeout        = 5 * time.Minute
	DefaultUploadConcurrency = 4

	minChatID = 1000
	maxChatID = 9999
	// maxChatIDDraws bounds AssignChatID's search for an unused id.
	maxChatIDDraws = 64
)

var (
	ErrNoChatID             = errors.New("chat id not set")
	ErrNoAssistant          = errors.New("assistant not ensured for this session")
	ErrCompareNeedsTwoFiles = errors.New("comparison needs the user patent and one compared patent uploaded")
	ErrMissingDependency    = errors.New("session dependency missing")
	ErrNoFreeChatID         = errors.New("no unused chat id found")
)

// ThreadStore persists chat id -> thread id bindings.
type ThreadStore interface {
	Lookup(ctx context.Context, chatID int64) (string, bool, error)
	// Bind returns threadstore.ErrChatBound and the winning thread id when the
	// chat was bound concurrently.
	Bind(ctx context.Context, chatID int64, threadID string) (string, error)
}

// FileRevealer writes the plaintext of an obscured file to a new path.
type FileRevealer interface {
	RevealTo(src, dst string) error
}

type Config struct {
	AssistantName     string
	Model             string
	Instructions      string
	PollInterval      time.Duration
	RunTimeout        time.Duration
	UploadConcurrency int
	TempDir           string
}

func (c Config) withDefaults() Config {
	if c.AssistantName == "" {
		c.AssistantName = DefaultAssistantName
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = DefaultUploadConcurrency
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

type Deps struct {
	API      assistant.API
	Store    ThreadStore
	Obscurer FileRevealer
	// Repairer is optional.
	Repairer similarity.Repairer
	// Metrics is optional.
	Metrics *telemetry.Metrics
	// RandIntN replaces rand.IntN for chat id draws.
	RandIntN func(n int) int
}

// PatentRef is one compared patent. Path is its primary document.
type PatentRef struct {
	Path       string  `json:"path"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Session is the conversational state of one PAT user: a chat id, the patent
// files tracked for it and their remote ids. Callers drive the lifecycle:
// SetChatID, SetPatentFiles, UploadFiles, EnsureAssistant, then any number of
// GenerateResponse calls. Reset returns to the empty state.
type Session struct {
	api      assistant.API
	store    ThreadStore
	obscurer FileRevealer
	repairer similarity.Repairer
	metrics  *telemetry.Metrics
	cfg      Config

	randInt func(n int) int
	now     func() time.Time

	mu              sync.Mutex
	chatID          int64
	patentFileNames []string
	patentFiles     []string
	assistantID     string
	lastComparison  *Comparison
}

func New(deps Deps, cfg Config) (*Session, error) {
	if deps.API == nil || deps.Store == nil || deps.Obscurer == nil {
		return nil, ErrMissingDependency
	}
	randInt := deps.RandIntN
	if randInt == nil {
		randInt = rand.IntN
	}
	return &Session{
		api:      deps.API,
		store:    deps.Store,
		obscurer: deps.Obscurer,
		repairer: deps.Repairer,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		randInt:  randInt,
		now:      time.Now,
	}, nil
}

// SetChatID assigns a random chat id in [1000, 9999) unless one is set.
func (s *Session) SetChatID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID == 0 {
		s.chatID = int64(minChatID + s.randInt(maxChatID-minChatID))
	}
	return s.chatID
}

// AssignChatID draws a random chat id in [1000, 9999) that taken does not
// report and that has no persisted thread, so a new chat never lands on a
// live or earlier conversation. taken may be nil. An already set id is kept.
func (s *Session) AssignChatID(ctx context.Context, taken func(int64) bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID != 0 {
		return s.chatID, nil
	}
	for range maxChatIDDraws {
		id := int64(minChatID + s.randInt(maxChatID-minChatID))
		if taken != nil && taken(id) {
			continue
		}
		_, bound, err := s.store.Lookup(ctx, id)
		if err != nil {
			return 0, err
		}
		if bound {
			continue
		}
		s.chatID = id
		return id, nil
	}
	return 0, ErrNoFreeChatID
}

// SetChatIDTo adopts an externally supplied chat id unless one is set. It
// returns the id in effect.
func (s *Session) SetChatIDTo(chatID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID == 0 {
		s.chatID = chatID
	}
	return s.chatID
}

func (s *Session) ChatID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// SetPatentFiles tracks the user's own file followed by the primary path of
// each compared patent. Paths are not checked until upload.
func (s *Session) SetPatentFiles(userFile string, patents []PatentRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patentFileNames = append(s.patentFileNames, userFile)
	for _, p := range patents {
		s.patentFileNames = append(s.patentFileNames, p.Path)
	}
}

func (s *Session) PatentFileNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.patentFileNames...)
}

// PatentFiles returns the remote file ids in tracked order.
func (s *Session) PatentFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.patentFiles...)
}

func (s *Session) AssistantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantID
}

// LastComparison returns the most recent comparison exchange, or nil.
func (s *Session) LastComparison() *Comparison {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastComparison == nil {
		return nil
	}
	c := *s.lastComparison
	return &c
}

// Reset clears the chat id and tracked files. The persisted thread binding,
// remote files and the assistant are left in place.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatID = 0
	s.patentFileNames = nil
	s.patentFiles = nil
	s.lastComparison = nil
}
