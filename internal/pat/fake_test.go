package pat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joelkehle/pat/internal/assistant"
	"github.com/joelkehle/pat/internal/obscure"
	"github.com/joelkehle/pat/internal/threadstore"
)

type fakeUpload struct {
	Name    string
	Content []byte
}

// fakeAPI is an in-memory assistant.API.
type fakeAPI struct {
	mu     sync.Mutex
	nextID int

	files     []assistant.File
	uploads   []fakeUpload
	uploadErr error

	assistants []assistant.Assistant
	creates    int
	updates    int
	deletes    []string

	threads        []string
	deletedThreads []string
	messages       map[string][]string

	// runStatuses is replayed by CreateRun then GetRun; the last entry repeats.
	runStatuses  []assistant.RunStatus
	runPolls     int
	runLastError string
	cancelled    []string
	reply        string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages:    map[string][]string{},
		runStatuses: []assistant.RunStatus{assistant.RunQueued, assistant.RunInProgress, assistant.RunCompleted},
		reply:       "Hello from Pat.",
	}
}

func (f *fakeAPI) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeAPI) ListFiles(context.Context) ([]assistant.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assistant.File(nil), f.files...), nil
}

func (f *fakeAPI) UploadFile(_ context.Context, path string) (assistant.File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return assistant.File{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return assistant.File{}, f.uploadErr
	}
	file := assistant.File{ID: f.id("file"), Name: filepath.Base(path)}
	f.files = append(f.files, file)
	f.uploads = append(f.uploads, fakeUpload{Name: file.Name, Content: content})
	return file, nil
}

func (f *fakeAPI) DeleteFile(_ context.Context, fileID string) error { return nil }

func (f *fakeAPI) ListAssistants(context.Context) ([]assistant.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assistant.Assistant(nil), f.assistants...), nil
}

func (f *fakeAPI) CreateAssistant(_ context.Context, spec assistant.Spec) (assistant.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	a := assistant.Assistant{
		ID:           f.id("asst"),
		Name:         spec.Name,
		Model:        spec.Model,
		Instructions: spec.Instructions,
		FileIDs:      append([]string(nil), spec.FileIDs...),
		CreatedAt:    int64(f.nextID),
	}
	f.assistants = append(f.assistants, a)
	return a, nil
}

func (f *fakeAPI) UpdateAssistant(_ context.Context, id string, spec assistant.Spec) (assistant.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	for i, a := range f.assistants {
		if a.ID == id {
			a.Model, a.Instructions = spec.Model, spec.Instructions
			a.FileIDs = append([]string(nil), spec.FileIDs...)
			f.assistants[i] = a
			return a, nil
		}
	}
	return assistant.Assistant{}, &assistant.Error{Op: "update assistant", Code: assistant.CodeNotFound, Err: fmt.Errorf("no %s", id)}
}

func (f *fakeAPI) DeleteAssistant(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	kept := f.assistants[:0]
	for _, a := range f.assistants {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	f.assistants = kept
	return nil
}

func (f *fakeAPI) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("thread")
	f.threads = append(f.threads, id)
	return id, nil
}

func (f *fakeAPI) DeleteThread(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedThreads = append(f.deletedThreads, id)
	return nil
}

func (f *fakeAPI) AddUserMessage(_ context.Context, threadID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[threadID] = append(f.messages[threadID], text)
	return nil
}

func (f *fakeAPI) statusAt(i int) assistant.RunStatus {
	if i >= len(f.runStatuses) {
		return f.runStatuses[len(f.runStatuses)-1]
	}
	return f.runStatuses[i]
}

func (f *fakeAPI) CreateRun(_ context.Context, threadID, assistantID string) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runPolls = 0
	return assistant.Run{ID: "run_1", ThreadID: threadID, Status: f.statusAt(0), LastError: f.runLastError}, nil
}

func (f *fakeAPI) GetRun(_ context.Context, threadID, runID string) (assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runPolls++
	return assistant.Run{ID: runID, ThreadID: threadID, Status: f.statusAt(f.runPolls), LastError: f.runLastError}, nil
}

func (f *fakeAPI) CancelRun(_ context.Context, threadID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeAPI) LatestMessageText(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, nil
}

type fakeRepairer struct {
	pct   *int
	err   error
	calls int
}

func (r *fakeRepairer) Repair(context.Context, string) (*int, error) {
	r.calls++
	return r.pct, r.err
}

type testEnv struct {
	api      *fakeAPI
	store    *threadstore.Store
	obscurer *obscure.Obscurer
	tmp      string
	session  *Session
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := threadstore.Open(threadstore.DriverSQLite, filepath.Join(t.TempDir(), "chat_threads.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	key, err := obscure.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	o, err := obscure.New(key)
	if err != nil {
		t.Fatalf("new obscurer: %v", err)
	}
	env := &testEnv{api: newFakeAPI(), store: store, obscurer: o, tmp: t.TempDir()}
	s, err := New(Deps{API: env.api, Store: store, Obscurer: o}, Config{
		PollInterval: time.Millisecond,
		RunTimeout:   2 * time.Second,
		TempDir:      env.tmp,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	env.session = s
	return env
}

// writeObscured writes data to dir/name and obscures it in place.
func (e *testEnv) writeObscured(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := e.obscurer.Obscure(path); err != nil {
		t.Fatalf("obscure %s: %v", name, err)
	}
	return path
}
