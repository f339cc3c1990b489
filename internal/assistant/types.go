package assistant

import "context"

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether the remote service will not move the run further
// on its own. requires_action is terminal here: PAT assistants declare no
// function tools, so nothing would ever submit the outputs.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete, RunRequiresAction:
		return true
	default:
		return false
	}
}

type File struct {
	ID   string
	Name string
}

type Assistant struct {
	ID           string
	Name         string
	Model        string
	Instructions string
	FileIDs      []string
	CreatedAt    int64
}

// Spec describes the desired state of an assistant.
type Spec struct {
	Name         string
	Model        string
	Instructions string
	FileIDs      []string
}

type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	LastError string
}

// API is the subset of the hosted assistant service PAT depends on.
type API interface {
	ListFiles(ctx context.Context) ([]File, error)
	UploadFile(ctx context.Context, path string) (File, error)
	DeleteFile(ctx context.Context, fileID string) error

	ListAssistants(ctx context.Context) ([]Assistant, error)
	CreateAssistant(ctx context.Context, spec Spec) (Assistant, error)
	UpdateAssistant(ctx context.Context, assistantID string, spec Spec) (Assistant, error)
	DeleteAssistant(ctx context.Context, assistantID string) error

	CreateThread(ctx context.Context) (string, error)
	DeleteThread(ctx context.Context, threadID string) error
	AddUserMessage(ctx context.Context, threadID, text string) error

	CreateRun(ctx context.Context, threadID, assistantID string) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error

	// LatestMessageText returns the first text segment of the newest message
	// on the thread.
	LatestMessageText(ctx context.Context, threadID string) (string, error)
}
