package assistant

import (
	"context"
	"errors"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// listPageSize is the largest page the assistants endpoint serves.
const listPageSize = 100

// OpenAI implements API on top of the OpenAI Assistants endpoints.
type OpenAI struct {
	api *openai.Client
}

func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{api: openai.NewClient(apiKey)}
}

// NewOpenAIWithBaseURL points the client at a compatible gateway.
func NewOpenAIWithBaseURL(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{api: openai.NewClientWithConfig(cfg)}
}

// NewOpenAIFromEnv reads OPENAI_API_KEY and the optional OPENAI_BASE_URL.
func NewOpenAIFromEnv() (*OpenAI, error) {
	key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if key == "" {
		return nil, errors.New("OPENAI_API_KEY not configured")
	}
	return NewOpenAIWithBaseURL(key, os.Getenv("OPENAI_BASE_URL")), nil
}

func (o *OpenAI) ListFiles(ctx context.Context) ([]File, error) {
	resp, err := o.api.ListFiles(ctx)
	if err != nil {
		return nil, wrapError("list files", err)
	}
	out := make([]File, 0, len(resp.Files))
	for _, f := range resp.Files {
		out = append(out, File{ID: f.ID, Name: f.FileName})
	}
	return out, nil
}

// UploadFile sends the file under its base name, which is what ListFiles
// reports back as Name.
func (o *OpenAI) UploadFile(ctx context.Context, path string) (File, error) {
	f, err := o.api.CreateFile(ctx, openai.FileRequest{
		FilePath: path,
		Purpose:  string(openai.PurposeAssistants),
	})
	if err != nil {
		return File{}, wrapError("upload file", err)
	}
	return File{ID: f.ID, Name: f.FileName}, nil
}

func (o *OpenAI) DeleteFile(ctx context.Context, fileID string) error {
	return wrapError("delete file", o.api.DeleteFile(ctx, fileID))
}

func (o *OpenAI) ListAssistants(ctx context.Context) ([]Assistant, error) {
	limit := listPageSize
	order := "asc"
	resp, err := o.api.ListAssistants(ctx, &limit, &order, nil, nil)
	if err != nil {
		return nil, wrapError("list assistants", err)
	}
	out := make([]Assistant, 0, len(resp.Assistants))
	for _, a := range resp.Assistants {
		out = append(out, fromOpenAIAssistant(a))
	}
	return out, nil
}

func (o *OpenAI) CreateAssistant(ctx context.Context, spec Spec) (Assistant, error) {
	a, err := o.api.CreateAssistant(ctx, toAssistantRequest(spec))
	if err != nil {
		return Assistant{}, wrapError("create assistant", err)
	}
	return fromOpenAIAssistant(a), nil
}

func (o *OpenAI) UpdateAssistant(ctx context.Context, assistantID string, spec Spec) (Assistant, error) {
	a, err := o.api.ModifyAssistant(ctx, assistantID, toAssistantRequest(spec))
	if err != nil {
		return Assistant{}, wrapError("update assistant", err)
	}
	return fromOpenAIAssistant(a), nil
}

func (o *OpenAI) DeleteAssistant(ctx context.Context, assistantID string) error {
	_, err := o.api.DeleteAssistant(ctx, assistantID)
	return wrapError("delete assistant", err)
}

func (o *OpenAI) CreateThread(ctx context.Context) (string, error) {
	t, err := o.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", wrapError("create thread", err)
	}
	return t.ID, nil
}

func (o *OpenAI) DeleteThread(ctx context.Context, threadID string) error {
	_, err := o.api.DeleteThread(ctx, threadID)
	return wrapError("delete thread", err)
}

func (o *OpenAI) AddUserMessage(ctx context.Context, threadID, text string) error {
	_, err := o.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	return wrapError("create message", err)
}

func (o *OpenAI) CreateRun(ctx context.Context, threadID, assistantID string) (Run, error) {
	r, err := o.api.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return Run{}, wrapError("create run", err)
	}
	return fromOpenAIRun(r), nil
}

func (o *OpenAI) GetRun(ctx context.Context, threadID, runID string) (Run, error) {
	r, err := o.api.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return Run{}, wrapError("retrieve run", err)
	}
	return fromOpenAIRun(r), nil
}

func (o *OpenAI) CancelRun(ctx context.Context, threadID, runID string) error {
	_, err := o.api.CancelRun(ctx, threadID, runID)
	return wrapError("cancel run", err)
}

func (o *OpenAI) LatestMessageText(ctx context.Context, threadID string) (string, error) {
	limit := 1
	order := "desc"
	resp, err := o.api.ListMessage(ctx, threadID, &limit, &order, nil, nil)
	if err != nil {
		return "", wrapError("list messages", err)
	}
	if len(resp.Messages) == 0 {
		return "", ErrNoMessages
	}
	for _, c := range resp.Messages[0].Content {
		if c.Text != nil {
			return c.Text.Value, nil
		}
	}
	return "", ErrNoMessages
}

func toAssistantRequest(spec Spec) openai.AssistantRequest {
	name := spec.Name
	instructions := spec.Instructions
	return openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        []openai.AssistantTool{{Type: openai.AssistantToolTypeRetrieval}},
		FileIDs:      append([]string(nil), spec.FileIDs...),
	}
}

func fromOpenAIAssistant(a openai.Assistant) Assistant {
	out := Assistant{
		ID:        a.ID,
		Model:     a.Model,
		FileIDs:   append([]string(nil), a.FileIDs...),
		CreatedAt: a.CreatedAt,
	}
	if a.Name != nil {
		out.Name = *a.Name
	}
	if a.Instructions != nil {
		out.Instructions = *a.Instructions
	}
	return out
}

func fromOpenAIRun(r openai.Run) Run {
	out := Run{ID: r.ID, ThreadID: r.ThreadID, Status: RunStatus(r.Status)}
	if r.LastError != nil {
		out.LastError = r.LastError.Message
	}
	return out
}
