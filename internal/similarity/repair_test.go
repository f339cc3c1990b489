package similarity

import (
	"context"
	"errors"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type scriptedMessager struct {
	replies []string
	errs    []error
	calls   int
}

func (m *scriptedMessager) New(_ context.Context, _ anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	text := ""
	if i < len(m.replies) {
		text = m.replies[i]
	}
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
	}, nil
}

func newTestRepairer(m *scriptedMessager) *AnthropicRepairer {
	return &AnthropicRepairer{messages: m, sleep: func(time.Duration) {}}
}

func TestRepairReadsValue(t *testing.T) {
	m := &scriptedMessager{replies: []string{"```json\n{\"context_similarity_percentage\": 35}\n```"}}
	got, err := newTestRepairer(m).Repair(context.Background(), "3. Context Similarity Percentage: thirty-five")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if got == nil || *got != 35 {
		t.Fatalf("expected 35, got %v", got)
	}
}

func TestRepairNull(t *testing.T) {
	m := &scriptedMessager{replies: []string{`{"context_similarity_percentage": null}`}}
	got, err := newTestRepairer(m).Repair(context.Background(), "3. Context Similarity Percentage: N/A")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %d", *got)
	}
}

func TestRepairRetriesBadJSONAndRange(t *testing.T) {
	m := &scriptedMessager{replies: []string{
		"not json",
		`{"context_similarity_percentage": 250}`,
		`{"context_similarity_percentage": 25}`,
	}}
	got, err := newTestRepairer(m).Repair(context.Background(), "x")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if got == nil || *got != 25 || m.calls != 3 {
		t.Fatalf("got=%v calls=%d", got, m.calls)
	}
}

func TestRepairGivesUp(t *testing.T) {
	m := &scriptedMessager{replies: []string{"a", "b", "c"}}
	if _, err := newTestRepairer(m).Repair(context.Background(), "x"); err == nil {
		t.Fatal("expected failure after retries")
	}
	if m.calls != repairMaxAttempts {
		t.Fatalf("expected %d calls, got %d", repairMaxAttempts, m.calls)
	}
}

func TestRepairTransport(t *testing.T) {
	m := &scriptedMessager{
		errs:    []error{errors.New("status code: 529 server error"), nil},
		replies: []string{"", `{"context_similarity_percentage": 10}`},
	}
	got, err := newTestRepairer(m).Repair(context.Background(), "x")
	if err != nil || got == nil || *got != 10 {
		t.Fatalf("got=%v err=%v", got, err)
	}

	client := &scriptedMessager{errs: []error{errors.New("status code: 401 unauthorized")}}
	if _, err := newTestRepairer(client).Repair(context.Background(), "x"); err == nil {
		t.Fatal("expected client errors to fail without retry")
	}
	if client.calls != 1 {
		t.Fatalf("expected a single call, got %d", client.calls)
	}
}

func TestStripCodeFences(t *testing.T) {
	if got := stripCodeFences("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Fatalf("unexpected: %q", got)
	}
}
