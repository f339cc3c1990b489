package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const repairSystemPrompt = "You read patent comparison reports and report the context similarity percentage they state. Respond with strict JSON only."

const repairMaxAttempts = 3

type failureClass int

const (
	failureNone failureClass = iota
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

// Repairer recovers a percentage from a reply that Extract could not parse.
// A nil percentage with a nil error means the reply states no usable value.
type Repairer interface {
	Repair(ctx context.Context, reply string) (*int, error)
}

type Messager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type ClientCreator func(apiKey string) Messager

func defaultCreator(apiKey string) Messager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient ClientCreator = defaultCreator

// AnthropicRepairer asks Claude to read the value out of a drifted reply.
type AnthropicRepairer struct {
	messages Messager
	sleep    func(time.Duration)
}

func NewAnthropicRepairer(apiKey string) *AnthropicRepairer {
	return &AnthropicRepairer{messages: newAnthropicClient(apiKey), sleep: time.Sleep}
}

type repairAnswer struct {
	Percentage *int `json:"context_similarity_percentage"`
}

func (a *AnthropicRepairer) Repair(ctx context.Context, reply string) (*int, error) {
	prompt := "The report below should end with a line \"" + Marker + " N%\" where N is an integer from 0 to 100, " +
		"but the value could not be read. Report the percentage the author intended.\n" +
		"If the report gives no numeric value, use null.\n" +
		"Schema: {\"context_similarity_percentage\": integer 0-100 or null}\n\nREPORT:\n" + reply

	feedback := ""
	for attempt := 1; attempt <= repairMaxAttempts; attempt++ {
		fullPrompt := prompt
		if feedback != "" {
			fullPrompt += "\n\n" + feedback
		}
		raw, err := a.generate(ctx, fullPrompt)
		if err != nil {
			class := classifyTransportError(err)
			if (class == failureTimeout || class == failureRateLimit || class == failureServer) && attempt < repairMaxAttempts {
				a.sleep(backoffDelay(attempt))
				continue
			}
			return nil, fmt.Errorf("similarity repair transport failure: %w", err)
		}
		var ans repairAnswer
		if err := json.Unmarshal([]byte(stripCodeFences(raw)), &ans); err != nil {
			feedback = "Your previous response was not valid JSON. Respond with only valid JSON."
			continue
		}
		if ans.Percentage != nil && (*ans.Percentage < 0 || *ans.Percentage > 100) {
			feedback = fmt.Sprintf("Your previous answer %d is outside 0-100.", *ans.Percentage)
			continue
		}
		return ans.Percentage, nil
	}
	return nil, errors.New("similarity repair failed after retries")
}

func (a *AnthropicRepairer) generate(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   256,
		System:      []anthropic.TextBlockParam{{Text: repairSystemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyTransportError(err error) failureClass {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}
