package pat

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/joelkehle/pat/internal/similarity"
	"github.com/joelkehle/pat/internal/telemetry"
)

// CompareSentinel is the opening message a client sends after a TF-IDF
// comparison. Together with a percentage it is replaced by ComparePrompt.
const CompareSentinel = "Started Conversation from Compare with percentage"

type Response struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
	// ContextPercentage is set only for replies to a message sent with a
	// percentage, and only when one could be read.
	ContextPercentage *int `json:"context_percentage"`
}

// Comparison is the last comparison exchange of a session.
type Comparison struct {
	ChatID            int64
	UserFile          string
	ComparedFile      string
	TextSimilarity    float64
	ContextPercentage *int
	Reply             string
	At                time.Time
}

// ComparePrompt builds the comparison report request for two remote files and
// their TF-IDF cosine similarity.
func ComparePrompt(userFileID, comparedFileID string, percentage float64) string {
	pct := strconv.FormatFloat(percentage, 'f', -1, 64)
	return fmt.Sprintf("%s is the patent provided, and %s is the patent it was compared to. ", userFileID, comparedFileID) +
		"The comparison utilized a TF-IDF (Term Frequency-Inverse Document Frequency) approach, followed by the calculation " +
		"of Cosine similarity between the TF-IDF vectors of the two patents. The resulting cosine similarity indicates a " +
		pct + "% textual similarity between the patents.\n\n" +
		"Your response should be clear, concise, and follow this format without using asterisks or hashtags for special " +
		"formatting:\n\n" +
		"1. Pat's Thoughts on Text Similarity: Provide insights into why the patents exhibit a " + pct + "% similarity in " +
		"text. " +
		"Focus on structural similarities, common technical terms, or linguistic patterns.\n\n" +
		"2. Pat's Thoughts on Context Similarity: Objectively analyze the extent of similarity in context between the patents. " +
		"The context similarity percentage reflects the degree of overlap in ideas, concepts, or technical approaches.\n\n" +
		"3. Context Similarity Percentage: (Please provide a context similarity percentage from 0% to 100%)\n\n" +
		"Note: The context similarity percentage should accurately reflect the observed similarities in context. " +
		"A percentage closer to 0% indicates minimal context similarities, while a higher percentage implies significant overlap. " +
		"You're not required to explain the percentage separately; it should reflect your analysis directly."
}

// GenerateResponse posts message to the session's thread and waits for the
// assistant's reply. When percentage is non-nil the reply is scanned for the
// context similarity percentage; if that value cannot be read the reply text
// is returned without one.
func (s *Session) GenerateResponse(ctx context.Context, message string, percentage *float64) (resp Response, err error) {
	s.mu.Lock()
	chatID := s.chatID
	files := append([]string(nil), s.patentFiles...)
	names := append([]string(nil), s.patentFileNames...)
	hasAssistant := s.assistantID != ""
	s.mu.Unlock()

	if chatID == 0 {
		return Response{}, ErrNoChatID
	}
	if !hasAssistant {
		return Response{}, ErrNoAssistant
	}
	ctx, span := telemetry.StartSpan(ctx, "pat.generate_response",
		attribute.Int64("pat.chat_id", chatID),
		attribute.Bool("pat.compare", percentage != nil))
	defer func() { telemetry.EndSpan(span, err) }()

	compare := message == CompareSentinel && percentage != nil
	if compare {
		if len(files) < 2 {
			return Response{}, ErrCompareNeedsTwoFiles
		}
		message = ComparePrompt(files[0], files[1], *percentage)
	}

	threadID, err := s.ResolveThread(ctx, chatID)
	if err != nil {
		return Response{}, err
	}
	if err := s.api.AddUserMessage(ctx, threadID, message); err != nil {
		return Response{}, err
	}
	reply, err := s.RunAssistant(ctx, threadID)
	if err != nil {
		return Response{}, err
	}

	resp = Response{ThreadID: threadID, Text: reply}
	if percentage == nil {
		return resp, nil
	}
	resp.Text, resp.ContextPercentage = s.extractPercentage(ctx, chatID, reply)

	if compare {
		c := &Comparison{
			ChatID:            chatID,
			TextSimilarity:    *percentage,
			ContextPercentage: resp.ContextPercentage,
			Reply:             resp.Text,
			At:                s.now(),
		}
		if len(names) >= 2 {
			c.UserFile, c.ComparedFile = names[0], names[1]
		}
		s.mu.Lock()
		s.lastComparison = c
		s.mu.Unlock()
	}
	return resp, nil
}

func (s *Session) extractPercentage(ctx context.Context, chatID int64, reply string) (string, *int) {
	res, err := similarity.Extract(reply)
	if err == nil {
		if res.Percentage == nil {
			s.metrics.Extraction("absent")
		} else {
			s.metrics.Extraction("parsed")
		}
		return res.Message, res.Percentage
	}
	log.Printf("pat chat=%d similarity extraction failed: %v", chatID, err)
	if s.repairer != nil {
		pct, rerr := s.repairer.Repair(ctx, reply)
		if rerr == nil && pct != nil {
			s.metrics.Extraction("repaired")
			return res.Message, pct
		}
		if rerr != nil {
			log.Printf("pat chat=%d similarity repair failed: %v", chatID, rerr)
		}
	}
	s.metrics.Extraction("failed")
	return res.Message, nil
}
