package pat

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"

	"github.com/joelkehle/pat/internal/telemetry"
	"github.com/joelkehle/pat/internal/threadstore"
)

// ResolveThread returns the thread bound to chatID, creating and binding a
// new remote thread on first use. The binding is keyed by chatID, not by the
// session's own chat id.
func (s *Session) ResolveThread(ctx context.Context, chatID int64) (threadID string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "pat.resolve_thread", attribute.Int64("pat.chat_id", chatID))
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	threadID, ok, err := s.store.Lookup(ctx, chatID)
	if err != nil {
		return "", err
	}
	if ok {
		s.metrics.ThreadLookup("hit")
		return threadID, nil
	}

	created, err := s.api.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	bound, err := s.store.Bind(ctx, chatID, created)
	if errors.Is(err, threadstore.ErrChatBound) {
		s.metrics.ThreadLookup("raced")
		log.Printf("pat chat=%d already bound to %s; deleting orphan thread %s", chatID, bound, created)
		if derr := s.api.DeleteThread(ctx, created); derr != nil {
			log.Printf("pat delete orphan thread %s failed: %v", created, derr)
		}
		return bound, nil
	}
	if err != nil {
		return "", fmt.Errorf("bind chat %d to %s: %w", chatID, created, err)
	}
	s.metrics.ThreadLookup("created")
	log.Printf("pat chat=%d bound to new thread %s", chatID, bound)
	return bound, nil
}

// CheckIfThreadExist is ResolveThread under its historical name.
func (s *Session) CheckIfThreadExist(ctx context.Context, chatID int64) (string, error) {
	return s.ResolveThread(ctx, chatID)
}
